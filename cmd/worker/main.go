package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"design-job-queue/internal/artifacts"
	"design-job-queue/internal/bootstrap"
	"design-job-queue/internal/config"
	"design-job-queue/internal/generator"
	"design-job-queue/internal/jobs"
	"design-job-queue/internal/logging"
	"design-job-queue/internal/telemetry"
	workerproc "design-job-queue/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Development(), "worker")
	telemetry.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.OpenBackend(ctx, cfg, false, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open job store")
	}
	defer backend.Close()

	publisher, closePublisher, err := bootstrap.OpenPublisher(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open event publisher")
	}
	defer closePublisher()

	artifactStore, err := artifacts.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init artifact store")
	}

	// Generate a unique worker ID from hostname or env var
	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	manager := jobs.NewManager(backend.Repo, bootstrap.ManagerOptions(cfg, backend, publisher, logger))
	processor := workerproc.NewProcessor(manager, workerproc.Options{
		WorkerID:          workerID,
		PollInterval:      cfg.WorkerPollInterval,
		PollMax:           cfg.WorkerPollMax,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReclaimBatchSize:  cfg.ReclaimBatchSize,
		Logger:            logger,
	})

	sources := generator.NewSourceFetcher(nil, cfg.SourceMaxBytes, cfg.SourceMaxDimension)
	workerproc.NewGenerateHandler(generator.New(cfg, logger), sources, artifactStore, logger).Register(processor)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	defer metricsServer.Close()

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped")
	}
	logger.Info().Msg("worker stopped")
}
