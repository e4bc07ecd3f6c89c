package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "design-job-queue/internal/api"
	"design-job-queue/internal/bootstrap"
	"design-job-queue/internal/config"
	"design-job-queue/internal/jobs"
	"design-job-queue/internal/logging"
	"design-job-queue/internal/ratelimit"
	"design-job-queue/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Development(), "api")
	telemetry.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.OpenBackend(ctx, cfg, true, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open job store")
	}
	defer backend.Close()

	publisher, closePublisher, err := bootstrap.OpenPublisher(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open event publisher")
	}
	defer closePublisher()

	manager := jobs.NewManager(backend.Repo, bootstrap.ManagerOptions(cfg, backend, publisher, logger))

	var limiter *ratelimit.TokenBucket
	if backend.Redis != nil && cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(backend.Redis, cfg.RedisPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(manager, api.Options{
		Projects: backend.Projects,
		Limiter:  limiter,
		Health:   backend.Ping,
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
}
