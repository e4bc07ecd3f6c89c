package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"design-job-queue/internal/jobs"
	"design-job-queue/internal/models"
	"design-job-queue/internal/telemetry"
)

// finishTimeout bounds the Complete/Fail call made after a job's handler returns,
// including during shutdown.
const finishTimeout = 10 * time.Second

// Handler executes a claimed job and returns its result.
type Handler func(ctx context.Context, job models.Job) (models.Result, *models.Meta, error)

// Options configures the polling loop. Zero values fall back to defaults.
type Options struct {
	WorkerID          string
	PollInterval      time.Duration
	PollMax           time.Duration
	HeartbeatInterval time.Duration
	ReclaimBatchSize  int
	Logger            zerolog.Logger
}

// Processor drives the worker execution loop.
type Processor struct {
	manager      *jobs.Manager
	handlers     map[models.JobType]Handler
	logger       zerolog.Logger
	workerID     string
	pollInterval time.Duration
	pollMax      time.Duration
	heartbeat    time.Duration
	reclaimBatch int
}

func NewProcessor(manager *jobs.Manager, opts Options) *Processor {
	p := &Processor{
		manager:      manager,
		handlers:     make(map[models.JobType]Handler),
		workerID:     opts.WorkerID,
		pollInterval: opts.PollInterval,
		pollMax:      opts.PollMax,
		heartbeat:    opts.HeartbeatInterval,
		reclaimBatch: opts.ReclaimBatchSize,
	}
	if p.pollInterval <= 0 {
		p.pollInterval = 500 * time.Millisecond
	}
	if p.pollMax < p.pollInterval {
		p.pollMax = p.pollInterval
	}
	if p.reclaimBatch <= 0 {
		p.reclaimBatch = 100
	}
	p.logger = opts.Logger.With().Str("worker_id", p.workerID).Logger()

	// The heartbeat must fire before the lease lapses.
	lease := manager.LeaseDuration()
	if p.heartbeat >= lease {
		p.logger.Warn().Dur("heartbeat", p.heartbeat).Dur("lease", lease).Msg("heartbeat interval not shorter than lease, using lease/3")
		p.heartbeat = 0
	}
	if p.heartbeat <= 0 {
		p.heartbeat = lease / 3
	}
	return p
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType models.JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run polls for work until ctx is cancelled. Idle polls back off exponentially up to PollMax.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info().Dur("poll_interval", p.pollInterval).Dur("poll_max", p.pollMax).Msg("worker started")
	idle := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("worker iteration failed")
		}
		if worked {
			idle = 0
			continue
		}

		idle++
		wait := backoffWithJitter(p.pollInterval, p.pollMax, idle)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunOnce reclaims expired leases, then claims and runs at most one job. It
// reports whether a job was processed.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	if _, err := p.manager.ReclaimExpired(ctx, p.reclaimBatch); err != nil {
		p.logger.Warn().Err(err).Msg("reclaim expired leases")
	}
	if depth, err := p.manager.QueueDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	job, err := p.manager.DequeueNext(ctx, p.workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	p.process(ctx, *job)
	return true, nil
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	log := p.logger.With().Str("job_id", job.ID).Str("type", string(job.Type)).Logger()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.keepAlive(jobCtx, cancel, job.ID, log)
	}()

	start := time.Now()
	result, meta, runErr := p.runJob(jobCtx, job)
	cancel()
	<-hbDone
	elapsed := time.Since(start)

	if meta == nil {
		meta = &models.Meta{}
	}
	meta.DurationMS = elapsed.Milliseconds()

	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer finishCancel()

	if runErr != nil && ctx.Err() != nil {
		// Interrupted by shutdown, not by the job itself.
		if _, err := p.manager.Release(finishCtx, job.ID, p.workerID); err != nil {
			log.Warn().Err(err).Msg("release interrupted job, leaving it to lease expiry")
			return
		}
		log.Info().Msg("worker stopping, job released")
		return
	}

	status := models.StatusCompleted
	var finishErr error
	if runErr != nil {
		status = models.StatusFailed
		_, finishErr = p.manager.Fail(finishCtx, job.ID, p.workerID, runErr.Error(), meta)
	} else {
		_, finishErr = p.manager.Complete(finishCtx, job.ID, p.workerID, result, meta)
	}
	telemetry.JobDuration.WithLabelValues(string(job.Type), string(status)).Observe(elapsed.Seconds())

	switch {
	case errors.Is(finishErr, models.ErrInvalidState), errors.Is(finishErr, models.ErrNotFound):
		log.Warn().Err(finishErr).Msg("job no longer held by this worker, result discarded")
	case finishErr != nil:
		log.Error().Err(finishErr).Str("status", string(status)).Msg("record job outcome")
	}
}

// keepAlive extends the lease every heartbeat interval. Losing the lease cancels the job.
func (p *Processor) keepAlive(ctx context.Context, cancel context.CancelFunc, jobID string, log zerolog.Logger) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.manager.Heartbeat(ctx, jobID, p.workerID)
			switch {
			case err == nil:
			case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrNotFound):
				log.Warn().Err(err).Msg("lease lost, abandoning job")
				cancel()
				return
			case ctx.Err() == nil:
				log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (p *Processor) runJob(ctx context.Context, job models.Job) (result models.Result, meta *models.Meta, err error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return models.Result{}, nil, fmt.Errorf("no handler registered for type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
