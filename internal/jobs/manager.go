package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"design-job-queue/internal/events"
	"design-job-queue/internal/models"
	"design-job-queue/internal/telemetry"
)

// LeaseExpiredReason is stored as the error of jobs failed by ReclaimExpired.
const LeaseExpiredReason = "lease expired: worker stopped heartbeating and the attempt limit was reached"

// Options tunes a Manager. Zero values fall back to defaults.
type Options struct {
	LeaseDuration time.Duration
	// MaxAttempts bounds how many times a job may be claimed before an expired
	// lease fails it instead of requeueing. Zero or less means unlimited.
	MaxAttempts int
	Projects    ProjectDirectory
	Publisher   events.Publisher
	Logger      zerolog.Logger
	Clock       func() time.Time
}

// Manager owns the job state machine. All reads and writes of job status, result
// and error go through it; correctness under concurrency comes from the
// Repository's conditional updates, not from in-process locking.
type Manager struct {
	repo        Repository
	projects    ProjectDirectory
	publisher   events.Publisher
	logger      zerolog.Logger
	lease       time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewManager wires a Manager over repo.
func NewManager(repo Repository, opts Options) *Manager {
	lease := opts.LeaseDuration
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		repo:        repo,
		projects:    opts.Projects,
		publisher:   opts.Publisher,
		logger:      opts.Logger,
		lease:       lease,
		maxAttempts: opts.MaxAttempts,
		now:         func() time.Time { return clock().UTC() },
	}
}

// LeaseDuration is how long a claim stays valid without a heartbeat.
func (m *Manager) LeaseDuration() time.Duration {
	return m.lease
}

// Submit validates req and stores a new queued job. Invalid input never creates a record.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (models.Job, error) {
	if err := validateSubmit(req); err != nil {
		telemetry.JobsRejected.WithLabelValues("validation").Inc()
		return models.Job{}, err
	}

	var projectID *string
	if req.ProjectID != nil {
		id := strings.TrimSpace(*req.ProjectID)
		if err := m.checkProjectWritable(ctx, id, req.OwnerID); err != nil {
			telemetry.JobsRejected.WithLabelValues("project").Inc()
			return models.Job{}, err
		}
		projectID = &id
	}

	now := m.now()
	job := models.Job{
		ID:        uuid.NewString(),
		Type:      req.Type,
		OwnerID:   req.OwnerID,
		ProjectID: projectID,
		Input:     req.Input,
		Status:    models.StatusQueued,
		Priority:  req.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.Insert(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	telemetry.JobsSubmitted.WithLabelValues(string(job.Type)).Inc()
	m.logger.Info().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("owner_id", job.OwnerID).
		Int("priority", job.Priority).
		Msg("job submitted")
	m.emit(ctx, events.JobSubmitted, job)
	return job, nil
}

func (m *Manager) checkProjectWritable(ctx context.Context, projectID, ownerID string) error {
	if m.projects == nil {
		return fmt.Errorf("%w: project %s", models.ErrNotFound, projectID)
	}
	p, err := m.projects.GetProject(ctx, projectID)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: project %s", models.ErrNotFound, projectID)
	}
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if !p.CanWrite(ownerID) {
		// Projects the caller cannot write to report as missing.
		return fmt.Errorf("%w: project %s", models.ErrNotFound, projectID)
	}
	return nil
}

// DequeueNext claims the highest-priority, oldest queued job for workerID. It
// returns (nil, nil) when nothing is queued or a concurrent caller won the race.
func (m *Manager) DequeueNext(ctx context.Context, workerID string) (*models.Job, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, fmt.Errorf("%w: worker id is required", models.ErrValidation)
	}
	now := m.now()
	job, err := m.repo.ClaimNext(ctx, workerID, now, now.Add(m.lease))
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	if job == nil {
		return nil, nil
	}

	telemetry.JobsClaimed.WithLabelValues(string(job.Type)).Inc()
	m.logger.Debug().
		Str("job_id", job.ID).
		Str("worker_id", workerID).
		Int("attempts", job.Attempts).
		Msg("job claimed")
	m.emit(ctx, events.JobClaimed, *job)
	return job, nil
}

// Complete moves a running job claimed by workerID to completed and stores result.
func (m *Manager) Complete(ctx context.Context, jobID, workerID string, result models.Result, meta *models.Meta) (models.Job, error) {
	if result.Empty() {
		return models.Job{}, fmt.Errorf("%w: result must not be empty", models.ErrValidation)
	}
	job, err := m.finish(ctx, FinishParams{
		JobID:    jobID,
		WorkerID: workerID,
		Status:   models.StatusCompleted,
		Result:   &result,
		Meta:     meta,
		Now:      m.now(),
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("complete job %s: %w", jobID, err)
	}

	telemetry.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
	m.logger.Info().Str("job_id", job.ID).Str("worker_id", workerID).Msg("job completed")
	m.emit(ctx, events.JobCompleted, job)
	return job, nil
}

// Fail moves a running job claimed by workerID to failed with message.
func (m *Manager) Fail(ctx context.Context, jobID, workerID, message string, meta *models.Meta) (models.Job, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return models.Job{}, fmt.Errorf("%w: error message must not be empty", models.ErrValidation)
	}
	job, err := m.finish(ctx, FinishParams{
		JobID:    jobID,
		WorkerID: workerID,
		Status:   models.StatusFailed,
		Error:    &message,
		Meta:     meta,
		Now:      m.now(),
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("fail job %s: %w", jobID, err)
	}

	telemetry.JobsFailed.WithLabelValues(string(job.Type)).Inc()
	m.logger.Warn().Str("job_id", job.ID).Str("worker_id", workerID).Str("error", message).Msg("job failed")
	m.emit(ctx, events.JobFailed, job)
	return job, nil
}

func (m *Manager) finish(ctx context.Context, p FinishParams) (models.Job, error) {
	if !models.CanTransition(models.StatusRunning, p.Status) || p.Status == models.StatusQueued {
		return models.Job{}, fmt.Errorf("%w: cannot finish a job as %s", models.ErrInvalidState, p.Status)
	}
	return m.repo.Finish(ctx, p)
}

// Release puts a running job claimed by workerID back in the queue. Workers call it
// when they stop before the job finishes; the claim does not count as an attempt.
func (m *Manager) Release(ctx context.Context, jobID, workerID string) (models.Job, error) {
	job, err := m.repo.Release(ctx, jobID, workerID, m.now())
	if err != nil {
		return models.Job{}, fmt.Errorf("release job %s: %w", jobID, err)
	}

	telemetry.JobsRequeued.Inc()
	m.logger.Info().Str("job_id", job.ID).Str("worker_id", workerID).Msg("job released back to queue")
	m.emit(ctx, events.JobRequeued, job)
	return job, nil
}

// Cancel withdraws a queued job on behalf of its owner. Running jobs cannot be preempted.
func (m *Manager) Cancel(ctx context.Context, jobID, requesterID string) (models.Job, error) {
	job, err := m.repo.CancelQueued(ctx, jobID, requesterID, m.now())
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel job %s: %w", jobID, err)
	}

	telemetry.JobsCancelled.WithLabelValues(string(job.Type)).Inc()
	m.logger.Info().Str("job_id", job.ID).Str("owner_id", requesterID).Msg("job cancelled")
	m.emit(ctx, events.JobCancelled, job)
	return job, nil
}

// Get returns a job regardless of owner. Intended for workers and internal tooling.
func (m *Manager) Get(ctx context.Context, jobID string) (models.Job, error) {
	job, err := m.repo.Get(ctx, jobID)
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// GetFor returns a job only when requesterID owns it.
func (m *Manager) GetFor(ctx context.Context, jobID, requesterID string) (models.Job, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.OwnerID != requesterID {
		return models.Job{}, fmt.Errorf("get job %s: %w", jobID, models.ErrNotFound)
	}
	return job, nil
}

// List returns ownerID's jobs, newest first.
func (m *Manager) List(ctx context.Context, ownerID string, filter ListFilter) ([]models.Job, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", models.ErrValidation)
	}
	filter, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	out, err := m.repo.List(ctx, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// Heartbeat extends workerID's lease on a running job.
func (m *Manager) Heartbeat(ctx context.Context, jobID, workerID string) error {
	if err := m.repo.ExtendLease(ctx, jobID, workerID, m.now().Add(m.lease)); err != nil {
		return fmt.Errorf("extend lease on %s: %w", jobID, err)
	}
	return nil
}

// ReclaimExpired returns jobs whose worker stopped heartbeating to the queue. A job
// that already used up MaxAttempts claims is failed with LeaseExpiredReason.
func (m *Manager) ReclaimExpired(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	maxAttempts := m.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}
	reclaimed, err := m.repo.ReclaimExpired(ctx, m.now(), maxAttempts, limit, LeaseExpiredReason)
	if err != nil {
		return nil, fmt.Errorf("reclaim expired leases: %w", err)
	}
	for _, job := range reclaimed {
		switch job.Status {
		case models.StatusQueued:
			telemetry.JobsRequeued.Inc()
			m.logger.Warn().Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("lease expired, job requeued")
			m.emit(ctx, events.JobRequeued, job)
		case models.StatusFailed:
			telemetry.JobsFailed.WithLabelValues(string(job.Type)).Inc()
			m.logger.Warn().Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("lease expired, attempts exhausted")
			m.emit(ctx, events.JobFailed, job)
		}
	}
	return reclaimed, nil
}

// QueueDepth reports how many jobs are waiting.
func (m *Manager) QueueDepth(ctx context.Context) (int64, error) {
	return m.repo.QueueDepth(ctx)
}

func (m *Manager) emit(ctx context.Context, t events.Type, job models.Job) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, events.FromJob(t, job, m.now())); err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Str("event", string(t)).Msg("publish job event")
	}
}
