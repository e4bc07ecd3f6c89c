package jobs

import (
	"context"
	"time"

	"design-job-queue/internal/models"
)

// Repository is the persistence contract the Manager relies on. Every mutating
// method must be a single atomic conditional update in the backing store so that
// independent processes sharing the store never observe a torn transition.
//
// Error contract:
//   - Get, Finish, CancelQueued, ExtendLease, Release return models.ErrNotFound for unknown IDs.
//   - Finish, ExtendLease and Release return models.ErrInvalidState unless the job is
//     running and claimed by the given worker; the stored job is left untouched.
//   - CancelQueued returns models.ErrNotFound when ownerID does not own the job and
//     models.ErrInvalidState when the job is no longer queued.
//   - ClaimNext returns (nil, nil) when nothing is queued.
type Repository interface {
	Insert(ctx context.Context, job models.Job) error
	ClaimNext(ctx context.Context, workerID string, now, leaseUntil time.Time) (*models.Job, error)
	Finish(ctx context.Context, p FinishParams) (models.Job, error)
	CancelQueued(ctx context.Context, jobID, ownerID string, now time.Time) (models.Job, error)
	Get(ctx context.Context, jobID string) (models.Job, error)
	List(ctx context.Context, ownerID string, filter ListFilter) ([]models.Job, error)
	ExtendLease(ctx context.Context, jobID, workerID string, leaseUntil time.Time) error
	// Release hands a running job back to the queue at its original position
	// without counting the abandoned claim as an attempt.
	Release(ctx context.Context, jobID, workerID string, now time.Time) (models.Job, error)
	// ReclaimExpired moves running jobs whose lease ended at or before now back to
	// queued, or to failed with reason when attempts has reached maxAttempts. It
	// returns the jobs in their new state.
	ReclaimExpired(ctx context.Context, now time.Time, maxAttempts, limit int, reason string) ([]models.Job, error)
	QueueDepth(ctx context.Context) (int64, error)
}

// ProjectDirectory resolves projects referenced by submissions.
type ProjectDirectory interface {
	GetProject(ctx context.Context, projectID string) (models.Project, error)
	CreateProject(ctx context.Context, p models.Project) error
}

// FinishParams describes a running -> terminal transition.
type FinishParams struct {
	JobID    string
	WorkerID string
	Status   models.Status
	Result   *models.Result
	Error    *string
	Meta     *models.Meta
	Now      time.Time
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status    models.Status
	Type      models.JobType
	ProjectID string
	Limit     int
}

// Matches reports whether job passes every set filter.
func (f ListFilter) Matches(job models.Job) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.Type != "" && job.Type != f.Type {
		return false
	}
	if f.ProjectID != "" && (job.ProjectID == nil || *job.ProjectID != f.ProjectID) {
		return false
	}
	return true
}
