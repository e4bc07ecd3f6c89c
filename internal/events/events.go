package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"design-job-queue/internal/models"
)

// Type names a lifecycle event. It doubles as the AMQP routing key.
type Type string

const (
	JobSubmitted Type = "job.submitted"
	JobClaimed   Type = "job.claimed"
	JobCompleted Type = "job.completed"
	JobFailed    Type = "job.failed"
	JobCancelled Type = "job.cancelled"
	JobRequeued  Type = "job.requeued"
)

// Event is the notification emitted after a job changes state.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	JobID      string    `json:"job_id"`
	JobType    string    `json:"job_type"`
	OwnerID    string    `json:"owner_id"`
	ProjectID  string    `json:"project_id,omitempty"`
	Status     string    `json:"status"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers lifecycle events to whoever waits on job progress.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// FromJob builds an event describing job's current state.
func FromJob(t Type, job models.Job, at time.Time) Event {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       t,
		JobID:      job.ID,
		JobType:    string(job.Type),
		OwnerID:    job.OwnerID,
		Status:     string(job.Status),
		OccurredAt: at.UTC(),
	}
	if job.ProjectID != nil {
		ev.ProjectID = *job.ProjectID
	}
	if job.WorkerID != nil {
		ev.WorkerID = *job.WorkerID
	}
	if job.Error != nil {
		ev.Error = *job.Error
	}
	return ev
}
