package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher writes events to the service log. Used when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Info().
		Str("event", string(ev.Type)).
		Str("job_id", ev.JobID).
		Str("owner_id", ev.OwnerID).
		Str("status", ev.Status).
		Str("worker_id", ev.WorkerID).
		Msg("job event")
	return nil
}
