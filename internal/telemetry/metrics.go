package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ai_jobs_submitted_total", Help: "Jobs accepted for processing"}, []string{"type"})
	JobsRejected     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ai_jobs_rejected_total", Help: "Submissions rejected before a job was created"}, []string{"reason"})
	JobsClaimed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ai_jobs_claimed_total", Help: "Jobs claimed by a worker"}, []string{"type"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ai_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ai_jobs_failed_total", Help: "Jobs that ended in failure"}, []string{"type"})
	JobsCancelled    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ai_jobs_cancelled_total", Help: "Jobs cancelled by their owner before start"}, []string{"type"})
	JobsRequeued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ai_jobs_requeued_total", Help: "Running jobs returned to the queue after their lease expired"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ai_jobs_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ai_jobs_queue_depth", Help: "Jobs waiting in status queued"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ai_jobs_inflight", Help: "Jobs this worker is currently running"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ai_jobs_duration_seconds",
		Help:    "Wall time from claim to terminal state, as seen by the worker",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"type", "status"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsRejected,
			JobsClaimed,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			JobsRequeued,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			JobDuration,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
