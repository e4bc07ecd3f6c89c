package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"design-job-queue/internal/jobs"
	"design-job-queue/internal/models"
	"design-job-queue/internal/ratelimit"
	"design-job-queue/internal/telemetry"
)

// UserHeader carries the authenticated caller. Authentication happens upstream.
const UserHeader = "X-User-ID"

const maxBodyBytes = 4 << 20

// Options holds the optional collaborators of a Server.
type Options struct {
	Projects jobs.ProjectDirectory
	Limiter  *ratelimit.TokenBucket
	// Health is probed by /healthz; nil reports healthy.
	Health func(ctx context.Context) error
	Logger zerolog.Logger
	Clock  func() time.Time
}

// Server wires HTTP handlers for the job API.
type Server struct {
	manager  *jobs.Manager
	projects jobs.ProjectDirectory
	limiter  *ratelimit.TokenBucket
	health   func(ctx context.Context) error
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs the API server.
func New(manager *jobs.Manager, opts Options) *Server {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Server{
		manager:  manager,
		projects: opts.Projects,
		limiter:  opts.Limiter,
		health:   opts.Health,
		logger:   opts.Logger,
		now:      func() time.Time { return clock().UTC() },
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireUser)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleGet)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Delete("/{id}", s.handleCancel)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", s.handleCreateProject)
			r.Get("/{id}", s.handleGetProject)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Error().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(UserHeader))
		if user == "" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(r *http.Request) string {
	user, _ := r.Context().Value(userKey{}).(string)
	return user
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = s.logger.Error()
		case status >= 400:
			ev = s.logger.Warn()
		default:
			ev = s.logger.Info()
		}
		ev.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("uri", r.URL.RequestURI()).
			Int("status", status).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Str("client_ip", r.RemoteAddr).
			Msg("request completed")
	})
}

// allow applies the per-user submission rate limit. It writes the rejection itself
// and returns false when the request must stop.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, user string) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), user)
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter unavailable")
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		telemetry.JobsRejected.WithLabelValues("rate_limit").Inc()
		secs := int(d.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
