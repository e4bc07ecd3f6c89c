// Package bootstrap opens the backends shared by the api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"design-job-queue/internal/config"
	"design-job-queue/internal/events"
	"design-job-queue/internal/jobs"
	"design-job-queue/internal/queue"
	"design-job-queue/internal/store"
)

// Backend is the job repository selected by JOB_BACKEND.
type Backend struct {
	Repo     jobs.Repository
	Projects jobs.ProjectDirectory
	// Redis is set whenever a Redis connection was opened, for the rate limiter.
	Redis *redis.Client
	Ping  func(ctx context.Context) error

	closers []func()
}

// Close releases every connection the backend opened.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// OpenBackend connects to the configured job store, running migrations for Postgres.
// withRedis also opens a Redis client when the job store is Postgres.
func OpenBackend(ctx context.Context, cfg config.Config, withRedis bool, logger zerolog.Logger) (*Backend, error) {
	b := &Backend{}
	switch cfg.Backend {
	case config.BackendRedis:
		q := queue.NewRedisQueue(cfg)
		if err := q.Client().Ping(ctx).Err(); err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.Repo, b.Projects, b.Redis = q, q, q.Client()
		b.Ping = func(ctx context.Context) error { return q.Client().Ping(ctx).Err() }
		b.closers = append(b.closers, func() { _ = q.Close() })

	case config.BackendPostgres:
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.closers = append(b.closers, st.Close)
		if err := st.RunMigrations(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		b.Repo, b.Projects, b.Ping = st, st, st.Ping

		if withRedis {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			b.Redis = client
			b.closers = append(b.closers, func() { _ = client.Close() })
		}

	default:
		return nil, fmt.Errorf("unknown JOB_BACKEND %q", cfg.Backend)
	}

	logger.Info().Str("backend", cfg.Backend).Msg("job store ready")
	return b, nil
}

// OpenPublisher returns an AMQP publisher when AMQP_URL is set and a log publisher otherwise.
func OpenPublisher(cfg config.Config, logger zerolog.Logger) (events.Publisher, func(), error) {
	if cfg.AMQPURL == "" {
		return events.NewLogPublisher(logger), func() {}, nil
	}
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	pub, err := events.NewAMQPPublisher(conn, cfg.AMQPExchange)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing job events to amqp")
	return pub, func() {
		_ = pub.Close()
		_ = conn.Close()
	}, nil
}

// ManagerOptions builds jobs.Options from config.
func ManagerOptions(cfg config.Config, b *Backend, pub events.Publisher, logger zerolog.Logger) jobs.Options {
	return jobs.Options{
		LeaseDuration: cfg.LeaseDuration,
		MaxAttempts:   cfg.MaxAttempts,
		Projects:      b.Projects,
		Publisher:     pub,
		Logger:        logger,
	}
}
