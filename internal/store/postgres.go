package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"design-job-queue/internal/jobs"
	"design-job-queue/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ jobs.Repository = (*Store)(nil)
var _ jobs.ProjectDirectory = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, type, owner_id, project_id, input, status, result, error, meta, priority,
	worker_id, attempts, lease_expires_at, started_at, finished_at, created_at, updated_at`

// qualified prefixes every job column with alias for use in UPDATE ... FROM ... RETURNING.
func qualified(alias string) string {
	cols := strings.Split(jobColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// Insert implements jobs.Repository.
func (s *Store) Insert(ctx context.Context, job models.Job) error {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, owner_id, project_id, input, status, priority, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
	`, job.ID, string(job.Type), job.OwnerID, job.ProjectID, input, string(job.Status), job.Priority, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if err := appendAudit(ctx, tx, job.ID, "submitted", fmt.Sprintf("type=%s priority=%d", job.Type, job.Priority)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ClaimNext implements jobs.Repository. SKIP LOCKED lets concurrent claimers pass
// over a row another transaction is already claiming instead of blocking on it.
func (s *Store) ClaimNext(ctx context.Context, workerID string, now, leaseUntil time.Time) (*models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		WITH next_job AS (
			SELECT id FROM jobs
			WHERE status = 'queued'
			ORDER BY priority DESC, created_at ASC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs j
		SET status = 'running', worker_id = $1, attempts = j.attempts + 1,
		    started_at = $2, lease_expires_at = $3, updated_at = $2
		FROM next_job
		WHERE j.id = next_job.id
		RETURNING `+qualified("j"), workerID, now, leaseUntil)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := appendAudit(ctx, tx, job.ID, "claimed", fmt.Sprintf("worker=%s attempt=%d", workerID, job.Attempts)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &job, nil
}

// Finish implements jobs.Repository.
func (s *Store) Finish(ctx context.Context, p jobs.FinishParams) (models.Job, error) {
	var resultJSON, metaJSON []byte
	var err error
	if p.Result != nil {
		if resultJSON, err = json.Marshal(p.Result); err != nil {
			return models.Job{}, fmt.Errorf("marshal result: %w", err)
		}
	}
	if p.Meta != nil {
		if metaJSON, err = json.Marshal(p.Meta); err != nil {
			return models.Job{}, fmt.Errorf("marshal meta: %w", err)
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, result = $4, error = $5, meta = COALESCE($6, meta),
		    finished_at = $7, updated_at = $7, lease_expires_at = NULL
		WHERE id = $1 AND status = 'running' AND worker_id = $2
		RETURNING `+jobColumns, p.JobID, p.WorkerID, string(p.Status), resultJSON, p.Error, metaJSON, p.Now)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.explainRunningMiss(ctx, tx, p.JobID)
	}
	if err != nil {
		return models.Job{}, err
	}
	detail := "worker=" + p.WorkerID
	if p.Error != nil {
		detail += " error=" + *p.Error
	}
	if err := appendAudit(ctx, tx, job.ID, string(p.Status), detail); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// explainRunningMiss reports why a conditional update on a running job matched nothing.
func (s *Store) explainRunningMiss(ctx context.Context, q pgx.Tx, jobID string) error {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load job state: %w", err)
	}
	if status != string(models.StatusRunning) {
		return fmt.Errorf("job %s is %s: %w", jobID, status, models.ErrInvalidState)
	}
	return fmt.Errorf("job %s is claimed by another worker: %w", jobID, models.ErrInvalidState)
}

// CancelQueued implements jobs.Repository.
func (s *Store) CancelQueued(ctx context.Context, jobID, ownerID string, now time.Time) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'cancelled', finished_at = $3, updated_at = $3
		WHERE id = $1 AND owner_id = $2 AND status = 'queued'
		RETURNING `+jobColumns, jobID, ownerID, now)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var status, owner string
		err := tx.QueryRow(ctx, `SELECT status, owner_id FROM jobs WHERE id = $1`, jobID).Scan(&status, &owner)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && owner != ownerID) {
			return models.Job{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
		}
		if err != nil {
			return models.Job{}, fmt.Errorf("load job state: %w", err)
		}
		return models.Job{}, fmt.Errorf("job %s is %s: %w", jobID, status, models.ErrInvalidState)
	}
	if err != nil {
		return models.Job{}, err
	}
	if err := appendAudit(ctx, tx, job.ID, "cancelled", "cancel requested by owner"); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// ExtendLease implements jobs.Repository.
func (s *Store) ExtendLease(ctx context.Context, jobID, workerID string, leaseUntil time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $3
		WHERE id = $1 AND status = 'running' AND worker_id = $2
	`, jobID, workerID, leaseUntil)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainRunningMiss(ctx, tx, jobID)
	}
	return tx.Commit(ctx)
}

// Release implements jobs.Repository.
func (s *Store) Release(ctx context.Context, jobID, workerID string, now time.Time) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'queued', worker_id = NULL, started_at = NULL, lease_expires_at = NULL,
		    attempts = GREATEST(attempts - 1, 0), updated_at = $3
		WHERE id = $1 AND status = 'running' AND worker_id = $2
		RETURNING `+jobColumns, jobID, workerID, now)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.explainRunningMiss(ctx, tx, jobID)
	}
	if err != nil {
		return models.Job{}, err
	}
	if err := appendAudit(ctx, tx, job.ID, "released", "worker="+workerID); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// ReclaimExpired implements jobs.Repository.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time, maxAttempts, limit int, reason string) ([]models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		WITH expired AS (
			SELECT id FROM jobs
			WHERE status = 'running' AND lease_expires_at <= $1::timestamptz
			ORDER BY lease_expires_at
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE jobs j
		SET status           = CASE WHEN j.attempts >= $3 THEN 'failed' ELSE 'queued' END,
		    error            = CASE WHEN j.attempts >= $3 THEN $4::text ELSE NULL END,
		    finished_at      = CASE WHEN j.attempts >= $3 THEN $1::timestamptz ELSE NULL END,
		    worker_id        = CASE WHEN j.attempts >= $3 THEN j.worker_id ELSE NULL END,
		    started_at       = CASE WHEN j.attempts >= $3 THEN j.started_at ELSE NULL END,
		    lease_expires_at = NULL,
		    updated_at       = $1::timestamptz
		FROM expired
		WHERE j.id = expired.id
		RETURNING `+qualified("j"), now, limit, maxAttempts, reason)
	if err != nil {
		return nil, fmt.Errorf("reclaim expired: %w", err)
	}
	out, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	for _, job := range out {
		event := "requeued"
		if job.Status == models.StatusFailed {
			event = "lease_exhausted"
		}
		if err := appendAudit(ctx, tx, job.ID, event, fmt.Sprintf("attempts=%d", job.Attempts)); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// Get implements jobs.Repository.
func (s *Store) Get(ctx context.Context, jobID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return job, err
}

// List implements jobs.Repository.
func (s *Store) List(ctx context.Context, ownerID string, filter jobs.ListFilter) ([]models.Job, error) {
	where := []string{"owner_id = $1"}
	args := []any{ownerID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE %s
		ORDER BY created_at DESC, seq DESC
		LIMIT $%d
	`, jobColumns, strings.Join(where, " AND "), len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// QueueDepth implements jobs.Repository.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'queued'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

// AuditTrail returns the recorded transitions of a job, oldest first.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM job_audit WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateProject implements jobs.ProjectDirectory.
func (s *Store) CreateProject(ctx context.Context, p models.Project) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, owner_id, name, editors, viewers, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.OwnerID, p.Name, nonNil(p.Editors), nonNil(p.Viewers), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", p.ID, models.ErrConflict)
	}
	return nil
}

// GetProject implements jobs.ProjectDirectory.
func (s *Store) GetProject(ctx context.Context, projectID string) (models.Project, error) {
	var p models.Project
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, editors, viewers, created_at, updated_at FROM projects WHERE id = $1
	`, projectID).Scan(&p.ID, &p.OwnerID, &p.Name, &p.Editors, &p.Viewers, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Project{}, fmt.Errorf("project %s: %w", projectID, models.ErrNotFound)
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("scan project: %w", err)
	}
	return p, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// appendAudit adds an audit row inside the caller's transaction.
func appendAudit(ctx context.Context, q execer, jobID, event, detail string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO job_audit (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	out := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var jobType, status string
	var inputJSON, resultJSON, metaJSON []byte
	var projectID, lastErr, workerID pgtype.Text
	var lease, started, finished pgtype.Timestamptz

	if err := row.Scan(&job.ID, &jobType, &job.OwnerID, &projectID, &inputJSON, &status, &resultJSON, &lastErr, &metaJSON,
		&job.Priority, &workerID, &job.Attempts, &lease, &started, &finished, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.Type = models.JobType(jobType)
	job.Status = models.Status(status)
	job.ProjectID = textPtr(projectID)
	job.Error = textPtr(lastErr)
	job.WorkerID = textPtr(workerID)
	job.LeaseExpiresAt = timePtr(lease)
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)

	if err := json.Unmarshal(inputJSON, &job.Input); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal input: %w", err)
	}
	if len(resultJSON) > 0 {
		job.Result = &models.Result{}
		if err := json.Unmarshal(resultJSON, job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		job.Meta = &models.Meta{}
		if err := json.Unmarshal(metaJSON, job.Meta); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
