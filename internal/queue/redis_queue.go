package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"design-job-queue/internal/config"
	"design-job-queue/internal/jobs"
	"design-job-queue/internal/models"
)

// RedisQueue stores jobs in Redis. Each job is a hash; queued jobs sit in a sorted
// set whose members sort lexicographically by (priority desc, created_at asc,
// sequence), and running jobs sit in a second sorted set scored by lease deadline.
// Every transition is a Lua script so it applies atomically.
type RedisQueue struct {
	client     *redis.Client
	prefix     string
	queuedKey  string
	runningKey string
	seqKey     string
}

var _ jobs.Repository = (*RedisQueue)(nil)
var _ jobs.ProjectDirectory = (*RedisQueue)(nil)

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.RedisPrefix)
}

// NewRedisQueueWithClient wraps an existing client. All keys are namespaced by prefix.
func NewRedisQueueWithClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "aijobs:"
	}
	return &RedisQueue{
		client:     client,
		prefix:     prefix,
		queuedKey:  prefix + "queued",
		runningKey: prefix + "running",
		seqKey:     prefix + "seq",
	}
}

// Client exposes the underlying connection so other Redis users can share it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Close closes the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) jobKeyPrefix() string {
	return q.prefix + "job:"
}

func (q *RedisQueue) jobKey(id string) string {
	return q.jobKeyPrefix() + id
}

func (q *RedisQueue) ownerKey(ownerID string) string {
	return q.prefix + "owner:" + ownerID
}

func (q *RedisQueue) projectKey(id string) string {
	return q.prefix + "project:" + id
}

// orderMember encodes the dequeue order into a string so that equal-score sorted
// set members come out highest priority first, then oldest, then by sequence.
func orderMember(priority int, createdAt time.Time, seq int64, id string) string {
	p := uint64(int64(priority)) ^ (1 << 63)
	return fmt.Sprintf("%016x|%016x|%016x|%s", ^p, uint64(createdAt.UnixNano()), uint64(seq), id)
}

// Insert implements jobs.Repository.
func (q *RedisQueue) Insert(ctx context.Context, job models.Job) error {
	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	input, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	member := orderMember(job.Priority, job.CreatedAt, seq, job.ID)

	fields := map[string]any{
		"id":           job.ID,
		"type":         string(job.Type),
		"owner_id":     job.OwnerID,
		"input":        input,
		"status":       string(job.Status),
		"priority":     job.Priority,
		"attempts":     job.Attempts,
		"created_at":   formatTime(job.CreatedAt),
		"updated_at":   formatTime(job.UpdatedAt),
		"queue_member": member,
	}
	if job.ProjectID != nil {
		fields["project_id"] = *job.ProjectID
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), fields)
	pipe.ZAdd(ctx, q.queuedKey, redis.Z{Score: 0, Member: member})
	pipe.ZAdd(ctx, q.ownerKey(job.OwnerID), redis.Z{Score: float64(job.CreatedAt.UnixMicro()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

// ClaimNext implements jobs.Repository.
func (q *RedisQueue) ClaimNext(ctx context.Context, workerID string, now, leaseUntil time.Time) (*models.Job, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.queuedKey, q.runningKey},
		q.jobKeyPrefix(), workerID, formatTime(now), formatTime(leaseUntil), leaseUntil.UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run claim script: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Finish implements jobs.Repository.
func (q *RedisQueue) Finish(ctx context.Context, p jobs.FinishParams) (models.Job, error) {
	var resultJSON, metaJSON, errMsg string
	if p.Result != nil {
		raw, err := json.Marshal(p.Result)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = string(raw)
	}
	if p.Meta != nil {
		raw, err := json.Marshal(p.Meta)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal meta: %w", err)
		}
		metaJSON = string(raw)
	}
	if p.Error != nil {
		errMsg = *p.Error
	}

	res, err := finishScript.Run(ctx, q.client,
		[]string{q.jobKey(p.JobID), q.runningKey},
		p.WorkerID, string(p.Status), resultJSON, errMsg, metaJSON, formatTime(p.Now), p.JobID,
	).Text()
	if err != nil {
		return models.Job{}, fmt.Errorf("run finish script: %w", err)
	}
	if err := scriptOutcome(res, p.JobID); err != nil {
		return models.Job{}, err
	}
	return q.Get(ctx, p.JobID)
}

// CancelQueued implements jobs.Repository.
func (q *RedisQueue) CancelQueued(ctx context.Context, jobID, ownerID string, now time.Time) (models.Job, error) {
	res, err := cancelScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.queuedKey},
		ownerID, formatTime(now),
	).Text()
	if err != nil {
		return models.Job{}, fmt.Errorf("run cancel script: %w", err)
	}
	if err := scriptOutcome(res, jobID); err != nil {
		return models.Job{}, err
	}
	return q.Get(ctx, jobID)
}

// ExtendLease implements jobs.Repository.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID, workerID string, leaseUntil time.Time) error {
	res, err := extendScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.runningKey},
		workerID, formatTime(leaseUntil), leaseUntil.UnixMilli(), jobID,
	).Text()
	if err != nil {
		return fmt.Errorf("run extend script: %w", err)
	}
	return scriptOutcome(res, jobID)
}

// Release implements jobs.Repository.
func (q *RedisQueue) Release(ctx context.Context, jobID, workerID string, now time.Time) (models.Job, error) {
	res, err := releaseScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.runningKey, q.queuedKey},
		workerID, formatTime(now), jobID,
	).Text()
	if err != nil {
		return models.Job{}, fmt.Errorf("run release script: %w", err)
	}
	if err := scriptOutcome(res, jobID); err != nil {
		return models.Job{}, err
	}
	return q.Get(ctx, jobID)
}

// ReclaimExpired implements jobs.Repository.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time, maxAttempts, limit int, reason string) ([]models.Job, error) {
	res, err := reclaimScript.Run(ctx, q.client,
		[]string{q.runningKey, q.queuedKey},
		q.jobKeyPrefix(), now.UnixMilli(), limit, maxAttempts, formatTime(now), reason,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("run reclaim script: %w", err)
	}
	out := make([]models.Job, 0, len(res))
	for _, id := range res {
		job, err := q.Get(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Get implements jobs.Repository.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("load job: %w", err)
	}
	if len(fields) == 0 {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return decodeJob(fields)
}

// List implements jobs.Repository.
func (q *RedisQueue) List(ctx context.Context, ownerID string, filter jobs.ListFilter) ([]models.Job, error) {
	ids, err := q.client.ZRevRange(ctx, q.ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list owner index: %w", err)
	}
	if len(ids) == 0 {
		return []models.Job{}, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, q.jobKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	out := make([]models.Job, 0, min(len(ids), filter.Limit))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decodeJob(fields)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(job) {
			continue
		}
		out = append(out, job)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// QueueDepth implements jobs.Repository.
func (q *RedisQueue) QueueDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.queuedKey).Result()
}

// InFlight returns how many jobs currently hold a lease.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.runningKey).Result()
}

// CreateProject implements jobs.ProjectDirectory.
func (q *RedisQueue) CreateProject(ctx context.Context, p models.Project) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal project: %w", err)
	}
	ok, err := q.client.SetNX(ctx, q.projectKey(p.ID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("store project: %w", err)
	}
	if !ok {
		return fmt.Errorf("project %s: %w", p.ID, models.ErrConflict)
	}
	return nil
}

// GetProject implements jobs.ProjectDirectory.
func (q *RedisQueue) GetProject(ctx context.Context, projectID string) (models.Project, error) {
	raw, err := q.client.Get(ctx, q.projectKey(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Project{}, fmt.Errorf("project %s: %w", projectID, models.ErrNotFound)
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("load project: %w", err)
	}
	var p models.Project
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Project{}, fmt.Errorf("decode project: %w", err)
	}
	return p, nil
}

// scriptOutcome maps the status strings returned by the Lua scripts to errors.
func scriptOutcome(res, jobID string) error {
	switch {
	case res == "ok":
		return nil
	case res == "missing":
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	case res == "worker":
		return fmt.Errorf("job %s is claimed by another worker: %w", jobID, models.ErrInvalidState)
	case strings.HasPrefix(res, "status:"):
		return fmt.Errorf("job %s is %s: %w", jobID, strings.TrimPrefix(res, "status:"), models.ErrInvalidState)
	default:
		return fmt.Errorf("unexpected script result %q", res)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func optionalTime(fields map[string]string, key string) (*time.Time, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return nil, nil
	}
	t, err := parseTime(v)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}
	return &t, nil
}

func optionalString(fields map[string]string, key string) *string {
	v, ok := fields[key]
	if !ok || v == "" {
		return nil
	}
	return &v
}

func decodeJob(fields map[string]string) (models.Job, error) {
	job := models.Job{
		ID:        fields["id"],
		Type:      models.JobType(fields["type"]),
		OwnerID:   fields["owner_id"],
		ProjectID: optionalString(fields, "project_id"),
		Status:    models.Status(fields["status"]),
		Error:     optionalString(fields, "error"),
		WorkerID:  optionalString(fields, "worker_id"),
	}
	var err error
	if job.Priority, err = strconv.Atoi(fields["priority"]); err != nil {
		return models.Job{}, fmt.Errorf("parse priority: %w", err)
	}
	if v := fields["attempts"]; v != "" {
		if job.Attempts, err = strconv.Atoi(v); err != nil {
			return models.Job{}, fmt.Errorf("parse attempts: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(fields["input"]), &job.Input); err != nil {
		return models.Job{}, fmt.Errorf("decode input: %w", err)
	}
	if v := fields["result"]; v != "" {
		job.Result = &models.Result{}
		if err := json.Unmarshal([]byte(v), job.Result); err != nil {
			return models.Job{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if v := fields["meta"]; v != "" {
		job.Meta = &models.Meta{}
		if err := json.Unmarshal([]byte(v), job.Meta); err != nil {
			return models.Job{}, fmt.Errorf("decode meta: %w", err)
		}
	}
	if job.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return models.Job{}, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return models.Job{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if job.LeaseExpiresAt, err = optionalTime(fields, "lease_expires_at"); err != nil {
		return models.Job{}, err
	}
	if job.StartedAt, err = optionalTime(fields, "started_at"); err != nil {
		return models.Job{}, err
	}
	if job.FinishedAt, err = optionalTime(fields, "finished_at"); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// KEYS: queued, running. ARGV: job key prefix, worker, now, lease deadline, lease deadline ms.
var claimScript = redis.NewScript(`
while true do
  local head = redis.call('ZRANGE', KEYS[1], 0, 0)
  if #head == 0 then return false end
  redis.call('ZREM', KEYS[1], head[1])
  local id = string.match(head[1], '|([^|]+)$')
  local key = ARGV[1] .. id
  if redis.call('HGET', key, 'status') == 'queued' then
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'status', 'running', 'worker_id', ARGV[2], 'started_at', ARGV[3], 'updated_at', ARGV[3], 'lease_expires_at', ARGV[4])
    redis.call('ZADD', KEYS[2], ARGV[5], id)
    return id
  end
end
`)

// KEYS: job, running. ARGV: worker, status, result, error, meta, now, id.
var finishScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 'missing' end
if status ~= 'running' then return 'status:' .. status end
if redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then return 'worker' end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[6], 'finished_at', ARGV[6])
redis.call('HDEL', KEYS[1], 'lease_expires_at')
if ARGV[3] ~= '' then redis.call('HSET', KEYS[1], 'result', ARGV[3]) end
if ARGV[4] ~= '' then redis.call('HSET', KEYS[1], 'error', ARGV[4]) end
if ARGV[5] ~= '' then redis.call('HSET', KEYS[1], 'meta', ARGV[5]) end
redis.call('ZREM', KEYS[2], ARGV[7])
return 'ok'
`)

// KEYS: job, queued. ARGV: owner, now.
var cancelScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 'missing' end
if redis.call('HGET', KEYS[1], 'owner_id') ~= ARGV[1] then return 'missing' end
if status ~= 'queued' then return 'status:' .. status end
redis.call('ZREM', KEYS[2], redis.call('HGET', KEYS[1], 'queue_member'))
redis.call('HSET', KEYS[1], 'status', 'cancelled', 'updated_at', ARGV[2], 'finished_at', ARGV[2])
return 'ok'
`)

// KEYS: job, running. ARGV: worker, lease deadline, lease deadline ms, id.
var extendScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 'missing' end
if status ~= 'running' then return 'status:' .. status end
if redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then return 'worker' end
redis.call('HSET', KEYS[1], 'lease_expires_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 'ok'
`)

// KEYS: job, running, queued. ARGV: worker, now, id.
var releaseScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 'missing' end
if status ~= 'running' then return 'status:' .. status end
if redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then return 'worker' end
if tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0') > 0 then
  redis.call('HINCRBY', KEYS[1], 'attempts', -1)
end
redis.call('HDEL', KEYS[1], 'worker_id', 'lease_expires_at', 'started_at')
redis.call('HSET', KEYS[1], 'status', 'queued', 'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], 0, redis.call('HGET', KEYS[1], 'queue_member'))
return 'ok'
`)

// KEYS: running, queued. ARGV: job key prefix, now ms, limit, max attempts, now, reason.
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[1] .. id
  if redis.call('HGET', key, 'status') == 'running' then
    local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
    if attempts >= tonumber(ARGV[4]) then
      redis.call('HDEL', key, 'lease_expires_at')
      redis.call('HSET', key, 'status', 'failed', 'error', ARGV[6], 'updated_at', ARGV[5], 'finished_at', ARGV[5])
    else
      redis.call('HDEL', key, 'worker_id', 'lease_expires_at', 'started_at')
      redis.call('HSET', key, 'status', 'queued', 'updated_at', ARGV[5])
      redis.call('ZADD', KEYS[2], 0, redis.call('HGET', key, 'queue_member'))
    end
    table.insert(out, id)
  end
end
return out
`)
