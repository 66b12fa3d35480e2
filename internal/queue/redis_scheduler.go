package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Jobs live in a per-locality sorted set scored by fire time (ms) plus a hash
// per job holding the payload. Non-idempotent jobs are also tracked in a set
// per message so reschedule and cancel can find them.

// KEYS: sched, job hash, message index. ARGV: key, fire_at ms, payload, message id.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {0, redis.call('HGET', KEYS[2], 'fire_at')}
end
redis.call('HSET', KEYS[2], 'data', ARGV[3], 'fire_at', ARGV[2], 'message_id', ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return {1, ARGV[2]}
`)

// KEYS: sched, job hash. ARGV: key, fire_at ms.
var rescheduleScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], 'fire_at', ARGV[2])
return 1
`)

// KEYS: sched, job hash, message index. ARGV: key.
var cancelScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
return 1
`)

// KEYS: sched. ARGV: now ms, limit, job hash prefix, index prefix.
// A job is returned only by the call whose ZREM removed it.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, k in ipairs(due) do
  if redis.call('ZREM', KEYS[1], k) == 1 then
    local h = ARGV[3] .. k
    local fields = redis.call('HMGET', h, 'data', 'fire_at', 'message_id')
    redis.call('DEL', h)
    if fields[3] then redis.call('SREM', ARGV[4] .. fields[3], k) end
    if fields[1] then
      table.insert(out, fields[1])
      table.insert(out, fields[2] or ARGV[1])
    end
  end
end
return out
`)

// RedisScheduler is a Scheduler and Promoter backed by Redis sorted sets.
type RedisScheduler struct {
	client       *redis.Client
	localities   []string
	pollInterval time.Duration
	batch        int
	log          zerolog.Logger
	now          func() time.Time
}

// NewRedisScheduler creates a RedisScheduler. The localities are the
// partitions Run promotes.
func NewRedisScheduler(client *redis.Client, cfg Config, log zerolog.Logger) *RedisScheduler {
	cfg = cfg.withDefaults()
	return &RedisScheduler{
		client:       client,
		localities:   cfg.Localities,
		pollInterval: cfg.PollInterval,
		batch:        cfg.ClaimBatch,
		log:          log,
		now:          time.Now,
	}
}

// Enqueue implements Scheduler.
func (s *RedisScheduler) Enqueue(ctx context.Context, req EnqueueRequest) (JobHandle, error) {
	job := newJob(req, s.now())
	created, fireAt, err := s.schedule(ctx, job)
	if err != nil {
		return JobHandle{}, err
	}
	if created {
		MessagesEnqueuedTotal.Inc()
	}
	return JobHandle{Key: job.Key, Locality: job.Locality, FireAt: fireAt, Created: created}, nil
}

// Schedule implements Scheduler.
func (s *RedisScheduler) Schedule(ctx context.Context, job *Job) (bool, error) {
	created, _, err := s.schedule(ctx, job)
	return created, err
}

func (s *RedisScheduler) schedule(ctx context.Context, job *Job) (bool, time.Time, error) {
	payload, err := encodeJob(job)
	if err != nil {
		return false, time.Time{}, err
	}

	res, err := enqueueScript.Run(ctx, s.client,
		[]string{schedKey(job.Locality), jobHashPrefix(job.Locality) + job.Key, jobIndexPrefix(job.Locality) + job.MessageID.String()},
		job.Key, msString(job.FireAt), payload, job.MessageID.String(),
	).Slice()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("schedule job %s: %w", job.Key, err)
	}
	if len(res) == 0 {
		return false, time.Time{}, fmt.Errorf("schedule job %s: empty reply", job.Key)
	}

	created, _ := res[0].(int64)
	fireAt := job.FireAt
	if len(res) > 1 {
		if raw, ok := res[1].(string); ok {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				fireAt = time.UnixMilli(ms)
			}
		}
	}
	return created == 1, fireAt, nil
}

// Reschedule implements Scheduler.
func (s *RedisScheduler) Reschedule(ctx context.Context, messageID uuid.UUID, locality string, idempotent bool, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	fireAt := msString(s.now().Add(delay))

	keys, err := s.jobKeys(ctx, messageID, locality, idempotent)
	if err != nil {
		return err
	}
	moved := 0
	for _, key := range keys {
		n, err := rescheduleScript.Run(ctx, s.client,
			[]string{schedKey(locality), jobHashPrefix(locality) + key}, key, fireAt,
		).Int()
		if err != nil {
			return fmt.Errorf("reschedule job %s: %w", key, err)
		}
		moved += n
	}
	if moved == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Cancel implements Scheduler.
func (s *RedisScheduler) Cancel(ctx context.Context, messageID uuid.UUID, locality string, idempotent bool) error {
	keys, err := s.jobKeys(ctx, messageID, locality, idempotent)
	if err != nil {
		return err
	}
	removed := 0
	for _, key := range keys {
		n, err := cancelScript.Run(ctx, s.client,
			[]string{schedKey(locality), jobHashPrefix(locality) + key, jobIndexPrefix(locality) + messageID.String()}, key,
		).Int()
		if err != nil {
			return fmt.Errorf("cancel job %s: %w", key, err)
		}
		removed += n
	}
	if removed == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *RedisScheduler) jobKeys(ctx context.Context, messageID uuid.UUID, locality string, idempotent bool) ([]string, error) {
	if idempotent {
		return []string{JobKey(messageID, true, "")}, nil
	}
	keys, err := s.client.SMembers(ctx, jobIndexPrefix(locality)+messageID.String()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("lookup jobs for message %s: %w", messageID, err)
	}
	return keys, nil
}

// Pending returns the number of jobs waiting in a locality.
func (s *RedisScheduler) Pending(ctx context.Context, locality string) (int64, error) {
	return s.client.ZCard(ctx, schedKey(locality)).Result()
}

// ClaimDue atomically removes up to limit due jobs from locality and returns
// them. Each job is returned by exactly one caller.
func (s *RedisScheduler) ClaimDue(ctx context.Context, locality string, limit int) ([]*Job, error) {
	now := msString(s.now())
	res, err := claimScript.Run(ctx, s.client, []string{schedKey(locality)},
		now, limit, jobHashPrefix(locality), jobIndexPrefix(locality),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim due jobs in %s: %w", locality, err)
	}

	jobs := make([]*Job, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		job, err := decodeJob(res[i])
		if err != nil {
			s.log.Error().Err(err).Str("locality", locality).Msg("dropping undecodable job")
			continue
		}
		if ms, err := strconv.ParseInt(res[i+1], 10, 64); err == nil {
			job.FireAt = time.UnixMilli(ms)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Run promotes due jobs to ready until ctx is cancelled.
func (s *RedisScheduler) Run(ctx context.Context, ready Enqueuer) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.log.Info().
		Strs("localities", s.localities).
		Dur("poll_interval", s.pollInterval).
		Msg("redis scheduler started")

	for {
		for _, locality := range s.localities {
			s.promote(ctx, locality, ready)
		}

		select {
		case <-ctx.Done():
			s.log.Info().Msg("redis scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *RedisScheduler) promote(ctx context.Context, locality string, ready Enqueuer) {
	for {
		jobs, err := s.ClaimDue(ctx, locality, s.batch)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error().Err(err).Str("locality", locality).Msg("claim due jobs failed")
			}
			return
		}
		for _, job := range jobs {
			promoteJob(ctx, s, ready, job, s.pollInterval, s.log)
		}
		if pending, err := s.Pending(ctx, locality); err == nil {
			QueueDepth.WithLabelValues(locality).Set(float64(pending))
		}
		if len(jobs) < s.batch {
			return
		}
	}
}

// promoteJob hands a claimed job to the ready transport. If the transport
// rejects it the job is put back so it is not lost.
func promoteJob(ctx context.Context, sched Scheduler, ready Enqueuer, job *Job, backoff time.Duration, log zerolog.Logger) {
	if _, err := ready.Enqueue(ctx, job); err != nil {
		log.Error().Err(err).Str("job_key", job.Key).Msg("failed to promote job, rescheduling")
		job.FireAt = time.Now().Add(backoff)
		if _, err := sched.Schedule(context.WithoutCancel(ctx), job); err != nil {
			log.Error().Err(err).Str("job_key", job.Key).Msg("failed to reschedule unpromoted job")
		}
		return
	}
	JobsPromotedTotal.WithLabelValues(job.Locality).Inc()
}
