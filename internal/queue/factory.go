package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Queue bundles the scheduler, the ready transport, and the DLQ selected by
// configuration. API processes use Scheduler and DLQ; workers additionally
// run the promoter and a dequeuer.
type Queue struct {
	Scheduler Scheduler
	Ready     Enqueuer
	DLQ       DeadLetterQueue

	promoter    Promoter
	cfg         Config
	log         zerolog.Logger
	redis       *redis.Client
	sqs         sqsAPI
	memoryReady *MemoryTransport
}

// New builds a Queue for cfg.Type: "redis" (default), "sqs", or "memory".
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Queue, error) {
	cfg = cfg.withDefaults()
	q := &Queue{cfg: cfg, log: log}

	switch cfg.Type {
	case "memory":
		sched := NewMemoryScheduler(cfg, log)
		q.memoryReady = NewMemoryTransport(cfg.ClaimBatch * 10)
		q.Scheduler, q.promoter, q.Ready = sched, sched, q.memoryReady
		q.DLQ = NewMemoryDLQ(sched)
		return q, nil

	case "redis", "", "sqs":
		q.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		sched := NewRedisScheduler(q.redis, cfg, log)
		q.Scheduler, q.promoter = sched, sched

		if cfg.Type == "sqs" {
			client, err := newAWSSQSClient(ctx, cfg.SQSRegion, cfg.SQSEndpoint)
			if err != nil {
				return nil, fmt.Errorf("create sqs client: %w", err)
			}
			q.sqs = client
			q.Ready = NewSQSEnqueuer(client, cfg.SQSQueueURLs, log)
			q.DLQ = NewSQSDLQ(client, cfg.SQSDLQueueURL, sched, log)
			return q, nil
		}

		q.Ready = NewRedisEnqueuer(q.redis, cfg.StreamMaxLen)
		q.DLQ = NewRedisDLQ(q.redis, sched)
		return q, nil

	default:
		return nil, fmt.Errorf("unknown queue type: %s", cfg.Type)
	}
}

// RunPromoter moves due jobs to the ready transport until ctx is cancelled.
func (q *Queue) RunPromoter(ctx context.Context) error {
	return q.promoter.Run(ctx, q.Ready)
}

// NewDequeuer creates the dequeuer matching the configured transport.
func (q *Queue) NewDequeuer(handler JobHandler, hook DeadLetterHook) Dequeuer {
	retry := NewRetryStrategy(q.cfg.MaxRetries)
	switch {
	case q.memoryReady != nil:
		return NewMemoryDequeuer(q.memoryReady, q.Scheduler, q.DLQ, handler, hook, retry, q.cfg, q.log)
	case q.sqs != nil:
		return NewSQSDequeuer(q.sqs, q.Scheduler, q.DLQ, handler, hook, retry, q.cfg, q.log)
	default:
		return NewRedisDequeuer(q.redis, q.Scheduler, q.DLQ, handler, hook, retry, q.cfg, q.log)
	}
}

// ReadyDepth returns the number of jobs waiting in a locality's ready
// transport.
func (q *Queue) ReadyDepth(ctx context.Context, locality string) (int64, error) {
	switch {
	case q.memoryReady != nil:
		return int64(len(q.memoryReady.ready)), nil
	case q.sqs != nil:
		url, ok := q.cfg.SQSQueueURLs[locality]
		if !ok {
			return 0, fmt.Errorf("no sqs queue configured for locality %q", locality)
		}
		return q.sqs.ApproximateDepth(ctx, url)
	default:
		return q.redis.XLen(ctx, readyStreamKey(locality)).Result()
	}
}

// ReportDepth publishes ReadyDepth for every locality every interval until
// ctx is done.
func (q *Queue) ReportDepth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, locality := range q.cfg.Localities {
			depth, err := q.ReadyDepth(ctx, locality)
			if err != nil {
				if ctx.Err() == nil {
					q.log.Warn().Err(err).Str("locality", locality).Msg("read ready depth failed")
				}
				continue
			}
			ReadyDepth.WithLabelValues(locality).Set(float64(depth))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Ping checks the backing store.
func (q *Queue) Ping(ctx context.Context) error {
	if q.redis == nil {
		return nil
	}
	return q.redis.Ping(ctx).Err()
}

// Redis returns the Redis client, or nil for the memory queue.
func (q *Queue) Redis() *redis.Client {
	return q.redis
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	if q.redis == nil {
		return nil
	}
	return q.redis.Close()
}
