package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RedisDequeuer reads ready jobs from the locality streams through one
// consumer group. Entries left pending by a dead consumer are taken over
// once they have been idle for Config.ReclaimIdle.
type RedisDequeuer struct {
	client    *redis.Client
	processor *processor
	cfg       Config
	log       zerolog.Logger
	consumer  string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisDequeuer(
	client *redis.Client,
	scheduler Scheduler,
	dlq DeadLetterQueue,
	handler JobHandler,
	hook DeadLetterHook,
	retry *RetryStrategy,
	cfg Config,
	log zerolog.Logger,
) *RedisDequeuer {
	cfg = cfg.withDefaults()
	return &RedisDequeuer{
		client:    client,
		processor: newProcessor(handler, scheduler, dlq, retry, hook, cfg, log),
		cfg:       cfg,
		log:       log,
		consumer:  consumerPrefix(),
	}
}

// consumerPrefix names this process inside the consumer group. Two workers
// sharing a name would steal each other's pending entries.
func consumerPrefix() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (d *RedisDequeuer) Start(ctx context.Context) error {
	for _, locality := range d.cfg.Localities {
		stream := readyStreamKey(locality)
		err := d.client.XGroupCreateMkStream(ctx, stream, d.cfg.ConsumerGroup, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group %s on %s: %w", d.cfg.ConsumerGroup, stream, err)
		}
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	for i := range d.cfg.WorkerCount {
		name := fmt.Sprintf("%s-%d", d.consumer, i)
		g.Go(func() error {
			d.read(gctx, name)
			return nil
		})
	}
	for _, locality := range d.cfg.Localities {
		g.Go(func() error {
			d.reclaim(gctx, readyStreamKey(locality))
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(d.done)
	}()

	d.log.Info().
		Str("consumer", d.consumer).
		Int("worker_count", d.cfg.WorkerCount).
		Strs("localities", d.cfg.Localities).
		Msg("redis dequeuer started")
	return nil
}

// Stop cancels the readers and waits for in-flight jobs up to the shutdown
// timeout.
func (d *RedisDequeuer) Stop(_ context.Context) error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()

	select {
	case <-d.done:
		d.log.Info().Msg("redis dequeuer stopped")
		return nil
	case <-time.After(d.cfg.ShutdownTimeout):
		return fmt.Errorf("redis dequeuer: shutdown timed out after %s", d.cfg.ShutdownTimeout)
	}
}

func (d *RedisDequeuer) read(ctx context.Context, consumer string) {
	streams := make([]string, 0, 2*len(d.cfg.Localities))
	for _, locality := range d.cfg.Localities {
		streams = append(streams, readyStreamKey(locality))
	}
	for range d.cfg.Localities {
		streams = append(streams, ">")
	}

	for ctx.Err() == nil {
		res, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    d.cfg.ConsumerGroup,
			Consumer: consumer,
			Streams:  streams,
			Count:    1,
			Block:    d.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				d.log.Error().Err(err).Str("consumer", consumer).Msg("xreadgroup failed")
				d.pause(ctx)
			}
			continue
		}
		for _, s := range res {
			for _, entry := range s.Messages {
				d.handle(ctx, s.Stream, entry)
			}
		}
	}
}

// reclaim periodically moves entries idle for longer than ReclaimIdle to
// this process and runs them.
func (d *RedisDequeuer) reclaim(ctx context.Context, stream string) {
	consumer := d.consumer + "-reclaim"
	ticker := time.NewTicker(d.cfg.ReclaimIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := "0-0"
		for {
			entries, next, err := d.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    d.cfg.ConsumerGroup,
				Consumer: consumer,
				MinIdle:  d.cfg.ReclaimIdle,
				Start:    start,
				Count:    int64(d.cfg.ClaimBatch),
			}).Result()
			if err != nil {
				if ctx.Err() == nil {
					d.log.Error().Err(err).Str("stream", stream).Msg("xautoclaim failed")
				}
				break
			}
			for _, entry := range entries {
				d.log.Warn().Str("stream", stream).Str("entry_id", entry.ID).Msg("reclaimed stale ready entry")
				d.handle(ctx, stream, entry)
			}
			if next == "0-0" || len(entries) == 0 {
				break
			}
			start = next
		}
	}
}

// handle runs one entry and acknowledges it whatever the outcome: failed
// jobs go back through the scheduler, not the stream.
func (d *RedisDequeuer) handle(ctx context.Context, stream string, entry redis.XMessage) {
	log := d.log.With().Str("stream", stream).Str("entry_id", entry.ID).Logger()
	defer func() {
		if err := d.client.XAck(context.WithoutCancel(ctx), stream, d.cfg.ConsumerGroup, entry.ID).Err(); err != nil {
			log.Error().Err(err).Msg("xack failed")
		}
	}()

	raw, ok := entry.Values[payloadField].(string)
	if !ok {
		log.Error().Msg("ready entry has no job payload")
		return
	}
	job, err := decodeJob(raw)
	if err != nil {
		log.Error().Err(err).Msg("undecodable job payload")
		return
	}
	d.processor.process(ctx, job)
}

func (d *RedisDequeuer) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(receiveBackoff):
	}
}
