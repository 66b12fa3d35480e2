package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Stream entry fields. payloadField holds the encoded Job (or DLQ entry);
// messageField is for humans reading streams with XRANGE.
const (
	payloadField = "data"
	messageField = "message_id"
)

// RedisEnqueuer appends ready jobs to the locality's stream. With maxLen
// set, XADD trims the stream approximately so acknowledged entries do not
// pile up forever.
type RedisEnqueuer struct {
	client *redis.Client
	maxLen int64
}

func NewRedisEnqueuer(client *redis.Client, maxLen int64) *RedisEnqueuer {
	return &RedisEnqueuer{client: client, maxLen: maxLen}
}

// Enqueue returns the stream entry ID.
func (e *RedisEnqueuer) Enqueue(ctx context.Context, job *Job) (string, error) {
	data, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	stream := readyStreamKey(job.Locality)
	args := &redis.XAddArgs{
		Stream: stream,
		Values: []any{payloadField, data, messageField, job.MessageID.String()},
	}
	if e.maxLen > 0 {
		args.MaxLen = e.maxLen
		args.Approx = true
	}
	id, err := e.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}
