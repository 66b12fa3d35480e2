package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DLQEntry wraps a dead-lettered job with failure metadata.
type DLQEntry struct {
	Job        *Job      `json:"job"`
	FinalError string    `json:"final_error"`
	MovedAt    time.Time `json:"moved_at"`
}

// RedisDLQ keeps dead-lettered jobs in a stream per locality. Entry IDs are
// the stream IDs.
type RedisDLQ struct {
	client    *redis.Client
	scheduler Scheduler
}

func NewRedisDLQ(client *redis.Client, scheduler Scheduler) *RedisDLQ {
	return &RedisDLQ{client: client, scheduler: scheduler}
}

func (d *RedisDLQ) MoveToDLQ(ctx context.Context, job *Job, reason string) error {
	body, err := json.Marshal(DLQEntry{Job: job, FinalError: reason, MovedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("encode dlq entry: %w", err)
	}
	stream := dlqStreamKey(job.Locality)
	if err := d.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: []any{payloadField, string(body)}}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// List returns up to limit entries of a locality, newest first. Entries
// that cannot be decoded are listed with a nil Job.
func (d *RedisDLQ) List(ctx context.Context, locality string, limit int) ([]DLQRecord, error) {
	msgs, err := d.client.XRevRangeN(ctx, dlqStreamKey(locality), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", dlqStreamKey(locality), err)
	}
	out := make([]DLQRecord, 0, len(msgs))
	for _, m := range msgs {
		entry, _ := decodeDLQEntry(m)
		out = append(out, DLQRecord{ID: m.ID, DLQEntry: entry})
	}
	return out, nil
}

// Reprocess schedules the named entries to fire now with a fresh retry
// budget and removes them from the stream. Unknown IDs are skipped.
func (d *RedisDLQ) Reprocess(ctx context.Context, locality string, entryIDs []string) (int, error) {
	stream := dlqStreamKey(locality)
	n := 0
	for _, id := range entryIDs {
		msgs, err := d.client.XRange(ctx, stream, id, id).Result()
		if err != nil {
			return n, fmt.Errorf("xrange %s %s: %w", stream, id, err)
		}
		if len(msgs) == 0 {
			continue
		}
		entry, err := decodeDLQEntry(msgs[0])
		if err != nil {
			continue
		}

		job := entry.Job
		job.RetryCount = 0
		job.FireAt = time.Now()
		if _, err := d.scheduler.Schedule(ctx, job); err != nil {
			return n, fmt.Errorf("reschedule job %s: %w", job.Key, err)
		}
		if err := d.client.XDel(ctx, stream, id).Err(); err != nil {
			return n, fmt.Errorf("xdel %s %s: %w", stream, id, err)
		}
		n++
	}
	return n, nil
}

func decodeDLQEntry(m redis.XMessage) (DLQEntry, error) {
	var entry DLQEntry
	raw, ok := m.Values[payloadField].(string)
	if !ok {
		return entry, fmt.Errorf("dlq entry %s has no payload", m.ID)
	}
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return entry, fmt.Errorf("decode dlq entry %s: %w", m.ID, err)
	}
	if entry.Job == nil {
		return entry, fmt.Errorf("dlq entry %s has no job", m.ID)
	}
	return entry, nil
}
