package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound is returned when a job has already fired or never existed.
var ErrJobNotFound = errors.New("job not found")

// Job is a scheduled delivery attempt for one message.
type Job struct {
	Key        string    `json:"key"`
	MessageID  uuid.UUID `json:"message_id"`
	Locality   string    `json:"locality"`
	Idempotent bool      `json:"idempotent"`
	DedupeKey  string    `json:"dedupe_key,omitempty"`
	RetryCount int       `json:"retry_count"`
	FireAt     time.Time `json:"fire_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobKey derives the job key. For idempotent jobs the key depends only on
// the message ID, so repeated enqueues collapse onto one job regardless of
// delay or payload. Non-idempotent jobs get a key per dedupe key, or a fresh
// one when none is given.
func JobKey(messageID uuid.UUID, idempotent bool, dedupeKey string) string {
	switch {
	case idempotent:
		return "msg:" + messageID.String()
	case dedupeKey != "":
		return "msg:" + messageID.String() + ":" + dedupeKey
	default:
		return "msg:" + messageID.String() + ":" + uuid.NewString()
	}
}

// EnqueueRequest asks a Scheduler to run a delivery job after Delay.
type EnqueueRequest struct {
	MessageID  uuid.UUID
	Locality   string
	Idempotent bool
	DedupeKey  string
	Delay      time.Duration
}

// JobHandle identifies a scheduled job.
type JobHandle struct {
	Key      string
	Locality string
	FireAt   time.Time
	// Created is false when an idempotent enqueue collapsed onto an existing job.
	Created bool
}

// newJob builds the job for req. Negative delays are clamped to zero.
func newJob(req EnqueueRequest, now time.Time) *Job {
	delay := req.Delay
	if delay < 0 {
		delay = 0
	}
	return &Job{
		Key:        JobKey(req.MessageID, req.Idempotent, req.DedupeKey),
		MessageID:  req.MessageID,
		Locality:   req.Locality,
		Idempotent: req.Idempotent,
		DedupeKey:  req.DedupeKey,
		FireAt:     now.Add(delay),
		CreatedAt:  now,
	}
}

func encodeJob(j *Job) (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job %s: %w", j.Key, err)
	}
	return string(data), nil
}

func decodeJob(data string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the dequeuer dead-letters the job immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func schedKey(locality string) string {
	return "sched:" + locality
}

func jobHashPrefix(locality string) string {
	return "job:" + locality + ":"
}

func jobIndexPrefix(locality string) string {
	return "jobidx:" + locality + ":"
}

// readyStreamKey returns the Redis stream key for jobs ready to run.
func readyStreamKey(locality string) string {
	return "queue:" + locality
}

// dlqStreamKey returns the Redis DLQ stream key for a locality.
func dlqStreamKey(locality string) string {
	return "dlq:" + locality
}

func msString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
