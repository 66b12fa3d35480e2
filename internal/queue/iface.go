package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Scheduler holds delayed jobs per locality until they are due.
type Scheduler interface {
	// Enqueue schedules a job. Idempotent enqueues for a message that already
	// has a pending job return that job's handle with Created false.
	Enqueue(ctx context.Context, req EnqueueRequest) (JobHandle, error)
	// Reschedule moves a pending job's fire time to now+delay. It returns
	// ErrJobNotFound if the job already fired or never existed.
	Reschedule(ctx context.Context, messageID uuid.UUID, locality string, idempotent bool, delay time.Duration) error
	// Cancel removes a pending job. It returns ErrJobNotFound if the job
	// already fired or never existed.
	Cancel(ctx context.Context, messageID uuid.UUID, locality string, idempotent bool) error
	// Schedule stores job under its own key unless the key is already
	// pending. It is used for retries and DLQ reprocessing.
	Schedule(ctx context.Context, job *Job) (bool, error)
}

// Promoter claims due jobs and pushes them to the ready transport.
type Promoter interface {
	Run(ctx context.Context, ready Enqueuer) error
}

// Enqueuer publishes ready jobs to the transport workers consume from.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *Job) (string, error)
}

// Dequeuer consumes ready jobs.
// Start begins consuming in background goroutines.
// Stop gracefully shuts down consumers.
type Dequeuer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DeadLetterQueue manages jobs that exhausted their retries.
type DeadLetterQueue interface {
	MoveToDLQ(ctx context.Context, job *Job, reason string) error
	Reprocess(ctx context.Context, locality string, entryIDs []string) (int, error)
}

// DeadLetterLister is implemented by dead letter queues that can be browsed
// without consuming them.
type DeadLetterLister interface {
	List(ctx context.Context, locality string, limit int) ([]DLQRecord, error)
}

// DLQRecord is a DLQ entry together with the ID Reprocess accepts.
type DLQRecord struct {
	ID string `json:"id"`
	DLQEntry
}

// JobHandler runs one delivery job. Returning an error wrapped with
// Permanent skips the remaining retries.
type JobHandler interface {
	HandleJob(ctx context.Context, job *Job) error
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, job *Job) error

func (f JobHandlerFunc) HandleJob(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// DeadLetterHook is invoked after a job is moved to the DLQ.
type DeadLetterHook func(ctx context.Context, job *Job, reason string)
