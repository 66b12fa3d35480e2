package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MemoryScheduler is a process-local Scheduler and Promoter with the same
// claim semantics as RedisScheduler.
type MemoryScheduler struct {
	mu           sync.Mutex
	jobs         map[string]map[string]*Job // locality -> key -> job
	localities   []string
	pollInterval time.Duration
	log          zerolog.Logger
	now          func() time.Time
}

// NewMemoryScheduler creates an empty MemoryScheduler.
func NewMemoryScheduler(cfg Config, log zerolog.Logger) *MemoryScheduler {
	cfg = cfg.withDefaults()
	return &MemoryScheduler{
		jobs:         make(map[string]map[string]*Job),
		localities:   cfg.Localities,
		pollInterval: cfg.PollInterval,
		log:          log,
		now:          time.Now,
	}
}

// Enqueue implements Scheduler.
func (s *MemoryScheduler) Enqueue(ctx context.Context, req EnqueueRequest) (JobHandle, error) {
	job := newJob(req, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bucket(job.Locality)[job.Key]; ok {
		return JobHandle{Key: existing.Key, Locality: existing.Locality, FireAt: existing.FireAt}, nil
	}
	s.bucket(job.Locality)[job.Key] = job
	MessagesEnqueuedTotal.Inc()
	return JobHandle{Key: job.Key, Locality: job.Locality, FireAt: job.FireAt, Created: true}, nil
}

// Schedule implements Scheduler.
func (s *MemoryScheduler) Schedule(_ context.Context, job *Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bucket(job.Locality)[job.Key]; ok {
		return false, nil
	}
	c := *job
	s.bucket(job.Locality)[job.Key] = &c
	return true, nil
}

// Reschedule implements Scheduler.
func (s *MemoryScheduler) Reschedule(_ context.Context, messageID uuid.UUID, locality string, idempotent bool, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.find(messageID, locality, idempotent)
	if len(jobs) == 0 {
		return ErrJobNotFound
	}
	for _, j := range jobs {
		j.FireAt = s.now().Add(delay)
	}
	return nil
}

// Cancel implements Scheduler.
func (s *MemoryScheduler) Cancel(_ context.Context, messageID uuid.UUID, locality string, idempotent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.find(messageID, locality, idempotent)
	if len(jobs) == 0 {
		return ErrJobNotFound
	}
	for _, j := range jobs {
		delete(s.bucket(locality), j.Key)
	}
	return nil
}

// Pending returns the jobs waiting in a locality ordered by fire time.
func (s *MemoryScheduler) Pending(locality string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs[locality]))
	for _, j := range s.jobs[locality] {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FireAt.Before(out[k].FireAt) })
	return out
}

// ClaimDue removes and returns the due jobs of a locality.
func (s *MemoryScheduler) ClaimDue(locality string) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*Job
	for key, j := range s.jobs[locality] {
		if !j.FireAt.After(now) {
			due = append(due, j)
			delete(s.jobs[locality], key)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].FireAt.Before(due[k].FireAt) })
	return due
}

// Run promotes due jobs to ready until ctx is cancelled.
func (s *MemoryScheduler) Run(ctx context.Context, ready Enqueuer) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		for _, locality := range s.localities {
			for _, job := range s.ClaimDue(locality) {
				promoteJob(ctx, s, ready, job, s.pollInterval, s.log)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *MemoryScheduler) bucket(locality string) map[string]*Job {
	b, ok := s.jobs[locality]
	if !ok {
		b = make(map[string]*Job)
		s.jobs[locality] = b
	}
	return b
}

func (s *MemoryScheduler) find(messageID uuid.UUID, locality string, idempotent bool) []*Job {
	b := s.jobs[locality]
	if idempotent {
		if j, ok := b[JobKey(messageID, true, "")]; ok {
			return []*Job{j}
		}
		return nil
	}
	var out []*Job
	for _, j := range b {
		if j.MessageID == messageID && !j.Idempotent {
			out = append(out, j)
		}
	}
	return out
}

// MemoryTransport is an in-process ready transport: an Enqueuer backed by a
// buffered channel and a Dequeuer worker pool draining it.
type MemoryTransport struct {
	ready chan *Job
}

// NewMemoryTransport creates a MemoryTransport with the given buffer size.
func NewMemoryTransport(buffer int) *MemoryTransport {
	return &MemoryTransport{ready: make(chan *Job, buffer)}
}

// Enqueue implements Enqueuer.
func (t *MemoryTransport) Enqueue(ctx context.Context, job *Job) (string, error) {
	select {
	case t.ready <- job:
		return job.Key, nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", fmt.Errorf("memory transport full")
	}
}

// MemoryDequeuer runs jobs from a MemoryTransport.
type MemoryDequeuer struct {
	transport   *MemoryTransport
	processor   *processor
	workerCount int
	log         zerolog.Logger
	wg          sync.WaitGroup
	cancel      context.CancelFunc
}

// NewMemoryDequeuer creates a MemoryDequeuer.
func NewMemoryDequeuer(transport *MemoryTransport, scheduler Scheduler, dlq DeadLetterQueue, handler JobHandler, hook DeadLetterHook, retry *RetryStrategy, cfg Config, log zerolog.Logger) *MemoryDequeuer {
	cfg = cfg.withDefaults()
	return &MemoryDequeuer{
		transport:   transport,
		processor:   newProcessor(handler, scheduler, dlq, retry, hook, cfg, log),
		workerCount: cfg.WorkerCount,
		log:         log,
	}
}

// Start launches the worker goroutines.
func (d *MemoryDequeuer) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	for range d.workerCount {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-d.transport.ready:
					d.processor.process(ctx, job)
				}
			}
		}()
	}
	return nil
}

// Stop cancels the workers and waits for them.
func (d *MemoryDequeuer) Stop(_ context.Context) error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	d.wg.Wait()
	return nil
}

// MemoryDLQ keeps dead-lettered jobs in memory.
type MemoryDLQ struct {
	mu        sync.Mutex
	entries   map[string]DLQEntry
	order     []string
	scheduler Scheduler
}

// NewMemoryDLQ creates a MemoryDLQ.
func NewMemoryDLQ(scheduler Scheduler) *MemoryDLQ {
	return &MemoryDLQ{entries: make(map[string]DLQEntry), scheduler: scheduler}
}

// MoveToDLQ implements DeadLetterQueue. The entry ID is the job key.
func (d *MemoryDLQ) MoveToDLQ(_ context.Context, job *Job, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := *job
	if _, ok := d.entries[c.Key]; !ok {
		d.order = append(d.order, c.Key)
	}
	d.entries[c.Key] = DLQEntry{Job: &c, FinalError: reason, MovedAt: time.Now()}
	return nil
}

// Entries returns the dead-lettered entries in arrival order.
func (d *MemoryDLQ) Entries() []DLQEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DLQEntry, 0, len(d.order))
	for _, k := range d.order {
		out = append(out, d.entries[k])
	}
	return out
}

// List returns up to limit entries of a locality, newest first.
func (d *MemoryDLQ) List(_ context.Context, locality string, limit int) ([]DLQRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []DLQRecord
	for i := len(d.order) - 1; i >= 0 && len(out) < limit; i-- {
		entry := d.entries[d.order[i]]
		if entry.Job.Locality == locality {
			out = append(out, DLQRecord{ID: d.order[i], DLQEntry: entry})
		}
	}
	return out, nil
}

// Reprocess implements DeadLetterQueue.
func (d *MemoryDLQ) Reprocess(ctx context.Context, locality string, entryIDs []string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, id := range entryIDs {
		entry, ok := d.entries[id]
		if !ok || entry.Job.Locality != locality {
			continue
		}
		entry.Job.RetryCount = 0
		entry.Job.FireAt = time.Now()
		if _, err := d.scheduler.Schedule(ctx, entry.Job); err != nil {
			return n, fmt.Errorf("reschedule job %s: %w", id, err)
		}
		delete(d.entries, id)
		for i, k := range d.order {
			if k == id {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
		n++
	}
	return n, nil
}
