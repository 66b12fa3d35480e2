package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// processor runs a job through the handler and decides its fate on failure:
// reschedule with backoff, or dead-letter when retries are exhausted or the
// error is permanent. Every dequeuer shares it.
type processor struct {
	handler        JobHandler
	scheduler      Scheduler
	dlq            DeadLetterQueue
	retry          *RetryStrategy
	hook           DeadLetterHook
	processTimeout time.Duration
	log            zerolog.Logger
	now            func() time.Time
}

func newProcessor(handler JobHandler, scheduler Scheduler, dlq DeadLetterQueue, retry *RetryStrategy, hook DeadLetterHook, cfg Config, log zerolog.Logger) *processor {
	cfg = cfg.withDefaults()
	return &processor{
		handler:        handler,
		scheduler:      scheduler,
		dlq:            dlq,
		retry:          retry,
		hook:           hook,
		processTimeout: cfg.ProcessTimeout,
		log:            log,
		now:            time.Now,
	}
}

func (p *processor) process(ctx context.Context, job *Job) {
	start := time.Now()

	processCtx, cancel := context.WithTimeout(ctx, p.processTimeout)
	err := p.handler.HandleJob(processCtx, job)
	cancel()

	MessageProcessingDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		MessagesProcessedTotal.WithLabelValues("succeeded").Inc()
		return
	}

	p.log.Error().
		Err(err).
		Str("job_key", job.Key).
		Str("message_id", job.MessageID.String()).
		Int("retry_count", job.RetryCount).
		Msg("job processing failed")
	MessagesProcessedTotal.WithLabelValues("failed").Inc()

	if IsPermanent(err) {
		p.deadLetter(ctx, job, err.Error(), "permanent")
		return
	}

	job.RetryCount++
	if !p.retry.ShouldRetry(job.RetryCount) {
		p.log.Warn().
			Str("job_key", job.Key).
			Int("retry_count", job.RetryCount).
			Msg("max retries exhausted, moving to DLQ")
		p.deadLetter(ctx, job, err.Error(), "exhausted")
		return
	}

	backoff := p.retry.NextBackoff(job.RetryCount - 1)
	job.FireAt = p.now().Add(backoff)
	created, schedErr := p.scheduler.Schedule(context.WithoutCancel(ctx), job)
	if schedErr != nil {
		p.log.Error().Err(schedErr).Str("job_key", job.Key).Msg("failed to reschedule job for retry")
		p.deadLetter(ctx, job, schedErr.Error(), "exhausted")
		return
	}
	JobsRetriedTotal.Inc()
	p.log.Info().
		Str("job_key", job.Key).
		Int("retry_count", job.RetryCount).
		Dur("backoff", backoff).
		Bool("collapsed", !created).
		Msg("scheduled retry")
}

func (p *processor) deadLetter(ctx context.Context, job *Job, reason, kind string) {
	ctx = context.WithoutCancel(ctx)
	if err := p.dlq.MoveToDLQ(ctx, job, reason); err != nil {
		p.log.Error().Err(err).Str("job_key", job.Key).Msg("failed to move to DLQ")
	}
	DLQMessagesTotal.WithLabelValues(kind).Inc()
	MessagesProcessedTotal.WithLabelValues("dlq").Inc()
	if p.hook != nil {
		p.hook(ctx, job, reason)
	}
}
