package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// sqsMaxBatch is the most messages one ReceiveMessage call returns.
const sqsMaxBatch = 10

// receiveBackoff is the pause after a failed ReceiveMessage call.
var receiveBackoff = time.Second

// SQSDequeuer runs one long-polling loop per locality queue. Each loop
// receives up to ten messages at a time and hands them to at most
// WorkerCount concurrent handlers; a full pool stops the loop from polling.
type SQSDequeuer struct {
	client          sqsAPI
	queueURLs       map[string]string
	processor       *processor
	log             zerolog.Logger
	workerCount     int
	waitTime        int32
	visTimeout      int32
	processTimeout  time.Duration
	shutdownTimeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSQSDequeuer(
	client sqsAPI,
	scheduler Scheduler,
	dlq DeadLetterQueue,
	handler JobHandler,
	hook DeadLetterHook,
	retry *RetryStrategy,
	cfg Config,
	log zerolog.Logger,
) *SQSDequeuer {
	cfg = cfg.withDefaults()
	return &SQSDequeuer{
		client:          client,
		queueURLs:       cfg.SQSQueueURLs,
		processor:       newProcessor(handler, scheduler, dlq, retry, hook, cfg, log),
		log:             log,
		workerCount:     cfg.WorkerCount,
		waitTime:        cfg.SQSWaitTime,
		visTimeout:      cfg.SQSVisTimeout,
		processTimeout:  cfg.ProcessTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

func (d *SQSDequeuer) Start(ctx context.Context) error {
	if len(d.queueURLs) == 0 {
		return errors.New("no sqs queue urls configured")
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	var pollers errgroup.Group
	for locality, url := range d.queueURLs {
		pollers.Go(func() error {
			d.poll(ctx, locality, url)
			return nil
		})
	}
	go func() {
		_ = pollers.Wait()
		close(d.done)
	}()

	d.log.Info().
		Int("worker_count", d.workerCount).
		Int("queues", len(d.queueURLs)).
		Msg("sqs dequeuer started")
	return nil
}

// Stop cancels polling and waits for in-flight jobs up to the shutdown
// timeout.
func (d *SQSDequeuer) Stop(_ context.Context) error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()

	select {
	case <-d.done:
		d.log.Info().Msg("sqs dequeuer stopped")
		return nil
	case <-time.After(d.shutdownTimeout):
		return fmt.Errorf("sqs dequeuer: shutdown timed out after %s", d.shutdownTimeout)
	}
}

func (d *SQSDequeuer) poll(ctx context.Context, locality, queueURL string) {
	log := d.log.With().Str("locality", locality).Logger()
	batch := int32(min(d.workerCount, sqsMaxBatch))

	var workers errgroup.Group
	workers.SetLimit(d.workerCount)
	defer func() { _ = workers.Wait() }()

	for ctx.Err() == nil {
		out, err := d.client.ReceiveMessage(ctx, &sqsReceiveInput{
			QueueURL:            queueURL,
			MaxNumberOfMessages: batch,
			WaitTimeSeconds:     d.waitTime,
			VisibilityTimeout:   d.visTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("sqs receive failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}

		for _, msg := range out.Messages {
			workers.Go(func() error {
				d.processMessage(ctx, queueURL, msg)
				return nil
			})
		}
	}
}

// processMessage runs one job and deletes the SQS message regardless of the
// outcome. Retries are rescheduled through the scheduler, not SQS redelivery.
func (d *SQSDequeuer) processMessage(ctx context.Context, queueURL string, sqsMsg sqsReceivedMessage) {
	defer func() {
		if err := d.client.DeleteMessage(context.WithoutCancel(ctx), &sqsDeleteInput{
			QueueURL:      queueURL,
			ReceiptHandle: sqsMsg.ReceiptHandle,
		}); err != nil {
			d.log.Error().Err(err).Str("sqs_message_id", sqsMsg.MessageID).Msg("failed to delete sqs message")
		}
	}()

	job, err := decodeJob(sqsMsg.Body)
	if err != nil {
		d.log.Error().Err(err).Str("sqs_message_id", sqsMsg.MessageID).Msg("failed to decode sqs job")
		return
	}

	// Keep the message hidden for as long as the handler may run.
	if need := int32(d.processTimeout/time.Second) + 5; need > d.visTimeout {
		if err := d.client.ChangeMessageVisibility(ctx, &sqsChangeVisibilityInput{
			QueueURL:          queueURL,
			ReceiptHandle:     sqsMsg.ReceiptHandle,
			VisibilityTimeout: need,
		}); err != nil {
			d.log.Warn().Err(err).Str("sqs_message_id", sqsMsg.MessageID).Msg("failed to extend visibility")
		}
	}

	if sqsMsg.ReceiveCount > 1 {
		d.log.Warn().
			Str("sqs_message_id", sqsMsg.MessageID).
			Str("job_key", job.Key).
			Int("receive_count", sqsMsg.ReceiveCount).
			Msg("sqs message redelivered")
	}
	d.processor.process(ctx, job)
}
