package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// maxDLQRounds bounds how many receive calls one Reprocess makes.
const maxDLQRounds = 10

// SQSDLQ keeps dead-lettered jobs as DLQEntry JSON in a single SQS queue
// shared by all localities.
type SQSDLQ struct {
	client    sqsAPI
	dlqURL    string
	scheduler Scheduler
	log       zerolog.Logger
}

func NewSQSDLQ(client sqsAPI, dlqURL string, scheduler Scheduler, log zerolog.Logger) *SQSDLQ {
	return &SQSDLQ{client: client, dlqURL: dlqURL, scheduler: scheduler, log: log}
}

func (d *SQSDLQ) MoveToDLQ(ctx context.Context, job *Job, reason string) error {
	movedAt := time.Now()
	body, err := json.Marshal(DLQEntry{Job: job, FinalError: reason, MovedAt: movedAt})
	if err != nil {
		return fmt.Errorf("encode dlq entry: %w", err)
	}
	if _, err := d.client.SendMessage(ctx, &sqsSendInput{
		QueueURL:    d.dlqURL,
		MessageBody: string(body),
		JobKey:      job.Key,
		MessageID:   job.MessageID.String(),
		DedupID:     promotionDedupID(&Job{Key: job.Key, RetryCount: job.RetryCount, FireAt: movedAt}),
	}); err != nil {
		return fmt.Errorf("sqs send to dlq: %w", err)
	}
	return nil
}

// Reprocess reschedules the entries named by entryIDs, each being either the
// SQS message ID of the DLQ message or the job key. SQS cannot fetch by ID,
// so the queue is scanned in batches; messages that are not wanted are made
// visible again right away. The scan stops when every ID was found, a
// batch brings nothing new, or after maxDLQRounds batches.
func (d *SQSDLQ) Reprocess(ctx context.Context, locality string, entryIDs []string) (int, error) {
	wanted := make(map[string]bool, len(entryIDs))
	for _, id := range entryIDs {
		wanted[id] = true
	}

	done := 0
	for round := 0; round < maxDLQRounds && len(wanted) > 0; round++ {
		out, err := d.client.ReceiveMessage(ctx, &sqsReceiveInput{
			QueueURL:            d.dlqURL,
			MaxNumberOfMessages: sqsMaxBatch,
			VisibilityTimeout:   30,
		})
		if err != nil {
			return done, fmt.Errorf("sqs receive from dlq: %w", err)
		}

		progressed := false
		for _, msg := range out.Messages {
			job, key := d.match(msg, locality, wanted)
			if job == nil {
				d.release(ctx, msg)
				continue
			}

			job.RetryCount = 0
			job.FireAt = time.Now()
			if _, err := d.scheduler.Schedule(ctx, job); err != nil {
				return done, fmt.Errorf("reschedule job %s: %w", job.Key, err)
			}
			if err := d.client.DeleteMessage(ctx, &sqsDeleteInput{QueueURL: d.dlqURL, ReceiptHandle: msg.ReceiptHandle}); err != nil {
				return done, fmt.Errorf("delete dlq message %s: %w", msg.MessageID, err)
			}
			delete(wanted, key)
			done++
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return done, nil
}

// match decodes msg and returns its job when it belongs to locality and is
// wanted, along with the ID it was wanted under.
func (d *SQSDLQ) match(msg sqsReceivedMessage, locality string, wanted map[string]bool) (*Job, string) {
	var entry DLQEntry
	if err := json.Unmarshal([]byte(msg.Body), &entry); err != nil || entry.Job == nil {
		d.log.Warn().Err(err).Str("sqs_message_id", msg.MessageID).Msg("skipping malformed dlq entry")
		return nil, ""
	}
	if entry.Job.Locality != locality {
		return nil, ""
	}
	switch {
	case wanted[msg.MessageID]:
		return entry.Job, msg.MessageID
	case wanted[entry.Job.Key]:
		return entry.Job, entry.Job.Key
	}
	return nil, ""
}

func (d *SQSDLQ) release(ctx context.Context, msg sqsReceivedMessage) {
	err := d.client.ChangeMessageVisibility(ctx, &sqsChangeVisibilityInput{
		QueueURL:      d.dlqURL,
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		d.log.Warn().Err(err).Str("sqs_message_id", msg.MessageID).Msg("failed to release dlq message")
	}
}
