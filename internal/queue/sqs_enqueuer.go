package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
)

// SQSEnqueuer publishes ready jobs to the SQS queue of their locality.
type SQSEnqueuer struct {
	client    sqsAPI
	queueURLs map[string]string
	log       zerolog.Logger
}

// NewSQSEnqueuer creates an SQSEnqueuer. queueURLs maps locality to queue URL.
func NewSQSEnqueuer(client sqsAPI, queueURLs map[string]string, log zerolog.Logger) *SQSEnqueuer {
	return &SQSEnqueuer{
		client:    client,
		queueURLs: queueURLs,
		log:       log,
	}
}

// QueueURL returns the queue URL for a locality.
func (e *SQSEnqueuer) QueueURL(locality string) (string, error) {
	url, ok := e.queueURLs[locality]
	if !ok || url == "" {
		return "", fmt.Errorf("no sqs queue configured for locality %q", locality)
	}
	return url, nil
}

// Enqueue serializes the job and sends it via SQS SendMessage. It returns
// the SQS message ID.
func (e *SQSEnqueuer) Enqueue(ctx context.Context, job *Job) (string, error) {
	url, err := e.QueueURL(job.Locality)
	if err != nil {
		return "", err
	}
	data, err := encodeJob(job)
	if err != nil {
		return "", err
	}

	out, err := e.client.SendMessage(ctx, &sqsSendInput{
		QueueURL:    url,
		MessageBody: data,
		JobKey:      job.Key,
		MessageID:   job.MessageID.String(),
		DedupID:     promotionDedupID(job),
	})
	if err != nil {
		return "", fmt.Errorf("sqs send message: %w", err)
	}
	return out.MessageID, nil
}

// maxDedupIDLen is the SQS limit on MessageDeduplicationId.
const maxDedupIDLen = 128

// promotionDedupID identifies one promotion of a job: a retry or a deferral
// carries a new retry count or fire time. Duplicate promotions of the same
// claim share it. Job-level idempotency lives in the scheduler and the
// worker's status guard.
func promotionDedupID(job *Job) string {
	id := job.Key + ":" + strconv.Itoa(job.RetryCount) + ":" + msString(job.FireAt)
	if len(id) <= maxDedupIDLen {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
