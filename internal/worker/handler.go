// Package worker delivers messages whose jobs have come due.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/SuperALKALINEdroiD/unsend/internal/lifecycle"
	"github.com/SuperALKALINEdroiD/unsend/internal/message"
	"github.com/SuperALKALINEdroiD/unsend/internal/msgstore"
	"github.com/SuperALKALINEdroiD/unsend/internal/provider"
	"github.com/SuperALKALINEdroiD/unsend/internal/queue"
)

// storageRetryBackoff defines the waits between attachment read attempts.
var storageRetryBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
}

// earlyTolerance absorbs clock skew between the API and worker hosts when
// checking whether a job fired before its message's send time.
const earlyTolerance = time.Second

// defaultInterruptAfter is how old a PROCESSING claim must be before a
// redelivered first attempt treats it as abandoned.
const defaultInterruptAfter = 30 * time.Second

// errInterrupted is recorded when a claimed delivery never finished.
var errInterrupted = errors.New("delivery interrupted, not retried")

// Handler implements queue.JobHandler. It claims the message, sends it
// through the provider, and records the outcome as a status transition.
type Handler struct {
	store     lifecycle.Store
	scheduler queue.Scheduler
	blobs     msgstore.Store
	provider  provider.Provider
	log       zerolog.Logger

	now            func() time.Time
	backoff        []time.Duration
	interruptAfter time.Duration
}

// NewHandler creates a Handler. blobs may be nil when attachments are not
// supported.
func NewHandler(
	store lifecycle.Store,
	scheduler queue.Scheduler,
	blobs msgstore.Store,
	p provider.Provider,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		store:          store,
		scheduler:      scheduler,
		blobs:          blobs,
		provider:       p,
		log:            log,
		now:            time.Now,
		backoff:        storageRetryBackoff,
		interruptAfter: defaultInterruptAfter,
	}
}

// SetInterruptAfter sets the claim age after which a redelivered first
// attempt marks the message FAILED. It should be at least the job process
// timeout.
func (h *Handler) SetInterruptAfter(d time.Duration) {
	if d > 0 {
		h.interruptAfter = d
	}
}

// HandleJob implements queue.JobHandler.
func (h *Handler) HandleJob(ctx context.Context, job *queue.Job) error {
	log := h.log.With().
		Stringer("message_id", job.MessageID).
		Str("job_key", job.Key).
		Int("retry_count", job.RetryCount).
		Logger()

	m, err := h.store.GetMessage(ctx, job.MessageID)
	if errors.Is(err, lifecycle.ErrNotFound) {
		log.Warn().Msg("orphaned job, message not found, acknowledging")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get message %s: %w", job.MessageID, err)
	}

	m, ok, err := h.claim(ctx, m, job, log)
	if err != nil || !ok {
		return err
	}

	msg, err := h.buildMessage(ctx, m)
	if err != nil {
		if errors.Is(err, msgstore.ErrNotFound) {
			h.fail(ctx, m, err, log)
			return queue.Permanent(err)
		}
		return err
	}

	sendStart := time.Now()
	result, err := h.provider.Send(ctx, msg)
	sendDuration := time.Since(sendStart)
	if err != nil {
		log.Error().Err(err).Str("provider", h.provider.Name()).Msg("provider send failed")
		if provider.IsPermanent(err) {
			h.fail(ctx, m, err, log)
			return queue.Permanent(err)
		}
		return fmt.Errorf("provider send: %w", err)
	}

	// The message is out; a failed status write must not trigger a resend.
	providerID := result.ProviderMessageID
	if _, err := h.store.Transition(context.WithoutCancel(ctx), m.ID, lifecycle.Transition{
		From:  []message.Status{message.StatusProcessing},
		To:    message.StatusSent,
		Patch: lifecycle.Patch{ProviderMessageID: &providerID},
		Event: &lifecycle.EventSpec{Data: map[string]any{
			"provider":            h.provider.Name(),
			"provider_message_id": providerID,
		}},
	}); err != nil {
		log.Error().Err(err).Msg("failed to record sent status")
	}

	log.Info().
		Str("provider", h.provider.Name()).
		Str("provider_message_id", providerID).
		Int64("duration_ms", sendDuration.Milliseconds()).
		Msg("message sent")
	return nil
}

// claim moves a pending message to PROCESSING. It reports false when the job
// must be acknowledged without sending: the message was cancelled, already
// handled, or is not due yet. A retry of a job that already claimed the
// message proceeds without a new transition.
func (h *Handler) claim(ctx context.Context, m *message.Message, job *queue.Job, log zerolog.Logger) (*message.Message, bool, error) {
	if m.Status == message.StatusProcessing {
		if job.RetryCount > 0 {
			return m, true, nil
		}
		h.interrupted(ctx, m, log)
		return nil, false, nil
	}
	if !m.Status.Pending() {
		log.Info().Str("status", string(m.Status)).Msg("message is no longer pending, skipping")
		return nil, false, nil
	}

	if m.ScheduledAt != nil {
		if wait := m.ScheduledAt.Sub(h.now()); wait > earlyTolerance {
			// A reschedule raced with promotion. Make sure a job exists for
			// the new time; an idempotent enqueue collapses onto it if so.
			if _, err := h.scheduler.Enqueue(ctx, queue.EnqueueRequest{
				MessageID:  m.ID,
				Locality:   m.Locality,
				Idempotent: true,
				Delay:      wait,
			}); err != nil {
				return nil, false, fmt.Errorf("re-enqueue early job: %w", err)
			}
			log.Info().Time("scheduled_at", *m.ScheduledAt).Msg("job fired before send time, deferred")
			return nil, false, nil
		}
	}

	claimed, err := h.store.Transition(ctx, m.ID, lifecycle.Transition{
		From:  []message.Status{message.StatusQueued, message.StatusScheduled},
		To:    message.StatusProcessing,
		Event: &lifecycle.EventSpec{},
	})
	if errors.Is(err, lifecycle.ErrStatusConflict) {
		log.Info().Err(err).Msg("message changed before claim, skipping")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim message %s: %w", m.ID, err)
	}
	return claimed, true, nil
}

func (h *Handler) buildMessage(ctx context.Context, m *message.Message) (*provider.Message, error) {
	msg := &provider.Message{
		ID:       m.ID.String(),
		From:     m.From,
		To:       m.To,
		CC:       m.CC,
		BCC:      m.BCC,
		ReplyTo:  m.ReplyTo,
		Subject:  m.Subject,
		TextBody: m.Text,
		HTMLBody: m.HTML,
		Headers:  map[string]string{"X-Unsend-Message-ID": m.ID.String()},
	}

	for _, a := range m.Attachments {
		if h.blobs == nil {
			return nil, fmt.Errorf("attachment %s: %w", a.StorageKey, msgstore.ErrNotFound)
		}
		data, err := h.fetchWithRetry(ctx, a.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", a.StorageKey, err)
		}
		msg.Attachments = append(msg.Attachments, provider.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     data,
		})
	}
	return msg, nil
}

// fetchWithRetry reads an attachment, retrying transient store errors with
// backoff. Missing objects are not retried.
func (h *Handler) fetchWithRetry(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		data, err := h.blobs.Get(ctx, key)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, msgstore.ErrNotFound) {
			return nil, err
		}
		lastErr = err
		if attempt >= len(h.backoff) {
			break
		}
		h.log.Warn().Err(err).
			Str("key", key).
			Int("attempt", attempt+1).
			Msg("attachment read failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.backoff[attempt]):
		}
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", len(h.backoff)+1, lastErr)
}

// interrupted handles a first attempt redelivered after the message was
// already claimed. A recent claim belongs to an attempt that may still be
// sending and is left alone. An old one was abandoned by a crashed worker:
// the message is marked FAILED rather than sent again.
func (h *Handler) interrupted(ctx context.Context, m *message.Message, log zerolog.Logger) {
	age := h.now().Sub(m.UpdatedAt)
	if age < h.interruptAfter {
		log.Info().Dur("claim_age", age).Msg("message claimed by another attempt, skipping")
		return
	}
	data := message.ErrorData(errInterrupted)
	data["claimed_at"] = m.UpdatedAt.UTC().Format(time.RFC3339)
	_, err := h.store.Transition(context.WithoutCancel(ctx), m.ID, lifecycle.Transition{
		From:  []message.Status{message.StatusProcessing},
		To:    message.StatusFailed,
		Event: &lifecycle.EventSpec{Data: data},
	})
	switch {
	case err == nil:
		log.Warn().Dur("claim_age", age).Msg("abandoned delivery marked failed")
	case errors.Is(err, lifecycle.ErrStatusConflict):
	default:
		log.Error().Err(err).Msg("failed to record interrupted delivery")
	}
}

// fail marks a claimed message FAILED.
func (h *Handler) fail(ctx context.Context, m *message.Message, cause error, log zerolog.Logger) {
	if _, err := h.store.Transition(context.WithoutCancel(ctx), m.ID, lifecycle.Transition{
		From:  []message.Status{message.StatusProcessing},
		To:    message.StatusFailed,
		Event: &lifecycle.EventSpec{Data: message.ErrorData(cause)},
	}); err != nil {
		log.Error().Err(err).Msg("failed to record failed status")
	}
}

// DeadLetterHook returns a queue.DeadLetterHook that marks the message of a
// dead-lettered job FAILED. Messages that already reached another status
// are left alone.
func DeadLetterHook(store lifecycle.Store, log zerolog.Logger) queue.DeadLetterHook {
	return func(ctx context.Context, job *queue.Job, reason string) {
		_, err := store.Transition(ctx, job.MessageID, lifecycle.Transition{
			From: []message.Status{message.StatusQueued, message.StatusScheduled, message.StatusProcessing},
			To:   message.StatusFailed,
			Event: &lifecycle.EventSpec{Data: map[string]any{
				"error":       reason,
				"retry_count": job.RetryCount,
			}},
		})
		switch {
		case err == nil:
			log.Warn().Stringer("message_id", job.MessageID).Str("reason", reason).Msg("message failed after dead-lettering")
		case errors.Is(err, lifecycle.ErrStatusConflict), errors.Is(err, lifecycle.ErrNotFound):
		default:
			log.Error().Err(err).Stringer("message_id", job.MessageID).Msg("failed to mark dead-lettered message failed")
		}
	}
}
