// Package dispatch accepts send requests and drives a message from
// submission to a scheduled delivery job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/SuperALKALINEdroiD/unsend/internal/domain"
	"github.com/SuperALKALINEdroiD/unsend/internal/lifecycle"
	"github.com/SuperALKALINEdroiD/unsend/internal/message"
	"github.com/SuperALKALINEdroiD/unsend/internal/msgstore"
	"github.com/SuperALKALINEdroiD/unsend/internal/queue"
	"github.com/SuperALKALINEdroiD/unsend/internal/ratelimit"
	"github.com/SuperALKALINEdroiD/unsend/internal/template"
)

// RateLimiter checks a batch of addresses against one strategy.
type RateLimiter interface {
	CheckRecipients(ctx context.Context, strategy ratelimit.Strategy, addresses []string) error
}

// Deps are the collaborators of a Service. Templates, Renderer and
// Attachments may be nil; the others are required.
type Deps struct {
	Store       lifecycle.Store
	Scheduler   queue.Scheduler
	Limiter     RateLimiter
	Domains     domain.Validator
	Templates   template.Store
	Renderer    template.Renderer
	Attachments msgstore.Store
}

// Config tunes a Service.
type Config struct {
	// Strategies are checked in order for every submit.
	Strategies []ratelimit.Strategy
	// DefaultLocality routes jobs of domains without a region.
	DefaultLocality string
}

// AttachmentInput is an attachment as received from a client.
type AttachmentInput struct {
	Filename    string
	ContentType string
	Content     []byte
}

// SubmitRequest is a request to send one email.
type SubmitRequest struct {
	TeamID      int64
	APIKeyID    *int64
	From        string
	To          []string
	CC          []string
	BCC         []string
	ReplyTo     []string
	Subject     string
	Text        string
	HTML        string
	TemplateID  *string
	Variables   map[string]string
	Attachments []AttachmentInput
	ScheduledAt *time.Time
}

// Service orchestrates submit, reschedule and cancel.
type Service struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time
}

// NewService creates a Service.
func NewService(deps Deps, cfg Config, log zerolog.Logger) *Service {
	if deps.Renderer == nil {
		deps.Renderer = template.VariableRenderer{}
	}
	if cfg.DefaultLocality == "" {
		cfg.DefaultLocality = "us-east-1"
	}
	return &Service{deps: deps, cfg: cfg, log: log, now: time.Now}
}

// Submit validates the request, applies rate limits, renders the template,
// persists the message and schedules its delivery job. Every check runs
// before the record is created.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*message.Message, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	d, err := s.deps.Domains.Validate(ctx, req.From, req.TeamID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidDomain) || errors.Is(err, domain.ErrInvalidAddress) {
			return nil, newError(KindValidation, err.Error(), err)
		}
		return nil, newError(KindInternal, "validate domain", err)
	}

	for _, strategy := range s.cfg.Strategies {
		if err := s.deps.Limiter.CheckRecipients(ctx, strategy, req.To); err != nil {
			return nil, rateLimitError(err)
		}
	}

	if err := s.applyTemplate(ctx, &req); err != nil {
		return nil, err
	}

	now := s.now()
	var delay time.Duration
	if req.ScheduledAt != nil {
		delay = max(0, req.ScheduledAt.Sub(now))
	}

	locality := d.Region
	if locality == "" {
		locality = s.cfg.DefaultLocality
	}

	m := &message.Message{
		ID:          uuid.New(),
		TeamID:      req.TeamID,
		DomainID:    d.ID,
		Locality:    locality,
		From:        req.From,
		To:          req.To,
		CC:          req.CC,
		BCC:         req.BCC,
		ReplyTo:     req.ReplyTo,
		Subject:     req.Subject,
		Text:        req.Text,
		HTML:        req.HTML,
		TemplateID:  req.TemplateID,
		ScheduledAt: req.ScheduledAt,
		Status:      message.InitialStatus(req.ScheduledAt),
		APIKeyID:    req.APIKeyID,
	}

	if m.Attachments, err = s.storeAttachments(ctx, m.ID, req.Attachments); err != nil {
		s.dropAttachments(ctx, m)
		return nil, err
	}
	if err := s.deps.Store.CreateMessage(ctx, m); err != nil {
		s.dropAttachments(ctx, m)
		return nil, newError(KindInternal, "create message", err)
	}

	handle, err := s.deps.Scheduler.Enqueue(ctx, queue.EnqueueRequest{
		MessageID:  m.ID,
		Locality:   locality,
		Idempotent: true,
		Delay:      delay,
	})
	if err != nil {
		s.markFailed(ctx, m, err)
		return nil, newError(KindDispatchFailure, "enqueue delivery job", err)
	}

	s.log.Info().
		Stringer("message_id", m.ID).
		Int64("team_id", m.TeamID).
		Str("status", string(m.Status)).
		Str("locality", locality).
		Dur("delay", delay).
		Bool("created", handle.Created).
		Msg("message submitted")
	return m, nil
}

// Reschedule moves a scheduled message to a new send time. Times in the past
// fire immediately. When the job cannot be moved the record is put back to
// its previous send time.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, scheduledAt time.Time) error {
	at := scheduledAt.UTC()
	var previous *time.Time
	if before, err := s.deps.Store.GetMessage(ctx, id); err == nil {
		previous = before.ScheduledAt
	}
	m, err := s.deps.Store.Transition(ctx, id, lifecycle.Transition{
		From:  []message.Status{message.StatusScheduled},
		To:    message.StatusScheduled,
		Patch: lifecycle.Patch{ScheduledAt: &at},
		Event: &lifecycle.EventSpec{Data: map[string]any{"scheduled_at": at.Format(time.RFC3339)}},
	})
	if err != nil {
		return transitionError(id, err)
	}

	delay := max(0, at.Sub(s.now()))
	err = s.deps.Scheduler.Reschedule(ctx, id, m.Locality, true, delay)
	if errors.Is(err, queue.ErrJobNotFound) {
		// The job is gone but the message is still SCHEDULED: put it back
		// under the same idempotent key.
		_, err = s.deps.Scheduler.Enqueue(ctx, queue.EnqueueRequest{
			MessageID:  id,
			Locality:   m.Locality,
			Idempotent: true,
			Delay:      delay,
		})
	}
	if err != nil {
		s.revertSchedule(ctx, id, at, previous, err)
		return newError(KindDispatchFailure, "reschedule delivery job", err)
	}

	s.log.Info().
		Stringer("message_id", id).
		Time("scheduled_at", at).
		Dur("delay", delay).
		Msg("message rescheduled")
	return nil
}

// revertSchedule restores the send time a failed Reschedule overwrote, so
// the record agrees with the job that is still queued. A record that has
// moved on since is left alone.
func (s *Service) revertSchedule(ctx context.Context, id uuid.UUID, attempted time.Time, previous *time.Time, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.With().Stringer("message_id", id).Time("attempted", attempted).Logger()
	if previous == nil {
		log.Error().Err(cause).Msg("reschedule failed, record and job send times differ")
		return
	}

	current, err := s.deps.Store.GetMessage(ctx, id)
	if err != nil || current.ScheduledAt == nil || !current.ScheduledAt.Equal(attempted) {
		log.Warn().Err(cause).Msg("reschedule failed, record changed since, not reverting")
		return
	}

	prev := previous.UTC()
	_, err = s.deps.Store.Transition(ctx, id, lifecycle.Transition{
		From:  []message.Status{message.StatusScheduled},
		To:    message.StatusScheduled,
		Patch: lifecycle.Patch{ScheduledAt: &prev},
		Event: &lifecycle.EventSpec{Data: map[string]any{
			"scheduled_at": prev.Format(time.RFC3339),
			"reverted":     attempted.Format(time.RFC3339),
			"error":        cause.Error(),
		}},
	})
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("reschedule failed and the send time could not be restored")
		return
	}
	log.Warn().Err(cause).Time("scheduled_at", prev).Msg("reschedule failed, send time restored")
}

// Cancel stops a scheduled message from being sent.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	m, err := s.deps.Store.Transition(ctx, id, lifecycle.Transition{
		From:  []message.Status{message.StatusScheduled},
		To:    message.StatusCancelled,
		Event: &lifecycle.EventSpec{},
	})
	if err != nil {
		return transitionError(id, err)
	}

	// The worker refuses cancelled messages, so a job left behind is harmless.
	if err := s.deps.Scheduler.Cancel(ctx, id, m.Locality, true); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		s.log.Warn().Err(err).Stringer("message_id", id).Msg("failed to remove delivery job of cancelled message")
	}
	if len(m.Attachments) > 0 {
		s.dropAttachments(ctx, m)
	}

	s.log.Info().Stringer("message_id", id).Msg("message cancelled")
	return nil
}

// Get returns a message.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*message.Message, error) {
	m, err := s.deps.Store.GetMessage(ctx, id)
	if err != nil {
		return nil, lookupError(id, err)
	}
	return m, nil
}

// Events returns the event log of a message, oldest first.
func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]message.Event, error) {
	events, err := s.deps.Store.ListEvents(ctx, id)
	if err != nil {
		return nil, lookupError(id, err)
	}
	return events, nil
}

func (s *Service) validate(req *SubmitRequest) error {
	if req.TeamID <= 0 {
		return newError(KindValidation, "team is required", nil)
	}
	if _, err := mail.ParseAddress(req.From); err != nil {
		return newError(KindValidation, fmt.Sprintf("invalid from address %q", req.From), err)
	}
	if len(req.To) == 0 {
		return newError(KindValidation, "at least one recipient is required", nil)
	}

	lists := []struct {
		field string
		addrs *[]string
	}{
		{"to", &req.To}, {"cc", &req.CC}, {"bcc", &req.BCC}, {"reply_to", &req.ReplyTo},
	}
	for _, l := range lists {
		if len(*l.addrs) == 0 {
			continue
		}
		bare := make([]string, len(*l.addrs))
		for i, raw := range *l.addrs {
			addr, err := mail.ParseAddress(raw)
			if err != nil {
				return newError(KindValidation, fmt.Sprintf("invalid %s address %q", l.field, raw), err)
			}
			bare[i] = addr.Address
		}
		*l.addrs = bare
	}

	for i, a := range req.Attachments {
		if a.Filename == "" {
			return newError(KindValidation, fmt.Sprintf("attachment %d has no filename", i), nil)
		}
	}
	return nil
}

// applyTemplate replaces the request's subject and HTML with the rendered
// template. A missing template keeps the request's own content.
func (s *Service) applyTemplate(ctx context.Context, req *SubmitRequest) error {
	if req.TemplateID == nil || s.deps.Templates == nil {
		return nil
	}
	tpl, err := s.deps.Templates.Get(ctx, *req.TemplateID, req.TeamID)
	if errors.Is(err, template.ErrNotFound) {
		s.log.Warn().Str("template_id", *req.TemplateID).Msg("template not found, using request content")
		return nil
	}
	if err != nil {
		return newError(KindInternal, "load template", err)
	}

	req.Subject = template.ReplaceVariables(tpl.Subject, req.Variables)
	html, err := s.deps.Renderer.Render(ctx, tpl.Content, req.Variables)
	if err != nil {
		return newError(KindValidation, fmt.Sprintf("render template %s", tpl.ID), err)
	}
	req.HTML = html
	return nil
}

func (s *Service) storeAttachments(ctx context.Context, id uuid.UUID, in []AttachmentInput) ([]message.Attachment, error) {
	if len(in) == 0 {
		return nil, nil
	}
	if s.deps.Attachments == nil {
		return nil, newError(KindValidation, "attachments are not supported", nil)
	}

	out := make([]message.Attachment, 0, len(in))
	for i, a := range in {
		key := msgstore.AttachmentKey(id, i)
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := s.deps.Attachments.Put(ctx, key, a.Content, contentType); err != nil {
			return nil, newError(KindInternal, "store attachment", err)
		}
		out = append(out, message.Attachment{
			Filename:    a.Filename,
			ContentType: contentType,
			Size:        int64(len(a.Content)),
			StorageKey:  key,
		})
	}
	return out, nil
}

// dropAttachments removes stored attachment bodies the message will never
// be sent with. Failures only leave orphaned objects behind.
func (s *Service) dropAttachments(ctx context.Context, m *message.Message) {
	if s.deps.Attachments == nil {
		return
	}
	if err := s.deps.Attachments.DeleteMessage(context.WithoutCancel(ctx), m.ID); err != nil {
		s.log.Warn().Err(err).Stringer("message_id", m.ID).Msg("failed to delete attachments")
	}
}

func (s *Service) markFailed(ctx context.Context, m *message.Message, cause error) {
	ctx = context.WithoutCancel(ctx)
	_, err := s.deps.Store.Transition(ctx, m.ID, lifecycle.Transition{
		From:  []message.Status{message.StatusQueued, message.StatusScheduled},
		To:    message.StatusFailed,
		Event: &lifecycle.EventSpec{Data: message.ErrorData(cause)},
	})
	if err != nil {
		s.log.Error().Err(err).Stringer("message_id", m.ID).Msg("failed to mark message failed after enqueue error")
		return
	}
	m.Status = message.StatusFailed
}

func rateLimitError(err error) *Error {
	var exceeded *ratelimit.ExceededError
	switch {
	case errors.As(err, &exceeded):
		e := newError(KindRateLimited, exceeded.Error(), err)
		e.Scope = exceeded.Scope.Identifier
		return e
	case errors.Is(err, ratelimit.ErrInvalidAddress):
		return newError(KindValidation, err.Error(), err)
	default:
		return newError(KindInternal, "check rate limit", err)
	}
}

func transitionError(id uuid.UUID, err error) *Error {
	var conflict *lifecycle.StatusConflictError
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return newError(KindNotFound, fmt.Sprintf("message %s not found", id), err)
	case errors.As(err, &conflict):
		return newError(KindAlreadyProcessed, fmt.Sprintf("message %s is %s and can no longer be changed", id, conflict.Actual), err)
	default:
		return newError(KindInternal, "update message", err)
	}
}

func lookupError(id uuid.UUID, err error) *Error {
	if errors.Is(err, lifecycle.ErrNotFound) {
		return newError(KindNotFound, fmt.Sprintf("message %s not found", id), err)
	}
	return newError(KindInternal, "read message", err)
}
