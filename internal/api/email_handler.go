package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/SuperALKALINEdroiD/unsend/internal/auth"
	"github.com/SuperALKALINEdroiD/unsend/internal/dispatch"
	"github.com/SuperALKALINEdroiD/unsend/internal/logger"
	"github.com/SuperALKALINEdroiD/unsend/internal/message"
	"github.com/SuperALKALINEdroiD/unsend/internal/metrics"
)

// EmailService is the part of dispatch.Service the handlers use.
type EmailService interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (*message.Message, error)
	Get(ctx context.Context, id uuid.UUID) (*message.Message, error)
	Events(ctx context.Context, id uuid.UUID) ([]message.Event, error)
	Reschedule(ctx context.Context, id uuid.UUID, scheduledAt time.Time) error
	Cancel(ctx context.Context, id uuid.UUID) error
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// addressList accepts either a single address or an array of addresses.
type addressList []string

func (l *addressList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*l = addressList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

type attachmentRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	Content     string `json:"content" validate:"required,base64"`
	ContentType string `json:"contentType" validate:"omitempty,max=255"`
}

type sendEmailRequest struct {
	From        string              `json:"from" validate:"required,max=320"`
	To          addressList         `json:"to" validate:"required,min=1,max=50,dive,required"`
	CC          addressList         `json:"cc" validate:"max=50,dive,required"`
	BCC         addressList         `json:"bcc" validate:"max=50,dive,required"`
	ReplyTo     addressList         `json:"replyTo" validate:"max=10,dive,required"`
	Subject     string              `json:"subject" validate:"max=998"`
	Text        string              `json:"text"`
	HTML        string              `json:"html"`
	TemplateID  *string             `json:"templateId" validate:"omitempty,min=1"`
	Variables   map[string]string   `json:"variables"`
	Attachments []attachmentRequest `json:"attachments" validate:"max=10,dive"`
	ScheduledAt *time.Time          `json:"scheduledAt"`
}

type updateEmailRequest struct {
	ScheduledAt *time.Time `json:"scheduledAt" validate:"required"`
}

type emailIDResponse struct {
	EmailID uuid.UUID `json:"emailId"`
}

type emailResponse struct {
	ID                uuid.UUID            `json:"id"`
	TeamID            int64                `json:"teamId"`
	DomainID          int64                `json:"domainId"`
	From              string               `json:"from"`
	To                []string             `json:"to"`
	CC                []string             `json:"cc,omitempty"`
	BCC               []string             `json:"bcc,omitempty"`
	ReplyTo           []string             `json:"replyTo,omitempty"`
	Subject           string               `json:"subject"`
	Text              string               `json:"text,omitempty"`
	HTML              string               `json:"html,omitempty"`
	TemplateID        *string              `json:"templateId,omitempty"`
	Attachments       []message.Attachment `json:"attachments,omitempty"`
	ScheduledAt       *time.Time           `json:"scheduledAt,omitempty"`
	Status            message.Status       `json:"latestStatus"`
	ProviderMessageID string               `json:"providerMessageId,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

type eventResponse struct {
	Status    message.Status `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func toEmailResponse(m *message.Message) emailResponse {
	return emailResponse{
		ID:                m.ID,
		TeamID:            m.TeamID,
		DomainID:          m.DomainID,
		From:              m.From,
		To:                m.To,
		CC:                m.CC,
		BCC:               m.BCC,
		ReplyTo:           m.ReplyTo,
		Subject:           m.Subject,
		Text:              m.Text,
		HTML:              m.HTML,
		TemplateID:        m.TemplateID,
		Attachments:       m.Attachments,
		ScheduledAt:       m.ScheduledAt,
		Status:            m.Status,
		ProviderMessageID: m.ProviderMessageID,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

// SendEmailHandler handles POST /api/v1/emails.
func SendEmailHandler(svc EmailService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.PrincipalFromContext(r.Context())
		if p == nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}

		var req sendEmailRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, string(dispatch.KindValidation), "invalid request body")
			return
		}
		if err := validate.StructCtx(r.Context(), req); err != nil {
			respondValidationErrors(w, err)
			return
		}

		attachments := make([]dispatch.AttachmentInput, 0, len(req.Attachments))
		for _, a := range req.Attachments {
			content, err := base64.StdEncoding.DecodeString(a.Content)
			if err != nil {
				respondError(w, http.StatusBadRequest, string(dispatch.KindValidation), "attachment "+a.Filename+" is not valid base64")
				return
			}
			attachments = append(attachments, dispatch.AttachmentInput{
				Filename:    a.Filename,
				ContentType: a.ContentType,
				Content:     content,
			})
		}

		keyID := p.APIKeyID
		m, err := svc.Submit(r.Context(), dispatch.SubmitRequest{
			TeamID:      p.TeamID,
			APIKeyID:    &keyID,
			From:        req.From,
			To:          req.To,
			CC:          req.CC,
			BCC:         req.BCC,
			ReplyTo:     req.ReplyTo,
			Subject:     req.Subject,
			Text:        req.Text,
			HTML:        req.HTML,
			TemplateID:  req.TemplateID,
			Variables:   req.Variables,
			Attachments: attachments,
			ScheduledAt: req.ScheduledAt,
		})
		if err != nil {
			metrics.EmailsSubmittedTotal.WithLabelValues("api", string(dispatch.KindOf(err))).Inc()
			respondServiceError(w, r, err)
			return
		}
		metrics.EmailsSubmittedTotal.WithLabelValues("api", strings.ToLower(string(m.Status))).Inc()

		respondJSON(w, http.StatusOK, emailIDResponse{EmailID: m.ID})
	}
}

// GetEmailHandler handles GET /api/v1/emails/{id}.
func GetEmailHandler(svc EmailService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := loadOwnedEmail(w, r, svc)
		if !ok {
			return
		}
		respondJSON(w, http.StatusOK, toEmailResponse(m))
	}
}

// ListEmailEventsHandler handles GET /api/v1/emails/{id}/events.
func ListEmailEventsHandler(svc EmailService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := loadOwnedEmail(w, r, svc)
		if !ok {
			return
		}
		events, err := svc.Events(r.Context(), m.ID)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		out := make([]eventResponse, 0, len(events))
		for _, e := range events {
			out = append(out, eventResponse{Status: e.Status, Data: e.Data, CreatedAt: e.CreatedAt})
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"data": out})
	}
}

// UpdateEmailHandler handles PATCH /api/v1/emails/{id}. Only the send time of
// a scheduled email can be changed.
func UpdateEmailHandler(svc EmailService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := loadOwnedEmail(w, r, svc)
		if !ok {
			return
		}

		var req updateEmailRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, string(dispatch.KindValidation), "invalid request body")
			return
		}
		if err := validate.StructCtx(r.Context(), req); err != nil {
			respondValidationErrors(w, err)
			return
		}

		if err := svc.Reschedule(r.Context(), m.ID, *req.ScheduledAt); err != nil {
			respondServiceError(w, r, err)
			return
		}
		reqLog := logger.FromContext(r.Context())
		reqLog.Info().
			Stringer("message_id", m.ID).
			Time("scheduled_at", *req.ScheduledAt).
			Msg("email rescheduled via api")
		respondJSON(w, http.StatusOK, emailIDResponse{EmailID: m.ID})
	}
}

// CancelEmailHandler handles POST /api/v1/emails/{id}/cancel.
func CancelEmailHandler(svc EmailService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := loadOwnedEmail(w, r, svc)
		if !ok {
			return
		}
		if err := svc.Cancel(r.Context(), m.ID); err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, emailIDResponse{EmailID: m.ID})
	}
}

// loadOwnedEmail resolves {id} to a message of the caller's team. Messages of
// other teams are reported as not found.
func loadOwnedEmail(w http.ResponseWriter, r *http.Request, svc EmailService) (*message.Message, bool) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return nil, false
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, string(dispatch.KindValidation), "invalid email id")
		return nil, false
	}

	m, err := svc.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return nil, false
	}
	if m.TeamID != p.TeamID {
		respondServiceError(w, r, &dispatch.Error{Kind: dispatch.KindNotFound, Message: fmt.Sprintf("message %s not found", id)})
		return nil, false
	}
	return m, true
}
