package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/SuperALKALINEdroiD/unsend/internal/lifecycle"
	"github.com/SuperALKALINEdroiD/unsend/internal/logger"
	"github.com/SuperALKALINEdroiD/unsend/internal/message"
	"github.com/SuperALKALINEdroiD/unsend/internal/metrics"
)

const maxWebhookBody = 256 << 10

// snsEnvelope is the outer document SNS posts to HTTP subscribers.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

// sesNotification covers both SES notification and event publishing
// documents.
type sesNotification struct {
	NotificationType string           `json:"notificationType"`
	EventType        string           `json:"eventType"`
	Mail             sesMail          `json:"mail"`
	Bounce           *sesBounce       `json:"bounce,omitempty"`
	Complaint        *sesComplaint    `json:"complaint,omitempty"`
	Delivery         *sesDelivery     `json:"delivery,omitempty"`
	Reject           *sesReject       `json:"reject,omitempty"`
	DeliveryDelay    *sesDeliveryWait `json:"deliveryDelay,omitempty"`
}

type sesMail struct {
	MessageID string `json:"messageId"`
}

type sesBounce struct {
	BounceType    string `json:"bounceType"`
	BounceSubType string `json:"bounceSubType"`
	FeedbackID    string `json:"feedbackId"`
}

type sesComplaint struct {
	ComplaintFeedbackType string `json:"complaintFeedbackType"`
	FeedbackID            string `json:"feedbackId"`
}

type sesDelivery struct {
	Timestamp    string `json:"timestamp"`
	SMTPResponse string `json:"smtpResponse"`
}

type sesReject struct {
	Reason string `json:"reason"`
}

type sesDeliveryWait struct {
	DelayType string `json:"delayType"`
}

func (n *sesNotification) kind() string {
	if n.EventType != "" {
		return n.EventType
	}
	return n.NotificationType
}

// outcome maps a notification to the status it moves the message to, with
// the event payload. ok is false for notifications that carry no status.
func (n *sesNotification) outcome() (status message.Status, data map[string]any, ok bool) {
	data = map[string]any{"type": n.kind()}
	switch n.kind() {
	case "Delivery":
		if n.Delivery != nil && n.Delivery.SMTPResponse != "" {
			data["smtp_response"] = n.Delivery.SMTPResponse
		}
		return message.StatusDelivered, data, true
	case "Bounce":
		status = message.StatusBounced
		if n.Bounce != nil {
			data["bounce_type"] = n.Bounce.BounceType
			data["bounce_sub_type"] = n.Bounce.BounceSubType
			if n.Bounce.BounceType == "Transient" {
				status = message.StatusDeliveryDelayed
			}
		}
		return status, data, true
	case "Complaint":
		if n.Complaint != nil && n.Complaint.ComplaintFeedbackType != "" {
			data["feedback_type"] = n.Complaint.ComplaintFeedbackType
		}
		return message.StatusComplained, data, true
	case "Reject":
		if n.Reject != nil {
			data["reason"] = n.Reject.Reason
		}
		return message.StatusRejected, data, true
	case "DeliveryDelay":
		if n.DeliveryDelay != nil {
			data["delay_type"] = n.DeliveryDelay.DelayType
		}
		return message.StatusDeliveryDelayed, data, true
	default:
		return "", nil, false
	}
}

// SubscriptionConfirmer visits an SNS SubscribeURL.
type SubscriptionConfirmer func(ctx context.Context, subscribeURL string) error

// HTTPSubscriptionConfirmer confirms subscriptions with client. Only https
// URLs on amazonaws.com hosts are followed.
func HTTPSubscriptionConfirmer(client *http.Client) SubscriptionConfirmer {
	return func(ctx context.Context, subscribeURL string) error {
		u, err := url.Parse(subscribeURL)
		if err != nil {
			return fmt.Errorf("parse subscribe url: %w", err)
		}
		if u.Scheme != "https" || !strings.HasSuffix(u.Hostname(), ".amazonaws.com") {
			return fmt.Errorf("refusing subscribe url host %q", u.Host)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("confirm subscription: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 300 {
			return fmt.Errorf("confirm subscription: status %d", resp.StatusCode)
		}
		return nil
	}
}

// SESWebhookHandler handles POST /api/v1/webhooks/ses. It accepts SNS
// envelopes (or bare SES documents) and moves the matching message to the
// reported delivery outcome. When token is set, requests must carry it in
// the "token" query parameter.
func SESWebhookHandler(store lifecycle.Store, confirm SubscriptionConfirmer, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		if token != "" && subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(token)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook token")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			respondError(w, http.StatusBadRequest, "validation", "unreadable body")
			return
		}

		var env snsEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			log.Warn().Err(err).Msg("ses webhook: invalid payload")
			respondError(w, http.StatusBadRequest, "validation", "invalid request body")
			return
		}

		switch env.Type {
		case "SubscriptionConfirmation":
			if confirm == nil {
				log.Warn().Str("topic_arn", env.TopicArn).Msg("ses webhook: subscription confirmation ignored")
				respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
				return
			}
			if err := confirm(r.Context(), env.SubscribeURL); err != nil {
				log.Error().Err(err).Str("topic_arn", env.TopicArn).Msg("ses webhook: subscription confirmation failed")
				respondError(w, http.StatusBadGateway, "internal", "subscription confirmation failed")
				return
			}
			log.Info().Str("topic_arn", env.TopicArn).Msg("ses webhook: subscription confirmed")
			respondJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
			return
		case "UnsubscribeConfirmation":
			respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		case "Notification":
			body = []byte(env.Message)
		}

		var n sesNotification
		if err := json.Unmarshal(body, &n); err != nil {
			log.Warn().Err(err).Msg("ses webhook: invalid notification")
			respondError(w, http.StatusBadRequest, "validation", "invalid notification")
			return
		}

		result, err := applyFeedback(r.Context(), store, &n)
		metrics.WebhookEventsTotal.WithLabelValues(n.kind(), result).Inc()
		if err != nil {
			log.Error().Err(err).
				Str("provider_message_id", n.Mail.MessageID).
				Str("type", n.kind()).
				Msg("ses webhook: update failed")
			respondError(w, http.StatusInternalServerError, "internal", "update failed")
			return
		}

		log.Debug().
			Str("provider_message_id", n.Mail.MessageID).
			Str("type", n.kind()).
			Str("result", result).
			Msg("ses webhook: notification handled")
		respondJSON(w, http.StatusOK, map[string]string{"status": result})
	}
}

// applyFeedback records one notification. Unknown messages and stale or
// out-of-order notifications are acknowledged without change; only store
// failures are returned so SNS redelivers.
func applyFeedback(ctx context.Context, store lifecycle.Store, n *sesNotification) (string, error) {
	status, data, ok := n.outcome()
	if !ok || n.Mail.MessageID == "" {
		return "ignored", nil
	}

	m, err := store.FindByProviderMessageID(ctx, n.Mail.MessageID)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return "unknown_message", nil
	}
	if err != nil {
		return "error", err
	}

	_, err = store.Transition(ctx, m.ID, lifecycle.Transition{
		From:  message.AllowedFrom(status),
		To:    status,
		Event: &lifecycle.EventSpec{Data: data},
	})
	switch {
	case err == nil:
		return "applied", nil
	case errors.Is(err, lifecycle.ErrStatusConflict):
		reqLog := logger.FromContext(ctx)
		reqLog.Info().
			Stringer("message_id", m.ID).
			Str("status", string(status)).
			Err(err).
			Msg("ses webhook: transition not allowed, notification ignored")
		return "ignored", nil
	default:
		return "error", err
	}
}
