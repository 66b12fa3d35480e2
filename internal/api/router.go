package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/SuperALKALINEdroiD/unsend/internal/auth"
	"github.com/SuperALKALINEdroiD/unsend/internal/lifecycle"
	"github.com/SuperALKALINEdroiD/unsend/internal/metrics"
	"github.com/SuperALKALINEdroiD/unsend/internal/queue"
)

// RouterDeps are the collaborators of the HTTP API.
type RouterDeps struct {
	Emails EmailService
	Keys   auth.KeyStore
	// Store receives provider feedback from the SES webhook.
	Store lifecycle.Store
	// DLQ is optional; when nil the dlq endpoints are not registered. The
	// list endpoint needs a DLQ that also implements queue.DeadLetterLister.
	DLQ        queue.DeadLetterQueue
	Localities []string
	// Confirm is optional; without it SNS subscription confirmations are
	// acknowledged but not followed.
	Confirm      SubscriptionConfirmer
	WebhookToken string
	ReadyChecks  map[string]Pinger
	MaxBodyBytes int64
}

// NewRouter creates a chi.Mux with all routes, middleware, and handlers configured.
func NewRouter(deps RouterDeps, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(CorrelationIDMiddleware(log))
	r.Use(AccessLogMiddleware)
	r.Use(RecoverMiddleware)
	r.Use(BodyLimitMiddleware(deps.MaxBodyBytes))

	r.Get("/healthz", HealthzHandler())
	r.Get("/readyz", ReadyzHandler(deps.ReadyChecks))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Called by SNS, authenticated by the optional token.
	r.Post("/api/v1/webhooks/ses", SESWebhookHandler(deps.Store, deps.Confirm, deps.WebhookToken))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.BearerAuth(deps.Keys, metrics.APIAuthFailuresTotal.Inc))

		r.Post("/emails", SendEmailHandler(deps.Emails))
		r.Get("/emails/{id}", GetEmailHandler(deps.Emails))
		r.Get("/emails/{id}/events", ListEmailEventsHandler(deps.Emails))
		r.Patch("/emails/{id}", UpdateEmailHandler(deps.Emails))
		r.Post("/emails/{id}/cancel", CancelEmailHandler(deps.Emails))

		if deps.DLQ != nil {
			r.Post("/dlq/reprocess", DLQReprocessHandler(deps.DLQ, deps.Localities))
		}
		if lister, ok := deps.DLQ.(queue.DeadLetterLister); ok {
			r.Get("/dlq", ListDLQHandler(lister, deps.Localities))
		}
	})

	return r
}
