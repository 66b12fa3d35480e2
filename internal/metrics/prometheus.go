// Package metrics holds the process-wide Prometheus collectors shared by the
// SMTP front door, the HTTP API and the storage layer. Queue, worker and
// rate-limit collectors live next to the code that updates them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every collector name.
const Namespace = "unsend"

var (
	// SMTPConnectionsTotal counts connections by status: accepted or
	// rejected (over the connection limit).
	SMTPConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "smtp", Name: "connections_total",
		Help: "SMTP connections by admission status.",
	}, []string{"status"})

	SMTPActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "smtp", Name: "active_sessions",
		Help: "Open SMTP sessions.",
	})

	// SMTPAuthAttemptsTotal counts AUTH PLAIN attempts by result: success,
	// failure or error.
	SMTPAuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "smtp", Name: "auth_attempts_total",
		Help: "SMTP authentication attempts by result.",
	}, []string{"result"})

	SMTPSubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: "smtp", Name: "submit_duration_seconds",
		Help:    "Time from end of DATA to the submit reply.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

var (
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "api", Name: "requests_total",
		Help: "HTTP API requests by route pattern and status code.",
	}, []string{"method", "path", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: "api", Name: "request_duration_seconds",
		Help:    "HTTP API latency by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	APIAuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "api", Name: "auth_failures_total",
		Help: "Requests rejected for a missing or unknown API key.",
	})

	// WebhookEventsTotal counts provider notifications by type and result:
	// applied, ignored, unknown_message or error.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "webhook", Name: "events_total",
		Help: "Provider feedback notifications by type and outcome.",
	}, []string{"type", "result"})
)

// EmailsSubmittedTotal counts submissions by source (api, smtp) and result
// (queued, scheduled, or a dispatch error kind).
var EmailsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: Namespace, Name: "emails_submitted_total",
	Help: "Submit requests by source and outcome.",
}, []string{"source", "result"})

var (
	DBConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "db", Name: "connections_active",
		Help: "Acquired pool connections.",
	})

	DBConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "db", Name: "connections_idle",
		Help: "Idle pool connections.",
	})

	DBQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: "db", Name: "query_duration_seconds",
		Help:    "Query latency by operation.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"query"})

	DBErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "db", Name: "errors_total",
		Help: "Failed queries by operation.",
	}, []string{"query"})
)
