package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/SuperALKALINEdroiD/unsend/internal/metrics"
)

// Queue metrics for Prometheus monitoring.
var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "jobs_scheduled",
			Help:      "Number of delayed jobs waiting per locality",
		},
		[]string{"locality"},
	)

	ReadyDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "jobs_ready",
			Help:      "Number of due jobs waiting in the ready transport per locality",
		},
		[]string{"locality"},
	)

	MessagesEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of delivery jobs scheduled",
		},
	)

	JobsPromotedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "jobs_promoted_total",
			Help:      "Total number of due jobs handed to the ready transport",
		},
		[]string{"locality"},
	)

	JobsRetriedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "jobs_retried_total",
			Help:      "Total number of jobs rescheduled after a failed attempt",
		},
	)

	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed by outcome",
		},
		[]string{"status"}, // succeeded, failed, dlq
	)

	MessageProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "job_processing_duration_seconds",
			Help:      "Duration of job handler invocations",
			Buckets:   prometheus.DefBuckets,
		},
	)

	DLQMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "dlq_jobs_total",
			Help:      "Total number of jobs moved to DLQ by reason",
		},
		[]string{"reason"}, // exhausted, permanent
	)
)
