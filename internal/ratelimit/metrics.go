package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/SuperALKALINEdroiD/unsend/internal/metrics"
)

var (
	// checksTotal counts per-scope checks by strategy and result: allowed,
	// denied or error.
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace, Subsystem: "ratelimit", Name: "checks_total",
		Help: "Rate limit checks by strategy and result.",
	}, []string{"strategy", "result"})

	storeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace, Subsystem: "ratelimit", Name: "store_duration_seconds",
		Help:    "Counter store round trips by backend.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	}, []string{"store"})
)
