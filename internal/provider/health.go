package provider

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/SuperALKALINEdroiD/unsend/internal/metrics"
)

const (
	defaultCheckInterval = 30 * time.Second
	defaultCheckTimeout  = 10 * time.Second
	unhealthyThreshold   = 3
)

// ProviderHealthy reports the last health state of the configured ESP.
var ProviderHealthy = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "provider",
		Name:      "healthy",
		Help:      "1 if the ESP passed its recent health checks, 0 otherwise",
	},
	[]string{"provider"},
)

// HealthStatus represents the current health state of a provider.
type HealthStatus struct {
	Healthy             bool
	LastCheck           time.Time
	ConsecutiveFailures int
	LastError           string
}

// HealthChecker periodically checks a provider. It stays healthy until
// unhealthyThreshold consecutive checks fail; one success restores it.
type HealthChecker struct {
	mu            sync.RWMutex
	provider      Provider
	status        HealthStatus
	checkInterval time.Duration
	checkTimeout  time.Duration
}

// NewHealthChecker creates a health checker for p.
func NewHealthChecker(p Provider) *HealthChecker {
	return &HealthChecker{
		provider:      p,
		status:        HealthStatus{Healthy: true},
		checkInterval: defaultCheckInterval,
		checkTimeout:  defaultCheckTimeout,
	}
}

// Run checks the provider every interval until ctx is done.
func (hc *HealthChecker) Run(ctx context.Context) {
	hc.Check(ctx)

	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.Check(ctx)
		}
	}
}

// Check runs one health check and records the outcome.
func (hc *HealthChecker) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
	defer cancel()
	err := hc.provider.Ping(ctx)

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.status.LastCheck = time.Now()
	if err != nil {
		hc.status.ConsecutiveFailures++
		hc.status.LastError = err.Error()
		if hc.status.ConsecutiveFailures >= unhealthyThreshold {
			hc.status.Healthy = false
		}
	} else {
		hc.status = HealthStatus{Healthy: true, LastCheck: hc.status.LastCheck}
	}

	gauge := 0.0
	if hc.status.Healthy {
		gauge = 1
	}
	ProviderHealthy.WithLabelValues(hc.provider.Name()).Set(gauge)
}

// Status returns a snapshot of the provider's health.
func (hc *HealthChecker) Status() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.status
}

// Ping returns an error while the provider is unhealthy.
func (hc *HealthChecker) Ping(_ context.Context) error {
	s := hc.Status()
	if s.Healthy {
		return nil
	}
	return &ProviderError{Provider: hc.provider.Name(), Message: "unhealthy: " + s.LastError}
}
