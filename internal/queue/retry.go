package queue

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBaseBackoff = 30 * time.Second
	defaultMaxBackoff  = 15 * time.Minute
)

// RetryStrategy implements bounded exponential backoff with jitter.
type RetryStrategy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// NewRetryStrategy creates a RetryStrategy doubling from 30s up to 15m.
func NewRetryStrategy(maxRetries int) *RetryStrategy {
	return &RetryStrategy{
		MaxRetries: maxRetries,
		Base:       defaultBaseBackoff,
		Max:        defaultMaxBackoff,
	}
}

// ShouldRetry returns true if the job has not exhausted its retry budget.
func (r *RetryStrategy) ShouldRetry(retryCount int) bool {
	return retryCount < r.MaxRetries
}

// Ceiling returns the un-jittered backoff for the given attempt:
// Base * 2^retryCount, capped at Max.
func (r *RetryStrategy) Ceiling(retryCount int) time.Duration {
	d := r.Base
	for i := 0; i < retryCount && d < r.Max; i++ {
		d *= 2
	}
	if d > r.Max {
		d = r.Max
	}
	return d
}

// NextBackoff returns the backoff for the given attempt with jitter applied:
// ceiling * (0.5 + rand * 0.5).
func (r *RetryStrategy) NextBackoff(retryCount int) time.Duration {
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(r.Ceiling(retryCount)) * jitter)
}
