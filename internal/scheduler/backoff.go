package scheduler

import (
	"math"
	"time"
)

// Backoff defaults applied to worker failures.
const (
	DefaultInitialInterval    = 500 * time.Millisecond
	DefaultBackoffCoefficient = 2.0
	DefaultMaximumInterval    = 30 * time.Second
)

// BackoffPolicy computes the delay before a failed task is requeued.
type BackoffPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = DefaultBackoffCoefficient
	}
	if p.MaximumInterval <= 0 {
		p.MaximumInterval = DefaultMaximumInterval
	}
	return p
}

// Interval returns the delay before the given retry (1-based). The first
// retry waits InitialInterval; each one after grows by BackoffCoefficient,
// capped at MaximumInterval.
func (p BackoffPolicy) Interval(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(retry-1))
	if d > float64(p.MaximumInterval) {
		return p.MaximumInterval
	}
	return time.Duration(d)
}
