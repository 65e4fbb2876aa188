package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds redelivery of recoverable failures.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultRetryPolicy is 30s doubling up to 30m, five retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute, MaxRetries: 5}
}

// Backoff returns min(MaxDelay, BaseDelay*2^n), the wait after the failure
// of retry n. No jitter is applied.
func (p RetryPolicy) Backoff(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}
