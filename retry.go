package deckflow

import (
	"time"

	"github.com/petrijr/deckflow/pkg/api"
)

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with WithRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts. The transient
// classes (timeout, rate limit, transient I/O) are retryable.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxAttempts: maxAttempts,
			Retryable:   []api.Class{api.ClassTimeout, api.ClassRateLimit, api.ClassTransientIO},
		},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = initial
	p.MaxBackoff = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.BackoffMultiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant backoff between retries.
//
// This is equivalent to an exponential backoff with multiplier 1.0 and
// no max cap.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = delay
	p.MaxBackoff = 0
	p.BackoffMultiplier = 1.0
	return RetryBuilder{policy: p}
}

// WithJitter spreads each delay by up to fraction of itself, clamped to [0,1].
func (r RetryBuilder) WithJitter(fraction float64) RetryBuilder {
	p := r.policy
	p.Jitter = min(max(fraction, 0), 1)
	return RetryBuilder{policy: p}
}

// WithTimeout bounds each attempt.
func (r RetryBuilder) WithTimeout(d time.Duration) RetryBuilder {
	p := r.policy
	p.Timeout = d
	return RetryBuilder{policy: p}
}

// On replaces the retryable error classes.
func (r RetryBuilder) On(classes ...api.Class) RetryBuilder {
	p := r.policy
	p.Retryable = append([]api.Class(nil), classes...)
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
// Retries will still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.InitialBackoff = 0
	p.MaxBackoff = 0
	p.BackoffMultiplier = 0
	p.Jitter = 0
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy to be passed to WithRetry.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
