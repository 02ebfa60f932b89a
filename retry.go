package conductor

import (
	"time"

	"github.com/petrijr/conductor/pkg/api"
)

// RetryBuilder provides a fluent way to construct RetryPolicy values for
// FlowBuilder.Retry and WithRetry.
type RetryBuilder struct {
	base api.RetryBase
}

// Retry creates a RetryBuilder allowing maxAttempts attempts, the first one
// included. maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{base: api.RetryBase{MaxAttempts: maxAttempts}}
}

// Within stops retrying once d has elapsed since the first attempt.
func (r RetryBuilder) Within(d time.Duration) RetryBuilder {
	r.base.MaxDuration = d
	return r
}

// AsNewExecution retries by ending the execution and creating a new one
// instead of re-running the task run.
func (r RetryBuilder) AsNewExecution() RetryBuilder {
	r.base.Behavior = api.RetryNewExecution
	return r
}

// WarnOnRetry ends a task run WARNING when it only succeeds after a retry.
func (r RetryBuilder) WarnOnRetry() RetryBuilder {
	r.base.WarningOnRetry = true
	return r
}

// Constant waits interval before every retry.
func (r RetryBuilder) Constant(interval time.Duration) RetryPolicy {
	return api.ConstantRetry{RetryBase: r.base, Interval: interval}
}

// Exponential multiplies the interval by factor after every attempt, capped
// at maxInterval when > 0. factor <= 0 means 2.
//
// Example:
//
//	Retry(3).Exponential(100*time.Millisecond, 2*time.Second, 2)
func (r RetryBuilder) Exponential(interval, maxInterval time.Duration, factor float64) RetryPolicy {
	return api.ExponentialRetry{RetryBase: r.base, Interval: interval, MaxInterval: maxInterval, Factor: factor}
}

// Random waits a random interval in [lo, hi) before every retry.
func (r RetryBuilder) Random(lo, hi time.Duration) RetryPolicy {
	return api.RandomRetry{RetryBase: r.base, MinInterval: lo, MaxInterval: hi}
}

// Immediate retries without waiting.
func (r RetryBuilder) Immediate() RetryPolicy {
	return api.ConstantRetry{RetryBase: r.base}
}
