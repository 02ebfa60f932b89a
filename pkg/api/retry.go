package api

import (
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// RetryBehavior selects what happens when a retry is granted.
type RetryBehavior string

const (
	// RetryFailedTask re-runs the failed task run as a new attempt in the
	// same execution.
	RetryFailedTask RetryBehavior = "RETRY_FAILED_TASK"
	// RetryNewExecution ends the execution and creates a fresh one.
	RetryNewExecution RetryBehavior = "CREATE_NEW_EXECUTION"
)

var retryBehaviors = map[string]RetryBehavior{
	string(RetryFailedTask):   RetryFailedTask,
	"RETRY_FAILED":            RetryFailedTask,
	string(RetryNewExecution): RetryNewExecution,
	"NEW_EXECUTION":           RetryNewExecution,
}

// ParseRetryBehavior maps a behavior name, case-insensitively, to its
// constant. RETRY_FAILED and NEW_EXECUTION are accepted as short forms.
func ParseRetryBehavior(s string) (RetryBehavior, bool) {
	b, ok := retryBehaviors[strings.ToUpper(s)]
	return b, ok
}

// RetryPolicy computes when (and whether) a failed attempt may be retried.
//
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial attempt)
//	MaxAttempts = 3 => initial attempt + up to 2 retries
type RetryPolicy interface {
	// NextRetryDate returns the instant of the next attempt given the number
	// of attempts already made (>= 1) and the time the last one ended.
	NextRetryDate(attemptCount int, lastAttempt time.Time) time.Time
	Base() RetryBase
}

// RetryBase holds the attributes shared by every policy kind.
type RetryBase struct {
	MaxAttempts int
	// MaxDuration bounds the window from the first attempt; zero means unbounded.
	MaxDuration time.Duration
	Behavior    RetryBehavior
	// WarningOnRetry ends a task run WARNING when it succeeds after a retry.
	WarningOnRetry bool
}

// Base implements RetryPolicy.
func (b RetryBase) Base() RetryBase { return b }

// behavior returns the configured behavior, defaulting to RetryFailedTask.
func (b RetryBase) behavior() RetryBehavior {
	if b.Behavior == "" {
		return RetryFailedTask
	}
	return b.Behavior
}

// ConstantRetry waits the same interval before every retry.
type ConstantRetry struct {
	RetryBase
	Interval time.Duration
}

func (r ConstantRetry) NextRetryDate(attemptCount int, lastAttempt time.Time) time.Time {
	return lastAttempt.Add(r.Interval)
}

// ExponentialRetry multiplies the interval by Factor after every attempt,
// capped at MaxInterval when set.
type ExponentialRetry struct {
	RetryBase
	Interval    time.Duration
	MaxInterval time.Duration
	// Factor defaults to 2 when <= 0.
	Factor float64
}

func (r ExponentialRetry) NextRetryDate(attemptCount int, lastAttempt time.Time) time.Time {
	factor := r.Factor
	if factor <= 0 {
		factor = 2
	}
	if attemptCount < 1 {
		attemptCount = 1
	}
	d := float64(r.Interval) * math.Pow(factor, float64(attemptCount-1))
	if r.MaxInterval > 0 && d > float64(r.MaxInterval) {
		d = float64(r.MaxInterval)
	}
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	return lastAttempt.Add(time.Duration(d))
}

// RandomRetry waits a uniformly distributed interval in [MinInterval, MaxInterval).
type RandomRetry struct {
	RetryBase
	MinInterval time.Duration
	MaxInterval time.Duration
}

func (r RandomRetry) NextRetryDate(attemptCount int, lastAttempt time.Time) time.Time {
	span := r.MaxInterval - r.MinInterval
	if span <= 0 {
		return lastAttempt.Add(r.MinInterval)
	}
	return lastAttempt.Add(r.MinInterval + time.Duration(rand.Int64N(int64(span))))
}

// RetryDecision is the outcome of evaluating a policy after a failed attempt.
type RetryDecision struct {
	Retry    bool
	Behavior RetryBehavior
	Next     time.Time
}

// EvaluateRetry decides whether another attempt is allowed. attemptCount is
// the number of attempts already made, firstAttempt the start of the first
// one and failedAt the end of the last one. A nil policy never retries.
func EvaluateRetry(p RetryPolicy, attemptCount int, firstAttempt, failedAt time.Time) RetryDecision {
	if p == nil {
		return RetryDecision{}
	}
	base := p.Base()
	if base.MaxAttempts > 0 && attemptCount >= base.MaxAttempts {
		return RetryDecision{}
	}
	next := p.NextRetryDate(attemptCount, failedAt)
	if base.MaxDuration > 0 && next.After(firstAttempt.Add(base.MaxDuration)) {
		return RetryDecision{}
	}
	if base.MaxAttempts <= 0 && base.MaxDuration <= 0 {
		// Unbounded policies never retry.
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, Behavior: base.behavior(), Next: next}
}
