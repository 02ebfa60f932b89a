package api

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Observer receives callbacks from the executor for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay resolution.
type Observer interface {
	// OnExecutionStart is called once when an execution moves to RUNNING for
	// the first time.
	OnExecutionStart(ctx context.Context, exec *Execution)

	// OnExecutionEnd is called when an execution reaches a terminal state.
	OnExecutionEnd(ctx context.Context, exec *Execution)

	// OnTaskRunDispatched is called when a WorkerTask is emitted.
	OnTaskRunDispatched(ctx context.Context, exec *Execution, tr TaskRun)

	// OnTaskRunEnd is called when a task run reaches a terminal state.
	OnTaskRunEnd(ctx context.Context, exec *Execution, tr TaskRun)

	// OnRetry is called when a failed attempt is granted a retry.
	OnRetry(ctx context.Context, exec *Execution, tr TaskRun, decision RetryDecision)

	// OnSLAViolation is called once per violation.
	OnSLAViolation(ctx context.Context, exec *Execution, v Violation)

	// OnResolution is called after each resolution pass with its duration.
	OnResolution(ctx context.Context, exec *Execution, d time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStart(ctx context.Context, exec *Execution)                     {}
func (NoopObserver) OnExecutionEnd(ctx context.Context, exec *Execution)                       {}
func (NoopObserver) OnTaskRunDispatched(ctx context.Context, exec *Execution, tr TaskRun)      {}
func (NoopObserver) OnTaskRunEnd(ctx context.Context, exec *Execution, tr TaskRun)             {}
func (NoopObserver) OnRetry(ctx context.Context, exec *Execution, tr TaskRun, d RetryDecision) {}
func (NoopObserver) OnSLAViolation(ctx context.Context, exec *Execution, v Violation)          {}
func (NoopObserver) OnResolution(ctx context.Context, exec *Execution, d time.Duration)        {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionStart(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionEnd(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionEnd(ctx, exec)
	}
}

func (c *CompositeObserver) OnTaskRunDispatched(ctx context.Context, exec *Execution, tr TaskRun) {
	for _, o := range c.observers {
		o.OnTaskRunDispatched(ctx, exec, tr)
	}
}

func (c *CompositeObserver) OnTaskRunEnd(ctx context.Context, exec *Execution, tr TaskRun) {
	for _, o := range c.observers {
		o.OnTaskRunEnd(ctx, exec, tr)
	}
}

func (c *CompositeObserver) OnRetry(ctx context.Context, exec *Execution, tr TaskRun, d RetryDecision) {
	for _, o := range c.observers {
		o.OnRetry(ctx, exec, tr, d)
	}
}

func (c *CompositeObserver) OnSLAViolation(ctx context.Context, exec *Execution, v Violation) {
	for _, o := range c.observers {
		o.OnSLAViolation(ctx, exec, v)
	}
}

func (c *CompositeObserver) OnResolution(ctx context.Context, exec *Execution, d time.Duration) {
	for _, o := range c.observers {
		o.OnResolution(ctx, exec, d)
	}
}

// LoggingObserver writes structured logs using zap.
type LoggingObserver struct {
	Logger *zap.Logger
}

// NewLoggingObserver creates an Observer that logs execution / task run
// lifecycle events. If logger is nil, zap.L() is used.
func NewLoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.L()
	}
	return &LoggingObserver{Logger: logger}
}

func executionFields(exec *Execution) []zap.Field {
	return []zap.Field{
		zap.String("namespace", exec.Namespace),
		zap.String("flow", exec.FlowID),
		zap.String("execution_id", exec.ID),
	}
}

func (o *LoggingObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	o.Logger.Info("execution_start", executionFields(exec)...)
}

func (o *LoggingObserver) OnExecutionEnd(ctx context.Context, exec *Execution) {
	fields := append(executionFields(exec),
		zap.String("state", string(exec.State.Current())),
		zap.Duration("duration", exec.State.Duration(time.Now())),
	)
	if exec.State.Current() == StateFailed {
		o.Logger.Error("execution_end", append(fields, zap.String("error", exec.Error))...)
		return
	}
	o.Logger.Info("execution_end", fields...)
}

func (o *LoggingObserver) OnTaskRunDispatched(ctx context.Context, exec *Execution, tr TaskRun) {
	o.Logger.Debug("task_run_dispatched", append(executionFields(exec),
		zap.String("task_id", tr.TaskID),
		zap.String("task_run_id", tr.ID),
		zap.Int("attempt", tr.Attempt),
	)...)
}

func (o *LoggingObserver) OnTaskRunEnd(ctx context.Context, exec *Execution, tr TaskRun) {
	level := zap.DebugLevel
	if tr.State.Current().IsFailed() {
		level = zap.WarnLevel
	}
	if ce := o.Logger.Check(level, "task_run_end"); ce != nil {
		ce.Write(append(executionFields(exec),
			zap.String("task_id", tr.TaskID),
			zap.String("task_run_id", tr.ID),
			zap.String("state", string(tr.State.Current())),
		)...)
	}
}

func (o *LoggingObserver) OnRetry(ctx context.Context, exec *Execution, tr TaskRun, d RetryDecision) {
	o.Logger.Info("task_run_retry", append(executionFields(exec),
		zap.String("task_id", tr.TaskID),
		zap.Int("attempt", tr.Attempt),
		zap.String("behavior", string(d.Behavior)),
		zap.Time("next", d.Next),
	)...)
}

func (o *LoggingObserver) OnSLAViolation(ctx context.Context, exec *Execution, v Violation) {
	o.Logger.Warn("sla_violation", append(executionFields(exec),
		zap.String("sla_id", v.SLAID),
		zap.String("behavior", string(v.Behavior)),
		zap.String("reason", v.Reason),
	)...)
}

func (o *LoggingObserver) OnResolution(ctx context.Context, exec *Execution, d time.Duration) {}

// BasicMetrics collects simple in-process counters.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted   atomic.Int64
	executionsSucceeded atomic.Int64
	executionsFailed    atomic.Int64
	taskRunsDispatched  atomic.Int64
	retries             atomic.Int64
	slaViolations       atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsSucceeded int64
	ExecutionsFailed    int64
	TaskRunsDispatched  int64
	Retries             int64
	SLAViolations       int64
}

func (m *BasicMetrics) OnExecutionStart(ctx context.Context, exec *Execution) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionEnd(ctx context.Context, exec *Execution) {
	switch exec.State.Current() {
	case StateSuccess, StateWarning:
		m.executionsSucceeded.Add(1)
	default:
		m.executionsFailed.Add(1)
	}
}

func (m *BasicMetrics) OnTaskRunDispatched(ctx context.Context, exec *Execution, tr TaskRun) {
	m.taskRunsDispatched.Add(1)
}

func (m *BasicMetrics) OnRetry(ctx context.Context, exec *Execution, tr TaskRun, d RetryDecision) {
	m.retries.Add(1)
}

func (m *BasicMetrics) OnSLAViolation(ctx context.Context, exec *Execution, v Violation) {
	m.slaViolations.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	return BasicMetricsSnapshot{
		ExecutionsStarted:   m.executionsStarted.Load(),
		ExecutionsSucceeded: m.executionsSucceeded.Load(),
		ExecutionsFailed:    m.executionsFailed.Load(),
		TaskRunsDispatched:  m.taskRunsDispatched.Load(),
		Retries:             m.retries.Load(),
		SLAViolations:       m.slaViolations.Load(),
	}
}
