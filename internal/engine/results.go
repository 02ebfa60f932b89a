package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
)

func (e *Executor) onWorkerTaskResult(ctx context.Context, msg taskqueue.Message) error {
	res, err := taskqueue.Decode[api.WorkerTaskResult](msg)
	if err != nil {
		e.log.Error("drop malformed worker result", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	return e.update(ctx, res.TaskRun.ExecutionID, func(tx *txn) error {
		return e.applyResult(tx, res.TaskRun)
	})
}

// applyResult merges a worker report over the stored task run. Stale and
// duplicate reports are ignored.
func (e *Executor) applyResult(tx *txn, incoming api.TaskRun) error {
	if tx.exec.IsTerminated() {
		return errSkip
	}
	existing, ok := tx.exec.FindTaskRun(incoming.ID)
	if !ok {
		e.log.Warn("result for unknown task run",
			zap.String("execution", tx.exec.ID),
			zap.String("task_run", incoming.ID),
		)
		return errSkip
	}
	if !incoming.State.IsLegal() {
		e.log.Warn("reject task run report with an illegal history",
			zap.String("execution", tx.exec.ID),
			zap.String("task_run", incoming.ID),
			zap.Strings("history", historyNames(incoming.State)),
		)
		return errSkip
	}
	if !api.IsTaskRunJoinable(existing, incoming) {
		e.log.Debug("ignore stale task run result",
			zap.String("execution", tx.exec.ID),
			zap.String("task_run", incoming.ID),
			zap.Int("attempt", incoming.Attempt),
			zap.String("state", string(incoming.State.Current())),
		)
		return errSkip
	}
	flow, err := e.flowOf(tx)
	if err != nil {
		return err
	}
	task, err := flow.FindTask(existing.TaskID)
	if err != nil {
		return err
	}

	switch incoming.State.Current() {
	case api.StateRunning:
		tx.setTaskRun(incoming)
		if timeout := task.Common().Timeout; timeout > 0 {
			tx.delay(api.DelayTaskTimeout, incoming.ID, incoming.Attempt, tx.now.Add(timeout))
		}
		return nil
	case api.StateFailed:
		if err := e.fail(tx, flow, task, incoming); err != nil {
			return err
		}
	case api.StateSuccess:
		if e.warnOnRetry(tx, flow, task, incoming) {
			incoming = replaceLast(incoming, api.StateWarning)
		}
		tx.setTaskRun(incoming)
		e.taskRunEnded(tx, incoming)
	default:
		tx.setTaskRun(incoming)
		if incoming.State.IsTerminal() {
			e.taskRunEnded(tx, incoming)
		}
	}
	tx.changed()
	return nil
}

// warnOnRetry reports whether a successful attempt must end WARNING because
// it needed retries.
func (e *Executor) warnOnRetry(tx *txn, flow *api.Flow, task api.Task, tr api.TaskRun) bool {
	p := flow.ResolveRetry(task)
	if p == nil || !p.Base().WarningOnRetry {
		return false
	}
	return tr.Attempt > 1 || tx.exec.Metadata.Attempt > 1
}

// fail records a failed attempt of task and applies its retry policy. With
// no retry left the task run ends FAILED, or WARNING when the task allows
// failure.
func (e *Executor) fail(tx *txn, flow *api.Flow, task api.Task, failed api.TaskRun) error {
	if tx.exec.State.Current() != api.StateRunning {
		tx.setTaskRun(failed)
		e.taskRunEnded(tx, failed)
		return nil
	}

	policy := flow.ResolveRetry(task)
	failedAt, _ := failed.State.EndDate()
	var decision api.RetryDecision
	if policy != nil && policy.Base().Behavior == api.RetryNewExecution {
		decision = api.EvaluateRetry(policy, tx.exec.Metadata.Attempt, tx.exec.Metadata.OriginalCreated, failedAt)
	} else {
		decision = api.EvaluateRetry(policy, failed.Attempt, firstAttemptStart(failed), failedAt)
	}

	if decision.Retry {
		exec := tx.exec
		tx.after(func(ctx context.Context) { e.observer.OnRetry(ctx, exec, failed, decision) })
		switch decision.Behavior {
		case api.RetryNewExecution:
			return e.retryExecution(tx, failed, decision)
		default:
			return e.retryTaskRun(tx, failed, decision)
		}
	}

	if task.Common().AllowFailure {
		failed = replaceLast(failed, api.StateWarning)
	}
	tx.setTaskRun(failed)
	e.taskRunEnded(tx, failed)
	return nil
}

// retryTaskRun parks the failed attempt in RETRYING until the RETRY delay
// fires. The attempt is archived with its FAILED history.
func (e *Executor) retryTaskRun(tx *txn, failed api.TaskRun, d api.RetryDecision) error {
	n := len(failed.State.Histories)
	retrying := failed.Clone()
	retrying.State = api.State{Histories: retrying.State.Histories[:n-1]}
	state, err := retrying.State.Transition(api.StateRetrying, tx.now)
	if err != nil {
		return err
	}
	retrying.State = state
	retrying.Attempts = append(retrying.Attempts, api.TaskRunAttempt{
		Attempt: failed.Attempt,
		State:   failed.State.Clone(),
		Error:   errorOf(failed),
	})
	tx.setTaskRun(retrying)
	tx.delay(api.DelayRetry, retrying.ID, retrying.Attempt, d.Next)
	e.log.Info("task run will be retried",
		zap.String("execution", tx.exec.ID),
		zap.String("task", failed.TaskID),
		zap.Int("attempt", failed.Attempt),
		zap.Time("at", d.Next),
	)
	return nil
}

// retryExecution moves the whole execution to RETRYING. When the RETRY
// delay fires, a new execution replaces this one.
func (e *Executor) retryExecution(tx *txn, failed api.TaskRun, d api.RetryDecision) error {
	tx.setTaskRun(failed)
	if err := tx.moveExecution(api.StateRetrying); err != nil {
		return err
	}
	tx.killJobs("")
	tx.delay(api.DelayRetry, "", tx.exec.Metadata.Attempt, d.Next)
	e.log.Info("execution will be retried as a new execution",
		zap.String("execution", tx.exec.ID),
		zap.String("task", failed.TaskID),
		zap.Int("attempt", tx.exec.Metadata.Attempt),
		zap.Time("at", d.Next),
	)
	return nil
}

// firstAttemptStart is when the first attempt of a task run started.
func firstAttemptStart(tr api.TaskRun) time.Time {
	if len(tr.Attempts) > 0 {
		return tr.Attempts[0].State.StartDate()
	}
	return tr.State.StartDate()
}

// timeoutFailure fails a RUNNING task run that exceeded its timeout.
func timeoutFailure(tr api.TaskRun, timeout time.Duration, now time.Time) (api.TaskRun, error) {
	return tr.WithOutput("error", fmt.Sprintf("task timed out after %s", timeout)).WithState(api.StateFailed, now)
}

func historyNames(s api.State) []string {
	out := make([]string, len(s.Histories))
	for i, h := range s.Histories {
		out[i] = string(h.State)
	}
	return out
}
