package engine

import (
	"context"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/petrijr/conductor/internal/sla"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
)

func (e *Executor) onCommand(ctx context.Context, msg taskqueue.Message) error {
	cmd, err := taskqueue.Decode[api.ExecutionCommand](msg)
	if err != nil {
		e.log.Error("drop malformed command", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	return e.update(ctx, cmd.ExecutionID, func(tx *txn) error {
		switch cmd.Type {
		case api.CommandKill:
			return e.kill(tx)
		case api.CommandRestart:
			return e.restart(tx, cmd.Revision)
		case api.CommandPause:
			return e.pause(tx)
		case api.CommandResume:
			return e.resume(tx)
		case api.CommandDelay:
			if cmd.Delay == nil {
				return errSkip
			}
			return e.wake(tx, *cmd.Delay)
		case api.CommandSLA:
			if cmd.Monitor == nil {
				return errSkip
			}
			return e.deadline(tx, *cmd.Monitor)
		}
		e.log.Warn("unknown command", zap.String("type", string(cmd.Type)), zap.String("execution", cmd.ExecutionID))
		return errSkip
	})
}

// kill moves the execution to KILLING. Task runs no worker holds are killed
// at once; running jobs are asked to stop and report KILLED. A KILL_TIMEOUT
// delay bounds the wait.
func (e *Executor) kill(tx *txn) error {
	if tx.exec.IsTerminated() || tx.exec.State.Current() == api.StateKilling {
		return errSkip
	}
	flow, err := e.flowOf(tx)
	if err != nil {
		return err
	}
	if err := tx.moveExecution(api.StateKilling); err != nil {
		return err
	}
	e.killChildren(tx)
	for _, tr := range tx.exec.TaskRuns {
		if tr.State.IsTerminal() {
			continue
		}
		task, err := flow.FindTask(tr.TaskID)
		_, runnable := task.(*api.Runnable)
		if err == nil && runnable && tr.State.Current() == api.StateRunning {
			continue
		}
		killed := killTaskRun(tr, tx.now)
		tx.setTaskRun(killed)
		e.taskRunEnded(tx, killed)
	}
	tx.killJobs("")
	tx.delay(api.DelayKillTimeout, "", 0, tx.now.Add(e.cfg.KillTimeout))
	return e.checkKilled(tx)
}

// restart moves a FAILED execution back to RUNNING. Failed task runs get a
// new attempt and the error branch task runs that ran are archived, so the
// error tasks run again if the execution fails again.
func (e *Executor) restart(tx *txn, revision *int) error {
	if tx.exec.State.Current() != api.StateFailed {
		e.log.Warn("ignore restart of execution that did not fail",
			zap.String("execution", tx.exec.ID),
			zap.String("state", string(tx.exec.State.Current())),
		)
		return errSkip
	}
	if revision != nil && *revision != tx.exec.FlowRevision {
		revisions, err := e.flows.Revisions(tx.ctx, tx.exec.Namespace, tx.exec.FlowID)
		if err != nil {
			return transient(err)
		}
		if !slices.Contains(revisions, *revision) {
			e.log.Warn("ignore restart on unknown revision",
				zap.String("execution", tx.exec.ID),
				zap.Int("revision", *revision),
			)
			return errSkip
		}
		tx.exec.FlowRevision = *revision
	}
	flow, err := e.flowOf(tx)
	if err != nil {
		return err
	}
	if err := tx.moveExecution(api.StateRestarted); err != nil {
		return err
	}
	tx.exec.Error = ""

	var restarted []api.TaskRun
	kept := make([]api.TaskRun, 0, len(tx.exec.TaskRuns))
	for _, tr := range tx.exec.TaskRuns {
		if flow.IsErrorTask(tr.TaskID) {
			tx.exec.ArchivedTaskRuns = append(tx.exec.ArchivedTaskRuns, tr)
			continue
		}
		if tr.State.Current() == api.StateFailed {
			next, err := tr.WithState(api.StateRestarted, tx.now)
			if err != nil {
				return err
			}
			next.Attempts = append(next.Attempts, api.TaskRunAttempt{
				Attempt: tr.Attempt,
				State:   tr.State.Clone(),
				Error:   errorOf(tr),
			})
			next.Attempt++
			delete(next.Outputs, "error")
			tr = next
			restarted = append(restarted, tr)
		}
		kept = append(kept, tr)
	}
	tx.exec.TaskRuns = kept

	if err := tx.moveExecution(api.StateRunning); err != nil {
		return err
	}
	tx.monitors = append(tx.monitors, sla.Monitors(flow, tx.exec, tx.now)...)

	for _, tr := range restarted {
		task, err := flow.FindTask(tr.TaskID)
		if err != nil {
			return err
		}
		if err := e.startTaskRun(tx, flow, task, tr); err != nil {
			return err
		}
	}
	e.log.Info("execution restarted",
		zap.String("execution", tx.exec.ID),
		zap.Int("revision", tx.exec.FlowRevision),
		zap.Int("task_runs", len(restarted)),
		zap.Int("archived", len(tx.exec.ArchivedTaskRuns)),
	)
	tx.changed()
	return nil
}

func (e *Executor) pause(tx *txn) error {
	if tx.exec.State.Current() != api.StateRunning {
		return errSkip
	}
	return tx.moveExecution(api.StatePaused)
}

// resume continues a PAUSED execution. Running Pause task runs succeed.
func (e *Executor) resume(tx *txn) error {
	if tx.exec.State.Current() != api.StatePaused {
		return errSkip
	}
	flow, err := e.flowOf(tx)
	if err != nil {
		return err
	}
	if err := tx.moveExecution(api.StateRunning); err != nil {
		return err
	}
	for _, tr := range tx.exec.TaskRuns {
		if tr.State.Current() != api.StateRunning {
			continue
		}
		task, err := flow.FindTask(tr.TaskID)
		if err != nil {
			return err
		}
		if _, ok := task.(*api.Pause); !ok {
			continue
		}
		done, err := tr.WithState(api.StateSuccess, tx.now)
		if err != nil {
			return err
		}
		tx.setTaskRun(done)
		e.taskRunEnded(tx, done)
	}
	tx.changed()
	return nil
}

// wake applies a due delay.
func (e *Executor) wake(tx *txn, d api.ExecutionDelay) error {
	if tx.exec.IsTerminated() {
		return errSkip
	}
	switch d.Kind {
	case api.DelayRetry:
		if d.TaskRunID == "" {
			return e.replaceExecution(tx, d)
		}
		return e.retryNow(tx, d)
	case api.DelayResume:
		tr, ok := tx.exec.FindTaskRun(d.TaskRunID)
		if !ok || tr.State.Current() != api.StateRunning {
			return errSkip
		}
		return e.resume(tx)
	case api.DelayTaskTimeout:
		return e.timeout(tx, d)
	case api.DelayKillTimeout:
		if tx.exec.State.Current() != api.StateKilling {
			return errSkip
		}
		e.log.Warn("kill timed out, forcing KILLED", zap.String("execution", tx.exec.ID))
		for _, tr := range tx.exec.TaskRuns {
			if !tr.State.IsTerminal() {
				killed := killTaskRun(tr, tx.now)
				tx.setTaskRun(killed)
				e.taskRunEnded(tx, killed)
			}
		}
		return e.end(tx, nil, api.StateKilled)
	}
	return errSkip
}

// retryNow starts the next attempt of a RETRYING task run.
func (e *Executor) retryNow(tx *txn, d api.ExecutionDelay) error {
	tr, ok := tx.exec.FindTaskRun(d.TaskRunID)
	if !ok || tr.State.Current() != api.StateRetrying || tr.Attempt != d.Attempt {
		return errSkip
	}
	switch tx.exec.State.Current() {
	case api.StateRunning:
	case api.StatePaused:
		// Retried once the execution resumes.
		tx.delay(d.Kind, d.TaskRunID, d.Attempt, tx.now.Add(e.cfg.Tick))
		return nil
	default:
		return errSkip
	}
	flow, err := e.flowOf(tx)
	if err != nil {
		return err
	}
	task, err := flow.FindTask(tr.TaskID)
	if err != nil {
		return err
	}
	next, err := tr.WithState(api.StateRetried, tx.now)
	if err != nil {
		return err
	}
	next.Attempt++
	delete(next.Outputs, "error")
	if err := e.startTaskRun(tx, flow, task, next); err != nil {
		return err
	}
	tx.changed()
	return nil
}

// replaceExecution ends a RETRYING execution RETRIED and creates the
// execution of the next attempt.
func (e *Executor) replaceExecution(tx *txn, d api.ExecutionDelay) error {
	exec := tx.exec
	if exec.State.Current() != api.StateRetrying || exec.Metadata.Attempt != d.Attempt {
		return errSkip
	}
	attempt := exec.Metadata.Attempt + 1
	trigger := &api.ExecutionTrigger{Type: api.TriggerRetry}
	if exec.Trigger != nil && exec.Trigger.ParentExecutionID != "" {
		t := *exec.Trigger
		trigger = &t
	}
	next := &api.Execution{
		ID:           api.RetryExecutionID(exec.Metadata.OriginalID, attempt),
		Tenant:       exec.Tenant,
		Namespace:    exec.Namespace,
		FlowID:       exec.FlowID,
		FlowRevision: exec.FlowRevision,
		Inputs:       maps.Clone(exec.Inputs),
		Labels:       slices.Clone(exec.Labels),
		State:        api.NewState(tx.now),
		Trigger:      trigger,
		Metadata: api.ExecutionMetadata{
			Attempt:         attempt,
			OriginalID:      exec.Metadata.OriginalID,
			OriginalCreated: exec.Metadata.OriginalCreated,
		},
	}
	for _, tr := range exec.TaskRuns {
		if !tr.State.IsTerminal() {
			tx.setTaskRun(killTaskRun(tr, tx.now))
		}
	}
	tx.extra = append(tx.extra, next)
	tx.emit(api.TopicExecution, next.ID, api.ExecutionChanged{ExecutionID: next.ID})
	e.log.Info("execution replaced by a new attempt",
		zap.String("execution", exec.ID),
		zap.String("next", next.ID),
		zap.Int("attempt", attempt),
	)
	return e.end(tx, nil, api.StateRetried)
}

// timeout fails a task run still running after its timeout and kills its
// job. The failure goes through the retry policy.
func (e *Executor) timeout(tx *txn, d api.ExecutionDelay) error {
	tr, ok := tx.exec.FindTaskRun(d.TaskRunID)
	if !ok || tr.State.Current() != api.StateRunning || tr.Attempt != d.Attempt {
		return errSkip
	}
	flow, err := e.flowOf(tx)
	if err != nil {
		return err
	}
	task, err := flow.FindTask(tr.TaskID)
	if err != nil {
		return err
	}
	limit := task.Common().Timeout
	since, _ := tr.State.LastDateOf(api.StateRunning)
	if limit <= 0 {
		return errSkip
	}
	if due := since.Add(limit); tx.now.Before(due) {
		tx.delay(api.DelayTaskTimeout, tr.ID, tr.Attempt, due)
		return nil
	}
	failed, err := timeoutFailure(tr, limit, tx.now)
	if err != nil {
		return err
	}
	e.log.Warn("task run timed out",
		zap.String("execution", tx.exec.ID),
		zap.String("task", tr.TaskID),
		zap.Duration("timeout", limit),
	)
	tx.killJobs(tr.ID)
	if err := e.fail(tx, flow, task, failed); err != nil {
		return err
	}
	tx.changed()
	return nil
}

// deadline applies an expired SLA monitor.
func (e *Executor) deadline(tx *txn, m api.SLAMonitor) error {
	switch tx.exec.State.Current() {
	case api.StateKilling, api.StateRetrying:
		return errSkip
	}
	flow, err := e.flowOf(tx)
	if err != nil {
		return err
	}
	v := e.slas.EvaluateDeadline(flow, tx.exec, m, tx.now)
	if v == nil {
		return errSkip
	}
	forced, reason := e.violated(tx, []api.Violation{*v})
	if forced == "" {
		return nil
	}
	return e.terminate(tx, forced, reason)
}
