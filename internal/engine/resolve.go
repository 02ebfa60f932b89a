package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/conductor/internal/flowable"
	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/sla"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
)

func (e *Executor) onExecutionChanged(ctx context.Context, msg taskqueue.Message) error {
	ev, err := taskqueue.Decode[api.ExecutionChanged](msg)
	if err != nil {
		e.log.Error("drop malformed execution message", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	return e.update(ctx, ev.ExecutionID, e.advance)
}

// flowOf returns the flow revision the execution runs.
func (e *Executor) flowOf(tx *txn) (*api.Flow, error) {
	if tx.flow != nil && tx.flow.Revision == tx.exec.FlowRevision {
		return tx.flow, nil
	}
	rev := tx.exec.FlowRevision
	flow, err := e.flows.Get(tx.ctx, tx.exec.Namespace, tx.exec.FlowID, &rev)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowNotFound) {
			return nil, err
		}
		return nil, transient(err)
	}
	tx.flow = flow
	return flow, nil
}

// advance runs resolution passes until the execution settles, applying each
// plan to the transaction.
func (e *Executor) advance(tx *txn) error {
	if tx.exec.IsTerminated() {
		return errSkip
	}
	flow, err := e.flowOf(tx)
	if err != nil {
		return err
	}

	switch tx.exec.State.Current() {
	case api.StateCreated:
		if err := e.start(tx, flow); err != nil {
			return err
		}
	case api.StateKilling:
		return e.checkKilled(tx)
	case api.StateRunning:
	default:
		return errSkip
	}

	if !tx.exec.State.IsJustRestarted() {
		violations, err := e.slas.EvaluateChanged(flow, tx.exec)
		if err != nil {
			return err
		}
		if forced, reason := e.violated(tx, violations); forced != "" {
			return e.terminate(tx, forced, reason)
		}
	}

	for range e.cfg.MaxPasses {
		begin := time.Now()
		plan, err := flowable.Resolve(flow, tx.exec, e.cfg.Renderer, tx.now)
		if err != nil {
			return err
		}
		snapshot, took := tx.exec, time.Since(begin)
		tx.after(func(ctx context.Context) { e.observer.OnResolution(ctx, snapshot, took) })

		if err := e.apply(tx, flow, plan); err != nil {
			return err
		}
		if tx.exec.State.Current() != api.StateRunning {
			return nil
		}
		if !plan.Changed() {
			if plan.Root.Outcome == flowable.Ended {
				if plan.Root.Error != "" && plan.Root.State.IsFailed() {
					tx.exec.Error = plan.Root.Error
				}
				return e.end(tx, flow, plan.Root.State)
			}
			return nil
		}
	}
	return fmt.Errorf("resolution of execution %s did not settle after %d passes", tx.exec.ID, e.cfg.MaxPasses)
}

func (e *Executor) start(tx *txn, flow *api.Flow) error {
	if err := tx.moveExecution(api.StateRunning); err != nil {
		return err
	}
	tx.monitors = append(tx.monitors, sla.Monitors(flow, tx.exec, tx.now)...)
	exec := tx.exec
	tx.after(func(ctx context.Context) { e.observer.OnExecutionStart(ctx, exec) })
	return nil
}

// violated merges violation labels into the execution, notifies the
// observer and returns the state forced by the strongest violation.
func (e *Executor) violated(tx *txn, vs []api.Violation) (api.StateType, string) {
	if len(vs) == 0 {
		return "", ""
	}
	for _, v := range vs {
		if len(v.Labels) > 0 {
			tx.exec = tx.exec.WithLabels(v.Labels)
			tx.dirty = true
		}
		exec := tx.exec
		tx.after(func(ctx context.Context) { e.observer.OnSLAViolation(ctx, exec, v) })
	}
	strongest, _ := sla.Strongest(vs)
	return sla.ForcedState(strongest), strongest.Reason
}

// apply records one resolution plan: rendered outputs, ended control
// structures and new task runs.
func (e *Executor) apply(tx *txn, flow *api.Flow, plan *flowable.Plan) error {
	for id, outputs := range plan.Outputs {
		tr, ok := tx.exec.FindTaskRun(id)
		if !ok {
			return fmt.Errorf("%w: %s", api.ErrTaskRunNotFound, id)
		}
		tr = tr.Clone()
		if tr.Outputs == nil {
			tr.Outputs = make(map[string]any, len(outputs))
		}
		maps.Copy(tr.Outputs, outputs)
		tx.setTaskRun(tr)
	}

	for _, c := range plan.Closings {
		tr, ok := tx.exec.FindTaskRun(c.TaskRunID)
		if !ok {
			return fmt.Errorf("%w: %s", api.ErrTaskRunNotFound, c.TaskRunID)
		}
		task, err := flow.FindTask(tr.TaskID)
		if err != nil {
			return err
		}
		state := c.State
		if state == api.StateFailed && task.Common().AllowFailure {
			state = api.StateWarning
		}
		if c.Error != "" {
			tr = tr.WithOutput("error", c.Error)
		}
		closed, err := endTaskRun(tr, state, tx.now)
		if err != nil {
			return err
		}
		tx.setTaskRun(closed)
		e.taskRunEnded(tx, closed)
	}

	for _, next := range plan.Nexts {
		task, err := flow.FindTask(next.TaskID)
		if err != nil {
			return err
		}
		if err := e.startTaskRun(tx, flow, task, next); err != nil {
			return err
		}
	}
	return nil
}

// startTaskRun starts a CREATED, RETRIED or RESTARTED task run according
// to its task kind.
func (e *Executor) startTaskRun(tx *txn, flow *api.Flow, task api.Task, tr api.TaskRun) error {
	switch t := task.(type) {
	case *api.Pause:
		running, err := tr.WithState(api.StateRunning, tx.now)
		if err != nil {
			return err
		}
		tx.setTaskRun(running)
		if tx.exec.State.Current() == api.StateRunning {
			if err := tx.moveExecution(api.StatePaused); err != nil {
				return err
			}
		}
		if t.Delay > 0 {
			tx.delay(api.DelayResume, running.ID, running.Attempt, tx.now.Add(t.Delay))
		}
		return nil
	case *api.Subflow:
		return e.startSubflow(tx, flow, t, tr)
	case *api.Runnable:
		return e.dispatch(tx, flow, t, tr)
	}
	if !api.IsFlowable(task) {
		return fmt.Errorf("task %s has unsupported kind %T", task.TaskID(), task)
	}
	running, err := tr.WithState(api.StateRunning, tx.now)
	if err != nil {
		return err
	}
	tx.setTaskRun(running)
	return nil
}

// dispatch renders the properties of a runnable and sends it to the
// workers. A rendering failure fails the task run without retry.
func (e *Executor) dispatch(tx *txn, flow *api.Flow, r *api.Runnable, tr api.TaskRun) error {
	vars := flowable.Variables(flow, tx.exec, &tr)
	props, err := renderProperties(e.cfg.Renderer, flow.TaskProperties(r), vars)
	if err != nil {
		return e.failStart(tx, r, tr, fmt.Errorf("render properties: %w", err))
	}
	tx.setTaskRun(tr)
	tx.emit(api.TopicWorkerTask, tx.exec.ID, api.WorkerTask{
		TaskRun:    tr,
		Task:       *r,
		Properties: props,
		Variables:  vars,
	})
	exec := tx.exec
	tx.after(func(ctx context.Context) { e.observer.OnTaskRunDispatched(ctx, exec, tr) })
	return nil
}

// failStart ends a task run that could not be started.
func (e *Executor) failStart(tx *txn, task api.Task, tr api.TaskRun, cause error) error {
	state := api.StateFailed
	if task.Common().AllowFailure {
		state = api.StateWarning
	}
	failed, err := tr.WithOutput("error", cause.Error()).WithState(api.StateRunning, tx.now)
	if err != nil {
		return err
	}
	if failed, err = failed.WithState(state, tx.now); err != nil {
		return err
	}
	e.log.Warn("task run failed to start",
		zap.String("execution", tx.exec.ID),
		zap.String("task", tr.TaskID),
		zap.Error(cause),
	)
	tx.setTaskRun(failed)
	e.taskRunEnded(tx, failed)
	return nil
}

func (e *Executor) taskRunEnded(tx *txn, tr api.TaskRun) {
	exec := tx.exec
	tx.after(func(ctx context.Context) { e.observer.OnTaskRunEnd(ctx, exec, tr) })
}

// end terminates the execution with state. Assertion SLAs are evaluated
// first when flow is given and may change the final state.
func (e *Executor) end(tx *txn, flow *api.Flow, state api.StateType) error {
	if flow != nil {
		violations, err := e.slas.EvaluateEnding(flow, tx.exec, state)
		if err != nil {
			return err
		}
		if forced, reason := e.violated(tx, violations); forced != "" {
			state = forced
			if tx.exec.Error == "" {
				tx.exec.Error = reason
			}
		}
	}
	if err := tx.moveExecution(state); err != nil {
		return err
	}
	tx.purge = true

	exec := tx.exec
	tx.emit(api.TopicExecutionTerminated, exec.ID, api.ExecutionTerminated{
		ExecutionID: exec.ID,
		Namespace:   exec.Namespace,
		FlowID:      exec.FlowID,
		State:       state,
	})
	if t := exec.Trigger; t != nil && t.ParentExecutionID != "" && state != api.StateRetried {
		tx.emit(api.TopicSubflowExecutionResult, t.ParentExecutionID, api.SubflowExecutionResult{
			ParentExecutionID: t.ParentExecutionID,
			ParentTaskRunID:   t.ParentTaskRunID,
			ExecutionID:       exec.Metadata.OriginalID,
			State:             state,
			Outputs: map[string]any{
				"executionId": exec.ID,
				"state":       string(state),
			},
		})
	}
	tx.after(func(ctx context.Context) { e.observer.OnExecutionEnd(ctx, exec) })
	return nil
}

// terminate forces the execution to end with state: open task runs are
// killed along with their jobs and child executions.
func (e *Executor) terminate(tx *txn, state api.StateType, reason string) error {
	if tx.exec.Error == "" {
		tx.exec.Error = reason
	}
	e.killChildren(tx)
	for _, tr := range tx.exec.TaskRuns {
		if !tr.State.IsTerminal() {
			tx.setTaskRun(killTaskRun(tr, tx.now))
		}
	}
	tx.killJobs("")
	return e.end(tx, nil, state)
}

// killChildren sends a kill command to the running child executions of
// Subflow task runs.
func (e *Executor) killChildren(tx *txn) {
	for _, tr := range tx.exec.TaskRuns {
		if tr.State.IsTerminal() {
			continue
		}
		child, ok := tr.Outputs["executionId"].(string)
		if !ok || child == "" {
			continue
		}
		tx.emit(api.TopicExecutionCommand, child, api.ExecutionCommand{
			Type:        api.CommandKill,
			ExecutionID: child,
			IssuedAt:    tx.now,
		})
	}
}

// checkKilled ends a KILLING execution once no task run is open anymore.
func (e *Executor) checkKilled(tx *txn) error {
	if tx.exec.State.Current() != api.StateKilling {
		return errSkip
	}
	for _, tr := range tx.exec.TaskRuns {
		if !tr.State.IsTerminal() {
			if tx.empty() {
				return errSkip
			}
			return nil
		}
	}
	return e.end(tx, nil, api.StateKilled)
}
