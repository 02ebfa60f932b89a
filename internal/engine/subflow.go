package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/petrijr/conductor/internal/flowable"
	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
)

// startSubflow requests the child execution of a Subflow task run. The child
// id derives from the task run and its attempt, so a replayed request never
// creates a second child.
func (e *Executor) startSubflow(tx *txn, flow *api.Flow, t *api.Subflow, tr api.TaskRun) error {
	vars := flowable.Variables(flow, tx.exec, &tr)
	inputs, err := renderStrings(e.cfg.Renderer, t.Inputs, vars)
	if err != nil {
		return e.failStart(tx, t, tr, fmt.Errorf("render subflow inputs: %w", err))
	}
	labels, err := renderStrings(e.cfg.Renderer, t.Labels, vars)
	if err != nil {
		return e.failStart(tx, t, tr, fmt.Errorf("render subflow labels: %w", err))
	}

	running, err := tr.WithState(api.StateRunning, tx.now)
	if err != nil {
		return err
	}
	childID := api.ChildExecutionID(tr.ID, tr.Attempt)
	child := api.Execution{
		ID:        childID,
		Tenant:    tx.exec.Tenant,
		Namespace: t.Namespace,
		FlowID:    t.FlowID,
		Inputs:    make(map[string]any, len(inputs)),
		State:     api.NewState(tx.now),
		Trigger: &api.ExecutionTrigger{
			Type:              api.TriggerSubflow,
			ParentExecutionID: tx.exec.ID,
			ParentTaskRunID:   tr.ID,
			ParentNamespace:   tx.exec.Namespace,
			ParentFlowID:      tx.exec.FlowID,
		},
		Metadata: api.ExecutionMetadata{Attempt: 1, OriginalID: childID, OriginalCreated: tx.now},
	}
	for k, v := range inputs {
		child.Inputs[k] = v
	}
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		child.Labels = append(child.Labels, api.Label{Key: k, Value: labels[k]})
	}
	if t.Revision != nil {
		child.FlowRevision = *t.Revision
	}

	running = running.WithOutput("executionId", childID)
	if !t.Wait {
		if running, err = running.WithState(api.StateSuccess, tx.now); err != nil {
			return err
		}
		e.taskRunEnded(tx, running)
	}
	tx.setTaskRun(running)
	tx.emit(api.TopicSubflowExecution, childID, api.SubflowExecutionRequest{Execution: child})
	return nil
}

// onSubflowExecution creates a requested child execution. A request for a
// flow that does not exist, or with invalid inputs, fails the parent task
// run instead.
func (e *Executor) onSubflowExecution(ctx context.Context, msg taskqueue.Message) error {
	req, err := taskqueue.Decode[api.SubflowExecutionRequest](msg)
	if err != nil {
		e.log.Error("drop malformed subflow request", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	child := req.Execution

	if existing, err := e.store.Executions.GetExecution(ctx, child.ID); err == nil {
		// A child saved but never announced still carries its outbox.
		if existing.Outbox != nil && existing.State.Current() == api.StateCreated {
			return e.deliver(ctx, existing.ID, existing.Outbox)
		}
		return nil
	} else if !errors.Is(err, persistence.ErrExecutionNotFound) {
		return err
	}

	var revision *int
	if child.FlowRevision > 0 {
		revision = &child.FlowRevision
	}
	flow, err := e.flows.Get(ctx, child.Namespace, child.FlowID, revision)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowNotFound) {
			return e.rejectChild(ctx, &child, err)
		}
		return err
	}
	if flow.Disabled {
		return e.rejectChild(ctx, &child, fmt.Errorf("flow %s is disabled", flow.UID()))
	}
	inputs, err := resolveInputs(flow, child.Inputs)
	if err != nil {
		return e.rejectChild(ctx, &child, err)
	}
	child.Inputs = inputs
	child.FlowRevision = flow.Revision
	child.Tenant = flow.Tenant

	// The child's first resolution pass flushes this outbox under its lock.
	changed, err := taskqueue.NewMessage(api.TopicExecution, child.ID, api.ExecutionChanged{ExecutionID: child.ID})
	if err != nil {
		return err
	}
	child.Outbox = &api.Outbox{Messages: []api.OutboxMessage{{Topic: changed.Topic, Key: changed.Key, Payload: changed.Payload}}}
	if err := e.store.Executions.SaveExecution(ctx, &child); err != nil {
		return err
	}
	e.log.Info("subflow execution created",
		zap.String("execution", child.ID),
		zap.String("flow", flow.UID()),
		zap.String("parent", child.Trigger.ParentExecutionID),
	)
	return e.deliver(ctx, child.ID, child.Outbox)
}

// rejectChild reports a child that could not be created as FAILED.
func (e *Executor) rejectChild(ctx context.Context, child *api.Execution, cause error) error {
	e.log.Warn("subflow execution rejected", zap.String("execution", child.ID), zap.Error(cause))
	if child.Trigger == nil || child.Trigger.ParentExecutionID == "" {
		return nil
	}
	return e.enqueue(ctx, api.TopicSubflowExecutionResult, child.Trigger.ParentExecutionID, api.SubflowExecutionResult{
		ParentExecutionID: child.Trigger.ParentExecutionID,
		ParentTaskRunID:   child.Trigger.ParentTaskRunID,
		ExecutionID:       child.ID,
		State:             api.StateFailed,
		Outputs:           map[string]any{"error": cause.Error()},
	})
}

func (e *Executor) onSubflowExecutionResult(ctx context.Context, msg taskqueue.Message) error {
	res, err := taskqueue.Decode[api.SubflowExecutionResult](msg)
	if err != nil {
		e.log.Error("drop malformed subflow result", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	return e.update(ctx, res.ParentExecutionID, func(tx *txn) error {
		return e.applySubflowResult(tx, res)
	})
}

// applySubflowResult ends the Subflow task run waiting for a child.
func (e *Executor) applySubflowResult(tx *txn, res api.SubflowExecutionResult) error {
	if tx.exec.IsTerminated() {
		return errSkip
	}
	tr, ok := tx.exec.FindTaskRun(res.ParentTaskRunID)
	if !ok || tr.State.Current() != api.StateRunning {
		return errSkip
	}
	if id, _ := tr.Outputs["executionId"].(string); id != res.ExecutionID {
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
	t, ok := task.(*api.Subflow)
	if !ok {
		return fmt.Errorf("task %s is not a subflow", tr.TaskID)
	}

	out := tr.Clone()
	if out.Outputs == nil {
		out.Outputs = make(map[string]any)
	}
	maps.Copy(out.Outputs, res.Outputs)
	out.Outputs["state"] = string(res.State)

	state := res.State
	switch res.State {
	case api.StateFailed, api.StateCancelled:
		state = api.StateWarning
		if t.TransmitFailed {
			state = api.StateFailed
		}
	case api.StateSuccess, api.StateWarning, api.StateKilled, api.StateSkipped:
	default:
		return fmt.Errorf("subflow %s reported non terminal state %s", res.ExecutionID, res.State)
	}
	if state == api.StateFailed && out.Outputs["error"] == nil {
		out.Outputs["error"] = fmt.Sprintf("subflow execution %s ended %s", res.ExecutionID, res.State)
	}

	if state == api.StateFailed {
		failed, err := out.WithState(api.StateFailed, tx.now)
		if err != nil {
			return err
		}
		if err := e.fail(tx, flow, task, failed); err != nil {
			return err
		}
	} else {
		ended, err := endTaskRun(out, state, tx.now)
		if err != nil {
			return err
		}
		tx.setTaskRun(ended)
		e.taskRunEnded(tx, ended)
	}
	tx.changed()
	return nil
}
