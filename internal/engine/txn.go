package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
)

type outgoing struct {
	topic string
	key   string
	value any
}

// txn collects the effects of applying one message to one execution. Nothing
// leaves the transaction until commit.
type txn struct {
	ctx      context.Context
	now      time.Time
	original *api.Execution
	exec     *api.Execution
	dirty    bool

	flow     *api.Flow
	extra    []*api.Execution
	monitors []api.SLAMonitor
	delays   []api.ExecutionDelay
	purge    bool
	messages []outgoing
	notify   []func(ctx context.Context)
}

func (e *Executor) newTxn(ctx context.Context, exec *api.Execution) *txn {
	tx := &txn{ctx: ctx, now: e.clock.Now(), original: exec}
	tx.reset(exec)
	return tx
}

// reset drops every recorded effect and restarts from base.
func (tx *txn) reset(base *api.Execution) {
	tx.exec = base.Clone()
	tx.dirty = false
	tx.extra = nil
	tx.monitors = nil
	tx.delays = nil
	tx.purge = false
	tx.messages = nil
	tx.notify = nil
}

// setTaskRun replaces the task run with the same id or appends tr.
func (tx *txn) setTaskRun(tr api.TaskRun) {
	tx.dirty = true
	for i := range tx.exec.TaskRuns {
		if tx.exec.TaskRuns[i].ID == tr.ID {
			tx.exec.TaskRuns[i] = tr
			return
		}
	}
	tx.exec.TaskRuns = append(tx.exec.TaskRuns, tr)
}

// moveExecution transitions the execution to t, passing through RUNNING or
// KILLING when the table has no direct edge.
func (tx *txn) moveExecution(t api.StateType) error {
	cur := tx.exec.State.Current()
	if cur == t {
		return nil
	}
	var path []api.StateType
	switch {
	case api.CanTransition(cur, t):
		path = []api.StateType{t}
	case t == api.StateKilled:
		path = []api.StateType{api.StateKilling, t}
	case api.CanTransition(cur, api.StateRunning) && api.CanTransition(api.StateRunning, t):
		path = []api.StateType{api.StateRunning, t}
	default:
		return fmt.Errorf("%w: execution %s %s -> %s", api.ErrIllegalTransition, tx.exec.ID, cur, t)
	}
	state := tx.exec.State
	for _, s := range path {
		next, err := state.Transition(s, tx.now)
		if err != nil {
			return err
		}
		state = next
	}
	tx.exec.State = state
	tx.dirty = true
	return nil
}

func (tx *txn) emit(topic, key string, v any) {
	tx.messages = append(tx.messages, outgoing{topic: topic, key: key, value: v})
}

// changed asks for another resolution pass of the execution.
func (tx *txn) changed() {
	tx.emit(api.TopicExecution, tx.exec.ID, api.ExecutionChanged{ExecutionID: tx.exec.ID})
}

// killJobs broadcasts a kill of the execution jobs, or of one task run.
func (tx *txn) killJobs(taskRunID string) {
	tx.emit(api.TopicWorkerJobKill, tx.exec.ID, api.WorkerJobKill{ExecutionID: tx.exec.ID, TaskRunID: taskRunID})
}

func (tx *txn) delay(kind api.DelayKind, taskRunID string, attempt int, at time.Time) {
	tx.delays = append(tx.delays, api.ExecutionDelay{
		ExecutionID: tx.exec.ID,
		TaskRunID:   taskRunID,
		Kind:        kind,
		Attempt:     attempt,
		Date:        at,
	})
}

func (tx *txn) after(fn func(ctx context.Context)) {
	tx.notify = append(tx.notify, fn)
}

func (tx *txn) empty() bool {
	return !tx.dirty && len(tx.extra) == 0 && len(tx.monitors) == 0 && len(tx.delays) == 0 &&
		!tx.purge && len(tx.messages) == 0 && len(tx.notify) == 0
}

// commit saves the execution together with an outbox of its side effects,
// then delivers the outbox. A failed delivery leaves the outbox stored, and
// the next change of the execution replays it before anything else.
func (e *Executor) commit(ctx context.Context, tx *txn) error {
	if tx.empty() {
		return nil
	}
	outbox, err := tx.outbox()
	if err != nil {
		return err
	}
	if outbox != nil {
		tx.exec.Outbox = outbox
		tx.dirty = true
	}
	if tx.dirty {
		if err := e.store.Executions.SaveExecution(ctx, tx.exec); err != nil {
			return fmt.Errorf("save execution %s: %w", tx.exec.ID, err)
		}
	}
	if outbox != nil {
		if err := e.flush(ctx, tx.exec); err != nil {
			return err
		}
	}
	for _, fn := range tx.notify {
		fn(ctx)
	}
	if tx.dirty {
		e.log.Debug("execution updated",
			zap.String("execution", tx.exec.ID),
			zap.String("state", string(tx.exec.State.Current())),
			zap.Int("task_runs", len(tx.exec.TaskRuns)),
		)
	}
	return nil
}

// outbox encodes the recorded effects, or returns nil when there are none.
func (tx *txn) outbox() (*api.Outbox, error) {
	if len(tx.extra) == 0 && len(tx.monitors) == 0 && len(tx.delays) == 0 && !tx.purge && len(tx.messages) == 0 {
		return nil, nil
	}
	out := &api.Outbox{
		Executions: tx.extra,
		Monitors:   tx.monitors,
		Delays:     tx.delays,
		Purge:      tx.purge,
	}
	for _, m := range tx.messages {
		msg, err := taskqueue.NewMessage(m.topic, m.key, m.value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", m.topic, err)
		}
		out.Messages = append(out.Messages, api.OutboxMessage{Topic: msg.Topic, Key: msg.Key, Payload: msg.Payload})
	}
	return out, nil
}

// flush delivers the outbox of exec and saves exec without it. The caller
// holds the execution lock.
func (e *Executor) flush(ctx context.Context, exec *api.Execution) error {
	if err := e.deliver(ctx, exec.ID, exec.Outbox); err != nil {
		return err
	}
	exec.Outbox = nil
	if err := e.store.Executions.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ID, err)
	}
	return nil
}

// deliver applies the effects of box. Replaying it is harmless.
func (e *Executor) deliver(ctx context.Context, executionID string, box *api.Outbox) error {
	for _, x := range box.Executions {
		_, err := e.store.Executions.GetExecution(ctx, x.ID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, persistence.ErrExecutionNotFound):
			return fmt.Errorf("load execution %s: %w", x.ID, err)
		}
		if err := e.store.Executions.SaveExecution(ctx, x); err != nil {
			return fmt.Errorf("save execution %s: %w", x.ID, err)
		}
	}
	for _, m := range box.Monitors {
		if err := e.store.Monitors.SaveMonitor(ctx, m); err != nil {
			return fmt.Errorf("save sla monitor: %w", err)
		}
	}
	for _, d := range box.Delays {
		if err := e.store.Delays.SaveDelay(ctx, d); err != nil {
			return fmt.Errorf("save delay: %w", err)
		}
	}
	if box.Purge {
		if err := e.store.Monitors.PurgeMonitors(ctx, executionID); err != nil {
			return fmt.Errorf("purge sla monitors: %w", err)
		}
		if err := e.store.Delays.PurgeDelays(ctx, executionID); err != nil {
			return fmt.Errorf("purge delays: %w", err)
		}
	}
	for _, m := range box.Messages {
		msg := taskqueue.Message{Topic: m.Topic, Key: m.Key, Payload: m.Payload}
		if err := e.queue.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("enqueue %s: %w", m.Topic, err)
		}
	}
	return nil
}

// killTaskRun ends a task run KILLED, through KILLING.
func killTaskRun(tr api.TaskRun, now time.Time) api.TaskRun {
	if tr.State.IsTerminal() {
		return tr
	}
	out := tr
	if out.State.Current() != api.StateKilling {
		killing, err := out.WithState(api.StateKilling, now)
		if err != nil {
			return tr
		}
		out = killing
	}
	killed, err := out.WithState(api.StateKilled, now)
	if err != nil {
		return tr
	}
	return killed
}

// endTaskRun moves a running task run to a terminal state.
func endTaskRun(tr api.TaskRun, state api.StateType, now time.Time) (api.TaskRun, error) {
	if state == api.StateKilled {
		return killTaskRun(tr, now), nil
	}
	return tr.WithState(state, now)
}

// replaceLast swaps the last history entry of tr for state, keeping its date.
func replaceLast(tr api.TaskRun, state api.StateType) api.TaskRun {
	out := tr.Clone()
	n := len(out.State.Histories)
	prev := out.State.Histories[:n-1]
	last := out.State.Histories[n-1]
	s, err := api.State{Histories: prev}.Transition(state, last.Date)
	if err != nil {
		return tr
	}
	out.State = s
	return out
}

func errorOf(tr api.TaskRun) string {
	s, _ := tr.Outputs["error"].(string)
	return s
}
