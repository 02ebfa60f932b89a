// Package flowable decides, from a flow and a snapshot of an execution, which
// task runs must be created next, which control-structure task runs have
// ended and when the whole execution has ended.
//
// Resolution is a pure function: it never mutates its inputs, never performs
// I/O and derives task run ids from their position in the run tree, so the
// same (flow, execution, now) always yields the same Plan.
package flowable

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/petrijr/conductor/pkg/api"
)

// Outcome is the kind of a Result.
type Outcome int

const (
	// Wait means nothing can progress until another task run changes.
	Wait Outcome = iota
	// Nexts means new task runs must be created.
	Nexts
	// Ended means the resolved branch reached a terminal state.
	Ended
)

func (o Outcome) String() string {
	switch o {
	case Wait:
		return "WAIT"
	case Nexts:
		return "NEXTS"
	case Ended:
		return "ENDED"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result is the resolution of one task or task list.
type Result struct {
	Outcome Outcome
	// State is set when Outcome is Ended.
	State api.StateType
	// Nexts are new task runs in CREATED state when Outcome is Nexts.
	Nexts []api.TaskRun
	// Outputs must be recorded on the resolved task run (rendered values).
	Outputs map[string]any
	// Error explains a failure produced by resolution itself.
	Error string
}

func ended(s api.StateType) Result { return Result{Outcome: Ended, State: s} }

func waiting() Result { return Result{Outcome: Wait} }

func nexts(trs ...api.TaskRun) Result { return Result{Outcome: Nexts, Nexts: trs} }

// Closing is a control-structure task run that resolution decided to end.
type Closing struct {
	TaskRunID string
	State     api.StateType
	Error     string
}

// Plan is everything one resolution pass decided for one execution.
type Plan struct {
	// Root is the resolution of the flow's root task list.
	Root Result
	// Nexts are all new task runs, root ones included, in creation order.
	Nexts []api.TaskRun
	// Closings are running control-structure task runs that ended.
	Closings []Closing
	// Outputs maps a task run id to outputs to merge into it.
	Outputs map[string]map[string]any
}

// Changed reports whether applying the plan modifies the execution.
func (p *Plan) Changed() bool {
	return len(p.Nexts) > 0 || len(p.Closings) > 0 || len(p.Outputs) > 0
}

// Resolve runs one resolution pass over the whole run tree of exec. Every
// RUNNING control-structure task run is resolved, then the root task list.
func Resolve(flow *api.Flow, exec *api.Execution, renderer api.Renderer, now time.Time) (*Plan, error) {
	rc := newRunContext(flow, exec, renderer, now)
	plan := &Plan{}
	seen := make(map[string]bool)
	addNexts := func(trs []api.TaskRun) {
		for _, tr := range trs {
			if !seen[tr.ID] {
				seen[tr.ID] = true
				plan.Nexts = append(plan.Nexts, tr)
			}
		}
	}

	for _, tr := range exec.TaskRuns {
		if tr.State.Current() != api.StateRunning {
			continue
		}
		task, err := flow.FindTask(tr.TaskID)
		if err != nil {
			return nil, fmt.Errorf("task run %s: %w", tr.ID, err)
		}
		if !api.IsFlowable(task) {
			continue
		}
		res, err := rc.resolveFlowable(task, tr)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", tr.TaskID, err)
		}
		if changed := changedOutputs(tr.Outputs, res.Outputs); len(changed) > 0 {
			if plan.Outputs == nil {
				plan.Outputs = make(map[string]map[string]any)
			}
			plan.Outputs[tr.ID] = changed
		}
		switch res.Outcome {
		case Nexts:
			addNexts(res.Nexts)
		case Ended:
			plan.Closings = append(plan.Closings, Closing{TaskRunID: tr.ID, State: res.State, Error: res.Error})
		}
	}

	plan.Root = rc.root()
	if plan.Root.Outcome == Nexts {
		addNexts(plan.Root.Nexts)
	}
	return plan, nil
}

// ResolveTask resolves a single task bound to its task run. Leaves resolve
// to their own state: Ended when terminal, Wait otherwise.
func ResolveTask(task api.Task, tr api.TaskRun, flow *api.Flow, exec *api.Execution, renderer api.Renderer, now time.Time) (Result, error) {
	if !api.IsFlowable(task) {
		if tr.State.IsTerminal() {
			return ended(tr.State.Current()), nil
		}
		return waiting(), nil
	}
	return newRunContext(flow, exec, renderer, now).resolveFlowable(task, tr)
}

// boundTask is a task placed in the run tree: under a parent task run and,
// for ForEach children, at an iteration.
type boundTask struct {
	task      api.Task
	parentID  string
	value     string
	iteration *int
}

type runContext struct {
	flow     *api.Flow
	exec     *api.Execution
	renderer api.Renderer
	now      time.Time
	byParent map[string][]api.TaskRun
}

func newRunContext(flow *api.Flow, exec *api.Execution, renderer api.Renderer, now time.Time) *runContext {
	byParent := make(map[string][]api.TaskRun)
	for _, tr := range exec.TaskRuns {
		byParent[tr.ParentTaskRunID] = append(byParent[tr.ParentTaskRunID], tr)
	}
	return &runContext{flow: flow, exec: exec, renderer: renderer, now: now, byParent: byParent}
}

func (rc *runContext) root() Result {
	return rc.withErrors(rc.sequence(bind(rc.flow.Tasks, "", "", nil)), bind(rc.flow.Errors, "", "", nil))
}

// bind places tasks under a parent, dropping disabled ones.
func bind(tasks []api.Task, parentID, value string, iteration *int) []boundTask {
	out := make([]boundTask, 0, len(tasks))
	for _, t := range tasks {
		if t.Common().Disabled {
			continue
		}
		out = append(out, boundTask{task: t, parentID: parentID, value: value, iteration: iteration})
	}
	return out
}

func (rc *runContext) find(bt boundTask) (api.TaskRun, bool) {
	for _, tr := range rc.byParent[bt.parentID] {
		if tr.TaskID != bt.task.TaskID() {
			continue
		}
		if !sameIteration(tr.Iteration, bt.iteration) {
			continue
		}
		return tr, true
	}
	return api.TaskRun{}, false
}

func sameIteration(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (rc *runContext) newTaskRun(bt boundTask) api.TaskRun {
	var iteration *int
	if bt.iteration != nil {
		i := *bt.iteration
		iteration = &i
	}
	return api.TaskRun{
		ID:              api.TaskRunID(rc.exec.ID, bt.parentID, bt.task.TaskID(), bt.iteration),
		ExecutionID:     rc.exec.ID,
		Namespace:       rc.exec.Namespace,
		FlowID:          rc.exec.FlowID,
		TaskID:          bt.task.TaskID(),
		ParentTaskRunID: bt.parentID,
		Value:           bt.value,
		Iteration:       iteration,
		Attempt:         1,
		State:           api.NewState(rc.now),
	}
}

// sequence resolves tasks one after another: the next task run is created
// only once the previous one ended without failing.
func (rc *runContext) sequence(tasks []boundTask) Result {
	states := make([]api.StateType, 0, len(tasks))
	for _, bt := range tasks {
		tr, ok := rc.find(bt)
		if !ok {
			return nexts(rc.newTaskRun(bt))
		}
		cur := tr.State.Current()
		if !cur.IsTerminal() {
			return waiting()
		}
		if isFailure(cur) {
			return ended(aggregate([]api.StateType{cur}))
		}
		states = append(states, cur)
	}
	return ended(aggregate(states))
}

// parallel creates every task run at once, bounded by concurrency when > 0,
// and ends when all of them ended.
func (rc *runContext) parallel(tasks []boundTask, concurrency int) Result {
	var (
		pending []boundTask
		states  []api.StateType
		running int
		failed  bool
	)
	for _, bt := range tasks {
		tr, ok := rc.find(bt)
		if !ok {
			pending = append(pending, bt)
			continue
		}
		cur := tr.State.Current()
		if !cur.IsTerminal() {
			running++
			continue
		}
		failed = failed || isFailure(cur)
		states = append(states, cur)
	}

	if !failed && len(pending) > 0 {
		var created []api.TaskRun
		for _, bt := range pending {
			if concurrency > 0 && running+len(created) >= concurrency {
				break
			}
			created = append(created, rc.newTaskRun(bt))
		}
		if len(created) > 0 {
			return nexts(created...)
		}
	}
	if running > 0 || (!failed && len(pending) > 0) {
		return waiting()
	}
	return ended(aggregate(states))
}

// withErrors switches a failed branch to its error tasks. The branch then
// ends with the outcome of the error tasks. Killed branches never run them.
func (rc *runContext) withErrors(res Result, errors []boundTask) Result {
	if len(errors) == 0 || res.Outcome != Ended || res.State != api.StateFailed {
		return res
	}
	out := rc.sequence(errors)
	out.Outputs = res.Outputs
	if out.Error == "" {
		out.Error = res.Error
	}
	return out
}

func isFailure(s api.StateType) bool {
	return s == api.StateFailed || s == api.StateKilled || s == api.StateCancelled
}

// aggregate folds terminal child states: KILLED wins over FAILED, which wins
// over WARNING; anything else is SUCCESS.
func aggregate(states []api.StateType) api.StateType {
	switch {
	case slices.Contains(states, api.StateKilled):
		return api.StateKilled
	case slices.Contains(states, api.StateFailed), slices.Contains(states, api.StateCancelled):
		return api.StateFailed
	case slices.Contains(states, api.StateWarning):
		return api.StateWarning
	}
	return api.StateSuccess
}

// changedOutputs keeps the entries of next that differ from current.
func changedOutputs(current, next map[string]any) map[string]any {
	var out map[string]any
	for k, v := range next {
		if old, ok := current[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = v
	}
	return out
}
