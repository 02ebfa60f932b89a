package api

import "time"

// Task type identifiers for the built-in control structures.
const (
	TypePrefixFlow = "io.conductor.flow."

	TypeSequential = "io.conductor.flow.Sequential"
	TypeParallel   = "io.conductor.flow.Parallel"
	TypeSwitch     = "io.conductor.flow.Switch"
	TypeForEach    = "io.conductor.flow.ForEach"
	TypeSubflow    = "io.conductor.flow.Subflow"
	TypePause      = "io.conductor.flow.Pause"
)

// Task is a node of a flow. Concrete variants are *Runnable, *Sequential,
// *Parallel, *Switch, *ForEach, *Subflow and *Pause.
type Task interface {
	TaskID() string
	TaskType() string
	Common() *TaskBase
}

// HasChildren is implemented by tasks that own child tasks.
type HasChildren interface {
	Task
	// ChildTasks returns every child task, across all branches.
	ChildTasks() []Task
}

// HasErrorTasks is implemented by tasks with an error-handler list.
type HasErrorTasks interface {
	Task
	ErrorTasks() []Task
}

// HasRetry is implemented by tasks that may carry a retry policy.
type HasRetry interface {
	Task
	RetryPolicy() RetryPolicy
}

// TaskBase holds the attributes common to every task.
type TaskBase struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Description  string        `json:"description,omitempty"`
	Retry        RetryPolicy   `json:"-"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	AllowFailure bool          `json:"allowFailure,omitempty"`
	Disabled     bool          `json:"disabled,omitempty"`
}

func (b *TaskBase) TaskID() string           { return b.ID }
func (b *TaskBase) TaskType() string         { return b.Type }
func (b *TaskBase) Common() *TaskBase        { return b }
func (b *TaskBase) RetryPolicy() RetryPolicy { return b.Retry }

// Runnable is a leaf task executed by a worker.
type Runnable struct {
	TaskBase
	Properties map[string]any `json:"properties,omitempty"`
}

// Sequential runs its children one after another.
type Sequential struct {
	TaskBase
	Tasks  []Task
	Errors []Task
}

func (s *Sequential) ChildTasks() []Task { return s.Tasks }
func (s *Sequential) ErrorTasks() []Task { return s.Errors }

// Parallel starts its children at once, optionally bounded by Concurrency.
type Parallel struct {
	TaskBase
	Tasks  []Task
	Errors []Task
	// Concurrency is the maximum number of running children; 0 means unlimited.
	Concurrency int
}

func (p *Parallel) ChildTasks() []Task { return p.Tasks }
func (p *Parallel) ErrorTasks() []Task { return p.Errors }

// Switch renders Value once and runs the matching case sequentially.
type Switch struct {
	TaskBase
	Value    string
	Cases    map[string][]Task
	Defaults []Task
	Errors   []Task
}

func (s *Switch) ChildTasks() []Task {
	var out []Task
	for _, k := range sortedKeys(s.Cases) {
		out = append(out, s.Cases[k]...)
	}
	return append(out, s.Defaults...)
}

func (s *Switch) ErrorTasks() []Task { return s.Errors }

// ForEach runs Tasks once per element of the rendered Values array.
type ForEach struct {
	TaskBase
	Values string
	Tasks  []Task
	Errors []Task
	// Concurrency is the maximum number of concurrent iterations; 0 means
	// unlimited and 1 runs iterations one at a time.
	Concurrency int
}

func (f *ForEach) ChildTasks() []Task { return f.Tasks }
func (f *ForEach) ErrorTasks() []Task { return f.Errors }

// Subflow starts a child execution of another flow.
type Subflow struct {
	TaskBase
	Namespace string
	FlowID    string
	// Revision pins the child flow revision; nil means latest.
	Revision *int
	Inputs   map[string]string
	Labels   map[string]string
	// Wait makes the task end with the child execution; otherwise the task
	// succeeds as soon as the child is requested.
	Wait bool
	// TransmitFailed propagates a failed child as a failed task run;
	// otherwise a failed child ends the task WARNING.
	TransmitFailed bool
}

// Pause suspends the execution until it is resumed or Delay elapses.
type Pause struct {
	TaskBase
	Delay time.Duration
}

// IsFlowable reports whether t is resolved by the executor rather than
// dispatched to a worker.
func IsFlowable(t Task) bool {
	_, ok := t.(HasChildren)
	return ok
}

// WalkTasks visits every task of the list depth-first, including error
// lists, stopping early when fn returns false.
func WalkTasks(tasks []Task, fn func(Task) bool) bool {
	for _, t := range tasks {
		if !fn(t) {
			return false
		}
		if p, ok := t.(HasChildren); ok {
			if !WalkTasks(p.ChildTasks(), fn) {
				return false
			}
		}
		if p, ok := t.(HasErrorTasks); ok {
			if !WalkTasks(p.ErrorTasks(), fn) {
				return false
			}
		}
	}
	return true
}
