package api

import (
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// taskRunNamespace seeds the deterministic task run ids.
var taskRunNamespace = uuid.MustParse("6f1c2a8e-4b7d-5e3f-9a10-2c4d6e8f0a1b")

// NewExecutionID returns a random execution id.
func NewExecutionID() string {
	return uuid.NewString()
}

// TaskRunID derives the id of a task run from its position in the run tree,
// so that resolving the same execution twice yields identical ids.
func TaskRunID(executionID, parentTaskRunID, taskID string, iteration *int) string {
	key := executionID + "|" + parentTaskRunID + "|" + taskID
	if iteration != nil {
		key += "|" + strconv.Itoa(*iteration)
	}
	return uuid.NewSHA1(taskRunNamespace, []byte(key)).String()
}

// ChildExecutionID derives the id of the execution started by a Subflow task
// run attempt.
func ChildExecutionID(parentTaskRunID string, attempt int) string {
	return uuid.NewSHA1(taskRunNamespace, []byte("subflow|"+parentTaskRunID+"|"+strconv.Itoa(attempt))).String()
}

// RetryExecutionID derives the id of the execution created by a
// CREATE_NEW_EXECUTION retry.
func RetryExecutionID(originalID string, attempt int) string {
	return uuid.NewSHA1(taskRunNamespace, []byte("retry|"+originalID+"|"+strconv.Itoa(attempt))).String()
}

// TaskRunAttempt is the record of a finished attempt.
type TaskRunAttempt struct {
	Attempt int    `json:"attempt"`
	State   State  `json:"state"`
	Error   string `json:"error,omitempty"`
}

// TaskRun is one execution of one task within an execution.
type TaskRun struct {
	ID              string           `json:"id"`
	ExecutionID     string           `json:"executionId"`
	Namespace       string           `json:"namespace"`
	FlowID          string           `json:"flowId"`
	TaskID          string           `json:"taskId"`
	ParentTaskRunID string           `json:"parentTaskRunId,omitempty"`
	Value           string           `json:"value,omitempty"`
	Iteration       *int             `json:"iteration,omitempty"`
	Attempt         int              `json:"attempt"`
	Attempts        []TaskRunAttempt `json:"attempts,omitempty"`
	Outputs         map[string]any   `json:"outputs,omitempty"`
	State           State            `json:"state"`
}

// Clone returns a deep copy of the task run. Output values are copied
// shallowly.
func (tr TaskRun) Clone() TaskRun {
	out := tr
	out.State = tr.State.Clone()
	if tr.Iteration != nil {
		i := *tr.Iteration
		out.Iteration = &i
	}
	if tr.Attempts != nil {
		out.Attempts = make([]TaskRunAttempt, len(tr.Attempts))
		for i, a := range tr.Attempts {
			a.State = a.State.Clone()
			out.Attempts[i] = a
		}
	}
	if tr.Outputs != nil {
		out.Outputs = maps.Clone(tr.Outputs)
	}
	return out
}

// WithState returns a copy of the task run moved to t.
func (tr TaskRun) WithState(t StateType, now time.Time) (TaskRun, error) {
	s, err := tr.State.Transition(t, now)
	if err != nil {
		return tr, err
	}
	out := tr.Clone()
	out.State = s
	return out, nil
}

// WithOutput returns a copy of the task run with key set in its outputs.
func (tr TaskRun) WithOutput(key string, value any) TaskRun {
	out := tr.Clone()
	if out.Outputs == nil {
		out.Outputs = make(map[string]any)
	}
	out.Outputs[key] = value
	return out
}

// IsTaskRunJoinable reports whether an incoming report about a task run may
// be merged over the stored one: it must describe the same attempt, start
// with the stored history and extend it with legal transitions only.
func IsTaskRunJoinable(existing, incoming TaskRun) bool {
	if existing.ID != incoming.ID {
		return false
	}
	if existing.Attempt != incoming.Attempt {
		return false
	}
	if existing.State.IsTerminal() {
		return false
	}
	have, got := existing.State.Histories, incoming.State.Histories
	if len(got) <= len(have) {
		return false
	}
	for i, h := range have {
		if got[i].State != h.State {
			return false
		}
	}
	return incoming.State.IsLegal()
}

// Label is a key/value tag on an execution.
type Label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ExecutionTrigger links an execution to what started it.
type ExecutionTrigger struct {
	Type              string `json:"type"`
	ParentExecutionID string `json:"parentExecutionId,omitempty"`
	ParentTaskRunID   string `json:"parentTaskRunId,omitempty"`
	ParentNamespace   string `json:"parentNamespace,omitempty"`
	ParentFlowID      string `json:"parentFlowId,omitempty"`
}

// Trigger types.
const (
	TriggerManual  = "manual"
	TriggerSubflow = "subflow"
	TriggerRetry   = "retry"
)

// ExecutionMetadata tracks CREATE_NEW_EXECUTION retries.
type ExecutionMetadata struct {
	Attempt         int       `json:"attempt"`
	OriginalID      string    `json:"originalId,omitempty"`
	OriginalCreated time.Time `json:"originalCreated"`
}

// Execution is one run of one flow revision.
type Execution struct {
	ID           string            `json:"id"`
	Tenant       string            `json:"tenant,omitempty"`
	Namespace    string            `json:"namespace"`
	FlowID       string            `json:"flowId"`
	FlowRevision int               `json:"flowRevision"`
	Inputs       map[string]any    `json:"inputs,omitempty"`
	Labels       []Label           `json:"labels,omitempty"`
	TaskRuns     []TaskRun         `json:"taskRuns,omitempty"`
	State        State             `json:"state"`
	Trigger      *ExecutionTrigger `json:"trigger,omitempty"`
	Metadata     ExecutionMetadata `json:"metadata"`
	// Error is a diagnostic set when the engine forces the execution to fail.
	Error string `json:"error,omitempty"`
	// Outbox holds the effects of the last change that may not have been
	// delivered yet.
	Outbox *Outbox `json:"outbox,omitempty"`
	// ArchivedTaskRuns are error branch task runs superseded by a restart,
	// oldest first. Resolution only looks at TaskRuns.
	ArchivedTaskRuns []TaskRun `json:"archivedTaskRuns,omitempty"`
}

// Outbox is saved with the execution change that produced it and replayed
// until delivered. Every effect is idempotent: stores upsert by key and
// consumers tolerate duplicate messages.
type Outbox struct {
	// Executions are created only if they do not exist yet.
	Executions []*Execution     `json:"executions,omitempty"`
	Monitors   []SLAMonitor     `json:"monitors,omitempty"`
	Delays     []ExecutionDelay `json:"delays,omitempty"`
	Purge      bool             `json:"purge,omitempty"`
	Messages   []OutboxMessage  `json:"messages,omitempty"`
}

// OutboxMessage is an encoded queue message waiting to be enqueued.
type OutboxMessage struct {
	Topic   string `json:"topic"`
	Key     string `json:"key"`
	Payload []byte `json:"payload"`
}

// NewExecution creates a CREATED execution of flow.
func NewExecution(flow *Flow, inputs map[string]any, labels []Label, now time.Time) *Execution {
	id := NewExecutionID()
	return &Execution{
		ID:           id,
		Tenant:       flow.Tenant,
		Namespace:    flow.Namespace,
		FlowID:       flow.ID,
		FlowRevision: flow.Revision,
		Inputs:       inputs,
		Labels:       labels,
		State:        NewState(now),
		Trigger:      &ExecutionTrigger{Type: TriggerManual},
		Metadata:     ExecutionMetadata{Attempt: 1, OriginalID: id, OriginalCreated: now},
	}
}

// Clone returns a deep copy of the execution structure.
func (e *Execution) Clone() *Execution {
	out := *e
	out.State = e.State.Clone()
	if e.Inputs != nil {
		out.Inputs = maps.Clone(e.Inputs)
	}
	if e.Labels != nil {
		out.Labels = append([]Label(nil), e.Labels...)
	}
	out.TaskRuns = make([]TaskRun, len(e.TaskRuns))
	for i, tr := range e.TaskRuns {
		out.TaskRuns[i] = tr.Clone()
	}
	if e.ArchivedTaskRuns != nil {
		out.ArchivedTaskRuns = make([]TaskRun, len(e.ArchivedTaskRuns))
		for i, tr := range e.ArchivedTaskRuns {
			out.ArchivedTaskRuns[i] = tr.Clone()
		}
	}
	if e.Trigger != nil {
		t := *e.Trigger
		out.Trigger = &t
	}
	return &out
}

// IsTerminated reports whether the execution will not advance anymore. An
// execution replaced by a CREATE_NEW_EXECUTION retry ends RETRIED.
func (e *Execution) IsTerminated() bool {
	c := e.State.Current()
	return c.IsTerminal() || c == StateRetried
}

// FindTaskRun returns the task run with the given id.
func (e *Execution) FindTaskRun(id string) (TaskRun, bool) {
	for _, tr := range e.TaskRuns {
		if tr.ID == id {
			return tr, true
		}
	}
	return TaskRun{}, false
}

// ChildTaskRuns returns the task runs whose parent is parentID, in creation
// order.
func (e *Execution) ChildTaskRuns(parentID string) []TaskRun {
	var out []TaskRun
	for _, tr := range e.TaskRuns {
		if tr.ParentTaskRunID == parentID {
			out = append(out, tr)
		}
	}
	return out
}

// WithTaskRun replaces (by id) or appends tr.
func (e *Execution) WithTaskRun(tr TaskRun) *Execution {
	out := e.Clone()
	for i := range out.TaskRuns {
		if out.TaskRuns[i].ID == tr.ID {
			out.TaskRuns[i] = tr
			return out
		}
	}
	out.TaskRuns = append(out.TaskRuns, tr)
	return out
}

// WithState returns a copy of the execution moved to t.
func (e *Execution) WithState(t StateType, now time.Time) (*Execution, error) {
	s, err := e.State.Transition(t, now)
	if err != nil {
		return e, err
	}
	out := e.Clone()
	out.State = s
	return out, nil
}

// Label returns the value of the label key.
func (e *Execution) Label(key string) (string, bool) {
	for _, l := range e.Labels {
		if l.Key == key {
			return l.Value, true
		}
	}
	return "", false
}

// WithLabels returns a copy with labels merged in, overriding equal keys.
func (e *Execution) WithLabels(labels map[string]string) *Execution {
	out := e.Clone()
	for _, k := range sortedKeys(labels) {
		replaced := false
		for i := range out.Labels {
			if out.Labels[i].Key == k {
				out.Labels[i].Value = labels[k]
				replaced = true
			}
		}
		if !replaced {
			out.Labels = append(out.Labels, Label{Key: k, Value: labels[k]})
		}
	}
	return out
}

// DelayKind identifies why an execution must be woken up later.
type DelayKind string

const (
	DelayRetry       DelayKind = "RETRY"
	DelayResume      DelayKind = "RESUME"
	DelayTaskTimeout DelayKind = "TASK_TIMEOUT"
	DelayKillTimeout DelayKind = "KILL_TIMEOUT"
)

// ExecutionDelay is a durable wake-up request for one execution.
type ExecutionDelay struct {
	ExecutionID string    `json:"executionId"`
	TaskRunID   string    `json:"taskRunId,omitempty"`
	Kind        DelayKind `json:"kind"`
	Attempt     int       `json:"attempt"`
	Date        time.Time `json:"date"`
}

// Key identifies the delay within its execution.
func (d ExecutionDelay) Key() string {
	return string(d.Kind) + ":" + d.TaskRunID + ":" + strconv.Itoa(d.Attempt)
}
