package api

import "time"

// Queue topics exchanged between the executor, workers and clients. Every
// message is keyed by the execution id it concerns.
const (
	TopicExecution              = "execution"
	TopicWorkerTask             = "worker-task"
	TopicWorkerTaskResult       = "worker-task-result"
	TopicWorkerJobKill          = "worker-job-kill"
	TopicSubflowExecution       = "subflow-execution"
	TopicSubflowExecutionResult = "subflow-execution-result"
	TopicExecutionCommand       = "execution-command"
	TopicExecutionTerminated    = "execution-terminated"
)

// ExecutionChanged asks the executor to run a resolution pass.
type ExecutionChanged struct {
	ExecutionID string `json:"executionId"`
}

// WorkerTask asks a worker to run one attempt of a runnable task.
type WorkerTask struct {
	TaskRun    TaskRun        `json:"taskRun"`
	Task       Runnable       `json:"task"`
	Properties map[string]any `json:"properties,omitempty"`
	// Variables is the rendering context of the task run.
	Variables map[string]any `json:"variables,omitempty"`
}

// WorkerTaskResult reports the state of a task run as seen by a worker.
type WorkerTaskResult struct {
	TaskRun TaskRun `json:"taskRun"`
}

// WorkerJobKill tells workers to kill the jobs of an execution, or only of
// one task run when TaskRunID is set.
type WorkerJobKill struct {
	ExecutionID string `json:"executionId"`
	TaskRunID   string `json:"taskRunId,omitempty"`
}

// SubflowExecutionRequest asks the executor to create a child execution.
type SubflowExecutionRequest struct {
	Execution Execution `json:"execution"`
}

// SubflowExecutionResult reports the end of a child execution to the parent.
type SubflowExecutionResult struct {
	ParentExecutionID string         `json:"parentExecutionId"`
	ParentTaskRunID   string         `json:"parentTaskRunId"`
	ExecutionID       string         `json:"executionId"`
	State             StateType      `json:"state"`
	Outputs           map[string]any `json:"outputs,omitempty"`
}

// CommandType is the kind of an ExecutionCommand.
type CommandType string

const (
	CommandKill    CommandType = "KILL"
	CommandRestart CommandType = "RESTART"
	CommandPause   CommandType = "PAUSE"
	CommandResume  CommandType = "RESUME"
	// CommandDelay is emitted by the tick loop when an ExecutionDelay is due.
	CommandDelay CommandType = "DELAY"
	// CommandSLA is emitted by the tick loop when an SLAMonitor expired.
	CommandSLA CommandType = "SLA"
)

// ExecutionCommand is a state change requested from outside the resolution
// loop, applied by the single writer of the execution.
type ExecutionCommand struct {
	Type        CommandType     `json:"type"`
	ExecutionID string          `json:"executionId"`
	Revision    *int            `json:"revision,omitempty"`
	Delay       *ExecutionDelay `json:"delay,omitempty"`
	Monitor     *SLAMonitor     `json:"monitor,omitempty"`
	IssuedAt    time.Time       `json:"issuedAt"`
}

// ExecutionTerminated notifies listeners that an execution ended.
type ExecutionTerminated struct {
	ExecutionID string    `json:"executionId"`
	Namespace   string    `json:"namespace"`
	FlowID      string    `json:"flowId"`
	State       StateType `json:"state"`
}
