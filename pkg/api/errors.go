package api

import "errors"

var (
	// ErrIllegalTransition is returned when a state change is not allowed by
	// the transition table.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrFlowNotFound is returned when a flow (or a flow revision) does not exist.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrExecutionNotFound is returned when an execution does not exist.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrTaskRunNotFound is returned when a task run id is unknown to an execution.
	ErrTaskRunNotFound = errors.New("task run not found")

	// ErrTaskNotFound is returned when a task id is not declared by a flow.
	ErrTaskNotFound = errors.New("task not found")

	// ErrExecutionLocked is returned when an execution lease is owned by
	// another executor instance.
	ErrExecutionLocked = errors.New("execution is locked by another owner")

	// ErrInvalidFlow wraps every flow definition error.
	ErrInvalidFlow = errors.New("invalid flow")

	// ErrNotRestartable is returned by Restart for executions that did not fail.
	ErrNotRestartable = errors.New("execution is not restartable")
)
