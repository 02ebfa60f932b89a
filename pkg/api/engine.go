package api

import (
	"context"
	"time"
)

// Engine is the client-facing API of the orchestration engine. Every method
// that changes an execution only enqueues a request; the executor applies it
// asynchronously.
type Engine interface {
	// DeployFlow validates flow and stores it as a new revision.
	DeployFlow(ctx context.Context, flow *Flow) (*Flow, error)

	// Execute creates an execution of the latest revision of a flow.
	Execute(ctx context.Context, namespace, flowID string, inputs map[string]any, labels ...Label) (*Execution, error)

	// GetExecution looks up an execution by id.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions returns executions matching filter. A zero filter
	// returns everything.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Kill moves a running execution to KILLING and stops its jobs.
	Kill(ctx context.Context, id string) error

	// Restart re-runs the failed task runs of a FAILED execution, optionally
	// against another flow revision.
	Restart(ctx context.Context, id string, revision *int) error

	// Pause suspends a running execution; Resume continues it.
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error

	// WaitForTerminal polls until the execution ended or ctx is done.
	WaitForTerminal(ctx context.Context, id string, every time.Duration) (*Execution, error)
}

// ExecutionFilter selects executions from a store. Empty fields mean "no
// filter" for that field.
type ExecutionFilter struct {
	Namespace string
	FlowID    string
	State     StateType
}

// Matches reports whether exec satisfies the filter.
func (f ExecutionFilter) Matches(exec *Execution) bool {
	if f.Namespace != "" && exec.Namespace != f.Namespace {
		return false
	}
	if f.FlowID != "" && exec.FlowID != f.FlowID {
		return false
	}
	if f.State != "" && exec.State.Current() != f.State {
		return false
	}
	return true
}

// Renderer renders an expression against variables. Implementations must be
// pure: the same expression and variables always render the same string.
type Renderer interface {
	Render(expression string, vars map[string]any) (string, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(expression string, vars map[string]any) (string, error)

func (f RendererFunc) Render(expression string, vars map[string]any) (string, error) {
	return f(expression, vars)
}
