package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/conductor/pkg/api"
)

var (
	// ErrFlowNotFound is returned when no flow matches the lookup.
	ErrFlowNotFound = api.ErrFlowNotFound

	// ErrExecutionNotFound is returned when an execution id is unknown.
	ErrExecutionNotFound = api.ErrExecutionNotFound

	// ErrInvalidTTL is returned by lease operations given a non-positive ttl.
	ErrInvalidTTL = errors.New("ttl must be > 0")
)

// FlowStore handles storage of revisioned flow definitions.
type FlowStore interface {
	// SaveFlow stores a new revision of the flow and returns it with its
	// revision assigned. Saving a source identical to the latest revision
	// returns that revision unchanged.
	SaveFlow(ctx context.Context, flow *api.Flow) (*api.Flow, error)
	// FindFlow returns the requested revision, or the latest when revision
	// is nil.
	FindFlow(ctx context.Context, namespace, id string, revision *int) (*api.Flow, error)
	// FindRevisions returns the known revisions of a flow in ascending order.
	FindRevisions(ctx context.Context, namespace, id string) ([]int, error)
	// ListFlows returns the latest revision of every flow.
	ListFlows(ctx context.Context) ([]*api.Flow, error)
}

// ExecutionStore handles storage of executions.
type ExecutionStore interface {
	// SaveExecution inserts or replaces the execution.
	SaveExecution(ctx context.Context, exec *api.Execution) error
	GetExecution(ctx context.Context, id string) (*api.Execution, error)
	ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error)

	// TryAcquireLease attempts to acquire (or re-acquire) the lease of an
	// execution. If another owner holds an unexpired lease it returns
	// acquired=false, err=nil. A lease owned by the same owner is re-entrant.
	TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends a lease owned by owner. It fails with
	// api.ErrExecutionLocked when owner does not hold the lease.
	RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by owner. It is idempotent.
	ReleaseLease(ctx context.Context, executionID, owner string) error
}

// SLAMonitorStore holds the deadlines of running executions.
type SLAMonitorStore interface {
	SaveMonitor(ctx context.Context, m api.SLAMonitor) error
	// PurgeMonitors removes every monitor of an execution.
	PurgeMonitors(ctx context.Context, executionID string) error
	// ProcessExpiredMonitors calls fn for every monitor whose deadline is not
	// after now and removes it once fn returns nil.
	ProcessExpiredMonitors(ctx context.Context, now time.Time, fn func(api.SLAMonitor) error) error
}

// DelayStore holds future wake-ups of executions.
type DelayStore interface {
	// SaveDelay stores d, replacing a delay with the same execution and key.
	SaveDelay(ctx context.Context, d api.ExecutionDelay) error
	// PurgeDelays removes every delay of an execution.
	PurgeDelays(ctx context.Context, executionID string) error
	// ProcessExpiredDelays calls fn for every delay due at now and removes it
	// once fn returns nil.
	ProcessExpiredDelays(ctx context.Context, now time.Time, fn func(api.ExecutionDelay) error) error
}
