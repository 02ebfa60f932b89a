package conductor

import (
	"github.com/petrijr/conductor/internal/config"
	"github.com/petrijr/conductor/internal/parser"
	"github.com/petrijr/conductor/pkg/api"
	"github.com/petrijr/conductor/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Flow                 = api.Flow
	Input                = api.Input
	Task                 = api.Task
	Execution            = api.Execution
	ExecutionFilter      = api.ExecutionFilter
	TaskRun              = api.TaskRun
	Label                = api.Label
	StateType            = api.StateType
	RetryPolicy          = api.RetryPolicy
	SLA                  = api.SLA
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// Runner executes the runnable tasks of one type on a worker.
	Runner     = worker.Runner
	RunnerFunc = worker.RunnerFunc
	WorkerTask = worker.Task

	// Config is the configuration read by Open.
	Config = config.Config
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	// ParseFlow decodes a YAML flow definition.
	ParseFlow = parser.Parse
	// ParseFlowFile decodes the YAML flow stored in a file.
	ParseFlowFile = parser.ParseFile
	// MarshalFlow renders a flow as YAML.
	MarshalFlow = parser.Marshal

	// DefaultConfig returns an in-memory, single-process configuration.
	DefaultConfig = config.Default
	// LoadConfig reads a YAML configuration file over the defaults.
	LoadConfig = config.Load
)

// Re-export state values for convenience.

const (
	StateCreated   = api.StateCreated
	StateRunning   = api.StateRunning
	StatePaused    = api.StatePaused
	StateRestarted = api.StateRestarted
	StateRetrying  = api.StateRetrying
	StateRetried   = api.StateRetried
	StateWarning   = api.StateWarning
	StateSuccess   = api.StateSuccess
	StateFailed    = api.StateFailed
	StateKilling   = api.StateKilling
	StateKilled    = api.StateKilled
	StateCancelled = api.StateCancelled
)
