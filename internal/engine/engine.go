package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
)

// engineImpl is the client side of the engine: it validates requests, saves
// new executions and turns every state change into a queued command for the
// executor.
type engineImpl struct {
	store persistence.Persistence
	queue taskqueue.Queue
	clock clockwork.Clock
	log   *zap.Logger
}

var _ api.Engine = (*engineImpl)(nil)

// NewEngine creates an api.Engine over the stores and queue of cfg. The
// executor consuming the queue is started separately.
func NewEngine(cfg Config) (api.Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.Persistence.Flows == nil || cfg.Persistence.Executions == nil {
		return nil, errors.New("engine: flow and execution stores are required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: queue is required")
	}
	return &engineImpl{
		store: cfg.Persistence,
		queue: cfg.Queue,
		clock: cfg.Clock,
		log:   cfg.Logger.Named("engine"),
	}, nil
}

func (e *engineImpl) DeployFlow(ctx context.Context, flow *api.Flow) (*api.Flow, error) {
	if flow == nil {
		return nil, fmt.Errorf("%w: flow is nil", api.ErrInvalidFlow)
	}
	saved, err := e.store.Flows.SaveFlow(ctx, flow)
	if err != nil {
		return nil, err
	}
	e.log.Info("flow deployed", zap.String("flow", saved.UID()), zap.Int("revision", saved.Revision))
	return saved, nil
}

func (e *engineImpl) Execute(ctx context.Context, namespace, flowID string, inputs map[string]any, labels ...api.Label) (*api.Execution, error) {
	flow, err := e.store.Flows.FindFlow(ctx, namespace, flowID, nil)
	if err != nil {
		return nil, err
	}
	if flow.Disabled {
		return nil, fmt.Errorf("flow %s is disabled", flow.UID())
	}
	resolved, err := resolveInputs(flow, inputs)
	if err != nil {
		return nil, err
	}

	all := make([]api.Label, 0, len(flow.Labels)+len(labels))
	for _, k := range slices.Sorted(maps.Keys(flow.Labels)) {
		all = append(all, api.Label{Key: k, Value: flow.Labels[k]})
	}
	exec := api.NewExecution(flow, resolved, all, e.clock.Now())
	if len(labels) > 0 {
		extra := make(map[string]string, len(labels))
		for _, l := range labels {
			extra[l.Key] = l.Value
		}
		exec = exec.WithLabels(extra)
	}

	if err := e.store.Executions.SaveExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.send(ctx, api.TopicExecution, exec.ID, api.ExecutionChanged{ExecutionID: exec.ID}); err != nil {
		return nil, err
	}
	e.log.Info("execution created",
		zap.String("execution", exec.ID),
		zap.String("flow", flow.UID()),
		zap.Int("revision", flow.Revision),
	)
	return exec, nil
}

func (e *engineImpl) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	return e.store.Executions.GetExecution(ctx, id)
}

func (e *engineImpl) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	return e.store.Executions.ListExecutions(ctx, filter)
}

func (e *engineImpl) Kill(ctx context.Context, id string) error {
	return e.command(ctx, id, api.ExecutionCommand{Type: api.CommandKill})
}

func (e *engineImpl) Pause(ctx context.Context, id string) error {
	return e.command(ctx, id, api.ExecutionCommand{Type: api.CommandPause})
}

func (e *engineImpl) Resume(ctx context.Context, id string) error {
	return e.command(ctx, id, api.ExecutionCommand{Type: api.CommandResume})
}

// Restart checks up front that the execution failed and that the requested
// revision exists, so that callers get an error instead of an ignored
// command.
func (e *engineImpl) Restart(ctx context.Context, id string, revision *int) error {
	exec, err := e.store.Executions.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.State.Current() != api.StateFailed {
		return fmt.Errorf("%w: %s is %s", api.ErrNotRestartable, id, exec.State.Current())
	}
	if revision != nil {
		if _, err := e.store.Flows.FindFlow(ctx, exec.Namespace, exec.FlowID, revision); err != nil {
			return err
		}
	}
	return e.command(ctx, id, api.ExecutionCommand{Type: api.CommandRestart, Revision: revision})
}

func (e *engineImpl) WaitForTerminal(ctx context.Context, id string, every time.Duration) (*api.Execution, error) {
	if every <= 0 {
		every = 50 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		exec, err := e.store.Executions.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.IsTerminated() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *engineImpl) command(ctx context.Context, id string, cmd api.ExecutionCommand) error {
	if _, err := e.store.Executions.GetExecution(ctx, id); err != nil {
		return err
	}
	cmd.ExecutionID = id
	cmd.IssuedAt = e.clock.Now()
	return e.send(ctx, api.TopicExecutionCommand, id, cmd)
}

func (e *engineImpl) send(ctx context.Context, topic, key string, v any) error {
	msg, err := taskqueue.NewMessage(topic, key, v)
	if err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, msg)
}

// ErrMissingInput is returned when a required input has no value and no
// default.
var ErrMissingInput = errors.New("missing required input")

// resolveInputs applies input defaults and checks required inputs. Inputs
// the flow does not declare are kept.
func resolveInputs(flow *api.Flow, given map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(given)+len(flow.Inputs))
	maps.Copy(out, given)
	var errs *multierror.Error
	for _, in := range flow.Inputs {
		if _, ok := out[in.ID]; ok {
			continue
		}
		if in.Default != nil {
			out[in.ID] = in.Default
			continue
		}
		if in.Required {
			errs = multierror.Append(errs, fmt.Errorf("%w: %s", ErrMissingInput, in.ID))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}
