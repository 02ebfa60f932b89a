package conductor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/conductor/internal/config"
)

// LocalRunner runs flows in-process over in-memory stores and queue, with
// an embedded worker. It is meant for development, tests and simple
// single-process deployments; nothing survives a restart.
//
// Typical usage:
//
//	runner, _ := conductor.NewLocalRunner(ctx,
//	    conductor.WithRunner("acme.Charge", chargeRunner))
//	defer runner.Stop()
//
//	flow := conductor.New("company.team", "billing").
//	    Task(conductor.Runnable("charge", "acme.Charge", nil)).
//	    MustBuild()
//	exec, err := runner.Run(ctx, flow, nil)
type LocalRunner struct {
	*Bundle
}

// NewLocalRunner opens and starts an in-memory Bundle. Logs are discarded
// unless WithLogger is given.
func NewLocalRunner(ctx context.Context, opts ...Option) (*LocalRunner, error) {
	cfg := config.Default()
	cfg.Executor.Tick = 100 * time.Millisecond
	b, err := Open(ctx, cfg, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := b.Start(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return &LocalRunner{Bundle: b}, nil
}

// Run deploys flow, executes it with inputs and waits until the execution
// is terminated or ctx is done.
func (r *LocalRunner) Run(ctx context.Context, flow *Flow, inputs map[string]any, labels ...Label) (*Execution, error) {
	saved, err := r.Engine.DeployFlow(ctx, flow)
	if err != nil {
		return nil, err
	}
	exec, err := r.Engine.Execute(ctx, saved.Namespace, saved.ID, inputs, labels...)
	if err != nil {
		return nil, err
	}
	return r.Engine.WaitForTerminal(ctx, exec.ID, 10*time.Millisecond)
}

// Stop stops the worker and the executor.
func (r *LocalRunner) Stop() {
	_ = r.Close()
}
