package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/petrijr/conductor/internal/parser"
)

// Built-in task types.
const (
	TypeLog    = "io.conductor.core.Log"
	TypeReturn = "io.conductor.core.Return"
	TypeFail   = "io.conductor.core.Fail"
	TypeSleep  = "io.conductor.core.Sleep"
)

func builtins(clock clockwork.Clock) map[string]Runner {
	return map[string]Runner{
		TypeLog:    RunnerFunc(runLog),
		TypeReturn: RunnerFunc(runReturn),
		TypeFail:   RunnerFunc(runFail),
		TypeSleep:  sleepRunner{clock: clock},
	}
}

// runLog logs the "message" property at the "level" property (info).
func runLog(_ context.Context, t *Task) (map[string]any, error) {
	msg := fmt.Sprint(t.Properties["message"])
	fields := []zap.Field{zap.String("task_run", t.TaskRun.ID)}
	switch t.Properties["level"] {
	case "debug":
		t.Logger.Debug(msg, fields...)
	case "warn":
		t.Logger.Warn(msg, fields...)
	case "error":
		t.Logger.Error(msg, fields...)
	default:
		t.Logger.Info(msg, fields...)
	}
	return nil, nil
}

// runReturn outputs its "value" property.
func runReturn(_ context.Context, t *Task) (map[string]any, error) {
	return map[string]any{"value": t.Properties["value"]}, nil
}

// runFail fails with its "message" property.
func runFail(_ context.Context, t *Task) (map[string]any, error) {
	msg, _ := t.Properties["message"].(string)
	if msg == "" {
		msg = "task failed"
	}
	return nil, errors.New(msg)
}

// sleepRunner waits for its "duration" property, or until the job is
// killed.
type sleepRunner struct {
	clock clockwork.Clock
}

func (s sleepRunner) Run(ctx context.Context, t *Task) (map[string]any, error) {
	raw := fmt.Sprint(t.Properties["duration"])
	d, err := parser.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("duration: %w", err)
	}
	start := s.clock.Now()
	select {
	case <-s.clock.After(d):
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	return map[string]any{"slept": s.clock.Since(start).Round(time.Millisecond).String()}, nil
}
