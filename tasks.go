package conductor

import (
	"time"

	"github.com/petrijr/conductor/pkg/api"
	"github.com/petrijr/conductor/pkg/worker"
)

// Built-in runnable task types.
const (
	TypeLog    = worker.TypeLog
	TypeReturn = worker.TypeReturn
	TypeFail   = worker.TypeFail
	TypeSleep  = worker.TypeSleep
)

// Runnable returns a task run by the worker registered for typ. String
// properties may hold {{ }} expressions.
func Runnable(id, typ string, props map[string]any) *api.Runnable {
	return &api.Runnable{TaskBase: api.TaskBase{ID: id, Type: typ}, Properties: props}
}

// LogTask logs message on the worker.
func LogTask(id, message string) *api.Runnable {
	return Runnable(id, TypeLog, map[string]any{"message": message})
}

// ReturnTask outputs value as outputs.<id>.value.
func ReturnTask(id string, value any) *api.Runnable {
	return Runnable(id, TypeReturn, map[string]any{"value": value})
}

// FailTask always fails with message.
func FailTask(id, message string) *api.Runnable {
	return Runnable(id, TypeFail, map[string]any{"message": message})
}

// SleepTask waits for d on the worker.
func SleepTask(id string, d time.Duration) *api.Runnable {
	return Runnable(id, TypeSleep, map[string]any{"duration": d.String()})
}

// Sequential runs tasks one after another.
func Sequential(id string, tasks ...Task) *api.Sequential {
	return &api.Sequential{TaskBase: api.TaskBase{ID: id, Type: api.TypeSequential}, Tasks: tasks}
}

// Parallel starts tasks at once, at most concurrency at a time when
// concurrency > 0.
func Parallel(id string, concurrency int, tasks ...Task) *api.Parallel {
	return &api.Parallel{TaskBase: api.TaskBase{ID: id, Type: api.TypeParallel}, Tasks: tasks, Concurrency: concurrency}
}

// Switch renders value and runs the matching case, or defaults.
func Switch(id, value string, cases map[string][]Task, defaults ...Task) *api.Switch {
	return &api.Switch{TaskBase: api.TaskBase{ID: id, Type: api.TypeSwitch}, Value: value, Cases: cases, Defaults: defaults}
}

// ForEach runs tasks once per element of the rendered values, a JSON array
// or an expression producing one.
func ForEach(id, values string, concurrency int, tasks ...Task) *api.ForEach {
	return &api.ForEach{TaskBase: api.TaskBase{ID: id, Type: api.TypeForEach}, Values: values, Tasks: tasks, Concurrency: concurrency}
}

// Subflow starts the latest revision of namespace/flowID, waits for it and
// fails when it fails.
func Subflow(id, namespace, flowID string, inputs map[string]string) *api.Subflow {
	return &api.Subflow{
		TaskBase:       api.TaskBase{ID: id, Type: api.TypeSubflow},
		Namespace:      namespace,
		FlowID:         flowID,
		Inputs:         inputs,
		Wait:           true,
		TransmitFailed: true,
	}
}

// Pause suspends the execution until it is resumed, or for delay when
// delay > 0.
func Pause(id string, delay time.Duration) *api.Pause {
	return &api.Pause{TaskBase: api.TaskBase{ID: id, Type: api.TypePause}, Delay: delay}
}

// WithRetry sets the retry policy of t and returns it.
func WithRetry[T Task](t T, p RetryPolicy) T {
	t.Common().Retry = p
	return t
}

// WithTimeout bounds each attempt of t.
func WithTimeout[T Task](t T, d time.Duration) T {
	t.Common().Timeout = d
	return t
}

// AllowFailure makes a failure of t end its parent WARNING instead of
// FAILED.
func AllowFailure[T Task](t T) T {
	t.Common().AllowFailure = true
	return t
}
