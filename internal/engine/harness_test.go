package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/conductor/internal/parser"
	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
	"github.com/petrijr/conductor/pkg/worker"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// harness runs an executor and a worker over one queue. Time is
// driven by a fake clock: delays and SLA monitors only fire when a test
// advances it.
type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *clockwork.FakeClock
	store    persistence.Persistence
	queue    taskqueue.Queue
	executor *Executor
	worker   *worker.Worker
	engine   api.Engine
	metrics  *api.BasicMetrics
}

type harnessOption func(*harnessOptions)

type harnessOptions struct {
	store   *persistence.Persistence
	queue   taskqueue.Queue
	runners map[string]worker.Runner
}

func withStore(p persistence.Persistence) harnessOption {
	return func(o *harnessOptions) { o.store = &p }
}

func withQueue(q taskqueue.Queue) harnessOption {
	return func(o *harnessOptions) { o.queue = q }
}

func withRunner(taskType string, r worker.Runner) harnessOption {
	return func(o *harnessOptions) {
		if o.runners == nil {
			o.runners = map[string]worker.Runner{}
		}
		o.runners[taskType] = r
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	var o harnessOptions
	for _, opt := range opts {
		opt(&o)
	}

	h := &harness{
		t:       t,
		clock:   clockwork.NewFakeClockAt(t0),
		metrics: &api.BasicMetrics{},
	}
	h.queue = o.queue
	if h.queue == nil {
		h.queue = taskqueue.NewInMemoryQueue(taskqueue.Config{Partitions: 4, RedeliveryBackoff: time.Millisecond})
	}
	if o.store != nil {
		h.store = *o.store
	} else {
		h.store = persistence.NewInMemoryPersistence()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx

	cfg := Config{
		Persistence: h.store,
		Queue:       h.queue,
		Observer:    h.metrics,
		Clock:       h.clock,
		// Tests fire delays and monitors through tick().
		Tick:        time.Hour,
		KillTimeout: 30 * time.Second,
	}
	ex, err := NewExecutor(cfg)
	require.NoError(t, err)
	require.NoError(t, ex.Start(ctx))
	h.executor = ex

	w, err := worker.New(worker.Config{Queue: h.queue, Concurrency: 8, Clock: h.clock})
	require.NoError(t, err)
	for typ, r := range o.runners {
		w.Register(typ, r)
	}
	require.NoError(t, w.Start(ctx))
	h.worker = w

	eng, err := NewEngine(cfg)
	require.NoError(t, err)
	h.engine = eng

	t.Cleanup(func() {
		w.Stop()
		ex.Stop()
		cancel()
		_ = h.queue.Close()
	})
	return h
}

// deploy parses and deploys a YAML flow.
func (h *harness) deploy(source string) *api.Flow {
	h.t.Helper()
	flow, err := parser.Parse([]byte(source))
	require.NoError(h.t, err)
	saved, err := h.engine.DeployFlow(h.ctx, flow)
	require.NoError(h.t, err)
	return saved
}

func (h *harness) execute(namespace, flowID string, inputs map[string]any) *api.Execution {
	h.t.Helper()
	exec, err := h.engine.Execute(h.ctx, namespace, flowID, inputs)
	require.NoError(h.t, err)
	return exec
}

func (h *harness) get(id string) *api.Execution {
	h.t.Helper()
	exec, err := h.engine.GetExecution(h.ctx, id)
	require.NoError(h.t, err)
	return exec
}

// tick advances the clock by step and fires what became due.
func (h *harness) tick(step time.Duration) {
	h.clock.Advance(step)
	require.NoError(h.t, h.executor.Tick(h.ctx))
}

// await polls the execution until cond holds. A positive step advances the
// clock on every poll.
func (h *harness) await(id string, step time.Duration, cond func(*api.Execution) bool) *api.Execution {
	h.t.Helper()
	var last *api.Execution
	require.Eventually(h.t, func() bool {
		if step > 0 {
			h.clock.Advance(step)
			if err := h.executor.Tick(h.ctx); err != nil {
				return false
			}
		}
		exec, err := h.engine.GetExecution(h.ctx, id)
		if err != nil {
			return false
		}
		last = exec
		return cond(exec)
	}, 10*time.Second, 10*time.Millisecond, "execution %s never reached the expected state", id)
	return last
}

func (h *harness) awaitState(id string, step time.Duration, want api.StateType) *api.Execution {
	h.t.Helper()
	return h.await(id, step, func(e *api.Execution) bool { return e.State.Current() == want })
}

func (h *harness) awaitTaskRun(id, taskID string, want api.StateType) *api.Execution {
	h.t.Helper()
	return h.await(id, 0, func(e *api.Execution) bool {
		for _, tr := range e.TaskRuns {
			if tr.TaskID == taskID && tr.State.Current() == want {
				return true
			}
		}
		return false
	})
}

// taskRuns returns the task runs of taskID in creation order.
func taskRuns(exec *api.Execution, taskID string) []api.TaskRun {
	var out []api.TaskRun
	for _, tr := range exec.TaskRuns {
		if tr.TaskID == taskID {
			out = append(out, tr)
		}
	}
	return out
}

func taskRun(t *testing.T, exec *api.Execution, taskID string) api.TaskRun {
	t.Helper()
	trs := taskRuns(exec, taskID)
	require.Len(t, trs, 1, "task runs of %s", taskID)
	return trs[0]
}

func historyOf(s api.State) []api.StateType {
	out := make([]api.StateType, len(s.Histories))
	for i, h := range s.Histories {
		out[i] = h.State
	}
	return out
}
