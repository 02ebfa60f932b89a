package worker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
)

// Task is what a Runner receives for one attempt of a task run.
type Task struct {
	TaskRun    api.TaskRun
	Type       string
	Properties map[string]any
	Variables  map[string]any
	Logger     *zap.Logger
}

// Runner executes the runnable tasks of one type. Outputs are merged into
// the task run; an error fails the attempt.
type Runner interface {
	Run(ctx context.Context, task *Task) (map[string]any, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task *Task) (map[string]any, error)

func (f RunnerFunc) Run(ctx context.Context, task *Task) (map[string]any, error) {
	return f(ctx, task)
}

var (
	errKilled  = errors.New("job killed")
	errStopped = errors.New("worker stopped")
)

// Config describes how to construct a Worker.
type Config struct {
	Queue taskqueue.Queue

	// Concurrency bounds the jobs running at once. Defaults to GOMAXPROCS.
	Concurrency int

	// Group is the consumer group of worker tasks, shared by every worker.
	Group string

	// ID names this worker. Each worker consumes job kills in its own group
	// so that every worker sees every kill.
	ID string

	// KilledRetention is how long the executions killed while no job of
	// theirs ran here are remembered, so that late tasks are skipped.
	KilledRetention time.Duration

	Clock  clockwork.Clock
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = runtime.GOMAXPROCS(0)
	}
	if c.Group == "" {
		c.Group = "worker"
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.KilledRetention <= 0 {
		c.KilledRetention = time.Hour
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Worker runs the tasks the executor dispatches and reports their state
// back as WorkerTaskResult messages.
type Worker struct {
	cfg     Config
	queue   taskqueue.Queue
	clock   clockwork.Clock
	log     *zap.Logger
	pool    *ants.Pool
	runners map[string]Runner

	mu      sync.Mutex
	jobs    map[string]*Job
	killed  map[string]time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Worker with the built-in runners registered.
func New(cfg Config) (*Worker, error) {
	cfg = cfg.withDefaults()
	if cfg.Queue == nil {
		return nil, errors.New("worker: queue is required")
	}
	log := cfg.Logger.Named("worker").With(zap.String("worker", cfg.ID))
	pool, err := ants.NewPool(cfg.Concurrency, ants.WithPanicHandler(func(p any) {
		log.Error("job goroutine panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("worker pool: %w", err)
	}
	w := &Worker{
		cfg:     cfg,
		queue:   cfg.Queue,
		clock:   cfg.Clock,
		log:     log,
		pool:    pool,
		runners: make(map[string]Runner),
		jobs:    make(map[string]*Job),
		killed:  make(map[string]time.Time),
	}
	for typ, r := range builtins(cfg.Clock) {
		w.runners[typ] = r
	}
	return w, nil
}

// Register binds a runner to a task type, replacing any previous one. It
// must be called before Start.
func (w *Worker) Register(taskType string, r Runner) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runners[taskType] = r
}

// Types returns the registered task types.
func (w *Worker) Types() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.runners))
	for typ := range maps.Keys(w.runners) {
		out = append(out, typ)
	}
	return out
}

func (w *Worker) killGroup() string {
	return w.cfg.Group + "-kill-" + w.cfg.ID
}

// Start registers the consumer groups and consumes in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("worker already started")
	}
	if err := w.queue.Register(ctx, api.TopicWorkerTask, w.cfg.Group); err != nil {
		return fmt.Errorf("register %s: %w", api.TopicWorkerTask, err)
	}
	if err := w.queue.Register(ctx, api.TopicWorkerJobKill, w.killGroup()); err != nil {
		return fmt.Errorf("register %s: %w", api.TopicWorkerJobKill, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	consume := func(topic, group string, h taskqueue.Handler) {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.queue.Consume(ctx, topic, group, h); err != nil && ctx.Err() == nil {
				w.log.Error("consumer stopped", zap.String("topic", topic), zap.Error(err))
			}
		}()
	}
	consume(api.TopicWorkerTask, w.cfg.Group, w.onTask)
	consume(api.TopicWorkerJobKill, w.killGroup(), w.onKill)

	w.cancel = cancel
	w.running = true
	w.log.Info("worker started", zap.Int("concurrency", w.cfg.Concurrency))
	return nil
}

// Stop stops consuming, stops the running jobs (they report FAILED) and
// waits for them.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	jobs := make([]*Job, 0, len(w.jobs))
	for _, j := range w.jobs {
		jobs = append(jobs, j)
	}
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	for _, j := range jobs {
		j.Stop()
		<-j.Done()
	}
	w.pool.Release()
	w.log.Info("worker stopped")
}

// Running returns the number of jobs in progress.
func (w *Worker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs)
}

func (w *Worker) onTask(ctx context.Context, msg taskqueue.Message) error {
	wt, err := taskqueue.Decode[api.WorkerTask](msg)
	if err != nil {
		w.log.Error("drop malformed worker task", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	if w.wasKilled(wt.TaskRun.ExecutionID) {
		w.log.Debug("skip task of killed execution",
			zap.String("execution", wt.TaskRun.ExecutionID),
			zap.String("task_run", wt.TaskRun.ID),
		)
		return nil
	}

	job := w.track(wt.TaskRun)
	if job == nil {
		// The same attempt is already running here.
		return nil
	}
	// Submit blocks while the pool is full, which holds the partition.
	if err := w.pool.Submit(func() { w.run(job, wt) }); err != nil {
		w.untrack(job)
		close(job.done)
		return err
	}
	return nil
}

func (w *Worker) onKill(ctx context.Context, msg taskqueue.Message) error {
	k, err := taskqueue.Decode[api.WorkerJobKill](msg)
	if err != nil {
		w.log.Error("drop malformed job kill", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	w.mu.Lock()
	if k.TaskRunID == "" {
		w.killed[k.ExecutionID] = w.clock.Now()
		w.pruneKilled()
	}
	var targets []*Job
	for _, j := range w.jobs {
		if j.taskRun.ExecutionID != k.ExecutionID {
			continue
		}
		if k.TaskRunID == "" || k.TaskRunID == j.taskRun.ID {
			targets = append(targets, j)
		}
	}
	w.mu.Unlock()

	for _, j := range targets {
		w.log.Info("killing job",
			zap.String("execution", j.taskRun.ExecutionID),
			zap.String("task", j.taskRun.TaskID),
		)
		j.Kill()
	}
	return nil
}

func (w *Worker) wasKilled(executionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.killed[executionID]
	return ok
}

// pruneKilled forgets killed executions past retention. Callers hold mu.
func (w *Worker) pruneKilled() {
	cutoff := w.clock.Now().Add(-w.cfg.KilledRetention)
	for id, at := range w.killed {
		if at.Before(cutoff) {
			delete(w.killed, id)
		}
	}
}

// track registers a job for tr, or returns nil when one already exists.
func (w *Worker) track(tr api.TaskRun) *Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := jobKey(tr)
	if _, ok := w.jobs[key]; ok {
		return nil
	}
	job := newJob(tr)
	w.jobs[key] = job
	return job
}

func (w *Worker) untrack(job *Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.jobs, jobKey(job.taskRun))
}

func jobKey(tr api.TaskRun) string {
	return fmt.Sprintf("%s#%d", tr.ID, tr.Attempt)
}

// run executes one attempt and reports RUNNING, then its final state.
func (w *Worker) run(job *Job, wt api.WorkerTask) {
	defer close(job.done)
	defer w.untrack(job)

	log := w.log.With(
		zap.String("execution", wt.TaskRun.ExecutionID),
		zap.String("task", wt.TaskRun.TaskID),
		zap.Int("attempt", wt.TaskRun.Attempt),
	)

	running, err := wt.TaskRun.WithState(api.StateRunning, w.clock.Now())
	if err != nil {
		log.Error("cannot start task run", zap.Error(err))
		return
	}
	w.report(running, log)

	w.mu.Lock()
	runner := w.runners[wt.Task.Type]
	w.mu.Unlock()

	var (
		outputs map[string]any
		runErr  error
	)
	if runner == nil {
		runErr = fmt.Errorf("no runner for task type %q", wt.Task.Type)
	} else {
		outputs, runErr = safeRun(job.ctx, runner, &Task{
			TaskRun:    running,
			Type:       wt.Task.Type,
			Properties: wt.Properties,
			Variables:  wt.Variables,
			Logger:     log,
		})
	}

	final := running.Clone()
	if len(outputs) > 0 {
		if final.Outputs == nil {
			final.Outputs = make(map[string]any, len(outputs))
		}
		maps.Copy(final.Outputs, outputs)
	}
	now := w.clock.Now()
	switch cause := context.Cause(job.ctx); {
	case errors.Is(cause, errKilled):
		final = mustState(mustState(final, api.StateKilling, now), api.StateKilled, now)
	case errors.Is(cause, errStopped):
		final = mustState(final.WithOutput("error", errStopped.Error()), api.StateFailed, now)
	case runErr != nil:
		final = mustState(final.WithOutput("error", runErr.Error()), api.StateFailed, now)
	default:
		final = mustState(final, api.StateSuccess, now)
	}
	job.cancel(nil)

	log.Debug("job finished", zap.String("state", string(final.State.Current())), zap.Error(runErr))
	w.report(final, log)
}

func (w *Worker) report(tr api.TaskRun, log *zap.Logger) {
	msg, err := taskqueue.NewMessage(api.TopicWorkerTaskResult, tr.ExecutionID, api.WorkerTaskResult{TaskRun: tr})
	if err == nil {
		// Results must reach the executor even while the worker stops.
		err = w.queue.Enqueue(context.Background(), msg)
	}
	if err != nil {
		log.Error("report task run", zap.String("state", string(tr.State.Current())), zap.Error(err))
	}
}

func safeRun(ctx context.Context, r Runner, t *Task) (out map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runner panicked: %v", p)
		}
	}()
	return r.Run(ctx, t)
}

func mustState(tr api.TaskRun, s api.StateType, now time.Time) api.TaskRun {
	next, err := tr.WithState(s, now)
	if err != nil {
		return tr
	}
	return next
}
