package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/petrijr/conductor/internal/expression"
	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/sla"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
)

// Config describes how to construct an Executor.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue

	// Renderer renders task properties, Switch/ForEach values and SLA
	// expressions. Defaults to the expression package renderer.
	Renderer api.Renderer
	Observer api.Observer
	Logger   *zap.Logger
	Clock    clockwork.Clock

	// Group is the consumer group of the executor topics.
	Group string

	// InstanceID identifies this executor as a lease owner.
	InstanceID string

	// LeaseTTL enables execution leases when > 0. Leases are needed when
	// several executors consume a transport that does not partition by key.
	LeaseTTL time.Duration

	// KillTimeout bounds how long an execution stays KILLING.
	KillTimeout time.Duration

	// Tick is the period of the delay and SLA monitor scan.
	Tick time.Duration

	// MaxPasses bounds the resolution passes of one execution change.
	MaxPasses int

	// Stripes is the number of in-process execution locks.
	Stripes int
}

func (c Config) withDefaults() Config {
	if c.Renderer == nil {
		c.Renderer = expression.New()
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Group == "" {
		c.Group = "executor"
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = 30 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.MaxPasses <= 0 {
		c.MaxPasses = 100
	}
	if c.Stripes <= 0 {
		c.Stripes = 64
	}
	return c
}

// Executor is the single writer of executions. It consumes execution
// changes, worker results, subflow messages and commands, and applies them
// one execution at a time.
type Executor struct {
	cfg      Config
	store    persistence.Persistence
	queue    taskqueue.Queue
	flows    *flowRegistry
	slas     *sla.Evaluator
	clock    clockwork.Clock
	log      *zap.Logger
	observer api.Observer
	locks    []sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron
	running bool
}

// NewExecutor creates an Executor. Call Start to begin consuming.
func NewExecutor(cfg Config) (*Executor, error) {
	cfg = cfg.withDefaults()
	p := cfg.Persistence
	if p.Flows == nil || p.Executions == nil || p.Monitors == nil || p.Delays == nil {
		return nil, errors.New("executor: every store must be configured")
	}
	if cfg.Queue == nil {
		return nil, errors.New("executor: queue is required")
	}
	return &Executor{
		cfg:      cfg,
		store:    p,
		queue:    cfg.Queue,
		flows:    newFlowRegistry(p.Flows),
		slas:     sla.NewEvaluator(cfg.Renderer),
		clock:    cfg.Clock,
		log:      cfg.Logger.Named("executor"),
		observer: cfg.Observer,
		locks:    make([]sync.Mutex, cfg.Stripes),
	}, nil
}

type consumer struct {
	topic   string
	handler taskqueue.Handler
}

func (e *Executor) consumers() []consumer {
	return []consumer{
		{api.TopicExecution, e.onExecutionChanged},
		{api.TopicWorkerTaskResult, e.onWorkerTaskResult},
		{api.TopicSubflowExecution, e.onSubflowExecution},
		{api.TopicSubflowExecutionResult, e.onSubflowExecutionResult},
		{api.TopicExecutionCommand, e.onCommand},
	}
}

// Start registers the consumer groups, starts consuming in the background
// and schedules the tick. Groups are registered before Start returns, so
// messages enqueued afterwards are never missed.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("executor already started")
	}

	for _, c := range e.consumers() {
		if err := e.queue.Register(ctx, c.topic, e.cfg.Group); err != nil {
			return fmt.Errorf("register %s: %w", c.topic, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	for _, c := range e.consumers() {
		e.wg.Add(1)
		go func(c consumer) {
			defer e.wg.Done()
			if err := e.queue.Consume(ctx, c.topic, e.cfg.Group, c.handler); err != nil && ctx.Err() == nil {
				e.log.Error("consumer stopped", zap.String("topic", c.topic), zap.Error(err))
			}
		}(c)
	}

	e.cron = cron.New()
	if _, err := e.cron.AddFunc("@every "+e.cfg.Tick.String(), func() {
		if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn("tick failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule tick: %w", err)
	}
	e.cron.Start()

	e.cancel = cancel
	e.running = true
	e.log.Info("executor started",
		zap.String("instance", e.cfg.InstanceID),
		zap.String("group", e.cfg.Group),
		zap.Duration("tick", e.cfg.Tick),
	)
	return nil
}

// Stop cancels the consumers and waits for in-flight handlers.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, c := e.cancel, e.cron
	e.mu.Unlock()

	<-c.Stop().Done()
	cancel()
	e.wg.Wait()
	e.log.Info("executor stopped")
}

// Tick turns expired delays and SLA monitors into execution commands, so
// that they are applied by the single writer of each execution.
func (e *Executor) Tick(ctx context.Context) error {
	now := e.clock.Now()
	errDelays := e.store.Delays.ProcessExpiredDelays(ctx, now, func(d api.ExecutionDelay) error {
		return e.enqueue(ctx, api.TopicExecutionCommand, d.ExecutionID, api.ExecutionCommand{
			Type:        api.CommandDelay,
			ExecutionID: d.ExecutionID,
			Delay:       &d,
			IssuedAt:    now,
		})
	})
	errMonitors := e.store.Monitors.ProcessExpiredMonitors(ctx, now, func(m api.SLAMonitor) error {
		return e.enqueue(ctx, api.TopicExecutionCommand, m.ExecutionID, api.ExecutionCommand{
			Type:        api.CommandSLA,
			ExecutionID: m.ExecutionID,
			Monitor:     &m,
			IssuedAt:    now,
		})
	})
	return errors.Join(errDelays, errMonitors)
}

func (e *Executor) enqueue(ctx context.Context, topic, key string, v any) error {
	msg, err := taskqueue.NewMessage(topic, key, v)
	if err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, msg)
}

// errSkip aborts a transaction without saving anything.
var errSkip = errors.New("nothing to apply")

// update runs fn on the current execution under the execution lock (and
// lease), then commits what fn recorded on the transaction. Errors from fn
// other than store or transport failures fail the execution instead of
// being retried.
func (e *Executor) update(ctx context.Context, executionID string, fn func(tx *txn) error) (err error) {
	lock := &e.locks[taskqueue.Partition(executionID, len(e.locks))]
	lock.Lock()
	defer lock.Unlock()

	if e.cfg.LeaseTTL > 0 {
		ok, err := e.store.Executions.TryAcquireLease(ctx, executionID, e.cfg.InstanceID, e.cfg.LeaseTTL)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", api.ErrExecutionLocked, executionID)
		}
		defer func() {
			if rerr := e.store.Executions.ReleaseLease(context.WithoutCancel(ctx), executionID, e.cfg.InstanceID); rerr != nil {
				e.log.Warn("release lease", zap.String("execution", executionID), zap.Error(rerr))
			}
		}()
	}

	exec, err := e.store.Executions.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			e.log.Warn("message for unknown execution", zap.String("execution", executionID))
			return nil
		}
		return err
	}
	if exec.Outbox != nil {
		e.log.Info("replay undelivered effects", zap.String("execution", executionID), zap.Int("messages", len(exec.Outbox.Messages)))
		if err := e.flush(ctx, exec); err != nil {
			return err
		}
	}

	tx := e.newTxn(ctx, exec)
	if err := e.guard(ctx, tx, fn); err != nil {
		if errors.Is(err, errSkip) {
			return nil
		}
		return err
	}
	return e.commit(ctx, tx)
}

// guard runs fn, turning panics and internal errors into a FAILED
// execution.
func (e *Executor) guard(ctx context.Context, tx *txn, fn func(tx *txn) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic while applying execution change",
				zap.String("execution", tx.exec.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = e.failInternal(tx, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(tx); err != nil {
		if errors.Is(err, errSkip) || isTransient(err) {
			return err
		}
		e.log.Error("execution failed internally", zap.String("execution", tx.exec.ID), zap.Error(err))
		return e.failInternal(tx, err)
	}
	return nil
}

// isTransient reports errors worth redelivering the message for.
func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

func transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// failInternal discards what the transaction recorded and fails the stored
// execution with a diagnostic.
func (e *Executor) failInternal(tx *txn, cause error) error {
	base := tx.original
	tx.reset(base)
	if base.IsTerminated() {
		return errSkip
	}
	tx.exec.Error = cause.Error()
	for _, tr := range tx.exec.TaskRuns {
		if !tr.State.IsTerminal() {
			tx.setTaskRun(killTaskRun(tr, tx.now))
		}
	}
	tx.killJobs("")
	if err := e.end(tx, nil, api.StateFailed); err != nil {
		e.log.Error("cannot fail execution", zap.String("execution", tx.exec.ID), zap.Error(err))
		return errSkip
	}
	return nil
}
