package conductor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	// Drivers selected by database.driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/petrijr/conductor/internal/config"
	"github.com/petrijr/conductor/internal/engine"
	"github.com/petrijr/conductor/internal/logging"
	"github.com/petrijr/conductor/internal/metrics"
	"github.com/petrijr/conductor/internal/parser"
	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/worker"
)

// Bundle wires together the stores, the queue, an Executor, an optional
// Worker and the Engine client described by a Config.
//
// Typical usage:
//
//	cfg, _ := conductor.LoadConfig("conductor.yaml")
//	b, err := conductor.Open(ctx, cfg)
//	if err != nil { ... }
//	defer b.Close()
//	if err := b.Start(ctx); err != nil { ... }
//	exec, err := b.Engine.Execute(ctx, "company.team", "hello", nil)
type Bundle struct {
	Engine   Engine
	Executor *engine.Executor
	// Worker is nil when the configuration disables the embedded worker.
	Worker *worker.Worker
	// Metrics is nil unless metrics are enabled.
	Metrics *metrics.Collector
	Logger  *zap.Logger

	cfg     *config.Config
	queue   taskqueue.Queue
	closers []func() error

	mu      sync.Mutex
	started bool
}

// Option customizes Open.
type Option func(*bundleOptions)

type bundleOptions struct {
	runners   map[string]Runner
	observers []Observer
	logger    *zap.Logger
	clock     clockwork.Clock
	registry  *prometheus.Registry
}

// WithRunner registers a Runner for taskType on the embedded worker.
func WithRunner(taskType string, r Runner) Option {
	return func(o *bundleOptions) {
		if o.runners == nil {
			o.runners = make(map[string]Runner)
		}
		o.runners[taskType] = r
	}
}

// WithObserver adds an observer next to the logging and metrics ones.
func WithObserver(obs Observer) Option {
	return func(o *bundleOptions) { o.observers = append(o.observers, obs) }
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(log *zap.Logger) Option {
	return func(o *bundleOptions) { o.logger = log }
}

// WithClock sets the clock of the executor, the worker and the stores.
func WithClock(clock clockwork.Clock) Option {
	return func(o *bundleOptions) { o.clock = clock }
}

// WithRegistry registers the metrics with reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *bundleOptions) { o.registry = reg }
}

// Open connects the backends named by cfg and builds a Bundle. Nothing
// consumes the queue until Start.
func Open(ctx context.Context, cfg *Config, opts ...Option) (_ *Bundle, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o bundleOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	b := &Bundle{cfg: cfg, Logger: o.logger}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()
	if b.Logger == nil {
		if b.Logger, err = logging.New(cfg.Log); err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error { _ = b.Logger.Sync(); return nil })
	}

	c := &connections{cfg: cfg, bundle: b}
	store, err := c.persistence(ctx, o.clock)
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", cfg.Storage.Backend, err)
	}
	if b.queue, err = c.queue(ctx); err != nil {
		return nil, fmt.Errorf("queue %s: %w", cfg.Queue.Backend, err)
	}

	observers := append([]Observer{NewLoggingObserver(b.Logger.Named("observer"))}, o.observers...)
	if cfg.Metrics.Enabled {
		if b.Metrics, err = metrics.NewCollector(o.registry); err != nil {
			return nil, err
		}
		observers = append(observers, b.Metrics)
	}

	ecfg := engine.Config{
		Persistence: store,
		Queue:       b.queue,
		Observer:    NewCompositeObserver(observers...),
		Logger:      b.Logger,
		Clock:       o.clock,
		InstanceID:  cfg.Executor.InstanceID,
		LeaseTTL:    cfg.Executor.LeaseTTL,
		KillTimeout: cfg.Executor.KillTimeout,
		Tick:        cfg.Executor.Tick,
		MaxPasses:   cfg.Executor.MaxPasses,
	}
	if b.Executor, err = engine.NewExecutor(ecfg); err != nil {
		return nil, err
	}
	if b.Engine, err = engine.NewEngine(ecfg); err != nil {
		return nil, err
	}

	if cfg.Worker.Enabled {
		b.Worker, err = worker.New(worker.Config{
			Queue:       b.queue,
			Concurrency: cfg.Worker.Concurrency,
			Clock:       o.clock,
			Logger:      b.Logger,
		})
		if err != nil {
			return nil, err
		}
		for typ, r := range o.runners {
			b.Worker.Register(typ, r)
		}
	}
	return b, nil
}

// Start starts the executor, then the worker, and deploys the flows of
// the configured flows directory.
func (b *Bundle) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("conductor: bundle already started")
	}
	if err := b.Executor.Start(ctx); err != nil {
		return err
	}
	if b.Worker != nil {
		if err := b.Worker.Start(ctx); err != nil {
			b.Executor.Stop()
			return err
		}
	}
	b.started = true

	if b.cfg.FlowsDir != "" {
		if _, err := b.DeployDir(ctx, b.cfg.FlowsDir); err != nil {
			return err
		}
	}
	return nil
}

// DeployDir parses and deploys every flow of dir.
func (b *Bundle) DeployDir(ctx context.Context, dir string) ([]*Flow, error) {
	flows, err := parser.ParseDir(dir)
	if err != nil {
		return nil, err
	}
	deployed := make([]*Flow, 0, len(flows))
	for _, f := range flows {
		saved, err := b.Engine.DeployFlow(ctx, f)
		if err != nil {
			return deployed, err
		}
		deployed = append(deployed, saved)
	}
	return deployed, nil
}

// MetricsHandler serves the Prometheus metrics, or nil when they are
// disabled.
func (b *Bundle) MetricsHandler() http.Handler {
	if b.Metrics == nil {
		return nil
	}
	return b.Metrics.Handler()
}

// Close stops the worker and the executor and releases the backends.
func (b *Bundle) Close() error {
	b.mu.Lock()
	started := b.started
	b.started = false
	b.mu.Unlock()

	if started {
		if b.Worker != nil {
			b.Worker.Stop()
		}
		b.Executor.Stop()
	}
	var errs []error
	if b.queue != nil {
		errs = append(errs, b.queue.Close())
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// connections opens each backend client at most once so that storage and
// queue share them.
type connections struct {
	cfg    *config.Config
	bundle *Bundle

	db    *sqlx.DB
	redis *redis.Client
	mongo *mongo.Client
}

func (c *connections) sql() (*sqlx.DB, error) {
	if c.db != nil {
		return c.db, nil
	}
	db, err := sqlx.Open(c.cfg.Database.Driver, c.cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if c.cfg.Database.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	c.db = db
	c.bundle.closers = append(c.bundle.closers, db.Close)
	return db, nil
}

func (c *connections) redisClient(ctx context.Context) (*redis.Client, error) {
	if c.redis != nil {
		return c.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     c.cfg.Redis.Addr,
		Password: c.cfg.Redis.Password,
		DB:       c.cfg.Redis.DB,
	})
	c.bundle.closers = append(c.bundle.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	c.redis = client
	return client, nil
}

func (c *connections) mongoClient(ctx context.Context) (*mongo.Client, error) {
	if c.mongo != nil {
		return c.mongo, nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.cfg.Mongo.URI))
	if err != nil {
		return nil, err
	}
	c.bundle.closers = append(c.bundle.closers, func() error { return client.Disconnect(context.Background()) })
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	c.mongo = client
	return client, nil
}

// persistence builds the stores. Redis and Mongo only hold executions (and,
// for Redis, monitors and delays); the rest stays in memory.
func (c *connections) persistence(ctx context.Context, clock clockwork.Clock) (persistence.Persistence, error) {
	mem := persistence.NewInMemoryStoreWithClock(clock)
	p := persistence.Persistence{Flows: mem, Executions: mem, Monitors: mem, Delays: mem}

	switch c.cfg.Storage.Backend {
	case config.BackendSQL:
		db, err := c.sql()
		if err != nil {
			return p, err
		}
		s, err := persistence.NewSQLStoreWithClock(db, clock)
		if err != nil {
			return p, err
		}
		p = persistence.Persistence{Flows: s, Executions: s, Monitors: s, Delays: s}
	case config.BackendRedis:
		client, err := c.redisClient(ctx)
		if err != nil {
			return p, err
		}
		s := persistence.NewRedisStore(client, c.cfg.Redis.Prefix)
		p.Executions, p.Monitors, p.Delays = s, s, s
	case config.BackendMongo:
		client, err := c.mongoClient(ctx)
		if err != nil {
			return p, err
		}
		p.Executions = persistence.NewMongoExecutionStore(client, c.cfg.Mongo.Database)
	}
	return p, nil
}

func (c *connections) queue(ctx context.Context) (taskqueue.Queue, error) {
	qcfg := taskqueue.Config{
		Partitions:        c.cfg.Queue.Partitions,
		MaxRedeliveries:   c.cfg.Queue.MaxRedeliveries,
		RedeliveryBackoff: c.cfg.Queue.RedeliveryBackoff,
		PollInterval:      c.cfg.Queue.PollInterval,
		Logger:            c.bundle.Logger.Named("queue"),
	}
	switch c.cfg.Queue.Backend {
	case config.BackendSQL:
		db, err := c.sql()
		if err != nil {
			return nil, err
		}
		return taskqueue.NewSQLQueue(db, qcfg)
	case config.BackendRedis:
		client, err := c.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewRedisQueue(client, c.cfg.Redis.Prefix, qcfg), nil
	case config.BackendMongo:
		client, err := c.mongoClient(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewMongoQueue(client, c.cfg.Mongo.Database, qcfg), nil
	case config.BackendWatermill:
		pubsub := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			Persistent:          true,
		}, logging.NewWatermillAdapter(c.bundle.Logger.Named("watermill")))
		return taskqueue.NewWatermillQueue(pubsub, func(string) (message.Subscriber, error) { return pubsub, nil }, qcfg), nil
	default:
		return taskqueue.NewInMemoryQueue(qcfg), nil
	}
}
