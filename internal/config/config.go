// Package config loads the YAML configuration of a conductor server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/conductor/internal/logging"
)

// Backend names of storage and queue.
const (
	BackendMemory    = "memory"
	BackendSQL       = "sql"
	BackendRedis     = "redis"
	BackendMongo     = "mongo"
	BackendWatermill = "watermill"
)

// Config is the complete server configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Executor ExecutorConfig `yaml:"executor"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      logging.Config `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// FlowsDir holds YAML flows deployed at startup.
	FlowsDir string `yaml:"flowsDir"`
}

// StorageConfig selects where flows and executions live: memory, sql,
// redis or mongo. Redis and mongo keep flows in memory.
type StorageConfig struct {
	Backend string `yaml:"backend"`
}

// QueueConfig selects the queue transport: memory, sql, redis, mongo or
// watermill.
type QueueConfig struct {
	Backend           string        `yaml:"backend"`
	Partitions        int           `yaml:"partitions"`
	MaxRedeliveries   int           `yaml:"maxRedeliveries"`
	RedeliveryBackoff time.Duration `yaml:"redeliveryBackoff"`
	PollInterval      time.Duration `yaml:"pollInterval"`
}

// DatabaseConfig is the SQL database of the sql backends. Driver is
// "sqlite" or "pgx".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type ExecutorConfig struct {
	InstanceID  string        `yaml:"instanceId"`
	Tick        time.Duration `yaml:"tick"`
	KillTimeout time.Duration `yaml:"killTimeout"`
	LeaseTTL    time.Duration `yaml:"leaseTTL"`
	MaxPasses   int           `yaml:"maxPasses"`
}

type WorkerConfig struct {
	// Enabled runs a worker inside the server process.
	Enabled     bool `yaml:"enabled"`
	Concurrency int  `yaml:"concurrency"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// Default returns a single-process configuration: memory storage and
// queue, an embedded worker and console logs.
func Default() *Config {
	return &Config{
		Storage:  StorageConfig{Backend: BackendMemory},
		Queue:    QueueConfig{Backend: BackendMemory, Partitions: 8, MaxRedeliveries: 3, RedeliveryBackoff: 50 * time.Millisecond, PollInterval: 100 * time.Millisecond},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "file:conductor.db?_pragma=busy_timeout(5000)"},
		Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "conductor:"},
		Mongo:    MongoConfig{URI: "mongodb://localhost:27017", Database: "conductor"},
		Executor: ExecutorConfig{Tick: time.Second, KillTimeout: 30 * time.Second, MaxPasses: 100},
		Worker:   WorkerConfig{Enabled: true},
		Log:      logging.Config{Level: "info", Format: "console", Output: "stdout"},
		Metrics:  MetricsConfig{Address: ":9090", Path: "/metrics"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv lets secrets stay out of the file.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("CONDUCTOR_DATABASE_DSN"); ok {
		c.Database.DSN = v
	}
	if v, ok := os.LookupEnv("CONDUCTOR_REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := os.LookupEnv("CONDUCTOR_MONGO_URI"); ok {
		c.Mongo.URI = v
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	storages := []string{BackendMemory, BackendSQL, BackendRedis, BackendMongo}
	if !slices.Contains(storages, c.Storage.Backend) {
		add("storage.backend %q is not one of %v", c.Storage.Backend, storages)
	}
	queues := []string{BackendMemory, BackendSQL, BackendRedis, BackendMongo, BackendWatermill}
	if !slices.Contains(queues, c.Queue.Backend) {
		add("queue.backend %q is not one of %v", c.Queue.Backend, queues)
	}
	if c.Queue.Partitions <= 0 {
		add("queue.partitions must be positive")
	}

	uses := func(backend string) bool {
		return c.Storage.Backend == backend || c.Queue.Backend == backend
	}
	if uses(BackendSQL) {
		if c.Database.Driver != "sqlite" && c.Database.Driver != "pgx" {
			add("database.driver %q is not sqlite or pgx", c.Database.Driver)
		}
		if c.Database.DSN == "" {
			add("database.dsn is required by the sql backend")
		}
	}
	if uses(BackendRedis) && c.Redis.Addr == "" {
		add("redis.addr is required by the redis backend")
	}
	if uses(BackendMongo) && (c.Mongo.URI == "" || c.Mongo.Database == "") {
		add("mongo.uri and mongo.database are required by the mongo backend")
	}
	if c.Storage.Backend == BackendMemory && c.Queue.Backend != BackendMemory && c.Queue.Backend != BackendWatermill {
		add("queue.backend %q is shared between processes but storage is in memory", c.Queue.Backend)
	}

	if c.Executor.Tick <= 0 {
		add("executor.tick must be positive")
	}
	if c.Executor.KillTimeout <= 0 {
		add("executor.killTimeout must be positive")
	}
	if c.Executor.LeaseTTL < 0 {
		add("executor.leaseTTL must not be negative")
	}
	if c.Worker.Concurrency < 0 {
		add("worker.concurrency must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		add("metrics.address is required when metrics are enabled")
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}
