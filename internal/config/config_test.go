package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.True(t, cfg.Worker.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Executor.KillTimeout)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
storage:
  backend: sql
queue:
  backend: redis
  partitions: 16
  pollInterval: 250ms
database:
  driver: pgx
  dsn: postgres://conductor@localhost/conductor
redis:
  addr: redis:6379
executor:
  tick: 500ms
  leaseTTL: 1m
worker:
  enabled: false
log:
  level: debug
  format: json
metrics:
  enabled: true
flowsDir: ./flows
`))
	require.NoError(t, err)
	assert.Equal(t, BackendSQL, cfg.Storage.Backend)
	assert.Equal(t, BackendRedis, cfg.Queue.Backend)
	assert.Equal(t, 16, cfg.Queue.Partitions)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, 3, cfg.Queue.MaxRedeliveries)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "conductor:", cfg.Redis.Prefix)
	assert.Equal(t, 500*time.Millisecond, cfg.Executor.Tick)
	assert.Equal(t, time.Minute, cfg.Executor.LeaseTTL)
	assert.Equal(t, 30*time.Second, cfg.Executor.KillTimeout)
	assert.False(t, cfg.Worker.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
	assert.Equal(t, "./flows", cfg.FlowsDir)
}

func TestParse_EmptyDocumentKeepsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("storage:\n  engine: sql\n"))
	require.Error(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "cassandra"
	cfg.Queue.Partitions = 0
	cfg.Executor.Tick = 0
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"storage.backend", "queue.partitions", "executor.tick", "unknown level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = BackendMongo
	cfg.Queue.Backend = BackendMongo
	cfg.Mongo.Database = ""
	require.ErrorContains(t, cfg.Validate(), "mongo.uri and mongo.database")

	cfg = Default()
	cfg.Queue.Backend = BackendRedis
	require.ErrorContains(t, cfg.Validate(), "storage is in memory")

	cfg = Default()
	cfg.Storage.Backend = BackendSQL
	cfg.Database.DSN = ""
	require.ErrorContains(t, cfg.Validate(), "database.dsn")
}

func TestLoad_ReadsFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: sql\nqueue:\n  backend: sql\n"), 0o600))
	t.Setenv("CONDUCTOR_DATABASE_DSN", "file:other.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQL, cfg.Queue.Backend)
	assert.Equal(t, "file:other.db", cfg.Database.DSN)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
