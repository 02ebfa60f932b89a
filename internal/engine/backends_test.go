package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/internal/testutil"
	"github.com/petrijr/conductor/pkg/api"
)

var backendQueueConfig = taskqueue.Config{
	Partitions:        4,
	RedeliveryBackoff: 10 * time.Millisecond,
	PollInterval:      10 * time.Millisecond,
}

const retryFlow = `
id: backend
namespace: company.team
tasks:
  - id: first
    type: io.conductor.core.Return
    value: 1
  - id: boom
    type: io.conductor.core.Fail
    retry:
      type: constant
      interval: 1s
      maxAttempts: 2
errors:
  - id: alert
    type: io.conductor.core.Log
    message: "{{ outputs.boom.error }}"
`

// runBackendScenario runs a flow that succeeds, retries, fails and recovers
// through its error tasks, exercising every store of the backend.
func runBackendScenario(t *testing.T, opts ...harnessOption) {
	t.Helper()
	h := newHarness(t, opts...)
	h.deploy(retryFlow)
	exec := h.execute("company.team", "backend", nil)

	done := h.await(exec.ID, time.Second, (*api.Execution).IsTerminated)
	assert.Equal(t, api.StateSuccess, done.State.Current())
	assert.Equal(t, api.StateSuccess, taskRun(t, done, "first").State.Current())
	boom := taskRun(t, done, "boom")
	assert.Equal(t, api.StateFailed, boom.State.Current())
	assert.Equal(t, 2, boom.Attempt)
	assert.Equal(t, api.StateSuccess, taskRun(t, done, "alert").State.Current())

	listed, err := h.engine.ListExecutions(h.ctx, api.ExecutionFilter{Namespace: "company.team", FlowID: "backend"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, exec.ID, listed[0].ID)
}

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sqlPersistence(t *testing.T, db *sqlx.DB) persistence.Persistence {
	t.Helper()
	store, err := persistence.NewSQLStore(db)
	require.NoError(t, err)
	return persistence.Persistence{Flows: store, Executions: store, Monitors: store, Delays: store}
}

func TestBackend_SQLite(t *testing.T) {
	db := openSQLite(t)
	queue, err := taskqueue.NewSQLQueue(db, backendQueueConfig)
	require.NoError(t, err)
	runBackendScenario(t, withStore(sqlPersistence(t, db)), withQueue(queue))
}

func TestBackend_Postgres(t *testing.T) {
	db, err := sqlx.Open("pgx", testutil.PostgresDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	p := sqlPersistence(t, db)
	for _, table := range []string{"flows", "executions", "execution_leases", "sla_monitors", "execution_delays"} {
		_, err := db.Exec("TRUNCATE " + table)
		require.NoError(t, err)
	}
	queue, err := taskqueue.NewSQLQueue(db, backendQueueConfig)
	require.NoError(t, err)
	runBackendScenario(t, withStore(p), withQueue(queue))
}

func TestBackend_Redis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testutil.RedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	prefix := "engine-test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	store := persistence.NewRedisStore(client, prefix)
	flows := persistence.NewInMemoryStore()
	p := persistence.Persistence{Flows: flows, Executions: store, Monitors: store, Delays: store}
	runBackendScenario(t, withStore(p), withQueue(taskqueue.NewRedisQueue(client, prefix, backendQueueConfig)))
}

func TestBackend_Mongo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(testutil.MongoURI(t)))
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx, nil))

	dbName := "engine_test_" + uuid.NewString()[:8]
	t.Cleanup(func() {
		ctx := context.Background()
		_ = client.Database(dbName).Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	mem := persistence.NewInMemoryStore()
	p := persistence.Persistence{
		Flows:      mem,
		Executions: persistence.NewMongoExecutionStore(client, dbName),
		Monitors:   mem,
		Delays:     mem,
	}
	runBackendScenario(t, withStore(p), withQueue(taskqueue.NewMongoQueue(client, dbName, backendQueueConfig)))
}
