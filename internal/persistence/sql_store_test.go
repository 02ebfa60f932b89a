package persistence

import (
	"context"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/conductor/internal/testutil"
)

func newSQLiteStore(t *testing.T, clock clockwork.Clock) *SQLStore {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStoreWithClock(db, clock)
	require.NoError(t, err)
	return store
}

func newPostgresStore(t *testing.T, clock clockwork.Clock) *SQLStore {
	t.Helper()
	dsn := testutil.PostgresDSN(t)
	db, err := sqlx.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStoreWithClock(db, clock)
	require.NoError(t, err)
	for _, table := range []string{"flows", "executions", "execution_leases", "sla_monitors", "execution_delays"} {
		_, err := db.Exec("TRUNCATE " + table)
		require.NoError(t, err)
	}
	return store
}

func TestSQLiteStore(t *testing.T) {
	runSQLStoreSuite(t, newSQLiteStore)
}

func TestPostgresStore(t *testing.T) {
	runSQLStoreSuite(t, newPostgresStore)
}

func runSQLStoreSuite(t *testing.T, open func(*testing.T, clockwork.Clock) *SQLStore) {
	t.Run("executions", func(t *testing.T) {
		testExecutionStore(t, open(t, clockwork.NewRealClock()))
	})
	t.Run("leases", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(t0)
		testLeases(t, open(t, clock), time.Second, func() { clock.Advance(2 * time.Second) })
	})
	t.Run("lease contention", func(t *testing.T) {
		testLeaseContention(t, open(t, clockwork.NewRealClock()))
	})
	t.Run("monitors", func(t *testing.T) {
		testMonitorStore(t, open(t, clockwork.NewRealClock()))
	})
	t.Run("delays", func(t *testing.T) {
		testDelayStore(t, open(t, clockwork.NewRealClock()))
	})
	t.Run("flows", func(t *testing.T) {
		testFlowStore(t, open(t, clockwork.NewRealClock()))
	})
}

func TestSQLStore_SaveFlowKeepsRevisionOfIdenticalFlow(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t, clockwork.NewRealClock())

	v1, err := store.SaveFlow(ctx, testFlow("f"))
	require.NoError(t, err)
	again, err := store.SaveFlow(ctx, testFlow("f"))
	require.NoError(t, err)
	assert.Equal(t, v1.Revision, again.Revision)

	revisions, err := store.FindRevisions(ctx, "ns", "f")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, revisions)

	// The stored form is the YAML source and parses back into the flow.
	got, err := store.FindFlow(ctx, "ns", "f", nil)
	require.NoError(t, err)
	assert.True(t, strings.Contains(got.Source, "io.conductor.core.Log"), "source: %s", got.Source)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "a", got.Tasks[0].TaskID())
}

func TestOpenSQLStore_SQLite(t *testing.T) {
	store, err := OpenSQLStore("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.DB().Close() })

	exec := testExecution(t, "e1")
	require.NoError(t, store.SaveExecution(context.Background(), exec))
	got, err := store.GetExecution(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, exec.FlowID, got.FlowID)
}
