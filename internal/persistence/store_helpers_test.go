package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/conductor/pkg/api"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func testFlow(id string) *api.Flow {
	return &api.Flow{
		Namespace: "ns",
		ID:        id,
		Tasks:     []api.Task{&api.Runnable{TaskBase: api.TaskBase{ID: "a", Type: "io.conductor.core.Log"}}},
	}
}

func testExecution(t *testing.T, id string) *api.Execution {
	t.Helper()
	exec := api.NewExecution(testFlow("f"), map[string]any{"k": "v"}, nil, t0)
	exec.ID = id
	return exec
}

// testExecutionStore exercises the ExecutionStore contract without leases.
func testExecutionStore(t *testing.T, store ExecutionStore) {
	ctx := context.Background()

	_, err := store.GetExecution(ctx, "missing")
	require.ErrorIs(t, err, ErrExecutionNotFound)

	e1 := testExecution(t, "e1")
	require.NoError(t, store.SaveExecution(ctx, e1))

	running, err := e1.WithState(api.StateRunning, t0.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, store.SaveExecution(ctx, running))

	got, err := store.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, api.StateRunning, got.State.Current())
	assert.Equal(t, "v", got.Inputs["k"])

	e2 := testExecution(t, "e2")
	e2.FlowID = "other"
	e2.State = api.NewState(t0.Add(time.Minute))
	require.NoError(t, store.SaveExecution(ctx, e2))

	all, err := store.ListExecutions(ctx, api.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "e1", all[0].ID)
	assert.Equal(t, "e2", all[1].ID)

	byFlow, err := store.ListExecutions(ctx, api.ExecutionFilter{Namespace: "ns", FlowID: "f"})
	require.NoError(t, err)
	require.Len(t, byFlow, 1)
	assert.Equal(t, "e1", byFlow[0].ID)

	byState, err := store.ListExecutions(ctx, api.ExecutionFilter{State: api.StateCreated})
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, "e2", byState[0].ID)
}

// testLeases exercises the lease contract. expire must make every lease
// granted with ttl expire.
func testLeases(t *testing.T, store ExecutionStore, ttl time.Duration, expire func()) {
	ctx := context.Background()

	acq, err := store.TryAcquireLease(ctx, "e1", "owner1", ttl)
	require.NoError(t, err)
	require.True(t, acq, "owner1 should acquire")

	acq, err = store.TryAcquireLease(ctx, "e1", "owner1", ttl)
	require.NoError(t, err)
	require.True(t, acq, "lease should be re-entrant")

	acq, err = store.TryAcquireLease(ctx, "e1", "owner2", ttl)
	require.NoError(t, err)
	require.False(t, acq, "owner2 should not acquire while active")

	require.NoError(t, store.RenewLease(ctx, "e1", "owner1", ttl))
	require.ErrorIs(t, store.RenewLease(ctx, "e1", "owner2", ttl), api.ErrExecutionLocked)

	require.NoError(t, store.ReleaseLease(ctx, "e1", "owner2"), "release by non-owner is a no-op")
	acq, err = store.TryAcquireLease(ctx, "e1", "owner2", ttl)
	require.NoError(t, err)
	require.False(t, acq)

	require.NoError(t, store.ReleaseLease(ctx, "e1", "owner1"))
	acq, err = store.TryAcquireLease(ctx, "e1", "owner2", ttl)
	require.NoError(t, err)
	require.True(t, acq, "owner2 should acquire after release")

	expire()
	acq, err = store.TryAcquireLease(ctx, "e1", "owner3", ttl)
	require.NoError(t, err)
	require.True(t, acq, "owner3 should take over an expired lease")

	_, err = store.TryAcquireLease(ctx, "e1", "owner3", 0)
	require.ErrorIs(t, err, ErrInvalidTTL)
}

// testLeaseContention checks that exactly one of many concurrent owners wins.
func testLeaseContention(t *testing.T, store ExecutionStore) {
	ctx := context.Background()
	const owners = 8

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range owners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.TryAcquireLease(ctx, "contended", "owner-"+string(rune('a'+i)), time.Minute)
			if err != nil {
				t.Errorf("TryAcquireLease: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one lease holder, got %d", wins)
	}
}

func testMonitorStore(t *testing.T, store SLAMonitorStore) {
	ctx := context.Background()

	require.NoError(t, store.SaveMonitor(ctx, api.SLAMonitor{ExecutionID: "e1", SLAID: "late", Deadline: t0.Add(2 * time.Minute)}))
	require.NoError(t, store.SaveMonitor(ctx, api.SLAMonitor{ExecutionID: "e1", SLAID: "early", Deadline: t0.Add(time.Minute)}))
	require.NoError(t, store.SaveMonitor(ctx, api.SLAMonitor{ExecutionID: "e2", SLAID: "early", Deadline: t0.Add(time.Minute)}))
	require.NoError(t, store.PurgeMonitors(ctx, "e2"))

	collect := func(now time.Time) []api.SLAMonitor {
		var out []api.SLAMonitor
		require.NoError(t, store.ProcessExpiredMonitors(ctx, now, func(m api.SLAMonitor) error {
			out = append(out, m)
			return nil
		}))
		return out
	}

	assert.Empty(t, collect(t0.Add(30*time.Second)))

	due := collect(t0.Add(90 * time.Second))
	require.Len(t, due, 1)
	assert.Equal(t, "e1", due[0].ExecutionID)
	assert.Equal(t, "early", due[0].SLAID)
	assert.True(t, t0.Add(time.Minute).Equal(due[0].Deadline))

	// Processed monitors are gone.
	due = collect(t0.Add(time.Hour))
	require.Len(t, due, 1)
	assert.Equal(t, "late", due[0].SLAID)
	assert.Empty(t, collect(t0.Add(time.Hour)))

	// A failing callback keeps the monitor for the next round.
	require.NoError(t, store.SaveMonitor(ctx, api.SLAMonitor{ExecutionID: "e3", SLAID: "s", Deadline: t0}))
	boom := errors.New("boom")
	err := store.ProcessExpiredMonitors(ctx, t0, func(api.SLAMonitor) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Len(t, collect(t0), 1)
}

func testDelayStore(t *testing.T, store DelayStore) {
	ctx := context.Background()

	retry := api.ExecutionDelay{ExecutionID: "e1", TaskRunID: "tr1", Kind: api.DelayRetry, Attempt: 1, Date: t0.Add(5 * time.Second)}
	timeout := api.ExecutionDelay{ExecutionID: "e1", TaskRunID: "tr2", Kind: api.DelayTaskTimeout, Attempt: 1, Date: t0.Add(10 * time.Second)}
	other := api.ExecutionDelay{ExecutionID: "e2", Kind: api.DelayKillTimeout, Date: t0}
	require.NoError(t, store.SaveDelay(ctx, retry))
	require.NoError(t, store.SaveDelay(ctx, timeout))
	require.NoError(t, store.SaveDelay(ctx, other))
	require.NoError(t, store.PurgeDelays(ctx, "e2"))

	// Rescheduling replaces the delay with the same key.
	timeout.Date = t0.Add(20 * time.Second)
	require.NoError(t, store.SaveDelay(ctx, timeout))

	collect := func(now time.Time) []api.ExecutionDelay {
		var out []api.ExecutionDelay
		require.NoError(t, store.ProcessExpiredDelays(ctx, now, func(d api.ExecutionDelay) error {
			out = append(out, d)
			return nil
		}))
		return out
	}

	due := collect(t0.Add(15 * time.Second))
	require.Len(t, due, 1)
	assert.Equal(t, api.DelayRetry, due[0].Kind)
	assert.Equal(t, "tr1", due[0].TaskRunID)
	assert.Equal(t, 1, due[0].Attempt)
	assert.True(t, retry.Date.Equal(due[0].Date))

	due = collect(t0.Add(time.Minute))
	require.Len(t, due, 1)
	assert.Equal(t, api.DelayTaskTimeout, due[0].Kind)
	assert.Empty(t, collect(t0.Add(time.Minute)))
}

func testFlowStore(t *testing.T, store FlowStore) {
	ctx := context.Background()

	_, err := store.FindFlow(ctx, "ns", "f", nil)
	require.ErrorIs(t, err, ErrFlowNotFound)

	v1, err := store.SaveFlow(ctx, testFlow("f"))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Revision)

	edited := testFlow("f")
	edited.Description = "second"
	v2, err := store.SaveFlow(ctx, edited)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Revision)

	latest, err := store.FindFlow(ctx, "ns", "f", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Revision)
	assert.Equal(t, "second", latest.Description)

	one := 1
	first, err := store.FindFlow(ctx, "ns", "f", &one)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Revision)
	assert.Empty(t, first.Description)

	missing := 9
	_, err = store.FindFlow(ctx, "ns", "f", &missing)
	require.ErrorIs(t, err, ErrFlowNotFound)

	revisions, err := store.FindRevisions(ctx, "ns", "f")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, revisions)

	_, err = store.SaveFlow(ctx, testFlow("g"))
	require.NoError(t, err)
	flows, err := store.ListFlows(ctx)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "f", flows[0].ID)
	assert.Equal(t, 2, flows[0].Revision)

	_, err = store.SaveFlow(ctx, &api.Flow{ID: "bad"})
	require.ErrorIs(t, err, api.ErrInvalidFlow)
}
