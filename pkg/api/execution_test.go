package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testTaskRun(t *testing.T, states ...StateType) TaskRun {
	t.Helper()
	return TaskRun{
		ID:          TaskRunID("exec", "", "task", nil),
		ExecutionID: "exec",
		TaskID:      "task",
		Attempt:     1,
		State:       mustTransition(t, NewState(t0), states...),
	}
}

func TestTaskRunID_IsDeterministic(t *testing.T) {
	i, j := 1, 2
	assert.Equal(t, TaskRunID("e", "p", "t", &i), TaskRunID("e", "p", "t", &i))
	assert.NotEqual(t, TaskRunID("e", "p", "t", &i), TaskRunID("e", "p", "t", &j))
	assert.NotEqual(t, TaskRunID("e", "p", "t", nil), TaskRunID("e", "", "t", nil))
}

func TestIsTaskRunJoinable(t *testing.T) {
	created := testTaskRun(t)
	running := testTaskRun(t, StateRunning)
	success := testTaskRun(t, StateRunning, StateSuccess)

	assert.True(t, IsTaskRunJoinable(created, running))
	assert.True(t, IsTaskRunJoinable(created, success))
	assert.True(t, IsTaskRunJoinable(running, success))

	// Stale or duplicate reports.
	assert.False(t, IsTaskRunJoinable(running, running))
	assert.False(t, IsTaskRunJoinable(success, running))
	assert.False(t, IsTaskRunJoinable(success, testTaskRun(t, StateRunning, StateFailed)))

	// Reports of a previous attempt are dropped.
	retried := testTaskRun(t, StateRunning, StateRetrying, StateRetried)
	retried.Attempt = 2
	old := testTaskRun(t, StateRunning, StateFailed, StateRestarted, StateRunning, StateSuccess)
	assert.False(t, IsTaskRunJoinable(retried, old))
}

func TestIsTaskRunJoinable_RequiresLegalExtension(t *testing.T) {
	running := testTaskRun(t, StateRunning)

	rewound := running.Clone()
	rewound.State.Histories = append(rewound.State.Histories,
		History{State: StateCreated, Date: t0},
		History{State: StateSuccess, Date: t0},
	)
	assert.False(t, rewound.State.IsLegal())
	assert.False(t, IsTaskRunJoinable(running, rewound))

	// Legal on its own, but it does not extend the stored history.
	forked := testTaskRun(t, StateKilling, StateKilled)
	assert.True(t, forked.State.IsLegal())
	assert.False(t, IsTaskRunJoinable(running, forked))

	assert.True(t, IsTaskRunJoinable(running, testTaskRun(t, StateRunning, StateKilling, StateKilled)))
}

// Merging the same report twice changes nothing the second time.
func TestIsTaskRunJoinable_Idempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		paths := [][]StateType{
			{StateRunning},
			{StateRunning, StateSuccess},
			{StateRunning, StateFailed},
			{StateRunning, StateKilling, StateKilled},
		}
		path := rapid.SampledFrom(paths).Draw(rt, "path")
		stored := testTaskRun(t)
		incoming := testTaskRun(t, path...)

		if !IsTaskRunJoinable(stored, incoming) {
			rt.Fatalf("first report must be accepted")
		}
		stored = incoming
		if IsTaskRunJoinable(stored, incoming) {
			rt.Fatalf("duplicate report must be dropped")
		}
	})
}

func TestExecution_WithTaskRunDoesNotMutate(t *testing.T) {
	flow := &Flow{Namespace: "ns", ID: "f", Revision: 1}
	exec := NewExecution(flow, map[string]any{"k": "v"}, nil, t0)
	tr := testTaskRun(t)
	tr.ExecutionID = exec.ID

	updated := exec.WithTaskRun(tr)
	assert.Empty(t, exec.TaskRuns)
	require.Len(t, updated.TaskRuns, 1)

	running, err := tr.WithState(StateRunning, t0)
	require.NoError(t, err)
	again := updated.WithTaskRun(running)
	require.Len(t, again.TaskRuns, 1)
	assert.Equal(t, StateCreated, updated.TaskRuns[0].State.Current())
	assert.Equal(t, StateRunning, again.TaskRuns[0].State.Current())
}

func TestExecution_WithLabels(t *testing.T) {
	exec := &Execution{Labels: []Label{{Key: "team", Value: "a"}}}
	out := exec.WithLabels(map[string]string{"team": "b", "sla": "breached"})
	v, _ := out.Label("team")
	assert.Equal(t, "b", v)
	v, _ = out.Label("sla")
	assert.Equal(t, "breached", v)
	v, _ = exec.Label("team")
	assert.Equal(t, "a", v)
}

func TestFlow_ValidateRejectsDuplicateIDs(t *testing.T) {
	flow := &Flow{
		Namespace: "ns",
		ID:        "f",
		Tasks: []Task{
			&Runnable{TaskBase: TaskBase{ID: "a", Type: "x"}},
			&Sequential{
				TaskBase: TaskBase{ID: "seq", Type: TypeSequential},
				Tasks:    []Task{&Runnable{TaskBase: TaskBase{ID: "a", Type: "x"}}},
			},
		},
	}
	errs := flow.Validate()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInvalidFlow)
}

func TestFlow_FindParentAndErrorTasks(t *testing.T) {
	child := &Runnable{TaskBase: TaskBase{ID: "child", Type: "x"}}
	handler := &Runnable{TaskBase: TaskBase{ID: "handler", Type: "x"}}
	seq := &Sequential{TaskBase: TaskBase{ID: "seq", Type: TypeSequential}, Tasks: []Task{child}, Errors: []Task{handler}}
	flow := &Flow{Namespace: "ns", ID: "f", Tasks: []Task{seq}}

	assert.Equal(t, Task(seq), flow.FindParent("child"))
	assert.Nil(t, flow.FindParent("seq"))
	assert.True(t, flow.IsErrorTask("handler"))
	assert.False(t, flow.IsErrorTask("child"))
}
