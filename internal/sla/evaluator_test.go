package sla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/conductor/internal/expression"
	"github.com/petrijr/conductor/pkg/api"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func slaFlow(slas ...api.SLA) *api.Flow {
	return &api.Flow{
		Namespace: "ns",
		ID:        "f",
		Revision:  1,
		Tasks:     []api.Task{&api.Runnable{TaskBase: api.TaskBase{ID: "a", Type: "test"}}},
		SLAs:      slas,
	}
}

func runningExecution(t *testing.T, flow *api.Flow, inputs map[string]any) *api.Execution {
	t.Helper()
	exec := api.NewExecution(flow, inputs, nil, t0)
	running, err := exec.WithState(api.StateRunning, t0)
	require.NoError(t, err)
	return running
}

func TestMonitors_OnlyDeadlines(t *testing.T) {
	flow := slaFlow(
		api.SLA{ID: "slow", Type: api.SLAMaxDuration, Behavior: api.SLABehaviorFail, Duration: time.Minute},
		api.SLA{ID: "cond", Type: api.SLAExecutionCondition, Behavior: api.SLABehaviorNone, Expression: "{{ false }}"},
	)
	exec := runningExecution(t, flow, nil)

	monitors := Monitors(flow, exec, t0)
	require.Len(t, monitors, 1)
	assert.Equal(t, "slow", monitors[0].SLAID)
	assert.Equal(t, exec.ID, monitors[0].ExecutionID)
	assert.Equal(t, t0.Add(time.Minute), monitors[0].Deadline)
}

func TestEvaluateChanged_ConditionMatches(t *testing.T) {
	flow := slaFlow(api.SLA{
		ID:         "big",
		Type:       api.SLAExecutionCondition,
		Behavior:   api.SLABehaviorCancel,
		Labels:     map[string]string{"sla": "big"},
		Expression: "{{ inputs.size > 10 }}",
	})
	e := NewEvaluator(expression.New())

	small := runningExecution(t, flow, map[string]any{"size": 3})
	vs, err := e.EvaluateChanged(flow, small)
	require.NoError(t, err)
	assert.Empty(t, vs)

	big := runningExecution(t, flow, map[string]any{"size": 30})
	vs, err = e.EvaluateChanged(flow, big)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "big", vs[0].SLAID)
	assert.Equal(t, api.SLABehaviorCancel, vs[0].Behavior)
	assert.Equal(t, "big", vs[0].Labels["sla"])
}

func TestEvaluateEnding_AssertionSeesEndingState(t *testing.T) {
	flow := slaFlow(api.SLA{
		ID:         "must-succeed",
		Type:       api.SLAExecutionAssertion,
		Behavior:   api.SLABehaviorFail,
		Expression: "{{ execution.state == 'SUCCESS' }}",
	})
	e := NewEvaluator(expression.New())
	exec := runningExecution(t, flow, nil)

	vs, err := e.EvaluateEnding(flow, exec, api.StateSuccess)
	require.NoError(t, err)
	assert.Empty(t, vs)

	vs, err = e.EvaluateEnding(flow, exec, api.StateWarning)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "must-succeed", vs[0].SLAID)

	// The execution itself is untouched.
	assert.Equal(t, api.StateRunning, exec.State.Current())
}

func TestEvaluate_NonBooleanIsAnError(t *testing.T) {
	flow := slaFlow(api.SLA{
		ID:         "odd",
		Type:       api.SLAExecutionCondition,
		Behavior:   api.SLABehaviorNone,
		Expression: "{{ inputs.size }}",
	})
	e := NewEvaluator(expression.New())
	_, err := e.EvaluateChanged(flow, runningExecution(t, flow, map[string]any{"size": 3}))
	assert.Error(t, err)
}

func TestEvaluateDeadline(t *testing.T) {
	s := api.SLA{ID: "slow", Type: api.SLAMaxDuration, Behavior: api.SLABehaviorFail, Duration: time.Minute}
	flow := slaFlow(s)
	e := NewEvaluator(nil)
	exec := runningExecution(t, flow, nil)
	m := Monitors(flow, exec, t0)[0]

	assert.Nil(t, e.EvaluateDeadline(flow, exec, m, t0.Add(30*time.Second)))

	v := e.EvaluateDeadline(flow, exec, m, t0.Add(time.Minute))
	if v == nil {
		t.Fatalf("expected a violation at the deadline")
	}
	assert.Equal(t, "slow", v.SLAID)
	assert.Equal(t, api.StateFailed, ForcedState(*v))

	done, err := exec.WithState(api.StateSuccess, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Nil(t, e.EvaluateDeadline(flow, done, m, t0.Add(2*time.Minute)))

	// Removed from the flow after the monitor was saved.
	assert.Nil(t, e.EvaluateDeadline(slaFlow(), exec, m, t0.Add(2*time.Minute)))
}

func TestStrongestAndForcedState(t *testing.T) {
	_, ok := Strongest(nil)
	assert.False(t, ok)

	vs := []api.Violation{
		{SLAID: "a", Behavior: api.SLABehaviorNone},
		{SLAID: "b", Behavior: api.SLABehaviorCancel},
		{SLAID: "c", Behavior: api.SLABehaviorFail},
		{SLAID: "d", Behavior: api.SLABehaviorFail},
	}
	best, ok := Strongest(vs)
	require.True(t, ok)
	assert.Equal(t, "c", best.SLAID)

	assert.Equal(t, api.StateCancelled, ForcedState(vs[1]))
	assert.Equal(t, api.StateType(""), ForcedState(vs[0]))
}
