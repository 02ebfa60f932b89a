package parser

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/conductor/pkg/api"
)

const fullFlow = `
id: orders
namespace: company.team
description: process orders
labels:
  team: shop
inputs:
  - id: region
    defaults: eu
retry:
  type: constant
  interval: 5s
  maxAttempts: 2
sla:
  - id: slow
    type: MAX_DURATION
    behavior: FAIL
    duration: PT1H
pluginDefaults:
  - type: io.conductor.http.Request
    values:
      method: GET
triggers:
  - id: nightly
    type: io.conductor.trigger.Schedule
    cron: "0 2 * * *"
tasks:
  - id: fetch
    type: io.conductor.http.Request
    uri: https://example.com/orders
    timeout: 30s
    retry:
      type: exponential
      interval: 1s
      maxInterval: 10s
      maxAttempts: 5
      behavior: create_new_execution
  - id: route
    type: io.conductor.flow.Switch
    value: "{{ inputs.region }}"
    cases:
      eu:
        - id: eu-ship
          type: io.conductor.core.Log
    defaults:
      - id: other-ship
        type: io.conductor.core.Log
  - id: each
    type: io.conductor.flow.ForEach
    values: [a, b, c]
    concurrency: 2
    tasks:
      - id: item
        type: io.conductor.core.Log
        allowFailure: true
  - id: child
    type: io.conductor.flow.Subflow
    namespace: company.team
    flowId: invoice
    wait: false
  - id: approval
    type: io.conductor.flow.Pause
    delay: 10m
errors:
  - id: alert
    type: io.conductor.core.Log
`

func TestParse_FullFlow(t *testing.T) {
	flow, err := Parse([]byte(fullFlow))
	require.NoError(t, err)

	assert.Equal(t, "orders", flow.ID)
	assert.Equal(t, "company.team", flow.Namespace)
	assert.Equal(t, "shop", flow.Labels["team"])
	require.Len(t, flow.Inputs, 1)
	assert.Equal(t, "eu", flow.Inputs[0].Default)
	require.Len(t, flow.SLAs, 1)
	assert.Equal(t, time.Hour, flow.SLAs[0].Duration)
	assert.Equal(t, api.SLABehaviorFail, flow.SLAs[0].Behavior)
	assert.IsType(t, api.ConstantRetry{}, flow.Retry)
	require.Len(t, flow.Triggers, 1)
	assert.Equal(t, "0 2 * * *", flow.Triggers[0].Properties["cron"])
	assert.Contains(t, flow.Source, "id: orders")

	require.Len(t, flow.Tasks, 5)
	fetch, ok := flow.Tasks[0].(*api.Runnable)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/orders", fetch.Properties["uri"])
	assert.NotContains(t, fetch.Properties, "retry")
	assert.NotContains(t, fetch.Properties, "timeout")
	assert.Equal(t, 30*time.Second, fetch.Timeout)
	exp, ok := fetch.Retry.(api.ExponentialRetry)
	require.True(t, ok)
	assert.Equal(t, api.RetryNewExecution, exp.Behavior)
	assert.Equal(t, 10*time.Second, exp.MaxInterval)
	assert.Equal(t, "GET", flow.TaskProperties(fetch)["method"])

	sw, ok := flow.Tasks[1].(*api.Switch)
	require.True(t, ok)
	assert.Len(t, sw.Cases["eu"], 1)
	assert.Len(t, sw.Defaults, 1)

	each, ok := flow.Tasks[2].(*api.ForEach)
	require.True(t, ok)
	assert.JSONEq(t, `["a","b","c"]`, each.Values)
	assert.Equal(t, 2, each.Concurrency)
	assert.True(t, each.Tasks[0].Common().AllowFailure)

	sub, ok := flow.Tasks[3].(*api.Subflow)
	require.True(t, ok)
	assert.False(t, sub.Wait)
	assert.True(t, sub.TransmitFailed)

	pause, ok := flow.Tasks[4].(*api.Pause)
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, pause.Delay)

	require.Len(t, flow.Errors, 1)
}

func TestParse_AggregatesErrors(t *testing.T) {
	_, err := Parse([]byte(`
id: broken
tasks:
  - id: a
  - id: b
    type: io.conductor.flow.Sequential
  - id: c
    type: io.conductor.core.Log
    retry:
      type: sometimes
      maxAttempts: 2
  - id: c
    type: io.conductor.core.Log
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrInvalidFlow)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	// Missing namespace, missing type, empty sequential, unknown retry type,
	// duplicate id.
	assert.Len(t, merr.Errors, 5)
}

func TestParse_RejectsUnknownFlowType(t *testing.T) {
	_, err := Parse([]byte(`
id: f
namespace: ns
tasks:
  - id: a
    type: io.conductor.flow.Loop
`))
	assert.ErrorIs(t, err, api.ErrInvalidFlow)
}

func TestParse_RetryBehaviorShortForms(t *testing.T) {
	for behavior, want := range map[string]api.RetryBehavior{
		"RETRY_FAILED":         api.RetryFailedTask,
		"retry_failed_task":    api.RetryFailedTask,
		"NEW_EXECUTION":        api.RetryNewExecution,
		"CREATE_NEW_EXECUTION": api.RetryNewExecution,
	} {
		t.Run(behavior, func(t *testing.T) {
			flow, err := Parse([]byte(`
id: f
namespace: ns
tasks:
  - id: a
    type: test.Noop
    retry:
      type: constant
      interval: 1s
      maxAttempts: 2
      behavior: ` + behavior + `
`))
			require.NoError(t, err)
			assert.Equal(t, want, flow.Tasks[0].Common().Retry.Base().Behavior)
		})
	}

	_, err := Parse([]byte(`
id: f
namespace: ns
tasks:
  - id: a
    type: test.Noop
    retry: {type: constant, interval: 1s, maxAttempts: 2, behavior: SOMETIMES}
`))
	assert.ErrorIs(t, err, api.ErrInvalidFlow)
}

func TestParse_EmptyDocument(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, api.ErrInvalidFlow)
}

func TestParseDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("a.yml", "id: a\nnamespace: ns\ntasks:\n  - id: t\n    type: x\n")
	write("b.yaml", "id: b\nnamespace: ns\ntasks:\n  - id: t\n    type: x\n")
	write("notes.txt", "ignored")

	flows, err := ParseDir(dir)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "a", flows[0].ID)
	assert.Equal(t, "b", flows[1].ID)
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"":        0,
		"1m30s":   90 * time.Second,
		"PT1M30S": 90 * time.Second,
		"P1D":     24 * time.Hour,
		"P1DT2H":  26 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDuration("soon")
	assert.Error(t, err)
}

func TestMarshal_ProgrammaticFlowParsesBack(t *testing.T) {
	flow := &api.Flow{
		Namespace: "ns",
		ID:        "built",
		Retry:     api.ConstantRetry{RetryBase: api.RetryBase{MaxAttempts: 3}, Interval: 5 * time.Second},
		Tasks: []api.Task{
			&api.Parallel{
				TaskBase:    api.TaskBase{ID: "fan", Type: api.TypeParallel},
				Concurrency: 2,
				Tasks: []api.Task{
					&api.Runnable{TaskBase: api.TaskBase{ID: "a", Type: "io.conductor.core.Log"}, Properties: map[string]any{"message": "hi"}},
					&api.ForEach{
						TaskBase: api.TaskBase{ID: "each", Type: api.TypeForEach},
						Values:   `["x","y"]`,
						Tasks:    []api.Task{&api.Runnable{TaskBase: api.TaskBase{ID: "item", Type: "io.conductor.core.Log"}}},
					},
				},
			},
		},
	}

	data, err := Marshal(flow)
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, api.ConstantRetry{RetryBase: api.RetryBase{MaxAttempts: 3}, Interval: 5 * time.Second}, back.Retry)
	fan, ok := back.Tasks[0].(*api.Parallel)
	require.True(t, ok)
	assert.Equal(t, 2, fan.Concurrency)
	assert.Equal(t, "hi", fan.Tasks[0].(*api.Runnable).Properties["message"])
	assert.JSONEq(t, `["x","y"]`, fan.Tasks[1].(*api.ForEach).Values)
}
