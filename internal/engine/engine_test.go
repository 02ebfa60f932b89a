package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
)

const helloFlow = `
id: hello
namespace: company.team
labels:
  team: core
inputs:
  - id: greeting
    defaults: hi
  - id: name
    required: true
tasks:
  - id: say
    type: io.conductor.core.Return
    value: "{{ inputs.greeting }} {{ inputs.name }}"
`

func TestNewEngine_RequiresStoresAndQueue(t *testing.T) {
	_, err := NewEngine(Config{Queue: taskqueue.NewInMemoryQueue(taskqueue.Config{})})
	require.Error(t, err)

	_, err = NewEngine(Config{Persistence: persistence.NewInMemoryPersistence()})
	require.Error(t, err)

	_, err = NewExecutor(Config{Persistence: persistence.Persistence{}, Queue: taskqueue.NewInMemoryQueue(taskqueue.Config{})})
	require.Error(t, err)
}

func TestEngine_DeployFlowAssignsRevisions(t *testing.T) {
	h := newHarness(t)
	first := h.deploy(helloFlow)
	assert.Equal(t, 1, first.Revision)

	// Deploying the same source again keeps the revision.
	again := h.deploy(helloFlow)
	assert.Equal(t, 1, again.Revision)

	second := h.deploy(helloFlow + "\ndescription: v2\n")
	assert.Equal(t, 2, second.Revision)

	_, err := h.engine.DeployFlow(h.ctx, &api.Flow{Namespace: "company.team"})
	require.ErrorIs(t, err, api.ErrInvalidFlow)
	_, err = h.engine.DeployFlow(h.ctx, nil)
	require.ErrorIs(t, err, api.ErrInvalidFlow)
}

func TestEngine_ExecuteAppliesInputsAndLabels(t *testing.T) {
	h := newHarness(t)
	flow := h.deploy(helloFlow)

	exec, err := h.engine.Execute(h.ctx, "company.team", "hello", map[string]any{"name": "ada"}, api.Label{Key: "run", Value: "manual"})
	require.NoError(t, err)
	assert.Equal(t, flow.Revision, exec.FlowRevision)
	assert.Equal(t, "hi", exec.Inputs["greeting"])
	assert.Equal(t, []api.Label{{Key: "team", Value: "core"}, {Key: "run", Value: "manual"}}, exec.Labels)
	assert.Equal(t, 1, exec.Metadata.Attempt)
	assert.Equal(t, exec.ID, exec.Metadata.OriginalID)

	done := h.awaitState(exec.ID, 0, api.StateSuccess)
	assert.Equal(t, "hi ada", taskRun(t, done, "say").Outputs["value"])
}

func TestEngine_ExecuteRejectsMissingInput(t *testing.T) {
	h := newHarness(t)
	h.deploy(helloFlow)

	_, err := h.engine.Execute(h.ctx, "company.team", "hello", nil)
	require.ErrorIs(t, err, ErrMissingInput)

	execs, err := h.engine.ListExecutions(h.ctx, api.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestEngine_ExecuteUnknownOrDisabledFlow(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Execute(h.ctx, "company.team", "missing", nil)
	require.ErrorIs(t, err, api.ErrFlowNotFound)

	h.deploy(`
id: off
namespace: company.team
disabled: true
tasks:
  - id: a
    type: io.conductor.core.Log
    message: never
`)
	_, err = h.engine.Execute(h.ctx, "company.team", "off", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestEngine_CommandsOnUnknownExecution(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.engine.Kill(h.ctx, "nope"), api.ErrExecutionNotFound)
	require.ErrorIs(t, h.engine.Pause(h.ctx, "nope"), api.ErrExecutionNotFound)
	require.ErrorIs(t, h.engine.Resume(h.ctx, "nope"), api.ErrExecutionNotFound)
	require.ErrorIs(t, h.engine.Restart(h.ctx, "nope", nil), api.ErrExecutionNotFound)
}

func TestEngine_RestartChecksStateAndRevision(t *testing.T) {
	h := newHarness(t)
	h.deploy(helloFlow)
	exec := h.execute("company.team", "hello", map[string]any{"name": "ada"})
	h.awaitState(exec.ID, 0, api.StateSuccess)

	require.ErrorIs(t, h.engine.Restart(h.ctx, exec.ID, nil), api.ErrNotRestartable)

	h.deploy(`
id: broken
namespace: company.team
tasks:
  - id: boom
    type: io.conductor.core.Fail
`)
	failed := h.execute("company.team", "broken", nil)
	h.awaitState(failed.ID, 0, api.StateFailed)
	missing := 7
	require.ErrorIs(t, h.engine.Restart(h.ctx, failed.ID, &missing), api.ErrFlowNotFound)
}

func TestEngine_RestartOnNewRevision(t *testing.T) {
	h := newHarness(t)
	h.deploy(`
id: fixable
namespace: company.team
tasks:
  - id: step
    type: io.conductor.core.Fail
`)
	exec := h.execute("company.team", "fixable", nil)
	h.awaitState(exec.ID, 0, api.StateFailed)

	fixed := h.deploy(`
id: fixable
namespace: company.team
tasks:
  - id: step
    type: io.conductor.core.Return
    value: fixed
`)
	require.NoError(t, h.engine.Restart(h.ctx, exec.ID, &fixed.Revision))
	done := h.awaitState(exec.ID, 0, api.StateSuccess)
	assert.Equal(t, fixed.Revision, done.FlowRevision)
	assert.Equal(t, "fixed", taskRun(t, done, "step").Outputs["value"])
}

func TestEngine_ListExecutions(t *testing.T) {
	h := newHarness(t)
	h.deploy(helloFlow)
	h.deploy(`
id: broken
namespace: company.team
tasks:
  - id: boom
    type: io.conductor.core.Fail
`)
	ok := h.execute("company.team", "hello", map[string]any{"name": "ada"})
	ko := h.execute("company.team", "broken", nil)
	h.awaitState(ok.ID, 0, api.StateSuccess)
	h.awaitState(ko.ID, 0, api.StateFailed)

	all, err := h.engine.ListExecutions(h.ctx, api.ExecutionFilter{Namespace: "company.team"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := h.engine.ListExecutions(h.ctx, api.ExecutionFilter{State: api.StateFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ko.ID, failed[0].ID)
}

func TestEngine_WaitForTerminal(t *testing.T) {
	h := newHarness(t)
	h.deploy(helloFlow)
	exec := h.execute("company.team", "hello", map[string]any{"name": "ada"})

	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	done, err := h.engine.WaitForTerminal(ctx, exec.ID, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, api.StateSuccess, done.State.Current())

	h.deploy(`
id: pausing
namespace: company.team
tasks:
  - id: wait
    type: io.conductor.flow.Pause
`)
	paused := h.execute("company.team", "pausing", nil)
	short, cancelShort := context.WithTimeout(h.ctx, 50*time.Millisecond)
	defer cancelShort()
	_, err = h.engine.WaitForTerminal(short, paused.ID, 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
