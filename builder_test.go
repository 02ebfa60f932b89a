package conductor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/conductor/pkg/api"
)

func TestFlowBuilder_Build(t *testing.T) {
	flow, err := New("company.team", "onboarding").
		Description("onboard a user").
		Label("team", "core").
		Input("email", true, nil).
		Task(
			LogTask("start", "onboarding {{ inputs.email }}"),
			WithRetry(Runnable("create", "acme.CreateAccount", map[string]any{"plan": "free"}), Retry(3).Constant(time.Second)),
			Parallel("notify", 0, ReturnTask("mail", "sent"), ReturnTask("sms", "sent")),
		).
		Errors(LogTask("alert", "failed")).
		Defaults("acme.CreateAccount", map[string]any{"region": "eu"}).
		SLA(SLA{ID: "max", Type: api.SLAMaxDuration, Behavior: api.SLABehaviorFail, Duration: time.Hour}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "company.team/onboarding", flow.UID())
	assert.Equal(t, map[string]string{"team": "core"}, flow.Labels)
	require.Len(t, flow.Tasks, 3)
	require.Len(t, flow.Errors, 1)
	assert.True(t, flow.IsErrorTask("alert"))

	create, err := flow.FindTask("create")
	require.NoError(t, err)
	assert.Equal(t, 3, flow.ResolveRetry(create).Base().MaxAttempts)
	assert.Equal(t, map[string]any{"plan": "free", "region": "eu"}, flow.TaskProperties(create.(*api.Runnable)))

	parent := flow.FindParent("sms")
	require.NotNil(t, parent)
	assert.Equal(t, "notify", parent.TaskID())
}

func TestFlowBuilder_BuildReportsEveryError(t *testing.T) {
	_, err := New("", "broken").
		Task(LogTask("a", "x"), LogTask("a", "y")).
		Build()
	require.ErrorIs(t, err, api.ErrInvalidFlow)
	assert.Contains(t, err.Error(), "namespace is required")
	assert.Contains(t, err.Error(), `duplicate task id "a"`)
}

func TestFlowBuilder_MustBuildPanics(t *testing.T) {
	assert.Panics(t, func() { New("company.team", "empty").MustBuild() })
}

func TestFlowBuilder_RoundTripsThroughYAML(t *testing.T) {
	flow := New("company.team", "loop").
		Task(ForEach("each", `["a","b"]`, 1, ReturnTask("echo", "{{ taskrun.value }}"))).
		Task(Switch("route", "{{ inputs.kind }}", map[string][]Task{"x": {LogTask("isx", "x")}}, LogTask("other", "other"))).
		Task(WithTimeout(Pause("hold", time.Minute), time.Hour)).
		Task(AllowFailure(Subflow("child", "company.billing", "invoice", map[string]string{"id": "1"}))).
		MustBuild()

	source, err := MarshalFlow(flow)
	require.NoError(t, err)
	parsed, err := ParseFlow(source)
	require.NoError(t, err)

	each, err := parsed.FindTask("each")
	require.NoError(t, err)
	assert.Equal(t, 1, each.(*api.ForEach).Concurrency)

	hold, err := parsed.FindTask("hold")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, hold.(*api.Pause).Delay)
	assert.Equal(t, time.Hour, hold.Common().Timeout)

	child, err := parsed.FindTask("child")
	require.NoError(t, err)
	sub := child.(*api.Subflow)
	assert.True(t, sub.Wait)
	assert.True(t, sub.TransmitFailed)
	assert.True(t, sub.AllowFailure)
	assert.Equal(t, map[string]string{"id": "1"}, sub.Inputs)
}
