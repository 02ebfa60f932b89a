package conductor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petrijr/conductor/internal/config"
)

const greetFlow = `
id: greet
namespace: company.team
inputs:
  - id: name
    defaults: world
tasks:
  - id: hello
    type: io.conductor.core.Return
    value: "hello {{ inputs.name }}"
`

func sqliteConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte(greetFlow), 0o600))

	cfg := config.Default()
	cfg.Storage.Backend = config.BackendSQL
	cfg.Queue.Backend = config.BackendSQL
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "file:" + filepath.Join(dir, "conductor.db")
	cfg.FlowsDir = dir
	return cfg
}

func openBundle(t *testing.T, cfg *Config, opts ...Option) *Bundle {
	t.Helper()
	b, err := Open(context.Background(), cfg, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBundle_SQLiteSurvivesRestart(t *testing.T) {
	cfg := sqliteConfig(t)
	ctx := runCtx(t)

	first := openBundle(t, cfg)
	require.NoError(t, first.Start(ctx))
	exec, err := first.Engine.Execute(ctx, "company.team", "greet", map[string]any{"name": "gopher"})
	require.NoError(t, err)
	done, err := first.Engine.WaitForTerminal(ctx, exec.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, done.State.Current())
	require.NoError(t, first.Close())

	second := openBundle(t, cfg)
	reloaded, err := second.Engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, reloaded.State.Current())
	assert.Equal(t, "hello gopher", reloaded.TaskRuns[0].Outputs["value"])

	// Redeploying the same source on start keeps revision 1.
	require.NoError(t, second.Start(ctx))
	flows, err := second.DeployDir(ctx, cfg.FlowsDir)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, 1, flows[0].Revision)
}

func TestBundle_WatermillQueueWithMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Backend = config.BackendWatermill
	cfg.Metrics.Enabled = true
	b := openBundle(t, cfg)
	ctx := runCtx(t)
	require.NoError(t, b.Start(ctx))
	require.Error(t, b.Start(ctx))

	flow, err := ParseFlow([]byte(greetFlow))
	require.NoError(t, err)
	_, err = b.Engine.DeployFlow(ctx, flow)
	require.NoError(t, err)
	exec, err := b.Engine.Execute(ctx, "company.team", "greet", nil)
	require.NoError(t, err)
	done, err := b.Engine.WaitForTerminal(ctx, exec.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "hello world", done.TaskRuns[0].Outputs["value"])

	handler := b.MetricsHandler()
	require.NotNil(t, handler)
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body, _ := io.ReadAll(rec.Body)
		return rec.Code == http.StatusOK &&
			strings.Contains(string(body), `conductor_executions_ended_total{namespace="company.team",state="SUCCESS"} 1`)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBundle_WithoutWorkerLeavesTasksQueued(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.Enabled = false
	b := openBundle(t, cfg)
	ctx := runCtx(t)
	require.NoError(t, b.Start(ctx))
	assert.Nil(t, b.Worker)
	assert.Nil(t, b.MetricsHandler())

	flow, err := ParseFlow([]byte(greetFlow))
	require.NoError(t, err)
	_, err = b.Engine.DeployFlow(ctx, flow)
	require.NoError(t, err)
	exec, err := b.Engine.Execute(ctx, "company.team", "greet", nil)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = b.Engine.WaitForTerminal(short, exec.ID, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "cassandra"
	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
}
