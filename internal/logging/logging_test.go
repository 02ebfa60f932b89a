package logging

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"WARN":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(Config{Format: "xml"})
	require.Error(t, err)
	_, err = New(Config{Output: "syslog"})
	require.Error(t, err)
	_, err = New(Config{Output: "file"})
	require.Error(t, err)
}

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.log")
	log, err := New(Config{Level: "info", Output: "file", FilePath: path, MaxSize: 1})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Named("executor").Info("execution created", zap.String("execution", "e1"))
	require.NoError(t, log.Sync())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, sonic.Unmarshal(scanner.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "execution created", lines[0]["msg"])
	assert.Equal(t, "executor", lines[0]["logger"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "e1", lines[0]["execution"])
}

func TestWatermillAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := NewWatermillAdapter(zap.New(core)).With(watermill.LogFields{"topic": "execution"})

	adapter.Info("subscribed", watermill.LogFields{"partition": 2})
	adapter.Trace("ack", nil)
	adapter.Error("publish failed", errors.New("closed"), nil)

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "execution", fields["topic"])
	assert.EqualValues(t, 2, fields["partition"])

	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, "execution", entries[1].ContextMap()["topic"])

	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "closed", entries[2].ContextMap()["error"])
}
