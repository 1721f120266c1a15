package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	log, err := New("debug")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))

	log, err = New("not-a-level")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
}

func TestNewWithFileWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	log, err := NewWithFile("info", path)
	require.NoError(t, err)
	log.Info("segment persisted", zap.String("task_name", "task-1-clip"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_name":"task-1-clip"`)
	assert.Contains(t, string(data), `"timestamp"`)
}
