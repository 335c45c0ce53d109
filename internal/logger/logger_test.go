package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartattendance/internal/config"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(config.App{LogLevel: "loud", LogFormat: "json"})
	require.Error(t, err)
}

func TestNew_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attendance.log")

	log, err := New(config.App{LogLevel: "info", LogFormat: "console", LogFile: path, Env: "test"})
	require.NoError(t, err)

	log.Info("student registered")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "student registered")
	assert.Contains(t, string(data), `"env":"test"`)
}
