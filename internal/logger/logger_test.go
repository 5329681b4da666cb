package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restpipe/internal/models"
	"restpipe/internal/version"
)

var testVersion = version.Info{Version: "1.2.3", GitCommit: "abc1234", BuildDate: "2026-02-21T10:00:00Z"}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input     string
		expected  slog.Level
		expectErr bool
	}{
		{input: "debug", expected: slog.LevelDebug},
		{input: "info", expected: slog.LevelInfo},
		{input: "warn", expected: slog.LevelWarn},
		{input: "error", expected: slog.LevelError},
		{input: "DEBUG", expected: slog.LevelDebug},
		{input: "Info", expected: slog.LevelInfo},
		{input: "invalid", expectErr: true},
		{input: "", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestSetupStandardOutputs(t *testing.T) {
	for _, cfg := range []models.LoggingConfig{
		{Level: "info", Format: "json", Output: "stdout"},
		{Level: "debug", Format: "text", Output: "stdout"},
		{Level: "warn", Format: "console", Output: "stderr"},
	} {
		logger, closer, err := Setup(cfg, testVersion)
		require.NoError(t, err)
		assert.Nil(t, closer)
		assert.NotNil(t, logger)
	}
}

func TestSetupFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	logger, closer, err := Setup(models.LoggingConfig{
		Level:    "info",
		Format:   "json",
		Output:   "file",
		FilePath: logFile,
	}, testVersion)
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer closer.Close()

	logger.Debug("filtered")
	logger.Info("test message", "key", "value")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry), string(data))
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, "1.2.3", entry["version"])
	assert.Equal(t, "abc1234", entry["git_commit"])
}

func TestSetupErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  models.LoggingConfig
	}{
		{"file without path", models.LoggingConfig{Level: "info", Format: "json", Output: "file"}},
		{"unwritable path", models.LoggingConfig{Level: "info", Format: "json", Output: "file", FilePath: "/nonexistent/directory/test.log"}},
		{"invalid level", models.LoggingConfig{Level: "trace", Format: "json", Output: "stdout"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Setup(tt.cfg, testVersion)
			assert.Error(t, err)
		})
	}
}

func TestNewHandler(t *testing.T) {
	t.Run("console without colour", func(t *testing.T) {
		var buf bytes.Buffer
		slog.New(newHandler("console", &buf, slog.LevelInfo, false)).Info("hello", "user", "alice")
		out := buf.String()
		assert.Contains(t, out, "hello")
		assert.Contains(t, out, "user=alice")
		assert.NotContains(t, out, "\x1b[")
	})

	t.Run("console with colour", func(t *testing.T) {
		var buf bytes.Buffer
		slog.New(newHandler("console", &buf, slog.LevelInfo, true)).Warn("careful")
		assert.Contains(t, buf.String(), "\x1b[")
	})

	t.Run("text filters by level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(newHandler("text", &buf, slog.LevelWarn, false))
		logger.Info("should not appear")
		logger.Warn("should appear")
		assert.NotContains(t, buf.String(), "should not appear")
		assert.Contains(t, buf.String(), "should appear")
	})
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, isTerminal(&bytes.Buffer{}))

	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, isTerminal(f))
}
