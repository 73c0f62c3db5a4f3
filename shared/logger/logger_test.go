package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]interface{} {
	t.Helper()

	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_JSONLevels(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantMsgs  []string
		wantLevel []string
	}{
		{
			name:      "debug logs everything",
			level:     "debug",
			wantMsgs:  []string{"probe args", "job claimed", "lease renewal slow", "job failed"},
			wantLevel: []string{"DEBUG", "INFO", "WARN", "ERROR"},
		},
		{
			name:      "info drops debug",
			level:     "info",
			wantMsgs:  []string{"job claimed", "lease renewal slow", "job failed"},
			wantLevel: []string{"INFO", "WARN", "ERROR"},
		},
		{
			name:      "warn drops info",
			level:     "warn",
			wantMsgs:  []string{"lease renewal slow", "job failed"},
			wantLevel: []string{"WARN", "ERROR"},
		},
		{
			name:      "error only",
			level:     "ERROR",
			wantMsgs:  []string{"job failed"},
			wantLevel: []string{"ERROR"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := &bytes.Buffer{}
			logger, err := New(&Config{Level: tt.level, Format: "json", writer: output})
			require.NoError(t, err)

			logger.Debug("probe args", slog.String("job_id", "j1"))
			logger.Info("job claimed", slog.String("job_id", "j1"))
			logger.Warn("lease renewal slow", slog.String("job_id", "j1"))
			logger.Error("job failed", slog.String("job_id", "j1"))

			entries := decodeLines(t, output)
			require.Len(t, entries, len(tt.wantMsgs))
			for i, entry := range entries {
				assert.Equal(t, tt.wantMsgs[i], entry["msg"])
				assert.Equal(t, tt.wantLevel[i], entry["level"])
				assert.Equal(t, "j1", entry["job_id"])
				assert.Contains(t, entry, "time")
			}
		})
	}
}

func TestNew_ConsoleFormats(t *testing.T) {
	for _, format := range []string{"console", "text", ""} {
		t.Run("format "+format, func(t *testing.T) {
			output := &bytes.Buffer{}
			logger, err := New(&Config{Level: "info", Format: format, NoColor: true, writer: output})
			require.NoError(t, err)

			logger.Info("segment uploaded", slog.String("key", "hls/u1/j1/master.m3u8"))

			line := output.String()
			// tint abbreviates levels
			assert.Contains(t, line, "INF")
			assert.Contains(t, line, "segment uploaded")
			assert.Contains(t, line, "key=hls/u1/j1/master.m3u8")
		})
	}
}

func TestNew_SourceLocation(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Level: "info", Format: "json", EnableSource: true, writer: output})
	require.NoError(t, err)

	logger.Info("message with source")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	source, ok := entries[0]["source"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, source, "function")
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{level: "debug", expected: slog.LevelDebug},
		{level: "DEBUG", expected: slog.LevelDebug},
		{level: "info", expected: slog.LevelInfo},
		{level: "warn", expected: slog.LevelWarn},
		{level: "warning", expected: slog.LevelWarn},
		{level: " Error ", expected: slog.LevelError},
		{level: "invalid", expected: slog.LevelInfo},
		{level: "", expected: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}

func TestLogger_With(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Level: "info", Format: "json", writer: output})
	require.NoError(t, err)

	jobLogger := logger.With(
		slog.String("worker_id", "worker-1"),
		slog.Int("attempt", 2),
	)
	jobLogger.Info("job requeued")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	assert.Equal(t, "worker-1", entries[0]["worker_id"])
	assert.Equal(t, float64(2), entries[0]["attempt"]) // JSON numbers are float64
	assert.Equal(t, "job requeued", entries[0]["msg"])
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	logger, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("written to file", slog.String("job_id", "42"))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "written to file", entry["msg"])
	assert.Equal(t, "42", entry["job_id"])
}

func TestNew_FileOutputUnwritable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "worker.log")

	logger, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.Error(t, err)
	assert.Nil(t, logger)
	assert.Contains(t, err.Error(), "failed to open log file")
}

func TestLogger_CloseWithoutFile(t *testing.T) {
	logger, err := New(&Config{Level: "info", writer: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.NoError(t, logger.Close())
}
