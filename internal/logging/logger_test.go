package logging

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

func TestLoggerConsoleLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	l.Log(&RequestLog{RequestID: "abc", Route: "/getphoto-redis", Cache: CacheHit, Status: 200, DurationMs: 3})
	l.Log(&RequestLog{RequestID: "def", Route: "/getphoto-redis", Cache: CacheMiss, Status: 502, Error: "origin down"})

	out := buf.String()
	assert.Contains(t, out, "✓ abc /getphoto-redis 200 3ms [hit]")
	assert.Contains(t, out, "✗ def /getphoto-redis 502")
	assert.Contains(t, out, "error: origin down")
}

func TestLoggerFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	l := NewLogger(nil)
	require.NoError(t, l.SetOutput(path))

	l.Log(&RequestLog{RequestID: "abc", Route: "/getphoto", Cache: CacheBypass, Status: 200})
	l.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry RequestLog
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "abc", entry.RequestID)
	assert.Equal(t, CacheBypass, entry.Cache)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestSetLevelFromString(t *testing.T) {
	defer SetLevel(slog.LevelInfo)

	SetLevelFromString("WARNING")
	assert.Equal(t, slog.LevelWarn, logLevel.Level())

	SetLevelFromString("nonsense")
	assert.Equal(t, slog.LevelWarn, logLevel.Level())
}

func TestInitStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	InitStructuredTo(&buf, "json", "info")
	defer InitStructured("text", "info")

	Op().Info("pool ready", "pool", "Main")
	line := strings.TrimSpace(buf.String())

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "pool ready", rec["msg"])
	assert.Equal(t, "Main", rec["pool"])
}

func TestOpWithTrace(t *testing.T) {
	var buf bytes.Buffer
	InitStructuredTo(&buf, "json", "info")
	defer InitStructured("text", "info")

	OpWithTrace("", "").Info("untraced")
	OpWithTrace("4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7").Info("traced")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var untraced, traced map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &untraced))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &traced))
	assert.NotContains(t, untraced, "trace_id")
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", traced["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", traced["span_id"])
}
