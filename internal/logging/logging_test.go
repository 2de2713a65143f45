// ABOUTME: Tests for logger construction and the colorized text handler
// ABOUTME: Checks level filtering, attribute rendering and json output

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for name, want := range tests {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestTextHandler_FiltersByLevel(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	logger := New(&buf, "warn", "text")

	logger.Info("hidden")
	logger.Warn("shown", "agent_id", "a1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN shown agent_id=a1")
}

func TestTextHandler_WithAttrsAndGroups(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	logger := New(&buf, "debug", "text").With("component", "conn").WithGroup("session")

	logger.Debug("dialing", "attempt", 2)

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, "DBG dialing")
	assert.Contains(t, line, "component=conn")
	assert.Contains(t, line, "session.attempt=2")
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json")

	logger.Info("applied", "version", 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "applied", rec["msg"])
	assert.Equal(t, float64(7), rec["version"])
}
