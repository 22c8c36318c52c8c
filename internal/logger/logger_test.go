package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToAddsAppAndEnv(t *testing.T) {
	var buf bytes.Buffer
	NewTo(&buf, "chain-event-relay", "test", "info").Info("relay_started", "addr", ":8080")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "relay_started", line["msg"])
	assert.Equal(t, "chain-event-relay", line["app"])
	assert.Equal(t, "test", line["env"])
	assert.Equal(t, ":8080", line["addr"])
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := NewTo(&buf, "a", "b", "warn")
	log.Info("dropped")
	assert.Zero(t, buf.Len())
	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
