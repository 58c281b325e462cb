// ABOUTME: Tests for logger construction and the color console handler.
// ABOUTME: Color output is disabled so assertions see plain text.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", "json").Info("node registered", "node_id", "A")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "node registered", rec["msg"])
	assert.Equal(t, "A", rec["node_id"])
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "text").With("component", "gateway").WithGroup("node")

	logger.Debug("hidden")
	logger.Warn("circuit open", "id", "A")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN circuit open")
	assert.Contains(t, out, "component=gateway")
	assert.Contains(t, out, "node.id=A")
}
