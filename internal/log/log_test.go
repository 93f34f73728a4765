package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelInfo})

	logger.Info("server started", "addr", "127.0.0.1:8080")
	logger.Debug("suppressed below level")

	out := buf.String()
	assert.Contains(t, out, "server started")
	assert.Contains(t, out, "addr=127.0.0.1:8080")
	assert.NotContains(t, out, "suppressed")
}

func TestNewWithWriterJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelDebug, JSON: true})

	logger.Debug("turn finished", "events", 7)

	out := buf.String()
	assert.Contains(t, out, `"msg":"turn finished"`)
	assert.Contains(t, out, `"events":7`)
}

func TestNewNopDiscards(t *testing.T) {
	logger := NewNop()
	require.NotNil(t, logger)
	logger.Error("goes nowhere")
}
