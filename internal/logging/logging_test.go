package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLogger_WritesStructuredOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := NewSlog(slog.New(handler))

	logger.Debug("debug message", "segment", 1)
	logger.Info("info message", "segment", 2)
	logger.Warn("warn message")
	logger.Error("error message", "error", "boom")

	out := buf.String()
	assert.Contains(t, out, "debug message")
	assert.Contains(t, out, "segment=2")
	assert.Contains(t, out, "error=boom")
}

func TestNewSlogDefault(t *testing.T) {
	require.NotNil(t, NewSlogDefault())
}

func TestNopLogger_DoesNothing(t *testing.T) {
	logger := NewNop()

	assert.NotPanics(t, func() {
		logger.Debug("msg", "k", "v")
		logger.Info("msg")
		logger.Warn("msg")
		logger.Error("msg", "error", "boom")
		logger.Fatal("msg")
	})
}
