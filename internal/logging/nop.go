package logging

import "github.com/tsobe/pooled/types"

// NopLogger discards all log output.
type NopLogger struct{}

var _ types.Logger = (*NopLogger)(nil)

// NewNop returns a logger that discards everything.
func NewNop() *NopLogger {
	return &NopLogger{}
}

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// Fatal discards the message and, unlike production loggers, does not
// terminate the process. Intentional for testing scenarios.
func (*NopLogger) Fatal(string, ...any) {}
