package logging

import "context"

// NoOpLogger discards everything. Components fall back to it when built
// without a logger, and tests use it to keep output quiet.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-op logger
func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Info(msg string, fields ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, fields ...interface{})  {}
func (n *NoOpLogger) Error(msg string, fields ...interface{}) {}
func (n *NoOpLogger) Debug(msg string, fields ...interface{}) {}

// Fatal does not exit.
func (n *NoOpLogger) Fatal(msg string, fields ...interface{}) {}

func (n *NoOpLogger) InfoContext(ctx context.Context, msg string, fields ...interface{})  {}
func (n *NoOpLogger) WarnContext(ctx context.Context, msg string, fields ...interface{})  {}
func (n *NoOpLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {}
func (n *NoOpLogger) DebugContext(ctx context.Context, msg string, fields ...interface{}) {}

func (n *NoOpLogger) WithTraceID(traceID string) Logger     { return n }
func (n *NoOpLogger) WithComponent(component string) Logger { return n }

// OrNoOp returns l, or a NoOpLogger when l is nil.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NewNoOpLogger()
	}
	return l
}
