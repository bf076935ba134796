package logging

import (
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"time"

	govErrors "plugin-governor/internal/errors"
)

// LogError logs err, expanding the component, operation and category of an
// EnhancedError or the code and reason of a GovernanceError into fields.
func LogError(l Logger, msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}
	fields = append(fields, "error", err.Error())

	var enhanced *govErrors.EnhancedError
	if stderrors.As(err, &enhanced) {
		fields = append(fields,
			"error_component", enhanced.Context.Component,
			"error_operation", enhanced.Context.Operation,
			"error_category", string(enhanced.Context.Category),
			"retryable", enhanced.Context.Retryable,
		)
		for k, v := range enhanced.Context.Metadata {
			fields = append(fields, "meta_"+k, v)
		}
	}

	var governance *govErrors.GovernanceError
	if stderrors.As(err, &governance) {
		fields = append(fields, "error_code", string(governance.Code))
		if governance.Reason != "" {
			fields = append(fields, "error_reason", string(governance.Reason))
		}
	}

	l.Error(msg, fields...)
}

// LogOperation runs fn and logs its duration, at debug level on success and
// through LogError on failure.
func LogOperation(l Logger, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	if err != nil {
		LogError(l, "Operation failed", err, "operation", operation, "duration_ms", duration.Milliseconds())
		return err
	}
	l.Debug("Operation completed", "operation", operation, "duration_ms", duration.Milliseconds())
	return nil
}

// RecoverPanic must be deferred directly. It swallows a panic and logs it
// with the stack, so a failing callback cannot unwind into the caller.
// It reports whether a panic was recovered through recovered, if non-nil.
func RecoverPanic(l Logger, where string, recovered *bool, fields ...interface{}) {
	r := recover()
	if r == nil {
		return
	}
	if recovered != nil {
		*recovered = true
	}
	fields = append(fields, "where", where, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
	l.Error("Recovered panic", fields...)
}
