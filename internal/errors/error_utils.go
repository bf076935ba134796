package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCategory classifies infrastructure errors for handling strategies
type ErrorCategory string

const (
	ErrorCategoryRetryable  ErrorCategory = "retryable"
	ErrorCategoryPermanent  ErrorCategory = "permanent"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
	ErrorCategoryValidation ErrorCategory = "validation"
)

// ErrorContext records where an infrastructure error happened
type ErrorContext struct {
	Operation string                 `json:"operation"`
	Component string                 `json:"component"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Category  ErrorCategory          `json:"category"`
	Retryable bool                   `json:"retryable"`
}

// EnhancedError wraps failures from the history store and the alert
// publisher with their component and operation.
type EnhancedError struct {
	Err     error        `json:"error"`
	Context ErrorContext `json:"context"`
}

func (e *EnhancedError) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Context.Component, e.Context.Operation, e.Err.Error())
}

func (e *EnhancedError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if error can be retried
func (e *EnhancedError) IsRetryable() bool {
	return e.Context.Retryable
}

// NewEnhancedError creates a new enhanced error with context
func NewEnhancedError(err error, component, operation string, category ErrorCategory) *EnhancedError {
	return &EnhancedError{
		Err: err,
		Context: ErrorContext{
			Operation: operation,
			Component: component,
			Category:  category,
			Retryable: category == ErrorCategoryRetryable || category == ErrorCategoryTimeout,
			Timestamp: time.Now(),
		},
	}
}

// WithTraceID copies the trace id carried by ctx, if any.
func (e *EnhancedError) WithTraceID(ctx context.Context, key interface{}) *EnhancedError {
	if ctx == nil {
		return e
	}
	if traceID, ok := ctx.Value(key).(string); ok {
		e.Context.TraceID = traceID
	}
	return e
}

// WithMetadata adds metadata to error
func (e *EnhancedError) WithMetadata(key string, value interface{}) *EnhancedError {
	if e.Context.Metadata == nil {
		e.Context.Metadata = make(map[string]interface{})
	}
	e.Context.Metadata[key] = value
	return e
}

// WrapStoreError wraps history store failures
func WrapStoreError(err error, operation string) error {
	if err == nil {
		return nil
	}
	return NewEnhancedError(err, "store", operation, classify(err))
}

// WrapPublisherError wraps alert publisher failures
func WrapPublisherError(err error, operation, channel string) error {
	if err == nil {
		return nil
	}
	return NewEnhancedError(err, "notify", operation, classify(err)).WithMetadata("channel", channel)
}

// IsRetryable reports whether err, or anything it wraps, is marked retryable.
func IsRetryable(err error) bool {
	var ee *EnhancedError
	if stderrors.As(err, &ee) {
		return ee.IsRetryable()
	}
	return false
}

func classify(err error) ErrorCategory {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrorCategoryTimeout
	}
	if isTemporaryError(err) {
		return ErrorCategoryRetryable
	}
	return ErrorCategoryPermanent
}

func isTemporaryError(err error) bool {
	msg := strings.ToLower(err.Error())
	temporaryPatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"database is locked",
		"too many connections",
		"i/o timeout",
	}

	for _, pattern := range temporaryPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
