// Package errors provides the typed error taxonomy shared by the resource
// manager, lifecycle manager and monitor, plus its HTTP mapping.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is the kind of a governance failure.
type ErrorCode string

const (
	ErrorCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrorCodeAlreadyExists       ErrorCode = "ALREADY_EXISTS"
	ErrorCodeInvalidArgument     ErrorCode = "INVALID_ARGUMENT"
	ErrorCodeResourceUnavailable ErrorCode = "RESOURCE_UNAVAILABLE"
	ErrorCodeNotImplemented      ErrorCode = "NOT_IMPLEMENTED"
	ErrorCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrorCodeInternalError       ErrorCode = "INTERNAL_ERROR"
)

// Reason refines ErrorCodeResourceUnavailable.
type Reason string

const (
	ReasonQuotaExceeded      Reason = "quota_exceeded"
	ReasonPriorityTooLow     Reason = "priority_too_low"
	ReasonFactoryRejected    Reason = "factory_rejected"
	ReasonAllocationFailed   Reason = "allocation_failed"
	ReasonCriticalDependents Reason = "critical_dependents"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonMemoryBudget       Reason = "memory_budget_exceeded"
)

// GovernanceError is the single error type returned by governance
// operations for expected failures.
type GovernanceError struct {
	Code    ErrorCode   `json:"code"`
	Reason  Reason      `json:"reason,omitempty"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *GovernanceError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any GovernanceError with the same code. A target carrying a
// reason additionally requires the reason to match.
func (e *GovernanceError) Is(target error) bool {
	t, ok := target.(*GovernanceError)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// WithDetails attaches structured details and returns the error.
func (e *GovernanceError) WithDetails(details interface{}) *GovernanceError {
	e.Details = details
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound            = &GovernanceError{Code: ErrorCodeNotFound, Message: "not found"}
	ErrAlreadyExists       = &GovernanceError{Code: ErrorCodeAlreadyExists, Message: "already exists"}
	ErrInvalidArgument     = &GovernanceError{Code: ErrorCodeInvalidArgument, Message: "invalid argument"}
	ErrResourceUnavailable = &GovernanceError{Code: ErrorCodeResourceUnavailable, Message: "resource unavailable"}
	ErrNotImplemented      = &GovernanceError{Code: ErrorCodeNotImplemented, Message: "not implemented"}
	ErrUnauthorized        = &GovernanceError{Code: ErrorCodeUnauthorized, Message: "unauthorized"}

	ErrQuotaExceeded    = &GovernanceError{Code: ErrorCodeResourceUnavailable, Reason: ReasonQuotaExceeded}
	ErrPriorityTooLow   = &GovernanceError{Code: ErrorCodeResourceUnavailable, Reason: ReasonPriorityTooLow}
	ErrFactoryRejected  = &GovernanceError{Code: ErrorCodeResourceUnavailable, Reason: ReasonFactoryRejected}
	ErrAllocationFailed = &GovernanceError{Code: ErrorCodeResourceUnavailable, Reason: ReasonAllocationFailed}
	ErrRateLimited      = &GovernanceError{Code: ErrorCodeResourceUnavailable, Reason: ReasonRateLimited}
	ErrMemoryBudget     = &GovernanceError{Code: ErrorCodeResourceUnavailable, Reason: ReasonMemoryBudget}
)

func newError(code ErrorCode, format string, args ...interface{}) *GovernanceError {
	return &GovernanceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a NOT_FOUND error
func NotFound(format string, args ...interface{}) *GovernanceError {
	return newError(ErrorCodeNotFound, format, args...)
}

// AlreadyExists creates an ALREADY_EXISTS error
func AlreadyExists(format string, args ...interface{}) *GovernanceError {
	return newError(ErrorCodeAlreadyExists, format, args...)
}

// InvalidArgument creates an INVALID_ARGUMENT error
func InvalidArgument(format string, args ...interface{}) *GovernanceError {
	return newError(ErrorCodeInvalidArgument, format, args...)
}

// NotImplemented creates a NOT_IMPLEMENTED error
func NotImplemented(format string, args ...interface{}) *GovernanceError {
	return newError(ErrorCodeNotImplemented, format, args...)
}

// Unauthorized creates an UNAUTHORIZED error
func Unauthorized(format string, args ...interface{}) *GovernanceError {
	return newError(ErrorCodeUnauthorized, format, args...)
}

// Unavailable creates a RESOURCE_UNAVAILABLE error with a reason
func Unavailable(reason Reason, format string, args ...interface{}) *GovernanceError {
	e := newError(ErrorCodeResourceUnavailable, format, args...)
	e.Reason = reason
	return e
}

// CodeOf returns the code of the first GovernanceError in err's chain, or
// INTERNAL_ERROR for anything else.
func CodeOf(err error) ErrorCode {
	var ge *GovernanceError
	if stderrors.As(err, &ge) {
		return ge.Code
	}
	return ErrorCodeInternalError
}

// ReasonOf returns the reason of the first GovernanceError in err's chain.
func ReasonOf(err error) Reason {
	var ge *GovernanceError
	if stderrors.As(err, &ge) {
		return ge.Reason
	}
	return ""
}

// ToHTTPStatus maps an error to an HTTP status code
func ToHTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeAlreadyExists:
		return http.StatusConflict
	case ErrorCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrorCodeResourceUnavailable:
		if ReasonOf(err) == ReasonRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusServiceUnavailable
	case ErrorCodeNotImplemented:
		return http.StatusNotImplemented
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse is the JSON body written for failed HTTP requests
type errorResponse struct {
	Error     *GovernanceError `json:"error"`
	Timestamp string           `json:"timestamp"`
	RequestID string           `json:"request_id,omitempty"`
}

// WriteHTTPError writes err as a JSON error response.
func WriteHTTPError(w http.ResponseWriter, err error, requestID string) {
	var ge *GovernanceError
	if !stderrors.As(err, &ge) {
		ge = &GovernanceError{Code: ErrorCodeInternalError, Message: err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(ToHTTPStatus(ge))

	body, _ := json.Marshal(errorResponse{
		Error:     ge,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	})
	_, _ = w.Write(body)
}

// IsNotFound reports whether err is a NOT_FOUND governance error
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}

// IsUnavailable reports whether err is a RESOURCE_UNAVAILABLE governance error
func IsUnavailable(err error) bool {
	return stderrors.Is(err, ErrResourceUnavailable)
}

// IsAlreadyExists reports whether err is an ALREADY_EXISTS governance error
func IsAlreadyExists(err error) bool {
	return stderrors.Is(err, ErrAlreadyExists)
}
