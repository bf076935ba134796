package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGovernanceError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"not found matches sentinel", NotFound("pool %q", "db"), ErrNotFound, true},
		{"wrapped not found matches", fmt.Errorf("remove: %w", NotFound("pool")), ErrNotFound, true},
		{"already exists is not not found", AlreadyExists("pool"), ErrNotFound, false},
		{"quota reason matches generic unavailable", Unavailable(ReasonQuotaExceeded, "full"), ErrResourceUnavailable, true},
		{"quota reason matches quota sentinel", Unavailable(ReasonQuotaExceeded, "full"), ErrQuotaExceeded, true},
		{"priority reason does not match quota sentinel", Unavailable(ReasonPriorityTooLow, "low"), ErrQuotaExceeded, false},
		{"plain error never matches", stderrors.New("boom"), ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stderrors.Is(tt.err, tt.target))
		})
	}
}

func TestGovernanceError_Message(t *testing.T) {
	err := Unavailable(ReasonCriticalDependents, "resource %s has critical dependents", "b")
	assert.Equal(t, "RESOURCE_UNAVAILABLE (critical_dependents): resource b has critical dependents", err.Error())

	err2 := InvalidArgument("unsupported export format %q", "xml")
	assert.Equal(t, `INVALID_ARGUMENT: unsupported export format "xml"`, err2.Error())
}

func TestCodeAndReasonOf(t *testing.T) {
	wrapped := fmt.Errorf("acquire: %w", Unavailable(ReasonRateLimited, "slow down"))
	assert.Equal(t, ErrorCodeResourceUnavailable, CodeOf(wrapped))
	assert.Equal(t, ReasonRateLimited, ReasonOf(wrapped))

	assert.Equal(t, ErrorCodeInternalError, CodeOf(stderrors.New("x")))
	assert.Equal(t, Reason(""), ReasonOf(stderrors.New("x")))
}

func TestToHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NotFound("x"), http.StatusNotFound},
		{AlreadyExists("x"), http.StatusConflict},
		{InvalidArgument("x"), http.StatusBadRequest},
		{Unavailable(ReasonQuotaExceeded, "x"), http.StatusServiceUnavailable},
		{Unavailable(ReasonRateLimited, "x"), http.StatusTooManyRequests},
		{NotImplemented("x"), http.StatusNotImplemented},
		{ErrUnauthorized, http.StatusUnauthorized},
		{stderrors.New("x"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(CodeOf(tt.err)), func(t *testing.T) {
			assert.Equal(t, tt.want, ToHTTPStatus(tt.err))
		})
	}
}

func TestWriteHTTPError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteHTTPError(w, NotFound("resource %s", "r1").WithDetails(map[string]string{"id": "r1"}), "req-1")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errBody, ok := body["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "NOT_FOUND", errBody["code"])
	assert.Equal(t, "resource r1", errBody["message"])
	assert.Equal(t, "req-1", body["request_id"])
}

func TestWriteHTTPError_PlainError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteHTTPError(w, stderrors.New("disk on fire"), "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	assert.Contains(t, w.Body.String(), "disk on fire")
}

func TestEnhancedError(t *testing.T) {
	base := stderrors.New("dial tcp: connection refused")
	err := WrapPublisherError(base, "publish", "governor:alerts")

	require.Error(t, err)
	assert.True(t, stderrors.Is(err, base))
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "[notify:publish]")

	var ee *EnhancedError
	require.True(t, stderrors.As(err, &ee))
	assert.Equal(t, "governor:alerts", ee.Context.Metadata["channel"])

	assert.NoError(t, WrapStoreError(nil, "flush"))
	assert.False(t, IsRetryable(WrapStoreError(stderrors.New("syntax error"), "flush")))
	assert.True(t, IsRetryable(WrapStoreError(context.DeadlineExceeded, "flush")))
}

func TestEnhancedError_TraceID(t *testing.T) {
	type key string
	ctx := context.WithValue(context.Background(), key("trace_id"), "abc")
	ee := NewEnhancedError(stderrors.New("x"), "store", "purge", ErrorCategoryPermanent).WithTraceID(ctx, key("trace_id"))
	assert.Equal(t, "abc", ee.Context.TraceID)
}
