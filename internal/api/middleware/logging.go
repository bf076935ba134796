// Package middleware holds the HTTP middleware of the control API.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"plugin-governor/internal/logging"
	"plugin-governor/internal/metrics"
)

const slowRequestThreshold = time.Second

// LoggingMiddleware logs every request through the governance logger and
// records request metrics
type LoggingMiddleware struct {
	logger  logging.Logger
	metrics *metrics.Metrics
}

// NewLoggingMiddleware creates a new logging middleware
func NewLoggingMiddleware(logger logging.Logger, m *metrics.Metrics) *LoggingMiddleware {
	return &LoggingMiddleware{
		logger:  logging.OrNoOp(logger).WithComponent("http"),
		metrics: m,
	}
}

// Handler returns the logging middleware handler
func (lm *LoggingMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := chimiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// The wrapper keeps http.Hijacker so websocket upgrades still work
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			duration := time.Since(start)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			lm.metrics.RecordHTTPRequest(r.Method, route, status, duration)

			if isQuietPath(r.URL.Path) {
				return
			}
			lm.logResponse(r, requestID, route, status, ww.BytesWritten(), duration)
		})
	}
}

func (lm *LoggingMiddleware) logResponse(r *http.Request, requestID, route string, status, bytes int, duration time.Duration) {
	fields := []interface{}{
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"route", route,
		"status", status,
		"bytes", bytes,
		"duration", duration.String(),
		"remote", r.RemoteAddr,
	}

	switch {
	case status >= http.StatusInternalServerError:
		lm.logger.Error("Request failed", fields...)
	case status >= http.StatusBadRequest:
		lm.logger.Warn("Request rejected", fields...)
	case duration > slowRequestThreshold:
		lm.logger.Warn("Slow request", fields...)
	default:
		lm.logger.Info("Request handled", fields...)
	}
}

// isQuietPath skips probes that would flood the log
func isQuietPath(path string) bool {
	switch path {
	case "/health", "/ping", "/metrics":
		return true
	}
	return false
}
