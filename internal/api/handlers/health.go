package handlers

import (
	"net/http"
	"runtime"
	"time"

	"plugin-governor/internal/api/response"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// HealthHandler provides health check functionality
type HealthHandler struct {
	deps      *Dependencies
	startTime time.Time
}

// HealthStatus represents the health check response structure
type HealthStatus struct {
	Status    string           `json:"status"`
	Server    string           `json:"server"`
	Version   string           `json:"version"`
	Uptime    string           `json:"uptime"`
	Timestamp string           `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	System    SystemInfo       `json:"system"`
}

// Check represents an individual health check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo represents system information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	MemoryMB     uint64 `json:"memory_mb"`
}

const (
	statusHealthy   = "healthy"
	statusWarning   = "warning"
	statusUnhealthy = "unhealthy"
	statusDisabled  = "disabled"
)

// NewHealthHandler creates a new health check handler
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{deps: deps, startTime: time.Now()}
}

// Handle processes health check requests. Any unhealthy check turns the
// response into a 503.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	checks := map[string]Check{
		"store":     h.checkStore(),
		"publisher": h.checkPublisher(),
		"monitor":   h.checkMonitor(),
	}
	status := HealthStatus{
		Status:    determineOverallStatus(checks),
		Server:    "plugin-governor",
		Version:   Version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		System:    systemInfo(),
	}

	code := http.StatusOK
	if status.Status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	response.WriteJSON(w, r, code, status)
}

func (h *HealthHandler) checkStore() Check {
	if h.deps.Store == nil {
		return Check{Status: statusDisabled}
	}
	stats := h.deps.Store.Stats()
	if !stats.Running {
		return Check{Status: statusUnhealthy, Message: "history store is not running"}
	}
	if stats.FailedBatches > 0 || stats.Dropped > 0 {
		return Check{Status: statusWarning, Message: "history store has dropped or failed writes"}
	}
	return Check{Status: statusHealthy, Message: stats.Driver}
}

func (h *HealthHandler) checkPublisher() Check {
	if h.deps.Publisher == nil {
		return Check{Status: statusDisabled}
	}
	stats := h.deps.Publisher.Stats()
	if stats.Failed > 0 || stats.Dropped > 0 {
		return Check{Status: statusWarning, Message: "publisher has dropped or failed notifications"}
	}
	return Check{Status: statusHealthy}
}

func (h *HealthHandler) checkMonitor() Check {
	if h.deps.Monitor == nil {
		return Check{Status: statusDisabled}
	}
	return Check{Status: statusHealthy}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		MemoryMB:     m.Alloc / 1024 / 1024,
	}
}

// determineOverallStatus determines overall health based on individual checks
func determineOverallStatus(checks map[string]Check) string {
	hasWarning := false
	for _, check := range checks {
		switch check.Status {
		case statusUnhealthy:
			return statusUnhealthy
		case statusWarning:
			hasWarning = true
		}
	}
	if hasWarning {
		return statusWarning
	}
	return statusHealthy
}
