package monitor

import (
	"time"

	"plugin-governor/internal/resource"
)

// Severity represents alert severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as min. An empty min matches all.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// AlertType names the threshold that fired
type AlertType string

const (
	AlertHighCPU       AlertType = "high_cpu_usage"
	AlertHighMemory    AlertType = "high_memory_usage"
	AlertHighErrorRate AlertType = "high_error_rate"
	AlertLowEfficiency AlertType = "low_efficiency"
)

// PerformanceAlert is raised when a resource crosses a threshold
type PerformanceAlert struct {
	ID           string                `json:"id"`
	ResourceID   string                `json:"resource_id"`
	PluginID     string                `json:"plugin_id"`
	ResourceType resource.ResourceType `json:"resource_type"`
	Type         AlertType             `json:"alert_type"`
	Severity     Severity              `json:"severity"`
	Message      string                `json:"message"`
	CurrentValue float64               `json:"current_value"`
	Threshold    float64               `json:"threshold_value"`
	Timestamp    time.Time             `json:"timestamp"`
}

// QuotaViolation records a plugin exceeding a custom quota
type QuotaViolation struct {
	ID           string                `json:"id"`
	PluginID     string                `json:"plugin_id"`
	ResourceType resource.ResourceType `json:"resource_type"`
	QuotaName    string                `json:"quota_name"`
	CurrentValue float64               `json:"current_value"`
	LimitValue   float64               `json:"limit_value"`
	Severity     Severity              `json:"severity"`
	Timestamp    time.Time             `json:"timestamp"`
}

// NotificationKind distinguishes alerts from violations on the bus
type NotificationKind string

const (
	KindAlert     NotificationKind = "alert"
	KindViolation NotificationKind = "violation"
)

// Notification is what monitor subscribers receive. Exactly one of Alert
// and Violation is set.
type Notification struct {
	Kind      NotificationKind  `json:"kind"`
	Alert     *PerformanceAlert `json:"alert,omitempty"`
	Violation *QuotaViolation   `json:"violation,omitempty"`
}

// PluginID returns the plugin the notification concerns
func (n Notification) PluginID() string {
	if n.Alert != nil {
		return n.Alert.PluginID
	}
	if n.Violation != nil {
		return n.Violation.PluginID
	}
	return ""
}

// Severity returns the notification severity
func (n Notification) Severity() Severity {
	if n.Alert != nil {
		return n.Alert.Severity
	}
	if n.Violation != nil {
		return n.Violation.Severity
	}
	return ""
}

// NotificationFilter narrows a subscription. Zero fields match everything.
type NotificationFilter struct {
	PluginID    string
	MinSeverity Severity
	Kinds       []NotificationKind
}

func (f NotificationFilter) matches(n Notification) bool {
	if f.PluginID != "" && n.PluginID() != f.PluginID {
		return false
	}
	if f.MinSeverity != "" && !n.Severity().AtLeast(f.MinSeverity) {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == n.Kind {
			return true
		}
	}
	return false
}
