package websocket

import (
	"plugin-governor/internal/lifecycle"
	"plugin-governor/internal/monitor"
)

// FromLifecycle converts a lifecycle transition to a stream event
func FromLifecycle(e lifecycle.Event) Event {
	return Event{
		Type:       TypeLifecycle,
		Action:     e.To.String(),
		ResourceID: e.ResourceID,
		PluginID:   e.PluginID,
		Timestamp:  e.At,
		Data:       e,
	}
}

// FromNotification converts a monitor alert or violation to a stream event
func FromNotification(n monitor.Notification) Event {
	switch {
	case n.Alert != nil:
		return Event{
			Type:       TypeAlert,
			Action:     string(n.Alert.Type),
			ResourceID: n.Alert.ResourceID,
			PluginID:   n.Alert.PluginID,
			Timestamp:  n.Alert.Timestamp,
			Data:       n.Alert,
		}
	case n.Violation != nil:
		return Event{
			Type:      TypeViolation,
			Action:    n.Violation.QuotaName,
			PluginID:  n.Violation.PluginID,
			Timestamp: n.Violation.Timestamp,
			Data:      n.Violation,
		}
	default:
		return Event{Type: string(n.Kind)}
	}
}
