package api

import (
	"errors"

	"plugin-governor/internal/lifecycle"
	"plugin-governor/internal/monitor"
	"plugin-governor/internal/websocket"
)

// EventBridge forwards lifecycle events and monitor notifications to the
// websocket event stream
type EventBridge struct {
	lifecycle *lifecycle.Manager
	monitor   *monitor.Monitor
	lifeSub   string
	monSub    string
}

// NewEventBridge subscribes the stream to every lifecycle event and every
// monitor notification. Either source may be nil.
func NewEventBridge(stream *websocket.Server, lm *lifecycle.Manager, mon *monitor.Monitor) *EventBridge {
	b := &EventBridge{lifecycle: lm, monitor: mon}
	if lm != nil {
		b.lifeSub = lm.Subscribe(lifecycle.EventFilter{}, func(e lifecycle.Event) {
			stream.Broadcast(websocket.FromLifecycle(e))
		})
	}
	if mon != nil {
		b.monSub = mon.Subscribe(monitor.NotificationFilter{}, func(n monitor.Notification) {
			stream.Broadcast(websocket.FromNotification(n))
		})
	}
	return b
}

// Close removes both subscriptions
func (b *EventBridge) Close() error {
	var errs []error
	if b.lifeSub != "" {
		errs = append(errs, b.lifecycle.Unsubscribe(b.lifeSub))
		b.lifeSub = ""
	}
	if b.monSub != "" {
		errs = append(errs, b.monitor.Unsubscribe(b.monSub))
		b.monSub = ""
	}
	return errors.Join(errs...)
}
