// Package events provides the subscriber registry every governance
// component uses to fan out its notifications.
package events

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/logging"
)

// Filter selects the events a subscription receives. A nil filter matches
// everything.
type Filter[T any] func(event T) bool

// Handler receives a delivered event.
type Handler[T any] func(event T)

// Subscription is a registered handler
type Subscription[T any] struct {
	ID        string
	Filter    Filter[T]
	Handler   Handler[T]
	CreatedAt time.Time

	delivered atomic.Int64
	panics    atomic.Int64
}

// BusMetrics tracks delivery counters
type BusMetrics struct {
	EventsPublished     int64     `json:"events_published"`
	EventsDelivered     int64     `json:"events_delivered"`
	HandlerPanics       int64     `json:"handler_panics"`
	ActiveSubscriptions int       `json:"active_subscriptions"`
	LastEventTime       time.Time `json:"last_event_time,omitempty"`
}

// Bus is a registry of filtered subscriptions. Publish delivers
// synchronously on the caller's goroutine, outside the registry lock; a
// handler that panics is logged and skipped.
type Bus[T any] struct {
	name   string
	logger logging.Logger

	mu            sync.RWMutex
	subscriptions map[string]*Subscription[T]

	published     atomic.Int64
	delivered     atomic.Int64
	panics        atomic.Int64
	lastEventNano atomic.Int64
}

// NewBus creates a bus. name identifies it in logs.
func NewBus[T any](name string, logger logging.Logger) *Bus[T] {
	return &Bus[T]{
		name:          name,
		logger:        logging.OrNoOp(logger),
		subscriptions: make(map[string]*Subscription[T]),
	}
}

// Subscribe registers handler and returns the subscription id
func (b *Bus[T]) Subscribe(filter Filter[T], handler Handler[T]) string {
	sub := &Subscription[T]{
		ID:        uuid.New().String(),
		Filter:    filter,
		Handler:   handler,
		CreatedAt: time.Now(),
	}

	b.mu.Lock()
	b.subscriptions[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("Subscription added", "bus", b.name, "subscription_id", sub.ID)
	return sub.ID
}

// Unsubscribe removes a subscription. Unknown ids fail with NotFound.
func (b *Bus[T]) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscriptions[id]; !ok {
		return govErrors.NotFound("subscription %s not found", id)
	}
	delete(b.subscriptions, id)
	return nil
}

// Publish delivers event to every matching subscription and returns the
// number of handlers that completed without panicking.
func (b *Bus[T]) Publish(event T) int {
	b.published.Add(1)
	b.lastEventNano.Store(time.Now().UnixNano())

	b.mu.RLock()
	targets := make([]*Subscription[T], 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	// Stable delivery order across publishes.
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].CreatedAt.Equal(targets[j].CreatedAt) {
			return targets[i].ID < targets[j].ID
		}
		return targets[i].CreatedAt.Before(targets[j].CreatedAt)
	})

	delivered := 0
	for _, sub := range targets {
		if b.deliver(sub, event) {
			delivered++
		}
	}
	return delivered
}

func (b *Bus[T]) deliver(sub *Subscription[T], event T) (ok bool) {
	var panicked bool
	defer func() {
		if panicked {
			sub.panics.Add(1)
			b.panics.Add(1)
			ok = false
		}
	}()
	defer logging.RecoverPanic(b.logger, b.name, &panicked, "subscription_id", sub.ID)

	if sub.Filter != nil && !sub.Filter(event) {
		return false
	}
	sub.Handler(event)
	sub.delivered.Add(1)
	b.delivered.Add(1)
	return true
}

// Len returns the number of active subscriptions
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// Metrics returns a snapshot of the delivery counters
func (b *Bus[T]) Metrics() BusMetrics {
	m := BusMetrics{
		EventsPublished:     b.published.Load(),
		EventsDelivered:     b.delivered.Load(),
		HandlerPanics:       b.panics.Load(),
		ActiveSubscriptions: b.Len(),
	}
	if nano := b.lastEventNano.Load(); nano > 0 {
		m.LastEventTime = time.Unix(0, nano)
	}
	return m
}

// SubscriptionStats returns delivered and panic counts for one subscription
func (b *Bus[T]) SubscriptionStats(id string) (delivered, panics int64, err error) {
	b.mu.RLock()
	sub, ok := b.subscriptions[id]
	b.mu.RUnlock()
	if !ok {
		return 0, 0, govErrors.NotFound("subscription %s not found", id)
	}
	return sub.delivered.Load(), sub.panics.Load(), nil
}

// All combines filters; nil filters are skipped.
func All[T any](filters ...Filter[T]) Filter[T] {
	active := make([]Filter[T], 0, len(filters))
	for _, f := range filters {
		if f != nil {
			active = append(active, f)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return func(event T) bool {
		for _, f := range active {
			if !f(event) {
				return false
			}
		}
		return true
	}
}
