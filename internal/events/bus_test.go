package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/logging"
)

type testEvent struct {
	plugin string
	value  int
}

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus[testEvent]("test", logging.NewNoOpLogger())

	var got []int
	id := bus.Subscribe(func(e testEvent) bool { return e.plugin == "p1" }, func(e testEvent) {
		got = append(got, e.value)
	})
	require.NotEmpty(t, id)

	assert.Equal(t, 1, bus.Publish(testEvent{plugin: "p1", value: 1}))
	assert.Equal(t, 0, bus.Publish(testEvent{plugin: "p2", value: 2}))
	assert.Equal(t, 1, bus.Publish(testEvent{plugin: "p1", value: 3}))

	assert.Equal(t, []int{1, 3}, got)

	m := bus.Metrics()
	assert.EqualValues(t, 3, m.EventsPublished)
	assert.EqualValues(t, 2, m.EventsDelivered)
	assert.Equal(t, 1, m.ActiveSubscriptions)
	assert.False(t, m.LastEventTime.IsZero())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus[testEvent]("test", nil)

	calls := 0
	id := bus.Subscribe(nil, func(testEvent) { calls++ })
	require.NoError(t, bus.Unsubscribe(id))

	bus.Publish(testEvent{})
	assert.Equal(t, 0, calls)

	err := bus.Unsubscribe(id)
	require.Error(t, err)
	assert.True(t, govErrors.IsNotFound(err))
}

func TestBus_PanickingHandlerIsContained(t *testing.T) {
	bus := NewBus[testEvent]("test", logging.NewNoOpLogger())

	bad := bus.Subscribe(nil, func(testEvent) { panic("observer bug") })
	calls := 0
	bus.Subscribe(nil, func(testEvent) { calls++ })

	assert.NotPanics(t, func() {
		assert.Equal(t, 1, bus.Publish(testEvent{}))
	})
	assert.Equal(t, 1, calls)
	assert.EqualValues(t, 1, bus.Metrics().HandlerPanics)

	delivered, panics, err := bus.SubscriptionStats(bad)
	require.NoError(t, err)
	assert.EqualValues(t, 0, delivered)
	assert.EqualValues(t, 1, panics)
}

func TestBus_HandlerMayUnsubscribeDuringDelivery(t *testing.T) {
	bus := NewBus[testEvent]("test", nil)

	var id string
	id = bus.Subscribe(nil, func(testEvent) {
		_ = bus.Unsubscribe(id)
	})

	assert.Equal(t, 1, bus.Publish(testEvent{}))
	assert.Equal(t, 0, bus.Len())
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus[testEvent]("test", nil)

	var mu sync.Mutex
	total := 0
	bus.Subscribe(nil, func(e testEvent) {
		mu.Lock()
		total += e.value
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(testEvent{value: 1})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, total)
}

func TestAll(t *testing.T) {
	isP1 := Filter[testEvent](func(e testEvent) bool { return e.plugin == "p1" })
	positive := Filter[testEvent](func(e testEvent) bool { return e.value > 0 })

	assert.Nil(t, All[testEvent](nil, nil))

	f := All(isP1, nil, positive)
	assert.True(t, f(testEvent{plugin: "p1", value: 1}))
	assert.False(t, f(testEvent{plugin: "p1", value: 0}))
	assert.False(t, f(testEvent{plugin: "p2", value: 1}))
}
