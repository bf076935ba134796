package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/metrics"
	"plugin-governor/internal/resource"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, policy CleanupPolicy) *Manager {
	t.Helper()
	m := NewManager(context.Background(), logging.NewNoOpLogger(), metrics.New(false), &Config{Policy: policy})
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func withClock(m *Manager) *fakeClock {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m.now = clock.Now
	return clock
}

func handle(id, plugin string, priority resource.Priority, createdAt time.Time) resource.Handle {
	return resource.Handle{
		ID:        id,
		Type:      resource.DatabaseConnection,
		PluginID:  plugin,
		State:     resource.InUse,
		Priority:  priority,
		CreatedAt: createdAt,
	}
}

// idlePolicy only evicts resources idle for longer than a minute.
func idlePolicy() CleanupPolicy {
	return CleanupPolicy{MaxIdleTime: time.Minute, CleanupOnPluginUnload: true, CleanupOnLowMemory: true}
}

func registerIdle(t *testing.T, m *Manager, id, plugin string, priority resource.Priority) {
	t.Helper()
	require.NoError(t, m.RegisterResource(handle(id, plugin, priority, m.now()), Initialized))
	require.NoError(t, m.UpdateState(id, Idle, nil))
}

func TestManager_RegisterResource(t *testing.T) {
	m := newTestManager(t, DefaultCleanupPolicy())
	h := handle("r1", "p1", resource.Normal, time.Now())

	require.NoError(t, m.RegisterResource(h, Created))
	assert.ErrorIs(t, m.RegisterResource(h, Created), govErrors.ErrAlreadyExists)
	assert.ErrorIs(t, m.RegisterResource(resource.Handle{}, Created), govErrors.ErrInvalidArgument)
	assert.ErrorIs(t, m.RegisterResource(handle("r2", "p1", resource.Normal, time.Now()), Destroyed), govErrors.ErrInvalidArgument)

	state, err := m.State("r1")
	require.NoError(t, err)
	assert.Equal(t, Created, state)

	_, err = m.State("missing")
	assert.ErrorIs(t, err, govErrors.ErrNotFound)
}

func TestManager_HistoryRoundTrip(t *testing.T) {
	m := newTestManager(t, DefaultCleanupPolicy())
	require.NoError(t, m.RegisterResource(handle("r1", "p1", resource.Normal, time.Now()), Created))

	path := []State{Initialized, Active, Idle, Deprecated, Cleanup, Destroyed}
	for _, s := range path {
		require.NoError(t, m.UpdateState("r1", s, map[string]interface{}{"step": s.String()}))
	}

	history, err := m.History("r1")
	require.NoError(t, err)
	require.Len(t, history, len(path)+1)

	var got []State
	for i, e := range history {
		got = append(got, e.To)
		if i > 0 {
			assert.Equal(t, history[i-1].To, e.From, "events form a path")
		}
		assert.Equal(t, "p1", e.PluginID)
	}
	assert.Equal(t, append([]State{Created}, path...), got)

	snap, err := m.Tracker("r1")
	require.NoError(t, err)
	assert.Equal(t, Destroyed, snap.State)
	assert.Equal(t, "destroyed", snap.Metadata["step"])
}

func TestManager_HistoryIsBounded(t *testing.T) {
	m := NewManager(context.Background(), nil, nil, &Config{HistoryLimit: 3, Policy: DefaultCleanupPolicy()})
	require.NoError(t, m.RegisterResource(handle("r1", "p1", resource.Normal, time.Now()), Active))

	for i := 0; i < 5; i++ {
		require.NoError(t, m.UpdateState("r1", Idle, nil))
		require.NoError(t, m.UpdateState("r1", Active, nil))
	}

	history, err := m.History("r1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, Active, history[2].To)
	assert.Equal(t, Idle, history[1].To)
}

func TestManager_IllegalTransitionLeavesStateUnchanged(t *testing.T) {
	m := newTestManager(t, DefaultCleanupPolicy())
	require.NoError(t, m.RegisterResource(handle("r1", "p1", resource.Normal, time.Now()), Created))

	tests := []struct {
		name string
		to   State
	}{
		{"skip initialization", Active},
		{"same state", Created},
		{"deprecated before active", Deprecated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.UpdateState("r1", tt.to, nil)
			assert.ErrorIs(t, err, govErrors.ErrInvalidArgument)
			state, _ := m.State("r1")
			assert.Equal(t, Created, state)
		})
	}

	assert.ErrorIs(t, m.UpdateState("missing", Active, nil), govErrors.ErrNotFound)
	history, _ := m.History("r1")
	assert.Len(t, history, 1)
}

func TestManager_UnregisterIsNotIdempotent(t *testing.T) {
	m := newTestManager(t, DefaultCleanupPolicy())
	require.NoError(t, m.RegisterResource(handle("a", "p1", resource.Normal, time.Now()), Active))
	require.NoError(t, m.RegisterResource(handle("b", "p1", resource.Normal, time.Now()), Active))
	require.NoError(t, m.AddDependency("a", "b", "shared", false))

	var events []Event
	m.Subscribe(EventFilter{ResourceID: "a"}, func(e Event) { events = append(events, e) })

	require.NoError(t, m.UnregisterResource("a"))
	assert.ErrorIs(t, m.UnregisterResource("a"), govErrors.ErrNotFound)

	require.Len(t, events, 1)
	assert.Equal(t, Active, events[0].From)
	assert.Equal(t, Destroyed, events[0].To)
	assert.Empty(t, m.Dependents("b"), "edges of an unregistered resource are removed")
}

func TestManager_IdleCleanupScenario(t *testing.T) {
	m := newTestManager(t, CleanupPolicy{MaxIdleTime: time.Second})
	require.NoError(t, m.RegisterResource(handle("idle", "p1", resource.Normal, time.Now()), Created))
	require.NoError(t, m.RegisterResource(handle("busy", "p1", resource.Normal, time.Now()), Active))
	require.NoError(t, m.UpdateState("idle", Initialized, nil))
	require.NoError(t, m.UpdateState("idle", Idle, nil))

	assert.False(t, m.CanCleanupResource("idle"))

	time.Sleep(1100 * time.Millisecond)

	assert.True(t, m.CanCleanupResource("idle"))
	assert.False(t, m.CanCleanupResource("busy"))
	assert.Equal(t, 1, m.PerformCleanup())

	_, err := m.State("idle")
	assert.ErrorIs(t, err, govErrors.ErrNotFound)
	_, err = m.State("busy")
	assert.NoError(t, err)
}

func TestManager_ForceCleanupCriticalDependency(t *testing.T) {
	m := newTestManager(t, DefaultCleanupPolicy())
	require.NoError(t, m.RegisterResource(handle("A", "p1", resource.Normal, time.Now()), Active))
	require.NoError(t, m.RegisterResource(handle("B", "p1", resource.Normal, time.Now()), Active))
	require.NoError(t, m.AddDependency("A", "B", "parent", true))
	assert.True(t, m.HasCriticalDependents("B"))

	err := m.ForceCleanup("B", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, govErrors.ErrResourceUnavailable)
	assert.Equal(t, govErrors.ReasonCriticalDependents, govErrors.ReasonOf(err))
	state, _ := m.State("B")
	assert.Equal(t, Active, state)

	require.NoError(t, m.ForceCleanup("B", true))
	_, err = m.State("B")
	assert.ErrorIs(t, err, govErrors.ErrNotFound)
	assert.Empty(t, m.Dependencies("A"))
	assert.Equal(t, int64(1), m.Statistics().TotalCleaned)
}

func TestManager_ForceCleanupNonCriticalDependents(t *testing.T) {
	m := newTestManager(t, DefaultCleanupPolicy())
	require.NoError(t, m.RegisterResource(handle("A", "p1", resource.Normal, time.Now()), Active))
	require.NoError(t, m.RegisterResource(handle("B", "p1", resource.Normal, time.Now()), Active))
	require.NoError(t, m.AddDependency("A", "B", "weak", false))

	require.NoError(t, m.ForceCleanup("B", false))
	assert.ErrorIs(t, m.ForceCleanup("B", false), govErrors.ErrNotFound)
}

func TestManager_AddDependencyValidation(t *testing.T) {
	m := newTestManager(t, DefaultCleanupPolicy())
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.RegisterResource(handle(id, "p1", resource.Normal, time.Now()), Active))
	}

	assert.ErrorIs(t, m.AddDependency("a", "a", "self", false), govErrors.ErrInvalidArgument)
	assert.ErrorIs(t, m.AddDependency("a", "zz", "parent", false), govErrors.ErrNotFound)
	assert.ErrorIs(t, m.AddDependency("zz", "a", "parent", false), govErrors.ErrNotFound)

	require.NoError(t, m.AddDependency("a", "b", "parent", true))
	require.NoError(t, m.AddDependency("b", "c", "parent", true))
	assert.ErrorIs(t, m.AddDependency("c", "a", "parent", true), govErrors.ErrInvalidArgument, "critical cycle")
	assert.NoError(t, m.AddDependency("c", "a", "weak", false), "non-critical back edge is allowed")

	require.NoError(t, m.AddDependency("a", "b", "shared", false))
	deps := m.Dependencies("a")
	require.Len(t, deps, 1)
	assert.Equal(t, "shared", deps[0].Relationship)
	assert.False(t, deps[0].Critical)

	require.NoError(t, m.RemoveDependency("a", "b"))
	assert.ErrorIs(t, m.RemoveDependency("a", "b"), govErrors.ErrNotFound)
}

func TestManager_AddDependencyRacingUnregister(t *testing.T) {
	m := newTestManager(t, DefaultCleanupPolicy())
	require.NoError(t, m.RegisterResource(handle("db", "p1", resource.Normal, time.Now()), Active))

	for i := 0; i < 200; i++ {
		require.NoError(t, m.RegisterResource(handle("client", "p1", resource.Normal, time.Now()), Active))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.AddDependency("client", "db", "parent", true)
		}()
		go func() {
			defer wg.Done()
			_ = m.UnregisterResource("client")
		}()
		wg.Wait()

		// The dependent is gone either way, so no edge may survive it
		require.Empty(t, m.Dependents("db"), "iteration %d", i)
		require.False(t, m.HasCriticalDependents("db"))
	}
	assert.Equal(t, 0, m.Statistics().DependencyEdges)
}

func TestManager_PerformCleanupRespectsDependencies(t *testing.T) {
	m := newTestManager(t, idlePolicy())
	clock := withClock(m)
	registerIdle(t, m, "db", "p1", resource.Normal)
	registerIdle(t, m, "session", "p1", resource.Normal)
	registerIdle(t, m, "cursor", "p1", resource.Normal)
	require.NoError(t, m.AddDependency("session", "db", "parent", false))
	require.NoError(t, m.AddDependency("cursor", "session", "parent", false))

	var order []string
	m.Subscribe(EventFilter{States: []State{Cleanup}}, func(e Event) { order = append(order, e.ResourceID) })

	clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"cursor", "session", "db"}, m.CleanupOrder([]string{"db", "session", "cursor"}))
	assert.Equal(t, 3, m.PerformCleanup())
	assert.Equal(t, []string{"cursor", "session", "db"}, order)
}

func TestManager_PerformCleanupSkipsCriticalDependencies(t *testing.T) {
	m := newTestManager(t, idlePolicy())
	clock := withClock(m)
	registerIdle(t, m, "A", "p1", resource.Normal)
	registerIdle(t, m, "B", "p1", resource.Normal)
	require.NoError(t, m.AddDependency("A", "B", "parent", true))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"A"}, m.CleanupCandidates(0))
	assert.Equal(t, 1, m.PerformCleanup())
	assert.Equal(t, []string{"B"}, m.CleanupCandidates(10))
	assert.Equal(t, 1, m.PerformCleanup())
	assert.Equal(t, 0, m.PerformCleanup())
}

func TestManager_CleanupCandidatesCap(t *testing.T) {
	m := newTestManager(t, idlePolicy())
	clock := withClock(m)
	for _, id := range []string{"a", "b", "c"} {
		registerIdle(t, m, id, "p1", resource.Normal)
		clock.Advance(time.Second)
	}
	clock.Advance(2 * time.Minute)

	assert.Equal(t, []string{"a", "b"}, m.CleanupCandidates(2))
	assert.Len(t, m.CleanupCandidates(0), 3)
}

func TestManager_CleanupPluginResources(t *testing.T) {
	m := newTestManager(t, idlePolicy())
	for _, id := range []string{"p1-conn", "p1-cache"} {
		require.NoError(t, m.RegisterResource(handle(id, "p1", resource.Normal, time.Now()), Active))
	}
	require.NoError(t, m.RegisterResource(handle("p1-shared", "p1", resource.Normal, time.Now()), Active))
	require.NoError(t, m.RegisterResource(handle("p2-conn", "p2", resource.Normal, time.Now()), Active))
	require.NoError(t, m.AddDependency("p1-cache", "p1-conn", "parent", true))
	require.NoError(t, m.AddDependency("p2-conn", "p1-shared", "shared", true))

	assert.Equal(t, 2, m.CleanupPluginResources("p1"))
	assert.Equal(t, []string{"p1-shared"}, m.Resources("p1"))
	assert.Equal(t, []string{"p2-conn"}, m.Resources("p2"))

	policy := m.Policy()
	policy.CleanupOnPluginUnload = false
	m.SetPolicy(policy)
	assert.Equal(t, 0, m.CleanupPluginResources("p2"))
}

func TestManager_HandleLowMemory(t *testing.T) {
	policy := idlePolicy()
	policy.MaxUnusedResources = 2
	m := newTestManager(t, policy)
	registerIdle(t, m, "high", "p1", resource.High)
	registerIdle(t, m, "low", "p1", resource.Low)
	registerIdle(t, m, "normal", "p1", resource.Normal)
	require.NoError(t, m.RegisterResource(handle("active", "p1", resource.Low, time.Now()), Active))

	assert.Equal(t, 2, m.HandleLowMemory())
	assert.Equal(t, []string{"active", "high"}, m.Resources(""))

	policy.CleanupOnLowMemory = false
	m.SetPolicy(policy)
	assert.Equal(t, 0, m.HandleLowMemory())
}

func TestManager_EnforceMaxUnused(t *testing.T) {
	policy := idlePolicy()
	policy.MaxUnusedResources = 1
	m := newTestManager(t, policy)
	clock := withClock(m)
	for _, id := range []string{"oldest", "older", "newest"} {
		registerIdle(t, m, id, "p1", resource.Normal)
		clock.Advance(time.Second)
	}

	assert.Equal(t, 2, m.EnforceMaxUnused())
	assert.Equal(t, []string{"newest"}, m.Resources(""))
	assert.Equal(t, 0, m.EnforceMaxUnused())
}

func TestManager_SubscriberPanicIsContained(t *testing.T) {
	m := newTestManager(t, DefaultCleanupPolicy())
	m.Subscribe(EventFilter{}, func(Event) { panic("observer bug") })

	var got []State
	id := m.Subscribe(EventFilter{States: []State{Active}}, func(e Event) { got = append(got, e.To) })

	require.NoError(t, m.RegisterResource(handle("r1", "p1", resource.Normal, time.Now()), Initialized))
	require.NoError(t, m.UpdateState("r1", Active, nil))
	require.NoError(t, m.UpdateState("r1", Idle, nil))
	assert.Equal(t, []State{Active}, got)

	require.NoError(t, m.Unsubscribe(id))
	assert.ErrorIs(t, m.Unsubscribe(id), govErrors.ErrNotFound)
	assert.Equal(t, 1, m.Statistics().Subscriptions)
}

func TestManager_Statistics(t *testing.T) {
	m := newTestManager(t, DefaultCleanupPolicy())
	require.NoError(t, m.RegisterResource(handle("a", "p1", resource.Normal, time.Now()), Active))
	require.NoError(t, m.RegisterResource(handle("b", "p1", resource.Normal, time.Now()), Initialized))
	require.NoError(t, m.UpdateState("b", Idle, nil))
	require.NoError(t, m.AddDependency("a", "b", "parent", true))

	stats := m.Statistics()
	assert.Equal(t, 2, stats.Tracked)
	assert.Equal(t, int64(2), stats.TotalTracked)
	assert.Equal(t, int64(1), stats.TotalTransitions)
	assert.Equal(t, 1, stats.ResourcesByState["active"])
	assert.Equal(t, 1, stats.ResourcesByState["idle"])
	assert.Equal(t, 0, stats.ResourcesByState["destroyed"])
	assert.Equal(t, 1, stats.DependencyEdges)
	assert.Equal(t, 1, stats.CriticalEdges)
}

func TestManager_PeriodicCleanup(t *testing.T) {
	m := NewManager(context.Background(), logging.NewNoOpLogger(), nil, &Config{
		CleanupInterval: 20 * time.Millisecond,
		Policy:          CleanupPolicy{MaxIdleTime: 10 * time.Millisecond},
	})
	require.NoError(t, m.RegisterResource(handle("r1", "p1", resource.Normal, time.Now()), Initialized))
	require.NoError(t, m.UpdateState("r1", Idle, nil))

	require.NoError(t, m.Start())
	assert.Error(t, m.Start())

	assert.Eventually(t, func() bool {
		return m.Statistics().Tracked == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Shutdown())
}
