package resource

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
)

func newTestManager(t *testing.T, config *ManagerConfig, factories ...Factory) *Manager {
	t.Helper()
	registry := NewFactoryRegistry()
	for _, f := range factories {
		kind := ""
		if f.Type() == Custom {
			kind = "gpu"
		}
		require.NoError(t, registry.Register(f, kind))
	}
	m := NewManager(context.Background(), logging.NewNoOpLogger(), metrics.New(false), registry, config)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func TestManager_CreateAndRemovePool(t *testing.T) {
	m := newTestManager(t, &ManagerConfig{}, newTestFactory(DatabaseConnection), newTestFactory(Custom))

	_, err := m.CreatePool(DatabaseConnection, "db", Quota{MaxInstances: 4})
	require.NoError(t, err)

	_, err = m.CreatePool(DatabaseConnection, "db", Quota{})
	assert.ErrorIs(t, err, govErrors.ErrAlreadyExists)

	_, err = m.CreatePool(Timer, "timers", Quota{})
	assert.ErrorIs(t, err, govErrors.ErrNotFound, "no factory for timers")

	_, err = m.CreatePool(Custom, "gpus", Quota{})
	assert.ErrorIs(t, err, govErrors.ErrInvalidArgument)
	_, err = m.CreateCustomPool("gpu", "gpus", Quota{})
	require.NoError(t, err)

	assert.Equal(t, []string{"db", "gpus"}, m.Pools())

	require.NoError(t, m.RemovePool("db"))
	assert.ErrorIs(t, m.RemovePool("db"), govErrors.ErrNotFound)
	assert.Equal(t, []string{"gpus"}, m.Pools())
}

func TestManager_ConcurrentAcquireScenario(t *testing.T) {
	m := newTestManager(t, &ManagerConfig{}, newTestFactory(Thread))
	_, err := m.CreatePool(Thread, "threads", Quota{MaxInstances: 2})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.Acquire(context.Background(), Thread, "plugin-a", Normal)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok, unavailable := 0, 0
	for err := range errs {
		if err == nil {
			ok++
		} else if govErrors.IsUnavailable(err) {
			unavailable++
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, unavailable)

	stats := m.Statistics()
	assert.EqualValues(t, 2, stats.TotalAcquired)
	assert.EqualValues(t, 1, stats.TotalRejected)
	assert.Equal(t, 2, stats.ActiveLeases)
}

func TestManager_AcquireFallsThroughFullPools(t *testing.T) {
	m := newTestManager(t, &ManagerConfig{}, newTestFactory(Thread))
	_, err := m.CreatePool(Thread, "small", Quota{MaxInstances: 1})
	require.NoError(t, err)
	_, err = m.CreatePool(Thread, "large", Quota{MaxInstances: 5})
	require.NoError(t, err)

	h1, _, err := m.Acquire(context.Background(), Thread, "p", Normal)
	require.NoError(t, err)
	h2, _, err := m.Acquire(context.Background(), Thread, "p", Normal)
	require.NoError(t, err)

	assert.Equal(t, "small", h1.Pool)
	assert.Equal(t, "large", h2.Pool)

	_, _, err = m.Acquire(context.Background(), Timer, "p", Normal)
	assert.ErrorIs(t, err, govErrors.ErrNotFound)
}

func TestManager_AcquireFrom(t *testing.T) {
	m := newTestManager(t, &ManagerConfig{}, newTestFactory(Thread))
	_, err := m.CreatePool(Thread, "a", Quota{})
	require.NoError(t, err)
	_, err = m.CreatePool(Thread, "b", Quota{})
	require.NoError(t, err)

	h, _, err := m.AcquireFrom(context.Background(), "b", "p", Normal)
	require.NoError(t, err)
	assert.Equal(t, "b", h.Pool)

	_, _, err = m.AcquireFrom(context.Background(), "missing", "p", Normal)
	assert.ErrorIs(t, err, govErrors.ErrNotFound)

	_, _, err = m.AcquireFrom(context.Background(), "a", "", Normal)
	assert.ErrorIs(t, err, govErrors.ErrInvalidArgument)
}

func TestManager_ReleaseRoutesToPool(t *testing.T) {
	m := newTestManager(t, &ManagerConfig{}, newTestFactory(FileHandle))
	pool, err := m.CreatePool(FileHandle, "files", Quota{})
	require.NoError(t, err)

	h, _, err := m.Acquire(context.Background(), FileHandle, "p", Normal)
	require.NoError(t, err)
	require.NoError(t, m.Release(h))

	assert.EqualValues(t, 1, pool.Statistics().Available)
	assert.ErrorIs(t, m.Release(h), govErrors.ErrNotFound)
	assert.EqualValues(t, 1, m.Statistics().TotalReleased)
}

func TestManager_PluginQuotaOverrides(t *testing.T) {
	m := newTestManager(t, &ManagerConfig{}, newTestFactory(NetworkConnection))
	_, err := m.CreatePool(NetworkConnection, "net", Quota{MaxInstances: 10})
	require.NoError(t, err)

	require.NoError(t, m.SetPluginQuota("chatty", NetworkConnection, Quota{MaxInstances: 1, MinPriority: Normal}))
	q, ok := m.GetPluginQuota("chatty", NetworkConnection)
	require.True(t, ok)
	assert.Equal(t, 1, q.MaxInstances)
	_, ok = m.GetPluginQuota("chatty", Thread)
	assert.False(t, ok)

	_, _, err = m.Acquire(context.Background(), NetworkConnection, "chatty", Low)
	assert.ErrorIs(t, err, govErrors.ErrPriorityTooLow)

	h, _, err := m.Acquire(context.Background(), NetworkConnection, "chatty", Normal)
	require.NoError(t, err)
	_, _, err = m.Acquire(context.Background(), NetworkConnection, "chatty", Normal)
	assert.ErrorIs(t, err, govErrors.ErrQuotaExceeded)

	// Other plugins are unaffected.
	_, _, err = m.Acquire(context.Background(), NetworkConnection, "quiet", Low)
	assert.NoError(t, err)

	require.NoError(t, m.Release(h))
	_, _, err = m.Acquire(context.Background(), NetworkConnection, "chatty", Normal)
	assert.NoError(t, err)

	assert.ErrorIs(t, m.SetPluginQuota("", Thread, Quota{}), govErrors.ErrInvalidArgument)

	err = m.SetPluginQuota("chatty", NetworkConnection, Quota{MaxInstances: 5, MaxLifetime: time.Minute})
	assert.ErrorIs(t, err, govErrors.ErrInvalidArgument)
	q, ok = m.GetPluginQuota("chatty", NetworkConnection)
	require.True(t, ok)
	assert.Equal(t, 1, q.MaxInstances, "rejected override leaves the previous one in place")
}

func TestManager_PluginMemoryQuota(t *testing.T) {
	f := sizedFactory{newTestFactory(Memory)}
	f.size = 100
	m := newTestManager(t, &ManagerConfig{}, f)
	_, err := m.CreatePool(Memory, "mem", Quota{})
	require.NoError(t, err)
	require.NoError(t, m.SetPluginQuota("p", Memory, Quota{MaxMemoryBytes: 150}))

	_, _, err = m.Acquire(context.Background(), Memory, "p", Normal)
	require.NoError(t, err)
	_, _, err = m.Acquire(context.Background(), Memory, "p", Normal)
	assert.ErrorIs(t, err, govErrors.ErrMemoryBudget)
}

func TestManager_RateLimit(t *testing.T) {
	m := newTestManager(t, &ManagerConfig{PluginRateLimit: 0.001, PluginRateBurst: 2}, newTestFactory(Timer))
	_, err := m.CreatePool(Timer, "timers", Quota{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err := m.Acquire(context.Background(), Timer, "bursty", Normal)
		require.NoError(t, err)
	}
	_, _, err = m.Acquire(context.Background(), Timer, "bursty", Normal)
	require.Error(t, err)
	assert.ErrorIs(t, err, govErrors.ErrRateLimited)

	_, _, err = m.Acquire(context.Background(), Timer, "other", Normal)
	assert.NoError(t, err)
}

func TestManager_CleanupPluginResources(t *testing.T) {
	f := newTestFactory(Thread)
	m := newTestManager(t, &ManagerConfig{}, f)
	_, err := m.CreatePool(Thread, "t1", Quota{})
	require.NoError(t, err)
	require.NoError(t, m.SetPluginQuota("gone", Thread, Quota{MaxInstances: 5}))

	for i := 0; i < 3; i++ {
		_, _, err := m.Acquire(context.Background(), Thread, "gone", Normal)
		require.NoError(t, err)
	}
	_, _, err = m.Acquire(context.Background(), Thread, "stays", Normal)
	require.NoError(t, err)

	assert.Equal(t, 3, m.CleanupPluginResources("gone"))
	assert.EqualValues(t, 3, f.destroyed.Load())

	_, ok := m.GetPluginQuota("gone", Thread)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Statistics().ActiveLeases)
}

func TestManager_SubscribeFilters(t *testing.T) {
	m := newTestManager(t, &ManagerConfig{}, newTestFactory(Thread), newTestFactory(Timer))
	_, err := m.CreatePool(Thread, "threads", Quota{})
	require.NoError(t, err)
	_, err = m.CreatePool(Timer, "timers", Quota{})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []StateChange
	id := m.Subscribe(SubscriptionFilter{Types: []ResourceType{Thread}, PluginID: "a"}, func(c StateChange) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	h, _, err := m.Acquire(context.Background(), Thread, "a", Normal)
	require.NoError(t, err)
	_, _, err = m.Acquire(context.Background(), Thread, "b", Normal)
	require.NoError(t, err)
	_, _, err = m.Acquire(context.Background(), Timer, "a", Normal)
	require.NoError(t, err)
	require.NoError(t, m.Release(h))

	mu.Lock()
	require.Len(t, got, 2)
	assert.Equal(t, Reserved, got[0].OldState)
	assert.Equal(t, InUse, got[0].NewState)
	assert.Equal(t, InUse, got[1].OldState)
	assert.Equal(t, Available, got[1].NewState)
	mu.Unlock()

	require.NoError(t, m.Unsubscribe(id))
	assert.ErrorIs(t, m.Unsubscribe(id), govErrors.ErrNotFound)
}

func TestManager_PanickingSubscriberIsContained(t *testing.T) {
	m := newTestManager(t, &ManagerConfig{}, newTestFactory(Thread))
	_, err := m.CreatePool(Thread, "threads", Quota{})
	require.NoError(t, err)

	m.Subscribe(SubscriptionFilter{}, func(StateChange) { panic("bad observer") })

	h, _, err := m.Acquire(context.Background(), Thread, "p", Normal)
	require.NoError(t, err)
	assert.NoError(t, m.Release(h))
}

func TestManager_PeriodicCleanup(t *testing.T) {
	f := newTestFactory(Timer)
	m := newTestManager(t, &ManagerConfig{CleanupInterval: 10 * time.Millisecond}, f)
	_, err := m.CreatePool(Timer, "timers", Quota{MaxLifetime: 5 * time.Millisecond})
	require.NoError(t, err)

	// Released before expiry so it is queued for reuse.
	h, _, err := m.Acquire(context.Background(), Timer, "p", Normal)
	require.NoError(t, err)
	require.NoError(t, m.Release(h))

	require.NoError(t, m.Start())
	assert.Error(t, m.Start())

	assert.Eventually(t, func() bool {
		return f.destroyed.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestManager_ShutdownDrainsPools(t *testing.T) {
	f := newTestFactory(Thread)
	m := NewManager(context.Background(), nil, nil, nil, &ManagerConfig{})
	require.NoError(t, m.Factories().Register(f, ""))
	_, err := m.CreatePool(Thread, "threads", Quota{})
	require.NoError(t, err)
	_, _, err = m.Acquire(context.Background(), Thread, "p", Normal)
	require.NoError(t, err)

	require.NoError(t, m.Shutdown())
	assert.EqualValues(t, 1, f.destroyed.Load())
	assert.Equal(t, 0, m.Statistics().ActiveLeases)
}

func TestManager_Statistics(t *testing.T) {
	m := newTestManager(t, &ManagerConfig{}, newTestFactory(Thread))
	_, err := m.CreatePool(Thread, "threads", Quota{MaxInstances: 3})
	require.NoError(t, err)
	require.NoError(t, m.SetPluginQuota("p", Thread, Quota{}))
	_, _, err = m.Acquire(context.Background(), Thread, "p", Normal)
	require.NoError(t, err)

	stats := m.Statistics()
	assert.Equal(t, 1, stats.TotalPools)
	assert.Equal(t, 1, stats.PluginQuotas)
	snap := stats.Pools["threads"]
	assert.Equal(t, Thread, snap.Type)
	assert.Equal(t, 3, snap.Quota.MaxInstances)
	assert.EqualValues(t, 1, snap.Stats.InUse)
	assert.Equal(t, 1.0, snap.UtilizationRate)
}
