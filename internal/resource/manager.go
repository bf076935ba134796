package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/events"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/metrics"
)

// ManagerConfig configures a Manager
type ManagerConfig struct {
	// CleanupInterval is the period of the pool cleanup sweep. 0 disables it.
	CleanupInterval time.Duration `json:"cleanup_interval"`
	// PluginRateLimit caps acquires per second per plugin. 0 disables it.
	PluginRateLimit float64 `json:"plugin_rate_limit"`
	PluginRateBurst int     `json:"plugin_rate_burst"`
}

// DefaultManagerConfig returns the default manager configuration
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		CleanupInterval: time.Minute,
		PluginRateBurst: 10,
	}
}

type pluginKey struct {
	plugin string
	rtype  ResourceType
}

type lease struct {
	pool   string
	plugin string
	rtype  ResourceType
	size   int64
}

type pluginUsage struct {
	count int
	bytes int64
}

// SubscriptionFilter narrows state-change notifications. Empty fields match
// everything.
type SubscriptionFilter struct {
	Types    []ResourceType
	PluginID string
}

func (f SubscriptionFilter) matches(c StateChange) bool {
	if f.PluginID != "" && c.Handle.PluginID != f.PluginID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == c.Handle.Type {
			return true
		}
	}
	return false
}

// ManagerStatistics is a snapshot of the manager
type ManagerStatistics struct {
	TotalPools    int                     `json:"total_pools"`
	Pools         map[string]PoolSnapshot `json:"pools"`
	PluginQuotas  int                     `json:"plugin_quotas"`
	ActiveLeases  int                     `json:"active_leases"`
	Subscriptions int                     `json:"subscriptions"`
	TotalAcquired int64                   `json:"total_acquired"`
	TotalReleased int64                   `json:"total_released"`
	TotalRejected int64                   `json:"total_rejected"`
}

// Manager owns named pools, per-plugin quota overrides and the periodic
// cleanup sweep. It is the entry point plugin hosts call.
type Manager struct {
	config    *ManagerConfig
	logger    logging.Logger
	metrics   *metrics.Metrics
	factories *FactoryRegistry
	bus       *events.Bus[StateChange]

	poolsMu   sync.RWMutex
	pools     map[string]*Pool
	poolOrder []string

	quotasMu     sync.RWMutex
	pluginQuotas map[pluginKey]Quota
	limiters     map[string]*rate.Limiter

	leasesMu sync.Mutex
	leases   map[string]lease
	usage    map[pluginKey]*pluginUsage

	totalAcquired atomic.Int64
	totalReleased atomic.Int64
	totalRejected atomic.Int64

	ctx          context.Context
	cancel       context.CancelFunc
	backgroundWG sync.WaitGroup
	running      atomic.Bool
}

// NewManager creates a manager. factories may be nil for an empty registry
// and m may be nil to disable metrics.
func NewManager(ctx context.Context, logger logging.Logger, m *metrics.Metrics, factories *FactoryRegistry, config *ManagerConfig) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	if factories == nil {
		factories = NewFactoryRegistry()
	}
	logger = logging.OrNoOp(logger).WithComponent("resource_manager")
	ctx, cancel := context.WithCancel(ctx)

	return &Manager{
		config:       config,
		logger:       logger,
		metrics:      m,
		factories:    factories,
		bus:          events.NewBus[StateChange]("resource_manager", logger),
		pools:        make(map[string]*Pool),
		pluginQuotas: make(map[pluginKey]Quota),
		limiters:     make(map[string]*rate.Limiter),
		leases:       make(map[string]lease),
		usage:        make(map[pluginKey]*pluginUsage),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Factories returns the factory registry pools are built from
func (m *Manager) Factories() *FactoryRegistry {
	return m.factories
}

// CreatePool creates a pool for a built-in resource type
func (m *Manager) CreatePool(t ResourceType, name string, quota Quota) (*Pool, error) {
	if t == Custom {
		return nil, govErrors.InvalidArgument("custom pools need a kind; use CreateCustomPool")
	}
	return m.createPool(t, "", name, quota)
}

// CreateCustomPool creates a pool for a Custom resource kind
func (m *Manager) CreateCustomPool(kind, name string, quota Quota) (*Pool, error) {
	if kind == "" {
		return nil, govErrors.InvalidArgument("custom pool kind cannot be empty")
	}
	return m.createPool(Custom, kind, name, quota)
}

func (m *Manager) createPool(t ResourceType, kind, name string, quota Quota) (*Pool, error) {
	factory, err := m.factories.Get(t, kind)
	if err != nil {
		return nil, err
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if _, exists := m.pools[name]; exists {
		return nil, govErrors.AlreadyExists("pool %s already exists", name)
	}
	pool, err := NewPool(name, kind, factory, quota, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}
	pool.OnStateChange(m.publish)
	m.pools[name] = pool
	m.poolOrder = append(m.poolOrder, name)

	m.logger.Info("Pool created",
		"pool", name, "resource_type", t.String(), "kind", kind,
		"max_instances", quota.MaxInstances, "max_memory_bytes", quota.MaxMemoryBytes)
	return pool, nil
}

// RemovePool drains and removes a pool
func (m *Manager) RemovePool(name string) error {
	m.poolsMu.Lock()
	pool, exists := m.pools[name]
	if !exists {
		m.poolsMu.Unlock()
		return govErrors.NotFound("pool %s not found", name)
	}
	delete(m.pools, name)
	for i, n := range m.poolOrder {
		if n == name {
			m.poolOrder = append(m.poolOrder[:i], m.poolOrder[i+1:]...)
			break
		}
	}
	m.poolsMu.Unlock()

	destroyed := pool.Drain()

	m.leasesMu.Lock()
	for id, l := range m.leases {
		if l.pool == name {
			m.dropLeaseLocked(id, l)
		}
	}
	m.leasesMu.Unlock()

	m.metrics.ForgetPool(name)
	m.logger.Info("Pool removed", "pool", name, "destroyed", destroyed)
	return nil
}

// GetPool returns a pool by name
func (m *Manager) GetPool(name string) (*Pool, error) {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	pool, ok := m.pools[name]
	if !ok {
		return nil, govErrors.NotFound("pool %s not found", name)
	}
	return pool, nil
}

// Pools lists pool names in creation order
func (m *Manager) Pools() []string {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	out := make([]string, len(m.poolOrder))
	copy(out, m.poolOrder)
	return out
}

// SetPoolQuota replaces a pool's quota
func (m *Manager) SetPoolQuota(name string, q Quota) error {
	pool, err := m.GetPool(name)
	if err != nil {
		return err
	}
	return pool.SetQuota(q)
}

func (m *Manager) poolsOf(t ResourceType) []*Pool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	var out []*Pool
	for _, name := range m.poolOrder {
		if p := m.pools[name]; p.Type() == t {
			out = append(out, p)
		}
	}
	return out
}

// Acquire checks an instance of type t out to pluginID from the first pool
// of that type with capacity.
func (m *Manager) Acquire(ctx context.Context, t ResourceType, pluginID string, priority Priority) (Handle, Instance, error) {
	pools := m.poolsOf(t)
	if len(pools) == 0 {
		return Handle{}, nil, govErrors.NotFound("no pool serves resource type %s", t)
	}
	return m.acquire(ctx, pools, t, pluginID, priority)
}

// AcquireFrom checks an instance out of the named pool
func (m *Manager) AcquireFrom(ctx context.Context, poolName, pluginID string, priority Priority) (Handle, Instance, error) {
	pool, err := m.GetPool(poolName)
	if err != nil {
		return Handle{}, nil, err
	}
	return m.acquire(ctx, []*Pool{pool}, pool.Type(), pluginID, priority)
}

func (m *Manager) acquire(ctx context.Context, pools []*Pool, t ResourceType, pluginID string, priority Priority) (Handle, Instance, error) {
	if pluginID == "" {
		return Handle{}, nil, govErrors.InvalidArgument("plugin id cannot be empty")
	}

	key := pluginKey{plugin: pluginID, rtype: t}
	quota, hasQuota, err := m.admit(key, priority)
	if err != nil {
		m.totalRejected.Add(1)
		return Handle{}, nil, err
	}

	var lastErr error
	for _, pool := range pools {
		h, inst, err := pool.Acquire(ctx, pluginID, priority)
		if err == nil {
			if err := m.commit(key, pool, h, quota, hasQuota); err != nil {
				m.totalRejected.Add(1)
				return Handle{}, nil, err
			}
			m.totalAcquired.Add(1)
			return h, inst, nil
		}
		lastErr = err
		if !errors.Is(err, govErrors.ErrQuotaExceeded) && !errors.Is(err, govErrors.ErrMemoryBudget) {
			break
		}
	}

	m.unreserve(key)
	m.totalRejected.Add(1)
	return Handle{}, nil, lastErr
}

// admit applies the plugin rate limit and quota override and reserves a
// slot in the plugin's instance count.
func (m *Manager) admit(key pluginKey, priority Priority) (Quota, bool, error) {
	if limiter := m.limiter(key.plugin); limiter != nil && !limiter.Allow() {
		return Quota{}, false, govErrors.Unavailable(govErrors.ReasonRateLimited,
			"plugin %s exceeded %.2f acquires per second", key.plugin, m.config.PluginRateLimit)
	}

	quota, hasQuota := m.GetPluginQuota(key.plugin, key.rtype)
	if hasQuota && priority < quota.MinPriority {
		return quota, hasQuota, govErrors.Unavailable(govErrors.ReasonPriorityTooLow,
			"priority %s is below plugin %s minimum %s for %s", priority, key.plugin, quota.MinPriority, key.rtype)
	}

	m.leasesMu.Lock()
	defer m.leasesMu.Unlock()
	u := m.usageLocked(key)
	if hasQuota && quota.MaxInstances > 0 && u.count >= quota.MaxInstances {
		return quota, hasQuota, govErrors.Unavailable(govErrors.ReasonQuotaExceeded,
			"plugin %s holds %d of %d allowed %s instances", key.plugin, u.count, quota.MaxInstances, key.rtype)
	}
	u.count++
	return quota, hasQuota, nil
}

func (m *Manager) commit(key pluginKey, pool *Pool, h Handle, quota Quota, hasQuota bool) error {
	size := SizeOf(h)

	m.leasesMu.Lock()
	u := m.usageLocked(key)
	if hasQuota && quota.MaxMemoryBytes > 0 && size > 0 && u.bytes+size > quota.MaxMemoryBytes {
		would := u.bytes + size
		u.count--
		m.leasesMu.Unlock()
		if err := pool.Release(h); err != nil {
			m.logger.Warn("Failed to return over-budget instance", "pool", pool.Name(), "handle_id", h.ID, "error", err)
		}
		return govErrors.Unavailable(govErrors.ReasonMemoryBudget,
			"plugin %s would hold %d bytes of %s, limit %d", key.plugin, would, key.rtype, quota.MaxMemoryBytes)
	}
	u.bytes += size
	m.leases[h.ID] = lease{pool: pool.Name(), plugin: key.plugin, rtype: key.rtype, size: size}
	m.leasesMu.Unlock()
	return nil
}

func (m *Manager) unreserve(key pluginKey) {
	m.leasesMu.Lock()
	defer m.leasesMu.Unlock()
	if u, ok := m.usage[key]; ok && u.count > 0 {
		u.count--
	}
}

func (m *Manager) usageLocked(key pluginKey) *pluginUsage {
	u, ok := m.usage[key]
	if !ok {
		u = &pluginUsage{}
		m.usage[key] = u
	}
	return u
}

func (m *Manager) dropLeaseLocked(id string, l lease) {
	delete(m.leases, id)
	if u, ok := m.usage[pluginKey{plugin: l.plugin, rtype: l.rtype}]; ok {
		if u.count > 0 {
			u.count--
		}
		u.bytes -= l.size
	}
}

// Release returns a checked-out handle to its pool
func (m *Manager) Release(h Handle) error {
	m.leasesMu.Lock()
	l, ok := m.leases[h.ID]
	if ok {
		m.dropLeaseLocked(h.ID, l)
	}
	m.leasesMu.Unlock()
	if !ok {
		return govErrors.NotFound("handle %s is not checked out", h.ID)
	}

	pool, err := m.GetPool(l.pool)
	if err != nil {
		return err
	}
	if err := pool.Release(h); err != nil {
		return err
	}
	m.totalReleased.Add(1)
	return nil
}

// SetPluginQuota sets the override for pluginID's use of type t. Lifetime
// is a pool property, so an override carrying MaxLifetime is rejected.
func (m *Manager) SetPluginQuota(pluginID string, t ResourceType, q Quota) error {
	if pluginID == "" {
		return govErrors.InvalidArgument("plugin id cannot be empty")
	}
	if err := q.Validate(); err != nil {
		return err
	}
	if q.MaxLifetime != 0 {
		return govErrors.InvalidArgument("max lifetime applies to pools, not plugin quotas")
	}
	m.quotasMu.Lock()
	m.pluginQuotas[pluginKey{plugin: pluginID, rtype: t}] = q
	m.quotasMu.Unlock()

	m.logger.Info("Plugin quota set", "plugin_id", pluginID, "resource_type", t.String(),
		"max_instances", q.MaxInstances, "min_priority", q.MinPriority.String())
	return nil
}

// GetPluginQuota returns the override for pluginID and t, if any
func (m *Manager) GetPluginQuota(pluginID string, t ResourceType) (Quota, bool) {
	m.quotasMu.RLock()
	defer m.quotasMu.RUnlock()
	q, ok := m.pluginQuotas[pluginKey{plugin: pluginID, rtype: t}]
	return q, ok
}

func (m *Manager) limiter(pluginID string) *rate.Limiter {
	if m.config.PluginRateLimit <= 0 {
		return nil
	}

	m.quotasMu.RLock()
	l, ok := m.limiters[pluginID]
	m.quotasMu.RUnlock()
	if ok {
		return l
	}

	m.quotasMu.Lock()
	defer m.quotasMu.Unlock()
	if l, ok = m.limiters[pluginID]; ok {
		return l
	}
	burst := m.config.PluginRateBurst
	if burst < 1 {
		burst = 1
	}
	l = rate.NewLimiter(rate.Limit(m.config.PluginRateLimit), burst)
	m.limiters[pluginID] = l
	return l
}

// CleanupResources runs the cleanup sweep of every pool
func (m *Manager) CleanupResources() int {
	m.poolsMu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, name := range m.poolOrder {
		pools = append(pools, m.pools[name])
	}
	m.poolsMu.RUnlock()

	total := 0
	for _, pool := range pools {
		total += pool.CleanupResources()
	}
	return total
}

// CleanupPluginResources destroys every instance held by pluginID and drops
// its quota overrides and rate limiter.
func (m *Manager) CleanupPluginResources(pluginID string) int {
	m.poolsMu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.poolsMu.RUnlock()

	total := 0
	for _, pool := range pools {
		total += pool.CleanupPlugin(pluginID)
	}

	m.leasesMu.Lock()
	for id, l := range m.leases {
		if l.plugin == pluginID {
			delete(m.leases, id)
		}
	}
	for key := range m.usage {
		if key.plugin == pluginID {
			delete(m.usage, key)
		}
	}
	m.leasesMu.Unlock()

	m.quotasMu.Lock()
	for key := range m.pluginQuotas {
		if key.plugin == pluginID {
			delete(m.pluginQuotas, key)
		}
	}
	delete(m.limiters, pluginID)
	m.quotasMu.Unlock()

	m.logger.Info("Plugin resources cleaned up", "plugin_id", pluginID, "destroyed", total)
	return total
}

// Evict destroys the queued instance behind handle id in whichever pool
// holds it
func (m *Manager) Evict(id, reason string) bool {
	m.poolsMu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, name := range m.poolOrder {
		pools = append(pools, m.pools[name])
	}
	m.poolsMu.RUnlock()

	for _, pool := range pools {
		if pool.Evict(id, reason) {
			m.logger.Debug("Queued instance evicted", "pool", pool.Name(), "handle_id", id, "reason", reason)
			return true
		}
	}
	return false
}

// Subscribe registers handler for state changes matching filter
func (m *Manager) Subscribe(filter SubscriptionFilter, handler func(StateChange)) string {
	return m.bus.Subscribe(filter.matches, handler)
}

// Unsubscribe removes a subscription
func (m *Manager) Unsubscribe(id string) error {
	return m.bus.Unsubscribe(id)
}

func (m *Manager) publish(change StateChange) {
	m.bus.Publish(change)
}

// Statistics returns a snapshot of every pool and the manager counters
func (m *Manager) Statistics() ManagerStatistics {
	m.poolsMu.RLock()
	pools := make(map[string]PoolSnapshot, len(m.pools))
	for name, p := range m.pools {
		pools[name] = p.Snapshot()
	}
	m.poolsMu.RUnlock()

	m.quotasMu.RLock()
	quotas := len(m.pluginQuotas)
	m.quotasMu.RUnlock()

	m.leasesMu.Lock()
	leases := len(m.leases)
	m.leasesMu.Unlock()

	return ManagerStatistics{
		TotalPools:    len(pools),
		Pools:         pools,
		PluginQuotas:  quotas,
		ActiveLeases:  leases,
		Subscriptions: m.bus.Len(),
		TotalAcquired: m.totalAcquired.Load(),
		TotalReleased: m.totalReleased.Load(),
		TotalRejected: m.totalRejected.Load(),
	}
}

// Start launches the periodic cleanup sweep
func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("resource manager already running")
	}
	if m.config.CleanupInterval <= 0 {
		m.logger.Info("Periodic pool cleanup disabled")
		return nil
	}

	m.backgroundWG.Add(1)
	go m.cleanupLoop()
	m.logger.Info("Resource manager started", "cleanup_interval", m.config.CleanupInterval.String())
	return nil
}

// Shutdown stops the sweep and drains every pool
func (m *Manager) Shutdown() error {
	m.cancel()
	m.backgroundWG.Wait()
	m.running.Store(false)

	m.poolsMu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.poolsMu.Unlock()

	sort.Slice(pools, func(i, j int) bool { return pools[i].Name() < pools[j].Name() })
	destroyed := 0
	for _, p := range pools {
		destroyed += p.Drain()
	}

	m.leasesMu.Lock()
	m.leases = make(map[string]lease)
	m.usage = make(map[pluginKey]*pluginUsage)
	m.leasesMu.Unlock()

	m.logger.Info("Resource manager shut down", "destroyed", destroyed)
	return nil
}

func (m *Manager) cleanupLoop() {
	defer m.backgroundWG.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupResources(); n > 0 {
				m.logger.Info("Pool cleanup sweep completed", "evicted", n)
			}
		}
	}
}

// SizeOf returns the size recorded in a handle's metadata
func SizeOf(h Handle) int64 {
	if h.Metadata == nil {
		return 0
	}
	switch v := h.Metadata[MetadataSizeBytes].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
