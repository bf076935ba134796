package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/metrics"
)

// MetadataSizeBytes is the handle metadata key carrying the size charged to
// the memory budget.
const MetadataSizeBytes = "size_bytes"

type poolEntry struct {
	handle       Handle
	instance     Instance
	size         int64
	budget       *semaphore.Weighted // semaphore the size is charged to, if any
	checkedOutAt time.Time
}

// Pool owns the live instances of one resource kind, bounded by a Quota.
// Released instances that are still healthy are queued for reuse, oldest
// first. Factory and health-check calls run outside the pool lock.
type Pool struct {
	name    string
	rtype   ResourceType
	kind    string
	factory Factory
	sizer   Sizer
	logger  logging.Logger
	metrics *metrics.Metrics
	notify  atomic.Pointer[func(StateChange)]

	mu        sync.RWMutex
	quota     Quota
	budget    *semaphore.Weighted
	stats     UsageStats
	inUse     map[string]*poolEntry
	available []*poolEntry
	reserved  int
	releases  int64
	closed    bool
}

// NewPool creates a pool backed by factory. kind names Custom pools.
func NewPool(name, kind string, factory Factory, quota Quota, logger logging.Logger, m *metrics.Metrics) (*Pool, error) {
	if name == "" {
		return nil, govErrors.InvalidArgument("pool name cannot be empty")
	}
	if factory == nil {
		return nil, govErrors.InvalidArgument("pool %s has no factory", name)
	}
	if err := quota.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		name:    name,
		rtype:   factory.Type(),
		kind:    kind,
		factory: factory,
		logger:  logging.OrNoOp(logger).WithComponent("resource_pool"),
		metrics: m,
		quota:   quota,
		inUse:   make(map[string]*poolEntry),
	}
	if sizer, ok := factory.(Sizer); ok {
		p.sizer = sizer
	}
	if quota.MaxMemoryBytes > 0 {
		p.budget = semaphore.NewWeighted(quota.MaxMemoryBytes)
	}
	return p, nil
}

// OnStateChange installs the state-change callback. A panicking callback is
// logged and ignored.
func (p *Pool) OnStateChange(fn func(StateChange)) {
	if fn == nil {
		p.notify.Store(nil)
		return
	}
	p.notify.Store(&fn)
}

func (p *Pool) Name() string       { return p.name }
func (p *Pool) Type() ResourceType { return p.rtype }
func (p *Pool) Kind() string       { return p.kind }

// Acquire returns a reused or newly created instance checked out to
// pluginID. It never blocks waiting for capacity.
func (p *Pool) Acquire(ctx context.Context, pluginID string, priority Priority) (Handle, Instance, error) {
	p.mu.RLock()
	closed := p.closed
	minPriority := p.quota.MinPriority
	p.mu.RUnlock()

	if closed {
		return Handle{}, nil, govErrors.NotFound("pool %s has been removed", p.name)
	}
	if priority < minPriority {
		p.mu.Lock()
		p.stats.Rejections++
		p.mu.Unlock()
		p.metrics.RecordAcquire(p.name, string(govErrors.ReasonPriorityTooLow))
		return Handle{}, nil, govErrors.Unavailable(govErrors.ReasonPriorityTooLow,
			"priority %s is below pool %s minimum %s", priority, p.name, minPriority)
	}

	if h, inst, ok := p.reuse(pluginID, priority); ok {
		return h, inst, nil
	}
	return p.create(ctx, pluginID, priority)
}

func (p *Pool) reuse(pluginID string, priority Priority) (Handle, Instance, bool) {
	for {
		p.mu.Lock()
		if len(p.available) == 0 {
			p.mu.Unlock()
			return Handle{}, nil, false
		}
		e := p.available[0]
		p.available[0] = nil
		p.available = p.available[1:]
		p.reserved++
		maxLifetime := p.quota.MaxLifetime
		p.mu.Unlock()

		if expired(e, maxLifetime) || !p.factory.Healthy(e.instance) {
			p.mu.Lock()
			p.reserved--
			charged := p.detachLocked(e)
			p.mu.Unlock()
			p.destroy(e, Available, charged, "unhealthy on reuse")
			continue
		}

		now := time.Now()
		p.mu.Lock()
		p.reserved--
		e.handle.PluginID = pluginID
		e.handle.Priority = priority
		e.handle.State = InUse
		e.handle.LastAccessed = now
		e.checkedOutAt = now
		p.inUse[e.handle.ID] = e
		p.stats.Reuses++
		p.refreshLocked()
		h := e.handle.Clone()
		p.mu.Unlock()

		p.metrics.RecordAcquire(p.name, "reused")
		p.emit(h, Available, InUse)
		return h, e.instance, true
	}
}

func (p *Pool) create(ctx context.Context, pluginID string, priority Priority) (Handle, Instance, error) {
	p.mu.Lock()
	if limit := p.quota.MaxInstances; limit > 0 && p.liveLocked() >= limit {
		p.stats.Rejections++
		p.mu.Unlock()
		p.metrics.RecordAcquire(p.name, string(govErrors.ReasonQuotaExceeded))
		return Handle{}, nil, govErrors.Unavailable(govErrors.ReasonQuotaExceeded,
			"pool %s is at its limit of %d instances", p.name, limit)
	}
	p.reserved++
	budget := p.budget
	p.mu.Unlock()

	now := time.Now()
	h := Handle{
		ID:           uuid.New().String(),
		Type:         p.rtype,
		Kind:         p.kind,
		PluginID:     pluginID,
		Pool:         p.name,
		State:        Reserved,
		Priority:     priority,
		CreatedAt:    now,
		LastAccessed: now,
	}

	inst, err := p.factory.Create(ctx, Request{PluginID: pluginID, Priority: priority, Pool: p.name, Kind: p.kind})
	if err != nil {
		p.mu.Lock()
		p.reserved--
		p.stats.AllocationFailures++
		p.mu.Unlock()

		reason := govErrors.ReasonAllocationFailed
		if errors.Is(err, ErrFactoryRejected) {
			reason = govErrors.ReasonFactoryRejected
		}
		p.logger.Warn("Factory failed to create instance",
			"pool", p.name, "plugin_id", pluginID, "reason", string(reason), "error", err)
		p.metrics.RecordAcquire(p.name, string(reason))

		failed := h
		failed.State = Error
		p.emit(failed, Reserved, Error)
		return Handle{}, nil, govErrors.Unavailable(reason, "pool %s: %v", p.name, err)
	}

	var size int64
	if p.sizer != nil {
		size = p.sizer.SizeBytes(inst)
	}
	var charged *semaphore.Weighted
	if size > 0 {
		h.Metadata = map[string]interface{}{MetadataSizeBytes: size}
		if budget != nil {
			if !budget.TryAcquire(size) {
				p.mu.Lock()
				p.reserved--
				p.stats.Rejections++
				p.mu.Unlock()
				if derr := p.factory.Destroy(inst); derr != nil {
					p.logger.Warn("Failed to destroy over-budget instance", "pool", p.name, "error", derr)
				}
				p.metrics.RecordAcquire(p.name, string(govErrors.ReasonMemoryBudget))
				return Handle{}, nil, govErrors.Unavailable(govErrors.ReasonMemoryBudget,
					"pool %s cannot fit %d more bytes", p.name, size)
			}
			charged = budget
		}
	}

	h.State = InUse
	e := &poolEntry{handle: h, instance: inst, size: size, budget: charged, checkedOutAt: now}

	p.mu.Lock()
	p.reserved--
	p.inUse[h.ID] = e
	p.stats.TotalCreated++
	p.stats.MemoryBytes += size
	p.refreshLocked()
	out := e.handle.Clone()
	p.mu.Unlock()

	p.metrics.RecordAcquire(p.name, "created")
	p.emit(out, Reserved, InUse)
	return out, inst, nil
}

// Release returns a checked-out instance. Healthy instances within their
// lifetime are queued for reuse; the rest are destroyed.
func (p *Pool) Release(h Handle) error {
	p.mu.RLock()
	e, ok := p.inUse[h.ID]
	maxLifetime := p.quota.MaxLifetime
	p.mu.RUnlock()
	if !ok {
		return govErrors.NotFound("handle %s is not checked out from pool %s", h.ID, p.name)
	}

	healthy := p.factory.Healthy(e.instance)
	isExpired := expired(e, maxLifetime)
	now := time.Now()

	p.mu.Lock()
	if cur, ok := p.inUse[h.ID]; !ok || cur != e {
		p.mu.Unlock()
		return govErrors.NotFound("handle %s is not checked out from pool %s", h.ID, p.name)
	}
	delete(p.inUse, h.ID)

	p.releases++
	p.stats.TotalUsageTime += now.Sub(e.checkedOutAt)
	lifetime := now.Sub(e.handle.CreatedAt)
	p.stats.AverageLifetime += (lifetime - p.stats.AverageLifetime) / time.Duration(p.releases)
	e.handle.LastAccessed = now

	if healthy && !isExpired && !p.closed {
		e.handle.State = Available
		p.available = append(p.available, e)
		p.refreshLocked()
		out := e.handle.Clone()
		p.mu.Unlock()

		p.metrics.RecordRelease(p.name, "reused")
		p.emit(out, InUse, Available)
		return nil
	}

	charged := p.detachLocked(e)
	p.mu.Unlock()

	reason := "expired"
	if !healthy {
		reason = "unhealthy"
	}
	p.metrics.RecordRelease(p.name, "destroyed")
	p.destroy(e, InUse, charged, reason)
	return nil
}

// CleanupResources evicts queued instances past their lifetime or failing a
// health check, scanning from the oldest and stopping at the first keeper.
func (p *Pool) CleanupResources() int {
	cleaned := 0
	for {
		p.mu.Lock()
		if len(p.available) == 0 {
			p.mu.Unlock()
			break
		}
		e := p.available[0]
		if expired(e, p.quota.MaxLifetime) {
			p.available[0] = nil
			p.available = p.available[1:]
			charged := p.detachLocked(e)
			p.mu.Unlock()
			p.destroy(e, Available, charged, "expired")
			cleaned++
			continue
		}
		p.mu.Unlock()

		if p.factory.Healthy(e.instance) {
			break
		}

		p.mu.Lock()
		if len(p.available) == 0 || p.available[0] != e {
			// Reused or evicted concurrently; rescan.
			p.mu.Unlock()
			continue
		}
		p.available[0] = nil
		p.available = p.available[1:]
		charged := p.detachLocked(e)
		p.mu.Unlock()
		p.destroy(e, Available, charged, "unhealthy")
		cleaned++
	}

	if cleaned > 0 {
		p.metrics.RecordPoolCleanup(p.name, cleaned)
		p.logger.Debug("Pool cleanup evicted instances", "pool", p.name, "count", cleaned)
	}
	return cleaned
}

// CleanupPlugin destroys the instances checked out to pluginID and the
// queued instances it last used.
func (p *Pool) CleanupPlugin(pluginID string) int {
	type victim struct {
		entry   *poolEntry
		from    HandleState
		charged *semaphore.Weighted
	}

	p.mu.Lock()
	var victims []victim
	for id, e := range p.inUse {
		if e.handle.PluginID == pluginID {
			delete(p.inUse, id)
			victims = append(victims, victim{entry: e, from: InUse})
		}
	}
	kept := p.available[:0]
	for _, e := range p.available {
		if e.handle.PluginID == pluginID {
			victims = append(victims, victim{entry: e, from: Available})
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(p.available); i++ {
		p.available[i] = nil
	}
	p.available = kept
	for i := range victims {
		victims[i].charged = p.detachLocked(victims[i].entry)
	}
	p.mu.Unlock()

	for _, v := range victims {
		p.destroy(v.entry, v.from, v.charged, "plugin cleanup")
	}
	return len(victims)
}

// Evict destroys the queued instance behind handle id. Checked-out
// instances stay with their holder; Evict reports whether one was removed.
func (p *Pool) Evict(id, reason string) bool {
	p.mu.Lock()
	idx := -1
	for i, e := range p.available {
		if e.handle.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	e := p.available[idx]
	copy(p.available[idx:], p.available[idx+1:])
	p.available[len(p.available)-1] = nil
	p.available = p.available[:len(p.available)-1]
	charged := p.detachLocked(e)
	p.mu.Unlock()

	p.destroy(e, Available, charged, reason)
	p.metrics.RecordPoolCleanup(p.name, 1)
	return true
}

// Drain closes the pool and destroys every instance. Later acquires fail.
func (p *Pool) Drain() int {
	p.mu.Lock()
	p.closed = true
	entries := make([]*poolEntry, 0, len(p.inUse)+len(p.available))
	states := make([]HandleState, 0, cap(entries))
	for id, e := range p.inUse {
		delete(p.inUse, id)
		entries = append(entries, e)
		states = append(states, InUse)
	}
	for _, e := range p.available {
		entries = append(entries, e)
		states = append(states, Available)
	}
	p.available = nil
	charges := make([]*semaphore.Weighted, len(entries))
	for i, e := range entries {
		charges[i] = p.detachLocked(e)
	}
	p.mu.Unlock()

	for i, e := range entries {
		p.destroy(e, states[i], charges[i], "pool drained")
	}
	return len(entries)
}

// SetQuota replaces the quota. Existing instances over a lowered limit are
// kept until released.
func (p *Pool) SetQuota(q Quota) error {
	if err := q.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.quota
	p.quota = q
	if q.MaxMemoryBytes == old.MaxMemoryBytes {
		return nil
	}
	if q.MaxMemoryBytes == 0 {
		p.budget = nil
		return nil
	}

	budget := semaphore.NewWeighted(q.MaxMemoryBytes)
	recharge := func(e *poolEntry) {
		if e.size <= 0 {
			return
		}
		if budget.TryAcquire(e.size) {
			e.budget = budget
		} else {
			e.budget = nil
		}
	}
	for _, e := range p.inUse {
		recharge(e)
	}
	for _, e := range p.available {
		recharge(e)
	}
	p.budget = budget
	return nil
}

// Quota returns the current quota
func (p *Pool) Quota() Quota {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quota
}

// Statistics returns a copy of the usage counters
func (p *Pool) Statistics() UsageStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// UsageBy returns how many instances pluginID has checked out and their
// total size.
func (p *Pool) UsageBy(pluginID string) (count int, bytes int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.inUse {
		if e.handle.PluginID == pluginID {
			count++
			bytes += e.size
		}
	}
	return count, bytes
}

// CheckedOut returns copies of the checked-out handles
func (p *Pool) CheckedOut() []Handle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Handle, 0, len(p.inUse))
	for _, e := range p.inUse {
		out = append(out, e.handle.Clone())
	}
	return out
}

// PoolSnapshot is a point-in-time view of a pool
type PoolSnapshot struct {
	Name            string       `json:"name"`
	Type            ResourceType `json:"resource_type"`
	Kind            string       `json:"kind,omitempty"`
	Quota           Quota        `json:"quota"`
	Stats           UsageStats   `json:"stats"`
	UtilizationRate float64      `json:"utilization_rate"`
}

// Snapshot returns the pool's quota and counters
func (p *Pool) Snapshot() PoolSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PoolSnapshot{
		Name:            p.name,
		Type:            p.rtype,
		Kind:            p.kind,
		Quota:           p.quota,
		Stats:           p.stats,
		UtilizationRate: p.stats.UtilizationRate(),
	}
}

func (p *Pool) liveLocked() int {
	return len(p.inUse) + len(p.available) + p.reserved
}

func (p *Pool) refreshLocked() {
	p.stats.InUse = int64(len(p.inUse))
	p.stats.Available = int64(len(p.available))
	p.stats.CurrentlyActive = p.stats.InUse + p.stats.Available
	if p.stats.CurrentlyActive > p.stats.PeakUsage {
		p.stats.PeakUsage = p.stats.CurrentlyActive
	}
	p.metrics.SetPoolActive(p.name, p.stats.CurrentlyActive)
}

// detachLocked accounts for an entry leaving the pool and returns the
// semaphore its size must be released to.
func (p *Pool) detachLocked(e *poolEntry) *semaphore.Weighted {
	p.stats.MemoryBytes -= e.size
	charged := e.budget
	e.budget = nil
	p.refreshLocked()
	return charged
}

func (p *Pool) destroy(e *poolEntry, from HandleState, charged *semaphore.Weighted, reason string) {
	if err := p.factory.Destroy(e.instance); err != nil {
		p.logger.Warn("Failed to destroy instance",
			"pool", p.name, "handle_id", e.handle.ID, "reason", reason, "error", err)
	}
	if charged != nil && e.size > 0 {
		charged.Release(e.size)
	}

	p.mu.Lock()
	p.stats.TotalDestroyed++
	p.mu.Unlock()

	h := e.handle.Clone()
	h.State = Cleanup
	p.emit(h, from, Cleanup)
}

func (p *Pool) emit(h Handle, from, to HandleState) {
	fn := p.notify.Load()
	if fn == nil {
		return
	}
	defer logging.RecoverPanic(p.logger, "pool state callback", nil, "pool", p.name, "handle_id", h.ID)
	(*fn)(StateChange{Handle: h, OldState: from, NewState: to, At: time.Now()})
}

func expired(e *poolEntry, maxLifetime time.Duration) bool {
	return maxLifetime > 0 && e.handle.Age() > maxLifetime
}
