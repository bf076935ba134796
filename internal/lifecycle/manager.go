package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/events"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/metrics"
	"plugin-governor/internal/resource"
)

// Cleanup triggers, used in event metadata and metrics.
const (
	TriggerSweep        = "sweep"
	TriggerManual       = "manual"
	TriggerForce        = "force"
	TriggerPluginUnload = "plugin_unload"
	TriggerLowMemory    = "low_memory"
	TriggerMaxUnused    = "max_unused"
)

// Config configures a Manager
type Config struct {
	// CleanupInterval is the period of the cleanup sweep. 0 disables it.
	CleanupInterval time.Duration `json:"cleanup_interval"`
	HistoryLimit    int           `json:"history_limit"`
	Policy          CleanupPolicy `json:"policy"`
}

// DefaultConfig returns the default lifecycle configuration
func DefaultConfig() *Config {
	return &Config{
		CleanupInterval: 30 * time.Second,
		HistoryLimit:    DefaultHistoryLimit,
		Policy:          DefaultCleanupPolicy(),
	}
}

// EventFilter narrows lifecycle notifications. Empty fields match everything.
type EventFilter struct {
	ResourceID string
	PluginID   string
	States     []State
}

func (f EventFilter) matches(e Event) bool {
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.PluginID != "" && e.PluginID != f.PluginID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if s == e.To {
			return true
		}
	}
	return false
}

// Statistics is a snapshot of the lifecycle manager
type Statistics struct {
	Tracked          int            `json:"tracked"`
	TotalTracked     int64          `json:"total_tracked"`
	TotalTransitions int64          `json:"total_transitions"`
	TotalCleaned     int64          `json:"total_cleaned"`
	ResourcesByState map[string]int `json:"resources_by_state"`
	DependencyEdges  int            `json:"dependency_edges"`
	CriticalEdges    int            `json:"critical_edges"`
	Subscriptions    int            `json:"subscriptions"`
}

// Manager tracks lifecycle state, dependencies and cleanup for resources.
// It only observes handles and never owns the backing instances.
type Manager struct {
	logger  logging.Logger
	metrics *metrics.Metrics
	bus     *events.Bus[Event]
	now     func() time.Time

	configMu sync.RWMutex
	config   Config

	resourcesMu sync.RWMutex
	trackers    map[string]*tracker

	depsMu sync.RWMutex
	graph  *dependencyGraph

	totalTracked     atomic.Int64
	totalTransitions atomic.Int64
	totalCleaned     atomic.Int64

	ctx          context.Context
	cancel       context.CancelFunc
	backgroundWG sync.WaitGroup
	running      atomic.Bool
}

// NewManager creates a lifecycle manager
func NewManager(ctx context.Context, logger logging.Logger, m *metrics.Metrics, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	logger = logging.OrNoOp(logger).WithComponent("lifecycle_manager")
	ctx, cancel := context.WithCancel(ctx)

	return &Manager{
		logger:   logger,
		metrics:  m,
		bus:      events.NewBus[Event]("lifecycle_manager", logger),
		now:      time.Now,
		config:   cfg,
		trackers: make(map[string]*tracker),
		graph:    newDependencyGraph(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Policy returns the cleanup policy in force
func (m *Manager) Policy() CleanupPolicy {
	m.configMu.RLock()
	defer m.configMu.RUnlock()
	return m.config.Policy
}

// SetPolicy replaces the cleanup policy
func (m *Manager) SetPolicy(p CleanupPolicy) {
	m.configMu.Lock()
	m.config.Policy = p
	m.configMu.Unlock()
	m.logger.Info("Cleanup policy updated",
		"max_idle_time", p.MaxIdleTime.String(), "max_lifetime", p.MaxLifetime.String(),
		"max_unused_resources", p.MaxUnusedResources, "min_priority_to_keep", p.MinPriorityToKeep.String())
}

// RegisterResource starts tracking h in the initial state
func (m *Manager) RegisterResource(h resource.Handle, initial State) error {
	if !h.IsValid() {
		return govErrors.InvalidArgument("handle has no id")
	}
	if initial == Destroyed || initial < Created || initial > Destroyed {
		return govErrors.InvalidArgument("cannot register resource %s in state %s", h.ID, initial)
	}

	m.configMu.RLock()
	historyLimit := m.config.HistoryLimit
	m.configMu.RUnlock()

	now := m.now()
	m.resourcesMu.Lock()
	if _, exists := m.trackers[h.ID]; exists {
		m.resourcesMu.Unlock()
		return govErrors.AlreadyExists("resource %s is already tracked", h.ID)
	}
	t := newTracker(h, Created, now, historyLimit)
	event := t.record(initial, now, map[string]interface{}{"registered": true})
	m.trackers[h.ID] = t
	tracked := len(m.trackers)
	m.resourcesMu.Unlock()

	m.totalTracked.Add(1)
	m.metrics.SetTracked(tracked)
	m.logger.Debug("Resource registered", "resource_id", h.ID, "plugin_id", h.PluginID, "state", initial.String())
	m.bus.Publish(event)
	return nil
}

// UpdateState moves a resource to newState if the transition is legal
func (m *Manager) UpdateState(id string, newState State, metadata map[string]interface{}) error {
	now := m.now()

	m.resourcesMu.Lock()
	t, ok := m.trackers[id]
	if !ok {
		m.resourcesMu.Unlock()
		return govErrors.NotFound("resource %s is not tracked", id)
	}
	if !CanTransition(t.state, newState) {
		from := t.state
		m.resourcesMu.Unlock()
		return govErrors.InvalidArgument("illegal transition %s -> %s for resource %s", from, newState, id)
	}
	event := t.record(newState, now, metadata)
	m.resourcesMu.Unlock()

	m.totalTransitions.Add(1)
	m.metrics.RecordTransition(newState.String())
	m.bus.Publish(event)
	return nil
}

// UnregisterResource records a final transition to Destroyed and stops
// tracking the resource. Its dependency edges are removed.
func (m *Manager) UnregisterResource(id string) error {
	now := m.now()

	m.resourcesMu.Lock()
	t, ok := m.trackers[id]
	if !ok {
		m.resourcesMu.Unlock()
		return govErrors.NotFound("resource %s is not tracked", id)
	}
	var event *Event
	if t.state != Destroyed {
		e := t.record(Destroyed, now, map[string]interface{}{"unregistered": true})
		event = &e
	}
	delete(m.trackers, id)
	tracked := len(m.trackers)
	m.depsMu.Lock()
	removedEdges := m.graph.removeNode(id)
	m.depsMu.Unlock()
	m.resourcesMu.Unlock()

	m.metrics.SetTracked(tracked)
	if event != nil {
		m.totalTransitions.Add(1)
		m.metrics.RecordTransition(Destroyed.String())
		m.bus.Publish(*event)
	}
	m.logger.Debug("Resource unregistered", "resource_id", id, "removed_edges", removedEdges)
	return nil
}

// Tracker returns a copy of a tracked resource
func (m *Manager) Tracker(id string) (TrackerSnapshot, error) {
	m.resourcesMu.RLock()
	defer m.resourcesMu.RUnlock()
	t, ok := m.trackers[id]
	if !ok {
		return TrackerSnapshot{}, govErrors.NotFound("resource %s is not tracked", id)
	}
	return t.snapshot(), nil
}

// State returns the current state of a resource
func (m *Manager) State(id string) (State, error) {
	m.resourcesMu.RLock()
	defer m.resourcesMu.RUnlock()
	t, ok := m.trackers[id]
	if !ok {
		return Created, govErrors.NotFound("resource %s is not tracked", id)
	}
	return t.state, nil
}

// History returns the retained events of a resource, oldest first
func (m *Manager) History(id string) ([]Event, error) {
	m.resourcesMu.RLock()
	defer m.resourcesMu.RUnlock()
	t, ok := m.trackers[id]
	if !ok {
		return nil, govErrors.NotFound("resource %s is not tracked", id)
	}
	return t.history.Items(), nil
}

// Resources lists tracked ids owned by pluginID, or all ids when empty
func (m *Manager) Resources(pluginID string) []string {
	m.resourcesMu.RLock()
	defer m.resourcesMu.RUnlock()
	ids := make([]string, 0, len(m.trackers))
	for id, t := range m.trackers {
		if pluginID == "" || t.handle.PluginID == pluginID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AddDependency records that dependentID depends on dependencyID. Adding
// an existing edge updates it.
func (m *Manager) AddDependency(dependentID, dependencyID, relationship string, critical bool) error {
	if dependentID == dependencyID {
		return govErrors.InvalidArgument("resource %s cannot depend on itself", dependentID)
	}

	// Both endpoints must stay tracked until the edge is in the graph, so
	// the read lock is held across the insert (lock order: resources, deps).
	m.resourcesMu.RLock()
	defer m.resourcesMu.RUnlock()
	if _, ok := m.trackers[dependentID]; !ok {
		return govErrors.NotFound("resource %s is not tracked", dependentID)
	}
	if _, ok := m.trackers[dependencyID]; !ok {
		return govErrors.NotFound("resource %s is not tracked", dependencyID)
	}

	m.depsMu.Lock()
	defer m.depsMu.Unlock()

	if critical && m.graph.reachesCritically(dependencyID, dependentID) {
		return govErrors.InvalidArgument("critical dependency %s -> %s would close a cycle", dependentID, dependencyID)
	}
	m.graph.add(Dependency{
		DependentID:  dependentID,
		DependencyID: dependencyID,
		Relationship: relationship,
		Critical:     critical,
		CreatedAt:    m.now(),
	})
	return nil
}

// RemoveDependency deletes an edge
func (m *Manager) RemoveDependency(dependentID, dependencyID string) error {
	m.depsMu.Lock()
	defer m.depsMu.Unlock()
	if !m.graph.remove(dependentID, dependencyID) {
		return govErrors.NotFound("no dependency %s -> %s", dependentID, dependencyID)
	}
	return nil
}

// Dependents returns the edges pointing at id
func (m *Manager) Dependents(id string) []Dependency {
	m.depsMu.RLock()
	defer m.depsMu.RUnlock()
	return m.graph.dependents(id)
}

// Dependencies returns the edges leaving id
func (m *Manager) Dependencies(id string) []Dependency {
	m.depsMu.RLock()
	defer m.depsMu.RUnlock()
	return m.graph.dependencies(id)
}

// HasCriticalDependents reports whether any critical edge points at id
func (m *Manager) HasCriticalDependents(id string) bool {
	m.depsMu.RLock()
	defer m.depsMu.RUnlock()
	return m.graph.hasCriticalDependents(id)
}

// CanCleanupResource reports whether id is eligible for eviction under the
// current policy and has no critical dependents.
func (m *Manager) CanCleanupResource(id string) bool {
	m.resourcesMu.RLock()
	t, ok := m.trackers[id]
	var (
		state     State
		createdAt time.Time
		changedAt time.Time
		priority  resource.Priority
	)
	if ok {
		state, createdAt, changedAt, priority = t.state, t.handle.CreatedAt, t.stateChangedAt, t.handle.Priority
	}
	m.resourcesMu.RUnlock()
	if !ok {
		return false
	}

	if state == Cleanup || state == Destroyed {
		return false
	}
	if !m.Policy().ShouldCleanup(state, createdAt, changedAt, priority, m.now()) {
		return false
	}
	return !m.HasCriticalDependents(id)
}

// CleanupCandidates returns up to max eligible ids, oldest first. max <= 0
// returns every candidate.
func (m *Manager) CleanupCandidates(max int) []string {
	type entry struct {
		id        string
		createdAt time.Time
	}

	m.resourcesMu.RLock()
	all := make([]entry, 0, len(m.trackers))
	for id, t := range m.trackers {
		all = append(all, entry{id: id, createdAt: t.handle.CreatedAt})
	}
	m.resourcesMu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].createdAt.Equal(all[j].createdAt) {
			return all[i].createdAt.Before(all[j].createdAt)
		}
		return all[i].id < all[j].id
	})

	var out []string
	for _, e := range all {
		if max > 0 && len(out) >= max {
			break
		}
		if m.CanCleanupResource(e.id) {
			out = append(out, e.id)
		}
	}
	return out
}

// CleanupOrder orders ids so every dependent is cleaned before what it
// depends on. Resources in a dependency cycle fall back to ascending
// dependent count.
func (m *Manager) CleanupOrder(ids []string) []string {
	m.depsMu.RLock()
	ordered, cyclic := m.graph.order(ids)
	m.depsMu.RUnlock()

	if len(cyclic) > 0 {
		m.logger.Warn("Dependency cycle among cleanup candidates; using dependent-count order for them",
			"resources", cyclic)
	}
	return ordered
}

// ForceCleanup cleans id regardless of the idle and lifetime policy. The
// critical-dependent guard still applies unless force is set.
func (m *Manager) ForceCleanup(id string, force bool) error {
	state, err := m.State(id)
	if err != nil {
		return err
	}
	if state == Destroyed {
		return govErrors.InvalidArgument("resource %s is already destroyed", id)
	}
	if !force && m.HasCriticalDependents(id) {
		return govErrors.Unavailable(govErrors.ReasonCriticalDependents,
			"resource %s has critical dependents", id)
	}

	if err := m.cleanupOne(id, TriggerForce); err != nil {
		return err
	}
	m.totalCleaned.Add(1)
	m.metrics.RecordCleaned(TriggerForce, 1)
	m.logger.Info("Resource force-cleaned", "resource_id", id, "force", force)
	return nil
}

// PerformCleanup evicts every eligible resource in dependency order and
// returns how many were cleaned.
func (m *Manager) PerformCleanup() int {
	return m.performCleanup(TriggerManual)
}

func (m *Manager) performCleanup(trigger string) int {
	candidates := m.CleanupCandidates(0)
	if len(candidates) == 0 {
		return 0
	}

	cleaned := 0
	for _, id := range m.CleanupOrder(candidates) {
		if !m.CanCleanupResource(id) {
			continue
		}
		if err := m.cleanupOne(id, trigger); err != nil {
			logging.LogError(m.logger, "Cleanup failed", err, "resource_id", id, "trigger", trigger)
			continue
		}
		cleaned++
	}

	m.totalCleaned.Add(int64(cleaned))
	m.metrics.RecordCleaned(trigger, cleaned)
	if cleaned > 0 {
		m.logger.Info("Cleanup completed", "trigger", trigger, "cleaned", cleaned, "candidates", len(candidates))
	}
	return cleaned
}

// CleanupPluginResources cleans every resource owned by pluginID, dependents
// first. Resources that a different plugin critically depends on are kept.
func (m *Manager) CleanupPluginResources(pluginID string) int {
	if !m.Policy().CleanupOnPluginUnload {
		m.logger.Debug("Plugin unload cleanup disabled by policy", "plugin_id", pluginID)
		return 0
	}

	ids := m.Resources(pluginID)
	if len(ids) == 0 {
		return 0
	}
	owned := make(map[string]bool, len(ids))
	for _, id := range ids {
		owned[id] = true
	}

	cleaned := 0
	for _, id := range m.CleanupOrder(ids) {
		m.depsMu.RLock()
		blocked := m.graph.criticalDependentsOutside(id, owned)
		m.depsMu.RUnlock()
		if blocked {
			m.logger.Warn("Keeping plugin resource with external critical dependents",
				"plugin_id", pluginID, "resource_id", id)
			continue
		}
		if err := m.cleanupOne(id, TriggerPluginUnload); err != nil {
			logging.LogError(m.logger, "Plugin cleanup failed", err, "resource_id", id, "plugin_id", pluginID)
			continue
		}
		cleaned++
	}

	m.totalCleaned.Add(int64(cleaned))
	m.metrics.RecordCleaned(TriggerPluginUnload, cleaned)
	m.logger.Info("Plugin resources cleaned", "plugin_id", pluginID, "cleaned", cleaned)
	return cleaned
}

type unusedEntry struct {
	id        string
	priority  resource.Priority
	changedAt time.Time
}

func (m *Manager) unused(states ...State) []unusedEntry {
	m.resourcesMu.RLock()
	defer m.resourcesMu.RUnlock()
	var out []unusedEntry
	for id, t := range m.trackers {
		for _, s := range states {
			if t.state == s {
				out = append(out, unusedEntry{id: id, priority: t.handle.Priority, changedAt: t.stateChangedAt})
				break
			}
		}
	}
	return out
}

// HandleLowMemory cleans Idle and Deprecated resources, lowest priority
// first, up to the policy's max_unused_resources (all when 0).
func (m *Manager) HandleLowMemory() int {
	policy := m.Policy()
	if !policy.CleanupOnLowMemory {
		return 0
	}

	entries := m.unused(Idle, Deprecated)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		if !entries[i].changedAt.Equal(entries[j].changedAt) {
			return entries[i].changedAt.Before(entries[j].changedAt)
		}
		return entries[i].id < entries[j].id
	})

	cleaned := 0
	for _, e := range entries {
		if policy.MaxUnusedResources > 0 && cleaned >= policy.MaxUnusedResources {
			break
		}
		if m.HasCriticalDependents(e.id) {
			continue
		}
		if err := m.cleanupOne(e.id, TriggerLowMemory); err != nil {
			continue
		}
		cleaned++
	}

	m.totalCleaned.Add(int64(cleaned))
	m.metrics.RecordCleaned(TriggerLowMemory, cleaned)
	m.logger.Warn("Low memory cleanup", "cleaned", cleaned, "unused", len(entries))
	return cleaned
}

// EnforceMaxUnused evicts the longest-idle resources beyond the policy's
// max_unused_resources.
func (m *Manager) EnforceMaxUnused() int {
	limit := m.Policy().MaxUnusedResources
	if limit <= 0 {
		return 0
	}

	entries := m.unused(Idle)
	excess := len(entries) - limit
	if excess <= 0 {
		return 0
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].changedAt.Equal(entries[j].changedAt) {
			return entries[i].changedAt.Before(entries[j].changedAt)
		}
		return entries[i].id < entries[j].id
	})

	cleaned := 0
	for _, e := range entries {
		if cleaned >= excess {
			break
		}
		if m.HasCriticalDependents(e.id) {
			continue
		}
		if err := m.cleanupOne(e.id, TriggerMaxUnused); err != nil {
			continue
		}
		cleaned++
	}

	m.totalCleaned.Add(int64(cleaned))
	m.metrics.RecordCleaned(TriggerMaxUnused, cleaned)
	return cleaned
}

// cleanupOne moves id to Cleanup (unless already there) and unregisters it.
func (m *Manager) cleanupOne(id, trigger string) error {
	state, err := m.State(id)
	if err != nil {
		return err
	}
	if state != Cleanup {
		if err := m.UpdateState(id, Cleanup, map[string]interface{}{"trigger": trigger}); err != nil {
			return err
		}
	}
	return m.UnregisterResource(id)
}

// Subscribe registers handler for lifecycle events matching filter
func (m *Manager) Subscribe(filter EventFilter, handler func(Event)) string {
	return m.bus.Subscribe(filter.matches, handler)
}

// Unsubscribe removes a subscription
func (m *Manager) Unsubscribe(id string) error {
	return m.bus.Unsubscribe(id)
}

// Statistics returns a snapshot of the lifecycle manager
func (m *Manager) Statistics() Statistics {
	byState := make(map[string]int, len(stateNames))
	for _, s := range AllStates() {
		byState[s.String()] = 0
	}

	m.resourcesMu.RLock()
	tracked := len(m.trackers)
	for _, t := range m.trackers {
		byState[t.state.String()]++
	}
	m.resourcesMu.RUnlock()

	m.depsMu.RLock()
	edges, critical := m.graph.counts()
	m.depsMu.RUnlock()

	return Statistics{
		Tracked:          tracked,
		TotalTracked:     m.totalTracked.Load(),
		TotalTransitions: m.totalTransitions.Load(),
		TotalCleaned:     m.totalCleaned.Load(),
		ResourcesByState: byState,
		DependencyEdges:  edges,
		CriticalEdges:    critical,
		Subscriptions:    m.bus.Len(),
	}
}

// Start launches the periodic cleanup sweep
func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("lifecycle manager already running")
	}

	m.configMu.RLock()
	interval := m.config.CleanupInterval
	m.configMu.RUnlock()
	if interval <= 0 {
		m.logger.Info("Periodic lifecycle cleanup disabled")
		return nil
	}

	m.backgroundWG.Add(1)
	go m.cleanupLoop(interval)
	m.logger.Info("Lifecycle manager started", "cleanup_interval", interval.String())
	return nil
}

// Shutdown stops the sweep
func (m *Manager) Shutdown() error {
	m.cancel()
	m.backgroundWG.Wait()
	m.running.Store(false)
	m.logger.Info("Lifecycle manager shut down")
	return nil
}

func (m *Manager) cleanupLoop(interval time.Duration) {
	defer m.backgroundWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.performCleanup(TriggerSweep)
			m.EnforceMaxUnused()
		}
	}
}
