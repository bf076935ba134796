package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/events"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/metrics"
	"plugin-governor/internal/resource"
	"plugin-governor/internal/ring"
)

type record struct {
	metrics ResourceMetrics
	active  bool
	history *ring.Buffer[Sample]
}

type alertKey struct {
	resourceID string
	alertType  AlertType
}

// Statistics is a snapshot of the monitor
type Statistics struct {
	ActiveResources       int   `json:"active_resources"`
	MonitoredResources    int   `json:"monitored_resources"`
	TotalMetricsCollected int64 `json:"total_metrics_collected"`
	TotalAlerts           int64 `json:"total_alerts"`
	TotalViolations       int64 `json:"total_violations"`
	CustomQuotas          int   `json:"custom_quotas"`
	HistoryEntries        int   `json:"history_entries"`
	Subscriptions         int   `json:"subscriptions"`
}

// Monitor collects metrics for resources and raises alerts and quota
// violations. It observes handles and never owns the backing instances.
type Monitor struct {
	logger  logging.Logger
	metrics *metrics.Metrics
	bus     *events.Bus[Notification]
	now     func() time.Time

	configMu sync.RWMutex
	config   Config

	resourcesMu sync.RWMutex
	records     map[string]*record

	quotasMu sync.RWMutex
	quotas   map[quotaKey]float64

	alertsMu   sync.RWMutex
	alerts     *ring.Buffer[PerformanceAlert]
	violations *ring.Buffer[QuotaViolation]
	lastAlert  map[alertKey]time.Time

	sinksMu   sync.RWMutex
	sinks     []Sink
	collector Collector

	totalCollected  atomic.Int64
	totalAlerts     atomic.Int64
	totalViolations atomic.Int64

	ctx          context.Context
	cancel       context.CancelFunc
	backgroundWG sync.WaitGroup
	running      atomic.Bool
}

// NewMonitor creates a resource monitor
func NewMonitor(ctx context.Context, logger logging.Logger, m *metrics.Metrics, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	cfg.normalize()
	logger = logging.OrNoOp(logger).WithComponent("resource_monitor")
	ctx, cancel := context.WithCancel(ctx)

	return &Monitor{
		logger:     logger,
		metrics:    m,
		bus:        events.NewBus[Notification]("resource_monitor", logger),
		now:        time.Now,
		config:     cfg,
		records:    make(map[string]*record),
		quotas:     make(map[quotaKey]float64),
		alerts:     ring.New[PerformanceAlert](cfg.MaxAlertHistory),
		violations: ring.New[QuotaViolation](cfg.MaxViolationHistory),
		lastAlert:  make(map[alertKey]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Config returns a copy of the configuration
func (m *Monitor) Config() Config {
	m.configMu.RLock()
	defer m.configMu.RUnlock()
	return m.config
}

// Thresholds returns the alert thresholds in force
func (m *Monitor) Thresholds() Thresholds {
	m.configMu.RLock()
	defer m.configMu.RUnlock()
	return m.config.Thresholds
}

// SetThresholds replaces the alert thresholds
func (m *Monitor) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.configMu.Lock()
	m.config.Thresholds = t
	m.configMu.Unlock()
	m.logger.Info("Alert thresholds updated",
		"cpu_usage_percent", t.CPUUsagePercent, "memory_usage_bytes", t.MemoryUsageBytes,
		"error_rate", t.ErrorRate, "efficiency", t.Efficiency)
	return nil
}

// AddSink registers a sink for alerts, violations and, if it implements
// SampleSink, samples.
func (m *Monitor) AddSink(s Sink) {
	if s == nil {
		return
	}
	m.sinksMu.Lock()
	m.sinks = append(m.sinks, s)
	m.sinksMu.Unlock()
}

// SetCollector installs the sampler used by the collection sweep
func (m *Monitor) SetCollector(c Collector) {
	m.sinksMu.Lock()
	m.collector = c
	m.sinksMu.Unlock()
}

func (m *Monitor) currentSinks() []Sink {
	m.sinksMu.RLock()
	defer m.sinksMu.RUnlock()
	out := make([]Sink, len(m.sinks))
	copy(out, m.sinks)
	return out
}

// StartMonitoring begins tracking h. A stopped resource is reactivated
// with its history intact.
func (m *Monitor) StartMonitoring(h resource.Handle) error {
	if !h.IsValid() {
		return govErrors.InvalidArgument("handle has no id")
	}
	createdAt := h.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.now()
	}

	m.configMu.RLock()
	historyLimit := m.config.MaxMetricsPerResource
	m.configMu.RUnlock()

	m.resourcesMu.Lock()
	defer m.resourcesMu.Unlock()

	if rec, ok := m.records[h.ID]; ok {
		if rec.active {
			return govErrors.AlreadyExists("resource %s is already monitored", h.ID)
		}
		rec.active = true
		rec.metrics.PluginID = h.PluginID
		rec.metrics.ResourceType = h.Type
		m.logger.Debug("Monitoring resumed", "resource_id", h.ID, "plugin_id", h.PluginID)
		return nil
	}

	m.records[h.ID] = &record{
		metrics: ResourceMetrics{
			ResourceID:   h.ID,
			PluginID:     h.PluginID,
			ResourceType: h.Type,
			CreatedAt:    createdAt,
			LastAccessed: h.LastAccessed,
		},
		active:  true,
		history: ring.New[Sample](historyLimit),
	}
	m.logger.Debug("Monitoring started", "resource_id", h.ID, "plugin_id", h.PluginID, "resource_type", h.Type.String())
	return nil
}

// StopMonitoring deactivates a resource. Its history is kept for export
// until cleared.
func (m *Monitor) StopMonitoring(id string) error {
	m.resourcesMu.Lock()
	defer m.resourcesMu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return govErrors.NotFound("resource %s is not monitored", id)
	}
	rec.active = false
	return nil
}

// StopPluginResources deactivates every resource owned by pluginID
func (m *Monitor) StopPluginResources(pluginID string) int {
	m.resourcesMu.Lock()
	defer m.resourcesMu.Unlock()
	stopped := 0
	for _, rec := range m.records {
		if rec.active && rec.metrics.PluginID == pluginID {
			rec.active = false
			stopped++
		}
	}
	return stopped
}

// UpdateMetrics replaces the snapshot of an active resource, appends a
// history sample and runs the performance and quota checks.
func (m *Monitor) UpdateMetrics(id string, update ResourceMetrics) error {
	now := m.now()

	m.resourcesMu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.resourcesMu.Unlock()
		return govErrors.NotFound("resource %s is not monitored", id)
	}
	if !rec.active {
		m.resourcesMu.Unlock()
		return govErrors.InvalidArgument("resource %s is no longer monitored", id)
	}

	merged := update.clone()
	merged.ResourceID = rec.metrics.ResourceID
	merged.PluginID = rec.metrics.PluginID
	merged.ResourceType = rec.metrics.ResourceType
	merged.CreatedAt = rec.metrics.CreatedAt
	merged.PeakMemoryUsageBytes = max(rec.metrics.PeakMemoryUsageBytes, update.PeakMemoryUsageBytes, update.MemoryUsageBytes)
	rec.metrics = merged

	sample := sampleOf(merged, now)
	rec.history.Push(sample)
	snapshot := merged.clone()
	m.resourcesMu.Unlock()

	m.totalCollected.Add(1)
	m.metrics.RecordSample()
	for _, s := range m.currentSinks() {
		if ss, ok := s.(SampleSink); ok {
			ss.RecordSample(sample)
		}
	}

	cfg := m.Config()
	if cfg.EnableAlerts {
		m.checkPerformance(snapshot, cfg)
	}
	if cfg.EnableQuotaChecks {
		m.CheckQuotaCompliance(snapshot.PluginID, snapshot.ResourceType)
	}
	return nil
}

// RecordAccess counts one access lasting d
func (m *Monitor) RecordAccess(id string, d time.Duration) error {
	now := m.now()
	m.resourcesMu.Lock()
	defer m.resourcesMu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return govErrors.NotFound("resource %s is not monitored", id)
	}
	rec.metrics.AccessCount++
	if d > 0 {
		rec.metrics.TotalUsageTime += d
	}
	rec.metrics.LastAccessed = now
	return nil
}

// RecordError counts one error
func (m *Monitor) RecordError(id, message string) error {
	now := m.now()
	m.resourcesMu.Lock()
	defer m.resourcesMu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return govErrors.NotFound("resource %s is not monitored", id)
	}
	rec.metrics.ErrorCount++
	rec.metrics.LastErrorMessage = message
	rec.metrics.LastErrorTime = now
	return nil
}

// Metrics returns the current snapshot of a resource
func (m *Monitor) Metrics(id string) (ResourceMetrics, error) {
	m.resourcesMu.RLock()
	defer m.resourcesMu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return ResourceMetrics{}, govErrors.NotFound("resource %s is not monitored", id)
	}
	return rec.metrics.clone(), nil
}

// IsActive reports whether id is actively monitored
func (m *Monitor) IsActive(id string) bool {
	m.resourcesMu.RLock()
	defer m.resourcesMu.RUnlock()
	rec, ok := m.records[id]
	return ok && rec.active
}

// History returns the retained samples of a resource, oldest first
func (m *Monitor) History(id string) ([]Sample, error) {
	m.resourcesMu.RLock()
	defer m.resourcesMu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, govErrors.NotFound("resource %s is not monitored", id)
	}
	return rec.history.Items(), nil
}

// ActiveResources returns snapshots of every active resource sorted by id
func (m *Monitor) ActiveResources() []ResourceMetrics {
	return m.snapshots(func(ResourceMetrics) bool { return true })
}

func (m *Monitor) snapshots(keep func(ResourceMetrics) bool) []ResourceMetrics {
	m.resourcesMu.RLock()
	out := make([]ResourceMetrics, 0, len(m.records))
	for _, rec := range m.records {
		if rec.active && keep(rec.metrics) {
			out = append(out, rec.metrics.clone())
		}
	}
	m.resourcesMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// CheckResourcePerformance evaluates the thresholds against one resource
// and returns the alert raised, if any. Checks run in order cpu, memory,
// error rate, efficiency and stop at the first that fires.
func (m *Monitor) CheckResourcePerformance(id string) (*PerformanceAlert, error) {
	snapshot, err := m.Metrics(id)
	if err != nil {
		return nil, err
	}
	return m.checkPerformance(snapshot, m.Config()), nil
}

func (m *Monitor) checkPerformance(snap ResourceMetrics, cfg Config) *PerformanceAlert {
	th := cfg.Thresholds
	now := m.now()

	var (
		alertType AlertType
		severity  Severity
		current   float64
		limit     float64
		message   string
	)

	switch {
	case th.CPUUsagePercent > 0 && snap.CPUUsagePercent > th.CPUUsagePercent:
		alertType, current, limit = AlertHighCPU, snap.CPUUsagePercent, th.CPUUsagePercent
		severity = scaledSeverity(current, limit, 1.5)
		message = fmt.Sprintf("CPU usage %.1f%% exceeds %.1f%%", current, limit)
	case th.MemoryUsageBytes > 0 && snap.MemoryUsageBytes > th.MemoryUsageBytes:
		alertType, current, limit = AlertHighMemory, float64(snap.MemoryUsageBytes), float64(th.MemoryUsageBytes)
		severity = scaledSeverity(current, limit, 1.5)
		message = fmt.Sprintf("memory usage %d bytes exceeds %d bytes", snap.MemoryUsageBytes, th.MemoryUsageBytes)
	case snap.AccessCount > 0 && th.ErrorRate > 0 && snap.ErrorRate() > th.ErrorRate:
		alertType, current, limit = AlertHighErrorRate, snap.ErrorRate(), th.ErrorRate
		severity = scaledSeverity(current, limit, 2)
		message = fmt.Sprintf("error rate %.3f exceeds %.3f", current, limit)
	case th.Efficiency > 0 && snap.EfficiencyScore(now) < th.Efficiency:
		alertType, current, limit = AlertLowEfficiency, snap.EfficiencyScore(now), th.Efficiency
		severity = SeverityInfo
		message = fmt.Sprintf("efficiency %.3f below %.3f", current, limit)
	default:
		return nil
	}

	alert := PerformanceAlert{
		ID:           uuid.New().String(),
		ResourceID:   snap.ResourceID,
		PluginID:     snap.PluginID,
		ResourceType: snap.ResourceType,
		Type:         alertType,
		Severity:     severity,
		Message:      message,
		CurrentValue: current,
		Threshold:    limit,
		Timestamp:    now,
	}
	if !m.raiseAlert(alert, cfg.AlertCooldown) {
		return nil
	}
	return &alert
}

func scaledSeverity(current, limit, criticalFactor float64) Severity {
	if current > limit*criticalFactor {
		return SeverityCritical
	}
	return SeverityWarning
}

// raiseAlert records and fans out alert unless the same alert fired for the
// resource within cooldown.
func (m *Monitor) raiseAlert(alert PerformanceAlert, cooldown time.Duration) bool {
	key := alertKey{resourceID: alert.ResourceID, alertType: alert.Type}

	m.alertsMu.Lock()
	if last, ok := m.lastAlert[key]; ok && cooldown > 0 && alert.Timestamp.Sub(last) < cooldown {
		m.alertsMu.Unlock()
		return false
	}
	m.lastAlert[key] = alert.Timestamp
	m.alerts.Push(alert)
	m.alertsMu.Unlock()

	m.totalAlerts.Add(1)
	m.metrics.RecordAlert(string(alert.Type), string(alert.Severity))
	m.logger.Warn("Performance alert",
		"alert_type", string(alert.Type), "severity", string(alert.Severity),
		"resource_id", alert.ResourceID, "plugin_id", alert.PluginID,
		"current_value", alert.CurrentValue, "threshold", alert.Threshold)

	for _, s := range m.currentSinks() {
		s.RecordAlert(alert)
	}
	m.bus.Publish(Notification{Kind: KindAlert, Alert: &alert})
	return true
}

func (m *Monitor) raiseViolation(v QuotaViolation) {
	m.alertsMu.Lock()
	m.violations.Push(v)
	m.alertsMu.Unlock()

	m.totalViolations.Add(1)
	m.metrics.RecordViolation(v.QuotaName)
	m.logger.Warn("Quota violation",
		"plugin_id", v.PluginID, "resource_type", v.ResourceType.String(), "quota", v.QuotaName,
		"current_value", v.CurrentValue, "limit", v.LimitValue)

	for _, s := range m.currentSinks() {
		s.RecordViolation(v)
	}
	m.bus.Publish(Notification{Kind: KindViolation, Violation: &v})
}

// Alerts returns up to limit of the most recent alerts, oldest first. A
// limit of 0 returns all retained alerts.
func (m *Monitor) Alerts(limit int) []PerformanceAlert {
	m.alertsMu.RLock()
	items := m.alerts.Items()
	m.alertsMu.RUnlock()
	return tail(items, limit)
}

// Violations returns up to limit of the most recent violations, oldest first
func (m *Monitor) Violations(limit int) []QuotaViolation {
	m.alertsMu.RLock()
	items := m.violations.Items()
	m.alertsMu.RUnlock()
	return tail(items, limit)
}

func tail[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}

// AggregatedMetrics builds a synthetic record over the active resources of
// one type: CPU is averaged and the counters and memory are summed.
func (m *Monitor) AggregatedMetrics(t resource.ResourceType) ResourceMetrics {
	agg := ResourceMetrics{
		ResourceID:   "aggregate:" + t.String(),
		ResourceType: t,
	}
	members := m.snapshots(func(r ResourceMetrics) bool { return r.ResourceType == t })
	if len(members) == 0 {
		return agg
	}

	var cpu float64
	for _, r := range members {
		cpu += r.CPUUsagePercent
		agg.MemoryUsageBytes += r.MemoryUsageBytes
		agg.PeakMemoryUsageBytes += r.PeakMemoryUsageBytes
		agg.AccessCount += r.AccessCount
		agg.ErrorCount += r.ErrorCount
		agg.TotalUsageTime += r.TotalUsageTime
		agg.ActiveTime += r.ActiveTime
		agg.IOOperationsPerSecond += r.IOOperationsPerSecond
		agg.NetworkThroughputMbps += r.NetworkThroughputMbps
		if agg.CreatedAt.IsZero() || r.CreatedAt.Before(agg.CreatedAt) {
			agg.CreatedAt = r.CreatedAt
		}
		if r.LastAccessed.After(agg.LastAccessed) {
			agg.LastAccessed = r.LastAccessed
		}
	}
	agg.CPUUsagePercent = cpu / float64(len(members))
	agg.CustomMetrics = map[string]float64{"resource_count": float64(len(members))}
	return agg
}

var topConsumerMetrics = map[string]bool{
	"cpu": true, "memory": true, "access_count": true, "errors": true,
	MetricCPU: true, MetricMemory: true, MetricErrorCount: true,
}

// TopConsumers returns the count active resources with the highest value of
// metric (cpu, memory, access_count or errors). count <= 0 returns all.
func (m *Monitor) TopConsumers(metric string, count int) ([]ResourceMetrics, error) {
	if !topConsumerMetrics[metric] {
		return nil, govErrors.InvalidArgument("unknown metric %q", metric)
	}
	all := m.ActiveResources()
	sort.SliceStable(all, func(i, j int) bool {
		vi, _ := all[i].Value(metric)
		vj, _ := all[j].Value(metric)
		return vi > vj
	})
	if count > 0 && len(all) > count {
		all = all[:count]
	}
	return all, nil
}

// ClearHistoricalData drops samples older than before and returns how many
// were removed. Stopped resources left without history are forgotten.
func (m *Monitor) ClearHistoricalData(before time.Time) int {
	m.resourcesMu.Lock()
	defer m.resourcesMu.Unlock()

	purged := 0
	for id, rec := range m.records {
		purged += rec.history.Retain(func(s Sample) bool { return !s.Timestamp.Before(before) })
		if !rec.active && rec.history.Len() == 0 {
			delete(m.records, id)
		}
	}
	if purged > 0 {
		m.logger.Info("Historical data cleared", "purged", purged, "before", before.Format(time.RFC3339))
	}
	return purged
}

// Subscribe registers handler for alerts and violations matching filter
func (m *Monitor) Subscribe(filter NotificationFilter, handler func(Notification)) string {
	return m.bus.Subscribe(filter.matches, handler)
}

// Unsubscribe removes a subscription
func (m *Monitor) Unsubscribe(id string) error {
	return m.bus.Unsubscribe(id)
}

// Statistics returns a snapshot of the monitor
func (m *Monitor) Statistics() Statistics {
	stats := Statistics{
		TotalMetricsCollected: m.totalCollected.Load(),
		TotalAlerts:           m.totalAlerts.Load(),
		TotalViolations:       m.totalViolations.Load(),
		Subscriptions:         m.bus.Len(),
	}

	m.resourcesMu.RLock()
	stats.MonitoredResources = len(m.records)
	for _, rec := range m.records {
		if rec.active {
			stats.ActiveResources++
		}
		stats.HistoryEntries += rec.history.Len()
	}
	m.resourcesMu.RUnlock()

	m.quotasMu.RLock()
	stats.CustomQuotas = len(m.quotas)
	m.quotasMu.RUnlock()
	return stats
}

// CollectAll runs the installed Collector over every active resource and
// returns how many samples were taken.
func (m *Monitor) CollectAll(ctx context.Context) int {
	m.sinksMu.RLock()
	collector := m.collector
	m.sinksMu.RUnlock()
	if collector == nil {
		return 0
	}

	collected := 0
	for _, snap := range m.ActiveResources() {
		if ctx.Err() != nil {
			break
		}
		updated, err := collector.Collect(ctx, snap)
		if err != nil {
			logging.LogError(m.logger, "Metric collection failed", err, "resource_id", snap.ResourceID)
			continue
		}
		if err := m.UpdateMetrics(snap.ResourceID, updated); err != nil {
			// Stopped between the snapshot and the update.
			continue
		}
		collected++
	}
	return collected
}

// CheckAll re-runs the performance checks for every active resource and
// the quota checks for every configured custom quota.
func (m *Monitor) CheckAll() (alerts, violations int) {
	cfg := m.Config()
	if cfg.EnableAlerts {
		for _, snap := range m.ActiveResources() {
			if m.checkPerformance(snap, cfg) != nil {
				alerts++
			}
		}
	}
	if cfg.EnableQuotaChecks {
		for _, target := range m.quotaTargets() {
			violations += len(m.CheckQuotaCompliance(target.plugin, target.rtype))
		}
	}
	return alerts, violations
}

// ApplyRetention clears history older than the retention period and
// forwards the purge to sinks that retain history.
func (m *Monitor) ApplyRetention(ctx context.Context) int {
	retention := m.Config().RetentionPeriod
	if retention <= 0 {
		return 0
	}
	cutoff := m.now().Add(-retention)
	purged := m.ClearHistoricalData(cutoff)

	for _, s := range m.currentSinks() {
		p, ok := s.(Purger)
		if !ok {
			continue
		}
		n, err := p.Purge(ctx, cutoff)
		if err != nil {
			logging.LogError(m.logger, "Sink purge failed", err)
			continue
		}
		m.logger.Debug("Sink purged", "rows", n)
	}
	return purged
}

// Start launches the collection, alert and retention sweeps
func (m *Monitor) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("resource monitor already running")
	}
	cfg := m.Config()

	m.startLoop(cfg.CollectionInterval, func() { m.CollectAll(m.ctx) })
	m.startLoop(cfg.AlertCheckInterval, func() { m.CheckAll() })
	m.startLoop(cfg.RetentionInterval, func() { m.ApplyRetention(m.ctx) })

	m.logger.Info("Resource monitor started",
		"collection_interval", cfg.CollectionInterval.String(),
		"alert_check_interval", cfg.AlertCheckInterval.String(),
		"retention_period", cfg.RetentionPeriod.String())
	return nil
}

func (m *Monitor) startLoop(interval time.Duration, sweep func()) {
	if interval <= 0 {
		return
	}
	m.backgroundWG.Add(1)
	go func() {
		defer m.backgroundWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()
}

// Shutdown stops every sweep
func (m *Monitor) Shutdown() error {
	m.cancel()
	m.backgroundWG.Wait()
	m.running.Store(false)
	m.logger.Info("Resource monitor shut down")
	return nil
}
