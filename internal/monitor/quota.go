package monitor

import (
	"sort"

	"github.com/google/uuid"

	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/resource"
)

type quotaKey struct {
	plugin string
	rtype  resource.ResourceType
	name   string
}

// CustomQuota is a numeric limit on one metric, summed over a plugin's
// active resources of one type.
type CustomQuota struct {
	PluginID     string                `json:"plugin_id"`
	ResourceType resource.ResourceType `json:"resource_type"`
	Name         string                `json:"quota_name"`
	Limit        float64               `json:"limit"`
}

// SetCustomQuota installs or replaces a limit. name is a metric name, a
// custom metric key, or "instances" to count resources.
func (m *Monitor) SetCustomQuota(pluginID string, t resource.ResourceType, name string, limit float64) error {
	if pluginID == "" || name == "" {
		return govErrors.InvalidArgument("custom quota needs a plugin id and a quota name")
	}
	if limit < 0 {
		return govErrors.InvalidArgument("quota %s limit %.2f cannot be negative", name, limit)
	}

	m.quotasMu.Lock()
	m.quotas[quotaKey{plugin: pluginID, rtype: t, name: name}] = limit
	m.quotasMu.Unlock()
	m.logger.Info("Custom quota set", "plugin_id", pluginID, "resource_type", t.String(), "quota", name, "limit", limit)
	return nil
}

// RemoveCustomQuota deletes a limit
func (m *Monitor) RemoveCustomQuota(pluginID string, t resource.ResourceType, name string) error {
	key := quotaKey{plugin: pluginID, rtype: t, name: name}
	m.quotasMu.Lock()
	defer m.quotasMu.Unlock()
	if _, ok := m.quotas[key]; !ok {
		return govErrors.NotFound("no quota %s for plugin %s and type %s", name, pluginID, t)
	}
	delete(m.quotas, key)
	return nil
}

// CustomQuotas lists every configured limit
func (m *Monitor) CustomQuotas() []CustomQuota {
	m.quotasMu.RLock()
	out := make([]CustomQuota, 0, len(m.quotas))
	for k, limit := range m.quotas {
		out = append(out, CustomQuota{PluginID: k.plugin, ResourceType: k.rtype, Name: k.name, Limit: limit})
	}
	m.quotasMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].PluginID != out[j].PluginID {
			return out[i].PluginID < out[j].PluginID
		}
		if out[i].ResourceType != out[j].ResourceType {
			return out[i].ResourceType < out[j].ResourceType
		}
		return out[i].Name < out[j].Name
	})
	return out
}

type quotaTarget struct {
	plugin string
	rtype  resource.ResourceType
}

func (m *Monitor) quotaTargets() []quotaTarget {
	seen := make(map[quotaTarget]bool)
	var out []quotaTarget
	for _, q := range m.CustomQuotas() {
		t := quotaTarget{plugin: q.PluginID, rtype: q.ResourceType}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// CheckQuotaCompliance evaluates the custom quotas of one plugin and type
// and returns the violations raised. A value strictly above the limit
// violates it.
func (m *Monitor) CheckQuotaCompliance(pluginID string, t resource.ResourceType) []QuotaViolation {
	var quotas []CustomQuota
	for _, q := range m.CustomQuotas() {
		if q.PluginID == pluginID && q.ResourceType == t {
			quotas = append(quotas, q)
		}
	}
	if len(quotas) == 0 {
		return nil
	}

	members := m.snapshots(func(r ResourceMetrics) bool {
		return r.PluginID == pluginID && r.ResourceType == t
	})
	now := m.now()

	var violations []QuotaViolation
	for _, q := range quotas {
		current := quotaValue(q.Name, members)
		if current <= q.Limit {
			continue
		}
		v := QuotaViolation{
			ID:           uuid.New().String(),
			PluginID:     pluginID,
			ResourceType: t,
			QuotaName:    q.Name,
			CurrentValue: current,
			LimitValue:   q.Limit,
			Severity:     scaledSeverity(current, q.Limit, 1.5),
			Timestamp:    now,
		}
		m.raiseViolation(v)
		violations = append(violations, v)
	}
	return violations
}

func quotaValue(name string, members []ResourceMetrics) float64 {
	if name == MetricInstances {
		return float64(len(members))
	}
	var total float64
	for _, r := range members {
		if v, ok := r.Value(name); ok {
			total += v
		}
	}
	return total
}
