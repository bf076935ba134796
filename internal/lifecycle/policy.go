package lifecycle

import (
	"time"

	"plugin-governor/internal/resource"
)

// CleanupPolicy decides when a tracked resource may be evicted
type CleanupPolicy struct {
	MaxIdleTime           time.Duration     `json:"max_idle_time"`
	MaxLifetime           time.Duration     `json:"max_lifetime"`
	MaxUnusedResources    int               `json:"max_unused_resources"`
	CleanupOnPluginUnload bool              `json:"cleanup_on_plugin_unload"`
	CleanupOnLowMemory    bool              `json:"cleanup_on_low_memory"`
	MinPriorityToKeep     resource.Priority `json:"min_priority_to_keep"`
}

// DefaultCleanupPolicy returns the default policy
func DefaultCleanupPolicy() CleanupPolicy {
	return CleanupPolicy{
		MaxIdleTime:           5 * time.Minute,
		MaxLifetime:           time.Hour,
		MaxUnusedResources:    10,
		CleanupOnPluginUnload: true,
		CleanupOnLowMemory:    true,
		MinPriorityToKeep:     resource.Low,
	}
}

// ShouldCleanup applies the policy to one resource. Idle time is measured
// from the moment the resource entered Idle.
func (p CleanupPolicy) ShouldCleanup(state State, createdAt, stateChangedAt time.Time, priority resource.Priority, now time.Time) bool {
	if p.MaxLifetime > 0 && now.Sub(createdAt) > p.MaxLifetime {
		return true
	}
	if state == Idle && p.MaxIdleTime > 0 && now.Sub(stateChangedAt) > p.MaxIdleTime {
		return true
	}
	return priority < p.MinPriorityToKeep
}
