// Package resource implements quota-bounded resource pools and the manager
// that layers named pools, per-plugin quotas and periodic cleanup on top.
package resource

import (
	"fmt"
	"strings"
	"time"

	govErrors "plugin-governor/internal/errors"
)

// ResourceType is the kind of resource a handle refers to
type ResourceType int

const (
	Thread ResourceType = iota
	Timer
	NetworkConnection
	FileHandle
	DatabaseConnection
	Memory
	Custom
)

var resourceTypeNames = [...]string{
	Thread:             "thread",
	Timer:              "timer",
	NetworkConnection:  "network_connection",
	FileHandle:         "file_handle",
	DatabaseConnection: "database_connection",
	Memory:             "memory",
	Custom:             "custom",
}

func (t ResourceType) String() string {
	if t < Thread || t > Custom {
		return fmt.Sprintf("resource_type(%d)", int(t))
	}
	return resourceTypeNames[t]
}

// ParseResourceType accepts the snake_case names returned by String
func ParseResourceType(s string) (ResourceType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range resourceTypeNames {
		if n == name {
			return ResourceType(i), nil
		}
	}
	return 0, govErrors.InvalidArgument("unknown resource type %q", s)
}

// AllResourceTypes lists every resource type in declaration order
func AllResourceTypes() []ResourceType {
	return []ResourceType{Thread, Timer, NetworkConnection, FileHandle, DatabaseConnection, Memory, Custom}
}

func (t ResourceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ResourceType) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// HandleState is the pool-side state of a handle
type HandleState int

const (
	Available HandleState = iota
	InUse
	Reserved
	Cleanup
	Error
)

func (s HandleState) String() string {
	switch s {
	case Available:
		return "available"
	case InUse:
		return "in_use"
	case Reserved:
		return "reserved"
	case Cleanup:
		return "cleanup"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("handle_state(%d)", int(s))
	}
}

func (s HandleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Priority orders requests. Values compare numerically.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts low, normal, high or critical
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "normal", "":
		return Normal, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	default:
		return Low, govErrors.InvalidArgument("unknown priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Handle identifies one resource instance. It never owns the instance.
type Handle struct {
	ID           string                 `json:"id"`
	Type         ResourceType           `json:"resource_type"`
	Kind         string                 `json:"kind,omitempty"`
	PluginID     string                 `json:"plugin_id"`
	Pool         string                 `json:"pool"`
	State        HandleState            `json:"state"`
	Priority     Priority               `json:"priority"`
	CreatedAt    time.Time              `json:"created_at"`
	LastAccessed time.Time              `json:"last_accessed"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// IsValid reports whether the handle carries an id
func (h Handle) IsValid() bool {
	return h.ID != ""
}

// Age returns the time since creation, never negative
func (h Handle) Age() time.Duration {
	if h.CreatedAt.IsZero() {
		return 0
	}
	age := time.Since(h.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}

// Clone returns a copy with its own metadata map
func (h Handle) Clone() Handle {
	if h.Metadata != nil {
		md := make(map[string]interface{}, len(h.Metadata))
		for k, v := range h.Metadata {
			md[k] = v
		}
		h.Metadata = md
	}
	return h
}

// Quota bounds a pool, or one plugin's use of one resource type. Zero
// numeric limits are unbounded.
type Quota struct {
	MaxInstances   int           `json:"max_instances" mapstructure:"max_instances"`
	MaxMemoryBytes int64         `json:"max_memory_bytes" mapstructure:"max_memory_bytes"`
	MaxLifetime    time.Duration `json:"max_lifetime" mapstructure:"max_lifetime"`
	MinPriority    Priority      `json:"min_priority" mapstructure:"min_priority"`
}

// IsUnlimited reports whether every numeric limit is zero
func (q Quota) IsUnlimited() bool {
	return q.MaxInstances == 0 && q.MaxMemoryBytes == 0 && q.MaxLifetime == 0
}

// Validate rejects negative limits
func (q Quota) Validate() error {
	if q.MaxInstances < 0 || q.MaxMemoryBytes < 0 || q.MaxLifetime < 0 {
		return govErrors.InvalidArgument("quota limits must not be negative")
	}
	if q.MinPriority < Low || q.MinPriority > Critical {
		return govErrors.InvalidArgument("invalid min priority %d", int(q.MinPriority))
	}
	return nil
}

// UsageStats are the counters of one pool
type UsageStats struct {
	TotalCreated       int64         `json:"total_created"`
	TotalDestroyed     int64         `json:"total_destroyed"`
	CurrentlyActive    int64         `json:"currently_active"`
	InUse              int64         `json:"in_use"`
	Available          int64         `json:"available"`
	PeakUsage          int64         `json:"peak_usage"`
	AverageLifetime    time.Duration `json:"average_lifetime"`
	TotalUsageTime     time.Duration `json:"total_usage_time"`
	AllocationFailures int64         `json:"allocation_failures"`
	Rejections         int64         `json:"rejections"`
	Reuses             int64         `json:"reuses"`
	MemoryBytes        int64         `json:"memory_bytes"`
}

// UtilizationRate is currently_active / total_created, 0 when nothing was created
func (s UsageStats) UtilizationRate() float64 {
	if s.TotalCreated == 0 {
		return 0
	}
	return float64(s.CurrentlyActive) / float64(s.TotalCreated)
}

// StateChange is published whenever a pool moves a handle between states
type StateChange struct {
	Handle   Handle      `json:"handle"`
	OldState HandleState `json:"old_state"`
	NewState HandleState `json:"new_state"`
	At       time.Time   `json:"at"`
}
