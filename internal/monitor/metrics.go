// Package monitor collects per-resource metric time series, raises
// performance alerts and quota violations, and exports history.
package monitor

import (
	"math"
	"time"

	"plugin-governor/internal/resource"
)

// Metric names accepted by TopConsumers, custom quotas and Value.
const (
	MetricCPU         = "cpu_usage_percent"
	MetricMemory      = "memory_usage_bytes"
	MetricAccessCount = "access_count"
	MetricErrorCount  = "error_count"
	MetricIOPS        = "io_operations_per_second"
	MetricNetwork     = "network_throughput_mbps"
	MetricInstances   = "instances"
)

// ResourceMetrics is the current snapshot for one monitored resource
type ResourceMetrics struct {
	ResourceID   string                `json:"resource_id"`
	PluginID     string                `json:"plugin_id"`
	ResourceType resource.ResourceType `json:"resource_type"`
	CreatedAt    time.Time             `json:"created_at"`
	LastAccessed time.Time             `json:"last_accessed"`

	AccessCount    int64         `json:"access_count"`
	TotalUsageTime time.Duration `json:"total_usage_time"`
	ActiveTime     time.Duration `json:"active_time"`

	CPUUsagePercent       float64 `json:"cpu_usage_percent"`
	MemoryUsageBytes      int64   `json:"memory_usage_bytes"`
	PeakMemoryUsageBytes  int64   `json:"peak_memory_usage_bytes"`
	IOOperationsPerSecond float64 `json:"io_operations_per_second"`
	NetworkThroughputMbps float64 `json:"network_throughput_mbps"`

	ErrorCount       int64     `json:"error_count"`
	LastErrorMessage string    `json:"last_error_message,omitempty"`
	LastErrorTime    time.Time `json:"last_error_time,omitempty"`

	CustomMetrics map[string]float64 `json:"custom_metrics,omitempty"`
}

// ErrorRate is error_count / access_count capped at 1, or 0 without accesses
func (m ResourceMetrics) ErrorRate() float64 {
	if m.AccessCount <= 0 {
		return 0
	}
	return math.Min(float64(m.ErrorCount)/float64(m.AccessCount), 1)
}

// EfficiencyScore weighs usage ratio (50%), access frequency capped at one
// access per second (30%) and the success rate (20%). A resource that was
// never accessed scores 0.
func (m ResourceMetrics) EfficiencyScore(now time.Time) float64 {
	if m.AccessCount <= 0 {
		return 0
	}
	age := now.Sub(m.CreatedAt)
	if age < time.Millisecond {
		age = time.Millisecond
	}

	usageRatio := math.Min(m.TotalUsageTime.Seconds()/age.Seconds(), 1)
	frequency := math.Min(float64(m.AccessCount)/age.Seconds(), 1)
	score := 0.5*math.Max(usageRatio, 0) + 0.3*frequency + 0.2*(1-m.ErrorRate())
	return math.Max(0, math.Min(score, 1))
}

// Value returns a named metric. Unknown names fall back to CustomMetrics.
func (m ResourceMetrics) Value(name string) (float64, bool) {
	switch name {
	case MetricCPU, "cpu":
		return m.CPUUsagePercent, true
	case MetricMemory, "memory":
		return float64(m.MemoryUsageBytes), true
	case MetricAccessCount:
		return float64(m.AccessCount), true
	case MetricErrorCount, "errors":
		return float64(m.ErrorCount), true
	case MetricIOPS:
		return m.IOOperationsPerSecond, true
	case MetricNetwork:
		return m.NetworkThroughputMbps, true
	}
	v, ok := m.CustomMetrics[name]
	return v, ok
}

func (m ResourceMetrics) clone() ResourceMetrics {
	if m.CustomMetrics != nil {
		custom := make(map[string]float64, len(m.CustomMetrics))
		for k, v := range m.CustomMetrics {
			custom[k] = v
		}
		m.CustomMetrics = custom
	}
	return m
}

// Sample is one historical entry
type Sample struct {
	Timestamp        time.Time             `json:"timestamp"`
	ResourceID       string                `json:"resource_id"`
	PluginID         string                `json:"plugin_id"`
	ResourceType     resource.ResourceType `json:"resource_type"`
	CPUUsagePercent  float64               `json:"cpu_usage_percent"`
	MemoryUsageBytes int64                 `json:"memory_usage_bytes"`
	AccessCount      int64                 `json:"access_count"`
	ErrorCount       int64                 `json:"error_count"`
}

func sampleOf(m ResourceMetrics, at time.Time) Sample {
	return Sample{
		Timestamp:        at,
		ResourceID:       m.ResourceID,
		PluginID:         m.PluginID,
		ResourceType:     m.ResourceType,
		CPUUsagePercent:  m.CPUUsagePercent,
		MemoryUsageBytes: m.MemoryUsageBytes,
		AccessCount:      m.AccessCount,
		ErrorCount:       m.ErrorCount,
	}
}
