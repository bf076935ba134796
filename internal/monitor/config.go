package monitor

import (
	"time"

	govErrors "plugin-governor/internal/errors"
)

// Thresholds are the performance alert limits
type Thresholds struct {
	CPUUsagePercent  float64 `json:"cpu_usage_percent" mapstructure:"cpu_usage_percent"`
	MemoryUsageBytes int64   `json:"memory_usage_bytes" mapstructure:"memory_usage_bytes"`
	ErrorRate        float64 `json:"error_rate" mapstructure:"error_rate"`
	Efficiency       float64 `json:"efficiency" mapstructure:"efficiency"`
}

// DefaultThresholds returns the default alert limits
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUUsagePercent:  80,
		MemoryUsageBytes: 1 << 30,
		ErrorRate:        0.05,
		Efficiency:       0.3,
	}
}

// Validate checks that every threshold is in range
func (t Thresholds) Validate() error {
	if t.CPUUsagePercent < 0 || t.CPUUsagePercent > 100 {
		return govErrors.InvalidArgument("cpu threshold %.2f outside [0,100]", t.CPUUsagePercent)
	}
	if t.MemoryUsageBytes < 0 {
		return govErrors.InvalidArgument("memory threshold cannot be negative")
	}
	if t.ErrorRate < 0 || t.ErrorRate > 1 {
		return govErrors.InvalidArgument("error rate threshold %.2f outside [0,1]", t.ErrorRate)
	}
	if t.Efficiency < 0 || t.Efficiency > 1 {
		return govErrors.InvalidArgument("efficiency threshold %.2f outside [0,1]", t.Efficiency)
	}
	return nil
}

// Config configures a Monitor. Zero intervals disable the matching sweep.
type Config struct {
	CollectionInterval    time.Duration `json:"collection_interval"`
	AlertCheckInterval    time.Duration `json:"alert_check_interval"`
	RetentionPeriod       time.Duration `json:"retention_period"`
	RetentionInterval     time.Duration `json:"retention_interval"`
	MaxMetricsPerResource int           `json:"max_metrics_per_resource"`
	MaxAlertHistory       int           `json:"max_alert_history"`
	MaxViolationHistory   int           `json:"max_violation_history"`
	// AlertCooldown suppresses a repeat of the same alert type for one
	// resource. 0 raises every alert.
	AlertCooldown     time.Duration `json:"alert_cooldown"`
	EnableAlerts      bool          `json:"enable_alerts"`
	EnableQuotaChecks bool          `json:"enable_quota_checks"`
	Thresholds        Thresholds    `json:"thresholds"`
}

// DefaultConfig returns the default monitoring configuration
func DefaultConfig() *Config {
	return &Config{
		CollectionInterval:    5 * time.Second,
		AlertCheckInterval:    30 * time.Second,
		RetentionPeriod:       24 * time.Hour,
		RetentionInterval:     10 * time.Minute,
		MaxMetricsPerResource: 1000,
		MaxAlertHistory:       1000,
		MaxViolationHistory:   1000,
		AlertCooldown:         time.Minute,
		EnableAlerts:          true,
		EnableQuotaChecks:     true,
		Thresholds:            DefaultThresholds(),
	}
}

func (c *Config) normalize() {
	if c.MaxMetricsPerResource <= 0 {
		c.MaxMetricsPerResource = 1000
	}
	if c.MaxAlertHistory <= 0 {
		c.MaxAlertHistory = 1000
	}
	if c.MaxViolationHistory <= 0 {
		c.MaxViolationHistory = 1000
	}
}
