// Package metrics exposes Prometheus collectors for the resource manager,
// lifecycle manager and monitor.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "governor"

// Metrics holds every governor collector on a private registry so several
// instances can coexist in one process. All methods accept a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	poolAcquireTotal *prometheus.CounterVec
	poolReleaseTotal *prometheus.CounterVec
	poolActive       *prometheus.GaugeVec
	poolCleanupTotal *prometheus.CounterVec

	lifecycleTransitionsTotal *prometheus.CounterVec
	lifecycleCleanedTotal     *prometheus.CounterVec
	lifecycleTracked          prometheus.Gauge

	monitorAlertsTotal     *prometheus.CounterVec
	monitorViolationsTotal *prometheus.CounterVec
	monitorSamplesTotal    prometheus.Counter

	storeDroppedTotal prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates the collectors. withRuntime adds the Go and process collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		poolAcquireTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquire_total",
				Help:      "Acquire attempts per pool by result",
			},
			[]string{"pool", "result"},
		),
		poolReleaseTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "release_total",
				Help:      "Releases per pool by outcome (reused or destroyed)",
			},
			[]string{"pool", "outcome"},
		),
		poolActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "active",
				Help:      "Live instances per pool",
			},
			[]string{"pool"},
		),
		poolCleanupTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "cleanup_total",
				Help:      "Instances evicted by cleanup sweeps",
			},
			[]string{"pool"},
		),

		lifecycleTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "transitions_total",
				Help:      "Lifecycle state transitions by target state",
			},
			[]string{"to"},
		),
		lifecycleCleanedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "cleaned_total",
				Help:      "Resources cleaned by trigger",
			},
			[]string{"trigger"},
		),
		lifecycleTracked: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "tracked",
				Help:      "Resources currently tracked",
			},
		),

		monitorAlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "alerts_total",
				Help:      "Performance alerts raised",
			},
			[]string{"type", "severity"},
		),
		monitorViolationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "violations_total",
				Help:      "Quota violations detected",
			},
			[]string{"quota"},
		),
		monitorSamplesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "samples_total",
				Help:      "Metric samples collected",
			},
		),

		storeDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "dropped_total",
				Help:      "History records dropped because the write buffer was full",
			},
		),

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Control API requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Control API request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordAcquire(pool, result string) {
	if m == nil {
		return
	}
	m.poolAcquireTotal.WithLabelValues(pool, result).Inc()
}

func (m *Metrics) RecordRelease(pool, outcome string) {
	if m == nil {
		return
	}
	m.poolReleaseTotal.WithLabelValues(pool, outcome).Inc()
}

func (m *Metrics) SetPoolActive(pool string, active int64) {
	if m == nil {
		return
	}
	m.poolActive.WithLabelValues(pool).Set(float64(active))
}

func (m *Metrics) RecordPoolCleanup(pool string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.poolCleanupTotal.WithLabelValues(pool).Add(float64(count))
}

// ForgetPool drops the series of a removed pool
func (m *Metrics) ForgetPool(pool string) {
	if m == nil {
		return
	}
	m.poolActive.DeleteLabelValues(pool)
	m.poolCleanupTotal.DeleteLabelValues(pool)
	m.poolAcquireTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	m.poolReleaseTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
}

func (m *Metrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.lifecycleTransitionsTotal.WithLabelValues(to).Inc()
}

func (m *Metrics) RecordCleaned(trigger string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.lifecycleCleanedTotal.WithLabelValues(trigger).Add(float64(count))
}

func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.lifecycleTracked.Set(float64(n))
}

func (m *Metrics) RecordAlert(alertType, severity string) {
	if m == nil {
		return
	}
	m.monitorAlertsTotal.WithLabelValues(alertType, severity).Inc()
}

func (m *Metrics) RecordViolation(quota string) {
	if m == nil {
		return
	}
	m.monitorViolationsTotal.WithLabelValues(quota).Inc()
}

func (m *Metrics) RecordSample() {
	if m == nil {
		return
	}
	m.monitorSamplesTotal.Inc()
}

func (m *Metrics) RecordStoreDrop() {
	if m == nil {
		return
	}
	m.storeDroppedTotal.Inc()
}

// RecordHTTPRequest counts one control API request. route is the chi route
// pattern so ids do not explode the label space.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
