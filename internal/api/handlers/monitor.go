package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"plugin-governor/internal/api/response"
	"plugin-governor/internal/config"
	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/monitor"
	"plugin-governor/internal/resource"
	"plugin-governor/internal/store"
)

const defaultListLimit = 100

// MonitorHandler exposes metrics, alerts, quotas, export and history
type MonitorHandler struct {
	deps   *Dependencies
	logger logging.Logger
	now    func() time.Time
}

// NewMonitorHandler creates a monitor handler
func NewMonitorHandler(deps *Dependencies) *MonitorHandler {
	return &MonitorHandler{deps: deps, logger: deps.logger("api_monitor"), now: time.Now}
}

// Resources lists the snapshots of every actively monitored resource
func (h *MonitorHandler) Resources(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, r, h.deps.Monitor.ActiveResources())
}

// resourceView is a snapshot plus derived values
type resourceView struct {
	monitor.ResourceMetrics
	Active          bool             `json:"active"`
	ErrorRate       float64          `json:"error_rate"`
	EfficiencyScore float64          `json:"efficiency_score"`
	History         []monitor.Sample `json:"history,omitempty"`
}

// Get returns one resource's metrics. history=true adds retained samples.
func (h *MonitorHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.deps.Monitor.Metrics(id)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	withHistory, err := queryBool(r, "history")
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	view := resourceView{
		ResourceMetrics: m,
		Active:          h.deps.Monitor.IsActive(id),
		ErrorRate:       m.ErrorRate(),
		EfficiencyScore: m.EfficiencyScore(h.now()),
	}
	if withHistory {
		if view.History, err = h.deps.Monitor.History(id); err != nil {
			response.WriteError(w, r, err)
			return
		}
	}
	response.WriteSuccess(w, r, view)
}

// UpdateMetrics applies the fields present in the body over the resource's
// current snapshot and runs the alert and quota checks.
func (h *MonitorHandler) UpdateMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	current, err := h.deps.Monitor.Metrics(id)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	raw, err := response.DecodeJSON(r, h.deps.MaxBodyBytes)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	if err := config.DecodeValue(raw, &current); err != nil {
		response.WriteError(w, r, govErrors.InvalidArgument("%v", err))
		return
	}
	if err := h.deps.Monitor.UpdateMetrics(id, current); err != nil {
		response.WriteError(w, r, err)
		return
	}
	updated, err := h.deps.Monitor.Metrics(id)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, updated)
}

type accessRequest struct {
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error"`
}

// RecordAccess counts one access, and one error when the body carries one
func (h *MonitorHandler) RecordAccess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	raw, err := response.DecodeJSON(r, h.deps.MaxBodyBytes)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	var req accessRequest
	if err := config.DecodeValue(raw, &req); err != nil {
		response.WriteError(w, r, govErrors.InvalidArgument("%v", err))
		return
	}
	if err := h.deps.Monitor.RecordAccess(id, req.Duration); err != nil {
		response.WriteError(w, r, err)
		return
	}
	if req.Error != "" {
		if err := h.deps.Monitor.RecordError(id, req.Error); err != nil {
			response.WriteError(w, r, err)
			return
		}
	}
	response.WriteSuccess(w, r, map[string]string{"id": id}, "access recorded")
}

// Top returns the heaviest consumers of one metric
func (h *MonitorHandler) Top(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = monitor.MetricCPU
	}
	count, err := queryInt(r, "count", 10)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	top, err := h.deps.Monitor.TopConsumers(metric, count)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, top)
}

// Aggregate sums the active resources of one type
func (h *MonitorHandler) Aggregate(w http.ResponseWriter, r *http.Request) {
	t, err := parseResourceType(chi.URLParam(r, "type"))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, h.deps.Monitor.AggregatedMetrics(t))
}

// Export writes the history between start and end as raw json or csv
func (h *MonitorHandler) Export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := strings.ToLower(q.Get("format"))
	if format == "" {
		format = monitor.FormatJSON
	}
	now := h.now()
	start, err := parseTime(q.Get("start"), now)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	end, err := parseTime(q.Get("end"), now)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	out, err := h.deps.Monitor.ExportMetrics(format, start, end)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	if format == monitor.FormatCSV {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="governor-metrics.csv"`)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

// ClearHistory drops in-memory samples older than before and purges the
// persistent history when one is configured
func (h *MonitorHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("before")
	if raw == "" {
		response.WriteError(w, r, govErrors.InvalidArgument("before is required"))
		return
	}
	before, err := parseTime(raw, h.now())
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	result := map[string]interface{}{
		"before":  before.UTC().Format(time.RFC3339),
		"cleared": h.deps.Monitor.ClearHistoricalData(before),
	}
	if h.deps.History != nil {
		purged, err := h.deps.History.Purge(r.Context(), before)
		if err != nil {
			response.WriteError(w, r, err)
			return
		}
		result["purged"] = purged
	}
	response.WriteSuccess(w, r, result)
}

// Quotas lists custom monitoring quotas
func (h *MonitorHandler) Quotas(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, r, h.deps.Monitor.CustomQuotas())
}

// SetQuota installs a custom quota from {"plugin_id", "resource_type",
// "quota_name", "limit"}
func (h *MonitorHandler) SetQuota(w http.ResponseWriter, r *http.Request) {
	raw, err := response.DecodeJSON(r, h.deps.MaxBodyBytes)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	var q monitor.CustomQuota
	if err := config.DecodeValue(raw, &q); err != nil {
		response.WriteError(w, r, govErrors.InvalidArgument("%v", err))
		return
	}
	if err := h.deps.Monitor.SetCustomQuota(q.PluginID, q.ResourceType, q.Name, q.Limit); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, q, "quota set")
}

// RemoveQuota deletes the quota named by the plugin, type and name query
// parameters
func (h *MonitorHandler) RemoveQuota(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t, err := parseResourceType(q.Get("type"))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	if err := h.deps.Monitor.RemoveCustomQuota(q.Get("plugin"), t, q.Get("name")); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, nil, "quota removed")
}

// Alerts returns the most recent performance alerts
func (h *MonitorHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, h.deps.Monitor.Alerts(limit))
}

// Violations returns the most recent quota violations
func (h *MonitorHandler) Violations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, h.deps.Monitor.Violations(limit))
}

// GetThresholds returns the alert thresholds
func (h *MonitorHandler) GetThresholds(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, r, h.deps.Monitor.Thresholds())
}

// SetThresholds applies the fields present in the body over the current
// thresholds
func (h *MonitorHandler) SetThresholds(w http.ResponseWriter, r *http.Request) {
	raw, err := response.DecodeJSON(r, h.deps.MaxBodyBytes)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	t := h.deps.Monitor.Thresholds()
	if err := config.DecodeValue(raw, &t); err != nil {
		response.WriteError(w, r, govErrors.InvalidArgument("%v", err))
		return
	}
	if err := h.deps.Monitor.SetThresholds(t); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, t, "thresholds updated")
}

// StoredSamples queries the persistent history
func (h *MonitorHandler) StoredSamples(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		response.WriteError(w, r, govErrors.NotImplemented("history store is not enabled"))
		return
	}
	q := r.URL.Query()
	now := h.now()
	query := store.SampleQuery{
		ResourceID: q.Get("resource"),
		PluginID:   q.Get("plugin"),
	}
	if v := q.Get("type"); v != "" {
		t, err := resource.ParseResourceType(v)
		if err != nil {
			response.WriteError(w, r, err)
			return
		}
		query.ResourceType = t.String()
	}
	var err error
	if query.Start, err = parseTime(q.Get("start"), now); err != nil {
		response.WriteError(w, r, err)
		return
	}
	if query.End, err = parseTime(q.Get("end"), now); err != nil {
		response.WriteError(w, r, err)
		return
	}
	if query.Limit, err = queryInt(r, "limit", 1000); err != nil {
		response.WriteError(w, r, err)
		return
	}

	samples, err := h.deps.Store.Samples(r.Context(), query)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, samples)
}

// StoredAlerts returns persisted alerts, newest first
func (h *MonitorHandler) StoredAlerts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		response.WriteError(w, r, govErrors.NotImplemented("history store is not enabled"))
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	alerts, err := h.deps.Store.Alerts(r.Context(), limit)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, alerts)
}

// StoredViolations returns persisted violations, newest first
func (h *MonitorHandler) StoredViolations(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		response.WriteError(w, r, govErrors.NotImplemented("history store is not enabled"))
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	violations, err := h.deps.Store.Violations(r.Context(), limit)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, violations)
}

// RecentNotifications reads back what the publisher recently fanned out
func (h *MonitorHandler) RecentNotifications(w http.ResponseWriter, r *http.Request) {
	if h.deps.Publisher == nil {
		response.WriteError(w, r, govErrors.NotImplemented("notification publisher is not enabled"))
		return
	}
	kind := monitor.NotificationKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = monitor.KindAlert
	}
	if kind != monitor.KindAlert && kind != monitor.KindViolation {
		response.WriteError(w, r, govErrors.InvalidArgument("kind must be alert or violation"))
		return
	}
	count, err := queryInt(r, "count", 20)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	recent, err := h.deps.Publisher.Recent(r.Context(), kind, int64(count))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, recent)
}
