package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"plugin-governor/internal/api/response"
	"plugin-governor/internal/config"
	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/resource"
)

// PluginHandler manages per-plugin quotas and plugin unload
type PluginHandler struct {
	deps   *Dependencies
	logger logging.Logger
}

// NewPluginHandler creates a plugin handler
func NewPluginHandler(deps *Dependencies) *PluginHandler {
	return &PluginHandler{deps: deps, logger: deps.logger("api_plugins")}
}

// UnloadResult reports what a plugin unload removed
type UnloadResult struct {
	PluginID           string `json:"plugin_id"`
	LifecycleCleaned   int    `json:"lifecycle_cleaned"`
	InstancesDestroyed int    `json:"instances_destroyed"`
	MonitoringStopped  int    `json:"monitoring_stopped"`
}

// SetQuota installs the plugin's override for one resource type
func (h *PluginHandler) SetQuota(w http.ResponseWriter, r *http.Request) {
	plugin := chi.URLParam(r, "plugin")
	t, err := parseResourceType(chi.URLParam(r, "type"))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	raw, err := response.DecodeJSON(r, h.deps.MaxBodyBytes)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	var q resource.Quota
	if err := config.DecodeValue(raw, &q); err != nil {
		response.WriteError(w, r, govErrors.InvalidArgument("%v", err))
		return
	}

	if err := h.deps.Manager.SetPluginQuota(plugin, t, q); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, q, "plugin quota set")
}

// GetQuota returns the plugin's override for one resource type
func (h *PluginHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	plugin := chi.URLParam(r, "plugin")
	t, err := parseResourceType(chi.URLParam(r, "type"))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	q, ok := h.deps.Manager.GetPluginQuota(plugin, t)
	if !ok {
		response.WriteError(w, r, govErrors.NotFound("no %s quota for plugin %s", t, plugin))
		return
	}
	response.WriteSuccess(w, r, q)
}

// Resources lists the tracked resources of a plugin
func (h *PluginHandler) Resources(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, r, h.deps.Lifecycle.Resources(chi.URLParam(r, "plugin")))
}

// Unload cleans up everything a plugin holds: tracked lifecycles in
// dependency order, pooled and checked-out instances, and monitoring.
func (h *PluginHandler) Unload(w http.ResponseWriter, r *http.Request) {
	plugin := chi.URLParam(r, "plugin")
	if plugin == "" {
		response.WriteError(w, r, govErrors.InvalidArgument("plugin id is required"))
		return
	}

	result := UnloadResult{PluginID: plugin}
	result.LifecycleCleaned = h.deps.Lifecycle.CleanupPluginResources(plugin)
	result.InstancesDestroyed = h.deps.Manager.CleanupPluginResources(plugin)
	result.MonitoringStopped = h.deps.Monitor.StopPluginResources(plugin)

	h.logger.Info("Plugin unloaded",
		"plugin_id", plugin,
		"lifecycle_cleaned", result.LifecycleCleaned,
		"instances_destroyed", result.InstancesDestroyed,
		"monitoring_stopped", result.MonitoringStopped)
	response.WriteSuccess(w, r, result, "plugin unloaded")
}
