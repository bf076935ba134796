package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"plugin-governor/internal/api/response"
	"plugin-governor/internal/config"
	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/lifecycle"
	"plugin-governor/internal/logging"
)

// LifecycleHandler exposes resource state, dependencies and cleanup
type LifecycleHandler struct {
	deps   *Dependencies
	logger logging.Logger
}

// NewLifecycleHandler creates a lifecycle handler
func NewLifecycleHandler(deps *Dependencies) *LifecycleHandler {
	return &LifecycleHandler{deps: deps, logger: deps.logger("api_lifecycle")}
}

// List returns tracked resource ids, optionally for one plugin
func (h *LifecycleHandler) List(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, r, h.deps.Lifecycle.Resources(r.URL.Query().Get("plugin")))
}

// Get returns a resource's state, metadata and transition history
func (h *LifecycleHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Lifecycle.Tracker(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, snap)
}

type stateRequest struct {
	State    lifecycle.State        `json:"state"`
	Metadata map[string]interface{} `json:"metadata"`
}

// UpdateState moves a resource to a new state
func (h *LifecycleHandler) UpdateState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	raw, err := response.DecodeJSON(r, h.deps.MaxBodyBytes)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	if _, ok := raw["state"]; !ok {
		response.WriteError(w, r, govErrors.InvalidArgument("state is required"))
		return
	}
	var req stateRequest
	if err := config.DecodeValue(raw, &req); err != nil {
		response.WriteError(w, r, govErrors.InvalidArgument("%v", err))
		return
	}
	if err := h.deps.Lifecycle.UpdateState(id, req.State, req.Metadata); err != nil {
		response.WriteError(w, r, err)
		return
	}
	snap, err := h.deps.Lifecycle.Tracker(id)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, snap)
}

// Cleanup runs a policy cleanup pass now
func (h *LifecycleHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	n := h.deps.Lifecycle.PerformCleanup()
	response.WriteSuccess(w, r, map[string]int{"cleaned": n})
}

// ForceCleanup cleans one resource regardless of policy. force=true also
// ignores critical dependents.
func (h *LifecycleHandler) ForceCleanup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force, err := queryBool(r, "force")
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	if err := h.deps.Lifecycle.ForceCleanup(id, force); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, map[string]interface{}{"id": id, "force": force}, "resource cleaned")
}

// Candidates lists the resources the policy would clean, in cleanup order
func (h *LifecycleHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	max, err := queryInt(r, "max", 0)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	candidates := h.deps.Lifecycle.CleanupCandidates(max)
	response.WriteSuccess(w, r, h.deps.Lifecycle.CleanupOrder(candidates))
}

// LowMemory runs the low-memory cleanup
func (h *LifecycleHandler) LowMemory(w http.ResponseWriter, r *http.Request) {
	n := h.deps.Lifecycle.HandleLowMemory()
	response.WriteSuccess(w, r, map[string]int{"cleaned": n})
}

// Dependencies returns both directions of a resource's dependency edges
func (h *LifecycleHandler) Dependencies(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.deps.Lifecycle.State(id); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, map[string]interface{}{
		"dependents":   h.deps.Lifecycle.Dependents(id),
		"dependencies": h.deps.Lifecycle.Dependencies(id),
	})
}

type dependencyRequest struct {
	DependentID  string `json:"dependent_id"`
	DependencyID string `json:"dependency_id"`
	Relationship string `json:"relationship_type"`
	Critical     bool   `json:"is_critical"`
}

// AddDependency records an edge between two tracked resources
func (h *LifecycleHandler) AddDependency(w http.ResponseWriter, r *http.Request) {
	raw, err := response.DecodeJSON(r, h.deps.MaxBodyBytes)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	var req dependencyRequest
	if err := config.DecodeValue(raw, &req); err != nil {
		response.WriteError(w, r, govErrors.InvalidArgument("%v", err))
		return
	}
	if err := h.deps.Lifecycle.AddDependency(req.DependentID, req.DependencyID, req.Relationship, req.Critical); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteCreated(w, r, req)
}

// RemoveDependency deletes the edge named by the dependent and dependency
// query parameters
func (h *LifecycleHandler) RemoveDependency(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.deps.Lifecycle.RemoveDependency(q.Get("dependent"), q.Get("dependency")); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, nil, "dependency removed")
}

// GetPolicy returns the active cleanup policy
func (h *LifecycleHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, r, h.deps.Lifecycle.Policy())
}

// SetPolicy applies the fields present in the body over the active policy
func (h *LifecycleHandler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	raw, err := response.DecodeJSON(r, h.deps.MaxBodyBytes)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	policy := h.deps.Lifecycle.Policy()
	if err := config.DecodeValue(raw, &policy); err != nil {
		response.WriteError(w, r, govErrors.InvalidArgument("%v", err))
		return
	}
	if policy.MaxIdleTime < 0 || policy.MaxLifetime < 0 || policy.MaxUnusedResources < 0 {
		response.WriteError(w, r, govErrors.InvalidArgument("cleanup policy limits cannot be negative"))
		return
	}
	h.deps.Lifecycle.SetPolicy(policy)
	h.logger.Info("Cleanup policy updated via API",
		"max_idle_time", policy.MaxIdleTime.String(), "max_lifetime", policy.MaxLifetime.String())
	response.WriteSuccess(w, r, policy, "policy updated")
}
