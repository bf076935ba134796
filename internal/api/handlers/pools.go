package handlers

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"plugin-governor/internal/api/response"
	"plugin-governor/internal/config"
	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/resource"
)

// PoolHandler manages pools and leases
type PoolHandler struct {
	deps   *Dependencies
	logger logging.Logger
}

// NewPoolHandler creates a pool handler
func NewPoolHandler(deps *Dependencies) *PoolHandler {
	return &PoolHandler{deps: deps, logger: deps.logger("api_pools")}
}

// List returns a snapshot of every pool, sorted by name
func (h *PoolHandler) List(w http.ResponseWriter, r *http.Request) {
	stats := h.deps.Manager.Statistics()
	pools := make([]resource.PoolSnapshot, 0, len(stats.Pools))
	for _, snap := range stats.Pools {
		pools = append(pools, snap)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	response.WriteSuccess(w, r, pools)
}

// Get returns one pool
func (h *PoolHandler) Get(w http.ResponseWriter, r *http.Request) {
	pool, err := h.deps.Manager.GetPool(chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, pool.Snapshot())
}

// Create adds a pool. The body is {"name", "type", "kind", "quota"} with
// durations such as "10m" and priorities by name.
func (h *PoolHandler) Create(w http.ResponseWriter, r *http.Request) {
	raw, err := response.DecodeJSON(r, h.deps.MaxBodyBytes)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	var pc config.PoolConfig
	if err := config.DecodeValue(raw, &pc); err != nil {
		response.WriteError(w, r, govErrors.InvalidArgument("%v", err))
		return
	}
	if pc.Name == "" {
		response.WriteError(w, r, govErrors.InvalidArgument("pool name is required"))
		return
	}

	var pool *resource.Pool
	if pc.Type == resource.Custom || pc.Kind != "" {
		pool, err = h.deps.Manager.CreateCustomPool(pc.Kind, pc.Name, pc.Quota)
	} else {
		pool, err = h.deps.Manager.CreatePool(pc.Type, pc.Name, pc.Quota)
	}
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteCreated(w, r, pool.Snapshot(), "pool created")
}

// Delete drains and removes a pool
func (h *PoolHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.deps.Manager.RemovePool(name); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, map[string]string{"name": name}, "pool removed")
}

// SetQuota replaces a pool's quota
func (h *PoolHandler) SetQuota(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	quota, err := h.decodeQuota(r)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	if err := h.deps.Manager.SetPoolQuota(name, quota); err != nil {
		response.WriteError(w, r, err)
		return
	}
	pool, err := h.deps.Manager.GetPool(name)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, pool.Snapshot(), "quota updated")
}

func (h *PoolHandler) decodeQuota(r *http.Request) (resource.Quota, error) {
	raw, err := response.DecodeJSON(r, h.deps.MaxBodyBytes)
	if err != nil {
		return resource.Quota{}, err
	}
	var q resource.Quota
	if err := config.DecodeValue(raw, &q); err != nil {
		return resource.Quota{}, govErrors.InvalidArgument("%v", err)
	}
	return q, nil
}

type acquireRequest struct {
	PluginID string `json:"plugin_id"`
	Priority string `json:"priority"`
}

// Acquire checks a resource out of the named pool for a plugin. The
// instance stays with the daemon; the caller gets the handle and must
// release it by id.
func (h *PoolHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	raw, err := response.DecodeJSON(r, h.deps.MaxBodyBytes)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	var req acquireRequest
	if err := config.DecodeValue(raw, &req); err != nil {
		response.WriteError(w, r, govErrors.InvalidArgument("%v", err))
		return
	}
	if req.PluginID == "" {
		response.WriteError(w, r, govErrors.InvalidArgument("plugin_id is required"))
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	handle, _, err := h.deps.Manager.AcquireFrom(r.Context(), chi.URLParam(r, "name"), req.PluginID, priority)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteCreated(w, r, handle)
}

// Release returns a checked-out handle by id
func (h *PoolHandler) Release(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Manager.Release(resource.Handle{ID: id}); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, map[string]string{"id": id}, "released")
}

// Cleanup runs the pool cleanup sweep now
func (h *PoolHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	n := h.deps.Manager.CleanupResources()
	response.WriteSuccess(w, r, map[string]int{"cleaned": n})
}
