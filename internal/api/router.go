// Package api provides the HTTP control surface of the plugin governor.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"plugin-governor/internal/api/handlers"
	"plugin-governor/internal/api/middleware"
	"plugin-governor/internal/config"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/metrics"
	"plugin-governor/internal/websocket"
)

// Router represents the main API router
type Router struct {
	config  *config.Config
	mux     *chi.Mux
	deps    *handlers.Dependencies
	stream  *websocket.Server
	metrics *metrics.Metrics
	auth    *middleware.AdminAuth
	doc     *APIDocument
	logger  logging.Logger
}

// NewRouter creates the API router with middleware and routes. stream and m
// may be nil.
func NewRouter(cfg *config.Config, deps *handlers.Dependencies, stream *websocket.Server, m *metrics.Metrics, logger logging.Logger) (*Router, error) {
	logger = logging.OrNoOp(logger)

	doc, err := LoadAPIDocument()
	if err != nil {
		return nil, err
	}
	auth, err := middleware.NewAdminAuth(cfg.API.AdminKeyHash, logger)
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = cfg.API.MaxRequestBodyLen
	}

	r := &Router{
		config:  cfg,
		mux:     chi.NewRouter(),
		deps:    deps,
		stream:  stream,
		metrics: m,
		auth:    auth,
		doc:     doc,
		logger:  logger.WithComponent("api"),
	}

	r.setupMiddleware()
	r.setupRoutes()

	r.logger.Info("API router ready",
		"documented_operations", doc.OperationCount(),
		"admin_auth", auth.Enabled())
	return r, nil
}

// Handler returns the HTTP handler
func (r *Router) Handler() http.Handler {
	return r.mux
}

// Document returns the OpenAPI document served at /openapi.json
func (r *Router) Document() *APIDocument {
	return r.doc
}

// setupMiddleware configures the middleware stack
func (r *Router) setupMiddleware() {
	// Recovery middleware (should be first)
	r.mux.Use(chimiddleware.Recoverer)
	r.mux.Use(chimiddleware.RequestID)

	// Heartbeat for load balancer health checks
	r.mux.Use(chimiddleware.Heartbeat("/ping"))

	r.mux.Use(middleware.NewLoggingMiddleware(r.logger, r.metrics).Handler())
	r.mux.Use(middleware.NewCORSMiddleware(middleware.CORSConfig{
		AllowedOrigins: r.config.API.AllowedOrigins,
	}).Handler())

	if r.config.API.MaxRequestBodyLen > 0 {
		r.mux.Use(chimiddleware.RequestSize(r.config.API.MaxRequestBodyLen))
	}

	r.mux.Use(r.timeoutMiddleware())
}

// timeoutMiddleware creates a timeout middleware that excludes websocket endpoints
func (r *Router) timeoutMiddleware() func(http.Handler) http.Handler {
	timeout := r.config.API.RequestTimeout
	return func(next http.Handler) http.Handler {
		withTimeout := chimiddleware.Timeout(timeout)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if timeout <= 0 || strings.HasPrefix(req.URL.Path, "/ws") {
				next.ServeHTTP(w, req)
				return
			}
			withTimeout.ServeHTTP(w, req)
		})
	}
}

// setupRoutes configures API routes
func (r *Router) setupRoutes() {
	health := handlers.NewHealthHandler(r.deps)
	pools := handlers.NewPoolHandler(r.deps)
	plugins := handlers.NewPluginHandler(r.deps)
	lifecycle := handlers.NewLifecycleHandler(r.deps)
	monitor := handlers.NewMonitorHandler(r.deps)

	var streamInfo handlers.StreamInfo
	if r.stream != nil {
		streamInfo = r.stream
	}
	statistics := handlers.NewStatisticsHandler(r.deps, streamInfo)

	// Unversioned endpoints for load balancers and scrapers
	r.mux.Get("/health", health.Handle)
	r.mux.Get("/openapi.json", r.doc.ServeHTTP)
	if r.metrics != nil {
		r.mux.Method(http.MethodGet, "/metrics", r.metrics.Handler())
	}
	if r.stream != nil {
		r.mux.Get("/ws/events", r.stream.HandleUpgrade)
	}

	r.mux.Route("/api/v1", func(rtr chi.Router) {
		rtr.Get("/statistics", statistics.Handle)

		rtr.Get("/pools", pools.List)
		rtr.Get("/pools/{name}", pools.Get)
		rtr.Get("/plugins/{plugin}/quotas/{type}", plugins.GetQuota)
		rtr.Get("/plugins/{plugin}/resources", plugins.Resources)

		rtr.Get("/lifecycle/resources", lifecycle.List)
		rtr.Get("/lifecycle/resources/{id}", lifecycle.Get)
		rtr.Get("/lifecycle/resources/{id}/dependencies", lifecycle.Dependencies)
		rtr.Get("/lifecycle/candidates", lifecycle.Candidates)
		rtr.Get("/lifecycle/policy", lifecycle.GetPolicy)

		rtr.Get("/monitor/resources", monitor.Resources)
		rtr.Get("/monitor/resources/{id}", monitor.Get)
		rtr.Get("/monitor/top", monitor.Top)
		rtr.Get("/monitor/aggregate/{type}", monitor.Aggregate)
		rtr.Get("/monitor/export", monitor.Export)
		rtr.Get("/monitor/quotas", monitor.Quotas)
		rtr.Get("/monitor/alerts", monitor.Alerts)
		rtr.Get("/monitor/violations", monitor.Violations)
		rtr.Get("/monitor/thresholds", monitor.GetThresholds)

		rtr.Get("/history/samples", monitor.StoredSamples)
		rtr.Get("/history/alerts", monitor.StoredAlerts)
		rtr.Get("/history/violations", monitor.StoredViolations)
		rtr.Get("/notifications/recent", monitor.RecentNotifications)

		// Mutating routes require the admin key when one is configured
		rtr.Group(func(admin chi.Router) {
			admin.Use(r.auth.Handler())

			admin.Post("/pools", pools.Create)
			admin.Delete("/pools/{name}", pools.Delete)
			admin.Put("/pools/{name}/quota", pools.SetQuota)
			admin.Post("/pools/{name}/leases", pools.Acquire)
			admin.Delete("/leases/{id}", pools.Release)
			admin.Post("/pool-cleanup", pools.Cleanup)

			admin.Put("/plugins/{plugin}/quotas/{type}", plugins.SetQuota)
			admin.Delete("/plugins/{plugin}/resources", plugins.Unload)

			admin.Put("/lifecycle/resources/{id}/state", lifecycle.UpdateState)
			admin.Post("/lifecycle/resources/{id}/cleanup", lifecycle.ForceCleanup)
			admin.Post("/lifecycle/dependencies", lifecycle.AddDependency)
			admin.Delete("/lifecycle/dependencies", lifecycle.RemoveDependency)
			admin.Post("/lifecycle/cleanup", lifecycle.Cleanup)
			admin.Post("/lifecycle/low-memory", lifecycle.LowMemory)
			admin.Put("/lifecycle/policy", lifecycle.SetPolicy)

			admin.Put("/monitor/resources/{id}/metrics", monitor.UpdateMetrics)
			admin.Post("/monitor/resources/{id}/access", monitor.RecordAccess)
			admin.Delete("/monitor/history", monitor.ClearHistory)
			admin.Put("/monitor/quotas", monitor.SetQuota)
			admin.Delete("/monitor/quotas", monitor.RemoveQuota)
			admin.Put("/monitor/thresholds", monitor.SetThresholds)
		})
	})

	r.mux.Get("/", r.handleRoot)
	r.mux.NotFound(r.handleNotFound)
	r.mux.MethodNotAllowed(r.handleMethodNotAllowed)
}

// Routes lists every registered method and pattern
func (r *Router) Routes() ([][2]string, error) {
	var routes [][2]string
	err := chi.Walk(r.mux, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, [2]string{method, route})
		return nil
	})
	return routes, err
}

// handleRoot handles requests to the root endpoint
func (r *Router) handleRoot(w http.ResponseWriter, _ *http.Request) {
	endpoints := map[string]string{
		"health":     "/health",
		"openapi":    "/openapi.json",
		"api":        "/api/v1",
		"statistics": "/api/v1/statistics",
	}
	if r.metrics != nil {
		endpoints["metrics"] = "/metrics"
	}
	if r.stream != nil {
		endpoints["events"] = "/ws/events"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"server":      "plugin-governor",
		"version":     handlers.Version,
		"api_version": "v1",
		"endpoints":   endpoints,
		"features": map[string]bool{
			"history_store": r.deps.Store != nil,
			"publisher":     r.deps.Publisher != nil,
			"event_stream":  r.stream != nil,
			"admin_auth":    r.auth.Enabled(),
		},
	})
}

// handleNotFound handles 404 errors
func (r *Router) handleNotFound(w http.ResponseWriter, req *http.Request) {
	writeError(w, req, http.StatusNotFound, "NOT_FOUND", "Endpoint not found")
}

// handleMethodNotAllowed handles 405 errors
func (r *Router) handleMethodNotAllowed(w http.ResponseWriter, req *http.Request) {
	writeError(w, req, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
}

func writeError(w http.ResponseWriter, req *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
			"path":    req.URL.Path,
		},
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": chimiddleware.GetReqID(req.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
