package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-governor/internal/api/middleware"
	"plugin-governor/internal/config"
	"plugin-governor/internal/di"
	"plugin-governor/internal/metrics"
	"plugin-governor/internal/monitor"
	"plugin-governor/internal/websocket"
)

type testEnv struct {
	container *di.Container
	router    *Router
	stream    *websocket.Server
	handler   http.Handler
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Manager.CleanupInterval = 0
	cfg.Lifecycle.CleanupInterval = 0
	cfg.Store.Enabled = true
	cfg.Store.DSN = filepath.Join(t.TempDir(), "history.db")
	if mutate != nil {
		mutate(cfg)
	}

	m := metrics.New(false)
	c, err := di.NewContainer(context.Background(), cfg, nil, m)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	stream := websocket.NewServer(&websocket.ServerConfig{
		MaxConnections:   cfg.API.MaxStreamClients,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: time.Second,
		AllowedOrigins:   cfg.API.AllowedOrigins,
	}, nil)
	require.NoError(t, stream.Start(context.Background()))

	router, err := NewRouter(cfg, c.HandlerDependencies(), stream, m, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = stream.Stop()
		_ = c.Shutdown()
	})
	return &testEnv{container: c, router: router, stream: stream, handler: router.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func (e *testEnv) acquire(t *testing.T, pool, plugin string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/pools/"+pool+"/leases", map[string]string{"plugin_id": plugin})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var handle struct {
		ID string `json:"id"`
	}
	decode(t, w, &handle)
	require.NotEmpty(t, handle.ID)
	return handle.ID
}

func TestNewRouter_DocumentsEveryRoute(t *testing.T) {
	env := newTestEnv(t, nil)

	routes, err := env.router.Routes()
	require.NoError(t, err)
	require.NotEmpty(t, routes)

	for _, r := range routes {
		if r[1] == "/" {
			continue
		}
		assert.True(t, env.router.Document().HasOperation(r[0], r[1]), "%s %s is not documented", r[0], r[1])
	}
	assert.GreaterOrEqual(t, env.router.Document().OperationCount(), len(routes)-1)
}

func TestRouter_HealthAndRoot(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	var health struct {
		Status string `json:"status"`
	}
	decode(t, w, &health)
	assert.Equal(t, "healthy", health.Status)

	w = env.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "plugin-governor")

	w = env.do(t, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_OpenAPIDocument(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/openapi.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])
	paths, ok := doc["paths"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, paths, "/api/v1/pools/{name}/leases")
}

func TestRouter_NotFoundAndMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w, nil).Error.Code)

	w = env.do(t, http.MethodPatch, "/api/v1/pools", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decode(t, w, nil).Error.Code)
}

func TestRouter_PoolLeaseFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/pools", map[string]interface{}{
		"name":  "files",
		"type":  "file_handle",
		"quota": map[string]interface{}{"max_instances": 1, "max_lifetime": "10m"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/pools", map[string]interface{}{"name": "files", "type": "file_handle"})
	assert.Equal(t, http.StatusConflict, w.Code)

	id := env.acquire(t, "files", "plugin-a")

	w = env.do(t, http.MethodPost, "/api/v1/pools/files/leases", map[string]string{"plugin_id": "plugin-b"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "RESOURCE_UNAVAILABLE", decode(t, w, nil).Error.Code)

	w = env.do(t, http.MethodGet, "/api/v1/lifecycle/resources/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tracked struct {
		State string `json:"state"`
	}
	decode(t, w, &tracked)
	assert.Equal(t, "active", tracked.State)

	w = env.do(t, http.MethodDelete, "/api/v1/leases/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/lifecycle/resources/"+id, nil)
	decode(t, w, &tracked)
	assert.Equal(t, "idle", tracked.State)

	w = env.do(t, http.MethodDelete, "/api/v1/leases/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/pools/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_created":1`)

	w = env.do(t, http.MethodDelete, "/api/v1/pools/files", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/pools/files", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_PluginQuotaAndUnload(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/plugins/plugin-a/quotas/thread", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/plugins/plugin-a/quotas/thread", map[string]interface{}{"max_instances": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPut, "/api/v1/plugins/plugin-a/quotas/bogus", map[string]interface{}{"max_instances": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.acquire(t, "thread", "plugin-a")
	w = env.do(t, http.MethodPost, "/api/v1/pools/thread/leases", map[string]string{"plugin_id": "plugin-a"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/plugins/plugin-a/resources", nil)
	var ids []string
	decode(t, w, &ids)
	assert.Len(t, ids, 1)

	w = env.do(t, http.MethodDelete, "/api/v1/plugins/plugin-a/resources", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result struct {
		PluginID           string `json:"plugin_id"`
		InstancesDestroyed int    `json:"instances_destroyed"`
	}
	decode(t, w, &result)
	assert.Equal(t, "plugin-a", result.PluginID)
	assert.Equal(t, 1, result.InstancesDestroyed)

	w = env.do(t, http.MethodGet, "/api/v1/plugins/plugin-a/quotas/thread", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_LifecycleRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	parent := env.acquire(t, "database_connection", "plugin-a")
	child := env.acquire(t, "network_connection", "plugin-a")

	w := env.do(t, http.MethodPost, "/api/v1/lifecycle/dependencies", map[string]interface{}{
		"dependent_id":      child,
		"dependency_id":     parent,
		"relationship_type": "uses",
		"is_critical":       true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/lifecycle/resources/"+parent+"/dependencies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), child)

	w = env.do(t, http.MethodPut, "/api/v1/lifecycle/resources/"+child+"/state", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/lifecycle/resources/"+child+"/state", map[string]interface{}{"state": "created"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/lifecycle/resources/"+child+"/state", map[string]interface{}{
		"state":    "deprecated",
		"metadata": map[string]interface{}{"why": "upgrade"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPut, "/api/v1/lifecycle/policy", map[string]interface{}{"max_idle_time": "1m"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, time.Minute, env.container.Lifecycle.Policy().MaxIdleTime)

	w = env.do(t, http.MethodPut, "/api/v1/lifecycle/policy", map[string]interface{}{"max_idle_time": -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/lifecycle/candidates", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/lifecycle/resources/"+child+"/cleanup", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(t, http.MethodGet, "/api/v1/lifecycle/resources/"+child, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/lifecycle/candidates?max=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_MonitorRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.acquire(t, "thread", "plugin-a")

	w := env.do(t, http.MethodPut, "/api/v1/monitor/resources/"+id+"/metrics", map[string]interface{}{
		"cpu_usage_percent":  95,
		"memory_usage_bytes": 2048,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/monitor/resources/"+id+"?history=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cpu_usage_percent":95`)

	w = env.do(t, http.MethodGet, "/api/v1/monitor/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var alerts []monitor.PerformanceAlert
	decode(t, w, &alerts)
	var types []monitor.AlertType
	for _, a := range alerts {
		types = append(types, a.Type)
	}
	assert.Contains(t, types, monitor.AlertHighCPU)

	w = env.do(t, http.MethodGet, "/api/v1/monitor/top?metric=cpu&count=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = env.do(t, http.MethodGet, "/api/v1/monitor/top?metric=nonsense", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/monitor/aggregate/thread", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/monitor/export?format=csv&start=1h", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(monitor.CSVHeader, ","), strings.TrimSpace(lines[0]))

	w = env.do(t, http.MethodGet, "/api/v1/monitor/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/monitor/quotas", map[string]interface{}{
		"plugin_id":     "plugin-a",
		"resource_type": "thread",
		"quota_name":    "instances",
		"limit":         5,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(t, http.MethodDelete, "/api/v1/monitor/quotas?plugin=plugin-a&type=thread&name=instances", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/monitor/thresholds", map[string]interface{}{"cpu_usage_percent": 99})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.InDelta(t, 99, env.container.Monitor.Thresholds().CPUUsagePercent, 0.001)

	w = env.do(t, http.MethodDelete, "/api/v1/monitor/history", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodDelete, "/api/v1/monitor/history?before=2000-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_HistoryAndStatistics(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/history/samples?limit=10", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/notifications/recent", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]json.RawMessage
	decode(t, w, &stats)
	for _, key := range []string{"resource_manager", "lifecycle_manager", "resource_monitor", "history_store", "event_stream"} {
		assert.Contains(t, stats, key)
	}
	assert.NotContains(t, stats, "publisher")
}

func TestRouter_AdminAuth(t *testing.T) {
	hash, err := middleware.HashKey("s3cret")
	require.NoError(t, err)
	env := newTestEnv(t, func(cfg *config.Config) { cfg.API.AdminKeyHash = hash })

	body := map[string]interface{}{"name": "extra", "type": "timer"}

	w := env.do(t, http.MethodPost, "/api/v1/pools", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decode(t, w, nil).Error.Code)

	w = env.do(t, http.MethodPost, "/api/v1/pools", body, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/pools", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/pools", body, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestNewRouter_RejectsBadKeyHash(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.AdminKeyHash = "not-a-bcrypt-hash"
	c, err := di.NewContainer(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })

	_, err = NewRouter(cfg, c.HandlerDependencies(), nil, nil, nil)
	assert.Error(t, err)
}

func TestEventBridge_StreamsLifecycleEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	bridge := NewEventBridge(env.stream, env.container.Lifecycle, env.container.Monitor)

	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events?plugin=plugin-a"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	read := func() websocket.Event {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var e websocket.Event
		require.NoError(t, conn.ReadJSON(&e))
		return e
	}
	require.Equal(t, websocket.TypeConnection, read().Type)
	require.Eventually(t, func() bool { return env.stream.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	id := env.acquire(t, "timer", "plugin-a")
	e := read()
	assert.Equal(t, websocket.TypeLifecycle, e.Type)
	assert.Equal(t, "active", e.Action)
	assert.Equal(t, id, e.ResourceID)

	assert.Equal(t, 1, env.container.Lifecycle.Statistics().Subscriptions)
	require.NoError(t, bridge.Close())
	assert.Equal(t, 0, env.container.Lifecycle.Statistics().Subscriptions)
	assert.NoError(t, bridge.Close())
}
