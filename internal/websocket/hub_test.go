package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-governor/internal/lifecycle"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/monitor"
	"plugin-governor/internal/resource"
)

func startServer(t *testing.T, config *ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(config, logging.NewNoOpLogger())
	require.NoError(t, s.Start(context.Background()))
	ts := httptest.NewServer(http.HandlerFunc(s.HandleUpgrade))
	t.Cleanup(func() {
		ts.Close()
		if s.IsRunning() {
			_ = s.Stop()
		}
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	welcome := readEvent(t, conn)
	require.Equal(t, TypeConnection, welcome.Type)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.ConnectionCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_BroadcastReachesClients(t *testing.T) {
	s, ts := startServer(t, nil)
	a := dial(t, ts, "")
	b := dial(t, ts, "")
	waitForClients(t, s, 2)

	s.Broadcast(Event{Type: TypeAlert, Action: "high_cpu_usage", PluginID: "p1"})

	for _, conn := range []*websocket.Conn{a, b} {
		e := readEvent(t, conn)
		assert.Equal(t, TypeAlert, e.Type)
		assert.Equal(t, "p1", e.PluginID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestServer_PluginFilter(t *testing.T) {
	s, ts := startServer(t, nil)
	filtered := dial(t, ts, "?plugin=p2")
	waitForClients(t, s, 1)

	s.Broadcast(Event{Type: TypeLifecycle, PluginID: "p1", ResourceID: "r1"})
	s.Broadcast(Event{Type: TypeLifecycle, PluginID: "p2", ResourceID: "r2"})

	e := readEvent(t, filtered)
	assert.Equal(t, "r2", e.ResourceID)
}

func TestServer_SubscribeAndPing(t *testing.T) {
	s, ts := startServer(t, nil)
	conn := dial(t, ts, "")
	waitForClients(t, s, 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "plugin_id": "p3"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, TypePong, readEvent(t, conn).Type)

	// The ping was handled after the subscribe, so the filter is in place.
	s.Broadcast(Event{Type: TypeAlert, PluginID: "p1", ResourceID: "skip"})
	s.Broadcast(Event{Type: TypeAlert, PluginID: "p3", ResourceID: "keep"})
	assert.Equal(t, "keep", readEvent(t, conn).ResourceID)
}

func TestServer_ConnectionLimit(t *testing.T) {
	config := DefaultServerConfig()
	config.MaxConnections = 1
	s, ts := startServer(t, config)
	dial(t, ts, "")
	waitForClients(t, s, 1)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_StopDisconnectsClients(t *testing.T) {
	s, ts := startServer(t, nil)
	conn := dial(t, ts, "")
	waitForClients(t, s, 1)

	require.NoError(t, s.Stop())
	assert.Error(t, s.Stop())
	assert.Equal(t, 0, s.ConnectionCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e Event
	assert.Error(t, conn.ReadJSON(&e))

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, checkOrigin(r, nil))

	r.Header.Set("Origin", "https://ops.example.com")
	assert.True(t, checkOrigin(r, []string{"*"}))
	assert.True(t, checkOrigin(r, []string{"https://ops.example.com"}))
	assert.False(t, checkOrigin(r, []string{"https://other.example.com"}))
}

func TestFromLifecycle(t *testing.T) {
	at := time.Now()
	e := FromLifecycle(lifecycle.Event{
		ResourceID:   "r1",
		PluginID:     "p1",
		ResourceType: resource.Timer,
		From:         lifecycle.Active,
		To:           lifecycle.Idle,
		At:           at,
	})

	assert.Equal(t, TypeLifecycle, e.Type)
	assert.Equal(t, "idle", e.Action)
	assert.Equal(t, "r1", e.ResourceID)
	assert.Equal(t, "p1", e.PluginID)
	assert.Equal(t, at, e.Timestamp)
}

func TestFromNotification(t *testing.T) {
	alert := FromNotification(monitor.Notification{
		Kind:  monitor.KindAlert,
		Alert: &monitor.PerformanceAlert{ResourceID: "r1", PluginID: "p1", Type: monitor.AlertHighMemory},
	})
	assert.Equal(t, TypeAlert, alert.Type)
	assert.Equal(t, "high_memory_usage", alert.Action)
	assert.Equal(t, "r1", alert.ResourceID)

	violation := FromNotification(monitor.Notification{
		Kind:      monitor.KindViolation,
		Violation: &monitor.QuotaViolation{PluginID: "p2", QuotaName: "instances"},
	})
	assert.Equal(t, TypeViolation, violation.Type)
	assert.Equal(t, "instances", violation.Action)
	assert.Equal(t, "p2", violation.PluginID)

	assert.Equal(t, "alert", FromNotification(monitor.Notification{Kind: monitor.KindAlert}).Type)
}
