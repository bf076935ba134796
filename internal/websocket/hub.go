// Package websocket streams governance events (lifecycle transitions,
// performance alerts and quota violations) to connected operators.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"plugin-governor/internal/logging"
)

// Event types sent to clients
const (
	TypeConnection = "connection"
	TypeHeartbeat  = "heartbeat"
	TypePong       = "pong"
	TypeLifecycle  = "lifecycle"
	TypeAlert      = "alert"
	TypeViolation  = "violation"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
)

// Event is one message on the stream
type Event struct {
	Type       string      `json:"type"`
	Action     string      `json:"action,omitempty"`
	ResourceID string      `json:"resource_id,omitempty"`
	PluginID   string      `json:"plugin_id,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data,omitempty"`
}

// Client is one websocket connection
type Client struct {
	ID         string
	Connection *websocket.Conn
	Send       chan Event
	Hub        *Hub

	mu       sync.Mutex
	pluginID string
	closed   bool
}

// NewClient creates a client that only receives events for pluginID, or
// every event when pluginID is empty
func NewClient(id string, conn *websocket.Conn, hub *Hub, pluginID string) *Client {
	return &Client{
		ID:         id,
		Connection: conn,
		Send:       make(chan Event, sendBufferSize),
		Hub:        hub,
		pluginID:   pluginID,
	}
}

// PluginFilter returns the plugin the client is subscribed to
func (c *Client) PluginFilter() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pluginID
}

func (c *Client) setPluginFilter(pluginID string) {
	c.mu.Lock()
	c.pluginID = pluginID
	c.mu.Unlock()
}

// SafeClose closes the send channel once
func (c *Client) SafeClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.Send)
		c.closed = true
	}
}

// trySend queues e without blocking and reports whether it was queued
func (c *Client) trySend(e Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- e:
		return true
	default:
		return false
	}
}

// Hub fans events out to every interested client
type Hub struct {
	logger     logging.Logger
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Event
	mutex      sync.RWMutex
	dropped    int64
}

// NewHub creates a hub. Run must be called for it to deliver anything.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger:     logging.OrNoOp(logger).WithComponent("event_hub"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, sendBufferSize),
	}
}

// Run delivers events until ctx is cancelled, then closes every client
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mutex.Lock()
		for client := range h.clients {
			client.SafeClose()
			_ = client.Connection.Close()
			delete(h.clients, client)
		}
		h.mutex.Unlock()
	}()

	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mutex.Unlock()

			h.logger.Info("Event stream client connected", "client_id", client.ID, "plugin_id", client.PluginFilter(), "total", total)

			welcome := Event{
				Type:      TypeConnection,
				Action:    "connected",
				Timestamp: time.Now(),
				Data: map[string]interface{}{
					"client_id": client.ID,
					"plugin_id": client.PluginFilter(),
				},
			}
			if !client.trySend(welcome) {
				h.removeClient(client)
			}

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			var slow []*Client
			h.mutex.RLock()
			for client := range h.clients {
				if !shouldSend(client, event) {
					continue
				}
				if !client.trySend(event) {
					slow = append(slow, client)
				}
			}
			h.mutex.RUnlock()

			for _, client := range slow {
				h.logger.Warn("Event stream client too slow, disconnecting", "client_id", client.ID)
				h.removeClient(client)
			}

		case <-ctx.Done():
			h.logger.Info("Event hub shutting down")
			return
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.SafeClose()
		_ = client.Connection.Close()
		h.logger.Info("Event stream client disconnected", "client_id", client.ID, "total", len(h.clients))
	}
}

// shouldSend applies the client's plugin filter. Connection events and
// events without a plugin always pass.
func shouldSend(client *Client, event Event) bool {
	filter := client.PluginFilter()
	if filter == "" || event.PluginID == "" || event.Type == TypeConnection {
		return true
	}
	return filter == event.PluginID
}

// RegisterClient adds a client
func (h *Hub) RegisterClient(ctx context.Context, client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-ctx.Done():
		return false
	}
}

// Broadcast queues an event for delivery. It never blocks; a full queue
// drops the event.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- event:
	default:
		h.mutex.Lock()
		h.dropped++
		h.mutex.Unlock()
		h.logger.Warn("Broadcast queue full, dropping event", "type", event.Type)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were dropped because the queue was full
func (h *Hub) Dropped() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.dropped
}

// WritePump writes queued events and periodic heartbeats to the connection
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Connection.Close()
	}()

	for {
		select {
		case event, ok := <-c.Send:
			_ = c.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Connection.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Connection.WriteJSON(Event{Type: TypeHeartbeat, Timestamp: time.Now()}); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// ReadPump reads subscription changes from the client until it goes away
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-ctx.Done():
		}
		_ = c.Connection.Close()
	}()

	c.Connection.SetReadLimit(maxMessageSize)
	_ = c.Connection.SetReadDeadline(time.Now().Add(pongWait))
	c.Connection.SetPongHandler(func(string) error {
		return c.Connection.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg map[string]interface{}
		if err := c.Connection.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Debug("Event stream read error", "client_id", c.ID, "error", err)
			}
			return
		}
		_ = c.Connection.SetReadDeadline(time.Now().Add(pongWait))
		c.handleClientMessage(msg)
	}
}

// handleClientMessage understands subscribe, unsubscribe and ping
func (c *Client) handleClientMessage(msg map[string]interface{}) {
	msgType, ok := msg["type"].(string)
	if !ok {
		return
	}

	switch msgType {
	case "subscribe":
		if plugin, ok := msg["plugin_id"].(string); ok {
			c.setPluginFilter(plugin)
		}
	case "unsubscribe":
		c.setPluginFilter("")
	case "ping":
		c.trySend(Event{Type: TypePong, Timestamp: time.Now()})
	}
}
