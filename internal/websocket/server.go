package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"plugin-governor/internal/logging"
)

// ServerConfig represents event stream server configuration
type ServerConfig struct {
	MaxConnections    int           `json:"max_connections"`
	ReadBufferSize    int           `json:"read_buffer_size"`
	WriteBufferSize   int           `json:"write_buffer_size"`
	HandshakeTimeout  time.Duration `json:"handshake_timeout"`
	EnableCompression bool          `json:"enable_compression"`
	AllowedOrigins    []string      `json:"allowed_origins"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxConnections:    100,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
		AllowedOrigins:    []string{"*"},
	}
}

// Server upgrades HTTP requests and attaches the connections to a hub
type Server struct {
	config   *ServerConfig
	upgrader websocket.Upgrader
	hub      *Hub
	logger   logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewServer creates an event stream server
func NewServer(config *ServerConfig, logger logging.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	logger = logging.OrNoOp(logger)

	upgrader := websocket.Upgrader{
		ReadBufferSize:    config.ReadBufferSize,
		WriteBufferSize:   config.WriteBufferSize,
		HandshakeTimeout:  config.HandshakeTimeout,
		EnableCompression: config.EnableCompression,
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r, config.AllowedOrigins)
		},
	}

	return &Server{
		config:   config,
		upgrader: upgrader,
		hub:      NewHub(logger),
		logger:   logger.WithComponent("event_stream"),
	}
}

// Start runs the hub until Stop or until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("event stream server is already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()

	s.running = true
	s.logger.Info("Event stream server started", "max_connections", s.config.MaxConnections)
	return nil
}

// Stop closes every connection and stops the hub
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("event stream server is not running")
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("Event stream server stopped")
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// HandleUpgrade upgrades the request and streams events to it. The plugin
// query parameter restricts the stream to one plugin.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	running, ctx := s.running, s.ctx
	s.mu.RUnlock()

	if !running {
		http.Error(w, "event stream not running", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxConnections > 0 && s.hub.ClientCount() >= s.config.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(uuid.NewString(), conn, s.hub, r.URL.Query().Get("plugin"))
	if !s.hub.RegisterClient(ctx, client) {
		_ = conn.Close()
		return
	}

	go client.WritePump(ctx)
	go client.ReadPump(ctx)
}

// checkOrigin validates the request origin
func checkOrigin(r *http.Request, allowedOrigins []string) bool {
	origin := r.Header.Get("Origin")

	// Command line clients send no origin
	if origin == "" {
		return true
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Hub returns the event hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Broadcast sends an event to every interested client
func (s *Server) Broadcast(event Event) {
	s.hub.Broadcast(event)
}

// ConnectionCount returns the current number of connections
func (s *Server) ConnectionCount() int {
	return s.hub.ClientCount()
}

// Dropped returns how many events the hub dropped because its queue was full
func (s *Server) Dropped() int64 {
	return s.hub.Dropped()
}
