// Package websocket serves the sync protocol over coder/websocket. Each
// accepted connection becomes a session.Peer.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/developer-mesh/timeline-sync/apps/sync-server/internal/session"
	"github.com/developer-mesh/timeline-sync/pkg/auth"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/presence"
	commonconfig "github.com/developer-mesh/timeline-sync/pkg/common/config"
	"github.com/developer-mesh/timeline-sync/pkg/observability"
	"github.com/developer-mesh/timeline-sync/pkg/protocol"
)

// Sessions hands out live sessions by id
type Sessions interface {
	Acquire(ctx context.Context, id uuid.UUID) (*session.Session, error)
	Release(id uuid.UUID)
}

type Config struct {
	MaxConnections  int           `mapstructure:"max_connections"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	SendQueueSize   int           `mapstructure:"send_queue_size"`
	SendRetryBudget time.Duration `mapstructure:"send_retry_budget"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`

	OperationsPerSecond float64 `mapstructure:"operations_per_second"`
	OperationsBurst     int     `mapstructure:"operations_burst"`
	PresencePerSecond   float64 `mapstructure:"presence_per_second"`
	PresenceBurst       int     `mapstructure:"presence_burst"`
}

// DefaultConfig matches the configuration defaults
func DefaultConfig() Config {
	return Config{
		MaxConnections:      1000,
		PingInterval:        10 * time.Second,
		PongTimeout:         10 * time.Second,
		MaxMessageSize:      1048576,
		SendQueueSize:       256,
		SendRetryBudget:     5 * time.Second,
		WriteTimeout:        10 * time.Second,
		OperationsPerSecond: 200,
		OperationsBurst:     400,
		PresencePerSecond:   30,
		PresenceBurst:       30,
	}
}

// ConfigFrom converts the application websocket section
func ConfigFrom(c commonconfig.WebSocketConfig) Config {
	cfg := DefaultConfig()
	cfg.MaxConnections = c.MaxConnections
	cfg.PingInterval = c.PingInterval
	cfg.PongTimeout = c.PongTimeout
	cfg.MaxMessageSize = c.MaxMessageSize
	cfg.SendQueueSize = c.SendQueueSize
	cfg.SendRetryBudget = c.SendRetryBudget
	cfg.AllowedOrigins = c.AllowedOrigins
	cfg.OperationsPerSecond = c.RateLimit.OperationsPerSecond
	cfg.OperationsBurst = c.RateLimit.OperationsBurst
	cfg.PresencePerSecond = c.RateLimit.PresencePerSecond
	cfg.PresenceBurst = c.RateLimit.PresenceBurst
	return cfg
}

// Server accepts websocket connections for sessions
type Server struct {
	config   Config
	sessions Sessions
	auth     *auth.Service
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu          sync.Mutex
	connections map[uuid.UUID]*Connection
	closed      bool
	wg          sync.WaitGroup
}

func NewServer(sessions Sessions, authService *auth.Service, logger observability.Logger, metrics observability.MetricsClient, config Config) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	defaults := DefaultConfig()
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
		logger.Warn("MaxMessageSize not configured, using default", map[string]interface{}{
			"default_size": config.MaxMessageSize,
		})
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = defaults.MaxConnections
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = defaults.PongTimeout
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = defaults.SendQueueSize
	}
	if config.SendRetryBudget <= 0 {
		config.SendRetryBudget = defaults.SendRetryBudget
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.OperationsPerSecond <= 0 {
		config.OperationsPerSecond = defaults.OperationsPerSecond
	}
	if config.OperationsBurst <= 0 {
		config.OperationsBurst = defaults.OperationsBurst
	}
	if config.PresencePerSecond <= 0 {
		config.PresencePerSecond = defaults.PresencePerSecond
	}
	if config.PresenceBurst <= 0 {
		config.PresenceBurst = defaults.PresenceBurst
	}

	return &Server{
		config:      config,
		sessions:    sessions,
		auth:        authService,
		logger:      logger.WithPrefix("websocket"),
		metrics:     metrics,
		connections: make(map[uuid.UUID]*Connection),
	}
}

// HandleSession upgrades r and serves the connection until it closes
func (s *Server) HandleSession(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) {
	user, err := s.identify(r)
	if err != nil {
		s.logger.Warn("WebSocket authentication failed", map[string]interface{}{
			"error":       err.Error(),
			"remote_addr": r.RemoteAddr,
			"session_id":  sessionID.String(),
		})
		s.metrics.IncrementCounterWithLabels("websocket_connection_failures_total", 1, map[string]string{"reason": "auth_failed"})
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sess, err := s.sessions.Acquire(r.Context(), sessionID)
	if err != nil {
		s.logger.Warn("Session unavailable", map[string]interface{}{
			"error":      err.Error(),
			"session_id": sessionID.String(),
		})
		s.metrics.IncrementCounterWithLabels("websocket_connection_failures_total", 1, map[string]string{"reason": "session_unavailable"})
		http.Error(w, "Session unavailable", http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Release(sessionID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.AllowedOrigins,
	})
	if err != nil {
		s.logger.Error("WebSocket accept failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	c := newConnection(s, conn, sess, user)
	if !s.addConnection(c) {
		s.metrics.IncrementCounterWithLabels("websocket_connection_failures_total", 1, map[string]string{"reason": "max_connections"})
		_ = conn.Close(websocket.StatusCode(protocol.ErrCodeTooManyClients), "too many connections")
		return
	}
	defer s.removeConnection(c)

	s.logger.Info("WebSocket connection established", map[string]interface{}{
		"connection_id": c.id.String(),
		"session_id":    sessionID.String(),
		"user_id":       user.ID.String(),
	})
	c.serve(r.Context())
}

// identify resolves the participant behind r. With auth enabled the token
// decides; otherwise the user_id query parameter may name the user, and a
// missing one is filled in by connect.
func (s *Server) identify(r *http.Request) (presence.User, error) {
	name := r.URL.Query().Get("name")
	user, err := s.auth.Authenticate(r)
	if err != nil {
		return presence.User{}, err
	}
	if user != nil {
		if user.Name != "" {
			name = user.Name
		}
		return presence.NewUser(user.ID, name), nil
	}
	if s.auth.Enabled() {
		return presence.User{}, auth.ErrNoToken
	}
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return presence.User{}, auth.ErrInvalidUser
		}
		return presence.NewUser(id, name), nil
	}
	return presence.User{Name: name}, nil
}

// ConnectionCount returns the number of open connections
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

func (s *Server) addConnection(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.connections) >= s.config.MaxConnections {
		return false
	}
	s.connections[c.id] = c
	s.wg.Add(1)
	s.metrics.RecordGauge("websocket_connections", float64(len(s.connections)), nil)
	return true
}

func (s *Server) removeConnection(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[c.id]; !ok {
		return
	}
	delete(s.connections, c.id)
	s.wg.Done()
	s.metrics.RecordGauge("websocket_connections", float64(len(s.connections)), nil)
}

// Shutdown closes every connection and waits for their handlers to return
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(int(websocket.StatusGoingAway), "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("websocket: shutdown timed out waiting for connections")
	}
}
