// Package api is the HTTP surface of the sync server: the websocket
// endpoint, health and metrics, and a read-only session API.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/developer-mesh/timeline-sync/apps/sync-server/internal/api/websocket"
	"github.com/developer-mesh/timeline-sync/apps/sync-server/internal/session"
	"github.com/developer-mesh/timeline-sync/pkg/auth"
	"github.com/developer-mesh/timeline-sync/pkg/observability"
	"github.com/developer-mesh/timeline-sync/pkg/protocol"
	"github.com/developer-mesh/timeline-sync/pkg/storage/postgres"
)

// Checker is a dependency checked by /ready
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Sessions resolves live sessions
type Sessions interface {
	Lookup(id uuid.UUID) (*session.Session, bool)
	Len() int
}

// Config holds the HTTP listener settings
type Config struct {
	ListenAddress string
	ReadTimeout   time.Duration
	IdleTimeout   time.Duration
	CheckTimeout  time.Duration
}

// Dependencies are the components the routes serve. Any of Snapshots,
// Gatherer and Checks may be nil.
type Dependencies struct {
	WebSocket *websocket.Server
	Sessions  Sessions
	Snapshots postgres.SnapshotRepository
	Auth      *auth.Service
	Gatherer  prometheus.Gatherer
	Checks    map[string]Checker
	Logger    observability.Logger
	Metrics   observability.MetricsClient
}

// Server is the HTTP server
type Server struct {
	router *gin.Engine
	server *http.Server
	config Config
	deps   Dependencies
	logger observability.Logger
}

// NewServer wires the routes
func NewServer(cfg Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNoopMetricsClient()
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(deps.Logger))
	router.Use(MetricsMiddleware(deps.Metrics))

	s := &Server{
		router: router,
		config: cfg,
		deps:   deps,
		logger: deps.Logger,
		server: &http.Server{
			Addr:              cfg.ListenAddress,
			Handler:           router,
			ReadHeaderTimeout: cfg.ReadTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ready", s.readyHandler)
	if s.deps.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if s.deps.WebSocket != nil {
		s.router.GET("/ws/:session", s.websocketHandler)
	}

	v1 := s.router.Group("/api/v1")
	v1.Use(s.deps.Auth.GinMiddleware())
	{
		v1.GET("/sessions", s.listSessions)
		v1.GET("/sessions/:session", s.getSession)
		v1.GET("/sessions/:session/document", s.getDocument)
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{"address": s.config.ListenAddress})
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
// Hijacked websocket connections are closed by the websocket server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server", nil)
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) readyHandler(c *gin.Context) {
	components := make(map[string]string, len(s.deps.Checks))
	healthy := true
	for name, check := range s.deps.Checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.CheckTimeout)
		err := check.Ping(ctx)
		cancel()
		if err != nil {
			healthy = false
			components[name] = "unhealthy: " + err.Error()
			continue
		}
		components[name] = "healthy"
	}

	status := http.StatusOK
	body := gin.H{"status": "ready", "components": components}
	if s.deps.Sessions != nil {
		body["sessions"] = s.deps.Sessions.Len()
	}
	if s.deps.WebSocket != nil {
		body["connections"] = s.deps.WebSocket.ConnectionCount()
	}
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
	}
	c.JSON(status, body)
}

func (s *Server) websocketHandler(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	s.deps.WebSocket.HandleSession(c.Writer, c.Request, id)
}

func sessionParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("session"))
	if err != nil || id == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) live(id uuid.UUID) (*session.Session, bool) {
	if s.deps.Sessions == nil {
		return nil, false
	}
	return s.deps.Sessions.Lookup(id)
}

// getSession reports a live session, falling back to its last snapshot
func (s *Server) getSession(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	if sess, ok := s.live(id); ok {
		info, err := sess.Info(c.Request.Context())
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"live": true, "session": info})
			return
		}
		if !errors.Is(err, session.ErrClosed) {
			s.fail(c, err)
			return
		}
	}

	snap, ok := s.stored(c, id)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"live": false,
		"session": protocol.SessionInfo{
			SessionID:      snap.SessionID,
			OperationCount: snap.OperationCount,
			Hash:           snap.Hash,
		},
		"participants": snap.Participants,
		"archive_key":  snap.ArchiveKey,
		"updated_at":   snap.UpdatedAt,
	})
}

// getDocument returns the projection as JSON
func (s *Server) getDocument(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	if sess, ok := s.live(id); ok {
		snap, err := sess.Snapshot(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", snap.Document)
		return
	}

	snap, ok := s.stored(c, id)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "application/json", snap.Document)
}

// listSessions lists stored snapshots, most recent first
func (s *Server) listSessions(c *gin.Context) {
	if s.deps.Snapshots == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []postgres.Snapshot{}})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	snaps, err := s.deps.Snapshots.List(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	type summary struct {
		SessionID      uuid.UUID `json:"session_id"`
		Hash           string    `json:"hash"`
		OperationCount int       `json:"operation_count"`
		UpdatedAt      time.Time `json:"updated_at"`
	}
	out := make([]summary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, summary{snap.SessionID, snap.Hash, snap.OperationCount, snap.UpdatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) stored(c *gin.Context, id uuid.UUID) (*postgres.Snapshot, bool) {
	if s.deps.Snapshots == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	snap, err := s.deps.Snapshots.Get(c.Request.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return snap, true
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
