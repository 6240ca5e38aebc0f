package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/observability"
)

var (
	// ErrTooManySessions is returned when the live session limit is reached
	ErrTooManySessions = errors.New("session: too many live sessions")
	// ErrShuttingDown is returned by Acquire after Shutdown
	ErrShuttingDown = errors.New("session: manager is shutting down")
)

// Loader reads a session's persisted operation log
type Loader interface {
	Load(ctx context.Context, sessionID uuid.UUID) ([]operation.Operation, error)
}

// Persister saves a session when it is torn down
type Persister interface {
	Persist(ctx context.Context, snap Snapshot) error
}

// ManagerConfig configures the session manager
type ManagerConfig struct {
	Session         Config
	MaxSessions     int
	IdleTimeout     time.Duration
	LoadTimeout     time.Duration
	TeardownTimeout time.Duration
}

type entry struct {
	session *Session
	refs    int
	idle    *time.Timer
}

// Manager creates sessions on first use and tears them down once the last
// connection has been gone for IdleTimeout
type Manager struct {
	cfg       ManagerConfig
	store     OperationStore
	loader    Loader
	persister Persister
	logger    observability.Logger
	metrics   observability.MetricsClient

	mu       sync.Mutex
	sessions map[uuid.UUID]*entry
	closed   bool
	group    singleflight.Group
	teardown sync.WaitGroup
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithStore appends accepted operations to store
func WithStore(store OperationStore) ManagerOption {
	return func(m *Manager) { m.store = store }
}

// WithLoader restores new sessions from loader
func WithLoader(loader Loader) ManagerOption {
	return func(m *Manager) { m.loader = loader }
}

// WithPersister saves sessions on teardown
func WithPersister(p Persister) ManagerOption {
	return func(m *Manager) { m.persister = p }
}

// NewManager creates a session manager
func NewManager(cfg ManagerConfig, logger observability.Logger, metrics observability.MetricsClient, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 5 * time.Second
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 30 * time.Second
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[uuid.UUID]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns the live session for id, creating and restoring it if
// needed. Every Acquire must be paired with a Release.
func (m *Manager) Acquire(ctx context.Context, id uuid.UUID) (*Session, error) {
	for {
		if s, ok, err := m.retain(id); err != nil || ok {
			return s, err
		}

		v, err, _ := m.group.Do(id.String(), func() (interface{}, error) {
			return m.create(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		created := v.(*Session)

		m.mu.Lock()
		e, ok := m.sessions[id]
		if ok && e.session == created {
			e.refs++
			if e.idle != nil {
				e.idle.Stop()
				e.idle = nil
			}
			m.mu.Unlock()
			return created, nil
		}
		m.mu.Unlock()
	}
}

func (m *Manager) retain(id uuid.UUID) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrShuttingDown
	}
	e, ok := m.sessions[id]
	if !ok {
		return nil, false, nil
	}
	e.refs++
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	return e.session, true, nil
}

func (m *Manager) create(ctx context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if e, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return e.session, nil
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.mu.Unlock()

	s, err := New(id, m.cfg.Session, m.store, m.logger, m.metrics)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	if m.loader != nil {
		loadCtx, cancel := context.WithTimeout(ctx, m.cfg.LoadTimeout)
		ops, err := m.loader.Load(loadCtx, id)
		cancel()
		if err != nil {
			m.logger.Warn("Failed to restore session log, starting empty", map[string]interface{}{
				"session_id": id.String(),
				"error":      err.Error(),
			})
		} else if len(ops) > 0 {
			n := s.Restore(ops)
			m.logger.Info("Restored session", map[string]interface{}{
				"session_id": id.String(),
				"operations": n,
			})
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		s.Close()
		return nil, ErrShuttingDown
	}
	s.Start()
	m.sessions[id] = &entry{session: s}
	m.metrics.RecordGauge("live_sessions", float64(len(m.sessions)), nil)
	return s, nil
}

// Release drops one reference to a session
func (m *Manager) Release(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	if m.cfg.IdleTimeout <= 0 {
		m.evict(id, e)
		return
	}
	if e.idle == nil {
		e.idle = time.AfterFunc(m.cfg.IdleTimeout, func() { m.expire(id, e) })
	}
}

func (m *Manager) expire(id uuid.UUID, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[id]; ok && cur == e && e.refs <= 0 {
		m.evict(id, e)
	}
}

// evict must be called with mu held
func (m *Manager) evict(id uuid.UUID, e *entry) {
	delete(m.sessions, id)
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	m.metrics.RecordGauge("live_sessions", float64(len(m.sessions)), nil)
	m.teardown.Add(1)
	go func() {
		defer m.teardown.Done()
		m.tearDown(e.session)
	}()
}

func (m *Manager) tearDown(s *Session) {
	s.Close()
	if m.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout)
	defer cancel()
	snap, err := s.Snapshot(ctx)
	if err == nil {
		err = m.persister.Persist(ctx, snap)
	}
	if err != nil {
		m.metrics.IncrementCounter("session_persist_errors_total", 1)
		m.logger.Error("Failed to persist session", map[string]interface{}{
			"session_id": s.ID().String(),
			"error":      err.Error(),
		})
		return
	}
	m.logger.Info("Session torn down", map[string]interface{}{
		"session_id": s.ID().String(),
		"operations": len(snap.Operations),
	})
}

// Lookup returns a live session without taking a reference
func (m *Manager) Lookup(id uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown tears down every session and waits for persistence to finish
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for id, e := range m.sessions {
		m.evict(id, e)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.teardown.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
