// Package session holds the live state of each collaborative session. A
// session is an actor: its log, clock, presence table and peer set are
// owned by one goroutine and changed only by commands sent over a bounded
// channel.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/conflict"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/crdt"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/presence"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/replica"
	"github.com/developer-mesh/timeline-sync/pkg/observability"
	"github.com/developer-mesh/timeline-sync/pkg/protocol"
)

var (
	// ErrClosed is returned for commands sent to a stopped session
	ErrClosed = errors.New("session: closed")
	// ErrNotJoined is returned when a peer sends before connect or sync_request
	ErrNotJoined = errors.New("session: peer has not joined")
)

// OperationStore persists accepted operations in delivery order
type OperationStore interface {
	Append(ctx context.Context, sessionID uuid.UUID, ops ...operation.Operation) error
}

// Config configures a session
type Config struct {
	Factory         replica.ProjectionFactory
	Strategy        conflict.Strategy
	MaxPending      int
	RingSize        int
	CausalCacheSize int
	QueueSize       int
	PresenceTTL     time.Duration
	PresenceRetain  time.Duration
	SweepInterval   time.Duration
	StoreTimeout    time.Duration
}

// DefaultConfig returns the server defaults for the timeline projection
func DefaultConfig(factory replica.ProjectionFactory) Config {
	return Config{
		Factory:        factory,
		Strategy:       conflict.LastWriteWinsStrategy(),
		MaxPending:     1000,
		QueueSize:      256,
		PresenceTTL:    presence.DefaultTTL,
		PresenceRetain: presence.DefaultRetain,
		SweepInterval:  5 * time.Second,
		StoreTimeout:   2 * time.Second,
	}
}

// Snapshot is the persistent summary of a session
type Snapshot struct {
	SessionID    uuid.UUID
	Hash         string
	Clock        crdt.VectorClock
	Document     json.RawMessage
	Participants []uuid.UUID
	Operations   []operation.Operation
}

// Session is a live collaboration session
type Session struct {
	id       uuid.UUID
	cfg      Config
	replica  *replica.Replica
	presence *presence.Tracker
	store    OperationStore
	logger   observability.Logger
	metrics  observability.MetricsClient

	// owned by the actor goroutine
	peers map[uuid.UUID]Peer

	ctx      context.Context
	cancel   context.CancelFunc
	commands chan func()
	done     chan struct{}
	start    sync.Once
	stop     sync.Once
}

// New creates a stopped session. store may be nil.
func New(id uuid.UUID, cfg Config, store OperationStore, logger observability.Logger, metrics observability.MetricsClient) (*Session, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	logger = logger.With(map[string]interface{}{"session_id": id.String()})

	r, err := replica.New(replica.Config{
		SessionID:       id,
		Factory:         cfg.Factory,
		Strategy:        cfg.Strategy,
		MaxPending:      cfg.MaxPending,
		RingSize:        cfg.RingSize,
		CausalCacheSize: cfg.CausalCacheSize,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       id,
		cfg:      cfg,
		replica:  r,
		presence: presence.NewTracker(id, presence.Config{TTL: cfg.PresenceTTL, Retain: cfg.PresenceRetain}),
		store:    store,
		logger:   logger,
		metrics:  metrics,
		peers:    make(map[uuid.UUID]Peer),
		ctx:      ctx,
		cancel:   cancel,
		commands: make(chan func(), cfg.QueueSize),
		done:     make(chan struct{}),
	}, nil
}

// ID returns the session id
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Restore replays persisted operations. It must be called before Start.
func (s *Session) Restore(ops []operation.Operation) int {
	res := s.replica.Merge(ops, crdt.NewVectorClock())
	if len(res.Evicted) > 0 || s.replica.NeedsResync() {
		s.logger.Warn("Restored log is incomplete", map[string]interface{}{
			"restored": len(res.Delivered),
			"evicted":  len(res.Evicted),
		})
	}
	return len(res.Delivered)
}

// Start launches the actor goroutine
func (s *Session) Start() {
	s.start.Do(func() {
		go s.run()
	})
}

// Close stops the actor and closes every remaining peer. It waits for the
// actor to exit.
func (s *Session) Close() {
	s.start.Do(func() { close(s.done) })
	s.stop.Do(s.cancel)
	<-s.done
}

// Done is closed once the actor has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			for id, p := range s.peers {
				p.Close(protocol.ErrCodeServerError, "session closed")
				delete(s.peers, id)
			}
			return
		case fn := <-s.commands:
			fn()
		case <-ticker.C:
			s.broadcastPresence(uuid.Nil, s.presence.Sweep())
		}
	}
}

// do runs fn on the actor and waits for it to finish
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.commands <- cmd:
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect joins p and replies with connected carrying everything above the
// client's clock
func (s *Session) Connect(ctx context.Context, p Peer, hello protocol.Connect) error {
	return s.do(ctx, func() {
		s.join(p)
		reply := protocol.Connected{
			UserID:       p.User().ID,
			Backlog:      s.replica.OperationsSince(hello.VectorClock),
			VectorClock:  s.replica.Clock(),
			Session:      s.info(),
			Participants: s.participants(),
		}
		if err := p.Send(s.ctx, reply); err != nil {
			s.drop(p, err)
			return
		}
		s.logger.Info("Peer connected", map[string]interface{}{
			"user_id": p.User().ID.String(),
			"backlog": len(reply.Backlog),
		})
		s.pullIfAhead(p, hello.VectorClock)
	})
}

// Sync answers sync_request. A peer that reconnects with sync_request joins
// implicitly.
func (s *Session) Sync(ctx context.Context, p Peer, req protocol.SyncRequest) error {
	return s.do(ctx, func() {
		if _, ok := s.peers[p.ID()]; !ok {
			s.join(p)
		}
		reply := protocol.SyncResponse{
			Operations:  s.replica.OperationsSince(req.Since),
			VectorClock: s.replica.Clock(),
		}
		if err := p.Send(s.ctx, reply); err != nil {
			s.drop(p, err)
			return
		}
		s.pullIfAhead(p, req.Since)
	})
}

// pullIfAhead asks p for its log when its clock covers operations the
// session never received, as after a restart without a durable log
func (s *Session) pullIfAhead(p Peer, clock crdt.VectorClock) {
	local := s.replica.Clock()
	for author, v := range clock {
		if v > local.Get(author) {
			if err := p.Send(s.ctx, protocol.SyncRequest{Since: local}); err != nil {
				s.drop(p, err)
			}
			return
		}
	}
}

// Submit accepts an operation from p, acks it and fans out whatever became
// deliverable
func (s *Session) Submit(ctx context.Context, p Peer, op operation.Operation) error {
	var result error
	err := s.do(ctx, func() {
		if _, ok := s.peers[p.ID()]; !ok {
			result = ErrNotJoined
			return
		}
		res := s.replica.ApplyRemote(op)
		s.metrics.IncrementCounterWithLabels("session_operations_total", 1, map[string]string{"outcome": res.Outcome.String()})
		if err := p.Send(s.ctx, protocol.OperationAck{OpID: op.ID}); err != nil {
			s.drop(p, err)
		}
		s.commit(res.Delivered, res.Conflicts)
		s.requestFrom(res.Evicted)
	})
	if err != nil {
		return err
	}
	return result
}

// Merge integrates a sync_response sent by p
func (s *Session) Merge(ctx context.Context, p Peer, resp protocol.SyncResponse) error {
	var result error
	err := s.do(ctx, func() {
		if _, ok := s.peers[p.ID()]; !ok {
			result = ErrNotJoined
			return
		}
		res := s.replica.Merge(resp.Operations, resp.VectorClock)
		s.commit(res.Delivered, res.Conflicts)
		s.requestFrom(res.Evicted)
	})
	if err != nil {
		return err
	}
	return result
}

// Presence records a presence update from p and relays it to the others
func (s *Session) Presence(ctx context.Context, p Peer, u presence.Update) error {
	var result error
	err := s.do(ctx, func() {
		if _, ok := s.peers[p.ID()]; !ok {
			result = ErrNotJoined
			return
		}
		updates, err := s.presence.Apply(p.User().ID, u)
		if err != nil {
			result = err
			return
		}
		s.broadcastPresence(p.User().ID, updates)
	})
	if err != nil {
		return err
	}
	return result
}

// Leave removes p. The user leaves the presence table once their last
// connection is gone.
func (s *Session) Leave(ctx context.Context, p Peer) error {
	return s.do(ctx, func() {
		if _, ok := s.peers[p.ID()]; !ok {
			return
		}
		s.remove(p)
		s.logger.Info("Peer left", map[string]interface{}{"user_id": p.User().ID.String()})
	})
}

// Info summarizes the session
func (s *Session) Info(ctx context.Context) (protocol.SessionInfo, error) {
	var info protocol.SessionInfo
	err := s.do(ctx, func() { info = s.info() })
	return info, err
}

// Snapshot captures the session for persistence
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() { snap = s.snapshot() })
	if errors.Is(err, ErrClosed) {
		// replica reads are safe without the actor
		return s.snapshot(), nil
	}
	return snap, err
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:  s.id,
		Hash:       s.replica.Hash(),
		Clock:      s.replica.Clock(),
		Operations: s.replica.OperationsSince(crdt.NewVectorClock()),
	}
	s.replica.Projection(func(p replica.Projection) {
		data, err := json.Marshal(p)
		if err != nil {
			s.logger.Warn("Projection is not serializable", map[string]interface{}{"error": err.Error()})
			return
		}
		snap.Document = data
	})
	seen := make(map[uuid.UUID]bool)
	for _, op := range snap.Operations {
		if !seen[op.Author] {
			seen[op.Author] = true
			snap.Participants = append(snap.Participants, op.Author)
		}
	}
	operation.SortIDs(snap.Participants)
	return snap
}

func (s *Session) info() protocol.SessionInfo {
	users := s.participants()
	return protocol.SessionInfo{
		SessionID:      s.id,
		UserCount:      len(users),
		OperationCount: s.replica.Len(),
		Participants:   users,
		Hash:           s.replica.Hash(),
	}
}

// participants lists connected users once each, sorted by id
func (s *Session) participants() []presence.User {
	byID := make(map[uuid.UUID]presence.User, len(s.peers))
	for _, p := range s.peers {
		byID[p.User().ID] = p.User()
	}
	users := make([]presence.User, 0, len(byID))
	for _, u := range byID {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return operation.CompareIDs(users[i].ID, users[j].ID) < 0 })
	return users
}

func (s *Session) join(p Peer) {
	s.peers[p.ID()] = p
	s.broadcastPresence(p.User().ID, s.presence.Join(p.User()))
	s.metrics.RecordGauge("session_peers", float64(len(s.peers)), map[string]string{"session_id": s.id.String()})
}

func (s *Session) remove(p Peer) {
	delete(s.peers, p.ID())
	s.metrics.RecordGauge("session_peers", float64(len(s.peers)), map[string]string{"session_id": s.id.String()})
	for _, other := range s.peers {
		if other.User().ID == p.User().ID {
			return
		}
	}
	if u, ok := s.presence.Leave(p.User().ID); ok {
		s.broadcastPresence(p.User().ID, []presence.Update{u})
	}
}

// drop removes a peer whose send failed and closes it
func (s *Session) drop(p Peer, cause error) {
	if _, ok := s.peers[p.ID()]; !ok {
		return
	}
	s.logger.Warn("Dropping unresponsive peer", map[string]interface{}{
		"user_id": p.User().ID.String(),
		"error":   cause.Error(),
	})
	s.metrics.IncrementCounter("session_peers_dropped_total", 1)
	s.remove(p)
	p.Close(protocol.ErrCodeServerError, "send queue exhausted")
}

// commit stores and fans out delivered operations in delivery order. An
// operation is never sent back to its author.
func (s *Session) commit(delivered []operation.Operation, records []conflict.Record) {
	for _, rec := range records {
		s.metrics.IncrementCounterWithLabels("session_conflicts_total", 1, map[string]string{"class": string(rec.Class)})
	}
	if len(delivered) == 0 {
		return
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.StoreTimeout)
		err := s.store.Append(ctx, s.id, delivered...)
		cancel()
		if err != nil {
			s.metrics.IncrementCounter("session_store_errors_total", 1)
			s.logger.Warn("Failed to persist operations", map[string]interface{}{
				"count": len(delivered),
				"error": err.Error(),
			})
		}
	}

	stop := s.metrics.StartTimer("session_fanout_seconds", nil)
	defer stop()
	for _, op := range delivered {
		msg := protocol.OperationMessage{Op: op}
		for _, p := range s.peers {
			if p.User().ID == op.Author {
				continue
			}
			if err := p.Send(s.ctx, msg); err != nil {
				s.drop(p, err)
			}
		}
	}
}

// requestFrom asks the authors of evicted operations to resend their log
func (s *Session) requestFrom(evicted []operation.Operation) {
	if len(evicted) == 0 {
		return
	}
	authors := make(map[uuid.UUID]bool, len(evicted))
	for _, op := range evicted {
		authors[op.Author] = true
	}
	req := protocol.SyncRequest{Since: s.replica.Clock()}
	for _, p := range s.peers {
		if !authors[p.User().ID] {
			continue
		}
		if err := p.Send(s.ctx, req); err != nil {
			s.drop(p, err)
		}
	}
	s.logger.Warn("Evicted orphaned operations", map[string]interface{}{"count": len(evicted)})
}

// broadcastPresence relays updates to every peer except those of from
func (s *Session) broadcastPresence(from uuid.UUID, updates []presence.Update) {
	for _, u := range updates {
		for _, p := range s.peers {
			if p.User().ID == from {
				continue
			}
			p.SendPresence(u)
		}
	}
}
