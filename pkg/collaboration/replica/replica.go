// Package replica is the per-user CRDT state machine: it owns the operation
// log, the vector clock and the projection, and keeps every replica that has
// seen the same operations on the same projection hash.
package replica

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/conflict"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/crdt"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/oplog"
	"github.com/developer-mesh/timeline-sync/pkg/observability"
)

// Defaults
const (
	DefaultRingSize        = 64
	DefaultCausalCacheSize = 4096
)

var (
	ErrInvalidTransition = errors.New("replica: invalid state transition")
	ErrUnknownConflict   = errors.New("replica: unknown conflict")
	ErrNothingToUndo     = errors.New("replica: nothing to undo")
	ErrForeignOperation  = errors.New("replica: operation was authored by another user")
)

// State is the connection state of a replica
type State int

const (
	Disconnected State = iota
	Syncing
	Live
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Syncing:
		return "syncing"
	case Live:
		return "live"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a replica
type Config struct {
	SessionID       operation.SessionID
	UserID          operation.UserID
	Factory         ProjectionFactory
	Strategy        conflict.Strategy
	MaxPending      int
	RingSize        int
	CausalCacheSize int
	Logger          observability.Logger
	Metrics         observability.MetricsClient
}

// ApplyOutcome is what ApplyRemote did with an operation
type ApplyOutcome int

const (
	Applied ApplyOutcome = iota
	Buffered
	Duplicate
)

func (o ApplyOutcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	default:
		return "duplicate"
	}
}

// ApplyResult reports the effect of a remote operation
type ApplyResult struct {
	Outcome   ApplyOutcome
	Delivered []operation.Operation
	Evicted   []operation.Operation
	Conflicts []conflict.Record
}

// MergeResult reports the effect of a merge. Resync is set when the remote
// clock claims operations that were not delivered.
type MergeResult struct {
	Delivered []operation.Operation
	Evicted   []operation.Operation
	Conflicts []conflict.Record
	Resync    bool
}

// Snapshot summarizes replica state
type Snapshot struct {
	SessionID  operation.SessionID     `json:"session_id"`
	UserID     operation.UserID        `json:"user_id"`
	State      string                  `json:"state"`
	Clock      crdt.VectorClock        `json:"vector_clock"`
	Frontier   []operation.OperationID `json:"frontier"`
	Hash       string                  `json:"hash"`
	Operations int                     `json:"operation_count"`
	Pending    int                     `json:"pending_count"`
	Outbox     int                     `json:"outbox_count"`
	Conflicts  int                     `json:"conflict_count"`
}

type undoEntry struct {
	opID    operation.OperationID
	inverse operation.Kind
}

// Replica is safe for concurrent use
type Replica struct {
	mu sync.Mutex

	sessionID operation.SessionID
	userID    operation.UserID
	factory   ProjectionFactory
	resolver  *conflict.Resolver
	ringSize  int
	logger    observability.Logger
	metrics   observability.MetricsClient

	state        State
	lamport      uint64
	log          *oplog.Log
	clock        crdt.VectorClock
	resyncNeeded bool

	projection Projection
	contexts   *lru.Cache[operation.OperationID, crdt.VectorClock]
	replay     *replayState

	records     map[uuid.UUID]*conflict.Record
	recordOrder []uuid.UUID

	outbox []operation.Operation
	undo   []undoEntry
}

// New creates a disconnected replica with an empty log
func New(cfg Config) (*Replica, error) {
	if cfg.Factory == nil {
		return nil, errors.New("replica: projection factory is required")
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.CausalCacheSize <= 0 {
		cfg.CausalCacheSize = DefaultCausalCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoopMetricsClient()
	}

	contexts, err := lru.New[operation.OperationID, crdt.VectorClock](cfg.CausalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("replica: causal cache: %w", err)
	}

	r := &Replica{
		sessionID:  cfg.SessionID,
		userID:     cfg.UserID,
		factory:    cfg.Factory,
		resolver:   conflict.NewResolver(cfg.Strategy),
		ringSize:   cfg.RingSize,
		logger:     cfg.Logger.With(map[string]interface{}{"session_id": cfg.SessionID.String(), "user_id": cfg.UserID.String()}),
		metrics:    cfg.Metrics,
		state:      Disconnected,
		log:        oplog.New(cfg.MaxPending, cfg.Logger),
		clock:      crdt.NewVectorClock(),
		projection: cfg.Factory(),
		contexts:   contexts,
		replay:     newReplayState(),
		records:    make(map[uuid.UUID]*conflict.Record),
	}
	return r, nil
}

// SessionID returns the session the replica belongs to
func (r *Replica) SessionID() operation.SessionID {
	return r.sessionID
}

// UserID returns the local user
func (r *Replica) UserID() operation.UserID {
	return r.userID
}

// State returns the connection state
func (r *Replica) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connect moves Disconnected to Syncing
func (r *Replica) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Disconnected {
		return fmt.Errorf("connect from %s: %w", r.state, ErrInvalidTransition)
	}
	r.state = Syncing
	return nil
}

// CompleteSync merges the sync backlog and moves Syncing to Live
func (r *Replica) CompleteSync(ops []operation.Operation, remoteClock crdt.VectorClock) (MergeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Syncing {
		return MergeResult{}, fmt.Errorf("complete sync from %s: %w", r.state, ErrInvalidTransition)
	}
	res := r.merge(ops, remoteClock)
	r.state = Live
	return res, nil
}

// Disconnect moves any state to Disconnected. The outbox is kept.
func (r *Replica) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Disconnected
}

// ApplyLocal creates, commits and projects a new operation. It never blocks
// on I/O; the operation waits in the outbox until acknowledged.
func (r *Replica) ApplyLocal(kind operation.Kind) (operation.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocal(kind, true)
}

func (r *Replica) applyLocal(kind operation.Kind, undoable bool) (operation.Operation, error) {
	if err := operation.ValidateKind(kind); err != nil {
		return operation.Operation{}, err
	}

	// Computed before the op is projected
	inverse, invErr := r.projection.Invert(kind)

	if m := r.clock.Max(); m > r.lamport {
		r.lamport = m
	}
	r.lamport++
	op := operation.CreateLocal(r.userID, kind, r.log.Frontier(), r.lamport)

	res := r.log.Insert(op)
	if res.Outcome != oplog.Applied {
		return operation.Operation{}, fmt.Errorf("replica: local operation %s was %s", op.ID, res.Outcome)
	}
	r.integrate(res.Delivered)

	r.outbox = append(r.outbox, op)
	if undoable {
		entry := undoEntry{opID: op.ID}
		if invErr == nil {
			entry.inverse = inverse
		}
		r.undo = append(r.undo, entry)
	}
	r.metrics.IncrementCounterWithLabels("operations_total", 1, map[string]string{"outcome": "local"})
	return op, nil
}

// ApplyRemote integrates an operation received from the session
func (r *Replica) ApplyRemote(op operation.Operation) ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyRemote(op)
}

func (r *Replica) applyRemote(op operation.Operation) ApplyResult {
	ins := r.log.Insert(op)
	res := ApplyResult{Delivered: ins.Delivered, Evicted: ins.Evicted}
	switch ins.Outcome {
	case oplog.AlreadyPresent:
		res.Outcome = Duplicate
	case oplog.Buffered:
		res.Outcome = Buffered
	default:
		res.Outcome = Applied
	}
	r.metrics.IncrementCounterWithLabels("operations_total", 1, map[string]string{"outcome": res.Outcome.String()})

	if len(ins.Delivered) > 0 {
		res.Conflicts = r.integrate(ins.Delivered)
	}
	return res
}

// Merge unions remote operations into the log and replays from scratch.
// Remote clock components not backed by delivered operations are withheld.
func (r *Replica) Merge(remoteOps []operation.Operation, remoteClock crdt.VectorClock) MergeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.merge(remoteOps, remoteClock)
}

func (r *Replica) merge(remoteOps []operation.Operation, remoteClock crdt.VectorClock) MergeResult {
	var res MergeResult
	for _, op := range remoteOps {
		ins := r.log.Insert(op)
		res.Evicted = append(res.Evicted, ins.Evicted...)
		for _, d := range ins.Delivered {
			r.observe(d)
			res.Delivered = append(res.Delivered, d)
		}
	}
	res.Conflicts = r.rebuild()

	r.resyncNeeded = !r.clock.Dominates(remoteClock) || r.log.PendingLen() > 0
	res.Resync = r.resyncNeeded
	if res.Resync {
		r.logger.Warn("Remote clock ahead of delivered operations", map[string]interface{}{
			"pending": r.log.PendingLen(),
			"missing": len(r.log.MissingParents()),
		})
	}
	return res
}

// NeedsResync reports whether the last merge left undelivered operations
func (r *Replica) NeedsResync() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resyncNeeded
}

// OperationsSince returns the committed delta above floor in replay order
func (r *Replica) OperationsSince(floor crdt.VectorClock) []operation.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.OperationsSince(floor)
}

// Operation returns a committed operation
func (r *Replica) Operation(id operation.OperationID) (operation.Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Get(id)
}

// Outbox returns the unacknowledged local operations in creation order
func (r *Replica) Outbox() []operation.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]operation.Operation(nil), r.outbox...)
}

// Acknowledge removes an operation from the outbox. It reports whether the
// operation was queued.
func (r *Replica) Acknowledge(id operation.OperationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, op := range r.outbox {
		if op.ID == id {
			r.outbox = append(r.outbox[:i], r.outbox[i+1:]...)
			return true
		}
	}
	return false
}

// RestoreLocal reloads persisted, unacknowledged local operations after a
// restart. They are committed and queued again.
func (r *Replica) RestoreLocal(ops []operation.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, op := range ops {
		if op.Author != r.userID {
			return fmt.Errorf("restore %s: %w", op.ID, ErrForeignOperation)
		}
	}
	sorted := append([]operation.Operation(nil), ops...)
	sortOperations(sorted)

	for _, op := range sorted {
		ins := r.log.Insert(op)
		if len(ins.Delivered) > 0 {
			r.integrate(ins.Delivered)
		}
		if op.Clock > r.lamport {
			r.lamport = op.Clock
		}
		if !r.inOutbox(op.ID) {
			r.outbox = append(r.outbox, op)
		}
	}
	return nil
}

func (r *Replica) inOutbox(id operation.OperationID) bool {
	for _, op := range r.outbox {
		if op.ID == id {
			return true
		}
	}
	return false
}

// Undo applies the inverse of the most recent local operation as a new
// operation
func (r *Replica) Undo() (operation.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.undo) == 0 {
		return operation.Operation{}, ErrNothingToUndo
	}
	entry := r.undo[len(r.undo)-1]
	r.undo = r.undo[:len(r.undo)-1]
	if entry.inverse == nil {
		return operation.Operation{}, fmt.Errorf("undo %s: %w", entry.opID, ErrNotInvertible)
	}
	return r.applyLocal(entry.inverse, false)
}

// Clock returns a copy of the vector clock
func (r *Replica) Clock() crdt.VectorClock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock.Clone()
}

// Frontier returns the current log frontier
func (r *Replica) Frontier() []operation.OperationID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Frontier()
}

// Hash returns the projection hash
func (r *Replica) Hash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.projection.Hash()
}

// Projection passes the projection to fn while holding the replica lock.
// fn must not retain or mutate it.
func (r *Replica) Projection(fn func(Projection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.projection)
}

// Len returns the number of committed operations
func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Len()
}

// Snapshot summarizes the replica
func (r *Replica) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		SessionID:  r.sessionID,
		UserID:     r.userID,
		State:      r.state.String(),
		Clock:      r.clock.Clone(),
		Frontier:   r.log.Frontier(),
		Hash:       r.projection.Hash(),
		Operations: r.log.Len(),
		Pending:    r.log.PendingLen(),
		Outbox:     len(r.outbox),
		Conflicts:  len(r.recordOrder),
	}
}

func (r *Replica) observe(op operation.Operation) {
	r.clock.Observe(op.Author, op.Clock)
	if op.Clock > r.lamport {
		r.lamport = op.Clock
	}
}
