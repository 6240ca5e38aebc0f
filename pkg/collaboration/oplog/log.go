// Package oplog is the append-only causal operation log. Operations are
// committed only once every parent is present; the rest wait in a bounded
// pending buffer and are delivered as their parents arrive.
package oplog

import (
	"container/list"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/observability"
)

// DefaultMaxPending bounds the pending buffer
const DefaultMaxPending = 1024

// Outcome is what Insert did with an operation
type Outcome int

const (
	// Applied means the operation and any unblocked dependents were committed
	Applied Outcome = iota
	// AlreadyPresent means the id was already committed
	AlreadyPresent
	// Buffered means at least one parent is missing
	Buffered
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyPresent:
		return "already_present"
	default:
		return "buffered"
	}
}

// InsertResult reports the effect of one Insert call
type InsertResult struct {
	Outcome Outcome
	// Delivered holds every operation committed by the call, in commit order
	Delivered []operation.Operation
	// Evicted holds buffered operations dropped because the buffer overflowed
	Evicted []operation.Operation
}

type pendingEntry struct {
	op      operation.Operation
	missing int
	elem    *list.Element
}

// Log is not safe for concurrent use. The owning replica serializes access.
type Log struct {
	ops        map[operation.OperationID]operation.Operation
	frontier   map[operation.OperationID]struct{}
	pending    map[operation.OperationID]*pendingEntry
	waiting    map[operation.OperationID][]operation.OperationID
	arrivals   *list.List
	maxPending int
	logger     observability.Logger
}

// New creates an empty log. A non-positive maxPending uses DefaultMaxPending.
func New(maxPending int, logger observability.Logger) *Log {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Log{
		ops:        make(map[operation.OperationID]operation.Operation),
		frontier:   make(map[operation.OperationID]struct{}),
		pending:    make(map[operation.OperationID]*pendingEntry),
		waiting:    make(map[operation.OperationID][]operation.OperationID),
		arrivals:   list.New(),
		maxPending: maxPending,
		logger:     logger,
	}
}

// Insert adds op to the log, delivering it and any dependents whose parents
// are now all present.
func (l *Log) Insert(op operation.Operation) InsertResult {
	if _, ok := l.ops[op.ID]; ok {
		return InsertResult{Outcome: AlreadyPresent}
	}
	if _, ok := l.pending[op.ID]; ok {
		return InsertResult{Outcome: Buffered}
	}

	missing := l.missingParents(op)
	if len(missing) == 0 {
		return InsertResult{Outcome: Applied, Delivered: l.deliver(op)}
	}

	entry := &pendingEntry{op: op, missing: len(missing)}
	entry.elem = l.arrivals.PushBack(op.ID)
	l.pending[op.ID] = entry
	for _, p := range missing {
		l.waiting[p] = append(l.waiting[p], op.ID)
	}

	l.logger.Warn("Buffering operation with missing parents", map[string]interface{}{
		"operation_id": op.ID.String(),
		"author":       op.Author.String(),
		"missing":      len(missing),
	})

	return InsertResult{Outcome: Buffered, Evicted: l.evictOverflow()}
}

func (l *Log) missingParents(op operation.Operation) []operation.OperationID {
	var missing []operation.OperationID
	seen := make(map[operation.OperationID]struct{}, len(op.Parents))
	for _, p := range op.Parents {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, ok := l.ops[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// deliver commits op and cascades through the waiting operations it unblocks
func (l *Log) deliver(op operation.Operation) []operation.Operation {
	var delivered []operation.Operation
	queue := []operation.Operation{op}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		l.commit(next)
		delivered = append(delivered, next)

		for _, childID := range l.waiting[next.ID] {
			entry, ok := l.pending[childID]
			if !ok {
				continue
			}
			entry.missing--
			if entry.missing == 0 {
				l.dropPending(childID)
				queue = append(queue, entry.op)
			}
		}
		delete(l.waiting, next.ID)
	}
	return delivered
}

func (l *Log) commit(op operation.Operation) {
	l.ops[op.ID] = op
	for _, p := range op.Parents {
		delete(l.frontier, p)
	}
	l.frontier[op.ID] = struct{}{}
}

func (l *Log) dropPending(id operation.OperationID) *pendingEntry {
	entry, ok := l.pending[id]
	if !ok {
		return nil
	}
	l.arrivals.Remove(entry.elem)
	delete(l.pending, id)
	return entry
}

// evictOverflow drops the oldest buffered entries until the buffer fits
func (l *Log) evictOverflow() []operation.Operation {
	var evicted []operation.Operation
	for len(l.pending) > l.maxPending {
		front := l.arrivals.Front()
		if front == nil {
			break
		}
		id := front.Value.(operation.OperationID)
		entry := l.dropPending(id)
		for _, p := range l.missingParents(entry.op) {
			l.waiting[p] = removeID(l.waiting[p], id)
			if len(l.waiting[p]) == 0 {
				delete(l.waiting, p)
			}
		}
		evicted = append(evicted, entry.op)
		l.logger.Warn("Evicted buffered operation", map[string]interface{}{
			"operation_id": id.String(),
			"author":       entry.op.Author.String(),
		})
	}
	return evicted
}

// Get returns a committed operation
func (l *Log) Get(id operation.OperationID) (operation.Operation, bool) {
	op, ok := l.ops[id]
	return op, ok
}

// Contains reports whether id is committed
func (l *Log) Contains(id operation.OperationID) bool {
	_, ok := l.ops[id]
	return ok
}

// IsPending reports whether id is waiting in the buffer
func (l *Log) IsPending(id operation.OperationID) bool {
	_, ok := l.pending[id]
	return ok
}

// Len returns the number of committed operations
func (l *Log) Len() int {
	return len(l.ops)
}

// PendingLen returns the number of buffered operations
func (l *Log) PendingLen() int {
	return len(l.pending)
}

// Frontier returns the committed operations with no committed descendant,
// sorted by id.
func (l *Log) Frontier() []operation.OperationID {
	ids := make([]operation.OperationID, 0, len(l.frontier))
	for id := range l.frontier {
		ids = append(ids, id)
	}
	operation.SortIDs(ids)
	return ids
}

// MissingParents returns the sorted ids that buffered operations wait on
// and that are not themselves buffered.
func (l *Log) MissingParents() []operation.OperationID {
	ids := make([]operation.OperationID, 0, len(l.waiting))
	for id := range l.waiting {
		if _, buffered := l.pending[id]; buffered {
			continue
		}
		ids = append(ids, id)
	}
	operation.SortIDs(ids)
	return ids
}

// Pending returns the buffered operations, oldest first
func (l *Log) Pending() []operation.Operation {
	ops := make([]operation.Operation, 0, len(l.pending))
	for e := l.arrivals.Front(); e != nil; e = e.Next() {
		ops = append(ops, l.pending[e.Value.(operation.OperationID)].op)
	}
	return ops
}

func removeID(ids []operation.OperationID, id operation.OperationID) []operation.OperationID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
