package replica

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/conflict"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
)

// Conflicts returns every recorded conflict in detection order
func (r *Replica) Conflicts() []conflict.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conflicts(false)
}

// OpenConflicts returns the conflicts not yet acknowledged
func (r *Replica) OpenConflicts() []conflict.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conflicts(true)
}

func (r *Replica) conflicts(openOnly bool) []conflict.Record {
	out := make([]conflict.Record, 0, len(r.recordOrder))
	for _, id := range r.recordOrder {
		rec := r.records[id]
		if openOnly && rec.Acknowledged {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// AcknowledgeConflict hides a conflict record
func (r *Replica) AcknowledgeConflict(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acknowledgeConflict(id)
}

func (r *Replica) acknowledgeConflict(id uuid.UUID) error {
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("acknowledge %s: %w", id, ErrUnknownConflict)
	}
	rec.Acknowledged = true
	return nil
}

// ResolveConflict settles a conflict with a new local operation. Its parents
// are the current frontier, so it follows both conflicting operations.
func (r *Replica) ResolveConflict(id uuid.UUID, kind operation.Kind) (operation.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return operation.Operation{}, fmt.Errorf("resolve %s: %w", id, ErrUnknownConflict)
	}
	op, err := r.applyLocal(kind, true)
	if err != nil {
		return operation.Operation{}, err
	}
	return op, r.acknowledgeConflict(id)
}
