package replica

import (
	"sort"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/conflict"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/crdt"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
)

// replayState is derived entirely from the committed log: the replay order,
// the recent operations per entity and the suppressed losers.
type replayState struct {
	order      []operation.OperationID
	last       *operation.Operation
	rings      map[operation.Entity]*ring
	suppressed map[operation.OperationID]struct{}
}

func newReplayState() *replayState {
	return &replayState{
		rings:      make(map[operation.Entity]*ring),
		suppressed: make(map[operation.OperationID]struct{}),
	}
}

func (st *replayState) isSuppressed(id operation.OperationID) bool {
	_, ok := st.suppressed[id]
	return ok
}

func (st *replayState) push(op operation.Operation, ringSize int) {
	st.order = append(st.order, op.ID)
	last := op
	st.last = &last
	for _, e := range entitiesOf(op) {
		g, ok := st.rings[e]
		if !ok {
			g = newRing(ringSize)
			st.rings[e] = g
		}
		g.push(ringEntry{id: op.ID, stamp: op.Stamp()})
	}
}

type ringEntry struct {
	id    operation.OperationID
	stamp crdt.Stamp
}

// ring holds the most recent operations touching one entity. Entries pushed
// out raise floor, so a context that does not dominate floor may be
// concurrent with an entry no longer in the ring.
type ring struct {
	entries []ringEntry
	next    int
	floor   crdt.VectorClock
}

func newRing(size int) *ring {
	return &ring{entries: make([]ringEntry, 0, size), floor: crdt.NewVectorClock()}
}

func (g *ring) push(e ringEntry) {
	if len(g.entries) < cap(g.entries) {
		g.entries = append(g.entries, e)
		return
	}
	old := g.entries[g.next]
	g.floor.Observe(old.stamp.Author, old.stamp.Clock)
	g.entries[g.next] = e
	g.next = (g.next + 1) % len(g.entries)
}

type conflictPair struct {
	ops        []operation.OperationID
	entity     operation.Entity
	resolution conflict.Resolution
}

// integrate projects newly delivered operations. Operations that sort last
// and do not overturn an applied operation are applied directly; anything
// else triggers a deterministic rebuild.
func (r *Replica) integrate(delivered []operation.Operation) []conflict.Record {
	var fresh []conflict.Record
	rebuild := false
	for _, op := range delivered {
		r.observe(op)
		if rebuild {
			continue
		}
		records, ok := r.appendFast(op)
		if !ok {
			rebuild = true
			continue
		}
		fresh = append(fresh, records...)
	}
	if rebuild {
		fresh = append(fresh, r.rebuild()...)
	}
	return fresh
}

func (r *Replica) appendFast(op operation.Operation) ([]conflict.Record, bool) {
	st := r.replay
	if st.last != nil && !st.last.Less(op) {
		return nil, false
	}

	pairs := r.detect(op, st)
	for _, p := range pairs {
		for _, id := range p.resolution.Suppressed {
			if id != op.ID && !st.isSuppressed(id) {
				return nil, false
			}
		}
	}

	records := r.register(pairs, st)
	st.push(op, r.ringSize)
	if !st.isSuppressed(op.ID) {
		r.project(r.projection, op)
	}
	return records, true
}

// rebuild replays the whole log into a fresh projection
func (r *Replica) rebuild() []conflict.Record {
	st := newReplayState()
	ordered := r.log.All()

	var fresh []conflict.Record
	for _, op := range ordered {
		fresh = append(fresh, r.register(r.detect(op, st), st)...)
		st.push(op, r.ringSize)
	}

	projection := r.factory()
	for _, op := range ordered {
		if !st.isSuppressed(op.ID) {
			r.project(projection, op)
		}
	}

	r.projection = projection
	r.replay = st
	r.metrics.IncrementCounter("projection_rebuilds_total", 1)
	return fresh
}

func (r *Replica) project(p Projection, op operation.Operation) {
	if err := p.Apply(op.Kind); err != nil {
		r.logger.Debug("Operation projected as a no-op", map[string]interface{}{
			"operation_id": op.ID.String(),
			"kind":         op.Kind.Type(),
			"error":        err.Error(),
		})
	}
}

// detect finds the operations already in st that are concurrent with op on
// a shared entity and classifies each pair
func (r *Replica) detect(op operation.Operation, st *replayState) []conflictPair {
	ctx := r.contextOf(op)
	var pairs []conflictPair

	for _, e := range entitiesOf(op) {
		g, ok := st.rings[e]
		if !ok {
			continue
		}

		var candidates []operation.OperationID
		inRing := make(map[operation.OperationID]struct{}, len(g.entries))
		for _, entry := range g.entries {
			inRing[entry.id] = struct{}{}
			if ctx.Get(entry.stamp.Author) < entry.stamp.Clock {
				candidates = append(candidates, entry.id)
			}
		}

		if !ctx.Dominates(g.floor) {
			for _, id := range st.order {
				if _, seen := inRing[id]; seen {
					continue
				}
				other, ok := r.log.Get(id)
				if !ok || !touches(other, e) {
					continue
				}
				if ctx.Get(other.Author) < other.Clock {
					candidates = append(candidates, id)
				}
			}
		}

		for _, id := range candidates {
			other, ok := r.log.Get(id)
			if !ok {
				continue
			}
			res := r.resolver.Resolve([]operation.Operation{other, op}, e)
			if !res.Conflicting() {
				continue
			}
			pairs = append(pairs, conflictPair{
				ops:        []operation.OperationID{other.ID, op.ID},
				entity:     e,
				resolution: res,
			})
		}
	}
	return pairs
}

// register marks losers suppressed and records flagged conflicts. It
// returns only records not seen before.
func (r *Replica) register(pairs []conflictPair, st *replayState) []conflict.Record {
	var fresh []conflict.Record
	for _, p := range pairs {
		for _, id := range p.resolution.Suppressed {
			st.suppressed[id] = struct{}{}
		}
		if !p.resolution.Flagged() {
			continue
		}
		rec := conflict.NewRecord(p.ops, p.entity, p.resolution)
		if _, known := r.records[rec.ID]; known {
			continue
		}
		r.records[rec.ID] = &rec
		r.recordOrder = append(r.recordOrder, rec.ID)
		fresh = append(fresh, rec)

		r.metrics.IncrementCounterWithLabels("conflicts_total", 1, map[string]string{"class": string(rec.Class)})
		r.logger.Info("Conflict detected", map[string]interface{}{
			"conflict_id": rec.ID.String(),
			"class":       string(rec.Class),
			"target":      rec.Target.String(),
			"manual":      rec.Resolution.Manual,
		})
	}
	return fresh
}

// contextOf returns the causal context of a committed operation: the merge
// of its parents' contexts plus its own stamp. Cache misses are filled
// iteratively from the parents. Every context the walk reads is pinned in
// local, since Adds during the walk may evict it from the cache.
func (r *Replica) contextOf(op operation.Operation) crdt.VectorClock {
	if ctx, ok := r.contexts.Get(op.ID); ok {
		return ctx
	}

	local := make(map[operation.OperationID]crdt.VectorClock)
	lookup := func(id operation.OperationID) (crdt.VectorClock, bool) {
		if ctx, ok := local[id]; ok {
			return ctx, true
		}
		ctx, ok := r.contexts.Peek(id)
		if ok {
			local[id] = ctx
		}
		return ctx, ok
	}

	type frame struct {
		op       operation.Operation
		expanded bool
	}
	stack := []frame{{op: op}}
	for len(stack) > 0 {
		top := len(stack) - 1
		current := stack[top].op
		if _, done := lookup(current.ID); done {
			stack = stack[:top]
			continue
		}

		if !stack[top].expanded {
			stack[top].expanded = true
			for _, p := range current.Parents {
				if _, done := lookup(p); done {
					continue
				}
				if parent, ok := r.log.Get(p); ok {
					stack = append(stack, frame{op: parent})
				}
			}
			continue
		}

		ctx := crdt.NewVectorClock()
		for _, p := range current.Parents {
			if pc, ok := lookup(p); ok {
				ctx.Update(pc)
			}
		}
		ctx.Observe(current.Author, current.Clock)
		local[current.ID] = ctx
		r.contexts.Add(current.ID, ctx)
		stack = stack[:top]
	}
	return local[op.ID]
}

func entitiesOf(op operation.Operation) []operation.Entity {
	var entities []operation.Entity
	for _, t := range op.Kind.Targets() {
		dup := false
		for _, e := range entities {
			if e == t.Entity {
				dup = true
				break
			}
		}
		if !dup {
			entities = append(entities, t.Entity)
		}
	}
	return entities
}

func touches(op operation.Operation, e operation.Entity) bool {
	for _, t := range op.Kind.Targets() {
		if t.Entity == e {
			return true
		}
	}
	return false
}

func sortOperations(ops []operation.Operation) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].Less(ops[j]) })
}
