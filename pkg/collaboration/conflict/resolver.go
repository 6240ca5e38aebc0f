package conflict

import (
	"sort"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/crdt"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
)

// Class is the kind of conflict between concurrent operations
type Class string

const (
	ClassNone             Class = ""
	ClassDuplicateDelete  Class = "duplicate_delete"
	ClassDeleteVsEdit     Class = "delete_vs_edit"
	ClassConcurrentEdit   Class = "concurrent_edit"
	ClassConcurrentCreate Class = "concurrent_create"
	ClassStructural       Class = "structural"
)

// Resolution is the outcome of resolving a set of concurrent operations.
// Winner is the nil id when the resolution is manual.
type Resolution struct {
	Class      Class                   `json:"class"`
	Strategy   StrategyKind            `json:"strategy"`
	Winner     operation.OperationID   `json:"winner,omitempty"`
	Manual     bool                    `json:"manual"`
	Suppressed []operation.OperationID `json:"suppressed,omitempty"`
}

// Conflicting reports whether the candidates conflict at all
func (r Resolution) Conflicting() bool {
	return r.Class != ClassNone
}

// Flagged reports whether the conflict is exposed as a record
func (r Resolution) Flagged() bool {
	return r.Class != ClassNone && r.Class != ClassDuplicateDelete
}

// Resolver is pure: the same candidates always produce the same resolution
type Resolver struct {
	strategy Strategy
}

// NewResolver creates a resolver for strategy
func NewResolver(strategy Strategy) *Resolver {
	if strategy.Kind == "" {
		strategy = LastWriteWinsStrategy()
	}
	return &Resolver{strategy: strategy}
}

// Strategy returns the configured strategy
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Resolve classifies mutually concurrent candidates that touch entity and
// decides which of them are suppressed on replay.
func (r *Resolver) Resolve(candidates []operation.Operation, entity operation.Entity) Resolution {
	if len(candidates) < 2 {
		return Resolution{}
	}
	ops := append([]operation.Operation(nil), candidates...)
	sort.Slice(ops, func(i, j int) bool { return ops[i].Less(ops[j]) })

	var deletes, dependents, creates, membership []operation.Operation
	edits := make(map[string][]operation.Operation)
	for _, op := range ops {
		for _, t := range op.Kind.Targets() {
			if t.Entity != entity {
				continue
			}
			switch t.Effect {
			case operation.EffectDelete:
				deletes = append(deletes, op)
			case operation.EffectEdit:
				edits[t.Property] = append(edits[t.Property], op)
				dependents = append(dependents, op)
			case operation.EffectReference:
				dependents = append(dependents, op)
			case operation.EffectCreate:
				creates = append(creates, op)
			case operation.EffectMembership:
				membership = append(membership, op)
			}
		}
	}

	switch {
	case len(deletes) > 0 && len(dependents) > 0:
		return Resolution{
			Class:      ClassDeleteVsEdit,
			Strategy:   r.strategy.Kind,
			Winner:     deletes[0].ID,
			Suppressed: uniqueIDs(dependents),
		}
	case len(deletes) > 1:
		return Resolution{
			Class:    ClassDuplicateDelete,
			Strategy: r.strategy.Kind,
			Winner:   deletes[0].ID,
		}
	case entity.Type == operation.EntityTracks && len(edits["order"]) > 0 && len(membership) > 0:
		return Resolution{Class: ClassStructural, Strategy: r.strategy.Kind, Manual: true}
	case len(creates) > 1:
		return r.pick(ClassConcurrentCreate, creates)
	}

	for _, group := range edits {
		if len(group) == len(ops) {
			return r.pick(ClassConcurrentEdit, group)
		}
	}
	return Resolution{}
}

// pick applies the strategy to competing writes of the same value
func (r *Resolver) pick(class Class, ops []operation.Operation) Resolution {
	res := Resolution{Class: class, Strategy: r.strategy.Kind}
	if r.strategy.Kind == Manual {
		res.Manual = true
		return res
	}

	winner := lastWriter(ops)
	if r.strategy.Kind == UserPriority {
		best := r.strategy.rank(winner.Author)
		for _, op := range ops {
			if rank := r.strategy.rank(op.Author); rank < best {
				best = rank
			}
		}
		var ranked []operation.Operation
		for _, op := range ops {
			if r.strategy.rank(op.Author) == best {
				ranked = append(ranked, op)
			}
		}
		winner = lastWriter(ranked)
	}

	res.Winner = winner.ID
	for _, op := range ops {
		if op.ID != winner.ID {
			res.Suppressed = append(res.Suppressed, op.ID)
		}
	}
	return res
}

func lastWriter(ops []operation.Operation) operation.Operation {
	register := crdt.NewLWWRegister[operation.Operation]()
	for _, op := range ops {
		register.Set(op, op.Stamp())
	}
	winner, _ := register.Get()
	return winner
}

func uniqueIDs(ops []operation.Operation) []operation.OperationID {
	ids := make([]operation.OperationID, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	return operation.SortedIDs(ids)
}
