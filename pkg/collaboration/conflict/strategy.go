// Package conflict classifies concurrent operations that touch the same
// entity and picks winners according to a resolution strategy.
package conflict

import (
	"fmt"

	"github.com/google/uuid"
)

// StrategyKind names a resolution strategy
type StrategyKind string

const (
	LastWriteWins StrategyKind = "last_write_wins"
	UserPriority  StrategyKind = "user_priority"
	Manual        StrategyKind = "manual"
)

// Strategy decides concurrent edits of the same property.
// Ranking is only used by UserPriority; a lower index is a higher priority.
type Strategy struct {
	Kind    StrategyKind `json:"kind"`
	Ranking []uuid.UUID  `json:"ranking,omitempty"`
}

// LastWriteWinsStrategy is the default strategy
func LastWriteWinsStrategy() Strategy {
	return Strategy{Kind: LastWriteWins}
}

// UserPriorityStrategy ranks users; unranked users rank last
func UserPriorityStrategy(ranking []uuid.UUID) Strategy {
	return Strategy{Kind: UserPriority, Ranking: append([]uuid.UUID(nil), ranking...)}
}

// ManualStrategy keeps every concurrent edit and flags it
func ManualStrategy() Strategy {
	return Strategy{Kind: Manual}
}

// ParseStrategy builds a strategy from its configured name
func ParseStrategy(name string, ranking []string) (Strategy, error) {
	switch StrategyKind(name) {
	case "", LastWriteWins:
		return LastWriteWinsStrategy(), nil
	case Manual:
		return ManualStrategy(), nil
	case UserPriority:
		ids := make([]uuid.UUID, 0, len(ranking))
		for _, raw := range ranking {
			id, err := uuid.Parse(raw)
			if err != nil {
				return Strategy{}, fmt.Errorf("invalid priority user %q: %w", raw, err)
			}
			ids = append(ids, id)
		}
		return UserPriorityStrategy(ids), nil
	default:
		return Strategy{}, fmt.Errorf("unknown conflict strategy %q", name)
	}
}

// rank returns the priority index of user, len(Ranking) when unranked
func (s Strategy) rank(user uuid.UUID) int {
	for i, id := range s.Ranking {
		if id == user {
			return i
		}
	}
	return len(s.Ranking)
}
