// Package crdt holds the causal bookkeeping shared by every replica: vector
// clocks, Lamport stamps and the last-writer-wins register used to pick
// conflict winners.
package crdt

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// Ordering is the causal relation between two vector clocks
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// VectorClock maps each author to the highest Lamport value known for it.
// Components never decrease. A missing component reads as zero.
type VectorClock map[uuid.UUID]uint64

// NewVectorClock creates an empty vector clock
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Get returns the component for author
func (vc VectorClock) Get(author uuid.UUID) uint64 {
	return vc[author]
}

// Advance increments the author's component and returns the new value
func (vc VectorClock) Advance(author uuid.UUID) uint64 {
	vc[author]++
	return vc[author]
}

// Observe raises the author's component to value. It reports whether the
// clock changed.
func (vc VectorClock) Observe(author uuid.UUID, value uint64) bool {
	if value <= vc[author] {
		return false
	}
	vc[author] = value
	return true
}

// Update merges other into vc in place
func (vc VectorClock) Update(other VectorClock) {
	for author, value := range other {
		vc.Observe(author, value)
	}
}

// Merge returns the component-wise maximum of vc and other
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Clone()
	merged.Update(other)
	return merged
}

// Dominates reports whether every component of vc is at least the matching
// component of other
func (vc VectorClock) Dominates(other VectorClock) bool {
	for author, value := range other {
		if vc[author] < value {
			return false
		}
	}
	return true
}

// Compare returns the causal relation of vc to other
func (vc VectorClock) Compare(other VectorClock) Ordering {
	ge := vc.Dominates(other)
	le := other.Dominates(vc)
	switch {
	case ge && le:
		return Equal
	case le:
		return Before
	case ge:
		return After
	default:
		return Concurrent
	}
}

// HappensBefore reports whether vc strictly precedes other
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	return vc.Compare(other) == Before
}

// Concurrent reports whether neither clock dominates the other
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// Max returns the largest component, the Lamport witness of the clock
func (vc VectorClock) Max() uint64 {
	var highest uint64
	for _, value := range vc {
		if value > highest {
			highest = value
		}
	}
	return highest
}

// Clone creates an independent copy
func (vc VectorClock) Clone() VectorClock {
	clone := make(VectorClock, len(vc))
	for author, value := range vc {
		if value > 0 {
			clone[author] = value
		}
	}
	return clone
}

// Authors returns the authors with a non-zero component in byte order
func (vc VectorClock) Authors() []uuid.UUID {
	authors := make([]uuid.UUID, 0, len(vc))
	for author, value := range vc {
		if value > 0 {
			authors = append(authors, author)
		}
	}
	sort.Slice(authors, func(i, j int) bool {
		return bytes.Compare(authors[i][:], authors[j][:]) < 0
	})
	return authors
}

// MarshalJSON encodes the clock as an object keyed by user id, never null
func (vc VectorClock) MarshalJSON() ([]byte, error) {
	if vc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[uuid.UUID]uint64(vc))
}

// UnmarshalJSON decodes an object keyed by user id
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	raw := make(map[uuid.UUID]uint64)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*vc = VectorClock(raw)
	return nil
}
