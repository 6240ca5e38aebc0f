package crdt

import (
	"bytes"

	"github.com/google/uuid"
)

// Stamp is a Lamport timestamp made total by the author id
type Stamp struct {
	Clock  uint64
	Author uuid.UUID
}

// Compare orders stamps by clock, then by author bytes
func (s Stamp) Compare(other Stamp) int {
	switch {
	case s.Clock < other.Clock:
		return -1
	case s.Clock > other.Clock:
		return 1
	}
	return bytes.Compare(s.Author[:], other.Author[:])
}

// Less reports whether s sorts before other
func (s Stamp) Less(other Stamp) bool {
	return s.Compare(other) < 0
}

// IsZero reports whether the stamp was never set
func (s Stamp) IsZero() bool {
	return s.Clock == 0 && s.Author == uuid.Nil
}
