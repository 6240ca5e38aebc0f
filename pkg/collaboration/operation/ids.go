// Package operation defines the immutable, causally tagged edits exchanged
// between replicas.
package operation

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// UserID identifies a collaborator
type UserID = uuid.UUID

// SessionID identifies a collaborative document session
type SessionID = uuid.UUID

// OperationID identifies one operation globally
type OperationID = uuid.UUID

// NewID returns a fresh random id
func NewID() uuid.UUID {
	return uuid.New()
}

// CompareIDs orders ids by their bytes
func CompareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// SortIDs sorts ids in place by their bytes
func SortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return CompareIDs(ids[i], ids[j]) < 0 })
}

// SortedIDs returns a sorted copy of ids with duplicates removed
func SortedIDs(ids []uuid.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return []uuid.UUID{}
	}
	out := append([]uuid.UUID(nil), ids...)
	SortIDs(out)
	unique := out[:1]
	for _, id := range out[1:] {
		if id != unique[len(unique)-1] {
			unique = append(unique, id)
		}
	}
	return unique
}
