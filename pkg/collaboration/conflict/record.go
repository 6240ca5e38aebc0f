package conflict

import (
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
)

// recordNamespace seeds the name-based record ids
var recordNamespace = uuid.MustParse("7c1e4c57-3a0b-4e61-9a55-2f3d9c0b8e14")

// Record is an exposed conflict. Its ID depends only on the operations and
// the target, so every replica derives the same record.
type Record struct {
	ID           uuid.UUID               `json:"id"`
	Operations   []operation.OperationID `json:"operations"`
	Target       operation.Entity        `json:"target"`
	Class        Class                   `json:"class"`
	Resolution   Resolution              `json:"resolution"`
	Acknowledged bool                    `json:"acknowledged"`
	DetectedAt   time.Time               `json:"detected_at"`
}

// RecordID derives the deterministic id for a conflict over ops on target
func RecordID(ops []operation.OperationID, target operation.Entity) uuid.UUID {
	sorted := operation.SortedIDs(ops)
	name := make([]byte, 0, len(sorted)*16+len(target.String()))
	for _, id := range sorted {
		name = append(name, id[:]...)
	}
	name = append(name, target.String()...)
	return uuid.NewSHA1(recordNamespace, name)
}

// NewRecord builds a record for a flagged resolution
func NewRecord(ops []operation.OperationID, target operation.Entity, res Resolution) Record {
	return Record{
		ID:         RecordID(ops, target),
		Operations: operation.SortedIDs(ops),
		Target:     target,
		Class:      res.Class,
		Resolution: res,
		DetectedAt: time.Now().UTC(),
	}
}

// IsManual reports whether the record needs a user decision
func (r Record) IsManual() bool {
	return r.Resolution.Manual
}
