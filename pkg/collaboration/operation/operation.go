package operation

import (
	"encoding/json"
	"time"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/crdt"
	syncerrors "github.com/developer-mesh/timeline-sync/pkg/errors"
)

// Operation is an immutable edit tagged with its causal position.
// Parents are the frontier the author saw when creating it.
type Operation struct {
	ID        OperationID   `json:"id" validate:"required"`
	Author    UserID        `json:"author" validate:"required"`
	Clock     uint64        `json:"clock" validate:"gte=1"`
	Parents   []OperationID `json:"parents" validate:"dive,required"`
	Kind      Kind          `json:"-" validate:"-"`
	CreatedAt time.Time     `json:"created_at"`
}

// CreateLocal builds a new operation. It does not touch any log or clock.
func CreateLocal(author UserID, kind Kind, frontier []OperationID, clock uint64) Operation {
	return Operation{
		ID:        NewID(),
		Author:    author,
		Clock:     clock,
		Parents:   SortedIDs(frontier),
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
}

// Stamp returns the total-order key used for last-writer-wins
func (op Operation) Stamp() crdt.Stamp {
	return crdt.Stamp{Clock: op.Clock, Author: op.Author}
}

// Less orders operations by (clock, author, id)
func (op Operation) Less(other Operation) bool {
	if c := op.Stamp().Compare(other.Stamp()); c != 0 {
		return c < 0
	}
	return CompareIDs(op.ID, other.ID) < 0
}

// HasParent reports whether id is one of the parents
func (op Operation) HasParent(id OperationID) bool {
	for _, p := range op.Parents {
		if p == id {
			return true
		}
	}
	return false
}

// Validate checks the envelope fields and the kind payload
func (op Operation) Validate() error {
	if err := validate.Struct(op); err != nil {
		return syncerrors.Wrap(err, CodeInvalidOperation, syncerrors.ClassValidation).
			WithOperation("operation.Validate").
			WithMetadata("operation_id", op.ID.String())
	}
	for _, p := range op.Parents {
		if p == op.ID {
			return syncerrors.New(CodeInvalidOperation, "operation lists itself as a parent", syncerrors.ClassValidation).
				WithMetadata("operation_id", op.ID.String())
		}
	}
	return ValidateKind(op.Kind)
}

type operationJSON struct {
	ID        OperationID     `json:"id"`
	Author    UserID          `json:"author"`
	Clock     uint64          `json:"clock"`
	Parents   []OperationID   `json:"parents"`
	Kind      json.RawMessage `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
}

func (op Operation) MarshalJSON() ([]byte, error) {
	kind, err := MarshalKind(op.Kind)
	if err != nil {
		return nil, err
	}
	parents := op.Parents
	if parents == nil {
		parents = []OperationID{}
	}
	return json.Marshal(operationJSON{
		ID:        op.ID,
		Author:    op.Author,
		Clock:     op.Clock,
		Parents:   parents,
		Kind:      kind,
		CreatedAt: op.CreatedAt,
	})
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var raw operationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return syncerrors.Wrap(err, CodeMalformed, syncerrors.ClassMalformed).WithOperation("operation.UnmarshalJSON")
	}
	if len(raw.Kind) == 0 {
		return syncerrors.New(CodeMalformed, "operation has no kind", syncerrors.ClassMalformed)
	}
	kind, err := UnmarshalKind(raw.Kind)
	if err != nil {
		return err
	}
	*op = Operation{
		ID:        raw.ID,
		Author:    raw.Author,
		Clock:     raw.Clock,
		Parents:   SortedIDs(raw.Parents),
		Kind:      kind,
		CreatedAt: raw.CreatedAt,
	}
	return nil
}
