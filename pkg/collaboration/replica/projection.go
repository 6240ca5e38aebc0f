package replica

import (
	"errors"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
)

// ErrNotInvertible is returned by Projection.Invert when the current state
// does not allow an exact inverse
var ErrNotInvertible = errors.New("replica: operation is not invertible")

// Projection is the materialized document operations are replayed into.
// The replica never inspects it beyond this interface.
type Projection interface {
	// Apply mutates the projection. Errors are deterministic no-ops.
	Apply(kind operation.Kind) error
	// Invert returns the kind that undoes kind against the current state.
	// It must be called before kind is applied.
	Invert(kind operation.Kind) (operation.Kind, error)
	// Hash digests the projection state
	Hash() string
}

// ProjectionFactory creates empty projections for replay
type ProjectionFactory func() Projection
