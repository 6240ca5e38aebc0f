// Package projection replays collaborative operations into a timeline.
package projection

import (
	"encoding/json"
	"fmt"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/replica"
	"github.com/developer-mesh/timeline-sync/pkg/timeline"
)

var _ replica.Projection = (*Timeline)(nil)

// Timeline adapts a timeline.Timeline to the replica projection interface
type Timeline struct {
	tl *timeline.Timeline
}

// New creates an empty projection
func New() *Timeline {
	return &Timeline{tl: timeline.New()}
}

// Factory creates empty projections for replica replay
func Factory() replica.Projection {
	return New()
}

// FromDocument restores a projection from a snapshot document
func FromDocument(doc timeline.Document) (*Timeline, error) {
	tl, err := timeline.FromDocument(doc)
	if err != nil {
		return nil, err
	}
	return &Timeline{tl: tl}, nil
}

// Timeline returns the underlying timeline. Callers must not mutate it.
func (p *Timeline) Timeline() *timeline.Timeline {
	return p.tl
}

// Document returns the canonical snapshot form
func (p *Timeline) Document() timeline.Document {
	return p.tl.Document()
}

// Hash returns the canonical digest of the timeline
func (p *Timeline) Hash() string {
	return p.tl.Hash()
}

func (p *Timeline) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.tl.Document())
}

// Apply replays one kind
func (p *Timeline) Apply(kind operation.Kind) error {
	tl := p.tl
	switch k := kind.(type) {
	case operation.AddNode:
		if err := tl.AddNode(k.Node); err != nil {
			return err
		}
		if k.TrackID != nil {
			if _, ok := tl.Track(*k.TrackID); ok {
				return tl.PlaceNode(*k.TrackID, k.Node.ID, indexOr(k.Index))
			}
		}
		return nil
	case operation.RemoveNode:
		return tl.RemoveNode(k.NodeID)
	case operation.UpdateNodePosition:
		return tl.MoveNode(k.NodeID, k.NewStart)
	case operation.UpdateNodeDuration:
		return tl.ResizeNode(k.NodeID, k.NewRange)
	case operation.UpdateNodeMetadata:
		return tl.SetMetadata(k.NodeID, k.Metadata)
	case operation.LockNode:
		return tl.SetLocked(k.NodeID, k.Locked)
	case operation.AddTrack:
		return tl.AddTrack(k.Track, indexOr(k.Index))
	case operation.RemoveTrack:
		return tl.RemoveTrack(k.TrackID)
	case operation.RenameTrack:
		return tl.RenameTrack(k.TrackID, k.NewName)
	case operation.ReorderTracks:
		tl.ReorderTracks(k.TrackOrder)
		return nil
	case operation.AddNodeToTrack:
		return tl.PlaceNode(k.TrackID, k.NodeID, indexOr(k.Index))
	case operation.RemoveNodeFromTrack:
		return tl.UnplaceNode(k.TrackID, k.NodeID)
	case operation.AddMarker:
		return tl.AddMarker(k.Marker)
	case operation.RemoveMarker:
		return tl.RemoveMarker(k.MarkerID)
	case operation.UpdateMarker:
		return tl.UpdateMarker(k.MarkerID, k.NewFrame, k.NewLabel)
	case operation.CreateAutomationLane:
		return tl.CreateLane(timeline.Lane{
			ID:            k.LaneID,
			TargetNode:    k.TargetNode,
			ParameterPath: k.ParameterPath,
			Interpolation: k.Interpolation,
			Keyframes:     k.Keyframes,
		})
	case operation.RemoveAutomationLane:
		return tl.RemoveLane(k.LaneID)
	case operation.AddKeyframe:
		return tl.AddKeyframe(k.LaneID, k.Keyframe)
	case operation.RemoveKeyframe:
		return tl.RemoveKeyframe(k.LaneID, k.Frame)
	case operation.UpdateKeyframe:
		return tl.UpdateKeyframe(k.LaneID, k.Frame, k.NewValue)
	case operation.UpdateCurveType:
		return tl.SetInterpolation(k.LaneID, k.CurveType)
	case operation.RippleEdit:
		_, err := tl.Ripple(k.NodeID, k.NewStart)
		return err
	case operation.RollEdit:
		return tl.Roll(k.LeftNodeID, k.RightNodeID, k.NewEditPoint)
	case operation.SlideEdit:
		return tl.Slide(k.NodeID, k.MediaOffset)
	default:
		return fmt.Errorf("apply %T: %w", kind, timeline.ErrInvalidEdit)
	}
}

func indexOr(index *int) int {
	if index == nil {
		return -1
	}
	return *index
}
