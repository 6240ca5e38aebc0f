package projection

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/replica"
)

// Invert returns the kind that restores the current state after kind is
// applied. Kinds that would fail to apply have no inverse.
func (p *Timeline) Invert(kind operation.Kind) (operation.Kind, error) {
	trial := &Timeline{tl: p.tl.Clone()}
	if err := trial.Apply(kind); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", kind.Type(), err, replica.ErrNotInvertible)
	}

	inverse, ok := p.inverse(kind)
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind.Type(), replica.ErrNotInvertible)
	}
	return inverse, nil
}

func (p *Timeline) inverse(kind operation.Kind) (operation.Kind, bool) {
	tl := p.tl
	switch k := kind.(type) {
	case operation.AddNode:
		return operation.RemoveNode{NodeID: k.Node.ID}, true

	case operation.RemoveNode:
		n, _ := tl.Node(k.NodeID)
		restore := operation.AddNode{Node: n}
		if placement, placed := tl.PlacementOf(k.NodeID); placed {
			trackID, index := placement.TrackID, placement.Index
			restore.TrackID = &trackID
			restore.Index = &index
		}
		return restore, len(tl.LanesFor(k.NodeID)) == 0

	case operation.UpdateNodePosition:
		n, _ := tl.Node(k.NodeID)
		return operation.UpdateNodePosition{NodeID: k.NodeID, NewStart: n.Range.Start}, true

	case operation.UpdateNodeDuration:
		n, _ := tl.Node(k.NodeID)
		return operation.UpdateNodeDuration{NodeID: k.NodeID, NewRange: n.Range}, true

	case operation.UpdateNodeMetadata:
		n, _ := tl.Node(k.NodeID)
		return operation.UpdateNodeMetadata{NodeID: k.NodeID, Metadata: n.Metadata}, true

	case operation.LockNode:
		n, _ := tl.Node(k.NodeID)
		return operation.LockNode{NodeID: k.NodeID, Locked: n.Locked}, true

	case operation.AddTrack:
		return operation.RemoveTrack{TrackID: k.Track.ID}, true

	case operation.RemoveTrack:
		tr, _ := tl.Track(k.TrackID)
		index := indexOf(tl.TrackOrder(), k.TrackID)
		return operation.AddTrack{Track: tr, Index: &index}, true

	case operation.RenameTrack:
		tr, _ := tl.Track(k.TrackID)
		return operation.RenameTrack{TrackID: k.TrackID, NewName: tr.Name}, true

	case operation.ReorderTracks:
		return operation.ReorderTracks{TrackOrder: tl.TrackOrder()}, true

	case operation.AddNodeToTrack:
		placement, placed := tl.PlacementOf(k.NodeID)
		if !placed {
			return operation.RemoveNodeFromTrack{TrackID: k.TrackID, NodeID: k.NodeID}, true
		}
		index := placement.Index
		return operation.AddNodeToTrack{TrackID: placement.TrackID, NodeID: k.NodeID, Index: &index}, true

	case operation.RemoveNodeFromTrack:
		placement, _ := tl.PlacementOf(k.NodeID)
		index := placement.Index
		return operation.AddNodeToTrack{TrackID: k.TrackID, NodeID: k.NodeID, Index: &index}, true

	case operation.AddMarker:
		return operation.RemoveMarker{MarkerID: k.Marker.ID}, true

	case operation.RemoveMarker:
		m, _ := tl.Marker(k.MarkerID)
		return operation.AddMarker{Marker: m}, true

	case operation.UpdateMarker:
		m, _ := tl.Marker(k.MarkerID)
		label := m.Label
		return operation.UpdateMarker{MarkerID: k.MarkerID, NewFrame: m.Frame, NewLabel: &label}, true

	case operation.CreateAutomationLane:
		return operation.RemoveAutomationLane{LaneID: k.LaneID}, true

	case operation.RemoveAutomationLane:
		l, _ := tl.Lane(k.LaneID)
		return operation.CreateAutomationLane{
			LaneID:        l.ID,
			TargetNode:    l.TargetNode,
			ParameterPath: l.ParameterPath,
			Interpolation: l.Interpolation,
			Keyframes:     l.Keyframes,
		}, true

	case operation.AddKeyframe:
		if old, ok := tl.Keyframe(k.LaneID, k.Keyframe.Frame); ok {
			return operation.AddKeyframe{LaneID: k.LaneID, Keyframe: old}, true
		}
		return operation.RemoveKeyframe{LaneID: k.LaneID, Frame: k.Keyframe.Frame}, true

	case operation.RemoveKeyframe:
		old, _ := tl.Keyframe(k.LaneID, k.Frame)
		return operation.AddKeyframe{LaneID: k.LaneID, Keyframe: old}, true

	case operation.UpdateKeyframe:
		old, _ := tl.Keyframe(k.LaneID, k.Frame)
		return operation.UpdateKeyframe{LaneID: k.LaneID, Frame: k.Frame, NewValue: old.Value}, true

	case operation.UpdateCurveType:
		l, _ := tl.Lane(k.LaneID)
		return operation.UpdateCurveType{LaneID: k.LaneID, CurveType: l.Interpolation}, true

	case operation.RippleEdit:
		n, _ := tl.Node(k.NodeID)
		if !tl.RippleReversible(k.NodeID, k.NewStart) {
			return nil, false
		}
		return operation.RippleEdit{NodeID: k.NodeID, NewStart: n.Range.Start}, true

	case operation.RollEdit:
		point, ok := tl.RollReversible(k.LeftNodeID, k.RightNodeID)
		if !ok {
			return nil, false
		}
		return operation.RollEdit{LeftNodeID: k.LeftNodeID, RightNodeID: k.RightNodeID, NewEditPoint: point}, true

	case operation.SlideEdit:
		return operation.SlideEdit{NodeID: k.NodeID, MediaOffset: -k.MediaOffset}, true
	}
	return nil, false
}

func indexOf(ids []uuid.UUID, id uuid.UUID) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
