package operation

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/developer-mesh/timeline-sync/pkg/timeline"
)

// Kind is the closed set of timeline edits. Every kind carries the fields
// needed to apply it and, where feasible, to invert it.
type Kind interface {
	// Type returns the wire tag
	Type() string
	// Targets lists the entities the edit touches and how
	Targets() []Target
	isKind()
}

// Wire tags
const (
	TypeAddNode              = "add_node"
	TypeRemoveNode           = "remove_node"
	TypeUpdateNodePosition   = "update_node_position"
	TypeUpdateNodeDuration   = "update_node_duration"
	TypeUpdateNodeMetadata   = "update_node_metadata"
	TypeLockNode             = "lock_node"
	TypeAddTrack             = "add_track"
	TypeRemoveTrack          = "remove_track"
	TypeRenameTrack          = "rename_track"
	TypeReorderTracks        = "reorder_tracks"
	TypeAddNodeToTrack       = "add_node_to_track"
	TypeRemoveNodeFromTrack  = "remove_node_from_track"
	TypeAddMarker            = "add_marker"
	TypeRemoveMarker         = "remove_marker"
	TypeUpdateMarker         = "update_marker"
	TypeCreateAutomationLane = "create_automation_lane"
	TypeRemoveAutomationLane = "remove_automation_lane"
	TypeAddKeyframe          = "add_keyframe"
	TypeRemoveKeyframe       = "remove_keyframe"
	TypeUpdateKeyframe       = "update_keyframe"
	TypeUpdateCurveType      = "update_curve_type"
	TypeRippleEdit           = "ripple_edit"
	TypeRollEdit             = "roll_edit"
	TypeSlideEdit            = "slide_edit"
)

// AddNode inserts a node. TrackID and Index restore a placement when the
// node is recreated by an undo; a missing track leaves the node unplaced.
type AddNode struct {
	Node    timeline.Node `json:"node"`
	TrackID *uuid.UUID    `json:"track_id,omitempty"`
	Index   *int          `json:"index,omitempty" validate:"omitempty,gte=0"`
}

// RemoveNode deletes a node
type RemoveNode struct {
	NodeID uuid.UUID `json:"node_id" validate:"required"`
}

// UpdateNodePosition moves a node on the timeline
type UpdateNodePosition struct {
	NodeID   uuid.UUID      `json:"node_id" validate:"required"`
	NewStart timeline.Frame `json:"new_start"`
}

// UpdateNodeDuration replaces a node's timeline range
type UpdateNodeDuration struct {
	NodeID   uuid.UUID      `json:"node_id" validate:"required"`
	NewRange timeline.Range `json:"new_range"`
}

// UpdateNodeMetadata replaces a node's metadata
type UpdateNodeMetadata struct {
	NodeID   uuid.UUID              `json:"node_id" validate:"required"`
	Metadata map[string]interface{} `json:"metadata"`
}

// LockNode sets a node's lock flag
type LockNode struct {
	NodeID uuid.UUID `json:"node_id" validate:"required"`
	Locked bool      `json:"locked"`
}

// AddTrack inserts a track, appending when Index is nil
type AddTrack struct {
	Track timeline.Track `json:"track"`
	Index *int           `json:"index,omitempty" validate:"omitempty,gte=0"`
}

// RemoveTrack deletes a track
type RemoveTrack struct {
	TrackID uuid.UUID `json:"track_id" validate:"required"`
}

// RenameTrack renames a track
type RenameTrack struct {
	TrackID uuid.UUID `json:"track_id" validate:"required"`
	NewName string    `json:"new_name" validate:"required"`
}

// ReorderTracks sets the display order of tracks
type ReorderTracks struct {
	TrackOrder []uuid.UUID `json:"track_order" validate:"min=1,dive,required"`
}

// AddNodeToTrack places a node on a track, appending when Index is nil
type AddNodeToTrack struct {
	TrackID uuid.UUID `json:"track_id" validate:"required"`
	NodeID  uuid.UUID `json:"node_id" validate:"required"`
	Index   *int      `json:"index,omitempty" validate:"omitempty,gte=0"`
}

// RemoveNodeFromTrack takes a node off a track
type RemoveNodeFromTrack struct {
	TrackID uuid.UUID `json:"track_id" validate:"required"`
	NodeID  uuid.UUID `json:"node_id" validate:"required"`
}

// AddMarker inserts a marker
type AddMarker struct {
	Marker timeline.Marker `json:"marker"`
}

// RemoveMarker deletes a marker
type RemoveMarker struct {
	MarkerID uuid.UUID `json:"marker_id" validate:"required"`
}

// UpdateMarker moves a marker and optionally relabels it
type UpdateMarker struct {
	MarkerID uuid.UUID      `json:"marker_id" validate:"required"`
	NewFrame timeline.Frame `json:"new_frame" validate:"gte=0"`
	NewLabel *string        `json:"new_label,omitempty"`
}

// CreateAutomationLane adds a lane for a node parameter. Keyframes and
// Interpolation are only set when the lane is recreated by an undo.
type CreateAutomationLane struct {
	LaneID        uuid.UUID              `json:"lane_id" validate:"required"`
	TargetNode    uuid.UUID              `json:"target_node" validate:"required"`
	ParameterPath string                 `json:"parameter_path" validate:"required"`
	Interpolation timeline.Interpolation `json:"interpolation,omitempty" validate:"omitempty,oneof=step linear bezier"`
	Keyframes     []timeline.Keyframe    `json:"keyframes,omitempty" validate:"dive"`
}

// RemoveAutomationLane deletes a lane
type RemoveAutomationLane struct {
	LaneID uuid.UUID `json:"lane_id" validate:"required"`
}

// AddKeyframe inserts or replaces a keyframe
type AddKeyframe struct {
	LaneID   uuid.UUID         `json:"lane_id" validate:"required"`
	Keyframe timeline.Keyframe `json:"keyframe"`
}

// RemoveKeyframe deletes the keyframe at a frame
type RemoveKeyframe struct {
	LaneID uuid.UUID      `json:"lane_id" validate:"required"`
	Frame  timeline.Frame `json:"frame" validate:"gte=0"`
}

// UpdateKeyframe changes a keyframe value
type UpdateKeyframe struct {
	LaneID   uuid.UUID      `json:"lane_id" validate:"required"`
	Frame    timeline.Frame `json:"frame" validate:"gte=0"`
	NewValue float64        `json:"new_value"`
}

// UpdateCurveType changes a lane's interpolation
type UpdateCurveType struct {
	LaneID    uuid.UUID              `json:"lane_id" validate:"required"`
	CurveType timeline.Interpolation `json:"curve_type" validate:"oneof=step linear bezier"`
}

// RippleEdit moves a node and shifts the nodes after it on its track
type RippleEdit struct {
	NodeID   uuid.UUID      `json:"node_id" validate:"required"`
	NewStart timeline.Frame `json:"new_start"`
}

// RollEdit moves the edit point between two clips
type RollEdit struct {
	LeftNodeID   uuid.UUID      `json:"left_node_id" validate:"required"`
	RightNodeID  uuid.UUID      `json:"right_node_id" validate:"required"`
	NewEditPoint timeline.Frame `json:"new_edit_point"`
}

// SlideEdit shifts a node's media in-point
type SlideEdit struct {
	NodeID      uuid.UUID      `json:"node_id" validate:"required"`
	MediaOffset timeline.Frame `json:"media_offset"`
}

func (AddNode) Type() string              { return TypeAddNode }
func (RemoveNode) Type() string           { return TypeRemoveNode }
func (UpdateNodePosition) Type() string   { return TypeUpdateNodePosition }
func (UpdateNodeDuration) Type() string   { return TypeUpdateNodeDuration }
func (UpdateNodeMetadata) Type() string   { return TypeUpdateNodeMetadata }
func (LockNode) Type() string             { return TypeLockNode }
func (AddTrack) Type() string             { return TypeAddTrack }
func (RemoveTrack) Type() string          { return TypeRemoveTrack }
func (RenameTrack) Type() string          { return TypeRenameTrack }
func (ReorderTracks) Type() string        { return TypeReorderTracks }
func (AddNodeToTrack) Type() string       { return TypeAddNodeToTrack }
func (RemoveNodeFromTrack) Type() string  { return TypeRemoveNodeFromTrack }
func (AddMarker) Type() string            { return TypeAddMarker }
func (RemoveMarker) Type() string         { return TypeRemoveMarker }
func (UpdateMarker) Type() string         { return TypeUpdateMarker }
func (CreateAutomationLane) Type() string { return TypeCreateAutomationLane }
func (RemoveAutomationLane) Type() string { return TypeRemoveAutomationLane }
func (AddKeyframe) Type() string          { return TypeAddKeyframe }
func (RemoveKeyframe) Type() string       { return TypeRemoveKeyframe }
func (UpdateKeyframe) Type() string       { return TypeUpdateKeyframe }
func (UpdateCurveType) Type() string      { return TypeUpdateCurveType }
func (RippleEdit) Type() string           { return TypeRippleEdit }
func (RollEdit) Type() string             { return TypeRollEdit }
func (SlideEdit) Type() string            { return TypeSlideEdit }

func (AddNode) isKind()              {}
func (RemoveNode) isKind()           {}
func (UpdateNodePosition) isKind()   {}
func (UpdateNodeDuration) isKind()   {}
func (UpdateNodeMetadata) isKind()   {}
func (LockNode) isKind()             {}
func (AddTrack) isKind()             {}
func (RemoveTrack) isKind()          {}
func (RenameTrack) isKind()          {}
func (ReorderTracks) isKind()        {}
func (AddNodeToTrack) isKind()       {}
func (RemoveNodeFromTrack) isKind()  {}
func (AddMarker) isKind()            {}
func (RemoveMarker) isKind()         {}
func (UpdateMarker) isKind()         {}
func (CreateAutomationLane) isKind() {}
func (RemoveAutomationLane) isKind() {}
func (AddKeyframe) isKind()          {}
func (RemoveKeyframe) isKind()       {}
func (UpdateKeyframe) isKind()       {}
func (UpdateCurveType) isKind()      {}
func (RippleEdit) isKind()           {}
func (RollEdit) isKind()             {}
func (SlideEdit) isKind()            {}

// Targets implementations

func (k AddNode) Targets() []Target {
	return []Target{node(k.Node.ID, EffectCreate, "")}
}

func (k RemoveNode) Targets() []Target {
	return []Target{node(k.NodeID, EffectDelete, "")}
}

func (k UpdateNodePosition) Targets() []Target {
	return []Target{node(k.NodeID, EffectEdit, "position")}
}

func (k UpdateNodeDuration) Targets() []Target {
	return []Target{node(k.NodeID, EffectEdit, "range")}
}

func (k UpdateNodeMetadata) Targets() []Target {
	return []Target{node(k.NodeID, EffectEdit, "metadata")}
}

func (k LockNode) Targets() []Target {
	return []Target{node(k.NodeID, EffectEdit, "locked")}
}

func (k AddTrack) Targets() []Target {
	return []Target{track(k.Track.ID, EffectCreate, ""), tracks(EffectMembership, "")}
}

func (k RemoveTrack) Targets() []Target {
	return []Target{track(k.TrackID, EffectDelete, ""), tracks(EffectMembership, "")}
}

func (k RenameTrack) Targets() []Target {
	return []Target{track(k.TrackID, EffectEdit, "name")}
}

func (k ReorderTracks) Targets() []Target {
	return []Target{tracks(EffectEdit, "order")}
}

func (k AddNodeToTrack) Targets() []Target {
	return []Target{node(k.NodeID, EffectEdit, "placement"), track(k.TrackID, EffectReference, "")}
}

func (k RemoveNodeFromTrack) Targets() []Target {
	return []Target{node(k.NodeID, EffectEdit, "placement"), track(k.TrackID, EffectReference, "")}
}

func (k AddMarker) Targets() []Target {
	return []Target{marker(k.Marker.ID, EffectCreate, "")}
}

func (k RemoveMarker) Targets() []Target {
	return []Target{marker(k.MarkerID, EffectDelete, "")}
}

func (k UpdateMarker) Targets() []Target {
	return []Target{marker(k.MarkerID, EffectEdit, "marker")}
}

func (k CreateAutomationLane) Targets() []Target {
	return []Target{lane(k.LaneID, EffectCreate, ""), node(k.TargetNode, EffectReference, "")}
}

func (k RemoveAutomationLane) Targets() []Target {
	return []Target{lane(k.LaneID, EffectDelete, "")}
}

func (k AddKeyframe) Targets() []Target {
	return []Target{lane(k.LaneID, EffectEdit, keyframeProperty(k.Keyframe.Frame))}
}

func (k RemoveKeyframe) Targets() []Target {
	return []Target{lane(k.LaneID, EffectEdit, keyframeProperty(k.Frame))}
}

func (k UpdateKeyframe) Targets() []Target {
	return []Target{lane(k.LaneID, EffectEdit, keyframeProperty(k.Frame))}
}

func (k UpdateCurveType) Targets() []Target {
	return []Target{lane(k.LaneID, EffectEdit, "interpolation")}
}

func (k RippleEdit) Targets() []Target {
	return []Target{node(k.NodeID, EffectEdit, "position")}
}

func (k RollEdit) Targets() []Target {
	return []Target{node(k.LeftNodeID, EffectEdit, "range"), node(k.RightNodeID, EffectEdit, "range")}
}

func (k SlideEdit) Targets() []Target {
	return []Target{node(k.NodeID, EffectEdit, "media")}
}

func keyframeProperty(frame timeline.Frame) string {
	return fmt.Sprintf("keyframe@%d", frame)
}
