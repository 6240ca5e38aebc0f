// Package timeline is the in-memory timeline graph that collaborative
// operations are replayed against: nodes placed on ordered tracks, markers
// and automation lanes.
package timeline

import (
	"errors"

	"github.com/google/uuid"
)

// Errors returned by edits. Callers replaying operations treat every one of
// them as a deterministic no-op.
var (
	ErrNotFound    = errors.New("timeline: not found")
	ErrExists      = errors.New("timeline: already exists")
	ErrLocked      = errors.New("timeline: node is locked")
	ErrInvalidEdit = errors.New("timeline: invalid edit")
)

// Frame is a position or length in frames
type Frame = int64

// Range is a half-open frame interval [Start, Start+Duration)
type Range struct {
	Start    Frame `json:"start"`
	Duration Frame `json:"duration" validate:"gte=0"`
}

// End returns the first frame after the range
func (r Range) End() Frame {
	return r.Start + r.Duration
}

// NodeKind is the kind of a timeline node
type NodeKind string

const (
	NodeClip       NodeKind = "clip"
	NodeGenerator  NodeKind = "generator"
	NodeTransition NodeKind = "transition"
)

// Node is one item placed on the timeline
type Node struct {
	ID    uuid.UUID `json:"id" validate:"required"`
	Label string    `json:"label,omitempty"`
	Kind  NodeKind  `json:"kind" validate:"oneof=clip generator transition"`
	// Range is where the node sits on the timeline
	Range Range `json:"timeline_range"`
	// Media is the slice of source media the node plays
	Media Range `json:"media_range"`
	// SourceLength is the total source length; zero means unbounded
	SourceLength Frame                  `json:"source_length,omitempty" validate:"gte=0"`
	AssetID      string                 `json:"asset_id,omitempty"`
	Locked       bool                   `json:"locked,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// TrackKind is the kind of a track
type TrackKind string

const (
	TrackVideo      TrackKind = "video"
	TrackAudio      TrackKind = "audio"
	TrackAutomation TrackKind = "automation"
)

// Track is an ordered binding of nodes
type Track struct {
	ID      uuid.UUID   `json:"id" validate:"required"`
	Name    string      `json:"name" validate:"required"`
	Kind    TrackKind   `json:"kind" validate:"oneof=video audio automation"`
	NodeIDs []uuid.UUID `json:"node_ids"`
}

// MarkerType classifies a marker
type MarkerType string

const (
	MarkerStandard MarkerType = "standard"
	MarkerIn       MarkerType = "in"
	MarkerOut      MarkerType = "out"
	MarkerChapter  MarkerType = "chapter"
	MarkerComment  MarkerType = "comment"
	MarkerTodo     MarkerType = "todo"
)

// Marker is a labelled frame
type Marker struct {
	ID    uuid.UUID  `json:"id" validate:"required"`
	Frame Frame      `json:"frame" validate:"gte=0"`
	Label string     `json:"label"`
	Type  MarkerType `json:"marker_type,omitempty" validate:"omitempty,oneof=standard in out chapter comment todo"`
	Color string     `json:"color,omitempty"`
	Note  string     `json:"note,omitempty"`
}

// Interpolation is how a lane interpolates between keyframes
type Interpolation string

const (
	InterpolationStep   Interpolation = "step"
	InterpolationLinear Interpolation = "linear"
	InterpolationBezier Interpolation = "bezier"
)

// Easing shapes the curve leaving a keyframe
type Easing string

const (
	EaseLinear Easing = "linear"
	EaseIn     Easing = "ease_in"
	EaseOut    Easing = "ease_out"
	EaseInOut  Easing = "ease_in_out"
)

// Keyframe is one automation point
type Keyframe struct {
	Frame  Frame   `json:"frame" validate:"gte=0"`
	Value  float64 `json:"value"`
	Easing Easing  `json:"easing,omitempty" validate:"omitempty,oneof=linear ease_in ease_out ease_in_out"`
}

// Lane automates one parameter of a node
type Lane struct {
	ID            uuid.UUID     `json:"id" validate:"required"`
	TargetNode    uuid.UUID     `json:"target_node" validate:"required"`
	ParameterPath string        `json:"parameter_path" validate:"required"`
	Interpolation Interpolation `json:"interpolation"`
	Keyframes     []Keyframe    `json:"keyframes"`
}

// Placement is where a node sits inside a track
type Placement struct {
	TrackID uuid.UUID
	Index   int
}
