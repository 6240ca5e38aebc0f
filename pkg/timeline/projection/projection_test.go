package projection_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/replica"
	"github.com/developer-mesh/timeline-sync/pkg/timeline"
	"github.com/developer-mesh/timeline-sync/pkg/timeline/projection"
)

var (
	trackID = uuid.MustParse("30000000-0000-0000-0000-000000000001")
	clipA   = uuid.MustParse("40000000-0000-0000-0000-00000000000a")
	clipB   = uuid.MustParse("40000000-0000-0000-0000-00000000000b")
	laneID  = uuid.MustParse("50000000-0000-0000-0000-000000000001")
	markID  = uuid.MustParse("60000000-0000-0000-0000-000000000001")
)

func clip(id uuid.UUID, start, duration int64) timeline.Node {
	return timeline.Node{
		ID:           id,
		Kind:         timeline.NodeClip,
		Range:        timeline.Range{Start: start, Duration: duration},
		Media:        timeline.Range{Start: 10, Duration: duration},
		SourceLength: 500,
	}
}

// seeded builds V1 holding two adjacent clips, a lane and a marker
func seeded(t *testing.T) *projection.Timeline {
	t.Helper()
	p := projection.New()
	kinds := []operation.Kind{
		operation.AddTrack{Track: timeline.Track{ID: trackID, Name: "V1", Kind: timeline.TrackVideo}},
		operation.AddNode{Node: clip(clipA, 0, 100)},
		operation.AddNode{Node: clip(clipB, 100, 50)},
		operation.AddNodeToTrack{TrackID: trackID, NodeID: clipA},
		operation.AddNodeToTrack{TrackID: trackID, NodeID: clipB},
		operation.CreateAutomationLane{LaneID: laneID, TargetNode: clipB, ParameterPath: "opacity"},
		operation.AddKeyframe{LaneID: laneID, Keyframe: timeline.Keyframe{Frame: 0, Value: 1}},
		operation.AddMarker{Marker: timeline.Marker{ID: markID, Frame: 24, Label: "cue"}},
	}
	for _, k := range kinds {
		require.NoError(t, p.Apply(k), k.Type())
	}
	return p
}

func TestApply(t *testing.T) {
	p := seeded(t)
	tl := p.Timeline()

	require.NoError(t, p.Apply(operation.RippleEdit{NodeID: clipA, NewStart: 20}))
	b, _ := tl.Node(clipB)
	assert.Equal(t, int64(120), b.Range.Start)

	require.NoError(t, p.Apply(operation.RemoveNode{NodeID: clipB}))
	assert.Empty(t, tl.Lanes(), "lanes targeting a removed node go with it")
	tr, _ := tl.Track(trackID)
	assert.Equal(t, []uuid.UUID{clipA}, tr.NodeIDs)

	err := p.Apply(operation.UpdateNodePosition{NodeID: clipB, NewStart: 5})
	assert.ErrorIs(t, err, timeline.ErrNotFound)
}

func TestAddNodeRestoresPlacement(t *testing.T) {
	p := seeded(t)
	id := uuid.New()
	index := 0
	require.NoError(t, p.Apply(operation.AddNode{Node: clip(id, 200, 10), TrackID: &trackID, Index: &index}))
	tr, _ := p.Timeline().Track(trackID)
	assert.Equal(t, []uuid.UUID{id, clipA, clipB}, tr.NodeIDs)

	missing := uuid.New()
	other := uuid.New()
	require.NoError(t, p.Apply(operation.AddNode{Node: clip(other, 300, 10), TrackID: &missing}))
	_, placed := p.Timeline().PlacementOf(other)
	assert.False(t, placed)
}

func TestInvertRestoresHash(t *testing.T) {
	label := "renamed"
	cases := []operation.Kind{
		operation.UpdateNodePosition{NodeID: clipA, NewStart: 7},
		operation.UpdateNodeDuration{NodeID: clipA, NewRange: timeline.Range{Start: 3, Duration: 40}},
		operation.UpdateNodeMetadata{NodeID: clipA, Metadata: map[string]interface{}{"color": "red"}},
		operation.LockNode{NodeID: clipA, Locked: true},
		operation.AddTrack{Track: timeline.Track{ID: uuid.New(), Name: "A1", Kind: timeline.TrackAudio}},
		operation.RemoveTrack{TrackID: trackID},
		operation.RenameTrack{TrackID: trackID, NewName: "Main"},
		operation.RemoveNodeFromTrack{TrackID: trackID, NodeID: clipA},
		operation.AddMarker{Marker: timeline.Marker{ID: uuid.New(), Frame: 3, Type: timeline.MarkerStandard}},
		operation.RemoveMarker{MarkerID: markID},
		operation.UpdateMarker{MarkerID: markID, NewFrame: 90, NewLabel: &label},
		operation.RemoveAutomationLane{LaneID: laneID},
		operation.AddKeyframe{LaneID: laneID, Keyframe: timeline.Keyframe{Frame: 0, Value: 0.5}},
		operation.AddKeyframe{LaneID: laneID, Keyframe: timeline.Keyframe{Frame: 30, Value: 0.2}},
		operation.RemoveKeyframe{LaneID: laneID, Frame: 0},
		operation.UpdateKeyframe{LaneID: laneID, Frame: 0, NewValue: 0.1},
		operation.UpdateCurveType{LaneID: laneID, CurveType: timeline.InterpolationStep},
		operation.RippleEdit{NodeID: clipA, NewStart: 30},
		operation.RollEdit{LeftNodeID: clipA, RightNodeID: clipB, NewEditPoint: 120},
		operation.SlideEdit{NodeID: clipA, MediaOffset: 5},
		operation.RemoveNode{NodeID: clipA},
	}

	for _, kind := range cases {
		t.Run(kind.Type(), func(t *testing.T) {
			p := seeded(t)
			before := p.Hash()

			inverse, err := p.Invert(kind)
			require.NoError(t, err)
			require.NoError(t, p.Apply(kind))
			assert.NotEqual(t, before, p.Hash())

			require.NoError(t, p.Apply(inverse))
			assert.Equal(t, before, p.Hash())
		})
	}
}

func TestNotInvertible(t *testing.T) {
	p := seeded(t)

	_, err := p.Invert(operation.UpdateNodePosition{NodeID: uuid.New(), NewStart: 1})
	assert.True(t, errors.Is(err, replica.ErrNotInvertible), "missing target")

	_, err = p.Invert(operation.RemoveNode{NodeID: clipB})
	assert.ErrorIs(t, err, replica.ErrNotInvertible, "lanes would be lost")

	overlap := uuid.New()
	require.NoError(t, p.Apply(operation.AddNode{Node: clip(overlap, 50, 10), TrackID: &trackID}))
	_, err = p.Invert(operation.RippleEdit{NodeID: clipA, NewStart: -60})
	assert.ErrorIs(t, err, replica.ErrNotInvertible, "reverse ripple would catch a non-follower")

	require.NoError(t, p.Apply(operation.UpdateNodePosition{NodeID: clipB, NewStart: 110}))
	_, err = p.Invert(operation.RollEdit{LeftNodeID: clipA, RightNodeID: clipB, NewEditPoint: 120})
	assert.ErrorIs(t, err, replica.ErrNotInvertible, "clips no longer adjacent")
}

func TestFactoryAndDocument(t *testing.T) {
	p := seeded(t)
	restored, err := projection.FromDocument(p.Document())
	require.NoError(t, err)
	assert.Equal(t, p.Hash(), restored.Hash())
	assert.Equal(t, projection.New().Hash(), projection.Factory().Hash())
}
