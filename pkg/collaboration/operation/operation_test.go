package operation

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/developer-mesh/timeline-sync/pkg/errors"
	"github.com/developer-mesh/timeline-sync/pkg/timeline"
)

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	bob   = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func sampleNode() timeline.Node {
	return timeline.Node{
		ID:    uuid.MustParse("10000000-0000-0000-0000-000000000001"),
		Label: "clip",
		Kind:  timeline.NodeClip,
		Range: timeline.Range{Start: 0, Duration: 48},
		Media: timeline.Range{Start: 0, Duration: 48},
	}
}

func TestCreateLocal(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	op := CreateLocal(alice, RemoveNode{NodeID: uuid.New()}, []OperationID{p2, p1, p2}, 3)

	assert.NotEqual(t, uuid.Nil, op.ID)
	assert.Equal(t, alice, op.Author)
	assert.Equal(t, uint64(3), op.Clock)
	assert.Equal(t, SortedIDs([]OperationID{p1, p2}), op.Parents)
	assert.False(t, op.CreatedAt.IsZero())
	assert.True(t, op.HasParent(p1))

	other := CreateLocal(alice, RemoveNode{NodeID: uuid.New()}, nil, 3)
	assert.NotEqual(t, op.ID, other.ID)
	assert.Empty(t, other.Parents)
}

func TestOperationJSONRoundTrip(t *testing.T) {
	index := 2
	kinds := []Kind{
		AddNode{Node: sampleNode()},
		AddTrack{Track: timeline.Track{ID: uuid.New(), Name: "V1", Kind: timeline.TrackVideo}, Index: &index},
		RollEdit{LeftNodeID: uuid.New(), RightNodeID: uuid.New(), NewEditPoint: 24},
		UpdateCurveType{LaneID: uuid.New(), CurveType: timeline.InterpolationBezier},
	}

	for _, kind := range kinds {
		t.Run(kind.Type(), func(t *testing.T) {
			op := CreateLocal(bob, kind, []OperationID{uuid.New()}, 7)
			data, err := json.Marshal(op)
			require.NoError(t, err)

			var decoded Operation
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, op.ID, decoded.ID)
			assert.Equal(t, op.Parents, decoded.Parents)
			assert.Equal(t, kind, decoded.Kind)
			assert.True(t, op.CreatedAt.Equal(decoded.CreatedAt))
		})
	}
}

func TestKindWireFormat(t *testing.T) {
	id := uuid.MustParse("20000000-0000-0000-0000-000000000002")
	data, err := MarshalKind(RemoveNode{NodeID: id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"remove_node","data":{"node_id":"20000000-0000-0000-0000-000000000002"}}`, string(data))
}

func TestUnmarshalUnknownKind(t *testing.T) {
	_, err := UnmarshalKind([]byte(`{"type":"paint_frame","data":{}}`))
	require.Error(t, err)
	assert.True(t, syncerrors.IsMalformed(err))

	var ce *syncerrors.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeUnknownKind, ce.Code)

	raw := `{"id":"` + uuid.NewString() + `","author":"` + alice.String() + `","clock":1,"parents":[],"kind":{"type":"nope","data":{}}}`
	var op Operation
	assert.True(t, syncerrors.IsMalformed(json.Unmarshal([]byte(raw), &op)))
}

func TestUnmarshalMissingKind(t *testing.T) {
	raw := `{"id":"` + uuid.NewString() + `","author":"` + alice.String() + `","clock":1}`
	var op Operation
	err := json.Unmarshal([]byte(raw), &op)
	assert.True(t, syncerrors.IsMalformed(err))
}

func TestRegistryCoversEveryKind(t *testing.T) {
	assert.Len(t, KindTypes(), 24)
	for _, tag := range KindTypes() {
		k, err := UnmarshalKind([]byte(`{"type":"` + tag + `","data":{}}`))
		require.NoError(t, err, tag)
		assert.Equal(t, tag, k.Type())
	}
}

func TestValidate(t *testing.T) {
	valid := CreateLocal(alice, AddNode{Node: sampleNode()}, nil, 1)
	require.NoError(t, valid.Validate())

	cases := map[string]func(op *Operation){
		"zero clock":   func(op *Operation) { op.Clock = 0 },
		"nil author":   func(op *Operation) { op.Author = uuid.Nil },
		"nil id":       func(op *Operation) { op.ID = uuid.Nil },
		"nil kind":     func(op *Operation) { op.Kind = nil },
		"self parent":  func(op *Operation) { op.Parents = []OperationID{op.ID} },
		"nil parent":   func(op *Operation) { op.Parents = []OperationID{uuid.Nil} },
		"neg duration": func(op *Operation) { n := sampleNode(); n.Range.Duration = -1; op.Kind = AddNode{Node: n} },
		"missing name": func(op *Operation) { op.Kind = RenameTrack{TrackID: uuid.New()} },
		"empty order":  func(op *Operation) { op.Kind = ReorderTracks{} },
		"bad curve":    func(op *Operation) { op.Kind = UpdateCurveType{LaneID: uuid.New(), CurveType: "cubic"} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			op := valid
			mutate(&op)
			err := op.Validate()
			require.Error(t, err)
			assert.True(t, syncerrors.IsClass(err, syncerrors.ClassValidation))
		})
	}
}

func TestTargets(t *testing.T) {
	trackID, nodeID := uuid.New(), uuid.New()

	targets := AddNodeToTrack{TrackID: trackID, NodeID: nodeID}.Targets()
	require.Len(t, targets, 2)
	assert.Equal(t, EffectEdit, targets[0].Effect)
	assert.Equal(t, "placement", targets[0].Property)
	assert.Equal(t, EffectReference, targets[1].Effect)
	assert.Equal(t, Entity{Type: EntityTrack, ID: trackID}, targets[1].Entity)

	kf := AddKeyframe{LaneID: uuid.New(), Keyframe: timeline.Keyframe{Frame: 12}}.Targets()
	assert.Equal(t, "keyframe@12", kf[0].Property)

	order := ReorderTracks{TrackOrder: []uuid.UUID{trackID}}.Targets()
	assert.Equal(t, "tracks:edit(order)", order[0].String())
}

func TestLess(t *testing.T) {
	a := Operation{ID: uuid.New(), Author: alice, Clock: 2}
	b := Operation{ID: uuid.New(), Author: bob, Clock: 2}
	c := Operation{ID: uuid.New(), Author: alice, Clock: 3}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
}
