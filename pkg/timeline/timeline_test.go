package timeline_test

import (
	"encoding/json"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/developer-mesh/timeline-sync/pkg/timeline"
)

func clip(start, duration timeline.Frame) timeline.Node {
	return timeline.Node{
		ID:    uuid.New(),
		Kind:  timeline.NodeClip,
		Range: timeline.Range{Start: start, Duration: duration},
		Media: timeline.Range{Start: 0, Duration: duration},
	}
}

var _ = Describe("Timeline", func() {
	var (
		tl    *timeline.Timeline
		track timeline.Track
	)

	BeforeEach(func() {
		tl = timeline.New()
		track = timeline.Track{ID: uuid.New(), Name: "V1", Kind: timeline.TrackVideo}
		Expect(tl.AddTrack(track, -1)).To(Succeed())
	})

	Describe("nodes", func() {
		It("rejects duplicate ids", func() {
			n := clip(0, 10)
			Expect(tl.AddNode(n)).To(Succeed())
			Expect(tl.AddNode(n)).To(MatchError(timeline.ErrExists))
		})

		It("reports missing targets", func() {
			Expect(tl.MoveNode(uuid.New(), 5)).To(MatchError(timeline.ErrNotFound))
			Expect(tl.RemoveNode(uuid.New())).To(MatchError(timeline.ErrNotFound))
		})

		It("refuses geometry edits on locked nodes but accepts metadata", func() {
			n := clip(0, 10)
			Expect(tl.AddNode(n)).To(Succeed())
			Expect(tl.SetLocked(n.ID, true)).To(Succeed())

			Expect(tl.MoveNode(n.ID, 3)).To(MatchError(timeline.ErrLocked))
			Expect(tl.ResizeNode(n.ID, timeline.Range{Start: 0, Duration: 4})).To(MatchError(timeline.ErrLocked))
			Expect(tl.SetMetadata(n.ID, map[string]interface{}{"color": "red"})).To(Succeed())

			got, _ := tl.Node(n.ID)
			Expect(got.Range.Start).To(Equal(timeline.Frame(0)))
			Expect(got.Metadata).To(HaveKeyWithValue("color", "red"))
		})

		It("cascades removal to tracks and lanes", func() {
			n := clip(0, 10)
			Expect(tl.AddNode(n)).To(Succeed())
			Expect(tl.PlaceNode(track.ID, n.ID, -1)).To(Succeed())
			lane := timeline.Lane{ID: uuid.New(), TargetNode: n.ID, ParameterPath: "opacity"}
			Expect(tl.CreateLane(lane)).To(Succeed())

			Expect(tl.RemoveNode(n.ID)).To(Succeed())

			got, _ := tl.Track(track.ID)
			Expect(got.NodeIDs).To(BeEmpty())
			_, ok := tl.Lane(lane.ID)
			Expect(ok).To(BeFalse())
		})

		It("keeps a node on at most one track", func() {
			other := timeline.Track{ID: uuid.New(), Name: "V2", Kind: timeline.TrackVideo}
			Expect(tl.AddTrack(other, -1)).To(Succeed())
			n := clip(0, 10)
			Expect(tl.AddNode(n)).To(Succeed())

			Expect(tl.PlaceNode(track.ID, n.ID, -1)).To(Succeed())
			Expect(tl.PlaceNode(other.ID, n.ID, -1)).To(Succeed())

			placement, ok := tl.PlacementOf(n.ID)
			Expect(ok).To(BeTrue())
			Expect(placement.TrackID).To(Equal(other.ID))
			first, _ := tl.Track(track.ID)
			Expect(first.NodeIDs).To(BeEmpty())
		})
	})

	Describe("tracks", func() {
		It("reorders listed tracks first and keeps the rest in order", func() {
			a := timeline.Track{ID: uuid.New(), Name: "A1", Kind: timeline.TrackAudio}
			b := timeline.Track{ID: uuid.New(), Name: "A2", Kind: timeline.TrackAudio}
			Expect(tl.AddTrack(a, -1)).To(Succeed())
			Expect(tl.AddTrack(b, -1)).To(Succeed())

			tl.ReorderTracks([]uuid.UUID{b.ID, uuid.New(), b.ID})

			Expect(tl.TrackOrder()).To(Equal([]uuid.UUID{b.ID, track.ID, a.ID}))
		})

		It("inserts at an index", func() {
			a := timeline.Track{ID: uuid.New(), Name: "A1", Kind: timeline.TrackAudio}
			Expect(tl.AddTrack(a, 0)).To(Succeed())
			Expect(tl.TrackOrder()).To(Equal([]uuid.UUID{a.ID, track.ID}))
		})

		It("leaves nodes on the timeline when a track is removed", func() {
			n := clip(0, 10)
			Expect(tl.AddNode(n)).To(Succeed())
			Expect(tl.PlaceNode(track.ID, n.ID, -1)).To(Succeed())

			Expect(tl.RemoveTrack(track.ID)).To(Succeed())

			_, ok := tl.Node(n.ID)
			Expect(ok).To(BeTrue())
			_, placed := tl.PlacementOf(n.ID)
			Expect(placed).To(BeFalse())
		})
	})

	Describe("ripple", func() {
		It("shifts clips that start at or after the original end", func() {
			a, b, c := clip(0, 10), clip(10, 10), clip(25, 5)
			before := clip(-20, 5)
			for _, n := range []timeline.Node{before, a, b, c} {
				Expect(tl.AddNode(n)).To(Succeed())
				Expect(tl.PlaceNode(track.ID, n.ID, -1)).To(Succeed())
			}

			moved, err := tl.Ripple(a.ID, 4)
			Expect(err).NotTo(HaveOccurred())
			Expect(moved).To(HaveLen(2))

			got, _ := tl.Node(a.ID)
			Expect(got.Range.Start).To(Equal(timeline.Frame(4)))
			got, _ = tl.Node(b.ID)
			Expect(got.Range.Start).To(Equal(timeline.Frame(14)))
			got, _ = tl.Node(c.ID)
			Expect(got.Range.Start).To(Equal(timeline.Frame(29)))
			got, _ = tl.Node(before.ID)
			Expect(got.Range.Start).To(Equal(timeline.Frame(-20)))
		})

		It("requires the node to be on a track", func() {
			n := clip(0, 10)
			Expect(tl.AddNode(n)).To(Succeed())
			_, err := tl.Ripple(n.ID, 5)
			Expect(err).To(MatchError(timeline.ErrInvalidEdit))
		})

		It("detects when a backwards ripple cannot be reversed", func() {
			a, b := clip(0, 10), clip(8, 10)
			for _, n := range []timeline.Node{a, b} {
				Expect(tl.AddNode(n)).To(Succeed())
				Expect(tl.PlaceNode(track.ID, n.ID, -1)).To(Succeed())
			}
			Expect(tl.RippleReversible(a.ID, 20)).To(BeTrue())
			Expect(tl.RippleReversible(a.ID, -5)).To(BeFalse())
		})
	})

	Describe("roll", func() {
		var left, right timeline.Node

		BeforeEach(func() {
			left = clip(0, 10)
			left.SourceLength = 15
			right = clip(10, 10)
			right.Media = timeline.Range{Start: 5, Duration: 10}
			Expect(tl.AddNode(left)).To(Succeed())
			Expect(tl.AddNode(right)).To(Succeed())
		})

		It("moves the edit point and shifts the right media in-point", func() {
			Expect(tl.Roll(left.ID, right.ID, 13)).To(Succeed())

			l, _ := tl.Node(left.ID)
			r, _ := tl.Node(right.ID)
			Expect(l.Range).To(Equal(timeline.Range{Start: 0, Duration: 13}))
			Expect(r.Range).To(Equal(timeline.Range{Start: 13, Duration: 7}))
			Expect(r.Media.Start).To(Equal(timeline.Frame(8)))
		})

		It("rejects points outside the two clips", func() {
			Expect(tl.Roll(left.ID, right.ID, 0)).To(MatchError(timeline.ErrInvalidEdit))
			Expect(tl.Roll(left.ID, right.ID, 20)).To(MatchError(timeline.ErrInvalidEdit))
		})

		It("respects the left clip's source length", func() {
			Expect(tl.Roll(left.ID, right.ID, 16)).To(MatchError(timeline.ErrInvalidEdit))
		})

		It("rejects pulling the right in-point before media start", func() {
			Expect(tl.Roll(left.ID, right.ID, 4)).To(MatchError(timeline.ErrInvalidEdit))
			Expect(tl.Roll(left.ID, right.ID, 5)).To(Succeed())
		})
	})

	Describe("slide", func() {
		It("keeps the media in-point within the source", func() {
			n := clip(0, 10)
			n.SourceLength = 30
			Expect(tl.AddNode(n)).To(Succeed())

			Expect(tl.Slide(n.ID, 20)).To(Succeed())
			Expect(tl.Slide(n.ID, 1)).To(MatchError(timeline.ErrInvalidEdit))
			Expect(tl.Slide(n.ID, -21)).To(MatchError(timeline.ErrInvalidEdit))

			got, _ := tl.Node(n.ID)
			Expect(got.Media.Start).To(Equal(timeline.Frame(20)))
			Expect(got.Range.Start).To(Equal(timeline.Frame(0)))
		})
	})

	Describe("automation", func() {
		var lane timeline.Lane

		BeforeEach(func() {
			n := clip(0, 100)
			Expect(tl.AddNode(n)).To(Succeed())
			lane = timeline.Lane{ID: uuid.New(), TargetNode: n.ID, ParameterPath: "audio.gain"}
			Expect(tl.CreateLane(lane)).To(Succeed())
		})

		It("requires an existing target node", func() {
			orphan := timeline.Lane{ID: uuid.New(), TargetNode: uuid.New(), ParameterPath: "x"}
			Expect(tl.CreateLane(orphan)).To(MatchError(timeline.ErrNotFound))
		})

		It("keeps keyframes sorted and replaces same-frame keyframes", func() {
			Expect(tl.AddKeyframe(lane.ID, timeline.Keyframe{Frame: 50, Value: 0.5})).To(Succeed())
			Expect(tl.AddKeyframe(lane.ID, timeline.Keyframe{Frame: 10, Value: 0.1})).To(Succeed())
			Expect(tl.AddKeyframe(lane.ID, timeline.Keyframe{Frame: 50, Value: 0.9})).To(Succeed())

			got, _ := tl.Lane(lane.ID)
			Expect(got.Interpolation).To(Equal(timeline.InterpolationLinear))
			Expect(got.Keyframes).To(Equal([]timeline.Keyframe{{Frame: 10, Value: 0.1}, {Frame: 50, Value: 0.9}}))
		})

		It("updates and removes keyframes by frame", func() {
			Expect(tl.AddKeyframe(lane.ID, timeline.Keyframe{Frame: 10, Value: 1})).To(Succeed())
			Expect(tl.UpdateKeyframe(lane.ID, 10, 2)).To(Succeed())
			kf, ok := tl.Keyframe(lane.ID, 10)
			Expect(ok).To(BeTrue())
			Expect(kf.Value).To(Equal(2.0))

			Expect(tl.RemoveKeyframe(lane.ID, 10)).To(Succeed())
			Expect(tl.RemoveKeyframe(lane.ID, 10)).To(MatchError(timeline.ErrNotFound))
			Expect(tl.UpdateKeyframe(lane.ID, 99, 1)).To(MatchError(timeline.ErrNotFound))
		})
	})

	Describe("markers", func() {
		It("adds, relabels and removes markers", func() {
			m := timeline.Marker{ID: uuid.New(), Frame: 12, Label: "intro"}
			Expect(tl.AddMarker(m)).To(Succeed())
			label := "chorus"
			Expect(tl.UpdateMarker(m.ID, 40, &label)).To(Succeed())

			got, ok := tl.Marker(m.ID)
			Expect(ok).To(BeTrue())
			Expect(got.Frame).To(Equal(timeline.Frame(40)))
			Expect(got.Label).To(Equal("chorus"))
			Expect(got.Type).To(Equal(timeline.MarkerStandard))

			Expect(tl.RemoveMarker(m.ID)).To(Succeed())
			Expect(tl.Markers()).To(BeEmpty())
		})
	})

	Describe("canonical document", func() {
		It("hashes equal states equally regardless of edit history", func() {
			n := clip(0, 10)
			Expect(tl.AddNode(n)).To(Succeed())
			Expect(tl.PlaceNode(track.ID, n.ID, -1)).To(Succeed())
			Expect(tl.UnplaceNode(track.ID, n.ID)).To(Succeed())

			fresh := timeline.New()
			Expect(fresh.AddTrack(track, -1)).To(Succeed())
			Expect(fresh.AddNode(n)).To(Succeed())

			Expect(tl.Hash()).To(Equal(fresh.Hash()))
		})

		It("round-trips through JSON", func() {
			n := clip(0, 10)
			n.Metadata = map[string]interface{}{"scene": "3"}
			Expect(tl.AddNode(n)).To(Succeed())
			Expect(tl.PlaceNode(track.ID, n.ID, -1)).To(Succeed())
			Expect(tl.AddMarker(timeline.Marker{ID: uuid.New(), Frame: 3, Label: "m"})).To(Succeed())

			data, err := json.Marshal(tl)
			Expect(err).NotTo(HaveOccurred())

			restored := timeline.New()
			Expect(json.Unmarshal(data, restored)).To(Succeed())
			Expect(restored.Hash()).To(Equal(tl.Hash()))
		})

		It("clones independently", func() {
			n := clip(0, 10)
			Expect(tl.AddNode(n)).To(Succeed())
			clone := tl.Clone()
			Expect(clone.MoveNode(n.ID, 50)).To(Succeed())

			got, _ := tl.Node(n.ID)
			Expect(got.Range.Start).To(Equal(timeline.Frame(0)))
			Expect(clone.Hash()).NotTo(Equal(tl.Hash()))
		})
	})
})
