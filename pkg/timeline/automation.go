package timeline

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Lane returns a copy of the lane with the given id
func (t *Timeline) Lane(id uuid.UUID) (Lane, bool) {
	l, ok := t.lanes[id]
	if !ok {
		return Lane{}, false
	}
	return cloneLane(l), true
}

// Lanes returns copies of every lane ordered by id
func (t *Timeline) Lanes() []Lane {
	lanes := make([]Lane, 0, len(t.lanes))
	for _, l := range t.lanes {
		lanes = append(lanes, cloneLane(l))
	}
	sort.Slice(lanes, func(i, j int) bool { return idLess(lanes[i].ID, lanes[j].ID) })
	return lanes
}

// LanesFor returns the lanes targeting a node ordered by id
func (t *Timeline) LanesFor(nodeID uuid.UUID) []Lane {
	var lanes []Lane
	for _, l := range t.Lanes() {
		if l.TargetNode == nodeID {
			lanes = append(lanes, l)
		}
	}
	return lanes
}

// CreateLane adds an automation lane for an existing node
func (t *Timeline) CreateLane(l Lane) error {
	if _, exists := t.lanes[l.ID]; exists {
		return fmt.Errorf("create lane %s: %w", l.ID, ErrExists)
	}
	if _, ok := t.nodes[l.TargetNode]; !ok {
		return fmt.Errorf("create lane %s for node %s: %w", l.ID, l.TargetNode, ErrNotFound)
	}
	clone := cloneLane(&l)
	if clone.Interpolation == "" {
		clone.Interpolation = InterpolationLinear
	}
	sortKeyframes(clone.Keyframes)
	t.lanes[l.ID] = &clone
	return nil
}

// RemoveLane deletes an automation lane
func (t *Timeline) RemoveLane(id uuid.UUID) error {
	if _, ok := t.lanes[id]; !ok {
		return fmt.Errorf("remove lane %s: %w", id, ErrNotFound)
	}
	delete(t.lanes, id)
	return nil
}

// AddKeyframe inserts a keyframe in frame order, replacing one at the same frame
func (t *Timeline) AddKeyframe(laneID uuid.UUID, kf Keyframe) error {
	l, ok := t.lanes[laneID]
	if !ok {
		return fmt.Errorf("add keyframe to lane %s: %w", laneID, ErrNotFound)
	}
	i := sort.Search(len(l.Keyframes), func(i int) bool { return l.Keyframes[i].Frame >= kf.Frame })
	if i < len(l.Keyframes) && l.Keyframes[i].Frame == kf.Frame {
		l.Keyframes[i] = kf
		return nil
	}
	l.Keyframes = append(l.Keyframes, Keyframe{})
	copy(l.Keyframes[i+1:], l.Keyframes[i:])
	l.Keyframes[i] = kf
	return nil
}

// Keyframe returns the keyframe at frame
func (t *Timeline) Keyframe(laneID uuid.UUID, frame Frame) (Keyframe, bool) {
	l, ok := t.lanes[laneID]
	if !ok {
		return Keyframe{}, false
	}
	if i := keyframeIndex(l, frame); i >= 0 {
		return l.Keyframes[i], true
	}
	return Keyframe{}, false
}

// RemoveKeyframe deletes the keyframe at frame
func (t *Timeline) RemoveKeyframe(laneID uuid.UUID, frame Frame) error {
	l, ok := t.lanes[laneID]
	if !ok {
		return fmt.Errorf("remove keyframe from lane %s: %w", laneID, ErrNotFound)
	}
	i := keyframeIndex(l, frame)
	if i < 0 {
		return fmt.Errorf("remove keyframe at %d: %w", frame, ErrNotFound)
	}
	l.Keyframes = append(l.Keyframes[:i], l.Keyframes[i+1:]...)
	return nil
}

// UpdateKeyframe changes the value of the keyframe at frame
func (t *Timeline) UpdateKeyframe(laneID uuid.UUID, frame Frame, value float64) error {
	l, ok := t.lanes[laneID]
	if !ok {
		return fmt.Errorf("update keyframe in lane %s: %w", laneID, ErrNotFound)
	}
	i := keyframeIndex(l, frame)
	if i < 0 {
		return fmt.Errorf("update keyframe at %d: %w", frame, ErrNotFound)
	}
	l.Keyframes[i].Value = value
	return nil
}

// SetInterpolation changes a lane's curve type
func (t *Timeline) SetInterpolation(laneID uuid.UUID, interpolation Interpolation) error {
	l, ok := t.lanes[laneID]
	if !ok {
		return fmt.Errorf("set interpolation on lane %s: %w", laneID, ErrNotFound)
	}
	l.Interpolation = interpolation
	return nil
}

func keyframeIndex(l *Lane, frame Frame) int {
	i := sort.Search(len(l.Keyframes), func(i int) bool { return l.Keyframes[i].Frame >= frame })
	if i < len(l.Keyframes) && l.Keyframes[i].Frame == frame {
		return i
	}
	return -1
}

func sortKeyframes(kfs []Keyframe) {
	sort.SliceStable(kfs, func(i, j int) bool { return kfs[i].Frame < kfs[j].Frame })
}

func cloneLane(l *Lane) Lane {
	clone := *l
	clone.Keyframes = append([]Keyframe(nil), l.Keyframes...)
	return clone
}
