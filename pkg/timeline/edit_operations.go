package timeline

import (
	"fmt"

	"github.com/google/uuid"
)

// Ripple moves a node to newStart and shifts every node on the same track
// that started at or after the node's original end by the same delta. It
// returns the new start of every shifted node.
func (t *Timeline) Ripple(id uuid.UUID, newStart Frame) (map[uuid.UUID]Frame, error) {
	n, err := t.editableNode(id)
	if err != nil {
		return nil, fmt.Errorf("ripple: %w", err)
	}
	tr := t.trackOf(id)
	if tr == nil {
		return nil, fmt.Errorf("ripple %s: node is not on a track: %w", id, ErrInvalidEdit)
	}

	followers := t.rippleFollowers(tr, id, n.Range.End())
	for _, f := range followers {
		if f.Locked {
			return nil, fmt.Errorf("ripple follower %s: %w", f.ID, ErrLocked)
		}
	}

	delta := newStart - n.Range.Start
	n.Range.Start = newStart
	moved := make(map[uuid.UUID]Frame, len(followers))
	for _, f := range followers {
		f.Range.Start += delta
		moved[f.ID] = f.Range.Start
	}
	return moved, nil
}

// RippleReversible reports whether rippling the node back to its current
// start after a ripple to newStart restores every position
func (t *Timeline) RippleReversible(id uuid.UUID, newStart Frame) bool {
	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	tr := t.trackOf(id)
	if tr == nil {
		return false
	}
	delta := newStart - n.Range.Start
	if delta >= 0 {
		return true
	}
	end := n.Range.End()
	// A node starting inside [end+delta, end) would be caught by the reverse ripple
	for _, otherID := range tr.NodeIDs {
		if otherID == id {
			continue
		}
		other, ok := t.nodes[otherID]
		if !ok {
			continue
		}
		if other.Range.Start >= end+delta && other.Range.Start < end {
			return false
		}
	}
	return true
}

func (t *Timeline) rippleFollowers(tr *Track, id uuid.UUID, originalEnd Frame) []*Node {
	var followers []*Node
	for _, otherID := range tr.NodeIDs {
		if otherID == id {
			continue
		}
		if other, ok := t.nodes[otherID]; ok && other.Range.Start >= originalEnd {
			followers = append(followers, other)
		}
	}
	return followers
}

// Roll moves the edit point between two clips. The left clip ends at point
// and the right clip starts there, with its media in-point shifted to match.
func (t *Timeline) Roll(leftID, rightID uuid.UUID, point Frame) error {
	left, err := t.editableNode(leftID)
	if err != nil {
		return fmt.Errorf("roll left: %w", err)
	}
	right, err := t.editableNode(rightID)
	if err != nil {
		return fmt.Errorf("roll right: %w", err)
	}
	if leftID == rightID {
		return fmt.Errorf("roll %s against itself: %w", leftID, ErrInvalidEdit)
	}

	leftStart := left.Range.Start
	rightEnd := right.Range.End()
	if point <= leftStart || point >= rightEnd {
		return fmt.Errorf("roll edit point %d outside (%d, %d): %w", point, leftStart, rightEnd, ErrInvalidEdit)
	}

	newLeftDuration := point - leftStart
	newRightDuration := rightEnd - point

	if left.SourceLength > 0 && left.Media.Start+newLeftDuration > left.SourceLength {
		return fmt.Errorf("roll extends left clip beyond media bounds: %w", ErrInvalidEdit)
	}

	newRightMediaStart := right.Media.Start + (point - right.Range.Start)
	if newRightMediaStart < 0 {
		return fmt.Errorf("roll extends right clip before media start: %w", ErrInvalidEdit)
	}

	left.Range.Duration = newLeftDuration
	left.Media.Duration = newLeftDuration

	right.Range.Start = point
	right.Range.Duration = newRightDuration
	right.Media.Start = newRightMediaStart
	right.Media.Duration = newRightDuration
	return nil
}

// RollReversible reports whether the current edit point between the two
// clips can be restored by a later roll
func (t *Timeline) RollReversible(leftID, rightID uuid.UUID) (Frame, bool) {
	left, ok := t.nodes[leftID]
	if !ok {
		return 0, false
	}
	right, ok := t.nodes[rightID]
	if !ok {
		return 0, false
	}
	adjacent := left.Range.End() == right.Range.Start
	mediaTracksTimeline := left.Media.Duration == left.Range.Duration && right.Media.Duration == right.Range.Duration
	return left.Range.End(), adjacent && mediaTracksTimeline
}

// Slide shifts a node's media in-point by offset without moving it on the
// timeline. The in-point stays within [0, SourceLength-Duration].
func (t *Timeline) Slide(id uuid.UUID, offset Frame) error {
	n, err := t.editableNode(id)
	if err != nil {
		return fmt.Errorf("slide: %w", err)
	}

	newMediaStart := n.Media.Start + offset
	if newMediaStart < 0 {
		return fmt.Errorf("slide before media start: %w", ErrInvalidEdit)
	}
	if n.SourceLength > 0 && newMediaStart+n.Range.Duration > n.SourceLength {
		return fmt.Errorf("slide beyond media end: %w", ErrInvalidEdit)
	}

	n.Media.Start = newMediaStart
	return nil
}
