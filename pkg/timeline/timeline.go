package timeline

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Timeline is the mutable timeline graph. It is not safe for concurrent use;
// the owning replica serializes access.
type Timeline struct {
	nodes   map[uuid.UUID]*Node
	tracks  []*Track
	markers map[uuid.UUID]*Marker
	lanes   map[uuid.UUID]*Lane
}

// New creates an empty timeline
func New() *Timeline {
	return &Timeline{
		nodes:   make(map[uuid.UUID]*Node),
		markers: make(map[uuid.UUID]*Marker),
		lanes:   make(map[uuid.UUID]*Lane),
	}
}

// Node returns a copy of the node with the given id
func (t *Timeline) Node(id uuid.UUID) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return cloneNode(n), true
}

// Nodes returns copies of every node ordered by id
func (t *Timeline) Nodes() []Node {
	nodes := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		nodes = append(nodes, cloneNode(n))
	}
	sort.Slice(nodes, func(i, j int) bool { return idLess(nodes[i].ID, nodes[j].ID) })
	return nodes
}

// Track returns a copy of the track with the given id
func (t *Timeline) Track(id uuid.UUID) (Track, bool) {
	_, tr := t.findTrack(id)
	if tr == nil {
		return Track{}, false
	}
	return cloneTrack(tr), true
}

// Tracks returns copies of the tracks in display order
func (t *Timeline) Tracks() []Track {
	tracks := make([]Track, len(t.tracks))
	for i, tr := range t.tracks {
		tracks[i] = cloneTrack(tr)
	}
	return tracks
}

// TrackOrder returns the track ids in display order
func (t *Timeline) TrackOrder() []uuid.UUID {
	order := make([]uuid.UUID, len(t.tracks))
	for i, tr := range t.tracks {
		order[i] = tr.ID
	}
	return order
}

// PlacementOf returns the track and index holding the node
func (t *Timeline) PlacementOf(nodeID uuid.UUID) (Placement, bool) {
	for _, tr := range t.tracks {
		for i, id := range tr.NodeIDs {
			if id == nodeID {
				return Placement{TrackID: tr.ID, Index: i}, true
			}
		}
	}
	return Placement{}, false
}

// AddNode inserts a new node
func (t *Timeline) AddNode(n Node) error {
	if _, exists := t.nodes[n.ID]; exists {
		return fmt.Errorf("add node %s: %w", n.ID, ErrExists)
	}
	if n.Range.Duration < 0 || n.Media.Duration < 0 {
		return fmt.Errorf("add node %s: negative duration: %w", n.ID, ErrInvalidEdit)
	}
	clone := cloneNode(&n)
	t.nodes[n.ID] = &clone
	return nil
}

// RemoveNode deletes a node, its track placement and every lane targeting it
func (t *Timeline) RemoveNode(id uuid.UUID) error {
	if _, exists := t.nodes[id]; !exists {
		return fmt.Errorf("remove node %s: %w", id, ErrNotFound)
	}
	delete(t.nodes, id)
	for _, tr := range t.tracks {
		tr.NodeIDs = removeID(tr.NodeIDs, id)
	}
	for laneID, lane := range t.lanes {
		if lane.TargetNode == id {
			delete(t.lanes, laneID)
		}
	}
	return nil
}

// MoveNode sets a node's timeline start
func (t *Timeline) MoveNode(id uuid.UUID, start Frame) error {
	n, err := t.editableNode(id)
	if err != nil {
		return fmt.Errorf("move node: %w", err)
	}
	n.Range.Start = start
	return nil
}

// ResizeNode replaces a node's timeline range
func (t *Timeline) ResizeNode(id uuid.UUID, r Range) error {
	n, err := t.editableNode(id)
	if err != nil {
		return fmt.Errorf("resize node: %w", err)
	}
	if r.Duration <= 0 {
		return fmt.Errorf("resize node %s to %d frames: %w", id, r.Duration, ErrInvalidEdit)
	}
	n.Range = r
	return nil
}

// SetMetadata replaces a node's metadata. Locked nodes accept metadata edits.
func (t *Timeline) SetMetadata(id uuid.UUID, metadata map[string]interface{}) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("set metadata %s: %w", id, ErrNotFound)
	}
	n.Metadata = cloneMetadata(metadata)
	return nil
}

// SetLocked sets a node's lock flag
func (t *Timeline) SetLocked(id uuid.UUID, locked bool) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("lock node %s: %w", id, ErrNotFound)
	}
	n.Locked = locked
	return nil
}

// AddTrack inserts a track at index, or appends it when index is out of range.
// Listed nodes that exist and are not placed elsewhere join the track.
func (t *Timeline) AddTrack(tr Track, index int) error {
	if _, existing := t.findTrack(tr.ID); existing != nil {
		return fmt.Errorf("add track %s: %w", tr.ID, ErrExists)
	}
	clone := &Track{ID: tr.ID, Name: tr.Name, Kind: tr.Kind}
	for _, nodeID := range tr.NodeIDs {
		if _, ok := t.nodes[nodeID]; !ok {
			continue
		}
		if _, placed := t.PlacementOf(nodeID); placed || containsID(clone.NodeIDs, nodeID) {
			continue
		}
		clone.NodeIDs = append(clone.NodeIDs, nodeID)
	}

	if index < 0 || index >= len(t.tracks) {
		t.tracks = append(t.tracks, clone)
		return nil
	}
	t.tracks = append(t.tracks, nil)
	copy(t.tracks[index+1:], t.tracks[index:])
	t.tracks[index] = clone
	return nil
}

// RemoveTrack deletes a track. Its nodes stay on the timeline unplaced.
func (t *Timeline) RemoveTrack(id uuid.UUID) error {
	i, tr := t.findTrack(id)
	if tr == nil {
		return fmt.Errorf("remove track %s: %w", id, ErrNotFound)
	}
	t.tracks = append(t.tracks[:i], t.tracks[i+1:]...)
	return nil
}

// RenameTrack changes a track's name
func (t *Timeline) RenameTrack(id uuid.UUID, name string) error {
	_, tr := t.findTrack(id)
	if tr == nil {
		return fmt.Errorf("rename track %s: %w", id, ErrNotFound)
	}
	tr.Name = name
	return nil
}

// ReorderTracks puts the listed tracks first in the given order, followed by
// the unlisted ones in their previous order. Unknown ids are ignored.
func (t *Timeline) ReorderTracks(order []uuid.UUID) {
	placed := make(map[uuid.UUID]bool, len(order))
	reordered := make([]*Track, 0, len(t.tracks))
	for _, id := range order {
		if placed[id] {
			continue
		}
		if _, tr := t.findTrack(id); tr != nil {
			reordered = append(reordered, tr)
			placed[id] = true
		}
	}
	for _, tr := range t.tracks {
		if !placed[tr.ID] {
			reordered = append(reordered, tr)
		}
	}
	t.tracks = reordered
}

// PlaceNode puts a node on a track at index, appending when index is out of
// range. A node already on another track moves.
func (t *Timeline) PlaceNode(trackID, nodeID uuid.UUID, index int) error {
	_, tr := t.findTrack(trackID)
	if tr == nil {
		return fmt.Errorf("place node on track %s: %w", trackID, ErrNotFound)
	}
	if _, ok := t.nodes[nodeID]; !ok {
		return fmt.Errorf("place node %s: %w", nodeID, ErrNotFound)
	}
	for _, other := range t.tracks {
		other.NodeIDs = removeID(other.NodeIDs, nodeID)
	}
	if index < 0 || index >= len(tr.NodeIDs) {
		tr.NodeIDs = append(tr.NodeIDs, nodeID)
		return nil
	}
	tr.NodeIDs = append(tr.NodeIDs, uuid.Nil)
	copy(tr.NodeIDs[index+1:], tr.NodeIDs[index:])
	tr.NodeIDs[index] = nodeID
	return nil
}

// UnplaceNode takes a node off a track
func (t *Timeline) UnplaceNode(trackID, nodeID uuid.UUID) error {
	_, tr := t.findTrack(trackID)
	if tr == nil || !containsID(tr.NodeIDs, nodeID) {
		return fmt.Errorf("unplace node %s from %s: %w", nodeID, trackID, ErrNotFound)
	}
	tr.NodeIDs = removeID(tr.NodeIDs, nodeID)
	return nil
}

func (t *Timeline) editableNode(id uuid.UUID) (*Node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if n.Locked {
		return nil, fmt.Errorf("node %s: %w", id, ErrLocked)
	}
	return n, nil
}

func (t *Timeline) findTrack(id uuid.UUID) (int, *Track) {
	for i, tr := range t.tracks {
		if tr.ID == id {
			return i, tr
		}
	}
	return -1, nil
}

func (t *Timeline) trackOf(nodeID uuid.UUID) *Track {
	for _, tr := range t.tracks {
		if containsID(tr.NodeIDs, nodeID) {
			return tr
		}
	}
	return nil
}

func cloneNode(n *Node) Node {
	clone := *n
	clone.Metadata = cloneMetadata(n.Metadata)
	return clone
}

func cloneTrack(tr *Track) Track {
	clone := *tr
	clone.NodeIDs = append([]uuid.UUID(nil), tr.NodeIDs...)
	return clone
}

func cloneMetadata(md map[string]interface{}) map[string]interface{} {
	if md == nil {
		return nil
	}
	clone := make(map[string]interface{}, len(md))
	for k, v := range md {
		clone[k] = v
	}
	return clone
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

func idLess(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
