package timeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Document is the canonical serialized form of a timeline. Every slice is
// sorted and non-nil so equal timelines encode to equal bytes.
type Document struct {
	Nodes   []Node   `json:"nodes"`
	Tracks  []Track  `json:"tracks"`
	Markers []Marker `json:"markers"`
	Lanes   []Lane   `json:"lanes"`
}

// Document returns the canonical form of the timeline
func (t *Timeline) Document() Document {
	doc := Document{
		Nodes:   t.Nodes(),
		Tracks:  t.Tracks(),
		Markers: t.Markers(),
		Lanes:   t.Lanes(),
	}
	for i := range doc.Tracks {
		if doc.Tracks[i].NodeIDs == nil {
			doc.Tracks[i].NodeIDs = []uuid.UUID{}
		}
	}
	for i := range doc.Lanes {
		if doc.Lanes[i].Keyframes == nil {
			doc.Lanes[i].Keyframes = []Keyframe{}
		}
	}
	for i := range doc.Nodes {
		if len(doc.Nodes[i].Metadata) == 0 {
			doc.Nodes[i].Metadata = nil
		}
	}
	return doc
}

// FromDocument rebuilds a timeline from its canonical form
func FromDocument(doc Document) (*Timeline, error) {
	t := New()
	for _, n := range doc.Nodes {
		if err := t.AddNode(n); err != nil {
			return nil, fmt.Errorf("restore timeline: %w", err)
		}
	}
	for _, tr := range doc.Tracks {
		if err := t.AddTrack(tr, -1); err != nil {
			return nil, fmt.Errorf("restore timeline: %w", err)
		}
	}
	for _, m := range doc.Markers {
		if err := t.AddMarker(m); err != nil {
			return nil, fmt.Errorf("restore timeline: %w", err)
		}
	}
	for _, l := range doc.Lanes {
		if err := t.CreateLane(l); err != nil {
			return nil, fmt.Errorf("restore timeline: %w", err)
		}
	}
	return t, nil
}

// MarshalJSON encodes the canonical document
func (t *Timeline) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Document())
}

// UnmarshalJSON replaces the timeline with a decoded document
func (t *Timeline) UnmarshalJSON(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	restored, err := FromDocument(doc)
	if err != nil {
		return err
	}
	*t = *restored
	return nil
}

// Hash returns the hex SHA-256 of the canonical document
func (t *Timeline) Hash() string {
	data, err := json.Marshal(t.Document())
	if err != nil {
		// Metadata holding unencodable values still hashes deterministically
		data = []byte(fmt.Sprintf("%#v", t.Document()))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clone returns an independent copy
func (t *Timeline) Clone() *Timeline {
	clone := New()
	for id, n := range t.nodes {
		c := cloneNode(n)
		clone.nodes[id] = &c
	}
	for _, tr := range t.tracks {
		c := cloneTrack(tr)
		clone.tracks = append(clone.tracks, &c)
	}
	for id, m := range t.markers {
		c := *m
		clone.markers[id] = &c
	}
	for id, l := range t.lanes {
		c := cloneLane(l)
		clone.lanes[id] = &c
	}
	return clone
}
