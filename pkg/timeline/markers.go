package timeline

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Marker returns a copy of the marker with the given id
func (t *Timeline) Marker(id uuid.UUID) (Marker, bool) {
	m, ok := t.markers[id]
	if !ok {
		return Marker{}, false
	}
	return *m, true
}

// Markers returns every marker ordered by frame, then id
func (t *Timeline) Markers() []Marker {
	markers := make([]Marker, 0, len(t.markers))
	for _, m := range t.markers {
		markers = append(markers, *m)
	}
	sort.Slice(markers, func(i, j int) bool {
		if markers[i].Frame != markers[j].Frame {
			return markers[i].Frame < markers[j].Frame
		}
		return idLess(markers[i].ID, markers[j].ID)
	})
	return markers
}

// AddMarker inserts a marker
func (t *Timeline) AddMarker(m Marker) error {
	if _, exists := t.markers[m.ID]; exists {
		return fmt.Errorf("add marker %s: %w", m.ID, ErrExists)
	}
	if m.Type == "" {
		m.Type = MarkerStandard
	}
	t.markers[m.ID] = &m
	return nil
}

// RemoveMarker deletes a marker
func (t *Timeline) RemoveMarker(id uuid.UUID) error {
	if _, ok := t.markers[id]; !ok {
		return fmt.Errorf("remove marker %s: %w", id, ErrNotFound)
	}
	delete(t.markers, id)
	return nil
}

// UpdateMarker moves a marker and optionally relabels it
func (t *Timeline) UpdateMarker(id uuid.UUID, frame Frame, label *string) error {
	m, ok := t.markers[id]
	if !ok {
		return fmt.Errorf("update marker %s: %w", id, ErrNotFound)
	}
	if frame < 0 {
		return fmt.Errorf("update marker %s to frame %d: %w", id, frame, ErrInvalidEdit)
	}
	m.Frame = frame
	if label != nil {
		m.Label = *label
	}
	return nil
}
