// Package presence tracks the ephemeral per-user editor state of a session:
// cursor, selection and viewport. None of it is replicated through the log.
package presence

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	syncerrors "github.com/developer-mesh/timeline-sync/pkg/errors"
)

// User is a session participant
type User struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	AvatarURL string    `json:"avatar_url,omitempty"`
}

// NewUser returns a user with its derived highlight colour
func NewUser(id uuid.UUID, name string) User {
	return User{ID: id, Name: name, Color: ColorFor(id)}
}

// ColorFor renders the first three id bytes as #RRGGBB
func ColorFor(id uuid.UUID) string {
	return fmt.Sprintf("#%02X%02X%02X", id[0], id[1], id[2])
}

// CursorPosition is where a user is pointing on the timeline
type CursorPosition struct {
	Frame      int64 `json:"frame"`
	TrackIndex *int  `json:"track_index,omitempty"`
}

// FrameRange is an inclusive range selection
type FrameRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Selection is the set of entities a user has selected
type Selection struct {
	NodeIDs    []uuid.UUID `json:"node_ids"`
	FrameRange *FrameRange `json:"frame_range,omitempty"`
}

// Contains reports whether the selection holds the node
func (s *Selection) Contains(nodeID uuid.UUID) bool {
	if s == nil {
		return false
	}
	for _, id := range s.NodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Viewport is the visible part of the timeline
type Viewport struct {
	VisibleStart int64   `json:"visible_start"`
	VisibleEnd   int64   `json:"visible_end"`
	Zoom         float32 `json:"zoom"`
}

// Update wire tags
const (
	TypeUserJoined       = "user_joined"
	TypeUserLeft         = "user_left"
	TypeCursorMoved      = "cursor_moved"
	TypeSelectionChanged = "selection_changed"
	TypeViewportChanged  = "viewport_changed"
	TypeUserIdle         = "user_idle"
	TypeUserActive       = "user_active"
)

// Update is a presence change. The set of updates is closed.
type Update interface {
	Type() string
	Subject() uuid.UUID
	isUpdate()
}

type UserJoined struct {
	User User `json:"user"`
}

type UserLeft struct {
	UserID uuid.UUID `json:"user_id"`
}

type CursorMoved struct {
	UserID   uuid.UUID      `json:"user_id"`
	Position CursorPosition `json:"position"`
}

type SelectionChanged struct {
	UserID    uuid.UUID `json:"user_id"`
	Selection Selection `json:"selection"`
}

type ViewportChanged struct {
	UserID   uuid.UUID `json:"user_id"`
	Viewport Viewport  `json:"viewport"`
}

type UserIdle struct {
	UserID uuid.UUID `json:"user_id"`
}

type UserActive struct {
	UserID uuid.UUID `json:"user_id"`
}

func (UserJoined) Type() string       { return TypeUserJoined }
func (UserLeft) Type() string         { return TypeUserLeft }
func (CursorMoved) Type() string      { return TypeCursorMoved }
func (SelectionChanged) Type() string { return TypeSelectionChanged }
func (ViewportChanged) Type() string  { return TypeViewportChanged }
func (UserIdle) Type() string         { return TypeUserIdle }
func (UserActive) Type() string       { return TypeUserActive }

func (u UserJoined) Subject() uuid.UUID       { return u.User.ID }
func (u UserLeft) Subject() uuid.UUID         { return u.UserID }
func (u CursorMoved) Subject() uuid.UUID      { return u.UserID }
func (u SelectionChanged) Subject() uuid.UUID { return u.UserID }
func (u ViewportChanged) Subject() uuid.UUID  { return u.UserID }
func (u UserIdle) Subject() uuid.UUID         { return u.UserID }
func (u UserActive) Subject() uuid.UUID       { return u.UserID }

func (UserJoined) isUpdate()       {}
func (UserLeft) isUpdate()         {}
func (CursorMoved) isUpdate()      {}
func (SelectionChanged) isUpdate() {}
func (ViewportChanged) isUpdate()  {}
func (UserIdle) isUpdate()         {}
func (UserActive) isUpdate()       {}

// CodeMalformedPresence marks an undecodable presence update
const CodeMalformedPresence = "MALFORMED_PRESENCE"

type updateEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var decoders = map[string]func(json.RawMessage) (Update, error){
	TypeUserJoined:       decodeUpdate[UserJoined],
	TypeUserLeft:         decodeUpdate[UserLeft],
	TypeCursorMoved:      decodeUpdate[CursorMoved],
	TypeSelectionChanged: decodeUpdate[SelectionChanged],
	TypeViewportChanged:  decodeUpdate[ViewportChanged],
	TypeUserIdle:         decodeUpdate[UserIdle],
	TypeUserActive:       decodeUpdate[UserActive],
}

func decodeUpdate[U Update](data json.RawMessage) (Update, error) {
	var u U
	if len(data) > 0 {
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// MarshalUpdate encodes an update as {"type": ..., "data": {...}}
func MarshalUpdate(u Update) ([]byte, error) {
	if u == nil {
		return nil, syncerrors.New(CodeMalformedPresence, "nil presence update", syncerrors.ClassMalformed)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", u.Type(), err)
	}
	return json.Marshal(updateEnvelope{Type: u.Type(), Data: data})
}

// UnmarshalUpdate decodes a tagged update
func UnmarshalUpdate(data []byte) (Update, error) {
	var env updateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, syncerrors.Wrap(err, CodeMalformedPresence, syncerrors.ClassMalformed).WithOperation("presence.UnmarshalUpdate")
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return nil, syncerrors.Newf(CodeMalformedPresence, syncerrors.ClassMalformed, "unknown presence update %q", env.Type).
			WithOperation("presence.UnmarshalUpdate")
	}
	u, err := decode(env.Data)
	if err != nil {
		return nil, syncerrors.Wrap(err, CodeMalformedPresence, syncerrors.ClassMalformed).WithOperation("presence.UnmarshalUpdate")
	}
	return u, nil
}
