package presence

import (
	"sort"
	"time"

	"github.com/google/uuid"

	syncerrors "github.com/developer-mesh/timeline-sync/pkg/errors"
)

// Defaults
const (
	DefaultTTL    = 30 * time.Second
	DefaultRetain = 5 * time.Minute
)

// CodeForeignPresence marks an update about a user other than its sender
const CodeForeignPresence = "FOREIGN_PRESENCE"

// State is one user's presence in a session
type State struct {
	User         User            `json:"user"`
	SessionID    uuid.UUID       `json:"session_id"`
	Cursor       *CursorPosition `json:"cursor_position,omitempty"`
	Selection    *Selection      `json:"selection,omitempty"`
	Viewport     *Viewport       `json:"viewport,omitempty"`
	LastActivity time.Time       `json:"last_activity"`
	IsActive     bool            `json:"is_active"`
}

// Config configures a tracker
type Config struct {
	TTL    time.Duration
	Retain time.Duration
	Now    func() time.Time
}

// Tracker is the presence table of one session. It is not safe for
// concurrent use; the owning session serializes access.
type Tracker struct {
	sessionID uuid.UUID
	ttl       time.Duration
	retain    time.Duration
	now       func() time.Time
	users     map[uuid.UUID]*State
}

// NewTracker creates an empty presence table
func NewTracker(sessionID uuid.UUID, cfg Config) *Tracker {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultRetain
	}
	if cfg.Retain < cfg.TTL {
		cfg.Retain = cfg.TTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		sessionID: sessionID,
		ttl:       cfg.TTL,
		retain:    cfg.Retain,
		now:       cfg.Now,
		users:     make(map[uuid.UUID]*State),
	}
}

// Join adds a user, or refreshes and revives one already present. It returns
// the updates to broadcast.
func (t *Tracker) Join(user User) []Update {
	if user.Color == "" {
		user.Color = ColorFor(user.ID)
	}
	if st, ok := t.users[user.ID]; ok {
		st.User = user
		return t.touch(st)
	}
	t.users[user.ID] = &State{
		User:         user,
		SessionID:    t.sessionID,
		LastActivity: t.now(),
		IsActive:     true,
	}
	return []Update{UserJoined{User: user}}
}

// Leave removes a user
func (t *Tracker) Leave(userID uuid.UUID) (Update, bool) {
	if _, ok := t.users[userID]; !ok {
		return nil, false
	}
	delete(t.users, userID)
	return UserLeft{UserID: userID}, true
}

// Apply records an update sent by sender and returns the updates to
// broadcast. A silent user is revived by any update; an unknown sender
// joins implicitly.
func (t *Tracker) Apply(sender uuid.UUID, u Update) ([]Update, error) {
	if u == nil {
		return nil, syncerrors.New(CodeMalformedPresence, "nil presence update", syncerrors.ClassMalformed)
	}
	if u.Subject() != sender {
		return nil, syncerrors.Newf(CodeForeignPresence, syncerrors.ClassValidation,
			"presence update for %s sent by %s", u.Subject(), sender).WithOperation("presence.Apply")
	}

	switch v := u.(type) {
	case UserJoined:
		return t.Join(v.User), nil
	case UserLeft:
		if left, ok := t.Leave(sender); ok {
			return []Update{left}, nil
		}
		return nil, nil
	}

	var out []Update
	st, ok := t.users[sender]
	if !ok {
		out = t.Join(NewUser(sender, ""))
		st = t.users[sender]
	}

	switch v := u.(type) {
	case CursorMoved:
		pos := v.Position
		st.Cursor = &pos
	case SelectionChanged:
		sel := v.Selection
		st.Selection = &sel
	case ViewportChanged:
		vp := v.Viewport
		st.Viewport = &vp
	case UserIdle:
		st.LastActivity = t.now()
		if st.IsActive {
			st.IsActive = false
			out = append(out, u)
		}
		return out, nil
	case UserActive:
		return append(out, t.touch(st)...), nil
	}

	out = append(out, t.touch(st)...)
	return append(out, u), nil
}

func (t *Tracker) touch(st *State) []Update {
	st.LastActivity = t.now()
	if st.IsActive {
		return nil
	}
	st.IsActive = true
	return []Update{UserActive{UserID: st.User.ID}}
}

// Sweep marks users silent for longer than the TTL inactive and drops users
// silent for longer than the retention period
func (t *Tracker) Sweep() []Update {
	now := t.now()
	var out []Update
	for _, id := range t.sortedIDs() {
		st := t.users[id]
		silent := now.Sub(st.LastActivity)
		switch {
		case silent > t.retain:
			delete(t.users, id)
			out = append(out, UserLeft{UserID: id})
		case silent > t.ttl && st.IsActive:
			st.IsActive = false
			out = append(out, UserIdle{UserID: id})
		}
	}
	return out
}

// Get returns a copy of a user's presence
func (t *Tracker) Get(userID uuid.UUID) (State, bool) {
	st, ok := t.users[userID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Active returns the active users ordered by id
func (t *Tracker) Active() []State {
	var out []State
	for _, id := range t.sortedIDs() {
		if st := t.users[id]; st.IsActive {
			out = append(out, *st)
		}
	}
	return out
}

// All returns every tracked user ordered by id
func (t *Tracker) All() []State {
	out := make([]State, 0, len(t.users))
	for _, id := range t.sortedIDs() {
		out = append(out, *t.users[id])
	}
	return out
}

// ViewingNode returns the users whose selection holds the node
func (t *Tracker) ViewingNode(nodeID uuid.UUID) []State {
	var out []State
	for _, id := range t.sortedIDs() {
		if st := t.users[id]; st.Selection.Contains(nodeID) {
			out = append(out, *st)
		}
	}
	return out
}

// Len returns the number of tracked users
func (t *Tracker) Len() int {
	return len(t.users)
}

func (t *Tracker) sortedIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(t.users))
	for id := range t.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
