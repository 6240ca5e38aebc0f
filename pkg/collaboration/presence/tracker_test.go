package presence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/developer-mesh/timeline-sync/pkg/errors"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewTracker(uuid.New(), Config{TTL: 30 * time.Second, Retain: 5 * time.Minute, Now: clock.Now}), clock
}

func TestColorFor(t *testing.T) {
	id := uuid.MustParse("ff0a10aa-0000-0000-0000-000000000000")
	assert.Equal(t, "#FF0A10", ColorFor(id))
	assert.Equal(t, "#FF0A10", NewUser(id, "alice").Color)
}

func TestJoinAndLeave(t *testing.T) {
	tr, _ := newTestTracker()
	alice := NewUser(uuid.New(), "alice")

	updates := tr.Join(alice)
	require.Len(t, updates, 1)
	assert.Equal(t, UserJoined{User: alice}, updates[0])
	assert.Empty(t, tr.Join(alice), "rejoining an active user is silent")
	assert.Equal(t, 1, tr.Len())

	left, ok := tr.Leave(alice.ID)
	assert.True(t, ok)
	assert.Equal(t, UserLeft{UserID: alice.ID}, left)
	_, ok = tr.Leave(alice.ID)
	assert.False(t, ok)
	assert.Zero(t, tr.Len())
}

func TestApplyUpdates(t *testing.T) {
	tr, clock := newTestTracker()
	alice := NewUser(uuid.New(), "alice")
	tr.Join(alice)
	node := uuid.New()

	clock.Advance(time.Second)
	track := 2
	out, err := tr.Apply(alice.ID, CursorMoved{UserID: alice.ID, Position: CursorPosition{Frame: 100, TrackIndex: &track}})
	require.NoError(t, err)
	require.Len(t, out, 1)

	_, err = tr.Apply(alice.ID, SelectionChanged{UserID: alice.ID, Selection: Selection{NodeIDs: []uuid.UUID{node}}})
	require.NoError(t, err)
	_, err = tr.Apply(alice.ID, ViewportChanged{UserID: alice.ID, Viewport: Viewport{VisibleStart: 0, VisibleEnd: 480, Zoom: 1.5}})
	require.NoError(t, err)

	st, ok := tr.Get(alice.ID)
	require.True(t, ok)
	assert.Equal(t, int64(100), st.Cursor.Frame)
	assert.Equal(t, 2, *st.Cursor.TrackIndex)
	assert.Equal(t, float32(1.5), st.Viewport.Zoom)
	assert.Equal(t, clock.now, st.LastActivity)
	assert.Len(t, tr.ViewingNode(node), 1)
	assert.Empty(t, tr.ViewingNode(uuid.New()))
}

func TestApplyRejectsForeignSubject(t *testing.T) {
	tr, _ := newTestTracker()
	alice, bob := uuid.New(), uuid.New()

	_, err := tr.Apply(alice, CursorMoved{UserID: bob})
	require.Error(t, err)
	assert.True(t, syncerrors.IsClass(err, syncerrors.ClassValidation))
	assert.Zero(t, tr.Len())
}

func TestApplyJoinsUnknownSender(t *testing.T) {
	tr, _ := newTestTracker()
	id := uuid.New()

	out, err := tr.Apply(id, CursorMoved{UserID: id, Position: CursorPosition{Frame: 5}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, TypeUserJoined, out[0].Type())
	assert.Equal(t, TypeCursorMoved, out[1].Type())

	st, _ := tr.Get(id)
	assert.Equal(t, ColorFor(id), st.User.Color)
}

func TestTTLAndRevival(t *testing.T) {
	tr, clock := newTestTracker()
	alice := NewUser(uuid.New(), "alice")
	bob := NewUser(uuid.New(), "bob")
	tr.Join(alice)
	tr.Join(bob)

	clock.Advance(20 * time.Second)
	_, err := tr.Apply(bob.ID, CursorMoved{UserID: bob.ID})
	require.NoError(t, err)

	clock.Advance(15 * time.Second)
	assert.Equal(t, []Update{UserIdle{UserID: alice.ID}}, tr.Sweep())
	assert.Empty(t, tr.Sweep(), "idle is reported once")

	active := tr.Active()
	require.Len(t, active, 1)
	assert.Equal(t, bob.ID, active[0].User.ID)
	assert.Len(t, tr.All(), 2)

	out, err := tr.Apply(alice.ID, ViewportChanged{UserID: alice.ID, Viewport: Viewport{VisibleEnd: 100}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, UserActive{UserID: alice.ID}, out[0])
	assert.Len(t, tr.Active(), 2)
}

func TestRetentionPurgesSilentUsers(t *testing.T) {
	tr, clock := newTestTracker()
	alice := NewUser(uuid.New(), "alice")
	tr.Join(alice)

	clock.Advance(time.Minute)
	assert.Equal(t, []Update{UserIdle{UserID: alice.ID}}, tr.Sweep())

	clock.Advance(5 * time.Minute)
	assert.Equal(t, []Update{UserLeft{UserID: alice.ID}}, tr.Sweep())
	_, ok := tr.Get(alice.ID)
	assert.False(t, ok)
}

func TestExplicitIdleAndActive(t *testing.T) {
	tr, _ := newTestTracker()
	id := uuid.New()
	tr.Join(NewUser(id, "carol"))

	out, err := tr.Apply(id, UserIdle{UserID: id})
	require.NoError(t, err)
	assert.Equal(t, []Update{UserIdle{UserID: id}}, out)
	assert.Empty(t, tr.Active())

	out, err = tr.Apply(id, UserActive{UserID: id})
	require.NoError(t, err)
	assert.Equal(t, []Update{UserActive{UserID: id}}, out)

	out, err = tr.Apply(id, UserLeft{UserID: id})
	require.NoError(t, err)
	assert.Equal(t, []Update{UserLeft{UserID: id}}, out)
	assert.Zero(t, tr.Len())
}

func TestUpdateCodec(t *testing.T) {
	id := uuid.New()
	updates := []Update{
		UserJoined{User: NewUser(id, "alice")},
		UserLeft{UserID: id},
		CursorMoved{UserID: id, Position: CursorPosition{Frame: 12}},
		SelectionChanged{UserID: id, Selection: Selection{NodeIDs: []uuid.UUID{uuid.New()}, FrameRange: &FrameRange{Start: 1, End: 9}}},
		ViewportChanged{UserID: id, Viewport: Viewport{VisibleStart: 10, VisibleEnd: 20, Zoom: 2}},
		UserIdle{UserID: id},
		UserActive{UserID: id},
	}
	for _, u := range updates {
		t.Run(u.Type(), func(t *testing.T) {
			data, err := MarshalUpdate(u)
			require.NoError(t, err)
			decoded, err := UnmarshalUpdate(data)
			require.NoError(t, err)
			assert.Equal(t, u, decoded)
		})
	}

	_, err := UnmarshalUpdate([]byte(`{"type":"user_dancing","data":{}}`))
	assert.True(t, syncerrors.IsMalformed(err))
	_, err = UnmarshalUpdate([]byte(`{"type":`))
	assert.True(t, syncerrors.IsMalformed(err))
	_, err = MarshalUpdate(nil)
	assert.Error(t, err)
}
