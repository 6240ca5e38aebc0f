package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/presence"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/replica"
	syncerrors "github.com/developer-mesh/timeline-sync/pkg/errors"
	"github.com/developer-mesh/timeline-sync/pkg/protocol"
	"github.com/developer-mesh/timeline-sync/pkg/resilience"
	"github.com/developer-mesh/timeline-sync/pkg/timeline"
	"github.com/developer-mesh/timeline-sync/pkg/timeline/projection"
)

var (
	testSession = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	alice       = presence.NewUser(uuid.MustParse("00000000-0000-0000-0000-000000000001"), "alice")
	bob         = presence.NewUser(uuid.MustParse("00000000-0000-0000-0000-000000000002"), "bob")
)

// fakeConn is the server side of one client connection
type fakeConn struct {
	conn    *websocket.Conn
	request *http.Request
	inbound chan protocol.Message
	done    chan struct{}
}

func (fc *fakeConn) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-fc.inbound:
		require.True(t, ok, "connection closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client message")
		return nil
	}
}

func (fc *fakeConn) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	env, err := protocol.Wrap(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, fc.conn, env))
}

func (fc *fakeConn) close() {
	_ = fc.conn.Close(websocket.StatusGoingAway, "bye")
}

type fakeServer struct {
	srv   *httptest.Server
	conns chan *fakeConn
	stop  chan struct{}
	once  sync.Once

	mu   sync.Mutex
	gate chan struct{}
}

func newFakeServer(t *testing.T, status int) *fakeServer {
	fs := &fakeServer{conns: make(chan *fakeConn, 4), stop: make(chan struct{})}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		if !fs.wait() {
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fc := &fakeConn{conn: conn, request: r, inbound: make(chan protocol.Message, 64), done: make(chan struct{})}
		go func() {
			defer close(fc.done)
			defer close(fc.inbound)
			for {
				var env protocol.Envelope
				if err := wsjson.Read(context.Background(), conn, &env); err != nil {
					return
				}
				msg, err := protocol.Unwrap(env)
				if err != nil {
					continue
				}
				fc.inbound <- msg
			}
		}()
		fs.conns <- fc
		select {
		case <-fc.done:
		case <-fs.stop:
			_ = conn.CloseNow()
		}
	}))
	t.Cleanup(fs.close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) accept(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case fc := <-fs.conns:
		return fc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client to dial")
		return nil
	}
}

// hold stalls new dials until release is called
func (fs *fakeServer) hold() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.gate == nil {
		fs.gate = make(chan struct{})
	}
}

func (fs *fakeServer) release() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.gate != nil {
		close(fs.gate)
		fs.gate = nil
	}
}

func (fs *fakeServer) wait() bool {
	fs.mu.Lock()
	gate := fs.gate
	fs.mu.Unlock()
	if gate == nil {
		return true
	}
	select {
	case <-gate:
		return true
	case <-fs.stop:
		return false
	}
}

func (fs *fakeServer) close() {
	fs.once.Do(func() {
		close(fs.stop)
		fs.srv.Close()
	})
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		Multiplier:      1.5,
	}
}

func startClient(t *testing.T, fs *fakeServer, opts ...Option) (*Client, func() error) {
	t.Helper()
	opts = append([]Option{WithReconnect(fastRetry())}, opts...)
	c, err := New(fs.url(), testSession, alice, projection.Factory, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	var (
		once    sync.Once
		stopErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-errc:
			case <-time.After(5 * time.Second):
				t.Error("client did not stop")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { _ = stop() })
	return c, stop
}

func remoteTrack(t *testing.T, name string) (operation.Operation, *replica.Replica) {
	t.Helper()
	r, err := replica.New(replica.Config{SessionID: testSession, UserID: bob.ID, Factory: projection.Factory})
	require.NoError(t, err)
	op, err := r.ApplyLocal(operation.AddTrack{Track: timeline.Track{ID: uuid.New(), Name: name, Kind: timeline.TrackVideo}})
	require.NoError(t, err)
	return op, r
}

func marker(label string) operation.AddMarker {
	return operation.AddMarker{Marker: timeline.Marker{ID: uuid.New(), Frame: 10, Label: label}}
}

func waitState(t *testing.T, c *Client, want replica.State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Replica().State() == want }, 5*time.Second, 5*time.Millisecond)
}

func handshake(t *testing.T, fc *fakeConn, backlog ...operation.Operation) {
	t.Helper()
	msg := fc.next(t)
	hello, ok := msg.(protocol.Connect)
	require.True(t, ok, "expected connect, got %T", msg)
	assert.Equal(t, alice.ID, hello.User)
	fc.send(t, protocol.Connected{
		UserID:       alice.ID,
		Backlog:      backlog,
		Participants: []presence.User{alice, bob},
	})
}

func TestHandshakeOperationsAndAcks(t *testing.T) {
	fs := newFakeServer(t, 0)
	c, stop := startClient(t, fs)

	fc := fs.accept(t)
	assert.Equal(t, "/ws/"+testSession.String(), fc.request.URL.Path)
	assert.Equal(t, alice.ID.String(), fc.request.URL.Query().Get("user_id"))
	assert.Equal(t, "alice", fc.request.URL.Query().Get("name"))

	backlog, _ := remoteTrack(t, "Video 1")
	handshake(t, fc, backlog)
	waitState(t, c, replica.Live)

	assert.Equal(t, 1, c.Replica().Len())
	_, ok := c.Replica().Operation(backlog.ID)
	assert.True(t, ok)
	assert.Equal(t, []presence.User{bob}, c.Participants())

	op, err := c.Apply(marker("intro"))
	require.NoError(t, err)
	assert.Contains(t, op.Parents, backlog.ID)

	msg := fc.next(t)
	sent, ok := msg.(protocol.OperationMessage)
	require.True(t, ok, "expected operation, got %T", msg)
	assert.Equal(t, op.ID, sent.Op.ID)

	fc.send(t, protocol.OperationAck{OpID: op.ID})
	require.Eventually(t, func() bool {
		queued, err := c.outbox.List()
		return err == nil && len(queued) == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, c.Replica().Outbox())

	fc.send(t, protocol.Ping{Nonce: 7, SentAt: time.Now().UTC()})
	msg = fc.next(t)
	pong, ok := msg.(protocol.Pong)
	require.True(t, ok, "expected pong, got %T", msg)
	assert.Equal(t, uint64(7), pong.Nonce)

	fc.send(t, protocol.SyncRequest{})
	msg = fc.next(t)
	resp, ok := msg.(protocol.SyncResponse)
	require.True(t, ok, "expected sync response, got %T", msg)
	assert.Len(t, resp.Operations, 2)
	// the marker follows bob's clock-1 track, so it is stamped 2
	assert.Equal(t, uint64(2), op.Clock)
	assert.Equal(t, op.Clock, resp.VectorClock.Get(alice.ID))

	assert.ErrorIs(t, stop(), context.Canceled)
}

func TestRemoteOperationAndPresence(t *testing.T) {
	fs := newFakeServer(t, 0)
	c, _ := startClient(t, fs)

	fc := fs.accept(t)
	handshake(t, fc)
	waitState(t, c, replica.Live)

	first, r := remoteTrack(t, "Video 1")
	second, err := r.ApplyLocal(operation.RenameTrack{TrackID: first.Kind.(operation.AddTrack).Track.ID, NewName: "Main"})
	require.NoError(t, err)

	// out of causal order: the rename waits for its parent
	fc.send(t, protocol.OperationMessage{Op: second})
	fc.send(t, protocol.OperationMessage{Op: first})
	require.Eventually(t, func() bool { return c.Replica().Len() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, r.Hash(), c.Replica().Hash())

	carol := presence.NewUser(uuid.New(), "carol")
	fc.send(t, protocol.PresenceMessage{Update: presence.UserJoined{User: carol}})
	require.Eventually(t, func() bool { return len(c.Participants()) == 2 }, 5*time.Second, 5*time.Millisecond)
	fc.send(t, protocol.PresenceMessage{Update: presence.UserLeft{UserID: bob.ID}})
	require.Eventually(t, func() bool {
		users := c.Participants()
		return len(users) == 1 && users[0].ID == carol.ID
	}, 5*time.Second, 5*time.Millisecond)

	c.UpdatePresence(presence.CursorMoved{UserID: alice.ID, Position: presence.CursorPosition{Frame: 42}})
	msg := fc.next(t)
	pm, ok := msg.(protocol.PresenceMessage)
	require.True(t, ok, "expected presence, got %T", msg)
	assert.Equal(t, presence.CursorMoved{UserID: alice.ID, Position: presence.CursorPosition{Frame: 42}}, pm.Update)

	var sawRemote bool
	for len(c.Events()) > 0 {
		if e := <-c.Events(); e.Type == EventRemoteApplied {
			sawRemote = true
		}
	}
	assert.True(t, sawRemote)
}

func TestReconnectResyncsAndFlushesOutbox(t *testing.T) {
	fs := newFakeServer(t, 0)
	c, _ := startClient(t, fs)

	fc := fs.accept(t)
	handshake(t, fc)
	waitState(t, c, replica.Live)

	// keep the redial parked so the edit below lands while offline
	fs.hold()
	fc.close()
	waitState(t, c, replica.Disconnected)

	op, err := c.Apply(marker("offline"))
	require.NoError(t, err)
	assert.Len(t, c.Replica().Outbox(), 1)
	assert.Equal(t, replica.Disconnected, c.Replica().State())

	fs.release()
	fc = fs.accept(t)
	msg := fc.next(t)
	req, ok := msg.(protocol.SyncRequest)
	require.True(t, ok, "expected sync request on reconnect, got %T", msg)
	assert.Equal(t, uint64(1), req.Since.Get(alice.ID))

	missed, _ := remoteTrack(t, "Audio 1")
	fc.send(t, protocol.SyncResponse{Operations: []operation.Operation{missed}})
	waitState(t, c, replica.Live)

	msg = fc.next(t)
	sent, ok := msg.(protocol.OperationMessage)
	require.True(t, ok, "expected queued operation, got %T", msg)
	assert.Equal(t, op.ID, sent.Op.ID)
	assert.Equal(t, 2, c.Replica().Len())
}

func TestUnansweredPingDropsConnection(t *testing.T) {
	fs := newFakeServer(t, 0)
	c, _ := startClient(t, fs, WithKeepalive(50*time.Millisecond, 250*time.Millisecond))

	fc := fs.accept(t)
	handshake(t, fc)
	waitState(t, c, replica.Live)

	// the server reads the ping but never answers it
	msg := fc.next(t)
	_, ok := msg.(protocol.Ping)
	require.True(t, ok, "expected ping, got %T", msg)

	fc = fs.accept(t)
	msg = fc.next(t)
	_, ok = msg.(protocol.SyncRequest)
	require.True(t, ok, "expected sync request after redial, got %T", msg)

	var sawDisconnect bool
	for len(c.Events()) > 0 {
		if e := <-c.Events(); e.Type == EventStateChanged && e.State == replica.Disconnected {
			sawDisconnect = true
		}
	}
	assert.True(t, sawDisconnect)
}

func TestAnsweredPingsKeepConnection(t *testing.T) {
	fs := newFakeServer(t, 0)
	c, _ := startClient(t, fs, WithKeepalive(20*time.Millisecond, time.Second))

	fc := fs.accept(t)
	handshake(t, fc)
	waitState(t, c, replica.Live)

	var last uint64
	for i := 0; i < 5; i++ {
		msg := fc.next(t)
		ping, ok := msg.(protocol.Ping)
		require.True(t, ok, "expected ping, got %T", msg)
		assert.Greater(t, ping.Nonce, last)
		last = ping.Nonce
		fc.send(t, protocol.Pong{Nonce: ping.Nonce, SentAt: ping.SentAt})
	}

	assert.Equal(t, replica.Live, c.Replica().State())
	assert.Empty(t, fs.conns, "client redialed although every ping was answered")
}

func TestBatchedStrategyWaitsForBatch(t *testing.T) {
	fs := newFakeServer(t, 0)
	c, _ := startClient(t, fs, WithStrategy(Batched(3, time.Hour)))

	fc := fs.accept(t)
	handshake(t, fc)
	waitState(t, c, replica.Live)

	for i := 0; i < 2; i++ {
		_, err := c.Apply(marker("m"))
		require.NoError(t, err)
	}
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, fc.inbound)

	_, err := c.Apply(marker("m"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, ok := fc.next(t).(protocol.OperationMessage)
		assert.True(t, ok)
	}
}

func TestUnauthorizedDialStops(t *testing.T) {
	fs := newFakeServer(t, http.StatusUnauthorized)
	c, err := New(fs.url(), testSession, alice, projection.Factory, WithReconnect(fastRetry()), WithToken("bad"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Run(ctx)
	require.Error(t, err)
	assert.True(t, syncerrors.IsClass(err, syncerrors.ClassAuthentication))
	assert.NoError(t, ctx.Err())
}

func TestRunTwiceFails(t *testing.T) {
	fs := newFakeServer(t, 0)
	c, _ := startClient(t, fs)
	fs.accept(t)
	require.Eventually(t, func() bool { return c.running.Load() }, time.Second, time.Millisecond)
	assert.Error(t, c.Run(context.Background()))
}

func TestOutboxRestoredOnStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	box, err := OpenBoltOutbox(path, testSession, alice.ID)
	require.NoError(t, err)

	queued := operation.CreateLocal(alice.ID, marker("saved"), nil, 1)
	require.NoError(t, box.Put(queued))

	c, err := New("ws://127.0.0.1:1", testSession, alice, projection.Factory, WithOutbox(box))
	require.NoError(t, err)
	defer c.Close()

	require.Len(t, c.Replica().Outbox(), 1)
	assert.Equal(t, queued.ID, c.Replica().Outbox()[0].ID)
	assert.Equal(t, uint64(1), c.Replica().Clock().Get(alice.ID))
}

func TestEndpoint(t *testing.T) {
	c, err := New("ws://example.test/", testSession, presence.User{ID: alice.ID}, projection.Factory)
	require.NoError(t, err)
	got, err := c.endpoint()
	require.NoError(t, err)
	assert.Equal(t, "ws://example.test/ws/"+testSession.String()+"?user_id="+alice.ID.String(), got)
	assert.Equal(t, presence.ColorFor(alice.ID), c.user.Color)
}
