package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/developer-mesh/timeline-sync/apps/sync-server/internal/session"
	"github.com/developer-mesh/timeline-sync/pkg/auth"
	"github.com/developer-mesh/timeline-sync/pkg/client"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/crdt"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/presence"
	"github.com/developer-mesh/timeline-sync/pkg/protocol"
	"github.com/developer-mesh/timeline-sync/pkg/resilience"
	"github.com/developer-mesh/timeline-sync/pkg/timeline"
	"github.com/developer-mesh/timeline-sync/pkg/timeline/projection"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

var (
	sessionID = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000001")
	alice     = presence.NewUser(uuid.MustParse("00000000-0000-0000-0000-000000000001"), "alice")
	bob       = presence.NewUser(uuid.MustParse("00000000-0000-0000-0000-000000000002"), "bob")
)

const testSecret = "websocket-test-secret"

type harness struct {
	srv     *httptest.Server
	ws      *Server
	manager *session.Manager
}

func newHarness(t *testing.T, cfg Config, authService *auth.Service) *harness {
	t.Helper()
	m := session.NewManager(session.ManagerConfig{Session: session.DefaultConfig(projection.Factory)}, nil, nil)
	ws := NewServer(m, authService, nil, nil, cfg)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/ws/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		ws.HandleSession(w, r, id)
	})
	h := &harness{srv: httptest.NewServer(mux), ws: ws, manager: m}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, ws.Shutdown(ctx))
		h.srv.Close()
		assert.NoError(t, m.Shutdown(ctx))
	})
	return h
}

func (h *harness) url(query string) string {
	u := h.srv.URL + "/ws/" + sessionID.String()
	if query != "" {
		u += "?" + query
	}
	return u
}

// rawConn speaks the protocol by hand
type rawConn struct {
	conn *websocket.Conn
}

func dial(t *testing.T, url string, header http.Header) *rawConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return &rawConn{conn: conn}
}

func (rc *rawConn) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	rc.sendRaw(t, data)
}

func (rc *rawConn) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rc.conn.Write(ctx, websocket.MessageText, data))
}

func (rc *rawConn) read() (protocol.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := rc.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func (rc *rawConn) next(t *testing.T) protocol.Message {
	t.Helper()
	msg, err := rc.read()
	require.NoError(t, err)
	return msg
}

func expect[M protocol.Message](t *testing.T, rc *rawConn) M {
	t.Helper()
	msg := rc.next(t)
	m, ok := msg.(M)
	require.True(t, ok, "unexpected %T", msg)
	return m
}

// closeStatus reads until the server closes the connection
func (rc *rawConn) closeStatus(t *testing.T) websocket.StatusCode {
	t.Helper()
	for {
		_, err := rc.read()
		if err != nil && !errors.Is(err, protocol.ErrUnknownType) {
			status := websocket.CloseStatus(err)
			require.NotEqual(t, websocket.StatusCode(-1), status, "expected a close frame: %v", err)
			return status
		}
	}
}

func addMarker(author presence.User, clock uint64, parents ...operation.OperationID) operation.Operation {
	kind := operation.AddMarker{Marker: timeline.Marker{ID: uuid.New(), Frame: int64(clock) * 10, Label: "m"}}
	return operation.CreateLocal(author.ID, kind, parents, clock)
}

func TestProtocolOverWebSocket(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	a := dial(t, h.url("user_id="+alice.ID.String()+"&name=alice"), nil)
	a.send(t, protocol.Connect{User: alice.ID, Name: "alice"})
	connected := expect[protocol.Connected](t, a)
	assert.Equal(t, alice.ID, connected.UserID)
	assert.Empty(t, connected.Backlog)
	assert.Equal(t, sessionID, connected.Session.SessionID)

	b := dial(t, h.url(""), nil)
	b.send(t, protocol.Connect{User: bob.ID, Name: "bob"})
	connected = expect[protocol.Connected](t, b)
	require.Len(t, connected.Participants, 2)

	joined := expect[protocol.PresenceMessage](t, a)
	assert.Equal(t, presence.UserJoined{User: presence.NewUser(bob.ID, "bob")}, joined.Update)

	op := addMarker(alice, 1)
	a.send(t, protocol.OperationMessage{Op: op})
	ack := expect[protocol.OperationAck](t, a)
	assert.Equal(t, op.ID, ack.OpID)
	relayed := expect[protocol.OperationMessage](t, b)
	assert.Equal(t, op.ID, relayed.Op.ID)

	b.send(t, protocol.SyncRequest{Since: crdt.NewVectorClock()})
	resp := expect[protocol.SyncResponse](t, b)
	require.Len(t, resp.Operations, 1)
	assert.Equal(t, uint64(1), resp.VectorClock.Get(alice.ID))

	b.sendRaw(t, []byte(`{"type":"shrug","data":{}}`))
	b.sendRaw(t, []byte(`{nope`))
	errMsg := expect[protocol.Error](t, b)
	assert.Equal(t, protocol.ErrCodeInvalidMessage, errMsg.Code)

	b.send(t, protocol.OperationMessage{Op: addMarker(alice, 2, op.ID)})
	errMsg = expect[protocol.Error](t, b)
	assert.Equal(t, protocol.ErrCodeInvalidOperation, errMsg.Code)

	b.send(t, protocol.Ping{Nonce: 7})
	pong := expect[protocol.Pong](t, b)
	assert.Equal(t, uint64(7), pong.Nonce)

	require.NoError(t, b.conn.Close(websocket.StatusNormalClosure, ""))
	left := expect[protocol.PresenceMessage](t, a)
	assert.Equal(t, presence.UserLeft{UserID: bob.ID}, left.Update)
}

func TestCommandsBeforeConnect(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	rc := dial(t, h.url(""), nil)
	rc.send(t, protocol.SyncRequest{Since: crdt.NewVectorClock()})
	assert.Equal(t, protocol.ErrCodeInvalidState, expect[protocol.Error](t, rc).Code)
	rc.send(t, protocol.OperationMessage{Op: addMarker(alice, 1)})
	assert.Equal(t, protocol.ErrCodeInvalidState, expect[protocol.Error](t, rc).Code)

	rc.send(t, protocol.Connect{})
	assert.Equal(t, protocol.ErrCodeAuthFailed, expect[protocol.Error](t, rc).Code)
	assert.Equal(t, websocket.StatusCode(protocol.ErrCodeAuthFailed), rc.closeStatus(t))
}

func TestSyncRequestJoinsReconnectingPeer(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	a := dial(t, h.url("user_id="+alice.ID.String()), nil)
	a.send(t, protocol.Connect{User: alice.ID})
	expect[protocol.Connected](t, a)
	op := addMarker(alice, 1)
	a.send(t, protocol.OperationMessage{Op: op})
	expect[protocol.OperationAck](t, a)

	b := dial(t, h.url("user_id="+bob.ID.String()), nil)
	b.send(t, protocol.SyncRequest{Since: crdt.NewVectorClock()})
	resp := expect[protocol.SyncResponse](t, b)
	require.Len(t, resp.Operations, 1)
	assert.Equal(t, op.ID, resp.Operations[0].ID)

	assert.Equal(t, presence.UserJoined{User: presence.NewUser(bob.ID, "")}, expect[protocol.PresenceMessage](t, a).Update)
}

func TestAuthentication(t *testing.T) {
	service := auth.NewService(auth.Config{Enabled: true, JWTSecret: testSecret})
	h := newHarness(t, Config{}, service)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, h.url(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := service.GenerateJWT(auth.User{ID: alice.ID, Name: "alice"})
	require.NoError(t, err)

	rc := dial(t, h.url("token="+token), nil)
	rc.send(t, protocol.Connect{User: alice.ID})
	connected := expect[protocol.Connected](t, rc)
	require.Len(t, connected.Participants, 1)
	assert.Equal(t, "alice", connected.Participants[0].Name)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	spoof := dial(t, h.url(""), header)
	spoof.send(t, protocol.Connect{User: bob.ID})
	assert.Equal(t, protocol.ErrCodeAuthFailed, expect[protocol.Error](t, spoof).Code)
	assert.Equal(t, websocket.StatusCode(protocol.ErrCodeAuthFailed), spoof.closeStatus(t))
}

func TestConnectionLimit(t *testing.T) {
	h := newHarness(t, Config{MaxConnections: 1}, nil)

	first := dial(t, h.url(""), nil)
	first.send(t, protocol.Connect{User: alice.ID})
	expect[protocol.Connected](t, first)

	second := dial(t, h.url(""), nil)
	assert.Equal(t, websocket.StatusCode(protocol.ErrCodeTooManyClients), second.closeStatus(t))
	assert.Equal(t, 1, h.ws.ConnectionCount())
}

func TestUnansweredPingClosesConnection(t *testing.T) {
	h := newHarness(t, Config{PingInterval: 20 * time.Millisecond, PongTimeout: 50 * time.Millisecond}, nil)

	rc := dial(t, h.url(""), nil)
	rc.send(t, protocol.Connect{User: alice.ID})
	expect[protocol.Connected](t, rc)

	assert.Equal(t, websocket.StatusPolicyViolation, rc.closeStatus(t))
	require.Eventually(t, func() bool { return h.ws.ConnectionCount() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestAnsweredPingKeepsConnection(t *testing.T) {
	h := newHarness(t, Config{PingInterval: 20 * time.Millisecond, PongTimeout: time.Second}, nil)

	rc := dial(t, h.url(""), nil)
	rc.send(t, protocol.Connect{User: alice.ID})
	expect[protocol.Connected](t, rc)

	for i := 0; i < 5; i++ {
		ping := expect[protocol.Ping](t, rc)
		rc.send(t, protocol.Pong{Nonce: ping.Nonce, SentAt: ping.SentAt})
	}
	assert.Equal(t, 1, h.ws.ConnectionCount())
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	rc := dial(t, h.url(""), nil)
	rc.send(t, protocol.Connect{User: alice.ID})
	expect[protocol.Connected](t, rc)

	status := make(chan websocket.StatusCode, 1)
	go func() { status <- rc.closeStatus(t) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.ws.Shutdown(ctx))
	assert.Equal(t, websocket.StatusGoingAway, <-status)
	assert.Zero(t, h.ws.ConnectionCount())
}

func TestPresenceCoalescing(t *testing.T) {
	c := &Connection{
		hub:           NewServer(nil, nil, nil, nil, Config{SendQueueSize: 3}),
		presenceReady: make(chan struct{}, 1),
	}
	frame := func(f int64) presence.Update {
		return presence.CursorMoved{UserID: bob.ID, Position: presence.CursorPosition{Frame: f}}
	}

	c.SendPresence(presence.UserJoined{User: bob})
	c.SendPresence(frame(1))
	c.SendPresence(frame(2))
	c.SendPresence(presence.UserIdle{UserID: bob.ID})
	c.SendPresence(presence.UserActive{UserID: bob.ID})

	assert.Equal(t, []presence.Update{
		presence.UserJoined{User: bob},
		frame(2),
		presence.UserIdle{UserID: bob.ID},
	}, c.takePresence())
	assert.Len(t, c.presenceReady, 1)
	assert.Empty(t, c.takePresence())
}

func TestClientsConverge(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	retry := resilience.RetryConfig{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2}
	newClient := func(u presence.User) (*client.Client, chan error) {
		c, err := client.New(h.srv.URL, sessionID, u, projection.Factory, client.WithReconnect(retry))
		require.NoError(t, err)
		errc := make(chan error, 1)
		go func() { errc <- c.Run(ctx) }()
		return c, errc
	}
	ca, erra := newClient(alice)
	cb, errb := newClient(bob)
	defer func() {
		cancel()
		for _, errc := range []chan error{erra, errb} {
			select {
			case err := <-errc:
				assert.ErrorIs(t, err, context.Canceled)
			case <-time.After(5 * time.Second):
				t.Error("client did not stop")
			}
		}
		assert.NoError(t, ca.Close())
		assert.NoError(t, cb.Close())
	}()

	track := timeline.Track{ID: uuid.New(), Name: "V1", Kind: timeline.TrackVideo}
	_, err := ca.Apply(operation.AddTrack{Track: track})
	require.NoError(t, err)
	_, err = cb.Apply(operation.AddMarker{Marker: timeline.Marker{ID: uuid.New(), Frame: 24, Label: "cut"}})
	require.NoError(t, err)
	_, err = ca.Apply(operation.AddMarker{Marker: timeline.Marker{ID: uuid.New(), Frame: 48, Label: "out"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ca.Replica().Len() == 3 && cb.Replica().Len() == 3 &&
			ca.Replica().Hash() == cb.Replica().Hash() &&
			len(ca.Replica().Outbox()) == 0 && len(cb.Replica().Outbox()) == 0
	}, 10*time.Second, 10*time.Millisecond)
}
