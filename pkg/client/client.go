// Package client runs a replica against a sync server: it dials over
// websocket, performs the handshake, streams local operations from the
// outbox, applies remote ones and reconnects with backoff after a
// transport failure. Edits keep working while disconnected.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/conflict"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/presence"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/replica"
	syncerrors "github.com/developer-mesh/timeline-sync/pkg/errors"
	"github.com/developer-mesh/timeline-sync/pkg/observability"
	"github.com/developer-mesh/timeline-sync/pkg/protocol"
	"github.com/developer-mesh/timeline-sync/pkg/resilience"
)

// EventType identifies what an Event reports
type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventRemoteApplied EventType = "remote_applied"
	EventConflict      EventType = "conflict"
	EventPresence      EventType = "presence"
	EventServerError   EventType = "server_error"
)

// Event is delivered on the Events channel. Events are dropped when the
// channel is full.
type Event struct {
	Type       EventType
	State      replica.State
	Operations []operation.Operation
	Conflicts  []conflict.Record
	Presence   presence.Update
	Err        error
}

// Client is the runtime of one local replica
type Client struct {
	serverURL   string
	sessionID   uuid.UUID
	user        presence.User
	token       string
	header      http.Header
	httpClient  *http.Client
	strategy    SyncStrategy
	outbox      Outbox
	retry       resilience.RetryConfig
	breakerCfg  resilience.BreakerConfig
	breaker     *resilience.Breaker
	dialTimeout time.Duration
	readLimit   int64
	pingEvery   time.Duration
	pongTimeout time.Duration
	logger      observability.Logger
	metrics     observability.MetricsClient

	replicaCfg replica.Config
	replica    *replica.Replica

	synced   atomic.Bool
	running  atomic.Bool
	nudge    chan struct{}
	presence chan presence.Update
	events   chan Event

	mu           sync.Mutex
	participants map[uuid.UUID]presence.User
}

// Option configures a Client
type Option func(*Client)

// WithToken sends a bearer token on the websocket handshake
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient sets the HTTP client used to dial
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithStrategy sets the outbox flush strategy
func WithStrategy(s SyncStrategy) Option {
	return func(c *Client) { c.strategy = s }
}

// WithOutbox sets the persistent outbox
func WithOutbox(o Outbox) Option {
	return func(c *Client) { c.outbox = o }
}

// WithConflictStrategy sets the local resolver strategy
func WithConflictStrategy(s conflict.Strategy) Option {
	return func(c *Client) { c.replicaCfg.Strategy = s }
}

// WithReconnect sets the reconnect backoff
func WithReconnect(cfg resilience.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithBreaker sets the dial circuit breaker
func WithBreaker(cfg resilience.BreakerConfig) Option {
	return func(c *Client) { c.breakerCfg = cfg }
}

// WithDialTimeout bounds each dial attempt
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithKeepalive sets how often the client pings the server and how long it
// waits for the matching pong before dropping the connection. A non-positive
// interval disables pings.
func WithKeepalive(interval, timeout time.Duration) Option {
	return func(c *Client) {
		c.pingEvery = interval
		if timeout > 0 {
			c.pongTimeout = timeout
		}
	}
}

// WithLogger sets the logger
func WithLogger(l observability.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics client
func WithMetrics(m observability.MetricsClient) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client for user in a session on the server at serverURL
// (ws:// or wss://). Operations left in the outbox are restored.
func New(serverURL string, sessionID uuid.UUID, user presence.User, factory replica.ProjectionFactory, opts ...Option) (*Client, error) {
	c := &Client{
		serverURL:    strings.TrimRight(serverURL, "/"),
		sessionID:    sessionID,
		user:         user,
		header:       http.Header{},
		strategy:     Immediate(),
		breakerCfg:   resilience.DefaultBreakerConfig("sync-dial"),
		dialTimeout:  10 * time.Second,
		readLimit:    4 << 20,
		pingEvery:    15 * time.Second,
		pongTimeout:  10 * time.Second,
		logger:       observability.NewNoopLogger(),
		metrics:      observability.NewNoopMetricsClient(),
		nudge:        make(chan struct{}, 1),
		presence:     make(chan presence.Update, 1),
		events:       make(chan Event, 256),
		participants: make(map[uuid.UUID]presence.User),
		retry: resilience.RetryConfig{
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
		},
		replicaCfg: replica.Config{
			SessionID: sessionID,
			UserID:    user.ID,
			Factory:   factory,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.user.Color == "" {
		c.user.Color = presence.ColorFor(c.user.ID)
	}
	if c.outbox == nil {
		c.outbox = NewMemoryOutbox()
	}
	c.logger = c.logger.With(map[string]interface{}{"session_id": sessionID.String(), "user_id": user.ID.String()})
	c.replicaCfg.Logger = c.logger
	c.replicaCfg.Metrics = c.metrics
	c.breaker = resilience.NewBreaker(c.breakerCfg, c.logger, c.metrics)

	r, err := replica.New(c.replicaCfg)
	if err != nil {
		return nil, err
	}
	c.replica = r

	queued, err := c.outbox.List()
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	if len(queued) > 0 {
		if err := r.RestoreLocal(queued); err != nil {
			return nil, fmt.Errorf("restore outbox: %w", err)
		}
		c.logger.Info("Restored queued operations", map[string]interface{}{"count": len(queued)})
	}
	return c, nil
}

// Replica exposes the local replica for reads
func (c *Client) Replica() *replica.Replica {
	return c.replica
}

// Events returns the event stream
func (c *Client) Events() <-chan Event {
	return c.events
}

// Participants returns the users the server reported, sorted by id
func (c *Client) Participants() []presence.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]presence.User, 0, len(c.participants))
	for _, u := range c.participants {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return operation.CompareIDs(users[i].ID, users[j].ID) < 0 })
	return users
}

// Apply commits a local edit. It never blocks on the network.
func (c *Client) Apply(kind operation.Kind) (operation.Operation, error) {
	op, err := c.replica.ApplyLocal(kind)
	if err != nil {
		return op, err
	}
	c.queued(op)
	return op, nil
}

// Undo reverts the most recent local edit with a new operation
func (c *Client) Undo() (operation.Operation, error) {
	op, err := c.replica.Undo()
	if err != nil {
		return op, err
	}
	c.queued(op)
	return op, nil
}

// ResolveConflict settles a manual conflict with a follow-up edit
func (c *Client) ResolveConflict(id uuid.UUID, kind operation.Kind) (operation.Operation, error) {
	op, err := c.replica.ResolveConflict(id, kind)
	if err != nil {
		return op, err
	}
	c.queued(op)
	return op, nil
}

func (c *Client) queued(op operation.Operation) {
	if err := c.outbox.Put(op); err != nil {
		c.logger.Warn("Failed to persist queued operation", map[string]interface{}{
			"op_id": op.ID.String(),
			"error": err.Error(),
		})
	}
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

// UpdatePresence publishes the local user's presence. Only the latest
// pending update is kept.
func (c *Client) UpdatePresence(u presence.Update) {
	for {
		select {
		case c.presence <- u:
			return
		default:
		}
		select {
		case <-c.presence:
		default:
		}
	}
}

// Close releases the outbox
func (c *Client) Close() error {
	return c.outbox.Close()
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.metrics.IncrementCounterWithLabels("client_events_dropped_total", 1, map[string]string{"type": string(e.Type)})
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.serverURL + "/ws/" + c.sessionID.String())
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", c.user.ID.String())
	if c.user.Name != "" {
		q.Set("name", c.user.Name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and serves until ctx is done, reconnecting after every
// transport failure. It returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("client: already running")
	}
	defer c.running.Store(false)

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		err = c.serve(ctx, conn)
		c.replica.Disconnect()
		c.emit(Event{Type: EventStateChanged, State: replica.Disconnected})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.metrics.IncrementCounter("client_reconnects_total", 1)
		c.logger.Warn("Connection lost, reconnecting", map[string]interface{}{"error": fmt.Sprint(err)})
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	header := c.header.Clone()
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	var conn *websocket.Conn
	retry := c.retry
	retry.RetryIf = func(err error) bool {
		return ctx.Err() == nil && !syncerrors.IsClass(err, syncerrors.ClassAuthentication)
	}
	err = resilience.Retry(ctx, retry, func() error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
			defer cancel()
			cn, resp, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
				HTTPClient: c.httpClient,
				HTTPHeader: header,
			})
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusUnauthorized {
					return syncerrors.Wrap(err, "DIAL_UNAUTHORIZED", syncerrors.ClassAuthentication)
				}
				return syncerrors.Wrap(err, "DIAL_FAILED", syncerrors.ClassTransport)
			}
			conn = cn
			return nil
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	conn.SetReadLimit(c.readLimit)
	return conn, nil
}

// link is the per-connection state of the runtime loop
type link struct {
	out  chan protocol.Message
	sent map[operation.OperationID]bool

	nonce    uint64
	awaiting uint64
	pingedAt time.Time
	deadline <-chan time.Time
	timer    *time.Timer
}

// ping sends the next keepalive ping and arms the pong deadline
func (c *Client) ping(ctx context.Context, l *link) error {
	l.nonce++
	l.pingedAt = time.Now().UTC()
	if err := c.send(ctx, l, protocol.Ping{Nonce: l.nonce, SentAt: l.pingedAt}); err != nil {
		return err
	}
	l.awaiting = l.nonce
	if l.timer == nil {
		l.timer = time.NewTimer(c.pongTimeout)
	} else {
		l.timer.Reset(c.pongTimeout)
	}
	l.deadline = l.timer.C
	return nil
}

func (c *Client) serve(parent context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.CloseNow()
		wg.Wait()
	}()

	l := &link{out: make(chan protocol.Message, 256), sent: make(map[operation.OperationID]bool)}
	defer func() {
		if l.timer != nil {
			l.timer.Stop()
		}
	}()
	inbound := make(chan protocol.Message, 64)
	errc := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errc <- c.readLoop(ctx, conn, inbound)
	}()
	go func() {
		defer wg.Done()
		errc <- c.writeLoop(ctx, conn, l.out)
	}()

	if err := c.replica.Connect(); err != nil {
		return err
	}
	c.emit(Event{Type: EventStateChanged, State: replica.Syncing})
	var hello protocol.Message = protocol.SyncRequest{Since: c.replica.Clock()}
	if !c.synced.Load() {
		hello = protocol.Connect{User: c.user.ID, Name: c.user.Name, VectorClock: c.replica.Clock()}
	}
	if err := c.send(ctx, l, hello); err != nil {
		return err
	}

	var tick <-chan time.Time
	if c.strategy.Mode == ModeBatched {
		ticker := time.NewTicker(c.strategy.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	var keepalive <-chan time.Time
	if c.pingEvery > 0 {
		ticker := time.NewTicker(c.pingEvery)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case msg := <-inbound:
			if err := c.handle(ctx, l, msg); err != nil {
				return err
			}
		case <-c.nudge:
			if err := c.flush(ctx, l, false); err != nil {
				return err
			}
		case <-tick:
			if err := c.flush(ctx, l, true); err != nil {
				return err
			}
		case <-keepalive:
			if l.deadline != nil {
				continue
			}
			if err := c.ping(ctx, l); err != nil {
				return err
			}
		case <-l.deadline:
			c.metrics.IncrementCounter("client_pong_timeouts_total", 1)
			c.logger.Warn("Pong timeout", map[string]interface{}{"nonce": l.awaiting})
			return syncerrors.New("PONG_TIMEOUT", "server did not answer ping", syncerrors.ClassTransport)
		case u := <-c.presence:
			if c.replica.State() == replica.Live {
				if err := c.send(ctx, l, protocol.PresenceMessage{Update: u}); err != nil {
					return err
				}
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, inbound chan<- protocol.Message) error {
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return syncerrors.Wrap(err, "READ_FAILED", syncerrors.ClassTransport)
		}
		msg, err := protocol.Unwrap(env)
		if errors.Is(err, protocol.ErrUnknownType) {
			c.logger.Debug("Ignoring unknown message type", map[string]interface{}{"type": string(env.Type)})
			continue
		}
		if err != nil {
			c.logger.Warn("Discarding malformed message", map[string]interface{}{
				"type":  string(env.Type),
				"error": err.Error(),
			})
			continue
		}
		select {
		case inbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan protocol.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-out:
			env, err := protocol.Wrap(msg)
			if err != nil {
				c.logger.Error("Failed to encode message", map[string]interface{}{"error": err.Error()})
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = wsjson.Write(writeCtx, conn, env)
			cancel()
			if err != nil {
				return syncerrors.Wrap(err, "WRITE_FAILED", syncerrors.ClassTransport)
			}
		}
	}
}

func (c *Client) send(ctx context.Context, l *link, msg protocol.Message) error {
	select {
	case l.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush sends queued operations not yet sent on this link
func (c *Client) flush(ctx context.Context, l *link, force bool) error {
	if c.replica.State() != replica.Live {
		return nil
	}
	var pending []operation.Operation
	for _, op := range c.replica.Outbox() {
		if !l.sent[op.ID] {
			pending = append(pending, op)
		}
	}
	if len(pending) == 0 || (!force && !c.strategy.due(len(pending))) {
		return nil
	}
	for _, op := range pending {
		if err := c.send(ctx, l, protocol.OperationMessage{Op: op}); err != nil {
			return err
		}
		l.sent[op.ID] = true
	}
	c.metrics.RecordHistogram("client_flush_size", float64(len(pending)), map[string]string{"mode": c.strategy.Mode.String()})
	return nil
}

func (c *Client) requestResync(ctx context.Context, l *link) error {
	return c.send(ctx, l, protocol.SyncRequest{Since: c.replica.Clock()})
}

func (c *Client) handle(ctx context.Context, l *link, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Connected:
		c.setParticipants(m.Participants)
		return c.completeSync(ctx, l, m.Backlog, m)

	case protocol.SyncResponse:
		if c.replica.State() == replica.Syncing {
			return c.completeSync(ctx, l, m.Operations, m)
		}
		res := c.replica.Merge(m.Operations, m.VectorClock)
		c.applied(res.Delivered, res.Conflicts)
		if res.Resync && len(res.Delivered) > 0 {
			return c.requestResync(ctx, l)
		}

	case protocol.OperationMessage:
		res := c.replica.ApplyRemote(m.Op)
		c.applied(res.Delivered, res.Conflicts)
		if len(res.Evicted) > 0 {
			return c.requestResync(ctx, l)
		}

	case protocol.OperationAck:
		if c.replica.Acknowledge(m.OpID) {
			if err := c.outbox.Delete(m.OpID); err != nil {
				c.logger.Warn("Failed to drop acknowledged operation", map[string]interface{}{
					"op_id": m.OpID.String(),
					"error": err.Error(),
				})
			}
		}

	case protocol.SyncRequest:
		return c.send(ctx, l, protocol.SyncResponse{
			Operations:  c.replica.OperationsSince(m.Since),
			VectorClock: c.replica.Clock(),
		})

	case protocol.PresenceMessage:
		c.trackPresence(m.Update)
		c.emit(Event{Type: EventPresence, Presence: m.Update})

	case protocol.Ping:
		return c.send(ctx, l, protocol.Pong{Nonce: m.Nonce, SentAt: m.SentAt})

	case protocol.Pong:
		if l.deadline != nil && m.Nonce == l.awaiting {
			l.deadline = nil
			c.metrics.RecordDuration("client_ping_rtt", time.Since(l.pingedAt))
		}

	case protocol.Error:
		c.logger.Warn("Server reported an error", map[string]interface{}{
			"code":    m.Code,
			"message": m.Message,
		})
		c.emit(Event{Type: EventServerError, Err: m})
		if m.Code == protocol.ErrCodeResyncRequired {
			return c.requestResync(ctx, l)
		}

	default:
		c.logger.Debug("Ignoring unexpected message", map[string]interface{}{"type": string(msg.Type())})
	}
	return nil
}

func (c *Client) completeSync(ctx context.Context, l *link, ops []operation.Operation, msg protocol.Message) error {
	clock := c.replica.Clock()
	switch m := msg.(type) {
	case protocol.Connected:
		clock = m.VectorClock
	case protocol.SyncResponse:
		clock = m.VectorClock
	}
	res, err := c.replica.CompleteSync(ops, clock)
	if err != nil {
		c.logger.Warn("Unexpected sync reply", map[string]interface{}{"error": err.Error()})
		return nil
	}
	c.synced.Store(true)
	c.emit(Event{Type: EventStateChanged, State: replica.Live})
	c.applied(res.Delivered, res.Conflicts)
	c.logger.Info("Synchronized with session", map[string]interface{}{
		"received":   len(res.Delivered),
		"operations": c.replica.Len(),
		"resync":     res.Resync,
	})
	if res.Resync && len(res.Delivered) > 0 {
		if err := c.requestResync(ctx, l); err != nil {
			return err
		}
	}
	return c.flush(ctx, l, true)
}

func (c *Client) applied(ops []operation.Operation, records []conflict.Record) {
	if len(ops) > 0 {
		c.emit(Event{Type: EventRemoteApplied, Operations: ops})
	}
	if len(records) > 0 {
		c.emit(Event{Type: EventConflict, Conflicts: records})
	}
}

func (c *Client) setParticipants(users []presence.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants = make(map[uuid.UUID]presence.User, len(users))
	for _, u := range users {
		if u.ID != c.user.ID {
			c.participants[u.ID] = u
		}
	}
}

func (c *Client) trackPresence(u presence.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch v := u.(type) {
	case presence.UserJoined:
		if v.User.ID != c.user.ID {
			c.participants[v.User.ID] = v.User
		}
	case presence.UserLeft:
		delete(c.participants, v.UserID)
	}
}
