package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/timeline-sync/apps/sync-server/internal/session"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/presence"
	syncerrors "github.com/developer-mesh/timeline-sync/pkg/errors"
	"github.com/developer-mesh/timeline-sync/pkg/protocol"
	"github.com/developer-mesh/timeline-sync/pkg/resilience"
)

var (
	errConnectionClosed = errors.New("websocket: connection closed")
	errSendQueueFull    = errors.New("websocket: send queue full")
)

// Connection is one client connection. The handler goroutine reads; a
// second goroutine owns every write.
type Connection struct {
	id      uuid.UUID
	conn    *websocket.Conn
	hub     *Server
	session *session.Session

	mu   sync.RWMutex
	user presence.User

	send chan protocol.Message

	presenceMu      sync.Mutex
	pendingPresence []presence.Update
	presenceReady   chan struct{}

	pongs chan uint64

	opLimiter       *rate.Limiter
	presenceLimiter *rate.Limiter

	closeOnce   sync.Once
	closed      chan struct{}
	closeCode   websocket.StatusCode
	closeReason string
}

func newConnection(hub *Server, conn *websocket.Conn, sess *session.Session, user presence.User) *Connection {
	cfg := hub.config
	return &Connection{
		id:              uuid.New(),
		conn:            conn,
		hub:             hub,
		session:         sess,
		user:            user,
		send:            make(chan protocol.Message, cfg.SendQueueSize),
		presenceReady:   make(chan struct{}, 1),
		pongs:           make(chan uint64, 1),
		opLimiter:       rate.NewLimiter(rate.Limit(cfg.OperationsPerSecond), cfg.OperationsBurst),
		presenceLimiter: rate.NewLimiter(rate.Limit(cfg.PresencePerSecond), cfg.PresenceBurst),
		closed:          make(chan struct{}),
	}
}

// ID identifies the connection
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// User returns the participant behind the connection
func (c *Connection) User() presence.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Send queues msg for the write goroutine. A full queue is retried with
// backoff until the retry budget runs out, after which the connection is
// closed.
func (c *Connection) Send(ctx context.Context, msg protocol.Message) error {
	enqueue := func() error {
		select {
		case <-c.closed:
			return errConnectionClosed
		default:
		}
		select {
		case c.send <- msg:
			return nil
		case <-c.closed:
			return errConnectionClosed
		default:
			return errSendQueueFull
		}
	}
	if err := enqueue(); !errors.Is(err, errSendQueueFull) {
		return err
	}

	c.hub.metrics.IncrementCounter("websocket_send_retries_total", 1)
	err := resilience.Retry(ctx, resilience.RetryConfig{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
		Multiplier:      2,
		MaxElapsedTime:  c.hub.config.SendRetryBudget,
		RetryIf:         func(err error) bool { return errors.Is(err, errSendQueueFull) },
	}, enqueue)
	if err != nil {
		c.hub.metrics.IncrementCounterWithLabels("websocket_send_failures_total", 1, map[string]string{"type": string(msg.Type())})
		c.Close(protocol.ErrCodeServerError, "send queue exhausted")
	}
	return err
}

// SendPresence queues a presence update. Transient updates replace a
// pending one of the same type for the same user; past the queue size new
// updates are dropped.
func (c *Connection) SendPresence(u presence.Update) {
	c.presenceMu.Lock()
	if coalescible(u) {
		for i, pending := range c.pendingPresence {
			if pending.Subject() == u.Subject() && pending.Type() == u.Type() {
				c.pendingPresence = append(c.pendingPresence[:i], c.pendingPresence[i+1:]...)
				break
			}
		}
	}
	if len(c.pendingPresence) >= c.hub.config.SendQueueSize {
		c.presenceMu.Unlock()
		c.hub.metrics.IncrementCounterWithLabels("websocket_presence_dropped_total", 1, map[string]string{"direction": "outbound"})
		return
	}
	c.pendingPresence = append(c.pendingPresence, u)
	c.presenceMu.Unlock()

	select {
	case c.presenceReady <- struct{}{}:
	default:
	}
}

func coalescible(u presence.Update) bool {
	switch u.(type) {
	case presence.CursorMoved, presence.SelectionChanged, presence.ViewportChanged:
		return true
	}
	return false
}

func (c *Connection) takePresence() []presence.Update {
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	updates := c.pendingPresence
	c.pendingPresence = nil
	return updates
}

// Close asks the write goroutine to close the socket with code. It never
// blocks.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = websocket.StatusCode(code)
		c.closeReason = reason
		close(c.closed)
	})
}

func (c *Connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()

	c.readPump(ctx)
	c.Close(int(websocket.StatusNormalClosure), "")
	wg.Wait()

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), c.hub.config.SendRetryBudget)
	defer leaveCancel()
	if err := c.session.Leave(leaveCtx, c); err != nil && !errors.Is(err, session.ErrClosed) {
		c.hub.logger.Warn("Failed to leave session", map[string]interface{}{
			"connection_id": c.id.String(),
			"error":         err.Error(),
		})
	}
	c.hub.logger.Info("WebSocket connection closed", map[string]interface{}{
		"connection_id": c.id.String(),
		"user_id":       c.User().ID.String(),
	})
}

// readPump decodes inbound messages until the socket or the session closes
func (c *Connection) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				select {
				case <-c.closed:
				default:
					c.hub.logger.Debug("Read error", map[string]interface{}{
						"error":         err.Error(),
						"connection_id": c.id.String(),
					})
				}
			}
			return
		}

		msg, err := protocol.Decode(data)
		if errors.Is(err, protocol.ErrUnknownType) {
			c.hub.logger.Debug("Ignoring unknown message type", map[string]interface{}{
				"connection_id": c.id.String(),
				"error":         err.Error(),
			})
			continue
		}
		if err != nil {
			c.hub.metrics.IncrementCounterWithLabels("websocket_errors_total", 1, map[string]string{"reason": "malformed"})
			c.hub.logger.Warn("Rejected malformed message", map[string]interface{}{
				"connection_id": c.id.String(),
				"error":         err.Error(),
			})
			if c.reply(ctx, protocol.ErrorFor(err)) != nil {
				return
			}
			continue
		}

		c.hub.metrics.IncrementCounterWithLabels("websocket_messages_total", 1, map[string]string{
			"direction": "received",
			"type":      string(msg.Type()),
		})
		if err := c.handle(ctx, msg); err != nil {
			if errors.Is(err, session.ErrClosed) {
				c.Close(protocol.ErrCodeServerError, "session closed")
			}
			return
		}
	}
}

// handle dispatches one message. A returned error ends the connection;
// recoverable problems are reported to the client with an error message.
func (c *Connection) handle(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Connect:
		if err := c.identify(m); err != nil {
			_ = c.reply(ctx, protocol.ErrorFor(err))
			c.Close(protocol.ErrCodeAuthFailed, err.Error())
			return err
		}
		return c.session.Connect(ctx, c, m)

	case protocol.SyncRequest:
		if c.User().ID == uuid.Nil {
			return c.reply(ctx, protocol.Error{Code: protocol.ErrCodeInvalidState, Message: "sync_request before connect"})
		}
		return c.session.Sync(ctx, c, m)

	case protocol.SyncResponse:
		return c.forward(ctx, c.session.Merge(ctx, c, m))

	case protocol.OperationMessage:
		if err := c.opLimiter.Wait(ctx); err != nil {
			return err
		}
		if c.User().ID == uuid.Nil {
			return c.reply(ctx, protocol.Error{Code: protocol.ErrCodeInvalidState, Message: "operation before connect"})
		}
		if m.Op.Author != c.User().ID {
			c.hub.metrics.IncrementCounterWithLabels("websocket_errors_total", 1, map[string]string{"reason": "foreign_author"})
			return c.reply(ctx, protocol.Error{Code: protocol.ErrCodeInvalidOperation, Message: "operation author does not match the connection"})
		}
		return c.forward(ctx, c.session.Submit(ctx, c, m.Op))

	case protocol.PresenceMessage:
		if !c.presenceLimiter.Allow() {
			c.hub.metrics.IncrementCounterWithLabels("websocket_presence_dropped_total", 1, map[string]string{"direction": "inbound"})
			return nil
		}
		return c.forward(ctx, c.session.Presence(ctx, c, m.Update))

	case protocol.Ping:
		return c.reply(ctx, protocol.Pong{Nonce: m.Nonce, SentAt: m.SentAt})

	case protocol.Pong:
		select {
		case c.pongs <- m.Nonce:
		default:
		}

	default:
		c.hub.logger.Debug("Ignoring unexpected message", map[string]interface{}{
			"connection_id": c.id.String(),
			"type":          string(msg.Type()),
		})
	}
	return nil
}

// identify binds the connection to the user named by connect, or checks
// the name against the authenticated identity
func (c *Connection) identify(m protocol.Connect) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.user.ID == uuid.Nil && m.User == uuid.Nil:
		return syncerrors.New("IDENTITY_MISSING", "connect names no user", syncerrors.ClassAuthentication)
	case c.user.ID == uuid.Nil:
		name := m.Name
		if name == "" {
			name = c.user.Name
		}
		c.user = presence.NewUser(m.User, name)
	case m.User != uuid.Nil && m.User != c.user.ID:
		return syncerrors.New("IDENTITY_MISMATCH", "connect user does not match the authenticated user", syncerrors.ClassAuthentication)
	case c.user.Name == "" && m.Name != "":
		c.user.Name = m.Name
	}
	return nil
}

// forward reports a session error to the client. Only a closed session or
// a dead connection ends the read loop.
func (c *Connection) forward(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, session.ErrNotJoined):
		return c.reply(ctx, protocol.Error{Code: protocol.ErrCodeInvalidState, Message: err.Error()})
	default:
		return c.reply(ctx, protocol.ErrorFor(err))
	}
}

func (c *Connection) reply(ctx context.Context, msg protocol.Message) error {
	return c.Send(ctx, msg)
}

// writePump owns every write to the socket, including protocol pings. A
// ping left unanswered for the pong timeout closes the connection.
func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer ticker.Stop()

	var (
		nonce    uint64
		awaiting uint64
		deadline <-chan time.Time
		timer    *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-c.closed:
			c.flush(ctx)
			c.closeSocket()
			return

		case <-ctx.Done():
			c.Close(int(websocket.StatusGoingAway), "")
			c.closeSocket()
			return

		case msg := <-c.send:
			if err := c.write(ctx, msg); err != nil {
				c.Close(int(websocket.StatusInternalError), "write failed")
				c.closeSocket()
				return
			}

		case <-c.presenceReady:
			for _, u := range c.takePresence() {
				if err := c.write(ctx, protocol.PresenceMessage{Update: u}); err != nil {
					c.Close(int(websocket.StatusInternalError), "write failed")
					c.closeSocket()
					return
				}
			}

		case got := <-c.pongs:
			if got == awaiting {
				deadline = nil
			}

		case <-deadline:
			c.hub.metrics.IncrementCounter("websocket_pong_timeouts_total", 1)
			c.hub.logger.Warn("Pong timeout", map[string]interface{}{
				"connection_id": c.id.String(),
				"user_id":       c.User().ID.String(),
			})
			c.Close(int(websocket.StatusPolicyViolation), "pong timeout")
			c.closeSocket()
			return

		case <-ticker.C:
			if deadline != nil {
				continue
			}
			nonce++
			if err := c.write(ctx, protocol.Ping{Nonce: nonce, SentAt: time.Now().UTC()}); err != nil {
				c.Close(int(websocket.StatusInternalError), "ping failed")
				c.closeSocket()
				return
			}
			awaiting = nonce
			if timer == nil {
				timer = time.NewTimer(c.hub.config.PongTimeout)
			} else {
				timer.Reset(c.hub.config.PongTimeout)
			}
			deadline = timer.C
		}
	}
}

func (c *Connection) write(ctx context.Context, msg protocol.Message) error {
	env, err := protocol.Wrap(msg)
	if err != nil {
		c.hub.logger.Error("Failed to encode message", map[string]interface{}{
			"connection_id": c.id.String(),
			"error":         err.Error(),
		})
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.hub.config.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, c.conn, env); err != nil {
		c.hub.logger.Debug("Write error", map[string]interface{}{
			"connection_id": c.id.String(),
			"error":         err.Error(),
		})
		return err
	}
	c.hub.metrics.IncrementCounterWithLabels("websocket_messages_total", 1, map[string]string{
		"direction": "sent",
		"type":      string(msg.Type()),
	})
	return nil
}

// flush writes what was queued before the close was requested
func (c *Connection) flush(ctx context.Context) {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(ctx, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// closeSocket runs on the write goroutine once closed is signalled
func (c *Connection) closeSocket() {
	if err := c.conn.Close(c.closeCode, c.closeReason); err != nil {
		c.hub.logger.Debug("Error closing WebSocket connection", map[string]interface{}{
			"error":         err.Error(),
			"connection_id": c.id.String(),
		})
	}
}
