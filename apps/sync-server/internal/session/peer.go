package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/presence"
	"github.com/developer-mesh/timeline-sync/pkg/protocol"
)

// Peer is one connected client as the session sees it
type Peer interface {
	// ID identifies the connection
	ID() uuid.UUID
	// User is the authenticated participant behind the connection
	User() presence.User
	// Send queues a message, blocking until it is accepted or the peer's
	// retry budget runs out. A peer that fails a send is closed.
	Send(ctx context.Context, msg protocol.Message) error
	// SendPresence queues a presence update. Updates for the same subject
	// replace each other and may be dropped under load.
	SendPresence(u presence.Update)
	// Close terminates the connection with a close code
	Close(code int, reason string)
}
