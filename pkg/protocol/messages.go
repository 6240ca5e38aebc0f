// Package protocol defines the messages exchanged between the sync server
// and client replicas. Every message travels in a tagged JSON envelope
// {"type": ..., "data": {...}}.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/crdt"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/presence"
)

// MessageType is the envelope discriminant
type MessageType string

const (
	TypeConnect      MessageType = "connect"
	TypeConnected    MessageType = "connected"
	TypeOperation    MessageType = "operation"
	TypeOperationAck MessageType = "operation_ack"
	TypeSyncRequest  MessageType = "sync_request"
	TypeSyncResponse MessageType = "sync_response"
	TypePresence     MessageType = "presence"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
	TypeError        MessageType = "error"
)

// Message is one protocol message
type Message interface {
	Type() MessageType
	isMessage()
}

// SessionInfo summarizes a session for joiners and the HTTP API
type SessionInfo struct {
	SessionID      uuid.UUID       `json:"session_id"`
	UserCount      int             `json:"user_count"`
	OperationCount int             `json:"operation_count"`
	Participants   []presence.User `json:"participants"`
	Hash           string          `json:"hash"`
}

// Connect opens a session. VectorClock is what the client already holds.
type Connect struct {
	User        uuid.UUID        `json:"user"`
	Name        string           `json:"name,omitempty"`
	VectorClock crdt.VectorClock `json:"vector_clock"`
}

// Connected answers Connect with the operations the client is missing
type Connected struct {
	UserID       uuid.UUID             `json:"user_id"`
	Backlog      []operation.Operation `json:"backlog"`
	VectorClock  crdt.VectorClock      `json:"vector_clock"`
	Session      SessionInfo           `json:"session"`
	Participants []presence.User       `json:"participants"`
}

// OperationMessage carries one operation
type OperationMessage struct {
	Op operation.Operation `json:"op"`
}

// OperationAck confirms the server committed an operation
type OperationAck struct {
	OpID operation.OperationID `json:"op_id"`
}

// SyncRequest asks the peer for every operation above Since
type SyncRequest struct {
	Since crdt.VectorClock `json:"since"`
}

// SyncResponse answers SyncRequest
type SyncResponse struct {
	Operations  []operation.Operation `json:"operations"`
	VectorClock crdt.VectorClock      `json:"vector_clock"`
}

// PresenceMessage carries one presence update
type PresenceMessage struct {
	Update presence.Update `json:"-"`
}

type Ping struct {
	Nonce  uint64    `json:"nonce"`
	SentAt time.Time `json:"sent_at"`
}

type Pong struct {
	Nonce  uint64    `json:"nonce"`
	SentAt time.Time `json:"sent_at"`
}

// Error reports a rejected message. The connection stays open.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (Connect) Type() MessageType          { return TypeConnect }
func (Connected) Type() MessageType        { return TypeConnected }
func (OperationMessage) Type() MessageType { return TypeOperation }
func (OperationAck) Type() MessageType     { return TypeOperationAck }
func (SyncRequest) Type() MessageType      { return TypeSyncRequest }
func (SyncResponse) Type() MessageType     { return TypeSyncResponse }
func (PresenceMessage) Type() MessageType  { return TypePresence }
func (Ping) Type() MessageType             { return TypePing }
func (Pong) Type() MessageType             { return TypePong }
func (Error) Type() MessageType            { return TypeError }

func (Connect) isMessage()          {}
func (Connected) isMessage()        {}
func (OperationMessage) isMessage() {}
func (OperationAck) isMessage()     {}
func (SyncRequest) isMessage()      {}
func (SyncResponse) isMessage()     {}
func (PresenceMessage) isMessage()  {}
func (Ping) isMessage()             {}
func (Pong) isMessage()             {}
func (Error) isMessage()            {}

func (e Error) Error() string {
	return e.Message
}

func (m PresenceMessage) MarshalJSON() ([]byte, error) {
	update, err := presence.MarshalUpdate(m.Update)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Update json.RawMessage `json:"update"`
	}{Update: update})
}

func (m *PresenceMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Update json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	update, err := presence.UnmarshalUpdate(raw.Update)
	if err != nil {
		return err
	}
	m.Update = update
	return nil
}
