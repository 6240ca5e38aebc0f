package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	syncerrors "github.com/developer-mesh/timeline-sync/pkg/errors"
)

// Error codes carried in Error messages and websocket close frames
const (
	ErrCodeInvalidMessage   = 4000
	ErrCodeAuthFailed       = 4001
	ErrCodeRateLimited      = 4002
	ErrCodeServerError      = 4003
	ErrCodeSessionNotFound  = 4004
	ErrCodeInvalidOperation = 4005
	ErrCodeInvalidState     = 4006
	ErrCodeTooManyClients   = 4007
	ErrCodeConflict         = 4008
	ErrCodeResyncRequired   = 4009
)

const codeMalformedMessage = "MALFORMED_MESSAGE"

// ErrUnknownType is returned for a well-formed envelope with a type this
// build does not know. Receivers ignore such messages.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Envelope is the outer frame of every message
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type decoder func(json.RawMessage) (Message, error)

var decoders = map[MessageType]decoder{
	TypeConnect:      decodeAs[Connect],
	TypeConnected:    decodeConnected,
	TypeOperation:    decodeAs[OperationMessage],
	TypeOperationAck: decodeAs[OperationAck],
	TypeSyncRequest:  decodeAs[SyncRequest],
	TypeSyncResponse: decodeSyncResponse,
	TypePresence:     decodeAs[PresenceMessage],
	TypePing:         decodeAs[Ping],
	TypePong:         decodeAs[Pong],
	TypeError:        decodeAs[Error],
}

func decodeAs[M Message](data json.RawMessage) (Message, error) {
	var m M
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Backlogs and sync responses may carry operations authored by a newer
// build. Operations of an unknown kind are dropped from the batch; the
// receiver's clock check then treats them as not yet delivered. A lone
// operation message with an unknown kind is still rejected.

func decodeConnected(data json.RawMessage) (Message, error) {
	var raw struct {
		Connected
		Backlog []json.RawMessage `json:"backlog"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	ops, err := decodeBatch(raw.Backlog)
	if err != nil {
		return nil, err
	}
	m := raw.Connected
	m.Backlog = ops
	return m, nil
}

func decodeSyncResponse(data json.RawMessage) (Message, error) {
	var raw struct {
		SyncResponse
		Operations []json.RawMessage `json:"operations"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	ops, err := decodeBatch(raw.Operations)
	if err != nil {
		return nil, err
	}
	m := raw.SyncResponse
	m.Operations = ops
	return m, nil
}

func decodeBatch(raws []json.RawMessage) ([]operation.Operation, error) {
	if raws == nil {
		return nil, nil
	}
	ops := make([]operation.Operation, 0, len(raws))
	for _, raw := range raws {
		var op operation.Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			if operation.IsUnknownKind(err) {
				continue
			}
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Wrap puts a message into its envelope
func Wrap(msg Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, syncerrors.New(codeMalformedMessage, "nil message", syncerrors.ClassMalformed)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return Envelope{Type: msg.Type(), Data: data}, nil
}

// Unwrap decodes and validates the message inside an envelope
func Unwrap(env Envelope) (Message, error) {
	decode, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, env.Type)
	}
	msg, err := decode(env.Data)
	if err != nil {
		class := syncerrors.ClassOf(err)
		if class == syncerrors.ClassUnknown {
			class = syncerrors.ClassMalformed
		}
		return nil, syncerrors.Wrap(err, codeMalformedMessage, class).
			WithOperation("protocol.Decode").
			WithMetadata("type", string(env.Type))
	}
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode marshals a message with its envelope
func Encode(msg Message) ([]byte, error) {
	env, err := Wrap(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses an enveloped message. Undecodable input and invalid
// operations return classified errors; an unknown type returns
// ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, syncerrors.Wrap(err, codeMalformedMessage, syncerrors.ClassMalformed).WithOperation("protocol.Decode")
	}
	return Unwrap(env)
}

func validateMessage(msg Message) error {
	var ops []operation.Operation
	switch m := msg.(type) {
	case OperationMessage:
		ops = []operation.Operation{m.Op}
	case SyncResponse:
		ops = m.Operations
	case Connected:
		ops = m.Backlog
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CodeFor maps an error to the code reported to the peer
func CodeFor(err error) int {
	switch syncerrors.ClassOf(err) {
	case syncerrors.ClassMalformed:
		return ErrCodeInvalidMessage
	case syncerrors.ClassValidation:
		return ErrCodeInvalidOperation
	case syncerrors.ClassAuthentication:
		return ErrCodeAuthFailed
	case syncerrors.ClassRateLimited:
		return ErrCodeRateLimited
	case syncerrors.ClassInvalidState:
		return ErrCodeInvalidState
	case syncerrors.ClassConflict, syncerrors.ClassManual:
		return ErrCodeConflict
	case syncerrors.ClassOrphaned:
		return ErrCodeResyncRequired
	default:
		return ErrCodeServerError
	}
}

// ErrorFor builds the Error message reporting err
func ErrorFor(err error) Error {
	return Error{Code: CodeFor(err), Message: err.Error()}
}
