package operation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	syncerrors "github.com/developer-mesh/timeline-sync/pkg/errors"
)

// Error codes for rejected operations
const (
	CodeUnknownKind      = "UNKNOWN_KIND"
	CodeMalformed        = "MALFORMED_OPERATION"
	CodeInvalidOperation = "INVALID_OPERATION"
)

type kindDecoder func(data json.RawMessage) (Kind, error)

var registry = map[string]kindDecoder{
	TypeAddNode:              decodeAs[AddNode],
	TypeRemoveNode:           decodeAs[RemoveNode],
	TypeUpdateNodePosition:   decodeAs[UpdateNodePosition],
	TypeUpdateNodeDuration:   decodeAs[UpdateNodeDuration],
	TypeUpdateNodeMetadata:   decodeAs[UpdateNodeMetadata],
	TypeLockNode:             decodeAs[LockNode],
	TypeAddTrack:             decodeAs[AddTrack],
	TypeRemoveTrack:          decodeAs[RemoveTrack],
	TypeRenameTrack:          decodeAs[RenameTrack],
	TypeReorderTracks:        decodeAs[ReorderTracks],
	TypeAddNodeToTrack:       decodeAs[AddNodeToTrack],
	TypeRemoveNodeFromTrack:  decodeAs[RemoveNodeFromTrack],
	TypeAddMarker:            decodeAs[AddMarker],
	TypeRemoveMarker:         decodeAs[RemoveMarker],
	TypeUpdateMarker:         decodeAs[UpdateMarker],
	TypeCreateAutomationLane: decodeAs[CreateAutomationLane],
	TypeRemoveAutomationLane: decodeAs[RemoveAutomationLane],
	TypeAddKeyframe:          decodeAs[AddKeyframe],
	TypeRemoveKeyframe:       decodeAs[RemoveKeyframe],
	TypeUpdateKeyframe:       decodeAs[UpdateKeyframe],
	TypeUpdateCurveType:      decodeAs[UpdateCurveType],
	TypeRippleEdit:           decodeAs[RippleEdit],
	TypeRollEdit:             decodeAs[RollEdit],
	TypeSlideEdit:            decodeAs[SlideEdit],
}

func decodeAs[K Kind](data json.RawMessage) (Kind, error) {
	var k K
	if len(data) > 0 {
		if err := json.Unmarshal(data, &k); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// KindTypes returns every registered wire tag
func KindTypes() []string {
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}

type kindEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalKind encodes a kind as {"type": ..., "data": {...}}
func MarshalKind(k Kind) ([]byte, error) {
	if k == nil {
		return nil, syncerrors.New(CodeMalformed, "operation has no kind", syncerrors.ClassMalformed)
	}
	data, err := json.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", k.Type(), err)
	}
	return json.Marshal(kindEnvelope{Type: k.Type(), Data: data})
}

// UnmarshalKind decodes a tagged kind. Unknown tags are malformed.
func UnmarshalKind(data []byte) (Kind, error) {
	var env kindEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, syncerrors.Wrap(err, CodeMalformed, syncerrors.ClassMalformed).WithOperation("operation.UnmarshalKind")
	}
	decode, ok := registry[env.Type]
	if !ok {
		return nil, syncerrors.Newf(CodeUnknownKind, syncerrors.ClassMalformed, "unknown operation kind %q", env.Type).
			WithOperation("operation.UnmarshalKind")
	}
	k, err := decode(env.Data)
	if err != nil {
		return nil, syncerrors.Wrap(err, CodeMalformed, syncerrors.ClassMalformed).WithOperation("operation.UnmarshalKind")
	}
	return k, nil
}

// IsUnknownKind reports whether err rejects an operation only because its
// kind tag is not registered in this build
func IsUnknownKind(err error) bool {
	var ce *syncerrors.ClassifiedError
	return errors.As(err, &ce) && ce.Code == CodeUnknownKind
}

var validate = validator.New()

// ValidateKind checks the struct tags of a kind
func ValidateKind(k Kind) error {
	if k == nil {
		return syncerrors.New(CodeInvalidOperation, "operation has no kind", syncerrors.ClassValidation)
	}
	if err := validate.Struct(k); err != nil {
		return syncerrors.Wrap(err, CodeInvalidOperation, syncerrors.ClassValidation).
			WithOperation("operation.Validate").
			WithMetadata("kind", k.Type())
	}
	return nil
}
