// Package protocol defines the wire format shared by both transports.
//
// Every message is an Envelope: a UTF-8 JSON frame carrying a type drawn
// from a closed registry, a unique message ID, a millisecond timestamp,
// and a type-specific payload. Binary data rides inside payloads as
// base64 text, never as raw binary frames, so the websocket and data
// channel carriers stay interchangeable.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/vibepilot/vibepilot/internal/shared/id"
)

// ErrMalformedEnvelope is returned by Decode when required fields are
// absent or the type is not in the registry. Callers drop the frame and
// log; a malformed envelope never crashes the dispatch loop.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the versioned wire frame for all messages.
// Envelopes are immutable once constructed.
type Envelope struct {
	Type      MsgType         `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode constructs an envelope for the given type and payload, assigning
// a fresh message ID and the current timestamp.
func Encode(t MsgType, payload any) (*Envelope, error) {
	if !Registered(t) {
		return nil, fmt.Errorf("%w: unregistered type %q", ErrMalformedEnvelope, t)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", t, err)
		}
		raw = data
	}

	return &Envelope{
		Type:      t,
		ID:        id.NewMessageID().String(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// Decode parses a wire frame into an envelope, validating required fields
// against the registry.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" || env.ID == "" || env.Timestamp == 0 {
		return nil, fmt.Errorf("%w: missing type, id, or timestamp", ErrMalformedEnvelope)
	}
	if !Registered(env.Type) {
		return nil, fmt.Errorf("%w: unrecognized type %q", ErrMalformedEnvelope, env.Type)
	}
	return &env, nil
}

// Marshal serializes an envelope to its wire frame.
func (e *Envelope) Marshal() ([]byte, error) {
	return sonic.Marshal(e)
}

// Into unmarshals the envelope payload into v.
func (e *Envelope) Into(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformedEnvelope, e.Type)
	}
	if err := sonic.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}
