// ABOUTME: JSON envelope exchanged between the gateway and fleet agents over WebSocket.
// ABOUTME: Defines frame types, typed payloads, and decoding helpers.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedFrame indicates an inbound frame could not be decoded into an Envelope.
var ErrMalformedFrame = errors.New("malformed frame")

// MessageType identifies the kind of frame carried by an Envelope.
type MessageType string

const (
	TypeRegister      MessageType = "register"
	TypeHeartbeat     MessageType = "heartbeat"
	TypeCommand       MessageType = "command"
	TypeCommandResult MessageType = "command_result"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
	TypeWelcome       MessageType = "welcome"
)

// Valid reports whether t is one of the known frame types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRegister, TypeHeartbeat, TypeCommand, TypeCommandResult, TypePing, TypePong, TypeWelcome:
		return true
	}
	return false
}

// Envelope is the outer frame for every message on an agent channel.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope builds an envelope of the given type with data marshaled as JSON.
// A nil data value produces an empty object.
func NewEnvelope(t MessageType, data any) (*Envelope, error) {
	raw := json.RawMessage("{}")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s data: %w", t, err)
		}
		raw = b
	}
	return &Envelope{
		Type:      t,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewRequest builds an envelope carrying a correlation id.
func NewRequest(t MessageType, requestID string, data any) (*Envelope, error) {
	env, err := NewEnvelope(t, data)
	if err != nil {
		return nil, err
	}
	env.RequestID = requestID
	return env, nil
}

// Decode parses a raw frame. Frames that are not JSON objects or have no type
// are reported as ErrMalformedFrame.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s frame has no data", ErrMalformedFrame, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedFrame, e.Type, err)
	}
	return nil
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
