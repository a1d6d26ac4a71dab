// Package message defines the envelope shared by every side of the engine:
// inbound channel traffic, outbound emissions, and dispatched bus actions all
// use the same four-field shape, which is what lets one matcher/transform pair
// operate across the channel boundary.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// MetaRequestID is the meta key carrying the correlation token that scopes one
// logical request across outbound send and inbound match.
const MetaRequestID = "requestId"

var ErrMissingType = errors.New("message type is required")

// Meta holds auxiliary envelope fields keyed by name.
type Meta map[string]any

// Message is the standard envelope. The shape is closed: no fields beyond
// these four exist, and Type is always present on valid messages.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Error   bool   `json:"error,omitempty"`
	Meta    Meta   `json:"meta,omitempty"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.Type) == "" {
		return ErrMissingType
	}
	return nil
}

// RequestID returns the correlation token carried in meta, or "" when the
// message is not associated with any request.
func (m Message) RequestID() string {
	if m.Meta == nil {
		return ""
	}
	id, _ := m.Meta[MetaRequestID].(string)
	return id
}

// MetaString returns a string-valued meta field, or "" when absent.
func (m Message) MetaString(key string) string {
	if m.Meta == nil {
		return ""
	}
	v, _ := m.Meta[key].(string)
	return v
}

// WithMeta returns a copy of the message with one meta field set. Existing
// meta keys are preserved and the receiver is never mutated, so messages can
// be shared across goroutines safely.
func (m Message) WithMeta(key string, value any) Message {
	meta := make(Meta, len(m.Meta)+1)
	for k, v := range m.Meta {
		meta[k] = v
	}
	meta[key] = value
	m.Meta = meta
	return m
}

// WithRequestID returns a copy tagged with the correlation token.
func (m Message) WithRequestID(id string) Message {
	return m.WithMeta(MetaRequestID, id)
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire frame. Unknown top-level fields and missing types are
// rejected here so malformed traffic never reaches matcher evaluation.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Message
	if err := dec.Decode(&m); err != nil {
		return Message{}, err
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// NewError builds the synthetic error-flagged envelope delivered to a
// request's waiter when evaluation faults or the wait expires. The requestId
// keeps the failure routable to exactly one waiter.
func NewError(msgType, reason, requestID string) Message {
	m := Message{
		Type:    msgType,
		Error:   true,
		Payload: map[string]any{"reason": reason},
	}
	if requestID != "" {
		m = m.WithRequestID(requestID)
	}
	return m
}

// ErrorReason extracts the reason from an error-flagged envelope built by
// NewError, or "" when the payload has a different shape.
func (m Message) ErrorReason() string {
	payload, ok := m.Payload.(map[string]any)
	if !ok {
		return ""
	}
	reason, _ := payload["reason"].(string)
	return reason
}
