// Package message defines the typed envelope exchanged with the builder agent.
package message

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the payload shape and handler routing of a message.
type Type string

const (
	// Handshake and session bootstrap.
	TypeInit Type = "init"

	// Client -> agent message types.
	TypeUser     Type = "user"
	TypeLoadCode Type = "load_code"

	// Agent -> client streaming reply.
	TypeAgentPartial Type = "agent_partial"
	TypeAgentFinal   Type = "agent_final"

	// Agent -> client edit cycle.
	TypeUpdateInProgress Type = "update_in_progress"
	TypeUpdateFile       Type = "update_file"
	TypeUpdateCompleted  Type = "update_completed"

	// Bidirectional.
	TypePing  Type = "ping"
	TypeError Type = "error"
)

// knownTypes is the closed set of wire message types.
var knownTypes = map[Type]bool{
	TypeInit:             true,
	TypeUser:             true,
	TypeLoadCode:         true,
	TypeAgentPartial:     true,
	TypeAgentFinal:       true,
	TypeUpdateInProgress: true,
	TypeUpdateFile:       true,
	TypeUpdateCompleted:  true,
	TypePing:             true,
	TypeError:            true,
}

// Valid reports whether t is a member of the closed type set.
func (t Type) Valid() bool {
	return knownTypes[t]
}

var (
	// ErrMalformed is returned when a frame is not valid JSON.
	ErrMalformed = errors.New("malformed frame")

	// ErrEmptyPayload is returned for frames that decode to an empty object.
	ErrEmptyPayload = errors.New("empty payload")

	// ErrUnknownType is returned when the frame type is outside the closed set.
	ErrUnknownType = errors.New("unknown message type")
)

// Message is the unit of communication with the agent.
//
// ID, when present, identifies a logical message that may be emitted more
// than once (streaming updates, idempotent re-deliveries) and must be treated
// as the same entity across occurrences. Timestamp is epoch milliseconds and
// is used only for display ordering.
type Message struct {
	Type      Type           `json:"type"`
	ID        string         `json:"id,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// New creates a message with a fresh ID and the current epoch-ms timestamp.
func New(t Type, data map[string]any) *Message {
	if data == nil {
		data = map[string]any{}
	}
	return &Message{
		Type:      t,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewWithID creates a message reusing an existing logical id.
func NewWithID(t Type, data map[string]any, id string) *Message {
	m := New(t, data)
	m.ID = id
	return m
}

// MarshalWire encodes the message in the outbound frame shape.
func (m *Message) MarshalWire() ([]byte, error) {
	return json.Marshal(m)
}

// Text returns the "text" field of the payload, if present.
func (m *Message) Text() string {
	s, _ := m.Data["text"].(string)
	return s
}

// ErrorText returns the "error" field of the payload, if present.
func (m *Message) ErrorText() string {
	s, _ := m.Data["error"].(string)
	return s
}

// wireFrame covers both inbound shapes the agent emits: flat, with the type
// at the top level, and nested, with the type inside data.
type wireFrame struct {
	Type      Type           `json:"type"`
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Error     string         `json:"error"`
	Text      string         `json:"text"`
	SessionID string         `json:"session_id"`
}

// Decode validates and constructs a Message from a raw inbound frame.
//
// The agent's emission shape is not fully normalized, so both the flat and
// the nested shape are accepted; nested "text" and "error" fields are hoisted
// into Data for uniform handler access. Frames that are empty objects or
// whose type is outside the closed set are protocol noise, reported as
// ErrEmptyPayload / ErrUnknownType rather than a decode failure.
func Decode(raw []byte) (*Message, error) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, ErrMalformed
	}

	typ := frame.Type
	data := frame.Data
	if typ == "" && data != nil {
		// Nested shape: type lives inside data.
		if s, ok := data["type"].(string); ok {
			typ = Type(s)
			delete(data, "type")
		}
	}

	if typ == "" && frame.ID == "" && len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if !typ.Valid() {
		return nil, ErrUnknownType
	}

	if data == nil {
		data = map[string]any{}
	}
	if frame.Text != "" {
		if _, ok := data["text"]; !ok {
			data["text"] = frame.Text
		}
	}
	if frame.Error != "" {
		if _, ok := data["error"]; !ok {
			data["error"] = frame.Error
		}
	}

	return &Message{
		Type:      typ,
		ID:        frame.ID,
		Timestamp: frame.Timestamp,
		Data:      data,
		SessionID: frame.SessionID,
	}, nil
}
