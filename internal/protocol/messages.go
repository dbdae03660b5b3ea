// Package protocol defines the WebSocket frames exchanged between room
// clients and the server. All frames are JSON objects carrying a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/whisper/chat-room/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types. Add and update are also relayed back to
// every client verbatim.
const (
	TypeAdd    = "add"
	TypeUpdate = "update"
	TypeRead   = "read"
)

// Server -> Client message types.
const (
	TypeAll          = "all"
	TypeNotification = "notification"
	TypeReadUpdate   = "read-update"
)

var (
	// ErrUnknownType is returned for frames whose type is not part of the
	// protocol at all.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrServerOnly is returned for frames whose type the server emits but
	// never accepts from a client.
	ErrServerOnly = errors.New("protocol: server-only message type")
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ChatFrame carries a new or edited message. It is used for both "add" and
// "update"; the two differ only in the notification sent on add.
type ChatFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Content string `json:"content"`
	User    string `json:"user"`
	Role    string `json:"role"`
}

// Validate checks the fields a chat frame must carry. Role is free-form.
func (f ChatFrame) Validate() error {
	if err := chat.ValidateID(f.ID); err != nil {
		return err
	}
	if err := chat.ValidateUser(f.User); err != nil {
		return err
	}
	return chat.ValidateMessage(f.Content)
}

// Message converts the frame to a log entry. The timestamp is left for the
// room to assign.
func (f ChatFrame) Message() chat.Message {
	return chat.Message{
		ID:      f.ID,
		Content: f.Content,
		User:    f.User,
		Role:    f.Role,
	}
}

// ReadMsg marks a message as read by a user.
type ReadMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	User      string `json:"user"`
}

// Validate checks that both the message id and the reader are present.
func (m ReadMsg) Validate() error {
	if err := chat.ValidateID(m.MessageID); err != nil {
		return err
	}
	return chat.ValidateUser(m.User)
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AllMsg is the full log snapshot sent once to a newly joined connection.
type AllMsg struct {
	Type     string         `json:"type"`
	Messages []chat.Message `json:"messages"`
}

// NotificationMsg is an ephemeral, human-readable notice. Its content is
// display text only.
type NotificationMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ReadUpdateMsg carries the complete read set of a message after it grew.
type ReadUpdateMsg struct {
	Type      string   `json:"type"`
	MessageID string   `json:"messageId"`
	ReadBy    []string `json:"readBy"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct (ChatFrame or
// ReadMsg), and any error encountered during parsing. Server-only types wrap
// ErrServerOnly and anything else unknown wraps ErrUnknownType. Field
// validation is left to the caller.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAdd, TypeUpdate:
		var m ChatFrame
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRead:
		var m ReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAll, TypeNotification, TypeReadUpdate:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrServerOnly, env.Type)
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// Notification builds a notification frame with the given display text.
func Notification(text string) ([]byte, error) {
	return NewServerMessage(TypeNotification, NotificationMsg{Content: text})
}

// PeekType returns the type of a frame without decoding the rest of it, or
// "" if data is not a typed JSON object.
func PeekType(data []byte) string {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Type
}
