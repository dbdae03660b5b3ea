// Package room implements a chat room: the ordered message log and presence
// set of one room id, the join/leave lifecycle, the inbound frame protocol,
// read-receipt reconciliation, and write-behind persistence to a durable
// store. Each room is an actor; its state is only touched from its own event
// loop.
package room

import (
	"context"

	"github.com/whisper/chat-room/internal/chat"
)

// Conn is what a room needs from a client connection. The transport calls
// Manager.Join, Manager.Receive and Manager.Leave for the connect, message and
// close callbacks of each connection.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// EventPublisher receives every durably stored change of a room.
type EventPublisher interface {
	PublishMessage(roomID string, m chat.Message) error
	PublishReceipt(roomID, messageID string, readBy []string) error
}

// PresenceRecorder mirrors a room's online count somewhere outside the
// process.
type PresenceRecorder interface {
	SetOnline(ctx context.Context, roomID string, count int) error
	Clear(ctx context.Context, roomID string) error
}

// FrameLimiter decides whether a connection may send another frame of the
// given wire type. frameType is empty when the frame has no readable type.
type FrameLimiter interface {
	AllowFrame(ctx context.Context, connID, frameType string) bool
}
