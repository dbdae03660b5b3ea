// Package messaging provides a NATS client wrapper that publishes every
// durably stored room change, so that other services (search indexers,
// archivers, sibling servers) can follow a room without a WebSocket.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-room/internal/chat"
)

// NATS subject layout. Room ids never contain dots, so each id is a single
// subject token.
const (
	SubjectRoom     = "room"     // + .<room_id>.<kind>
	KindMessages    = "messages" // upserted messages
	KindReads       = "reads"    // read-set changes
	EventMessage    = "message"
	EventReadUpdate = "read-update"
)

// RoomEvent is the payload published for each stored change.
type RoomEvent struct {
	Type      string        `json:"type"` // "message" or "read-update"
	Room      string        `json:"room"`
	Message   *chat.Message `json:"message,omitempty"`
	MessageID string        `json:"messageId,omitempty"`
	ReadBy    []string      `json:"readBy,omitempty"`
	At        int64         `json:"at"` // unix milliseconds
}

// NATSClient wraps the NATS connection with helpers for publishing room
// events.
type NATSClient struct {
	conn   *nats.Conn
	logger zerolog.Logger
	now    func() time.Time
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chat-room",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	logger = logger.With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn:   nc,
		logger: logger,
		now:    time.Now,
	}, nil
}

// RoomSubject returns the subject a room publishes events of kind on.
func RoomSubject(roomID, kind string) string {
	return SubjectRoom + "." + roomID + "." + kind
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishMessage announces a stored message on room.<id>.messages.
func (c *NATSClient) PublishMessage(roomID string, m chat.Message) error {
	return c.publishEvent(RoomSubject(roomID, KindMessages), RoomEvent{
		Type:    EventMessage,
		Room:    roomID,
		Message: &m,
	})
}

// PublishReceipt announces the new read set of a message on
// room.<id>.reads.
func (c *NATSClient) PublishReceipt(roomID, messageID string, readBy []string) error {
	return c.publishEvent(RoomSubject(roomID, KindReads), RoomEvent{
		Type:      EventReadUpdate,
		Room:      roomID,
		MessageID: messageID,
		ReadBy:    readBy,
	})
}

func (c *NATSClient) publishEvent(subject string, ev RoomEvent) error {
	ev.At = c.now().UnixMilli()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Close flushes pending publishes and closes the NATS connection.
func (c *NATSClient) Close() {
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("connection drain")
	}
	c.logger.Info().Msg("client closed")
}
