// Package store persists room message logs. A MessageStore is the durable
// source a room is rebuilt from when it is activated.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/whisper/chat-room/internal/chat"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// MessageStore is the durable message log shared by all rooms of a process.
// Rows are keyed by (room, message id).
type MessageStore interface {
	// Load returns every message of the room ordered by timestamp, then by
	// insertion order.
	Load(ctx context.Context, roomID string) ([]chat.Message, error)

	// Upsert inserts the message, or overwrites content, user, role and
	// read set of the existing row with the same id. The stored timestamp of
	// an existing row is left untouched.
	Upsert(ctx context.Context, roomID string, m chat.Message) error

	Ping(ctx context.Context) error
	Close() error
}

// Open returns the store for driver. dsn is a file path for sqlite and a
// connection URL for postgres.
func Open(ctx context.Context, driver, dsn string) (MessageStore, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(ctx, dsn)
	case DriverPostgres:
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}

func encodeReadBy(readBy []string) (string, error) {
	if readBy == nil {
		readBy = []string{}
	}
	b, err := json.Marshal(readBy)
	if err != nil {
		return "", fmt.Errorf("store: encode read_by: %w", err)
	}
	return string(b), nil
}

func decodeReadBy(raw string) ([]string, error) {
	readBy := []string{}
	if raw == "" {
		return readBy, nil
	}
	if err := json.Unmarshal([]byte(raw), &readBy); err != nil {
		return nil, fmt.Errorf("store: decode read_by: %w", err)
	}
	return readBy, nil
}

// rowScanner is satisfied by *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		m   chat.Message
		raw string
	)
	if err := row.Scan(&m.ID, &m.User, &m.Role, &m.Content, &m.Timestamp, &raw); err != nil {
		return chat.Message{}, err
	}
	readBy, err := decodeReadBy(raw)
	if err != nil {
		return chat.Message{}, err
	}
	m.ReadBy = readBy
	return m, nil
}
