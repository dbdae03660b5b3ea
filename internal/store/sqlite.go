package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/whisper/chat-room/internal/chat"
)

// DefaultSQLitePath is used when no path is configured.
const DefaultSQLitePath = "./data/chat.db"

// SQLiteStore keeps message logs in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and makes
// sure the schema exists.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = DefaultSQLitePath
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection keeps upserts serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq      INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id  TEXT NOT NULL,
		id       TEXT NOT NULL,
		username TEXT NOT NULL,
		role     TEXT NOT NULL DEFAULT '',
		content  TEXT NOT NULL,
		ts       INTEGER NOT NULL,
		read_by  TEXT NOT NULL DEFAULT '[]',
		UNIQUE (room_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages(room_id, ts, seq);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init sqlite schema: %w", err)
	}
	return nil
}

// Load returns the room's messages in log order.
func (s *SQLiteStore) Load(ctx context.Context, roomID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, role, content, ts, read_by
		FROM messages
		WHERE room_id = ?
		ORDER BY ts ASC, seq ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("store: load room %s: %w", roomID, err)
	}
	defer rows.Close()

	messages := []chat.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan room %s: %w", roomID, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load room %s: %w", roomID, err)
	}
	return messages, nil
}

// Upsert writes a single message row in one statement.
func (s *SQLiteStore) Upsert(ctx context.Context, roomID string, m chat.Message) error {
	readBy, err := encodeReadBy(m.ReadBy)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (room_id, id, username, role, content, ts, read_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, id) DO UPDATE SET
			username = excluded.username,
			role     = excluded.role,
			content  = excluded.content,
			read_by  = excluded.read_by
	`, roomID, m.ID, m.User, m.Role, m.Content, m.Timestamp, readBy)
	if err != nil {
		return fmt.Errorf("store: upsert %s/%s: %w", roomID, m.ID, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
