package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/whisper/chat-room/internal/chat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore keeps message logs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// RunMigrations applies the embedded schema migrations to databaseURL. It is
// a no-op when the schema is already current.
func RunMigrations(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("store: init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// NewPostgresStore migrates the schema and opens a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, errors.New("store: postgres requires a database URL")
	}
	if err := RunMigrations(databaseURL); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Load returns the room's messages in log order.
func (s *PostgresStore) Load(ctx context.Context, roomID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, role, content, ts, read_by
		FROM messages
		WHERE room_id = $1
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
func (s *PostgresStore) Upsert(ctx context.Context, roomID string, m chat.Message) error {
	readBy, err := encodeReadBy(m.ReadBy)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (room_id, id, username, role, content, ts, read_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id, id) DO UPDATE SET
			username = EXCLUDED.username,
			role     = EXCLUDED.role,
			content  = EXCLUDED.content,
			read_by  = EXCLUDED.read_by
	`, roomID, m.ID, m.User, m.Role, m.Content, m.Timestamp, readBy)
	if err != nil {
		return fmt.Errorf("store: upsert %s/%s: %w", roomID, m.ID, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
