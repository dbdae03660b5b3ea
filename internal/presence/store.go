// Package presence mirrors the online count of every active room into Redis
// so that other processes (dashboards, load balancers, sibling servers) can
// see which rooms are live without talking to the WebSocket server.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all room presence hashes.
	KeyPrefix = "presence:room:"

	// TTL bounds how long a presence entry outlives a crashed server.
	TTL = 1 * time.Hour
)

// Room is the presence record of one room as stored in Redis.
type Room struct {
	Room      string `redis:"room"`
	Online    int    `redis:"online"`
	Server    string `redis:"server"`     // which WS server instance
	UpdatedAt int64  `redis:"updated_at"` // unix timestamp
}

// Store manages room presence in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// SetOnline records the current online count of a room and refreshes its TTL.
func (s *Store) SetOnline(ctx context.Context, roomID string, count int) error {
	key := KeyPrefix + roomID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"room":       roomID,
		"online":     count,
		"server":     s.serverName,
		"updated_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a room's presence record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, roomID string) (*Room, error) {
	key := KeyPrefix + roomID
	var r Room
	if err := s.client.HGetAll(ctx, key).Scan(&r); err != nil {
		return nil, err
	}
	if r.Room == "" {
		return nil, nil // not found
	}
	return &r, nil
}

// Clear removes a room's presence record once the room is evicted.
func (s *Store) Clear(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, KeyPrefix+roomID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
