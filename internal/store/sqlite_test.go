package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-room/internal/chat"
)

func newTestSQLite(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "chat.db")
	s, err := NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSQLite_LoadEmptyRoom(t *testing.T) {
	s, _ := newTestSQLite(t)

	msgs, err := s.Load(context.Background(), "room-1")

	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestSQLite_UpsertInsertsAndOrders(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "room-1", chat.Message{ID: "m2", Content: "second", User: "b", Role: "user", Timestamp: 20}))
	require.NoError(t, s.Upsert(ctx, "room-1", chat.Message{ID: "m1", Content: "first", User: "a", Role: "user", Timestamp: 10}))
	require.NoError(t, s.Upsert(ctx, "room-1", chat.Message{ID: "m3", Content: "tie", User: "c", Role: "user", Timestamp: 20}))

	msgs, err := s.Load(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID, "equal timestamps keep insertion order")
	assert.Equal(t, "m3", msgs[2].ID)
	assert.Equal(t, []string{}, msgs[0].ReadBy)
}

func TestSQLite_UpsertOverwritesButKeepsTimestamp(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "room-1", chat.Message{ID: "m1", Content: "v1", User: "a", Role: "user", Timestamp: 10}))
	require.NoError(t, s.Upsert(ctx, "room-1", chat.Message{ID: "m1", Content: "v2", User: "a2", Role: "assistant", Timestamp: 99, ReadBy: []string{"b"}}))

	msgs, err := s.Load(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.Message{
		ID:        "m1",
		Content:   "v2",
		User:      "a2",
		Role:      "assistant",
		Timestamp: 10,
		ReadBy:    []string{"b"},
	}, msgs[0])
}

func TestSQLite_RoomsAreIsolated(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "room-1", chat.Message{ID: "m1", Content: "one", User: "a", Timestamp: 1}))
	require.NoError(t, s.Upsert(ctx, "room-2", chat.Message{ID: "m1", Content: "two", User: "a", Timestamp: 1}))

	one, err := s.Load(ctx, "room-1")
	require.NoError(t, err)
	two, err := s.Load(ctx, "room-2")
	require.NoError(t, err)

	require.Len(t, one, 1)
	require.Len(t, two, 1)
	assert.Equal(t, "one", one[0].Content)
	assert.Equal(t, "two", two[0].Content)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	s, path := newTestSQLite(t)
	ctx := context.Background()

	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.Upsert(ctx, "room-1", chat.Message{ID: id, Content: id, User: "a", Timestamp: int64(i)}))
	}
	require.NoError(t, s.Upsert(ctx, "room-1", chat.Message{ID: "m2", Content: "m2", User: "a", ReadBy: []string{"b", "c"}}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.Load(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, []string{"b", "c"}, msgs[1].ReadBy)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	assert.Error(t, err)
}

func TestOpen_SQLite(t *testing.T) {
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Ping(context.Background()))
}
