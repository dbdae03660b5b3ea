package chat

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_UpsertAppendsInOrder(t *testing.T) {
	l := NewLog(nil)

	l.Upsert(Message{ID: "m1", Content: "hello", User: "a", Role: "user"}, 100)
	l.Upsert(Message{ID: "m2", Content: "hi", User: "b", Role: "user"}, 200)
	l.Upsert(Message{ID: "m3", Content: "bye", User: "a", Role: "user"}, 300)

	snap := l.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "m1", snap[0].ID)
	assert.Equal(t, "m2", snap[1].ID)
	assert.Equal(t, "m3", snap[2].ID)
	assert.Equal(t, int64(100), snap[0].Timestamp)
}

func TestLog_UpsertNeverGoesBackInTime(t *testing.T) {
	l := NewLog(nil)

	l.Upsert(Message{ID: "m1", Content: "first"}, 500)
	stored := l.Upsert(Message{ID: "m2", Content: "second"}, 400)

	assert.Equal(t, int64(500), stored.Timestamp)
	snap := l.Snapshot()
	assert.LessOrEqual(t, snap[0].Timestamp, snap[1].Timestamp)
}

func TestLog_UpsertSameIDIsIdempotent(t *testing.T) {
	l := NewLog(nil)

	l.Upsert(Message{ID: "m1", Content: "v1", User: "a", Role: "user"}, 100)
	l.Upsert(Message{ID: "m2", Content: "other", User: "b", Role: "user"}, 150)
	l.Upsert(Message{ID: "m1", Content: "v2", User: "a2", Role: "assistant"}, 200)
	stored := l.Upsert(Message{ID: "m1", Content: "v3", User: "a3", Role: "user"}, 300)

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, "v3", stored.Content)
	assert.Equal(t, "a3", stored.User)
	assert.Equal(t, "user", stored.Role)
	assert.Equal(t, int64(100), stored.Timestamp, "timestamp is kept from the first insert")

	snap := l.Snapshot()
	assert.Equal(t, "m1", snap[0].ID, "an overwritten message keeps its position")
}

func TestLog_UpsertKeepsReaders(t *testing.T) {
	l := NewLog(nil)
	l.Upsert(Message{ID: "m1", Content: "v1"}, 100)
	l.MarkRead("m1", "b")

	stored := l.Upsert(Message{ID: "m1", Content: "edited"}, 200)

	assert.Equal(t, []string{"b"}, stored.ReadBy)
}

func TestLog_NewMessageHasEmptyReadSet(t *testing.T) {
	l := NewLog(nil)
	stored := l.Upsert(Message{ID: "m1", Content: "v1"}, 100)

	require.NotNil(t, stored.ReadBy)
	assert.Empty(t, stored.ReadBy)
}

func TestLog_MarkRead(t *testing.T) {
	l := NewLog(nil)
	l.Upsert(Message{ID: "m1", Content: "hi"}, 100)

	updated, changed := l.MarkRead("m1", "b")
	require.True(t, changed)
	assert.Equal(t, []string{"b"}, updated.ReadBy)

	_, changed = l.MarkRead("m1", "b")
	assert.False(t, changed, "re-delivered read must not change state")

	updated, changed = l.MarkRead("m1", "c")
	require.True(t, changed)
	assert.Equal(t, []string{"b", "c"}, updated.ReadBy)
}

func TestLog_MarkReadUnknownMessage(t *testing.T) {
	l := NewLog(nil)

	_, changed := l.MarkRead("missing", "b")

	assert.False(t, changed)
	assert.Equal(t, 0, l.Len())
}

func TestLog_ReadConvergesUnderDuplicatesAndReordering(t *testing.T) {
	readers := []string{"a", "b", "c", "d"}
	var events []string
	for _, r := range readers {
		for i := 0; i < 3; i++ {
			events = append(events, r)
		}
	}

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

		l := NewLog(nil)
		l.Upsert(Message{ID: "m1", Content: "hi"}, 1)

		transitions := 0
		for _, r := range events {
			if _, changed := l.MarkRead("m1", r); changed {
				transitions++
			}
		}

		m, ok := l.Get("m1")
		require.True(t, ok)
		assert.ElementsMatch(t, readers, m.ReadBy, "trial %d", trial)
		assert.Equal(t, len(readers), transitions, "one transition per distinct reader")
	}
}

func TestLog_SnapshotIsACopy(t *testing.T) {
	l := NewLog(nil)
	l.Upsert(Message{ID: "m1", Content: "hi"}, 1)
	l.MarkRead("m1", "a")

	snap := l.Snapshot()
	snap[0].Content = "mutated"
	snap[0].ReadBy[0] = "mutated"

	m, _ := l.Get("m1")
	assert.Equal(t, "hi", m.Content)
	assert.Equal(t, []string{"a"}, m.ReadBy)
}

func TestLog_EmptySnapshotIsNotNil(t *testing.T) {
	assert.NotNil(t, NewLog(nil).Snapshot())
}

func TestNewLog_FromStoredRows(t *testing.T) {
	rows := make([]Message, 0, 5)
	for i := 1; i <= 5; i++ {
		rows = append(rows, Message{
			ID:        fmt.Sprintf("m%d", i),
			Content:   fmt.Sprintf("msg-%d", i),
			Timestamp: int64(i),
			ReadBy:    []string{"x"},
		})
	}

	l := NewLog(rows)

	require.Equal(t, 5, l.Len())
	for i, m := range l.Snapshot() {
		assert.Equal(t, fmt.Sprintf("m%d", i+1), m.ID)
		assert.Equal(t, []string{"x"}, m.ReadBy)
	}

	// Continuing after a reload keeps ordering.
	stored := l.Upsert(Message{ID: "m6", Content: "late"}, 0)
	assert.Equal(t, int64(5), stored.Timestamp)
}
