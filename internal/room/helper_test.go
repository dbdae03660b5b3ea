package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-room/internal/chat"
)

// fakeConn records every frame sent to it.
type fakeConn struct {
	id string

	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	onClose func(c *fakeConn)
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fake: closed")
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	onClose := c.onClose
	c.mu.Unlock()
	if !already && onClose != nil {
		onClose(c)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// frames decodes every frame sent so far.
func (c *fakeConn) frames(t *testing.T) []map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(c.sent))
	for _, raw := range c.sent {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

// framesOfType returns the decoded frames with the given type.
func (c *fakeConn) framesOfType(t *testing.T, typ string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, f := range c.frames(t) {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

// raw returns the raw bytes of every frame sent so far.
func (c *fakeConn) raw() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

// snapshotMessages decodes the messages of the last "all" frame.
func (c *fakeConn) snapshotMessages(t *testing.T) []chat.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		var f struct {
			Type     string         `json:"type"`
			Messages []chat.Message `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(c.sent[i], &f))
		if f.Type == "all" {
			return f.Messages
		}
	}
	t.Fatal("no snapshot received")
	return nil
}

// memStore is an in-memory MessageStore with failure and blocking hooks.
type memStore struct {
	mu      sync.Mutex
	rooms   map[string][]chat.Message
	upserts int

	loadErr   error
	upsertErr error
	block     chan struct{} // when set, Upsert waits for it to be closed
}

func newMemStore() *memStore {
	return &memStore{rooms: make(map[string][]chat.Message)}
}

func (s *memStore) Load(_ context.Context, roomID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]chat.Message, 0, len(s.rooms[roomID]))
	for _, m := range s.rooms[roomID] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *memStore) Upsert(_ context.Context, roomID string, m chat.Message) error {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts++
	rows := s.rooms[roomID]
	for i := range rows {
		if rows[i].ID == m.ID {
			ts := rows[i].Timestamp
			rows[i] = m.Clone()
			rows[i].Timestamp = ts
			return nil
		}
	}
	s.rooms[roomID] = append(rows, m.Clone())
	return nil
}

func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) rows(roomID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.rooms[roomID]...)
}

func (s *memStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// fixedClock returns a clock that advances by one millisecond per call.
func fixedClock(start int64) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now++
		return time.UnixMilli(now)
	}
}

func openTestRoom(t *testing.T, s *memStore) *Room {
	t.Helper()
	r, err := Open(context.Background(), "room-1", s, Options{Now: fixedClock(1000)})
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r
}

func addFrame(id, content, user string) []byte {
	b, _ := json.Marshal(map[string]string{"type": "add", "id": id, "content": content, "user": user, "role": "user"})
	return b
}

func updateFrame(id, content, user string) []byte {
	b, _ := json.Marshal(map[string]string{"type": "update", "id": id, "content": content, "user": user, "role": "user"})
	return b
}

func readFrame(messageID, user string) []byte {
	b, _ := json.Marshal(map[string]string{"type": "read", "messageId": messageID, "user": user})
	return b
}

// fakeLimiter allows a fixed number of frames per connection and class,
// counting read receipts apart from everything else.
type fakeLimiter struct {
	mu    sync.Mutex
	limit int
	seen  map[string]int
}

func (l *fakeLimiter) AllowFrame(_ context.Context, connID, frameType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]int)
	}
	key := connID + "/post"
	if frameType == "read" {
		key = connID + "/read"
	}
	l.seen[key]++
	return l.seen[key] <= l.limit
}

// fakePresence records the last count per room.
type fakePresence struct {
	mu      sync.Mutex
	counts  map[string]int
	cleared map[string]bool
	block   chan struct{} // when set, Clear waits for it to be closed
}

func newFakePresence() *fakePresence {
	return &fakePresence{counts: make(map[string]int), cleared: make(map[string]bool)}
}

func (p *fakePresence) SetOnline(_ context.Context, roomID string, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[roomID] = count
	p.cleared[roomID] = false
	return nil
}

func (p *fakePresence) Clear(_ context.Context, roomID string) error {
	p.mu.Lock()
	block := p.block
	p.mu.Unlock()
	if block != nil {
		<-block
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counts, roomID)
	p.cleared[roomID] = true
	return nil
}

// fakePublisher records published events.
type fakePublisher struct {
	mu       sync.Mutex
	messages []chat.Message
	receipts [][]string
}

func (p *fakePublisher) PublishMessage(_ string, m chat.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, m)
	return nil
}

func (p *fakePublisher) PublishReceipt(_ string, _ string, readBy []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts = append(p.receipts, readBy)
	return nil
}

func (p *fakePresence) state(roomID string) (count int, cleared bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[roomID], p.cleared[roomID]
}
