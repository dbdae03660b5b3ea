package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-room/internal/chat"
)

func newTestManager(s *memStore, limiter FrameLimiter) *Manager {
	return NewManager(s, Options{Now: fixedClock(1000)}, limiter)
}

func TestManager_JoinActivatesAndLeaveEvicts(t *testing.T) {
	s := newMemStore()
	m := newTestManager(s, nil)
	ctx := context.Background()

	a := newFakeConn("a")
	require.NoError(t, m.Join(ctx, "lobby", a))
	assert.Equal(t, 1, m.ActiveRooms())

	m.Receive(a, addFrame("m1", "hello", "A"))
	m.Leave(a)

	// Eviction drains the writer before Leave returns.
	assert.Equal(t, 0, m.ActiveRooms())
	require.Len(t, s.rows("lobby"), 1)

	b := newFakeConn("b")
	require.NoError(t, m.Join(ctx, "lobby", b))
	msgs := b.snapshotMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_RoomsAreIsolated(t *testing.T) {
	m := newTestManager(newMemStore(), nil)
	ctx := context.Background()

	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, m.Join(ctx, "one", a))
	require.NoError(t, m.Join(ctx, "two", b))
	b.reset()

	m.Receive(a, addFrame("m1", "only in one", "A"))

	assert.Empty(t, b.frames(t))
	assert.Equal(t, 2, m.ActiveRooms())
	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_Stats(t *testing.T) {
	m := newTestManager(newMemStore(), nil)
	ctx := context.Background()

	_, err := m.Stats("nowhere")
	assert.ErrorIs(t, err, ErrNotJoined)

	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, m.Join(ctx, "lobby", a))
	require.NoError(t, m.Join(ctx, "lobby", b))
	m.Receive(a, addFrame("m1", "x", "A"))

	st, err := m.Stats("lobby")
	require.NoError(t, err)
	assert.Equal(t, Stats{Room: "lobby", Online: 2, Messages: 1}, st)

	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_LeaveIsIdempotent(t *testing.T) {
	m := newTestManager(newMemStore(), nil)
	ctx := context.Background()

	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, m.Join(ctx, "lobby", a))
	require.NoError(t, m.Join(ctx, "lobby", b))
	b.reset()

	m.Leave(a)
	m.Leave(a)
	m.Leave(newFakeConn("stranger"))

	notes := b.framesOfType(t, "notification")
	require.Len(t, notes, 1)
	assert.Equal(t, "A user left the chat (1 online)", notes[0]["content"])

	st, err := m.Stats("lobby")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Online)

	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_ReceiveFromUnknownConnIsIgnored(t *testing.T) {
	s := newMemStore()
	m := newTestManager(s, nil)

	m.Receive(newFakeConn("ghost"), addFrame("m1", "x", "A"))

	assert.Equal(t, 0, m.ActiveRooms())
	assert.Equal(t, 0, s.upsertCount())
}

func TestManager_RateLimitedFramesAreDropped(t *testing.T) {
	s := newMemStore()
	m := newTestManager(s, &fakeLimiter{limit: 2})
	ctx := context.Background()

	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, m.Join(ctx, "lobby", a))
	require.NoError(t, m.Join(ctx, "lobby", b))

	for i := 0; i < 5; i++ {
		m.Receive(a, addFrame(fmt.Sprintf("m%d", i), "spam", "A"))
	}
	// b has its own budget.
	m.Receive(b, addFrame("b1", "hi", "B"))

	require.NoError(t, m.Shutdown(ctx))
	assert.Len(t, s.rows("lobby"), 3)
}

func TestManager_ReadBacklogDoesNotStarvePosts(t *testing.T) {
	s := newMemStore()
	for i := 0; i < 30; i++ {
		s.rooms["lobby"] = append(s.rooms["lobby"], chat.Message{
			ID: fmt.Sprintf("old%d", i), Content: "hi", User: "X", Timestamp: int64(i + 1), ReadBy: []string{},
		})
	}
	m := newTestManager(s, &fakeLimiter{limit: 20})
	ctx := context.Background()

	a := newFakeConn("a")
	require.NoError(t, m.Join(ctx, "lobby", a))

	// Catch up on the whole backlog, twice over, then post.
	for round := 0; round < 2; round++ {
		for i := 0; i < 30; i++ {
			m.Receive(a, readFrame(fmt.Sprintf("old%d", i), "A"))
		}
	}
	m.Receive(a, addFrame("mine", "after catching up", "A"))

	var echoed bool
	for _, f := range a.framesOfType(t, "add") {
		if f["id"] == "mine" {
			echoed = true
		}
	}
	assert.True(t, echoed, "the post after a read backlog must be echoed")

	require.NoError(t, m.Shutdown(ctx))
	assert.Len(t, s.rows("lobby"), 31)
}

func TestManager_ConcurrentJoinsShareOneRoom(t *testing.T) {
	m := newTestManager(newMemStore(), nil)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- m.Join(ctx, "busy", newFakeConn(fmt.Sprintf("c%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, m.ActiveRooms())
	st, err := m.Stats("busy")
	require.NoError(t, err)
	assert.Equal(t, n, st.Online)

	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_ActivationFailure(t *testing.T) {
	s := newMemStore()
	s.loadErr = errors.New("db down")
	m := newTestManager(s, nil)

	err := m.Join(context.Background(), "lobby", newFakeConn("a"))

	assert.ErrorIs(t, err, s.loadErr)
	assert.Equal(t, 0, m.ActiveRooms())
}

func TestManager_ReactivatesAfterStorageFailure(t *testing.T) {
	s := newMemStore()
	s.rooms["lobby"] = []chat.Message{{ID: "old", Content: "kept", User: "X", Timestamp: 1, ReadBy: []string{}}}
	s.upsertErr = errors.New("write failed")
	m := newTestManager(s, nil)
	ctx := context.Background()

	a := newFakeConn("a")
	a.onClose = func(c *fakeConn) { m.Leave(c) }
	require.NoError(t, m.Join(ctx, "lobby", a))

	m.Receive(a, addFrame("m1", "lost", "A"))

	require.Eventually(t, a.isClosed, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.ActiveRooms() == 0 }, time.Second, 5*time.Millisecond)

	s.mu.Lock()
	s.upsertErr = nil
	s.mu.Unlock()

	b := newFakeConn("b")
	require.NoError(t, m.Join(ctx, "lobby", b))
	msgs := b.snapshotMessages(t)
	require.Len(t, msgs, 1, "the fresh instance reloads what was stored")
	assert.Equal(t, "old", msgs[0].ID)

	m.Receive(b, addFrame("m2", "stored", "B"))
	require.NoError(t, m.Shutdown(ctx))
	assert.Len(t, s.rows("lobby"), 2)
}

func TestManager_FailedRoomPresenceCleanupPrecedesReactivation(t *testing.T) {
	s := newMemStore()
	s.upsertErr = errors.New("write failed")
	p := newFakePresence()
	block := make(chan struct{})
	p.block = block
	m := NewManager(s, Options{Now: fixedClock(1000), Presence: p}, nil)
	ctx := context.Background()

	a := newFakeConn("a")
	require.NoError(t, m.Join(ctx, "lobby", a))
	m.Receive(a, addFrame("m1", "lost", "A"))

	require.Eventually(t, a.isClosed, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.ActiveRooms() == 0 }, time.Second, 5*time.Millisecond)

	s.mu.Lock()
	s.upsertErr = nil
	s.mu.Unlock()

	b := newFakeConn("b")
	joined := make(chan error, 1)
	go func() { joined <- m.Join(ctx, "lobby", b) }()

	select {
	case err := <-joined:
		t.Fatalf("join finished while the failed room was still clearing presence: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	require.NoError(t, <-joined)

	require.Eventually(t, func() bool {
		count, cleared := p.state("lobby")
		return count == 1 && !cleared
	}, time.Second, 5*time.Millisecond, "the new instance's presence must survive the old cleanup")

	m.Leave(b)
}

func TestManager_JoinWaitsForEvictedRoomToDrain(t *testing.T) {
	s := newMemStore()
	block := make(chan struct{})
	s.mu.Lock()
	s.block = block
	s.mu.Unlock()
	m := newTestManager(s, nil)
	ctx := context.Background()

	a := newFakeConn("a")
	require.NoError(t, m.Join(ctx, "lobby", a))
	m.Receive(a, addFrame("m1", "pending", "A"))

	left := make(chan struct{})
	go func() {
		m.Leave(a)
		close(left)
	}()
	require.Eventually(t, func() bool { return m.ActiveRooms() == 0 }, time.Second, 5*time.Millisecond)

	b := newFakeConn("b")
	joined := make(chan error, 1)
	go func() { joined <- m.Join(ctx, "lobby", b) }()

	select {
	case err := <-joined:
		t.Fatalf("join finished before the evicted room drained: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	<-left
	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("join did not finish after drain")
	}

	msgs := b.snapshotMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "pending", msgs[0].Content)

	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_JoinHonoursContextWhileDraining(t *testing.T) {
	s := newMemStore()
	block := make(chan struct{})
	s.mu.Lock()
	s.block = block
	s.mu.Unlock()
	m := newTestManager(s, nil)

	a := newFakeConn("a")
	require.NoError(t, m.Join(context.Background(), "lobby", a))
	m.Receive(a, addFrame("m1", "pending", "A"))

	left := make(chan struct{})
	go func() {
		m.Leave(a)
		close(left)
	}()
	require.Eventually(t, func() bool { return m.ActiveRooms() == 0 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Join(ctx, "lobby", newFakeConn("b"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	<-left
}

func TestManager_ShutdownStoresEverything(t *testing.T) {
	s := newMemStore()
	m := newTestManager(s, nil)
	ctx := context.Background()

	for _, roomID := range []string{"one", "two", "three"} {
		c := newFakeConn("conn-" + roomID)
		require.NoError(t, m.Join(ctx, roomID, c))
		for i := 0; i < 10; i++ {
			m.Receive(c, addFrame(fmt.Sprintf("%s-%d", roomID, i), "x", "U"))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	assert.Equal(t, 0, m.ActiveRooms())
	for _, roomID := range []string{"one", "two", "three"} {
		assert.Len(t, s.rows(roomID), 10, roomID)
	}
}
