package room

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-room/internal/metrics"
	"github.com/whisper/chat-room/internal/protocol"
	"github.com/whisper/chat-room/internal/store"
)

// ErrNotJoined is returned by Manager.Stats for rooms that are not active.
var ErrNotJoined = errors.New("room: not active")

// entry is a room slot in the manager. ready is closed once the room has been
// loaded (or failed to load, with err set). refs counts connections that
// joined or are joining through this entry.
type entry struct {
	id    string
	room  *Room
	err   error
	ready chan struct{}
	refs  int
}

// Manager routes connections to rooms by id. A room is activated on its
// first connection and evicted when its last connection leaves; a later
// activation of the same id waits until the evicted instance has stored all
// of its writes, then reloads from the store.
type Manager struct {
	store   store.MessageStore
	opts    Options
	limiter FrameLimiter
	logger  zerolog.Logger

	mu       sync.Mutex
	rooms    map[string]*entry
	draining map[string]chan struct{}
	members  map[string]*entry // connection id -> room entry
}

// NewManager creates a Manager. opts is applied to every room it opens;
// OnFail is overridden. limiter may be nil.
func NewManager(s store.MessageStore, opts Options, limiter FrameLimiter) *Manager {
	m := &Manager{
		store:    s,
		limiter:  limiter,
		logger:   opts.Logger.With().Str("component", "rooms").Logger(),
		rooms:    make(map[string]*entry),
		draining: make(map[string]chan struct{}),
		members:  make(map[string]*entry),
	}
	opts.OnFail = m.handleFailure
	m.opts = opts
	return m
}

// Join activates roomID if needed and runs the join lifecycle for conn.
func (m *Manager) Join(ctx context.Context, roomID string, conn Conn) error {
	e, err := m.acquire(ctx, roomID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.members[conn.ID()] = e
	m.mu.Unlock()

	if err := e.room.Join(conn); err != nil {
		m.mu.Lock()
		delete(m.members, conn.ID())
		m.mu.Unlock()
		m.release(e)
		return err
	}
	return nil
}

// Receive routes an inbound frame to the connection's room.
func (m *Manager) Receive(conn Conn, data []byte) {
	m.mu.Lock()
	e, ok := m.members[conn.ID()]
	m.mu.Unlock()
	if !ok {
		return
	}

	if m.limiter != nil && !m.limiter.AllowFrame(context.Background(), conn.ID(), protocol.PeekType(data)) {
		metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
		m.logger.Debug().Str("conn", conn.ID()).Str("room", e.id).Msg("frame rate limited")
		return
	}

	if err := e.room.Receive(conn, data); err != nil {
		m.logger.Debug().Err(err).Str("conn", conn.ID()).Str("room", e.id).Msg("receive on stopped room")
	}
}

// Leave runs the leave lifecycle for conn. Calling it for a connection that
// never joined, or twice, is harmless.
func (m *Manager) Leave(conn Conn) {
	m.mu.Lock()
	e, ok := m.members[conn.ID()]
	if ok {
		delete(m.members, conn.ID())
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := e.room.Leave(conn); err != nil {
		m.logger.Debug().Err(err).Str("conn", conn.ID()).Str("room", e.id).Msg("leave on stopped room")
	}
	m.release(e)
}

// Stats returns the stats of an active room.
func (m *Manager) Stats(roomID string) (Stats, error) {
	m.mu.Lock()
	e, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return Stats{}, ErrNotJoined
	}

	select {
	case <-e.ready:
	default:
		return Stats{}, ErrNotJoined
	}
	if e.err != nil {
		return Stats{}, ErrNotJoined
	}
	return e.room.Stats()
}

// ActiveRooms returns the number of rooms currently held.
func (m *Manager) ActiveRooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Shutdown stops every room and waits for their writes to be stored, or for
// ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.rooms))
	for _, e := range m.rooms {
		entries = append(entries, e)
	}
	m.rooms = make(map[string]*entry)
	m.members = make(map[string]*entry)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, e := range entries {
			<-e.ready
			if e.room != nil {
				e.room.Stop()
				metrics.ActiveRooms.Dec()
			}
		}
	}()

	select {
	case <-done:
		m.logger.Info().Int("rooms", len(entries)).Msg("all rooms stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire returns the loaded entry for roomID with a reference taken,
// loading the room if nobody has yet.
func (m *Manager) acquire(ctx context.Context, roomID string) (*entry, error) {
	for {
		m.mu.Lock()
		if e, ok := m.rooms[roomID]; ok {
			e.refs++
			m.mu.Unlock()

			select {
			case <-e.ready:
			case <-ctx.Done():
				m.release(e)
				return nil, ctx.Err()
			}
			if e.err != nil {
				m.release(e)
				return nil, e.err
			}
			return e, nil
		}

		if done, ok := m.draining[roomID]; ok {
			m.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		e := &entry{id: roomID, ready: make(chan struct{}), refs: 1}
		m.rooms[roomID] = e
		m.mu.Unlock()

		e.room, e.err = Open(ctx, roomID, m.store, m.opts)
		if e.err != nil {
			m.logger.Error().Err(e.err).Str("room", roomID).Msg("room activation failed")
			m.mu.Lock()
			if m.rooms[roomID] == e {
				delete(m.rooms, roomID)
			}
			m.mu.Unlock()
			close(e.ready)
			return nil, e.err
		}
		close(e.ready)
		metrics.ActiveRooms.Inc()
		return e, nil
	}
}

// release drops one reference. The last reference of a loaded room evicts
// it: the room is stopped and its writes drained before the id can be
// activated again.
func (m *Manager) release(e *entry) {
	m.mu.Lock()
	e.refs--
	if e.refs > 0 || e.room == nil || m.rooms[e.id] != e {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, e.id)
	done := make(chan struct{})
	m.draining[e.id] = done
	m.mu.Unlock()

	e.room.Stop()
	metrics.ActiveRooms.Dec()
	m.logger.Info().Str("room", e.id).Msg("room evicted")

	m.finishDraining(e.id, done)
}

// handleFailure forgets a room that stopped on a storage error so the next
// connection activates a fresh instance from the store. Like an eviction, the
// id stays draining until the failed writer has finished, so its presence
// cleanup cannot land on top of the next instance.
func (m *Manager) handleFailure(r *Room) {
	id := r.ID()
	m.mu.Lock()
	e, ok := m.rooms[id]
	removed := ok && e.room == r
	done := make(chan struct{})
	if removed {
		delete(m.rooms, id)
		m.draining[id] = done
	}
	m.mu.Unlock()

	m.logger.Error().Err(r.Err()).Str("room", id).Msg("room failed")
	if !removed {
		return
	}
	metrics.ActiveRooms.Dec()

	go func() {
		<-r.Drained()
		m.finishDraining(id, done)
	}()
}

func (m *Manager) finishDraining(id string, done chan struct{}) {
	m.mu.Lock()
	if m.draining[id] == done {
		delete(m.draining, id)
	}
	m.mu.Unlock()
	close(done)
}
