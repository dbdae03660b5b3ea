package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	id         string
	RoomID     string     // room the connection was upgraded for
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor, -1 off Linux
	CreatedAt  time.Time  // when the connection was established
	lastSeen   int64      // unix nanos of the last frame read, atomic
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	server       *Server
	writeTimeout time.Duration
}

func newConnection(id, roomID string, conn net.Conn, writeTimeout time.Duration) *Connection {
	now := time.Now()
	return &Connection{
		id:           id,
		RoomID:       roomID,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		lastSeen:     now.UnixNano(),
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection id (UUID).
func (c *Connection) ID() string {
	return c.id
}

// Send writes a WebSocket text frame. The write mutex ensures that concurrent
// goroutines do not interleave frame bytes.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		// Clear the deadline so it doesn't affect heartbeat pings.
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close removes the connection from its server, which runs the close
// callback exactly once. A connection without a server just closes its
// socket.
func (c *Connection) Close() error {
	if c.server != nil {
		c.server.RemoveConnection(c)
		return nil
	}
	return c.closeConn()
}

func (c *Connection) closeConn() error {
	return c.Conn.Close()
}

func (c *Connection) touch(now time.Time) {
	atomic.StoreInt64(&c.lastSeen, now.UnixNano())
}

// idleFor returns how long ago the last frame was read.
func (c *Connection) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, atomic.LoadInt64(&c.lastSeen)))
}

// ConnectionManager is a thread-safe registry of live connections, indexed
// by connection id and by the underlying net.Conn that epoll reports ready.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection id -> Connection
	byConn map[net.Conn]*Connection // socket -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		_ = conn.closeConn()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping the given net.Conn, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
