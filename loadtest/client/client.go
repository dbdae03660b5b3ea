// Package client provides a reusable WebSocket load test client for the chat
// room server. It connects using gobwas/ws (the same library the server
// uses), waits for the room snapshot sent on join, and tracks per-connection
// performance metrics including the echo latency of its own messages.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAdd    = "add"
	TypeUpdate = "update"
	TypeRead   = "read"
)

// Server -> Client message types.
const (
	TypeAll          = "all"
	TypeNotification = "notification"
	TypeReadUpdate   = "read-update"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	SnapshotLatency  time.Duration // dial start until the "all" frame
	SnapshotSize     int
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated participant of a room.
type Client struct {
	conn    net.Conn
	r       io.Reader
	user    string
	started time.Time

	writeMu sync.Mutex
	mu      sync.Mutex
	metrics Metrics
	pending map[string]time.Time // own message id -> send time
	echoes  []time.Duration

	handlers  map[string]func(json.RawMessage)
	snapshot  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
	snapOnce  sync.Once
}

// New connects to the room WebSocket URL as user. Handlers must be
// registered with On before the first frame can arrive, so New does not
// start reading; call Start once handlers are in place.
func New(ctx context.Context, url, user string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		r:        conn,
		user:     user,
		started:  start,
		pending:  make(map[string]time.Time),
		handlers: make(map[string]func(json.RawMessage)),
		snapshot: make(chan struct{}),
		done:     make(chan struct{}),
	}
	// Frames sent right after the upgrade may already sit in the handshake
	// buffer, which reads through to conn once drained.
	if br != nil {
		c.r = br
	}
	c.metrics.ConnectLatency = time.Since(start)
	return c, nil
}

// Start begins reading frames in the background.
func (c *Client) Start() {
	go c.readLoop()
}

// On registers a handler for a specific server message type. Handlers run on
// the read loop goroutine. Registering a second handler for the same type
// replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// User returns the display name the client sends messages as.
func (c *Client) User() string {
	return c.user
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// SendAdd posts a new message and starts timing its echo.
func (c *Client) SendAdd(id, content string) error {
	c.mu.Lock()
	c.pending[id] = time.Now()
	c.mu.Unlock()
	return c.Send(map[string]string{
		"type":    TypeAdd,
		"id":      id,
		"content": content,
		"user":    c.user,
		"role":    "user",
	})
}

// SendRead marks a message as read by this client's user.
func (c *Client) SendRead(messageID string) error {
	return c.Send(map[string]string{
		"type":      TypeRead,
		"messageId": messageID,
		"user":      c.user,
	})
}

// WaitForSnapshot blocks until the join snapshot has arrived or ctx ends.
func (c *Client) WaitForSnapshot(ctx context.Context) error {
	select {
	case <-c.snapshot:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before the snapshot arrived")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.doneOnce.Do(func() { close(c.done) })
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is gone, whether closed locally or
// dropped by the server.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// EchoLatencies returns and resets the echo latencies measured so far.
func (c *Client) EchoLatencies() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.echoes
	c.echoes = nil
	return out
}

// readLoop reads frames until the connection closes, timing echoes of the
// client's own adds and dispatching every frame to its handler.
func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(struct {
			io.Reader
			io.Writer
		}{c.r, c.conn})
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			c.doneOnce.Do(func() { close(c.done) })
			return
		}

		var envelope struct {
			Type     string            `json:"type"`
			ID       string            `json:"id"`
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		switch envelope.Type {
		case TypeAll:
			c.snapOnce.Do(func() {
				c.metrics.SnapshotLatency = time.Since(c.started)
				c.metrics.SnapshotSize = len(envelope.Messages)
				close(c.snapshot)
			})
		case TypeAdd:
			if sent, ok := c.pending[envelope.ID]; ok {
				c.echoes = append(c.echoes, time.Since(sent))
				delete(c.pending, envelope.ID)
			}
		}
		c.mu.Unlock()

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
