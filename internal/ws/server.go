// Package ws handles WebSocket connection management: upgrading HTTP
// requests, tracking live connections, reading frames through epoll and a
// bounded worker pool, and reporting connect, message and close events to
// the application.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-room/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Handlers are the application callbacks of a Server. OnConnect runs before
// the connection is read from; returning an error rejects it. OnClose runs
// exactly once per accepted connection. Any of them may be nil.
type Handlers struct {
	OnConnect func(c *Connection) error
	OnMessage func(c *Connection, data []byte)
	OnClose   func(c *Connection)
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	handlers   Handlers
	logger     zerolog.Logger
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration and callbacks.
func NewServer(config ServerConfig, handlers Handlers, logger zerolog.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	return &Server{
		config:     config,
		handlers:   handlers,
		logger:     logger.With().Str("component", "ws").Logger(),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Open creates the epoll instance and starts the event loop and heartbeat.
// It must be called before Accept.
func (s *Server) Open() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())
	return nil
}

// Serve opens the server and blocks serving handler on the configured
// address until Shutdown is called.
func (s *Server) Serve(handler http.Handler) error {
	if err := s.Open(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	s.logger.Info().Str("addr", s.config.ListenAddr).Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Accept upgrades the request to a WebSocket connection for roomID, runs
// OnConnect, and registers the connection for reading.
func (s *Server) Accept(w http.ResponseWriter, r *http.Request, roomID string) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("room", roomID).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.New().String(), roomID, conn, s.config.WriteTimeout)
	c.server = s

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.handlers.OnConnect != nil {
		if err := s.handlers.OnConnect(c); err != nil {
			s.logger.Warn().Err(err).Str("conn", c.id).Str("room", roomID).Msg("connection rejected")
			s.drop(c)
			return
		}
	}

	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error().Err(err).Str("conn", c.id).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	s.logger.Info().Str("conn", c.id).Str("room", roomID).Int("fd", c.Fd).
		Int("total", s.conns.Count()).Msg("new connection")
}

// drop unregisters a connection that never reached the application.
func (s *Server) drop(c *Connection) {
	if s.conns.Remove(c.id) {
		metrics.ConnectionsTotal.Dec()
	}
}

// eventLoopWaitMs bounds each epoll wait so the loop notices shutdown.
const eventLoopWaitMs = 500

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait(eventLoopWaitMs)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Error().Err(err).Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
				s.epoll.Resume(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 || s.handlers.OnMessage == nil {
		return
	}
	s.handlers.OnMessage(c, data)
}

// RemoveConnection removes a connection from epoll and the connection
// manager, closes the network connection, and runs OnClose. Only the first
// call for a connection has any effect, so a read error racing a heartbeat
// timeout closes it once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.id) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.handlers.OnClose != nil {
		s.handlers.OnClose(c)
	}

	s.logger.Info().Str("conn", c.id).Str("room", c.RoomID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	return s.conns.Count()
}

// Uptime returns how long the server has been open.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown stops the HTTP listener, signals the event loop to exit, and
// closes every connection, running OnClose for each.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server")

	select {
	case <-s.done:
	default:
		close(s.done)
	}

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("http shutdown error")
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.logger.Info().Msg("server stopped, all connections closed")
	return err
}
