//go:build unix && !linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"
)

// Epoll emulates level-triggered readiness on platforms without epoll (macOS,
// the BSDs) with one parked goroutine per connection. Each goroutine waits on
// the runtime poller until a MSG_PEEK shows pending data, reports the
// connection once, and re-arms only after the server calls Resume, so no
// bytes are consumed and a busy connection is never reported twice.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> resume signal
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn.
func (e *Epoll) Add(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return errors.New("ws: connection has no file descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	resume := make(chan struct{}, 1)
	e.mu.Lock()
	select {
	case <-e.done:
		e.mu.Unlock()
		return net.ErrClosed
	default:
	}
	e.conns[conn] = resume
	e.mu.Unlock()

	go e.monitor(conn, raw, resume)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, raw syscall.RawConn, resume chan struct{}) {
	peek := make([]byte, 1)
	for {
		err := raw.Read(func(fd uintptr) bool {
			_, _, rerr := syscall.Recvfrom(int(fd), peek, syscall.MSG_PEEK)
			// Anything but "no data yet" (data, EOF, or an error) is
			// readiness; the server's read surfaces the outcome.
			return !errors.Is(rerr, syscall.EAGAIN)
		})

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if resume, ok := e.conns[conn]; ok {
		delete(e.conns, conn)
		close(resume)
	}
	return nil
}

// Resume re-arms conn after the server finished reading from it.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if resume, ok := e.conns[conn]; ok {
		select {
		case resume <- struct{}{}:
		default:
		}
	}
}

// Wait blocks for at most timeoutMs milliseconds (-1 for no limit) until at
// least one connection is ready, then collects any others already queued.
func (e *Epoll) Wait(timeoutMs int) ([]net.Conn, error) {
	var timeout <-chan time.Time
	if timeoutMs >= 0 {
		t := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer t.Stop()
		timeout = t.C
	}

	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-timeout:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor goroutine.
func (e *Epoll) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		close(e.done)
		e.conns = make(map[net.Conn]chan struct{})
		e.mu.Unlock()
	})
	return nil
}

// socketFD is only used for logging off Linux.
func socketFD(net.Conn) int {
	return -1
}
