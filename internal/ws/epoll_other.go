//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is the fallback for platforms without epoll: one goroutine per
// connection peeks for data and reports the connection ready. Reads go
// through a buffered wrapper so the peeked byte is not lost.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*bufferedConn
	readyCh chan net.Conn
	done    chan struct{}
}

type bufferedConn struct {
	net.Conn
	r      *bufio.Reader
	resume chan struct{}
	gone   chan struct{}
	once   sync.Once
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*bufferedConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn and returns the wrapper the server must read from.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	bc := &bufferedConn{
		Conn:   conn,
		r:      bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		gone:   make(chan struct{}),
	}
	e.mu.Lock()
	e.conns[bc] = bc
	e.mu.Unlock()

	go e.monitor(bc)
	return bc, nil
}

// monitor signals readiness once per processed frame. A read error is also
// reported so the server notices the closed connection.
func (e *Epoll) monitor(bc *bufferedConn) {
	for {
		_, err := bc.r.Peek(1)

		select {
		case e.readyCh <- bc:
		case <-bc.gone:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-bc.resume:
		case <-bc.gone:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor report conn again after a frame was handled.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	bc := e.conns[conn]
	e.mu.Unlock()
	if bc == nil {
		return
	}
	select {
	case bc.resume <- struct{}{}:
	default:
	}
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	bc := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if bc != nil {
		bc.once.Do(func() { close(bc.gone) })
	}
	return nil
}

// Wait blocks until at least one connection is ready and drains any others
// already queued.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
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

// Close stops every monitor and unblocks Wait.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = make(map[net.Conn]*bufferedConn)
	e.mu.Unlock()
	return nil
}
