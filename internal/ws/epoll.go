//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll wraps Linux epoll so that idle connections cost no goroutine. The
// kernel reports which sockets have data and the server reads only those.
type Epoll struct {
	fd          int
	connections map[int]net.Conn
	mu          sync.RWMutex
	events      []unix.EpollEvent
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers conn for read readiness and returns the connection the
// server should read from, which on Linux is conn itself.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.connections[fd] = conn
	e.mu.Unlock()
	return conn, nil
}

// Remove unregisters conn.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	e.mu.Lock()
	delete(e.connections, fd)
	e.mu.Unlock()

	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Resume is a no-op; level-triggered epoll reports unread data again.
func (e *Epoll) Resume(net.Conn) {}

// Wait blocks until one or more registered connections are ready for
// reading. Connections removed between epoll_wait returning and the lookup
// are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor, which unblocks Wait.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor through SyscallConn, which unlike
// File() does not dup it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
