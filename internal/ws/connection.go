package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one upgraded WebSocket client. Writes are serialised by a
// mutex; reads are serialised by the processing flag so frames from one
// client are handled in arrival order.
type Connection struct {
	ID        string   // uuid, the participant's connection id
	Conn      net.Conn // upgraded socket, used for writes
	Remote    string
	CreatedAt time.Time

	reader net.Conn // as returned by the poller, nil until watched

	lastSeen   atomic.Int64 // unix nanos of the last frame
	writeMu    sync.Mutex
	processing atomic.Bool
}

func newConnection(id string, conn net.Conn, remote string) *Connection {
	c := &Connection{ID: id, Conn: conn, Remote: remote, CreatedAt: time.Now()}
	c.Touch()
	return c
}

// Touch records activity on the connection.
func (c *Connection) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the time of the last frame from the client.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// WriteMessage sends a text frame, bounded by timeout when positive.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame, which browsers answer with a
// pong automatically.
func (c *Connection) WritePing(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a registry of live connections indexed by id and by
// the net.Conn the poller reports.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers conn for sending. It is not read from until Watch.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Watch records the poller's handle for conn so ready events resolve to it.
// It returns false if conn was removed in the meantime.
func (cm *ConnectionManager) Watch(conn *Connection, reader net.Conn) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.byID[conn.ID] != conn {
		return false
	}
	conn.reader = reader
	cm.byConn[reader] = conn
	return true
}

// Remove unregisters the connection with id and returns its poller handle
// (nil if it was never watched). ok is false if the connection was already
// gone, so concurrent removals run cleanup once. The caller closes it.
func (cm *ConnectionManager) Remove(id string) (reader net.Conn, ok bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.byID[id]
	if !ok {
		return nil, false
	}
	delete(cm.byID, id)
	if conn.reader != nil {
		delete(cm.byConn, conn.reader)
	}
	return conn.reader, true
}

// Get returns the connection for id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
