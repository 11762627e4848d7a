// Package ws is the WebSocket transport: it upgrades HTTP requests with
// gobwas/ws, watches sockets with epoll, reads frames on a bounded worker
// pool and evicts dead connections with a heartbeat. What a frame means is
// decided by the handlers registered on a MessageDispatcher.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/emochat/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // frames above this size close the connection
	ReadTimeout    time.Duration // bound on reading one frame once data is ready
	WriteTimeout   time.Duration // bound on writing one frame
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  8 << 20,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades HTTP connections to WebSocket, registers them with epoll
// and hands ready connections to a bounded worker pool.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(connID string)
	log          *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	startedAt time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		log:        slog.With("component", "ws"),
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback run after upgrade and before the first
// frame of the connection is read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback run once when a connection is
// removed, whether by read error, close frame, heartbeat or shutdown.
func (s *Server) SetOnDisconnect(fn func(connID string)) { s.onDisconnect = fn }

// Start creates the poller and launches the event loop and heartbeat. HTTP
// serving is left to the caller, which mounts the Server as a handler.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info("websocket server started",
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections)
	return nil
}

// ServeHTTP upgrades the request to a WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConnection(uuid.NewString(), conn, r.RemoteAddr)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	// The connection is only polled after onConnect, so no frame is handled
	// before the application has registered it.
	if s.onConnect != nil {
		s.onConnect(c)
	}

	polled, err := s.epoll.Add(conn)
	if err != nil {
		s.log.Error("epoll add failed", "conn_id", c.ID, "error", err)
		s.RemoveConnection(c)
		return
	}
	if !s.conns.Watch(c, polled) {
		// Removed while onConnect ran.
		_ = s.epoll.Remove(polled)
		return
	}

	s.log.Debug("new connection", "conn_id", c.ID, "remote", c.Remote, "total", s.conns.Count())
}

// HandleHealth reports liveness, connection count and uptime as JSON.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_ = json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// startEventLoop waits on the poller and dispatches each ready connection to
// a worker. Acquiring a worker slot blocks when the pool is saturated.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			s.log.Error("epoll wait failed", "error", err)
			continue
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// answered by the transport; text frames go to onMessage.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can report the same socket twice.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		c.processing.Store(false)
		s.epoll.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness was stale; the heartbeat handles
		// connections that really went quiet.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.log.Warn("frame too large", "conn_id", c.ID, "bytes", header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 || s.onMessage == nil {
		return
	}

	start := time.Now()
	s.onMessage(c, data)
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
}

// RemoveConnection unregisters and closes c, then runs the disconnect
// callback. Racing removals (read error and heartbeat) run it once.
func (s *Server) RemoveConnection(c *Connection) {
	reader, ok := s.conns.Remove(c.ID)
	if !ok {
		return
	}
	if reader != nil {
		_ = s.epoll.Remove(reader)
	}
	c.Close()
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
	s.log.Debug("connection closed", "conn_id", c.ID, "total", s.conns.Count())
}

// SendMessage writes a text frame to the connection with connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data, s.config.WriteTimeout)
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the event loop and heartbeat, then removes every
// connection so disconnect callbacks run for each of them.
func (s *Server) Shutdown() error {
	s.closeOnce.Do(func() {
		s.log.Info("shutting down websocket server")
		close(s.done)

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.log.Info("websocket server stopped")
	})
	return nil
}
