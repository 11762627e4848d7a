// Package client is a WebSocket client for load testing the emochat server.
// It connects with gobwas/ws (the library the server uses), records the
// anonymous id from the init event and dispatches server events to
// registered handlers.
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

	"github.com/whisper/emochat/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until init
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated participant.
type Client struct {
	conn    net.Conn
	rw      io.ReadWriter
	started time.Time

	writeMu sync.Mutex

	mu       sync.Mutex
	anonID   string
	metrics  Metrics
	handlers map[string]func(json.RawMessage)

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts reading in the background. Register handlers
// with On before the events they watch can arrive.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	// The server writes init right after the upgrade, so br may already
	// hold frames. Once drained it reads straight from conn.
	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}

	c := &Client{
		conn:     conn,
		rw:       rw,
		started:  start,
		handlers: make(map[string]func(json.RawMessage)),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send encodes msg as JSON and writes it as one text frame.
func (c *Client) Send(msg any) error {
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

// Join asks to be matched in emotion.
func (c *Client) Join(emotion string) error {
	return c.Send(protocol.JoinEmotionMsg{Type: protocol.TypeJoinEmotion, Emotion: emotion})
}

// Chat sends a text message to room.
func (c *Client) Chat(room, text string) error {
	return c.Send(protocol.ChatMsg{Type: protocol.TypeChatMessage, Room: room, Message: text})
}

// Leave leaves room.
func (c *Client) Leave(room string) error {
	return c.Send(protocol.LeaveRoomMsg{Type: protocol.TypeLeaveRoom, Room: room})
}

// On registers handler for a server event type, replacing any previous one.
// Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitReady blocks until init has been received.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before init")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AnonID returns the id assigned by the server, empty before init.
func (c *Client) AnonID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anonID
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var env struct {
			Type   string `json:"type"`
			AnonID string `json:"anonId"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if env.Type == protocol.TypeInit && c.anonID == "" {
			c.anonID = env.AnonID
			c.metrics.ConnectLatency = time.Since(c.started)
			close(c.ready)
		}
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
