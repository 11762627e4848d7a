// Package messaging provides a NATS client wrapper used to publish room
// lifecycle events from the chat server and consume them in the moderator
// console.
package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for room events.
const (
	SubjectRoomOpened   = "room.opened"
	SubjectRoomClosed   = "room.closed"
	SubjectRoomReported = "room.reported"
	SubjectRoomAll      = "room.>"
)

// RoomEvent is the JSON body published on the room.* subjects. It carries
// anonymous ids only; connection handles never leave the server.
type RoomEvent struct {
	Room      string    `json:"room"`
	SessionID string    `json:"sessionId,omitempty"`
	Emotion   string    `json:"emotion"`
	AnonIDs   []string  `json:"anonIds"`
	Reporter  string    `json:"reporter,omitempty"`
	Reason    string    `json:"reason,omitempty"` // left | reported | disconnected
	Server    string    `json:"server,omitempty"`
	At        time.Time `json:"at"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  *slog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "emochat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	log := slog.With("component", "nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", config.URL, err)
	}
	log.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishRoomEvent encodes ev and publishes it on subject.
func (c *NATSClient) PublishRoomEvent(subject string, ev RoomEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: encode room event: %w", err)
	}
	return c.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// SubscribeRoomEvents decodes every room.* event and passes it with its
// subject to handler. Undecodable payloads are logged and skipped.
func (c *NATSClient) SubscribeRoomEvents(handler func(subject string, ev RoomEvent)) error {
	return c.Subscribe(SubjectRoomAll, func(msg *nats.Msg) {
		var ev RoomEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.Warn("bad room event", "subject", msg.Subject, "error", err)
			return
		}
		handler(msg.Subject, ev)
	})
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("messaging: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription", "subject", subject, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("drain connection", "error", err)
	}
	c.log.Info("client closed")
}
