// Package room owns the live state of the chat server: connected
// participants, the matchmaking queue and the rooms pairing two matched
// participants. All of it sits behind one mutex in Manager; socket writes,
// store calls and media uploads happen after the lock is released.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/emochat/internal/matching"
	"github.com/whisper/emochat/internal/media"
	"github.com/whisper/emochat/internal/messaging"
	"github.com/whisper/emochat/internal/moderation"
	"github.com/whisper/emochat/internal/store"
)

var (
	ErrUnknownParticipant = errors.New("room: unknown participant")
	ErrUnknownEmotion     = errors.New("room: unknown emotion")
	ErrNotInRoom          = errors.New("room: participant not in room")
	ErrRoomClosed         = errors.New("room: room closed")
)

// ID identifies a room. It is generated at creation and never reused.
type ID string

func newID(emotion string) ID {
	return ID(matching.Slug(emotion) + "-" + uuid.NewString())
}

// State of a room. Opening covers the window between the match and the
// session being persisted.
type State int

const (
	StateOpening State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// Participant is one live connection.
type Participant struct {
	ConnID    string
	AnonID    string
	Emotion   string // empty until the first join
	Room      ID     // empty when not in a room
	SessionID string // empty when not in a room
}

// Room pairs two participants. Members[0] is the participant whose arrival
// completed the match and is recorded as AnonID1 of the session.
type Room struct {
	ID        ID
	Emotion   string
	SessionID string
	Members   [2]string // connection ids
	AnonIDs   [2]string
	State     State
	OpenedAt  time.Time

	lastStamp time.Time
	pending   []write
	writing   bool
}

// Info is a read-only view of an active room.
type Info struct {
	ID        ID
	Emotion   string
	SessionID string
	AnonIDs   [2]string
	OpenedAt  time.Time
}

// Notifier delivers a server event to one connection. Failures are the
// notifier's to log; a vanished connection is cleaned up by its disconnect.
type Notifier interface {
	Notify(connID, msgType string, payload any)
}

// Timer is the inactivity schedule the manager arms and cancels.
type Timer interface {
	Arm(roomID string)
	Cancel(roomID string) bool
}

// Publisher receives room lifecycle events for out-of-process consumers.
type Publisher interface {
	PublishRoomEvent(subject string, ev messaging.RoomEvent) error
}

// Config wires a Manager. Store, Notifier and Timer are required.
type Config struct {
	Store      store.Store
	Media      media.Store        // defaults to media.Inline
	Moderation moderation.Checker // defaults to moderation.NewFilter()
	Timer      Timer
	Notifier   Notifier
	Events     Publisher // optional

	ServerName    string
	MaxMediaBytes int           // defaults to DefaultMaxMediaBytes
	WriteTimeout  time.Duration // per store/media call, defaults to 10s
	Now           func() time.Time
}

// Manager is the room lifecycle manager.
type Manager struct {
	store        store.Store
	media        media.Store
	moderation   moderation.Checker
	timer        Timer
	notify       Notifier
	events       Publisher
	server       string
	maxMedia     int
	writeTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger

	mu           sync.Mutex
	participants map[string]*Participant
	queue        *matching.Queue
	rooms        map[ID]*Room
	shutdown     bool

	writers sync.WaitGroup
}

// NewManager creates a Manager from cfg.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:        cfg.Store,
		media:        cfg.Media,
		moderation:   cfg.Moderation,
		timer:        cfg.Timer,
		notify:       cfg.Notifier,
		events:       cfg.Events,
		server:       cfg.ServerName,
		maxMedia:     cfg.MaxMediaBytes,
		writeTimeout: cfg.WriteTimeout,
		now:          cfg.Now,
		log:          slog.With("component", "room"),
		participants: make(map[string]*Participant),
		queue:        matching.NewQueue(),
		rooms:        make(map[ID]*Room),
	}
	if m.media == nil {
		m.media = media.Inline{}
	}
	if m.moderation == nil {
		m.moderation = moderation.NewFilter()
	}
	if m.maxMedia <= 0 {
		m.maxMedia = DefaultMaxMediaBytes
	}
	if m.writeTimeout <= 0 {
		m.writeTimeout = 10 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Participant returns a copy of the participant record for connID.
func (m *Manager) Participant(connID string) (Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[connID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Lookup returns the active room with id.
func (m *Manager) Lookup(id ID) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok || r.State != StateActive {
		return Info{}, false
	}
	return Info{ID: r.ID, Emotion: r.Emotion, SessionID: r.SessionID, AnonIDs: r.AnonIDs, OpenedAt: r.OpenedAt}, true
}

// Counts reports the number of connected participants, active rooms and
// queued participants.
func (m *Manager) Counts() (participants, rooms, waiting int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if r.State == StateActive {
			rooms++
		}
	}
	for _, n := range m.queue.Sizes() {
		waiting += n
	}
	return len(m.participants), rooms, waiting
}

// Close stops accepting persistence work and waits for queued message writes
// to finish or ctx to expire.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.writers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// outbox collects notifications produced under the lock so they can be
// delivered, in order, after it is released.
type outbox []notice

type notice struct {
	connID  string
	msgType string
	payload any
}

func (o *outbox) add(connID, msgType string, payload any) {
	*o = append(*o, notice{connID: connID, msgType: msgType, payload: payload})
}

func (m *Manager) deliver(o outbox) {
	for _, n := range o {
		m.notify.Notify(n.connID, n.msgType, n.payload)
	}
}

func (m *Manager) publish(subject string, ev messaging.RoomEvent) {
	if m.events == nil {
		return
	}
	ev.Server = m.server
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	if err := m.events.PublishRoomEvent(subject, ev); err != nil {
		m.log.Warn("publish room event failed", "subject", subject, "room_id", ev.Room, "error", err)
	}
}
