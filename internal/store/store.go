// Package store persists chat sessions and the messages exchanged in them,
// and answers the aggregate queries behind the stats endpoints. Postgres,
// MongoDB and in-memory backends implement the same Store interface.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session ID does not exist.
var ErrNotFound = errors.New("store: session not found")

// Session is a persisted conversation between two anonymous participants.
// AnonID1 is the participant whose arrival completed the match.
type Session struct {
	ID        string
	Emotion   string
	AnonID1   string
	AnonID2   string
	StartedAt time.Time
	Messages  []Message
}

// Message is one persisted event. Exactly one of Text, Voice or Doodle is set.
type Message struct {
	FromAnonID string
	Text       string
	Timestamp  time.Time
	Voice      string // payload reference
	Doodle     string // payload reference
}

// NewSession describes a session to create.
type NewSession struct {
	Emotion   string
	AnonID1   string
	AnonID2   string
	StartedAt time.Time
}

// Store is the session store adapter.
type Store interface {
	// CreateSession persists a new session and returns its ID.
	CreateSession(ctx context.Context, s NewSession) (string, error)
	// AppendMessage adds m to the end of the session's message list.
	AppendMessage(ctx context.Context, sessionID string, m Message) error
	// Recent returns the session with only its last n messages, oldest first.
	Recent(ctx context.Context, sessionID string, n int) (*Session, error)
	// DeleteSession removes a session that never carried a conversation.
	// Deleting a missing session returns ErrNotFound.
	DeleteSession(ctx context.Context, sessionID string) error

	CountSessions(ctx context.Context) (int64, error)
	CountMessages(ctx context.Context) (int64, error)
	SessionsByEmotion(ctx context.Context) (map[string]int64, error)

	Close(ctx context.Context) error
}
