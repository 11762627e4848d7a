package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store for development and tests. Its contents
// are lost on restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*Session)}
}

func (m *Memory) CreateSession(_ context.Context, s NewSession) (string, error) {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	id := uuid.New().String()

	m.mu.Lock()
	m.sessions[id] = &Session{
		ID:        id,
		Emotion:   s.Emotion,
		AnonID1:   s.AnonID1,
		AnonID2:   s.AnonID2,
		StartedAt: s.StartedAt,
	}
	m.mu.Unlock()
	return id, nil
}

func (m *Memory) AppendMessage(_ context.Context, sessionID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("store: append to %s: %w", sessionID, ErrNotFound)
	}
	s.Messages = append(s.Messages, msg)
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("store: delete %s: %w", sessionID, ErrNotFound)
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *Memory) Recent(_ context.Context, sessionID string, n int) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	out := *s
	msgs := s.Messages
	if n >= 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out.Messages = append([]Message(nil), msgs...)
	return &out, nil
}

func (m *Memory) CountSessions(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.sessions)), nil
}

func (m *Memory) CountMessages(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, s := range m.sessions {
		total += int64(len(s.Messages))
	}
	return total, nil
}

func (m *Memory) SessionsByEmotion(context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64)
	for _, s := range m.sessions {
		out[s.Emotion]++
	}
	return out, nil
}

func (m *Memory) Close(context.Context) error { return nil }
