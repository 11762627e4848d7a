package assistant

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/whisper/emochat/internal/metrics"
	"github.com/whisper/emochat/internal/room"
	"github.com/whisper/emochat/internal/store"
)

var (
	// ErrQuotaExceeded marks provider failures caused by rate or quota limits.
	ErrQuotaExceeded = errors.New("assistant: provider quota exceeded")
	// ErrDisabled is returned by the Disabled provider.
	ErrDisabled = errors.New("assistant: provider disabled")
)

// Provider completes a prompt.
type Provider interface {
	Complete(ctx context.Context, turns []Turn) (string, error)
}

// Disabled is used when no provider is configured.
type Disabled struct{}

func (Disabled) Complete(context.Context, []Turn) (string, error) { return "", ErrDisabled }

// Rooms is the part of the room manager the trigger needs.
type Rooms interface {
	Lookup(id room.ID) (room.Info, bool)
	BroadcastAssistant(id room.ID, text string) error
}

// Trigger runs when a room's inactivity timer fires.
type Trigger struct {
	rooms    Rooms
	store    store.Store
	provider Provider
	history  int
	timeout  time.Duration
	log      *slog.Logger
}

// NewTrigger creates a Trigger that feeds the last history messages of a
// session to provider, bounding each call by timeout.
func NewTrigger(rooms Rooms, st store.Store, provider Provider, history int, timeout time.Duration) *Trigger {
	if history <= 0 {
		history = 10
	}
	if provider == nil {
		provider = Disabled{}
	}
	return &Trigger{
		rooms:    rooms,
		store:    st,
		provider: provider,
		history:  history,
		timeout:  timeout,
		log:      slog.With("component", "assistant"),
	}
}

// Fire generates and broadcasts a nudge for roomID. Every failure is logged
// and swallowed; the room is never closed from here.
func (t *Trigger) Fire(ctx context.Context, roomID string) {
	info, ok := t.rooms.Lookup(room.ID(roomID))
	if !ok {
		return
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	sess, err := t.store.Recent(ctx, info.SessionID, t.history)
	if err != nil {
		t.log.Error("load history failed", "room_id", roomID, "session_id", info.SessionID, "error", err)
		metrics.AssistantCalls.WithLabelValues("error").Inc()
		return
	}

	text, err := t.provider.Complete(ctx, BuildPrompt(sess))
	switch {
	case errors.Is(err, ErrDisabled):
		return
	case errors.Is(err, ErrQuotaExceeded):
		t.log.Warn("assistant quota exhausted", "room_id", roomID, "error", err)
		metrics.AssistantCalls.WithLabelValues("quota").Inc()
		return
	case errors.Is(err, context.Canceled):
		// The room closed while the call was in flight.
		metrics.AssistantCalls.WithLabelValues("dropped").Inc()
		return
	case err != nil:
		t.log.Error("assistant completion failed", "room_id", roomID, "error", err)
		metrics.AssistantCalls.WithLabelValues("error").Inc()
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		metrics.AssistantCalls.WithLabelValues("empty").Inc()
		return
	}

	if err := t.rooms.BroadcastAssistant(info.ID, text); err != nil {
		t.log.Debug("room gone before nudge", "room_id", roomID)
		metrics.AssistantCalls.WithLabelValues("dropped").Inc()
		return
	}
	t.log.Debug("nudge sent", "room_id", roomID, "history", len(sess.Messages))
	metrics.AssistantCalls.WithLabelValues("sent").Inc()
}
