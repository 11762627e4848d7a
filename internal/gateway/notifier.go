package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/whisper/emochat/internal/protocol"
	"github.com/whisper/emochat/internal/room"
)

// presenceTimeout bounds each presence write made on the delivery path.
const presenceTimeout = time.Second

// Sender writes an encoded frame to one connection. *ws.Server satisfies it.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Presence mirrors each connection's status into the shared presence store.
// *session.Store satisfies it.
type Presence interface {
	ReserveAnonID(ctx context.Context, connID string, gen func() string, attempts int) (string, error)
	Create(ctx context.Context, connID, anonID string) error
	SetWaiting(ctx context.Context, connID, emotion string) error
	SetChatting(ctx context.Context, connID, room string) error
	SetIdle(ctx context.Context, connID string) error
	Touch(ctx context.Context, connID string) error
	Delete(ctx context.Context, connID string) error
}

// Notifier encodes room events for the wire and keeps presence in step with
// what the participant is told. It implements room.Notifier.
type Notifier struct {
	sender   Sender
	presence Presence // nil disables presence tracking
	lookup   func(connID string) (room.Participant, bool)
	log      *slog.Logger
}

// NewNotifier creates a Notifier. presence may be nil.
func NewNotifier(sender Sender, presence Presence) *Notifier {
	return &Notifier{
		sender:   sender,
		presence: presence,
		log:      slog.With("component", "notifier"),
	}
}

// Bind sets the participant lookup used to fill in the emotion of waiting
// participants. The room manager is built with the notifier, so this is
// wired afterwards.
func (n *Notifier) Bind(lookup func(connID string) (room.Participant, bool)) {
	n.lookup = lookup
}

// Notify sends msgType with payload to connID.
func (n *Notifier) Notify(connID, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		n.log.Error("encode event", "type", msgType, "error", err)
		return
	}
	if err := n.sender.SendMessage(connID, data); err != nil {
		// The connection's own disconnect cleans up after it.
		n.log.Debug("deliver failed", "conn_id", connID, "type", msgType, "error", err)
	}
	n.track(connID, msgType, payload)
}

func (n *Notifier) track(connID, msgType string, payload any) {
	if n.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	var err error
	switch msgType {
	case protocol.TypeMatched:
		if m, ok := payload.(protocol.MatchedMsg); ok {
			err = n.presence.SetChatting(ctx, connID, m.Room)
		}
	case protocol.TypeWaiting:
		var emotion string
		if n.lookup != nil {
			if p, ok := n.lookup(connID); ok {
				emotion = p.Emotion
			}
		}
		err = n.presence.SetWaiting(ctx, connID, emotion)
	case protocol.TypePeerLeft:
		err = n.presence.SetIdle(ctx, connID)
	case protocol.TypeError:
		if e, ok := payload.(protocol.ErrorMsg); ok && e.Code == room.ReasonFailed {
			err = n.presence.SetIdle(ctx, connID)
		}
	}
	if err != nil {
		n.log.Warn("presence update failed", "conn_id", connID, "type", msgType, "error", err)
	}
}
