// Package gateway binds WebSocket connections to the room manager. It hands
// each new connection its anonymous identity, turns client events into room
// operations and reports failures back to the client.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/whisper/emochat/internal/metrics"
	"github.com/whisper/emochat/internal/protocol"
	"github.com/whisper/emochat/internal/ratelimit"
	"github.com/whisper/emochat/internal/room"
	"github.com/whisper/emochat/internal/session"
	"github.com/whisper/emochat/internal/ws"
)

const anonIDAttempts = 5

// Rooms is the slice of room.Manager the gateway drives.
type Rooms interface {
	Connect(connID, anonID string) room.Participant
	Participant(connID string) (room.Participant, bool)
	Join(ctx context.Context, connID, emotion string) error
	RelayText(ctx context.Context, connID string, roomID room.ID, text string) error
	RelayVoice(ctx context.Context, connID string, roomID room.ID, audioBlob string) error
	RelayDoodle(ctx context.Context, connID string, roomID room.ID, dataURL string) error
	Leave(ctx context.Context, connID string, roomID room.ID) error
	Report(ctx context.Context, connID string, roomID room.ID) error
	Disconnect(ctx context.Context, connID string)
}

// Limiter throttles client events. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
	Reset(ctx context.Context, identifier string, rules ...ratelimit.Rule) error
}

// Config wires a Gateway. Presence and Limiter are optional.
type Config struct {
	Rooms    Rooms
	Sender   Sender
	Presence Presence
	Limiter  Limiter

	NewAnonID func() string // defaults to session.NewAnonID
	Timeout   time.Duration // per event, defaults to 15s
}

// Gateway handles connection lifecycle and client events.
type Gateway struct {
	rooms    Rooms
	sender   Sender
	presence Presence
	limiter  Limiter
	newAnon  func() string
	timeout  time.Duration
	log      *slog.Logger
}

// New creates a Gateway from cfg.
func New(cfg Config) *Gateway {
	g := &Gateway{
		rooms:    cfg.Rooms,
		sender:   cfg.Sender,
		presence: cfg.Presence,
		limiter:  cfg.Limiter,
		newAnon:  cfg.NewAnonID,
		timeout:  cfg.Timeout,
		log:      slog.With("component", "gateway"),
	}
	if g.newAnon == nil {
		g.newAnon = session.NewAnonID
	}
	if g.timeout <= 0 {
		g.timeout = 15 * time.Second
	}
	return g
}

// Register installs the client event handlers on d. ping is answered by
// the dispatcher itself.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinEmotion, g.handleJoin)
	d.Register(protocol.TypeChatMessage, g.handleChat)
	d.Register(protocol.TypeVoiceNote, g.handleVoice)
	d.Register(protocol.TypeDoodle, g.handleDoodle)
	d.Register(protocol.TypeReportUser, g.handleReport)
	d.Register(protocol.TypeLeaveRoom, g.handleLeave)
}

// OnConnect gives a new connection its anonymous id and sends init.
func (g *Gateway) OnConnect(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	anonID := g.anonID(ctx, conn.ID)
	g.rooms.Connect(conn.ID, anonID)
	if g.presence != nil {
		if err := g.presence.Create(ctx, conn.ID, anonID); err != nil {
			g.log.Warn("presence create failed", "conn_id", conn.ID, "error", err)
		}
	}

	g.send(conn.ID, protocol.TypeInit, protocol.InitMsg{AnonID: anonID})
	g.log.Info("participant connected", "conn_id", conn.ID, "anon_id", anonID, "remote", conn.Remote)
}

func (g *Gateway) anonID(ctx context.Context, connID string) string {
	if g.presence == nil {
		return g.newAnon()
	}
	id, err := g.presence.ReserveAnonID(ctx, connID, g.newAnon, anonIDAttempts)
	if err != nil {
		g.log.Warn("anon id reservation failed", "conn_id", connID, "error", err)
	}
	if id == "" {
		id = g.newAnon()
	}
	return id
}

// OnDisconnect treats the loss of a connection as leaving everything.
func (g *Gateway) OnDisconnect(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	g.rooms.Disconnect(ctx, connID)
	if g.presence != nil {
		if err := g.presence.Delete(ctx, connID); err != nil {
			g.log.Warn("presence delete failed", "conn_id", connID, "error", err)
		}
	}
	if g.limiter != nil {
		_ = g.limiter.Reset(ctx, connID, ratelimit.RuleMessage, ratelimit.RuleJoin)
	}
	g.log.Info("participant disconnected", "conn_id", connID)
}

// allow applies rule to connID and tells the client when it is throttled.
// Limiter failures let the event through.
func (g *Gateway) allow(ctx context.Context, connID, kind string, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	d, _ := g.limiter.Allow(ctx, connID, rule)
	if d.Allowed {
		return true
	}
	metrics.MessagesTotal.WithLabelValues(kind, "limited").Inc()
	g.send(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(d.RetryAfter.Seconds())),
	})
	return false
}

func (g *Gateway) touch(ctx context.Context, connID string) {
	if g.presence == nil {
		return
	}
	if err := g.presence.Touch(ctx, connID); err != nil {
		g.log.Debug("presence touch failed", "conn_id", connID, "error", err)
	}
}

// fail reports err from a room operation to the client where that makes
// sense. Events naming a room the sender is not in are dropped.
func (g *Gateway) fail(connID, event string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, room.ErrNotInRoom), errors.Is(err, room.ErrRoomClosed):
		g.log.Debug("dropping event for foreign room", "conn_id", connID, "type", event)
	case errors.Is(err, room.ErrUnknownEmotion):
		g.sendError(connID, "unknown_emotion", "Emoción desconocida.")
	case room.IsValidation(err):
		g.sendError(connID, "invalid_message", validationText(err))
	case errors.Is(err, room.ErrUnknownParticipant):
		g.log.Warn("event from unregistered connection", "conn_id", connID, "type", event)
	default:
		// The room manager has already told the participants.
		g.log.Error("room operation failed", "conn_id", connID, "type", event, "error", err)
	}
}

func validationText(err error) string {
	switch {
	case errors.Is(err, room.ErrEmptyMessage):
		return "El mensaje está vacío."
	case errors.Is(err, room.ErrMessageTooLong):
		return "El mensaje es demasiado largo."
	case errors.Is(err, room.ErrPayloadTooLarge):
		return "El archivo es demasiado grande."
	default:
		return "Mensaje no válido."
	}
}

func (g *Gateway) sendError(connID, code, message string) {
	g.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (g *Gateway) send(connID, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.log.Error("encode event", "type", msgType, "error", err)
		return
	}
	if err := g.sender.SendMessage(connID, data); err != nil {
		g.log.Debug("send failed", "conn_id", connID, "type", msgType, "error", err)
	}
}
