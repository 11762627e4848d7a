package gateway

import (
	"context"

	"github.com/whisper/emochat/internal/protocol"
	"github.com/whisper/emochat/internal/ratelimit"
	"github.com/whisper/emochat/internal/room"
	"github.com/whisper/emochat/internal/ws"
)

func (g *Gateway) handleJoin(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.JoinEmotionMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	if !g.allow(ctx, conn.ID, "join", ratelimit.RuleJoin) {
		return
	}
	g.log.Debug("join", "conn_id", conn.ID, "emotion", m.Emotion)
	g.fail(conn.ID, protocol.TypeJoinEmotion, g.rooms.Join(ctx, conn.ID, m.Emotion))
}

func (g *Gateway) handleChat(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.ChatMsg)
	if !ok {
		return
	}
	g.relay(conn.ID, protocol.TypeChatMessage, "text", func(ctx context.Context) error {
		return g.rooms.RelayText(ctx, conn.ID, room.ID(m.Room), m.Message)
	})
}

func (g *Gateway) handleVoice(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.VoiceNoteMsg)
	if !ok {
		return
	}
	g.relay(conn.ID, protocol.TypeVoiceNote, "voice", func(ctx context.Context) error {
		return g.rooms.RelayVoice(ctx, conn.ID, room.ID(m.Room), m.AudioBlob)
	})
}

func (g *Gateway) handleDoodle(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.DoodleMsg)
	if !ok {
		return
	}
	g.relay(conn.ID, protocol.TypeDoodle, "doodle", func(ctx context.Context) error {
		return g.rooms.RelayDoodle(ctx, conn.ID, room.ID(m.Room), m.DataURL)
	})
}

func (g *Gateway) relay(connID, event, kind string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	if !g.allow(ctx, connID, kind, ratelimit.RuleMessage) {
		return
	}
	err := fn(ctx)
	if err == nil {
		g.touch(ctx, connID)
	}
	g.fail(connID, event, err)
}

func (g *Gateway) handleReport(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.ReportUserMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	g.fail(conn.ID, protocol.TypeReportUser, g.rooms.Report(ctx, conn.ID, room.ID(m.Room)))
}

func (g *Gateway) handleLeave(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.LeaveRoomMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	err := g.rooms.Leave(ctx, conn.ID, room.ID(m.Room))
	if err == nil && g.presence != nil {
		// The leaver gets no peer_left, so its presence is reset here.
		if perr := g.presence.SetIdle(ctx, conn.ID); perr != nil {
			g.log.Warn("presence update failed", "conn_id", conn.ID, "error", perr)
		}
	}
	g.fail(conn.ID, protocol.TypeLeaveRoom, err)
}
