package room

import (
	"context"

	"github.com/whisper/emochat/internal/media"
	"github.com/whisper/emochat/internal/metrics"
	"github.com/whisper/emochat/internal/protocol"
	"github.com/whisper/emochat/internal/store"
)

// write is one message waiting to be persisted. payload is set for voice
// notes and doodles and goes through the media store first.
type write struct {
	msg     store.Message
	kind    media.Kind
	payload string
}

// RelayText screens text and, if allowed, forwards it to the peer and queues
// it for persistence. A blocked message only produces message_blocked for
// the sender; the room stays open.
func (m *Manager) RelayText(ctx context.Context, connID string, roomID ID, text string) error {
	if err := ValidateText(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("text", "invalid").Inc()
		return err
	}

	decision := m.moderation.Check(text)

	var out outbox
	m.mu.Lock()
	p, r, err := m.memberLocked(connID, roomID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	if decision.Blocked {
		out.add(connID, protocol.TypeMessageBlocked, protocol.MessageBlockedMsg{Reason: decision.Reason})
		m.mu.Unlock()
		m.deliver(out)
		metrics.MessagesTotal.WithLabelValues("text", "blocked").Inc()
		m.log.Debug("message blocked", "room_id", roomID, "anon_id", p.AnonID, "term", decision.Term)
		return nil
	}

	ts := r.stamp(m.now())
	out.add(r.peerOf(connID), protocol.TypeChatMessage, protocol.ServerChatMsg{
		FromAnonID: p.AnonID,
		Message:    text,
		Timestamp:  ts,
	})
	m.timer.Arm(string(roomID))
	m.enqueueLocked(r, write{msg: store.Message{FromAnonID: p.AnonID, Text: text, Timestamp: ts}})
	m.mu.Unlock()

	m.deliver(out)
	metrics.MessagesTotal.WithLabelValues("text", "relayed").Inc()
	return nil
}

// RelayVoice forwards a voice note to the peer. Media is not moderated.
func (m *Manager) RelayVoice(ctx context.Context, connID string, roomID ID, audioBlob string) error {
	return m.relayMedia(connID, roomID, media.KindVoice, audioBlob)
}

// RelayDoodle forwards a drawing to the peer.
func (m *Manager) RelayDoodle(ctx context.Context, connID string, roomID ID, dataURL string) error {
	return m.relayMedia(connID, roomID, media.KindDoodle, dataURL)
}

func (m *Manager) relayMedia(connID string, roomID ID, kind media.Kind, payload string) error {
	if err := ValidateMedia(payload, m.maxMedia); err != nil {
		metrics.MessagesTotal.WithLabelValues(string(kind), "invalid").Inc()
		return err
	}

	var out outbox
	m.mu.Lock()
	p, r, err := m.memberLocked(connID, roomID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	ts := r.stamp(m.now())
	peer := r.peerOf(connID)
	switch kind {
	case media.KindVoice:
		out.add(peer, protocol.TypeVoiceNote, protocol.ServerVoiceNoteMsg{FromAnonID: p.AnonID, AudioBlob: payload})
	case media.KindDoodle:
		out.add(peer, protocol.TypeDoodle, protocol.ServerDoodleMsg{FromAnonID: p.AnonID, DataURL: payload})
	}
	m.timer.Arm(string(roomID))
	m.enqueueLocked(r, write{
		msg:     store.Message{FromAnonID: p.AnonID, Timestamp: ts},
		kind:    kind,
		payload: payload,
	})
	m.mu.Unlock()

	m.deliver(out)
	metrics.MessagesTotal.WithLabelValues(string(kind), "relayed").Inc()
	return nil
}

// enqueueLocked appends w to the room's write queue and starts a writer if
// none is running. Writes for one room are persisted in relay order.
func (m *Manager) enqueueLocked(r *Room, w write) {
	if m.shutdown {
		m.log.Warn("dropping message write during shutdown", "room_id", r.ID, "session_id", r.SessionID)
		metrics.StoreErrors.WithLabelValues("append").Inc()
		return
	}
	r.pending = append(r.pending, w)
	if r.writing {
		return
	}
	r.writing = true
	m.writers.Add(1)
	go m.drain(r)
}

func (m *Manager) drain(r *Room) {
	defer m.writers.Done()
	for {
		m.mu.Lock()
		batch := r.pending
		r.pending = nil
		if len(batch) == 0 {
			r.writing = false
			m.mu.Unlock()
			return
		}
		sessionID := r.SessionID
		m.mu.Unlock()

		for _, w := range batch {
			m.persist(sessionID, w)
		}
	}
}

// persist stores one message. Failures are logged and counted; the relay
// has already happened and is not rolled back.
func (m *Manager) persist(sessionID string, w write) {
	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()

	msg := w.msg
	if w.payload != "" {
		ref, err := m.media.Put(ctx, w.kind, sessionID, w.payload)
		if err != nil {
			m.log.Warn("media upload failed, storing payload inline",
				"session_id", sessionID, "kind", w.kind, "error", err)
			metrics.StoreErrors.WithLabelValues("media").Inc()
			ref = w.payload
		}
		switch w.kind {
		case media.KindVoice:
			msg.Voice = ref
		case media.KindDoodle:
			msg.Doodle = ref
		}
	}

	if err := m.store.AppendMessage(ctx, sessionID, msg); err != nil {
		m.log.Error("append message failed", "session_id", sessionID, "from", msg.FromAnonID, "error", err)
		metrics.StoreErrors.WithLabelValues("append").Inc()
	}
}
