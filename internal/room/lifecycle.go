package room

import (
	"context"
	"fmt"
	"time"

	"github.com/whisper/emochat/internal/matching"
	"github.com/whisper/emochat/internal/messaging"
	"github.com/whisper/emochat/internal/metrics"
	"github.com/whisper/emochat/internal/protocol"
	"github.com/whisper/emochat/internal/store"
)

// Close reasons carried on room.closed events.
const (
	ReasonLeft         = "left"
	ReasonReported     = "reported"
	ReasonDisconnected = "disconnected"
	ReasonRejoined     = "rejoined"
	ReasonFailed       = "session_unavailable"
)

// Connect registers a participant for connID. Connecting an id twice keeps
// the existing record.
func (m *Manager) Connect(connID, anonID string) Participant {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.participants[connID]; ok {
		return *p
	}
	p := &Participant{ConnID: connID, AnonID: anonID}
	m.participants[connID] = p
	return *p
}

// Join places connID in the queue for emotion, or pairs it with the
// longest-waiting participant of that emotion. A participant already in a
// room leaves it first. On a match the session is created before either
// side hears "matched".
func (m *Manager) Join(ctx context.Context, connID, emotion string) error {
	canonical, ok := matching.Normalize(emotion)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEmotion, emotion)
	}

	var out outbox
	m.mu.Lock()
	p, ok := m.participants[connID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownParticipant
	}

	var closedEv *messaging.RoomEvent
	if r := m.rooms[p.Room]; r != nil {
		closedEv = m.closeLocked(r, p, ReasonRejoined, &out)
	}

	p.Emotion = canonical
	res := m.queue.Join(connID, canonical)
	var peer *Participant
	for res.Matched {
		if peer = m.participants[res.Peer.ID]; peer != nil {
			break
		}
		// Stale queue entry; try the next one.
		res = m.queue.Join(connID, canonical)
	}
	m.observeQueueLocked(canonical)

	if !res.Matched {
		out.add(connID, protocol.TypeWaiting, protocol.WaitingMsg{})
		m.mu.Unlock()
		m.deliver(out)
		if closedEv != nil {
			m.publish(messaging.SubjectRoomClosed, *closedEv)
		}
		return nil
	}

	r := &Room{
		ID:       newID(canonical),
		Emotion:  canonical,
		Members:  [2]string{p.ConnID, peer.ConnID},
		AnonIDs:  [2]string{p.AnonID, peer.AnonID},
		State:    StateOpening,
		OpenedAt: m.now(),
	}
	m.rooms[r.ID] = r
	p.Room, peer.Room = r.ID, r.ID
	m.mu.Unlock()

	m.deliver(out)
	if closedEv != nil {
		m.publish(messaging.SubjectRoomClosed, *closedEv)
	}
	metrics.MatchWait.WithLabelValues(canonical).Observe(r.OpenedAt.Sub(res.Peer.JoinedAt).Seconds())

	return m.open(ctx, r)
}

// open persists the session for a freshly matched room and activates it.
func (m *Manager) open(ctx context.Context, r *Room) error {
	sessionID, err := m.store.CreateSession(ctx, store.NewSession{
		Emotion:   r.Emotion,
		AnonID1:   r.AnonIDs[0],
		AnonID2:   r.AnonIDs[1],
		StartedAt: r.OpenedAt,
	})

	var out outbox
	m.mu.Lock()
	if r.State != StateOpening {
		// A member left or disconnected while the session was being created;
		// closeLocked already put the survivor back in line. The session never
		// held a conversation.
		m.mu.Unlock()
		if err == nil {
			m.dropSession(sessionID)
		}
		m.log.Info("room closed before it opened", "room_id", r.ID, "session_id", sessionID)
		return nil
	}

	if err != nil {
		m.closeLocked(r, nil, ReasonFailed, &out)
		for _, id := range r.Members {
			out.add(id, protocol.TypeError, protocol.ErrorMsg{
				Code:    ReasonFailed,
				Message: "No se pudo iniciar la conversación, inténtalo de nuevo.",
			})
		}
		m.mu.Unlock()
		m.deliver(out)
		metrics.StoreErrors.WithLabelValues("create_session").Inc()
		return fmt.Errorf("room: create session for %s: %w", r.ID, err)
	}

	r.SessionID = sessionID
	r.State = StateActive
	for _, id := range r.Members {
		m.participants[id].SessionID = sessionID
	}
	m.timer.Arm(string(r.ID))
	metrics.ActiveRooms.Inc()

	out.add(r.Members[0], protocol.TypeMatched, protocol.MatchedMsg{PeerAnonID: r.AnonIDs[1], Room: string(r.ID)})
	out.add(r.Members[1], protocol.TypeMatched, protocol.MatchedMsg{PeerAnonID: r.AnonIDs[0], Room: string(r.ID)})
	m.mu.Unlock()

	m.deliver(out)
	m.log.Info("room opened", "room_id", r.ID, "session_id", sessionID, "emotion", r.Emotion)
	m.publish(messaging.SubjectRoomOpened, messaging.RoomEvent{
		Room:      string(r.ID),
		SessionID: sessionID,
		Emotion:   r.Emotion,
		AnonIDs:   r.AnonIDs[:],
		At:        r.OpenedAt,
	})
	return nil
}

func (m *Manager) dropSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		m.log.Warn("failed to drop unopened session", "session_id", sessionID, "error", err)
		metrics.StoreErrors.WithLabelValues("delete_session").Inc()
	}
}

// Leave detaches connID from roomID and tells the peer. It fails with
// ErrNotInRoom when connID is not bound to that room.
func (m *Manager) Leave(ctx context.Context, connID string, roomID ID) error {
	var out outbox
	m.mu.Lock()
	p, r, err := m.memberLocked(connID, roomID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	ev := m.closeLocked(r, p, ReasonLeft, &out)
	m.mu.Unlock()

	m.deliver(out)
	m.publish(messaging.SubjectRoomClosed, *ev)
	return nil
}

// Report closes roomID on behalf of the reporter. Each side is told its role
// and that the other has left. Nothing about the report is persisted.
func (m *Manager) Report(ctx context.Context, connID string, roomID ID) error {
	var out outbox
	m.mu.Lock()
	p, r, err := m.memberLocked(connID, roomID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	reported := r.peerOf(connID)
	out.add(connID, protocol.TypeUserReported, protocol.UserReportedMsg{})
	out.add(reported, protocol.TypeGotReported, protocol.GotReportedMsg{})
	ev := m.closeLocked(r, nil, ReasonReported, &out)
	ev.Reporter = p.AnonID
	m.mu.Unlock()

	m.deliver(out)
	m.log.Info("participant reported", "room_id", roomID, "reporter", ev.Reporter)
	m.publish(messaging.SubjectRoomReported, *ev)
	m.publish(messaging.SubjectRoomClosed, *ev)
	return nil
}

// Disconnect removes connID entirely: its room is closed and it leaves any
// queue. Unknown ids are ignored.
func (m *Manager) Disconnect(ctx context.Context, connID string) {
	var out outbox
	var ev *messaging.RoomEvent

	m.mu.Lock()
	p, ok := m.participants[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if r := m.rooms[p.Room]; r != nil {
		ev = m.closeLocked(r, p, ReasonDisconnected, &out)
	}
	if m.queue.Remove(connID) {
		m.observeQueueLocked(p.Emotion)
	}
	delete(m.participants, connID)
	m.mu.Unlock()

	m.deliver(out)
	if ev != nil {
		m.publish(messaging.SubjectRoomClosed, *ev)
	}
}

// BroadcastAssistant sends text to both members of an active room.
func (m *Manager) BroadcastAssistant(roomID ID, text string) error {
	var out outbox
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok || r.State != StateActive {
		m.mu.Unlock()
		return ErrRoomClosed
	}
	msg := protocol.AssistantMessageMsg{Message: text, Timestamp: r.stamp(m.now())}
	for _, id := range r.Members {
		out.add(id, protocol.TypeAssistantMessage, msg)
	}
	m.mu.Unlock()

	m.deliver(out)
	return nil
}

// memberLocked resolves connID and checks it is bound to roomID.
func (m *Manager) memberLocked(connID string, roomID ID) (*Participant, *Room, error) {
	p, ok := m.participants[connID]
	if !ok {
		return nil, nil, ErrUnknownParticipant
	}
	if roomID == "" || p.Room != roomID {
		return nil, nil, ErrNotInRoom
	}
	r, ok := m.rooms[roomID]
	if !ok || r.State != StateActive {
		return nil, nil, ErrNotInRoom
	}
	return p, r, nil
}

// closeLocked tears r down: the timer is cancelled, both bindings are
// cleared and the room is forgotten. When leaver is set, the other member
// gets peer_left naming it; a nil leaver (report) tells each member about
// the other. A room still opening was never announced, so instead of
// peer_left the remaining member goes back to the head of its queue, and no
// event is returned.
func (m *Manager) closeLocked(r *Room, leaver *Participant, reason string, out *outbox) *messaging.RoomEvent {
	wasActive := r.State == StateActive
	r.State = StateClosed
	delete(m.rooms, r.ID)
	m.timer.Cancel(string(r.ID))
	if wasActive {
		metrics.ActiveRooms.Dec()
	}

	for i, id := range r.Members {
		p := m.participants[id]
		if p != nil && p.Room == r.ID {
			p.Room = ""
			p.SessionID = ""
		}
		if reason == ReasonFailed || (leaver != nil && id == leaver.ConnID) {
			continue
		}
		if !wasActive {
			if p != nil {
				m.queue.Requeue(id, r.Emotion)
				out.add(id, protocol.TypeWaiting, protocol.WaitingMsg{})
			}
			continue
		}
		out.add(id, protocol.TypePeerLeft, protocol.PeerLeftMsg{AnonID: r.AnonIDs[1-i]})
	}

	m.log.Info("room closed", "room_id", r.ID, "session_id", r.SessionID, "reason", reason)
	if !wasActive {
		m.observeQueueLocked(r.Emotion)
		return nil
	}
	return &messaging.RoomEvent{
		Room:      string(r.ID),
		SessionID: r.SessionID,
		Emotion:   r.Emotion,
		AnonIDs:   r.AnonIDs[:],
		Reason:    reason,
		At:        m.now(),
	}
}

func (m *Manager) observeQueueLocked(emotion string) {
	if emotion == "" {
		return
	}
	metrics.QueueSize.WithLabelValues(emotion).Set(float64(m.queue.Len(emotion)))
}

func (r *Room) peerOf(connID string) string {
	if r.Members[0] == connID {
		return r.Members[1]
	}
	return r.Members[0]
}

// stamp returns a timestamp that never goes backwards within the room.
func (r *Room) stamp(now time.Time) time.Time {
	if now.Before(r.lastStamp) {
		now = r.lastStamp
	}
	r.lastStamp = now
	return now
}
