// Package protocol defines the WebSocket events exchanged between browser
// clients and the chat server. Every frame is a JSON object carrying a "type"
// discriminator next to the event's payload fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinEmotion = "join_emotion"
	TypeChatMessage = "chat_message"
	TypeVoiceNote   = "voice_note"
	TypeDoodle      = "doodle"
	TypeReportUser  = "report_user"
	TypeLeaveRoom   = "leave_room"
	TypePing        = "ping"
)

// Server -> Client event types. chat_message, voice_note and doodle are
// shared with the client direction and carry a different payload.
const (
	TypeInit             = "init"
	TypeWaiting          = "waiting"
	TypeMatched          = "matched"
	TypeMessageBlocked   = "message_blocked"
	TypeUserReported     = "user_reported"
	TypeGotReported      = "got_reported"
	TypePeerLeft         = "peer_left"
	TypeAssistantMessage = "assistant_message"
	TypeRateLimited      = "rate_limited"
	TypeError            = "error"
	TypePong             = "pong"
)

var (
	// ErrUnknownType is returned for frames whose type is not a client event.
	ErrUnknownType = errors.New("protocol: unknown client event type")
	// ErrInvalidPayload is returned when a required field is missing.
	ErrInvalidPayload = errors.New("protocol: invalid event payload")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON for deferred decoding into
// a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// JoinEmotionMsg enters the matchmaking queue for an emotion category.
type JoinEmotionMsg struct {
	Type    string `json:"type"`
	Emotion string `json:"emotion"`
}

// ChatMsg is a text message addressed to the sender's room.
type ChatMsg struct {
	Type    string `json:"type"`
	Room    string `json:"room"`
	Message string `json:"message"`
}

// VoiceNoteMsg carries a recorded audio clip, usually a data URL.
type VoiceNoteMsg struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	AudioBlob string `json:"audioBlob"`
}

// DoodleMsg carries a canvas drawing encoded as a data URL.
type DoodleMsg struct {
	Type    string `json:"type"`
	Room    string `json:"room"`
	DataURL string `json:"dataUrl"`
}

// ReportUserMsg reports the peer and ends the room.
type ReportUserMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// LeaveRoomMsg leaves the room voluntarily.
type LeaveRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// InitMsg hands a new connection its anonymous identity.
type InitMsg struct {
	Type   string `json:"type"`
	AnonID string `json:"anonId"`
}

type WaitingMsg struct {
	Type string `json:"type"`
}

// MatchedMsg names the peer and the room both participants now share.
type MatchedMsg struct {
	Type       string `json:"type"`
	PeerAnonID string `json:"peerAnonId"`
	Room       string `json:"room"`
}

// ServerChatMsg is a text message relayed from the peer.
type ServerChatMsg struct {
	Type       string    `json:"type"`
	FromAnonID string    `json:"fromAnonId"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

type ServerVoiceNoteMsg struct {
	Type       string `json:"type"`
	FromAnonID string `json:"fromAnonId"`
	AudioBlob  string `json:"audioBlob"`
}

type ServerDoodleMsg struct {
	Type       string `json:"type"`
	FromAnonID string `json:"fromAnonId"`
	DataURL    string `json:"dataUrl"`
}

// MessageBlockedMsg tells the sender its message was not delivered.
type MessageBlockedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type UserReportedMsg struct {
	Type string `json:"type"`
}

type GotReportedMsg struct {
	Type string `json:"type"`
}

// PeerLeftMsg names the participant that left the room.
type PeerLeftMsg struct {
	Type   string `json:"type"`
	AnonID string `json:"anonId"`
}

// AssistantMessageMsg is a conversation prompt generated after a silence.
type AssistantMessageMsg struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RateLimitedMsg is sent when the client exceeds the message flood limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg communicates an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes raw WebSocket bytes into a typed client event.
// Unknown types wrap ErrUnknownType and events missing a required field wrap
// ErrInvalidPayload so the caller can drop them.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg     interface{}
		err     error
		missing string
	)

	switch env.Type {
	case TypeJoinEmotion:
		var m JoinEmotionMsg
		err = json.Unmarshal(env.Raw, &m)
		if m.Emotion == "" {
			missing = "emotion"
		}
		msg = m
	case TypeChatMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("room", m.Room, "message", m.Message)
		msg = m
	case TypeVoiceNote:
		var m VoiceNoteMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("room", m.Room, "audioBlob", m.AudioBlob)
		msg = m
	case TypeDoodle:
		var m DoodleMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("room", m.Room, "dataUrl", m.DataURL)
		msg = m
	case TypeReportUser:
		var m ReportUserMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("room", m.Room)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		missing = firstEmpty("room", m.Room)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: %q payload: %v", ErrInvalidPayload, env.Type, err)
	}
	if missing != "" {
		return env.Type, nil, fmt.Errorf("%w: %q requires %q", ErrInvalidPayload, env.Type, missing)
	}
	return env.Type, msg, nil
}

// firstEmpty takes name/value pairs and returns the first name whose value
// is empty.
func firstEmpty(pairs ...string) string {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return pairs[i]
		}
	}
	return ""
}

// NewServerMessage JSON-encodes a server event, injecting msgType under the
// "type" key regardless of what the payload's Type field holds.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := map[string]interface{}{}
	if payload != nil {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
