package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage_JoinEmotion(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"join_emotion","emotion":"Calma"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJoinEmotion, msgType)

	jm, ok := msg.(JoinEmotionMsg)
	require.True(t, ok, "expected JoinEmotionMsg, got %T", msg)
	assert.Equal(t, "Calma", jm.Emotion)
}

func TestParseClientMessage_ChatMsg(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"chat_message","room":"calma-1","message":"hola"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeChatMessage, msgType)

	cm, ok := msg.(ChatMsg)
	require.True(t, ok)
	assert.Equal(t, "calma-1", cm.Room)
	assert.Equal(t, "hola", cm.Message)
}

func TestParseClientMessage_Media(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"voice_note","room":"r","audioBlob":"data:audio/webm;base64,AAA"}`))
	require.NoError(t, err)
	assert.Equal(t, "data:audio/webm;base64,AAA", msg.(VoiceNoteMsg).AudioBlob)

	_, msg, err = ParseClientMessage([]byte(`{"type":"doodle","room":"r","dataUrl":"data:image/png;base64,BBB"}`))
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,BBB", msg.(DoodleMsg).DataURL)
}

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"invalid json", `{not json`, nil},
		{"missing type", `{"room":"r"}`, nil},
		{"unknown type", `{"type":"teleport"}`, ErrUnknownType},
		{"server only type", `{"type":"matched"}`, ErrUnknownType},
		{"join without emotion", `{"type":"join_emotion"}`, ErrInvalidPayload},
		{"chat without room", `{"type":"chat_message","message":"hi"}`, ErrInvalidPayload},
		{"chat without text", `{"type":"chat_message","room":"r"}`, ErrInvalidPayload},
		{"voice without blob", `{"type":"voice_note","room":"r"}`, ErrInvalidPayload},
		{"doodle without data", `{"type":"doodle","room":"r"}`, ErrInvalidPayload},
		{"report without room", `{"type":"report_user"}`, ErrInvalidPayload},
		{"leave without room", `{"type":"leave_room"}`, ErrInvalidPayload},
		{"wrong field type", `{"type":"chat_message","room":5,"message":"x"}`, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tt.input))
			require.Error(t, err)
			assert.Nil(t, msg)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}

func TestNewServerMessage_Matched(t *testing.T) {
	data, err := NewServerMessage(TypeMatched, MatchedMsg{PeerAnonID: "User1234", Room: "calma-abc"})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "matched", got["type"])
	assert.Equal(t, "User1234", got["peerAnonId"])
	assert.Equal(t, "calma-abc", got["room"])
}

func TestNewServerMessage_OverridesType(t *testing.T) {
	data, err := NewServerMessage(TypePeerLeft, PeerLeftMsg{Type: "wrong", AnonID: "User1000"})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "peer_left", got["type"])
	assert.Equal(t, "User1000", got["anonId"])
}

func TestNewServerMessage_Timestamp(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := NewServerMessage(TypeAssistantMessage, AssistantMessageMsg{Message: "¿Cómo te sientes?", Timestamp: ts})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "2025-01-02T03:04:05Z", got["timestamp"])
	assert.Equal(t, "¿Cómo te sientes?", got["message"])
}

func TestNewServerMessage_NilPayload(t *testing.T) {
	data, err := NewServerMessage(TypeWaiting, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"waiting"}`, string(data))
}
