package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/emochat/internal/room"
	"github.com/whisper/emochat/internal/store"
)

func TestBuildPrompt(t *testing.T) {
	s := &store.Session{
		AnonID1: "User1111",
		AnonID2: "User2222",
		Messages: []store.Message{
			{FromAnonID: "User1111", Text: "hola"},
			{FromAnonID: "User2222", Text: "hola, ¿cómo estás?"},
			{FromAnonID: "User2222", Voice: "s3://b/voice/1.webm"},
			{FromAnonID: "User1111", Doodle: "data:image/png;base64,aGk="},
		},
	}

	got := BuildPrompt(s)
	want := []Turn{
		{RoleSystem, "Eres un asistente empático que fomenta la conversación."},
		{RoleUser, "hola"},
		{RoleAssistant, "hola, ¿cómo estás?"},
		{RoleAssistant, "[voz/dibujo]"},
		{RoleUser, "[voz/dibujo]"},
		{RoleAssistant, "¿Qué pregunta podrías hacer para ayudar a tu compañero a expresarse mejor?"},
	}
	assert.Equal(t, want, got)
}

func TestBuildPrompt_EmptySession(t *testing.T) {
	got := BuildPrompt(&store.Session{AnonID1: "a", AnonID2: "b"})
	require.Len(t, got, 2)
	assert.Equal(t, RoleSystem, got[0].Role)
	assert.Equal(t, RoleAssistant, got[1].Role)
}

type fakeRooms struct {
	mu        sync.Mutex
	info      map[room.ID]room.Info
	broadcast map[room.ID][]string
}

func (f *fakeRooms) Lookup(id room.ID) (room.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.info[id]
	return i, ok
}

func (f *fakeRooms) BroadcastAssistant(id room.ID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.info[id]; !ok {
		return room.ErrRoomClosed
	}
	f.broadcast[id] = append(f.broadcast[id], text)
	return nil
}

func (f *fakeRooms) close(id room.ID) {
	f.mu.Lock()
	delete(f.info, id)
	f.mu.Unlock()
}

type fakeProvider struct {
	text  string
	err   error
	got   []Turn
	calls int
	hook  func()
}

func (f *fakeProvider) Complete(_ context.Context, turns []Turn) (string, error) {
	f.calls++
	f.got = turns
	if f.hook != nil {
		f.hook()
	}
	return f.text, f.err
}

func setupTrigger(t *testing.T, p Provider) (*Trigger, *fakeRooms, string) {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	id, err := st.CreateSession(ctx, store.NewSession{Emotion: "Calma", AnonID1: "User1", AnonID2: "User2", StartedAt: time.Now()})
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		from := "User1"
		if i%2 == 1 {
			from = "User2"
		}
		require.NoError(t, st.AppendMessage(ctx, id, store.Message{FromAnonID: from, Text: string(rune('a' + i)), Timestamp: time.Now()}))
	}

	rooms := &fakeRooms{
		info:      map[room.ID]room.Info{"calma-1": {ID: "calma-1", SessionID: id}},
		broadcast: map[room.ID][]string{},
	}
	return NewTrigger(rooms, st, p, 10, time.Second), rooms, id
}

func TestTrigger_Fire(t *testing.T) {
	p := &fakeProvider{text: "  ¿Qué te hizo sentir así?  "}
	tr, rooms, _ := setupTrigger(t, p)

	tr.Fire(context.Background(), "calma-1")

	assert.Equal(t, []string{"¿Qué te hizo sentir así?"}, rooms.broadcast["calma-1"])
	// system + last 10 messages + closing instruction
	require.Len(t, p.got, 12)
	assert.Equal(t, "c", p.got[1].Content)
	assert.Equal(t, RoleUser, p.got[1].Role)
}

func TestTrigger_NoRoomIsNoop(t *testing.T) {
	p := &fakeProvider{text: "hola"}
	tr, rooms, _ := setupTrigger(t, p)

	tr.Fire(context.Background(), "calma-missing")

	assert.Zero(t, p.calls)
	assert.Empty(t, rooms.broadcast)
}

func TestTrigger_FailuresAreSwallowed(t *testing.T) {
	tests := []struct {
		name string
		p    *fakeProvider
	}{
		{"quota", &fakeProvider{err: ErrQuotaExceeded}},
		{"other", &fakeProvider{err: errors.New("boom")}},
		{"disabled", &fakeProvider{err: ErrDisabled}},
		{"empty", &fakeProvider{text: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, rooms, _ := setupTrigger(t, tt.p)
			tr.Fire(context.Background(), "calma-1")
			assert.Empty(t, rooms.broadcast)
			_, stillOpen := rooms.Lookup("calma-1")
			assert.True(t, stillOpen)
		})
	}
}

func TestTrigger_RoomClosedDuringCall(t *testing.T) {
	p := &fakeProvider{text: "hola"}
	tr, rooms, _ := setupTrigger(t, p)
	p.hook = func() { rooms.close("calma-1") }

	tr.Fire(context.Background(), "calma-1")

	assert.Equal(t, 1, p.calls)
	assert.Empty(t, rooms.broadcast)
}

func newTestOpenAI(t *testing.T, h http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	return newOpenAI(cfg, "", 60)
}

func TestOpenAI_Complete(t *testing.T) {
	var req openai.ChatCompletionRequest
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-3.5-turbo",
			"choices":[{"index":0,"message":{"role":"assistant","content":"  ¿Cómo te sientes hoy?  "},"finish_reason":"stop"}]}`))
	})

	text, err := o.Complete(context.Background(), []Turn{{RoleSystem, "sys"}, {RoleUser, "hola"}})
	require.NoError(t, err)
	assert.Equal(t, "¿Cómo te sientes hoy?", text)
	assert.Equal(t, openai.GPT3Dot5Turbo, req.Model)
	assert.Equal(t, 60, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "user", req.Messages[1].Role)
}

func TestOpenAI_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantQuota bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"requests"}}`, true},
		{"insufficient quota", http.StatusForbidden, `{"error":{"message":"no credit","type":"insufficient_quota","code":"insufficient_quota"}}`, true},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := o.Complete(context.Background(), []Turn{{RoleUser, "hola"}})
			require.Error(t, err)
			assert.Equal(t, tt.wantQuota, errors.Is(err, ErrQuotaExceeded))
		})
	}
}
