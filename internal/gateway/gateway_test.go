package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/emochat/internal/protocol"
	"github.com/whisper/emochat/internal/ratelimit"
	"github.com/whisper/emochat/internal/room"
	"github.com/whisper/emochat/internal/store"
	"github.com/whisper/emochat/internal/ws"
)

type fakeSender struct {
	mu  sync.Mutex
	out map[string][]map[string]any
}

func (f *fakeSender) SendMessage(connID string, data []byte) error {
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out[connID] = append(f.out[connID], ev)
	return nil
}

func (f *fakeSender) events(connID string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.out[connID]...)
}

func (f *fakeSender) types(connID string) []string {
	var ts []string
	for _, ev := range f.events(connID) {
		ts = append(ts, ev["type"].(string))
	}
	return ts
}

func (f *fakeSender) last(connID string) map[string]any {
	evs := f.events(connID)
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

type presenceRecord struct {
	anonID  string
	status  string
	emotion string
	room    string
	touched int
}

type fakePresence struct {
	mu      sync.Mutex
	records map[string]*presenceRecord
	deleted []string
	failAll bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{records: make(map[string]*presenceRecord)}
}

func (f *fakePresence) ReserveAnonID(_ context.Context, _ string, gen func() string, _ int) (string, error) {
	id := gen()
	if f.failAll {
		return id, errors.New("redis down")
	}
	return id, nil
}

func (f *fakePresence) Create(_ context.Context, connID, anonID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[connID] = &presenceRecord{anonID: anonID, status: "idle"}
	return nil
}

func (f *fakePresence) with(connID string, fn func(r *presenceRecord)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[connID]
	if !ok {
		return fmt.Errorf("no record for %s", connID)
	}
	fn(r)
	return nil
}

func (f *fakePresence) SetWaiting(_ context.Context, connID, emotion string) error {
	return f.with(connID, func(r *presenceRecord) { r.status, r.emotion, r.room = "waiting", emotion, "" })
}

func (f *fakePresence) SetChatting(_ context.Context, connID, room string) error {
	return f.with(connID, func(r *presenceRecord) { r.status, r.room = "chatting", room })
}

func (f *fakePresence) SetIdle(_ context.Context, connID string) error {
	return f.with(connID, func(r *presenceRecord) { r.status, r.room = "idle", "" })
}

func (f *fakePresence) Touch(_ context.Context, connID string) error {
	return f.with(connID, func(r *presenceRecord) { r.touched++ })
}

func (f *fakePresence) Delete(_ context.Context, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, connID)
	f.deleted = append(f.deleted, connID)
	return nil
}

func (f *fakePresence) get(connID string) presenceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[connID]; ok {
		return *r
	}
	return presenceRecord{}
}

type fakeLimiter struct {
	mu      sync.Mutex
	deny    map[string]time.Duration // rule key -> retry after
	resets  []string
	checked int
}

func (f *fakeLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (ratelimit.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked++
	if d, ok := f.deny[rule.Key]; ok {
		return ratelimit.Decision{Allowed: false, RetryAfter: d}, nil
	}
	return ratelimit.Decision{Allowed: true}, nil
}

func (f *fakeLimiter) Reset(_ context.Context, identifier string, _ ...ratelimit.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, identifier)
	return nil
}

type nopTimer struct{}

func (nopTimer) Arm(string)         {}
func (nopTimer) Cancel(string) bool { return false }

type harness struct {
	gw       *Gateway
	rooms    *room.Manager
	sender   *fakeSender
	presence *fakePresence
	limiter  *fakeLimiter
	dispatch *ws.MessageDispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sender:   &fakeSender{out: make(map[string][]map[string]any)},
		presence: newFakePresence(),
		limiter:  &fakeLimiter{deny: map[string]time.Duration{}},
	}

	notifier := NewNotifier(h.sender, h.presence)
	h.rooms = room.NewManager(room.Config{
		Store:    store.NewMemory(),
		Timer:    nopTimer{},
		Notifier: notifier,
	})
	notifier.Bind(h.rooms.Participant)
	t.Cleanup(func() { _ = h.rooms.Close(context.Background()) })

	n := 1000
	h.gw = New(Config{
		Rooms:    h.rooms,
		Sender:   h.sender,
		Presence: h.presence,
		Limiter:  h.limiter,
		NewAnonID: func() string {
			n++
			return fmt.Sprintf("User%d", n)
		},
	})
	h.dispatch = ws.NewMessageDispatcher(nil)
	h.gw.Register(h.dispatch)
	return h
}

func (h *harness) connect(id string) *ws.Connection {
	c := &ws.Connection{ID: id}
	h.gw.OnConnect(c)
	return c
}

// event feeds a raw client frame through the dispatcher.
func (h *harness) event(c *ws.Connection, frame string) {
	h.dispatch.Dispatch(c, []byte(frame))
}

func (h *harness) pair(t *testing.T) (a, b *ws.Connection, roomID string) {
	t.Helper()
	a = h.connect("a")
	b = h.connect("b")
	h.event(a, `{"type":"join_emotion","emotion":"Calma"}`)
	h.event(b, `{"type":"join_emotion","emotion":"Calma"}`)
	matched := h.sender.last("a")
	require.Equal(t, "matched", matched["type"])
	return a, b, matched["room"].(string)
}

func TestOnConnect_SendsInit(t *testing.T) {
	h := newHarness(t)
	h.connect("a")

	init := h.sender.last("a")
	require.NotNil(t, init)
	assert.Equal(t, "init", init["type"])
	assert.Equal(t, "User1001", init["anonId"])

	rec := h.presence.get("a")
	assert.Equal(t, "User1001", rec.anonID)
	assert.Equal(t, "idle", rec.status)

	p, ok := h.rooms.Participant("a")
	require.True(t, ok)
	assert.Equal(t, "User1001", p.AnonID)
}

func TestOnConnect_ReservationFailureStillConnects(t *testing.T) {
	h := newHarness(t)
	h.presence.failAll = true
	h.connect("a")

	assert.Equal(t, "init", h.sender.last("a")["type"])
	_, ok := h.rooms.Participant("a")
	assert.True(t, ok)
}

func TestJoinAndMatch_TracksPresence(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")

	h.event(a, `{"type":"join_emotion","emotion":"calma"}`)
	assert.Equal(t, []string{"init", "waiting"}, h.sender.types("a"))
	rec := h.presence.get("a")
	assert.Equal(t, "waiting", rec.status)
	assert.Equal(t, "Calma", rec.emotion)

	h.event(b, `{"type":"join_emotion","emotion":"Calma"}`)
	assert.Equal(t, []string{"init", "waiting", "matched"}, h.sender.types("a"))
	assert.Equal(t, []string{"init", "matched"}, h.sender.types("b"))

	toA := h.sender.last("a")
	toB := h.sender.last("b")
	assert.Equal(t, "User1002", toA["peerAnonId"])
	assert.Equal(t, "User1001", toB["peerAnonId"])
	assert.Equal(t, toA["room"], toB["room"])

	assert.Equal(t, "chatting", h.presence.get("a").status)
	assert.Equal(t, toA["room"], h.presence.get("b").room)
}

func TestJoin_UnknownEmotion(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")

	h.event(a, `{"type":"join_emotion","emotion":"Aburrimiento"}`)

	last := h.sender.last("a")
	assert.Equal(t, "error", last["type"])
	assert.Equal(t, "unknown_emotion", last["code"])
}

func TestChat_RelaysToPeer(t *testing.T) {
	h := newHarness(t)
	a, _, roomID := h.pair(t)

	h.event(a, fmt.Sprintf(`{"type":"chat_message","room":%q,"message":"hola"}`, roomID))

	got := h.sender.last("b")
	assert.Equal(t, "chat_message", got["type"])
	assert.Equal(t, "User1001", got["fromAnonId"])
	assert.Equal(t, "hola", got["message"])
	assert.NotEmpty(t, got["timestamp"])
	assert.Equal(t, "matched", h.sender.last("a")["type"], "sender gets no echo")
	assert.Equal(t, 1, h.presence.get("a").touched)
}

func TestChat_InvalidMessage(t *testing.T) {
	h := newHarness(t)
	a, _, roomID := h.pair(t)

	h.event(a, fmt.Sprintf(`{"type":"chat_message","room":%q,"message":"   "}`, roomID))

	last := h.sender.last("a")
	assert.Equal(t, "error", last["type"])
	assert.Equal(t, "invalid_message", last["code"])
	assert.Equal(t, "matched", h.sender.last("b")["type"])
}

func TestChat_ForeignRoomDropped(t *testing.T) {
	h := newHarness(t)
	a, _, _ := h.pair(t)
	before := len(h.sender.events("a"))

	h.event(a, `{"type":"chat_message","room":"calma-nope","message":"hola"}`)
	h.event(a, `{"type":"leave_room","room":"calma-nope"}`)
	h.event(a, `{"type":"report_user","room":"calma-nope"}`)

	assert.Len(t, h.sender.events("a"), before)
	assert.Equal(t, "matched", h.sender.last("b")["type"])
}

func TestChat_RateLimited(t *testing.T) {
	h := newHarness(t)
	a, _, roomID := h.pair(t)
	h.limiter.deny[ratelimit.RuleMessage.Key] = 2500 * time.Millisecond

	h.event(a, fmt.Sprintf(`{"type":"chat_message","room":%q,"message":"hola"}`, roomID))

	last := h.sender.last("a")
	assert.Equal(t, "rate_limited", last["type"])
	assert.EqualValues(t, 3, last["retryAfter"])
	assert.Equal(t, "matched", h.sender.last("b")["type"], "throttled message is not relayed")
}

func TestVoiceAndDoodle(t *testing.T) {
	h := newHarness(t)
	a, _, roomID := h.pair(t)

	h.event(a, fmt.Sprintf(`{"type":"voice_note","room":%q,"audioBlob":"data:audio/webm;base64,AAAA"}`, roomID))
	voice := h.sender.last("b")
	assert.Equal(t, "voice_note", voice["type"])
	assert.Equal(t, "data:audio/webm;base64,AAAA", voice["audioBlob"])

	h.event(a, fmt.Sprintf(`{"type":"doodle","room":%q,"dataUrl":"data:image/png;base64,BBBB"}`, roomID))
	doodle := h.sender.last("b")
	assert.Equal(t, "doodle", doodle["type"])
	assert.Equal(t, "User1001", doodle["fromAnonId"])
}

func TestLeave_IdlesBoth(t *testing.T) {
	h := newHarness(t)
	a, _, roomID := h.pair(t)

	h.event(a, fmt.Sprintf(`{"type":"leave_room","room":%q}`, roomID))

	peerLeft := h.sender.last("b")
	assert.Equal(t, "peer_left", peerLeft["type"])
	assert.Equal(t, "User1001", peerLeft["anonId"])
	assert.Equal(t, "matched", h.sender.last("a")["type"])

	assert.Equal(t, "idle", h.presence.get("a").status)
	assert.Equal(t, "idle", h.presence.get("b").status)
}

func TestReport(t *testing.T) {
	h := newHarness(t)
	a, _, roomID := h.pair(t)

	h.event(a, fmt.Sprintf(`{"type":"report_user","room":%q}`, roomID))

	assert.Equal(t, []string{"init", "waiting", "matched", "user_reported", "peer_left"}, h.sender.types("a"))
	assert.Equal(t, []string{"init", "matched", "got_reported", "peer_left"}, h.sender.types("b"))
	assert.Equal(t, "idle", h.presence.get("b").status)
}

func TestOnDisconnect(t *testing.T) {
	h := newHarness(t)
	h.pair(t)

	h.gw.OnDisconnect("a")

	assert.Equal(t, "peer_left", h.sender.last("b")["type"])
	assert.Equal(t, "idle", h.presence.get("b").status)
	assert.Equal(t, []string{"a"}, h.presence.deleted)
	assert.Equal(t, []string{"a"}, h.limiter.resets)
	_, ok := h.rooms.Participant("a")
	assert.False(t, ok)
}

func TestNotifier_WithoutPresence(t *testing.T) {
	sender := &fakeSender{out: make(map[string][]map[string]any)}
	n := NewNotifier(sender, nil)

	n.Notify("a", protocol.TypePeerLeft, protocol.PeerLeftMsg{AnonID: "User1234"})

	got := sender.last("a")
	assert.Equal(t, "peer_left", got["type"])
	assert.Equal(t, "User1234", got["anonId"])
}
