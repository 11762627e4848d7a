package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/emochat/internal/store"
)

func seed(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	for _, emotion := range []string{"Calma", "Calma", "Ansiedad"} {
		id, err := m.CreateSession(ctx, store.NewSession{Emotion: emotion, AnonID1: "User1111", AnonID2: "User2222"})
		require.NoError(t, err)
		require.NoError(t, m.AppendMessage(ctx, id, store.Message{FromAnonID: "User1111", Text: "hola"}))
	}
	return m
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return rec.Code, body
}

type fakeLive struct{}

func (fakeLive) Counts() (int, int, int) { return 5, 2, 1 }

func TestStatsEndpoints(t *testing.T) {
	routes := NewHandler(seed(t), fakeLive{}).Routes()

	code, body := get(t, routes, "/sessions")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["totalSessions"])

	code, body = get(t, routes, "/messages")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["totalMessages"])

	code, body = get(t, routes, "/by-emotion")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"Calma": float64(2), "Ansiedad": float64(1)}, body["sessionsByEmotion"])

	code, body = get(t, routes, "/live")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 5, body["participants"])
	assert.EqualValues(t, 2, body["activeRooms"])
	assert.EqualValues(t, 1, body["waiting"])
}

func TestStatsEmptyStore(t *testing.T) {
	routes := NewHandler(store.NewMemory(), nil).Routes()

	_, body := get(t, routes, "/by-emotion")
	assert.Equal(t, map[string]any{}, body["sessionsByEmotion"])

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type brokenCounter struct{}

func (brokenCounter) CountSessions(context.Context) (int64, error) { return 0, errors.New("db down") }
func (brokenCounter) CountMessages(context.Context) (int64, error) { return 0, errors.New("db down") }
func (brokenCounter) SessionsByEmotion(context.Context) (map[string]int64, error) {
	return nil, errors.New("db down")
}

func TestStatsStoreFailure(t *testing.T) {
	routes := NewHandler(brokenCounter{}, nil).Routes()

	for _, path := range []string{"/sessions", "/messages", "/by-emotion"} {
		code, body := get(t, routes, path)
		assert.Equal(t, http.StatusInternalServerError, code, path)
		assert.Equal(t, "internal error", body["error"], path)
	}
}
