package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/emochat/internal/protocol"
)

// echoServer sends init, then answers every join_emotion with matched.
func echoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = wsutil.WriteServerText(conn, []byte(`{"type":"init","anonId":"User4242"}`))
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var msg protocol.JoinEmotionMsg
			if json.Unmarshal(data, &msg) != nil || msg.Type != protocol.TypeJoinEmotion {
				continue
			}
			reply := `{"type":"matched","room":"r-` + msg.Emotion + `","peerAnonId":"User1"}`
			_ = wsutil.WriteServerText(conn, []byte(reply))
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_InitAndHandlers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, echoServer(t))
	require.NoError(t, err)
	defer c.Close()

	rooms := make(chan string, 1)
	c.On(protocol.TypeMatched, func(raw json.RawMessage) {
		var m protocol.MatchedMsg
		if json.Unmarshal(raw, &m) == nil {
			rooms <- m.Room
		}
	})

	require.NoError(t, c.WaitReady(ctx))
	assert.Equal(t, "User4242", c.AnonID())
	assert.Positive(t, c.GetMetrics().ConnectLatency)

	require.NoError(t, c.Join("Calma"))
	select {
	case room := <-rooms:
		assert.Equal(t, "r-Calma", room)
	case <-ctx.Done():
		t.Fatal("no matched event")
	}

	m := c.GetMetrics()
	assert.Equal(t, 1, m.MessagesSent)
	assert.Equal(t, 2, m.MessagesReceived)
}

func TestClient_Close(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, echoServer(t))
	require.NoError(t, err)
	require.NoError(t, c.WaitReady(ctx))
	assert.True(t, c.Alive())

	require.NoError(t, c.Close())
	assert.False(t, c.Alive())
	assert.NoError(t, c.Close())
}
