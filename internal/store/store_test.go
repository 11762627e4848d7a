package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runContract exercises the behaviour every backend must share.
func runContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("create and read back", func(t *testing.T) {
		started := time.Now().UTC().Truncate(time.Millisecond)
		id, err := s.CreateSession(ctx, NewSession{Emotion: "Calma", AnonID1: "User1111", AnonID2: "User2222", StartedAt: started})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := s.Recent(ctx, id, 10)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, "Calma", got.Emotion)
		assert.Equal(t, "User1111", got.AnonID1)
		assert.Equal(t, "User2222", got.AnonID2)
		assert.True(t, started.Equal(got.StartedAt.UTC()), "started %v got %v", started, got.StartedAt)
		assert.Empty(t, got.Messages)
	})

	t.Run("append keeps order and recent trims", func(t *testing.T) {
		id, err := s.CreateSession(ctx, NewSession{Emotion: "Soledad", AnonID1: "User1", AnonID2: "User2"})
		require.NoError(t, err)

		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 12; i++ {
			m := Message{FromAnonID: "User1", Text: fmt.Sprintf("m%d", i), Timestamp: base.Add(time.Duration(i) * time.Millisecond)}
			if i == 11 {
				m = Message{FromAnonID: "User2", Voice: "media/voice.webm", Timestamp: m.Timestamp}
			}
			require.NoError(t, s.AppendMessage(ctx, id, m))
		}

		got, err := s.Recent(ctx, id, 10)
		require.NoError(t, err)
		require.Len(t, got.Messages, 10)
		assert.Equal(t, "m2", got.Messages[0].Text)
		assert.Equal(t, "m10", got.Messages[8].Text)
		assert.Equal(t, "", got.Messages[9].Text)
		assert.Equal(t, "media/voice.webm", got.Messages[9].Voice)
		assert.Equal(t, "User2", got.Messages[9].FromAnonID)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := s.Recent(ctx, "missing", 10)
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

		err = s.AppendMessage(ctx, "missing", Message{FromAnonID: "x", Text: "y", Timestamp: time.Now()})
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("delete", func(t *testing.T) {
		id, err := s.CreateSession(ctx, NewSession{Emotion: "Esperanza", AnonID1: "User1", AnonID2: "User2"})
		require.NoError(t, err)

		require.NoError(t, s.DeleteSession(ctx, id))
		_, err = s.Recent(ctx, id, 10)
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
		assert.True(t, errors.Is(s.DeleteSession(ctx, id), ErrNotFound))
		assert.True(t, errors.Is(s.DeleteSession(ctx, "missing"), ErrNotFound))
	})
}

func TestMemory_Contract(t *testing.T) {
	runContract(t, NewMemory())
}

func TestMemory_Aggregates(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	a, _ := s.CreateSession(ctx, NewSession{Emotion: "Calma"})
	b, _ := s.CreateSession(ctx, NewSession{Emotion: "Calma"})
	_, _ = s.CreateSession(ctx, NewSession{Emotion: "Estrés"})

	require.NoError(t, s.AppendMessage(ctx, a, Message{Text: "1"}))
	require.NoError(t, s.AppendMessage(ctx, a, Message{Text: "2"}))
	require.NoError(t, s.AppendMessage(ctx, b, Message{Doodle: "d"}))

	n, err := s.CountSessions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = s.CountMessages(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	groups, err := s.SessionsByEmotion(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Calma": 2, "Estrés": 1}, groups)
}

func TestMemory_RecentReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	id, _ := s.CreateSession(ctx, NewSession{Emotion: "Calma"})
	require.NoError(t, s.AppendMessage(ctx, id, Message{Text: "a"}))

	got, err := s.Recent(ctx, id, 10)
	require.NoError(t, err)
	got.Messages[0].Text = "mutated"

	again, _ := s.Recent(ctx, id, 10)
	assert.Equal(t, "a", again.Messages[0].Text)
}

func TestPostgres_Contract(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	s, err := NewPostgres(context.Background(), dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	runContract(t, s)
}

func TestMongo_Contract(t *testing.T) {
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}
	s, err := NewMongo(context.Background(), uri, "emochat_test")
	if err != nil {
		t.Skipf("mongo not available: %v", err)
	}
	t.Cleanup(func() {
		_ = s.coll.Drop(context.Background())
		s.Close(context.Background())
	})
	runContract(t, s)
}
