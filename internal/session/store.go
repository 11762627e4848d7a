package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for connection presence hashes.
	SessionPrefix = "session:"

	// AnonPrefix is the Redis key prefix for reserved anonymous ids.
	AnonPrefix = "anon:"

	// SessionTTL bounds how long presence outlives a crashed server.
	SessionTTL = 1 * time.Hour

	StatusIdle     = "idle"
	StatusWaiting  = "waiting"
	StatusChatting = "chatting"
)

// Session is the presence record of one live connection.
type Session struct {
	ID         string `redis:"id"`
	AnonID     string `redis:"anon_id"`
	Status     string `redis:"status"`  // idle | waiting | chatting
	Emotion    string `redis:"emotion"` // empty until join_emotion
	Room       string `redis:"room"`    // empty if not in a room
	Server     string `redis:"server"`
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages presence state in Redis.
type Store struct {
	client     redis.Cmdable
	serverName string
	log        *slog.Logger
}

// Dial opens a Redis client and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a presence store on an existing Redis client.
func NewStore(client redis.Cmdable, serverName string) *Store {
	return &Store{
		client:     client,
		serverName: serverName,
		log:        slog.With("component", "session"),
	}
}

// ReserveAnonID claims a unique anonymous id for connID, trying up to
// attempts candidates from gen. When every candidate is taken the last one
// is returned unreserved; ids are display names only, so a rare duplicate
// is tolerated rather than refusing the connection.
func (s *Store) ReserveAnonID(ctx context.Context, connID string, gen func() string, attempts int) (string, error) {
	attempts = max(attempts, 1)

	var id string
	for i := 0; i < attempts; i++ {
		id = gen()
		ok, err := s.client.SetNX(ctx, AnonPrefix+id, connID, SessionTTL).Result()
		if err != nil {
			return id, fmt.Errorf("session: reserve anon id: %w", err)
		}
		if ok {
			return id, nil
		}
	}
	s.log.Warn("anon id space crowded, using unreserved id", "conn_id", connID, "anon_id", id, "attempts", attempts)
	return id, nil
}

// Create stores a new idle presence record.
func (s *Store) Create(ctx context.Context, connID, anonID string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	fields := map[string]any{
		"id":          connID,
		"anon_id":     anonID,
		"status":      StatusIdle,
		"emotion":     "",
		"room":        "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a presence record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+connID).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// SetWaiting marks connID as queued for emotion.
func (s *Store) SetWaiting(ctx context.Context, connID, emotion string) error {
	return s.update(ctx, connID, "status", StatusWaiting, "emotion", emotion, "room", "")
}

// SetChatting marks connID as bound to room.
func (s *Store) SetChatting(ctx context.Context, connID, room string) error {
	return s.update(ctx, connID, "status", StatusChatting, "room", room)
}

// SetIdle clears the room binding. The chosen emotion is kept so a
// dashboard can still see what the participant was looking for.
func (s *Store) SetIdle(ctx context.Context, connID string) error {
	return s.update(ctx, connID, "status", StatusIdle, "room", "")
}

// Touch refreshes last_active and the TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	return s.update(ctx, connID)
}

func (s *Store) update(ctx context.Context, connID string, fields ...any) error {
	key := SessionPrefix + connID
	fields = append(fields, "last_active", time.Now().Unix())

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: update %s: %w", connID, err)
	}
	return nil
}

// Delete removes the presence record and releases its anonymous id if the
// reservation still belongs to connID.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID

	anonID, err := s.client.HGet(ctx, key, "anon_id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}

	if anonID != "" {
		owner, err := s.client.Get(ctx, AnonPrefix+anonID).Result()
		if err == nil && owner == connID {
			s.client.Del(ctx, AnonPrefix+anonID)
		}
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}
