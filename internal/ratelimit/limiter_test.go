package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLimiter requires a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, "rl:*test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client), client
}

func TestAllow_WithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:msg:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "test_within", rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Zero(t, d.RetryAfter)
	}

	d, err := l.Allow(ctx, "test_within", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestAllow_WindowExpires(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:msg:", Limit: 1, Window: 200 * time.Millisecond}

	d, _ := l.Allow(ctx, "test_expire", rule)
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "test_expire", rule)
	assert.False(t, d.Allowed)

	time.Sleep(300 * time.Millisecond)
	d, _ = l.Allow(ctx, "test_expire", rule)
	assert.True(t, d.Allowed)
}

func TestRemainingAndReset(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	n, err := l.Remaining(ctx, "test_remaining", RuleMessage)
	require.NoError(t, err)
	assert.Equal(t, RuleMessage.Limit, n)

	for i := 0; i < 2; i++ {
		_, err := l.Allow(ctx, "test_remaining", RuleMessage)
		require.NoError(t, err)
	}
	n, err = l.Remaining(ctx, "test_remaining", RuleMessage)
	require.NoError(t, err)
	assert.Equal(t, RuleMessage.Limit-2, n)

	require.NoError(t, l.Reset(ctx, "test_remaining", RuleMessage, RuleJoin))
	n, err = l.Remaining(ctx, "test_remaining", RuleMessage)
	require.NoError(t, err)
	assert.Equal(t, RuleMessage.Limit, n)
}

func TestAllow_FailsOpenWithoutRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	l := NewLimiter(client)

	d, err := l.Allow(context.Background(), "test_down", RuleMessage)
	assert.Error(t, err)
	assert.True(t, d.Allowed)
}
