// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. The chat gateway uses it to throttle relays per connection.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:", "rl:join:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 5 relayed chat events per 10 seconds per connection.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleJoin allows 10 join_emotion requests per minute per connection.
	RuleJoin = Rule{Key: "rl:join:", Limit: 10, Window: time.Minute}
)

// Decision is the result of a rate limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // zero when allowed
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.Cmdable
	log    *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.Cmdable) *Limiter {
	return &Limiter{client: client, log: slog.With("component", "ratelimit")}
}

// Allow increments the counter for identifier under rule and reports whether
// the request fits in the current window. Redis errors fail open so an outage
// does not block chat traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("redis incr failed, failing open", "key", key, "error", err)
		return Decision{Allowed: true}, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("redis expire failed, failing open", "key", key, "error", err)
			// Without a TTL the key would throttle the identifier forever.
			l.client.Del(ctx, key)
			return Decision{Allowed: true}, err
		}
	}

	if int(count) <= rule.Limit {
		return Decision{Allowed: true}, nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = rule.Window
	}
	return Decision{Allowed: false, RetryAfter: ttl}, nil
}

// Remaining returns how many requests identifier has left in the current
// window. Missing keys and Redis errors report the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn("redis get failed, failing open", "key", key, "error", err)
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}

// Reset clears the window for identifier, used when a connection goes away.
func (l *Limiter) Reset(ctx context.Context, identifier string, rules ...Rule) error {
	keys := make([]string, 0, len(rules))
	for _, r := range rules {
		keys = append(keys, r.Key+identifier)
	}
	if len(keys) == 0 {
		return nil
	}
	return l.client.Del(ctx, keys...).Err()
}
