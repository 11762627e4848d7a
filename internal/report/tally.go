// Package report tallies reports against anonymous ids in Redis.
//
// Counters live under reports:<anonId> and expire Window after the first
// report, so the window is fixed rather than sliding.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	Prefix = "reports:"

	// Window is how long a counter lives after its first report.
	Window = 24 * time.Hour

	// Threshold is the count at which a participant is flagged.
	Threshold = 3
)

// Tally counts reports per anonymous id.
type Tally struct {
	client    *redis.Client
	window    time.Duration
	threshold int64
}

func NewTally(client *redis.Client) *Tally {
	return &Tally{client: client, window: Window, threshold: Threshold}
}

// Record adds one report against anonID and returns the count within the
// current window and whether it reached the threshold.
func (t *Tally) Record(ctx context.Context, anonID string) (int64, bool, error) {
	if anonID == "" {
		return 0, false, errors.New("report: empty anon id")
	}
	key := Prefix + anonID

	count, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("report: incr: %w", err)
	}
	if count == 1 {
		if err := t.client.Expire(ctx, key, t.window).Err(); err != nil {
			return 0, false, fmt.Errorf("report: expire: %w", err)
		}
	}
	return count, count >= t.threshold, nil
}

// Count returns the current count for anonID, zero when none is recorded.
func (t *Tally) Count(ctx context.Context, anonID string) (int64, error) {
	n, err := t.client.Get(ctx, Prefix+anonID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("report: get: %w", err)
	}
	return n, nil
}

// Clear drops the counter for anonID.
func (t *Tally) Clear(ctx context.Context, anonID string) error {
	return t.client.Del(ctx, Prefix+anonID).Err()
}
