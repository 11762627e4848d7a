package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Retrying wraps a Store so that AppendMessage is retried with exponential
// backoff. Other calls pass straight through.
type Retrying struct {
	Store
	attempts  int
	baseDelay time.Duration
}

// WithRetry wraps s. attempts below 1 is treated as 1.
func WithRetry(s Store, attempts int, baseDelay time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{Store: s, attempts: attempts, baseDelay: baseDelay}
}

// AppendMessage retries transient failures. ErrNotFound and context errors
// are returned immediately.
func (r *Retrying) AppendMessage(ctx context.Context, sessionID string, m Message) error {
	var err error
	for i := 0; i < r.attempts; i++ {
		err = r.Store.AppendMessage(ctx, sessionID, m)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return err
		}
		if i == r.attempts-1 {
			break
		}

		delay := r.baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms at the default base
		slog.Debug("append failed, retrying",
			"component", "store",
			"session_id", sessionID,
			"attempt", i+1,
			"delay", delay,
			"error", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("store: append to %s failed after %d attempts: %w", sessionID, r.attempts, err)
}
