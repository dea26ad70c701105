// Package retry runs operations with exponential backoff and jitter.
//
// It backs two callers: the store, which retries transient SQLite errors
// under concurrent access, and agents running with the "retry" failure
// policy, which retry failed transport sends before giving up.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config controls retry behavior.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Default is used for store write operations.
var Default = Config{
	MaxRetries: 3,
	BaseDelay:  50 * time.Millisecond,
	MaxDelay:   500 * time.Millisecond,
}

// Always treats every error as retryable.
func Always(error) bool { return true }

// Do executes fn, retrying while retryable(err) holds and attempts remain.
// It returns the last error from fn, or ctx.Err() if the context ends
// during a backoff sleep.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt < cfg.MaxRetries {
			t := time.NewTimer(Backoff(cfg, attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return lastErr
}

// Backoff computes the delay for a given retry attempt:
// min(baseDelay * 2^attempt, maxDelay) + random([0, baseDelay)).
func Backoff(cfg Config, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	if cfg.BaseDelay <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(cfg.BaseDelay)))
}
