package utils

import (
	"context"
	"fmt"
	"time"
)

// Backoff returns base * 2^(attempt-1). attempt is 1-based; values below 1 count as 1.
//
// EXPONENTIAL BACKOFF means (base 5s):
//
//	attempt 1 fails → wait 5 seconds
//	attempt 2 fails → wait 10 seconds
//	attempt 3 fails → wait 20 seconds
//
// WHY? If the site is rate-limiting us, hammering it again immediately
// makes it worse. Waiting longer each time gives it time to settle.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// Retry runs fn up to attempts times, sleeping delay between tries.
// It stops early on success, on a non-retriable error, or when ctx is done.
// A 404 or a parse failure will not fix itself, so those return at once.
//
// Usage:
//
//	err := utils.Retry(ctx, 3, time.Second, func() error {
//	    return page.Reload()
//	})
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetriable(lastErr) {
			return lastErr
		}

		if attempt < attempts {
			Warn("Attempt %d/%d failed: %v, retrying in %v", attempt, attempts, lastErr, delay)
			if err := Sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("all %d attempts failed, last error: %w", attempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
