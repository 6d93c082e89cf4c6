package util

import (
	"context"
	"time"
)

// Retry calls fn up to maxAttempts times, doubling the pause after each
// failure starting from baseDelay. It returns nil on the first success and
// otherwise the last error, or ctx.Err() when ctx ends during a pause.
// shouldRetry, when non-nil, ends the loop at the first error it rejects.
//
// The gather fetch guard runs every report download through Retry with
// backfill.fetch_attempts and backfill.retry_delay, so all attempts for one
// day happen inside a single planning step and the planner only sees the
// final outcome. Only timeouts and transport errors are retried; a missing
// report or a rejected parameter fails on the first attempt.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, shouldRetry func(error) bool, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return err
}
