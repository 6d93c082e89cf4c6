package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket holding at most one token, refilled at a
// fixed rate. A limiter created with perMinute <= 0, or a nil limiter,
// never blocks.
//
// Range downloads call Wait before each day so a long explicit range
// requests no more than backfill.rate_limit_per_min reports per minute.
// Incremental backfill is paced by its interval instead and has no limiter.
type RateLimiter struct {
	rate     float64 // tokens per second
	tokens   float64
	lastTime time.Time
	mu       sync.Mutex
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute. The first Wait returns immediately.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		tokens:   1, // start with one token available
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done, polling every
// 10ms. It returns ctx.Err() when ctx ends first.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil || rl.rate <= 0 {
		return ctx.Err()
	}
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > 1 {
			rl.tokens = 1
		}
		rl.lastTime = now

		if rl.tokens >= 1 {
			rl.tokens -= 1
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
