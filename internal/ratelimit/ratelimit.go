package ratelimit

import (
	"context"
	"time"
)

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
}

// RetryAfter is the wait until the window resets, never negative.
func (r *RateLimitResult) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// RateLimiter limits requests per key within a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
	Close() error
}

// Config holds rate limiter configuration
type Config struct {
	MaxRequests int
	Window      time.Duration
}
