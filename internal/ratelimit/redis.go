package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript increments the window counter and sets its expiry on the
// first hit, returning the new count and the remaining TTL in ms.
var windowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisRateLimiter is a fixed-window limiter shared by every instance.
type RedisRateLimiter struct {
	client redis.Scripter
	config *Config
	prefix string
}

func NewRedisRateLimiter(client redis.Scripter, config *Config) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		config: config,
		prefix: "ratelimit:",
	}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := time.Now()
	res, err := windowScript.Run(ctx, r.client, []string{r.prefix + key}, r.config.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	count := int(res[0])
	resetTime := now.Add(time.Duration(res[1]) * time.Millisecond)
	if count > r.config.MaxRequests {
		return &RateLimitResult{
			Allowed:   false,
			Limit:     r.config.MaxRequests,
			Remaining: 0,
			ResetTime: resetTime,
		}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Limit:     r.config.MaxRequests,
		Remaining: r.config.MaxRequests - count,
		ResetTime: resetTime,
	}, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (r *RedisRateLimiter) Close() error {
	return nil
}
