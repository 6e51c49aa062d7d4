package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/consoleguard/internal/logging"
	"go.uber.org/zap"
)

// fixedWindowScript counts a call in a fixed window that starts at the first
// call for the key. Returns: [count, millisecondsUntilReset]
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])

local count = redis.call('INCR', key)
if count == 1 then
    redis.call('PEXPIRE', key, window)
end

local ttl = redis.call('PTTL', key)
if ttl < 0 then
    redis.call('PEXPIRE', key, window)
    ttl = window
end
return {count, ttl}
`)

// RedisWindow shares window counters between processes through Redis. Keys
// expire with their window, so no sweep is needed.
type RedisWindow struct {
	client  *redis.Client
	prefix  string
	policy  Policy
	timeout time.Duration
}

// NewRedisWindow creates a Redis-backed window limiter.
func NewRedisWindow(client *redis.Client, prefix string, p Policy) *RedisWindow {
	if prefix == "" {
		prefix = "consoleguard:rl:"
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPolicy.Limit
	}
	if p.Window <= 0 {
		p.Window = DefaultPolicy.Window
	}
	if p.Name == "" {
		p.Name = DefaultPolicy.Name
	}
	return &RedisWindow{
		client:  client,
		prefix:  prefix,
		policy:  p,
		timeout: 100 * time.Millisecond,
	}
}

// Acquire implements Limiter. It fails open: when Redis is unreachable the
// call is allowed and a warning logged.
func (rw *RedisWindow) Acquire(ctx context.Context, key string) Decision {
	fullKey := rw.prefix + rw.policy.Name + ":" + NormalizeKey(key)

	ctx, cancel := context.WithTimeout(ctx, rw.timeout)
	defer cancel()

	result, err := fixedWindowScript.Run(ctx, rw.client,
		[]string{fullKey},
		rw.policy.Window.Milliseconds(),
	).Int64Slice()
	if err != nil || len(result) != 2 {
		logging.Warn("Redis rate limit unavailable, failing open",
			zap.String("key", fullKey),
			zap.Error(err),
		)
		return Decision{Allowed: true, Remaining: rw.policy.Limit - 1, Policy: rw.policy.Name}
	}

	count := int(result[0])
	resetIn := time.Duration(result[1]) * time.Millisecond
	resetAt := time.Now().Add(resetIn)

	if count <= rw.policy.Limit {
		return Decision{Allowed: true, Remaining: rw.policy.Limit - count, ResetAt: resetAt, Policy: rw.policy.Name}
	}
	return Decision{
		Allowed:           false,
		RetryAfterSeconds: ceilSeconds(resetIn),
		ResetAt:           resetAt,
		Policy:            rw.policy.Name,
	}
}
