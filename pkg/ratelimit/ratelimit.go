// Package ratelimit provides a tenant-scoped token bucket backed by Redis,
// shared by every worker process so a busy tenant cannot starve the
// regulator connection for everyone else.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the bucket atomically in Redis.
// KEYS[1] = bucket key ("fiscal:limit:<tenant>")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time (seconds, fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// Policy is the per-tenant bucket shape.
type Policy struct {
	RPM   int // sustained requests per minute
	Burst int // bucket capacity
}

// DefaultPolicy matches the regulator's published per-device pacing.
var DefaultPolicy = Policy{RPM: 60, Burst: 10}

// RedisLimiter is a shared token bucket keyed by tenant.
type RedisLimiter struct {
	client *redis.Client
	policy Policy
}

// NewRedisLimiter connects to addr with the default policy.
func NewRedisLimiter(addr, password string, db int) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		policy: DefaultPolicy,
	}
}

// WithPolicy overrides the bucket shape.
func (l *RedisLimiter) WithPolicy(p Policy) *RedisLimiter {
	l.policy = p
	return l
}

// Allow consumes one token for the tenant. false means the caller should
// defer the submission, not drop it.
func (l *RedisLimiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	key := fmt.Sprintf("fiscal:limit:%s", tenantID)

	rate := float64(l.policy.RPM) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, rate, l.policy.Burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected script reply")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
