// Package ratelimit throttles lease acquire attempts per worker so a worker
// spinning on a held or quarantined job cannot hammer the lease store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"job-lease-guard/internal/config"
	"job-lease-guard/internal/telemetry"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewTokenBucket builds the acquire limiter from cfg. It returns nil when
// cfg.AcquireRateCapacity is zero, which disables throttling.
func NewTokenBucket(client redis.UniversalClient, cfg config.Config) *TokenBucket {
	if cfg.AcquireRateCapacity <= 0 {
		return nil
	}
	refill := cfg.AcquireRateRefill
	if refill <= 0 {
		refill = float64(cfg.AcquireRateCapacity)
	}
	// Idle buckets expire once they would be full again.
	ttl := time.Duration(float64(cfg.AcquireRateCapacity)/refill*float64(time.Second)) + time.Second
	return &TokenBucket{
		client:   client,
		prefix:   cfg.KeyPrefix + ":ratelimit:acquire:",
		capacity: cfg.AcquireRateCapacity,
		refill:   refill,
		ttl:      ttl,
		timeout:  cfg.StoreTimeout,
		now:      time.Now,
	}
}

// Allow consumes a single token for workerID if available.
// Returns allowed flag and current token count.
func (b *TokenBucket) Allow(ctx context.Context, workerID string) (bool, float64, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + workerID},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", workerID, err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected script result %v", workerID, res)
	}
	allowed, _ := res[0].(int64)
	var tokens float64
	switch v := res[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		_, _ = fmt.Sscan(v, &tokens)
	}
	if allowed != 1 {
		telemetry.AcquireThrottled.Inc()
		return false, tokens, nil
	}
	return true, tokens, nil
}

// Redis truncates Lua numbers to integers on return, so tokens come back as a string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', tostring(now))
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
