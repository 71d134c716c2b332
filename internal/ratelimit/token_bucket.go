// Package ratelimit throttles destructive store operations across hub
// replicas with a token bucket kept in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Take.
type Decision struct {
	Allowed bool
	// Remaining is the token count left after this call, possibly fractional.
	Remaining float64
}

// TokenBucket refills at a fixed rate up to capacity. State lives in one hash
// per caller key under prefix, expiring after ttl of inactivity.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Take consumes one token for key if one is available.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	redisKey := b.prefix + ":ratelimit:" + key
	res, err := bucketScript.Run(ctx, b.client, []string{redisKey},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take token %s: %w", key, err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("take token %s: unexpected reply %v", key, res)
	}
	allowed, _ := res[0].(int64)
	// Lua numbers come back truncated to integers; the script sends tokens as a string
	var remaining float64
	switch v := res[1].(type) {
	case int64:
		remaining = float64(v)
	case string:
		if remaining, err = strconv.ParseFloat(v, 64); err != nil {
			return Decision{}, fmt.Errorf("take token %s: %w", key, err)
		}
	}
	return Decision{Allowed: allowed == 1, Remaining: remaining}, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
