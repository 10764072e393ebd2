package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the next token is available when the
	// request was rejected.
	RetryAfter time.Duration
}

// Limiter is a token bucket shared by every API replica through Redis.
// Buckets are keyed per client.
type Limiter struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewLimiter constructs a limiter. The bucket lives for long enough to refill
// completely, then expires.
func NewLimiter(client *redis.Client, capacity int, refillPerSecond float64) *Limiter {
	ttl := time.Minute
	if refillPerSecond > 0 {
		full := time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) * 2
		if full > ttl {
			ttl = full
		}
	}
	return &Limiter{
		client:   client,
		prefix:   "ratelimit:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes one token from the bucket for key.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l.capacity <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := l.now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{l.prefix + key}, l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected reply from bucket script: %T", res)
	}
	allowed, _ := arr[0].(int64)

	// Lua numbers come back truncated to integers; the script scales by 1000.
	var milli int64
	switch v := arr[1].(type) {
	case int64:
		milli = v
	case string:
		fmt.Sscan(v, &milli)
	}
	d := Decision{Allowed: allowed == 1, Remaining: float64(milli) / 1000}
	if !d.Allowed && l.refill > 0 {
		missing := 1 - d.Remaining
		d.RetryAfter = time.Duration(math.Ceil(missing / l.refill * float64(time.Second)))
	}
	return d, nil
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

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens * 1000)}
`)
