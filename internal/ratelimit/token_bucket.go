// Package ratelimit bounds how fast a single user can submit operations,
// with a token bucket evaluated atomically in Redis.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"erp-bridge/internal/models"
)

// Submission costs. A full dataset refresh holds a session far longer than
// an interactive business operation, so it drains the bucket faster.
const (
	costBusiness = 1
	costRefresh  = 3
)

// costOf prices an operation type for the bucket. Unknown types are priced
// as business operations; they get rejected later by enqueue validation.
func costOf(opType string) int {
	if rank, ok := models.RankOf(opType); ok && rank >= models.DefaultRank {
		return costRefresh
	}
	return costBusiness
}

// TokenBucket rate-limits enqueue requests per user.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// AllowOperation consumes the operation's cost from the user's bucket if
// enough tokens remain. Returns the allowed flag and the remaining tokens.
func (b *TokenBucket) AllowOperation(ctx context.Context, userID, opType string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{"rl:user:" + userID},
		b.capacity, b.refill, costOf(opType), now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
