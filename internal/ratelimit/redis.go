package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes, counts, conditionally records, and refreshes
// the key expiry in one server-side execution. Timestamps are microseconds.
// Returns {allowed, remaining, retry_after_micros}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < max then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, math.ceil(window / 1000))
  return {1, max - count - 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = window
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// RedisLimiter enforces the sliding window against a shared Redis, which is
// what keeps counting accurate across multiple service instances.
type RedisLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter constructs a Redis-backed limiter.
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

// Allow runs the atomic sliding-window batch for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) (Decision, error) {
	if max <= 0 || window <= 0 {
		return Decision{Allowed: true}, nil
	}
	nowMicros := l.now().UnixMicro()
	member := fmt.Sprintf("%d-%s", nowMicros, uuid.NewString())
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{"ratelimit:" + key},
		nowMicros, window.Microseconds(), max, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit check: unexpected reply length %d", len(res))
	}
	decision := Decision{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
	}
	if !decision.Allowed {
		decision.RetryAfter = time.Duration(res[2]) * time.Microsecond
	}
	return decision, nil
}
