package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically so concurrent workers
// across processes never double-spend a token.
var tokenBucketScript = redis.NewScript(`
	local bucket_key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local refill = tonumber(ARGV[2])
	local interval = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])

	local state = redis.call('HMGET', bucket_key, 'tokens', 'last_refill')
	local tokens = tonumber(state[1]) or capacity
	local last_refill = tonumber(state[2]) or now

	local intervals = math.floor((now - last_refill) / interval)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + intervals * refill)
		last_refill = last_refill + intervals * interval
	end

	local allowed = 0
	if tokens > 0 then
		tokens = tokens - 1
		allowed = 1
	end
	redis.call('HMSET', bucket_key, 'tokens', tokens, 'last_refill', last_refill)
	redis.call('EXPIRE', bucket_key, interval * 2)
	return {allowed, tokens, last_refill}
`)

// RedisLimiter is a distributed per-account token bucket. It FAILS CLOSED:
// if Redis is unreachable the call is denied, because an uncounted platform
// call can overrun an account's API quota and a short deferral cannot.
type RedisLimiter struct {
	rdb    *redis.Client
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedisLimiter wraps an open Redis client.
func NewRedisLimiter(rdb *redis.Client, cfg Config, keyPrefix string) *RedisLimiter {
	cfg.applyDefaults()
	if keyPrefix == "" {
		keyPrefix = "adpilot:ratelimit"
	}
	return &RedisLimiter{rdb: rdb, cfg: cfg, prefix: keyPrefix, now: time.Now}
}

// Allow consumes one token for the account if available.
func (l *RedisLimiter) Allow(ctx context.Context, accountID string) (Decision, error) {
	now := l.now()
	key := fmt.Sprintf("%s:%s", l.prefix, accountID)

	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{key},
		l.cfg.Capacity,
		l.cfg.RefillRate,
		int64(l.cfg.RefillInterval.Seconds()),
		now.Unix(),
	).Result()
	if err != nil {
		return Decision{
			Allowed: false,
			RetryAt: now.Add(time.Minute),
		}, fmt.Errorf("ratelimit: redis eval: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return Decision{Allowed: false, RetryAt: now.Add(time.Minute)},
			fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	lastRefill, _ := vals[2].(int64)

	d := Decision{Allowed: allowed == 1, Remaining: remaining}
	if !d.Allowed {
		d.RetryAt = time.Unix(lastRefill, 0).Add(l.cfg.RefillInterval)
	}
	return d, nil
}
