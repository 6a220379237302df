package ratelimiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// RedisLimiter is a sliding-window limiter shared across workers, backed by
// a Lua script over a sorted set of acquisition timestamps.
type RedisLimiter struct {
	redis  *redis.Client
	script *redis.Script
}

// NewRedisLimiter constructs a RedisLimiter.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	if rdb == nil {
		return nil
	}
	return &RedisLimiter{
		redis:  rdb,
		script: redis.NewScript(luaSlidingWindowScript),
	}
}

const luaSlidingWindowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, 0, now_ms - window_ms)

local count = redis.call("ZCARD", key)
if count < limit then
  redis.call("ZADD", key, now_ms, now_ms .. "-" .. count)
  redis.call("PEXPIRE", key, window_ms)
  return { 1, 0 }
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local retry_after_ms = 0
if oldest[2] ~= nil then
  retry_after_ms = tonumber(oldest[2]) + window_ms - now_ms
  if retry_after_ms < 0 then retry_after_ms = 0 end
end
return { 0, retry_after_ms }
`

// TryAcquire implements domain.RateLimiter. The limiter fails open on redis
// errors to avoid turning a cache outage into a hard queue outage.
func (l *RedisLimiter) TryAcquire(ctx context.Context, key string, policy domain.RateLimitPolicy) (domain.RateLimitDecision, error) {
	if l == nil || l.redis == nil || policy.Limit <= 0 || policy.Window <= 0 {
		return domain.RateLimitDecision{Allowed: true}, nil
	}
	nowMs := time.Now().UnixMilli()
	redisKey := "rate:" + key
	res, err := l.script.Run(ctx, l.redis, []string{redisKey},
		policy.Limit, policy.Window.Milliseconds(), nowMs).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("key", key), slog.Any("error", err))
		return domain.RateLimitDecision{Allowed: true}, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("redis rate limiter unexpected script result", slog.String("key", key), slog.Any("result", res))
		return domain.RateLimitDecision{Allowed: true}, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toInt64(vals[1])) * time.Millisecond
	return domain.RateLimitDecision{Allowed: allowed, RetryAfter: retryAfter}, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
