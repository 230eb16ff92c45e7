package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const rateLimitKeyPrefix = "devicelink:ratelimit:"

// slidingWindow keeps one sorted-set member per accepted attempt, scored by
// its millisecond timestamp. It returns {allowed, count, oldestScore}.
var slidingWindow = redis.NewScript(`
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now_ms - window_ms)
local count = redis.call('ZCARD', KEYS[1])

local allowed = 0
if count < limit then
    redis.call('ZADD', KEYS[1], now_ms, ARGV[4])
    redis.call('PEXPIRE', KEYS[1], window_ms)
    count = count + 1
    allowed = 1
end

local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local oldest_ms = now_ms
if #oldest == 2 then
    oldest_ms = tonumber(oldest[2])
end
return {allowed, count, oldest_ms}
`)

// RedisRateLimiter shares one window across all server instances. It fails
// closed: PIN guessing must not get easier while redis is unreachable.
type RedisRateLimiter struct {
	client redis.Scripter
}

func NewRedisRateLimiter(client redis.Scripter) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (l *RedisRateLimiter) Check(ctx context.Context, key string, limit int) Decision {
	now := time.Now()
	denied := Decision{ResetAt: now.Add(RateWindow)}

	res, err := slidingWindow.Run(ctx, l.client, []string{rateLimitKeyPrefix + key},
		now.UnixMilli(), RateWindow.Milliseconds(), limit, uuid.NewString()).Int64Slice()
	if err != nil || len(res) != 3 {
		log.Warn().Err(err).Str("key", key).Msg("redis rate limit check failed, denying request")
		return denied
	}

	remaining := limit - int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   res[0] == 1,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(res[2]).Add(RateWindow),
	}
}
