package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/api-gatekeeper/services"
	"go.uber.org/zap"
)

// tokenBucketScript runs the same refill-then-decrement step as Limiter, atomically on the server.
// KEYS[1] bucket key; ARGV capacity, refill/s, now (ms), idle ttl (ms).
// Returns {allowed, tokens} with tokens as a string so fractions survive the reply.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

if now > ts then
  tokens = tokens + (now - ts) / 1000 * rate
  ts = now
end
if tokens > capacity then
  tokens = capacity
end

local allowed = 0
if tokens >= 1 - 1e-9 then
  tokens = tokens - 1
  if tokens < 0 then
    tokens = 0
  end
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// RedisConfig holds configuration for RedisLimiter
type RedisConfig struct {
	KeyPrefix string
	IdleTTL   time.Duration
}

// RedisLimiter is a token bucket limiter shared by every instance pointing at the same Redis.
// Idle buckets expire through the key TTL.
type RedisLimiter struct {
	client  redis.Scripter
	prefix  string
	idleTTL time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

// NewRedisLimiter creates a new RedisLimiter
func NewRedisLimiter(client redis.Scripter, cfg RedisConfig, logger *zap.Logger) *RedisLimiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gatekeeper:ratelimit:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client:  client,
		prefix:  cfg.KeyPrefix,
		idleTTL: cfg.IdleTTL,
		clock:   time.Now,
		logger:  logger,
	}
}

// Admit consumes one token from key's bucket if one is available
func (r *RedisLimiter) Admit(ctx context.Context, key string, limit Limit) (Decision, error) {
	if err := limit.Validate(); err != nil {
		return Decision{}, err
	}

	now := r.clock().UnixMilli()
	res, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + key},
		limit.Capacity, limit.RefillPerSecond, now, r.idleTTL.Milliseconds()).Slice()
	if err != nil {
		r.logger.Error("rate limit script failed", zap.String("key", key), zap.Error(err))
		return Decision{}, services.WrapInternal("rate limit backend unavailable", err)
	}

	allowed, tokens, err := parseScriptResult(res)
	if err != nil {
		return Decision{}, services.WrapInternal("unexpected rate limit reply", err)
	}

	d := Decision{Allowed: allowed, Remaining: tokens}
	if !allowed {
		d.RetryAfter = retryAfter(tokens, limit.RefillPerSecond)
	}
	return d, nil
}

func parseScriptResult(res []interface{}) (bool, float64, error) {
	if len(res) != 2 {
		return false, 0, fmt.Errorf("expected 2 values, got %d", len(res))
	}
	flag, ok := res[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected allowed flag type %T", res[0])
	}
	raw, ok := res[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("unexpected tokens type %T", res[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("parse tokens: %w", err)
	}
	return flag == 1, tokens, nil
}
