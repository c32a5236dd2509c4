package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// Redis shares counters across instances. When Redis is unreachable or
// returns something unexpected it falls back to an in-process limiter so
// limits still apply per instance.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	fallback *InMemory
	log      *zap.Logger
	timeout  time.Duration
}

func NewRedis(client redis.UniversalClient, prefix string, log *zap.Logger) *Redis {
	if prefix == "" {
		prefix = "portfolio:rl:"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		client:   client,
		prefix:   prefix,
		fallback: NewInMemory(),
		log:      log,
		timeout:  500 * time.Millisecond,
	}
}

func (l *Redis) Allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if l.client == nil {
		return l.fallback.Allow(ctx, key, limit, window)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err := rateLimitScript.Run(ctx, l.client, []string{l.prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		l.log.Warn("ratelimit_redis_unavailable", zap.Error(err))
		return l.fallback.Allow(ctx, key, limit, window)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		l.log.Warn("ratelimit_redis_bad_reply", zap.Any("reply", res))
		return l.fallback.Allow(ctx, key, limit, window)
	}
	count, ok := vals[0].(int64)
	if !ok {
		l.log.Warn("ratelimit_redis_bad_reply", zap.Any("reply", res))
		return l.fallback.Allow(ctx, key, limit, window)
	}
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	return decide(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

// NewRedisClient connects and pings so a bad REDIS_ADDR fails at startup.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return client, nil
}

// WindowKey scopes a key to a limit class so classes never share counters.
func WindowKey(class, key string, window time.Duration) string {
	return class + ":" + strconv.FormatInt(window.Milliseconds(), 10) + ":" + key
}
