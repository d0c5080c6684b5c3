package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "addreams:ratelimit"
	redisCallTimeout = 2 * time.Second
)

var (
	ErrInvalidLimiterConfig = errors.New("invalid rate limiter config")
	ErrLimiterUnavailable   = errors.New("rate limiter unavailable")
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Decision reports the outcome of a limiter check.
type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// FixedWindowLimiter caps workflow runs per user in fixed windows shared through Redis.
type FixedWindowLimiter struct {
	client redis.Scripter
	prefix string
	limit  int64
	window time.Duration
	nowFn  func() time.Time
}

// Config describes a Redis-backed limiter.
type Config struct {
	RedisURL string
	Prefix   string
	Limit    int64
	Window   time.Duration
}

// NewFixedWindowLimiter validates the settings and wraps an existing Redis client.
func NewFixedWindowLimiter(client redis.Scripter, prefix string, limit int64, window time.Duration, now func() time.Time) (*FixedWindowLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidLimiterConfig)
	}
	if limit <= 0 || window < time.Millisecond {
		return nil, fmt.Errorf("%w: limit and window must be positive", ErrInvalidLimiterConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidLimiterConfig)
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &FixedWindowLimiter{client: client, prefix: prefix, limit: limit, window: window, nowFn: now}, nil
}

// New opens a Redis client from the URL and builds a limiter over it.
func New(config Config) (*FixedWindowLimiter, *redis.Client, error) {
	redisURL := strings.TrimSpace(config.RedisURL)
	if redisURL == "" {
		return nil, nil, fmt.Errorf("%w: redis url is required", ErrInvalidLimiterConfig)
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidLimiterConfig, err)
	}
	client := redis.NewClient(options)
	limiter, err := NewFixedWindowLimiter(client, config.Prefix, config.Limit, config.Window, time.Now)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return limiter, client, nil
}

// Allow counts one request for key. Redis failures deny the request and return ErrLimiterUnavailable.
func (limiter *FixedWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMillis := limiter.window.Milliseconds()
	now := limiter.nowFn().UTC()
	slot := now.UnixMilli() / windowMillis
	resetAt := time.UnixMilli((slot + 1) * windowMillis).UTC()
	redisKey := fmt.Sprintf("%s:%s:%d", limiter.prefix, key, slot)

	callContext, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	count, err := fixedWindowScript.Run(callContext, limiter.client, []string{redisKey}, windowMillis).Int64()
	if err != nil {
		return Decision{ResetAt: resetAt}, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	remaining := limiter.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: count <= limiter.limit, Remaining: remaining, ResetAt: resetAt}, nil
}
