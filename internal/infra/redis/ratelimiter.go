package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/attestation-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "attestation:sendrate"
	backoffStep   = 10 * time.Millisecond
	backoffMax    = 50 * time.Millisecond
	windowSeconds = 1
)

var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a fixed one-second window limiter shared by every
// instance talking to the same Redis. Each provider has its own window.
type RedisRateLimiter struct {
	client       *goredis.Client
	defaultLimit int64
	limits       map[string]int64
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	script       *goredis.Script
}

// NewRedisRateLimiter limits every provider to defaultPerSec sends per
// second unless perProvider names a different limit for it.
func NewRedisRateLimiter(client *goredis.Client, defaultPerSec int, perProvider map[string]int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, defaultPerSec, perProvider, time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	defaultPerSec int,
	perProvider map[string]int,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if defaultPerSec <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", defaultPerSec)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	limits := make(map[string]int64, len(perProvider))
	for name, limit := range perProvider {
		if limit > 0 {
			limits[normalizeProvider(name)] = int64(limit)
		}
	}

	return &RedisRateLimiter{
		client:       client,
		defaultLimit: int64(defaultPerSec),
		limits:       limits,
		now:          nowFn,
		sleep:        sleepFn,
		script:       allowScript,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, provider string) (bool, error) {
	if r == nil || r.client == nil || r.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	name := normalizeProvider(provider)
	if name == "" {
		return false, fmt.Errorf("provider is required")
	}

	key := fmt.Sprintf("%s:%s:%d", keyPrefix, name, r.now().UTC().Unix())
	result, err := r.script.Run(ctx, r.client, []string{key}, r.limitFor(name), windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

func (r *RedisRateLimiter) Wait(ctx context.Context, provider string) error {
	backoff := backoffStep
	for {
		allowed, err := r.Allow(ctx, provider)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff = min(backoff+backoffStep, backoffMax)
	}
}

func (r *RedisRateLimiter) limitFor(provider string) int64 {
	if limit, ok := r.limits[provider]; ok {
		return limit
	}
	return r.defaultLimit
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
