package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter implements RateLimiter against a shared Redis instance
// using INCR + EXPIRE, so the limit is enforced across every control-plane
// process in a multi-instance deployment rather than per-process — the
// same move to a shared backend the wider example pack makes for its own
// caches (streamspace, wisbric use redis-backed state for the same reason).
type RedisRateLimiter struct {
	client *redis.Client
	limit  int64
	per    time.Duration
	prefix string
}

// NewRedisRateLimiter constructs a RedisRateLimiter. keyPrefix namespaces
// keys so multiple limiters (e.g. auth vs. API) can share one Redis
// instance.
func NewRedisRateLimiter(client *redis.Client, limit int64, per time.Duration, keyPrefix string) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, limit: limit, per: per, prefix: keyPrefix}
}

// Allow implements RateLimiter. A Redis error fails open (returns true) —
// a rate limiter backend outage must not lock every dashboard out of the
// fleet.
func (r *RedisRateLimiter) Allow(subject string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	key := fmt.Sprintf("%s:%s", r.prefix, subject)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		r.client.Expire(ctx, key, r.per)
	}
	return count <= r.limit
}
