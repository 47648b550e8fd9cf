package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a sliding-window rate limiter backed by one sorted set per
// key (member = request id, score = request time in microseconds). It lets
// several API replicas share one budget per client.
type RateLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.Underlying(), now: time.Now}
}

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}

// Allow reports whether one more request for key fits in limit requests per
// window. Allowed requests are counted; rejected ones are not.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := rateLimitKey(key)
	now := rl.now().UnixMicro()
	member := uuid.NewString()

	pipe := rl.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(now-window.Microseconds(), 10))
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now), Member: member})
	card := pipe.ZCard(ctx, k)
	pipe.PExpire(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}

	if card.Val() <= int64(limit) {
		return true, nil
	}
	if err := rl.rdb.ZRem(ctx, k, member).Err(); err != nil {
		return false, fmt.Errorf("redis: rate limit release %s: %w", key, err)
	}
	return false, nil
}
