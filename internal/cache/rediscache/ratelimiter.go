package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RateLimiter: fixed-window счётчик запросов к перевозчику. Окно задаётся
// ключом (poller кладёт в него минуту), TTL только подчищает старые ключи.
type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{c: redis.NewClient(&redis.Options{Addr: addr})}
}

// AllowN reserves up to n slots of limit in the window stored under key and
// returns how many were granted. Over-reserved slots are not given back:
// the window ends anyway.
func (rl *RateLimiter) AllowN(ctx context.Context, key string, n, limit int64, window time.Duration) (int64, error) {
	if n <= 0 || limit <= 0 {
		return 0, nil
	}
	var incr *redis.IntCmd
	_, err := rl.c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key, n)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "redis ratelimit")
	}

	used := incr.Val() - n
	switch {
	case used >= limit:
		return 0, nil
	case used+n <= limit:
		return n, nil
	default:
		return limit - used, nil
	}
}

func (rl *RateLimiter) Close() error {
	return rl.c.Close()
}
