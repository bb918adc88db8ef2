package rediscache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockNotHeld     = errors.New("lock not held")
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Locker: распределённая блокировка (SET NX + снятие Lua-скриптом по токену).
// Не даёт двум репликам воркера опрашивать один интерфейс одновременно.
type Locker struct {
	c         *redis.Client
	keyPrefix string
}

func NewLocker(addr, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "lock:"
	}
	return &Locker{
		c:         redis.NewClient(&redis.Options{Addr: addr}),
		keyPrefix: keyPrefix,
	}
}

type Lock struct {
	c     *redis.Client
	key   string
	value string
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lockKey := l.keyPrefix + key
	token := uuid.NewString()

	ok, err := l.c.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis setnx")
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return &Lock{c: l.c, key: lockKey, value: token}, nil
}

func (lock *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lock.c, []string{lock.key}, lock.value).Int64()
	if err != nil {
		return errors.Wrap(err, "redis release lock")
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// WithLock runs fn while holding key. A busy key returns ErrLockNotAcquired
// without calling fn.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		// ttl мог истечь во время fn: тогда ключ уже чужой или пустой
		_ = lock.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}

func (l *Locker) Close() error {
	return l.c.Close()
}
