package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the distributed lock.
var ErrLockHeld = errors.New("store: lock held by another process")

// unlockLua deletes a lock key only if its value is still the caller's
// token, so a holder whose TTL lapsed cannot release a successor's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker is a distributed mutex over Redis SETNX with a TTL. The
// settlement service takes it per (market, rail) so that two engine
// instances never compute and apply the same rail at once.
type RedisLocker struct {
	rdb    *redis.Client
	unlock *redis.Script
}

// NewRedisLocker creates a locker on the given client.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{
		rdb:    rdb,
		unlock: redis.NewScript(unlockLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire obtains the lock for key or fails with ErrLockHeld. The returned
// release function is safe to call more than once.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true

		// The caller's context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlock.Run(ctx, l.rdb, []string{lk}, token).Err()
	}
	return release, nil
}
