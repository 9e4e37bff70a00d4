package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// Locker guards critical sections keyed by an arbitrary resource name.
// Used for two things: serializing offer issuance per freed slot, and the
// per-job run lock that keeps scheduler ticks from overlapping.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// SlotKey names the lock guarding offer issuance for one freed slot.
func SlotKey(slotID uuid.UUID) string {
	return fmt.Sprintf("lock:slot:%s", slotID)
}

// JobKey names the run lock for one scheduled job.
func JobKey(jobName string) string {
	return fmt.Sprintf("lock:job:%s", jobName)
}

type redisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) Locker {
	return &redisLocker{client: client}
}

func (l *redisLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

// Release only deletes the key if it still holds our token, so an expired
// lock taken over by another holder is never clobbered.
var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
