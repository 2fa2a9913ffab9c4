package keylock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"comment-dm/internal/cache"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL  = 2 * time.Minute
	defaultLockPoll = 50 * time.Millisecond
)

// releaseScript deletes the lock only if it is still owned by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every process talking to the same Redis.
// Locks expire after ttl so a crashed holder cannot wedge a key forever.
type Redis struct {
	redis  *cache.Redis
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

var _ Locker = (*Redis)(nil)

// NewRedis creates a Redis-backed locker. ttl must exceed the longest
// critical section; zero selects the default.
func NewRedis(r *cache.Redis, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Redis{
		redis:  r,
		ttl:    ttl,
		poll:   defaultLockPoll,
		logger: logger.With("component", "keylock"),
	}
}

// Lock polls SET NX until the key is acquired or ctx is done.
func (l *Redis) Lock(ctx context.Context, key string) (func(), error) {
	full := l.redis.Key("lock:" + key)
	token := uuid.NewString()
	client := l.redis.Client()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() { l.release(full, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Redis) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.redis.Client(), []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Warn("release lock failed", "key", key, "error", err)
	}
}
