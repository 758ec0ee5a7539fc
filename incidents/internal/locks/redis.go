package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release and refresh only touch a lease still owned by the caller's token.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker is a Locker shared by every replica. Each lock is a lease
// (SET NX PX) refreshed in the background until released, so a crashed
// holder frees its keys after TTL.
type RedisLocker struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
	logger    *slog.Logger
}

// RedisLockerConfig configures a RedisLocker.
type RedisLockerConfig struct {
	Prefix    string
	TTL       time.Duration
	RetryWait time.Duration
	Logger    *slog.Logger
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client *redis.Client, cfg RedisLockerConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "incidents:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisLocker{
		client:    client,
		prefix:    cfg.Prefix,
		ttl:       cfg.TTL,
		retryWait: cfg.RetryWait,
		logger:    cfg.Logger,
	}
}

// Lock polls until key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	ticker := time.NewTicker(l.retryWait)
	defer ticker.Stop()
	for {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryLock acquires key only if no lease exists.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	full := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	go l.keepAlive(full, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			// Released on a fresh context: the caller's may already be cancelled.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, l.client, []string{full}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn("failed to release lock", slog.String("key", key), slog.String("error", err.Error()))
			}
		})
	}, true, nil
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("failed to refresh lock", slog.String("key", key), slog.String("error", err.Error()))
				continue
			}
			if n == 0 {
				l.logger.Warn("lock lease lost", slog.String("key", key))
				return
			}
		}
	}
}
