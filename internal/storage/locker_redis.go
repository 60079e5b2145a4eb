package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	lockKeyPrefix        = "gitstore:lock"
	defaultLockTTL       = 30 * time.Second
	defaultRetryInterval = 50 * time.Millisecond
)

// Only the holder's token may extend or release a lock.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Config defines Redis connection settings.
type Config struct {
	Addr     string
	Username string
	Password string
	Database int
}

// RedisLockOptions tune lease handling of a RedisLocker.
type RedisLockOptions struct {
	TTL           time.Duration
	RetryInterval time.Duration
	Logger        *zap.Logger
}

// RedisLocker is a Locker shared by every replica connected to the same
// Redis, for deployments where several processes serve one storage root.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *zap.Logger
}

// NewRedisLocker connects to Redis and returns a Locker backed by it.
func NewRedisLocker(cfg Config, opts RedisLockOptions) (*RedisLocker, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return newRedisLocker(client, opts), nil
}

func newRedisLocker(client *redis.Client, opts RedisLockOptions) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = defaultLockTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RedisLocker{client: client, ttl: opts.TTL, retry: opts.RetryInterval, logger: opts.Logger}
}

func (l *RedisLocker) Lock(ctx context.Context, tenant string) (func(), error) {
	key := lockKey(tenant)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock for tenant %q: %w", tenant, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.refresh(key, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()

			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Warn("failed to release tenant lock", zap.String("tenant", tenant), zap.Error(err))
			}
		})
	}, nil
}

// refresh extends the lease while the lock is held.
func (l *RedisLocker) refresh(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Err()
			cancel()
			if err != nil {
				l.logger.Warn("failed to refresh tenant lock", zap.String("key", key), zap.Error(err))
			}
		}
	}
}

// Close releases the Redis connection pool.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func lockKey(tenant string) string {
	return lockKeyPrefix + ":" + tenant
}
