package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// extendScript extends the key only while it still carries our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker holds the lease as a key with a TTL that is refreshed at a
// third of its lifetime.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a RedisLocker from a Redis URL.
func NewRedisLocker(redisURL, key string, ttl time.Duration, logger *slog.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: redis.NewClient(opts), key: key, ttl: ttl, logger: logger}, nil
}

func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLocker) TryAcquire(ctx context.Context) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("set lease key: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}

	l := &redisLease{locker: r, token: token, mon: newMonitor()}
	lastOK := time.Now()
	go l.mon.refreshEvery(r.ttl/3, func() bool {
		extCtx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
		defer cancel()
		n, err := extendScript.Run(extCtx, r.client, []string{r.key}, token, r.ttl.Milliseconds()).Int64()
		switch {
		case err != nil:
			// Keep trying until the key would have expired anyway.
			if time.Since(lastOK) >= r.ttl {
				r.logger.Error("lease refresh failed past ttl", "key", r.key, "error", err)
				return false
			}
			r.logger.Warn("lease refresh failed", "key", r.key, "error", err)
			return true
		case n == 0:
			r.logger.Error("lease taken over", "key", r.key)
			return false
		default:
			lastOK = time.Now()
			return true
		}
	})
	r.logger.Info("lease acquired", "backend", "redis", "key", r.key)
	return l, nil
}

func (r *RedisLocker) Close() error {
	return r.client.Close()
}

type redisLease struct {
	locker *RedisLocker
	token  string
	mon    *monitor
}

func (l *redisLease) Lost() <-chan struct{} {
	return l.mon.lost
}

func (l *redisLease) Release(ctx context.Context) error {
	l.mon.halt()
	if err := releaseScript.Run(ctx, l.locker.client, []string{l.locker.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
