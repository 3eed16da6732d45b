package store

import (
	"context"
	"errors"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/observability"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// RedisLocker implements Locker with SET NX and an owner-checked release.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(addr string, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// AcquireLock attempts to acquire a distributed lock.
// It uses SET key value NX PX ttl.
func (l *RedisLocker) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	return l.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// ReleaseLock releases the lock if held by ownerID.
func (l *RedisLocker) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	_, err := l.client.Eval(ctx, releaseScript, []string{key}, ownerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// RenewLock extends the lease if ownerID still holds it.
func (l *RedisLocker) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	n, err := l.client.Eval(ctx, renewScript, []string{key}, ownerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LockOwner returns the current owner, or empty if free.
func (l *RedisLocker) LockOwner(ctx context.Context, key string) (string, error) {
	val, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}
