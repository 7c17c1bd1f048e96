package rotation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/redis/go-redis/v9"
)

// ErrLockUnavailable is returned when a path lock cannot be acquired
var ErrLockUnavailable = errors.New("rotation lock unavailable")

// Locker serializes rotations of one secret path.
// Lock blocks until the lock is held or ctx ends; release is idempotent.
type Locker interface {
	Lock(ctx context.Context, path string) (func(), error)
}

// LocalLocker is an in-process keyed mutex
type LocalLocker struct {
	km *kmutex.Kmutex
}

// NewLocalLocker creates an in-process per-path locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{km: kmutex.New()}
}

// Lock acquires the mutex for path
func (l *LocalLocker) Lock(ctx context.Context, path string) (func(), error) {
	acquired := make(chan struct{})
	go func() {
		l.km.Lock(path)
		close(acquired)
	}()

	select {
	case <-acquired:
		return sync.OnceFunc(func() { l.km.Unlock(path) }), nil
	case <-ctx.Done():
		// Hand the mutex back as soon as the pending Lock returns.
		go func() {
			<-acquired
			l.km.Unlock(path)
		}()
		return nil, fmt.Errorf("%w: %s: %v", ErrLockUnavailable, path, ctx.Err())
	}
}

// releaseScript deletes the lock only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lease lock shared by replicas that rotate against one store
type RedisLocker struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	pollEvery time.Duration
}

// NewRedisLocker creates a Redis lease locker. ttl bounds how long a crashed
// holder can block a path.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "leakguard:lock:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		pollEvery: 50 * time.Millisecond,
	}
}

// Lock acquires the lease for path, polling until it is free or ctx ends
func (r *RedisLocker) Lock(ctx context.Context, path string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	key := r.prefix + path

	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLockUnavailable, path, err)
		}
		if ok {
			return sync.OnceFunc(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, r.client, []string{key}, token).Err()
			}), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockUnavailable, path, ctx.Err())
		case <-ticker.C:
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
