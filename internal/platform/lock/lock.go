// Package lock serialises writers per entity using Redis-backed leases.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned when the lease for a key could not be obtained in time.
var ErrBusy = errors.New("lock: entity busy")

// Locker runs fn while holding an exclusive lease on key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// RedisLocker obtains leases through redislock.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker builds a RedisLocker. ttl bounds how long a crashed holder can block others,
// wait bounds how long callers queue for a busy key.
func NewRedisLocker(client redis.UniversalClient, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait < 0 {
		wait = 0
	}
	return &RedisLocker{client: redislock.New(client), ttl: ttl, wait: wait}
}

// WithLock obtains the lease, runs fn and always releases the lease afterwards.
func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l == nil || l.client == nil {
		return fn(ctx)
	}
	obtainCtx := ctx
	var cancel context.CancelFunc
	opts := &redislock.Options{RetryStrategy: redislock.NoRetry()}
	if l.wait > 0 {
		obtainCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
		opts.RetryStrategy = redislock.LinearBackoff(50 * time.Millisecond)
	}
	lease, err := l.client.Obtain(obtainCtx, key, l.ttl, opts)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrBusy, key)
		}
		return fmt.Errorf("lock: obtain %s: %w", key, err)
	}
	defer func() {
		_ = lease.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}

// LocalLocker is an in-process keyed mutex for single-node deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalLocker builds a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*sync.Mutex)}
}

// WithLock blocks until key is free, then runs fn.
func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}
