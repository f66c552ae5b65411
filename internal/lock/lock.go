// Package lock serializes work on a key, such as one error fingerprint, across
// concurrent submissions.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/cache"
)

// ErrContended is returned when a lock could not be taken within the wait budget.
var ErrContended = errors.New("lock contended")

// Locker hands out exclusive holds on string keys. release must be called
// exactly once; extra calls are ignored.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

var errHeld = errors.New("lock held")

// RedisLocker takes locks with SET NX in Redis, so every process sharing the
// Redis instance is serialized. A lock outlives a crashed holder by at most TTL.
type RedisLocker struct {
	cache  cache.Cache
	ttl    time.Duration
	wait   time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a RedisLocker. wait bounds how long Acquire retries.
func NewRedisLocker(c cache.Cache, ttl, wait time.Duration, logger *slog.Logger) *RedisLocker {
	return &RedisLocker{cache: c, ttl: ttl, wait: wait, logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = l.wait

	err := backoff.Retry(func() error {
		ok, err := l.cache.AcquireLock(ctx, key, token, l.ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errHeld
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if errors.Is(err, errHeld) {
		return nil, fmt.Errorf("%w: %s", ErrContended, key)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.cache.ReleaseLock(ctx, key, token); err != nil {
				l.logger.Warn("lock release failed", "key", key, "error", err)
			}
		})
	}, nil
}

// KeyedMutex is an in-process Locker. It serializes goroutines of a single
// process only.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	kl, ok := m.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = kl
	}
	kl.refs++
	m.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			m.unref(key, kl)
		})
	}, nil
}

func (m *KeyedMutex) unref(key string, kl *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(m.locks, key)
	}
}
