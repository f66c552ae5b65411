package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- KeyedMutex ---

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "fp")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, m.locks, "entries are dropped once unused")
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex()
	releaseA, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	releaseB, err := m.Acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	m := NewKeyedMutex()
	release, err := m.Acquire(context.Background(), "fp")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "fp")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op
	assert.Empty(t, m.locks)
}

// --- RedisLocker ---

type fakeCache struct {
	mu       sync.Mutex
	held     map[string]string
	fail     error
	released []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{held: make(map[string]string)}
}

func (f *fakeCache) Ping(ctx context.Context) error { return nil }

func (f *fakeCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeCache) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return false, f.fail
	}
	if _, ok := f.held[key]; ok {
		return false, nil
	}
	f.held[key] = token
	return true, nil
}

func (f *fakeCache) ReleaseLock(ctx context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] == token {
		delete(f.held, key)
	}
	f.released = append(f.released, key)
	return nil
}

func (f *fakeCache) Push(ctx context.Context, key string, payload []byte) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	fc := newFakeCache()
	l := NewRedisLocker(fc, time.Second, 50*time.Millisecond, discardLogger())

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	assert.Contains(t, fc.held, "k")

	release()
	release()
	assert.NotContains(t, fc.held, "k")
	assert.Len(t, fc.released, 1)
}

func TestRedisLocker_Contended(t *testing.T) {
	fc := newFakeCache()
	fc.held["k"] = "someone-else"
	l := NewRedisLocker(fc, time.Second, 50*time.Millisecond, discardLogger())

	_, err := l.Acquire(context.Background(), "k")
	assert.ErrorIs(t, err, ErrContended)
}

func TestRedisLocker_WaitsForHolder(t *testing.T) {
	fc := newFakeCache()
	l := NewRedisLocker(fc, time.Second, time.Second, discardLogger())

	first, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		first()
	}()

	second, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	second()
}

func TestRedisLocker_CacheErrorIsNotRetried(t *testing.T) {
	fc := newFakeCache()
	fc.fail = errors.New("connection refused")
	l := NewRedisLocker(fc, time.Second, time.Second, discardLogger())

	start := time.Now()
	_, err := l.Acquire(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrContended)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
