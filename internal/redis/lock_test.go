package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, ttl, wait time.Duration) (Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb, ttl, wait), mr
}

func TestWithLock_RunsAndReleases(t *testing.T) {
	locker, mr := newTestLocker(t, time.Second, 0)
	keys := []string{"lock:doctor:d1:2024-05-01", "lock:patient:p1:2024-05-01"}

	called := false
	err := locker.WithLock(context.Background(), keys, func(ctx context.Context) error {
		called = true
		for _, k := range keys {
			assert.True(t, mr.Exists(k), "key %s should be held inside fn", k)
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	for _, k := range keys {
		assert.False(t, mr.Exists(k), "key %s should be released", k)
	}
}

func TestWithLock_PropagatesFnError(t *testing.T) {
	locker, mr := newTestLocker(t, time.Second, 0)
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), []string{"k"}, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("k"))
}

func TestWithLock_ContendedKeyFailsFastWithoutWait(t *testing.T) {
	locker, mr := newTestLocker(t, time.Second, 0)
	require.NoError(t, mr.Set("lock:doctor:d1:2024-05-01", "someone-else"))

	err := locker.WithLock(context.Background(), []string{"lock:patient:p1:2024-05-01", "lock:doctor:d1:2024-05-01"}, func(ctx context.Context) error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	// the key acquired before the contended one is released again
	assert.False(t, mr.Exists("lock:patient:p1:2024-05-01"))
	// the foreign holder keeps its lock
	v, _ := mr.Get("lock:doctor:d1:2024-05-01")
	assert.Equal(t, "someone-else", v)
}

func TestWithLock_RedisDownRunsUnlocked(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := NewRedisLocker(rdb, time.Second, time.Second)
	mr.Close()

	called := false
	err := locker.WithLock(context.Background(), []string{"lock:doctor:d1:2024-05-01"}, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	boom := errors.New("boom")
	err = locker.WithLock(context.Background(), []string{"k"}, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWithLock_CancelledContextIsNotAnOutage(t *testing.T) {
	locker, _ := newTestLocker(t, time.Second, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := locker.WithLock(ctx, []string{"k"}, func(ctx context.Context) error {
		t.Fatal("fn must not run on a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithLock_SerializesConcurrentHolders(t *testing.T) {
	locker, _ := newTestLocker(t, 2*time.Second, 2*time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), []string{"lock:doctor:d1:2024-05-01"}, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

func TestNewRedisClient_PingsServer(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := NewRedisClient(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer rdb.Close()

	mr.Close()
	_, err = NewRedisClient(context.Background(), Options{Addr: mr.Addr()})
	assert.Error(t, err)
}
