package apptest

import (
	"context"
	"sort"
	"sync"
	"time"

	redisclient "github.com/hackgods/clinic-appointment-scheduling/internal/redis"
)

// Locker is an in-process redisclient.Locker with the same all-or-nothing
// semantics as the Redis one.
type Locker struct {
	Wait time.Duration

	mu    sync.Mutex
	held  map[string]bool
	Calls [][]string
}

var _ redisclient.Locker = (*Locker)(nil)

func NewLocker(wait time.Duration) *Locker {
	return &Locker{Wait: wait, held: make(map[string]bool)}
}

// Hold marks keys as taken by someone else until Release is called.
func (l *Locker) Hold(keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		l.held[k] = true
	}
}

func (l *Locker) Release(keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		delete(l.held, k)
	}
}

func (l *Locker) WithLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	l.mu.Lock()
	l.Calls = append(l.Calls, sorted)
	l.mu.Unlock()

	deadline := time.Now().Add(l.Wait)
	for !l.tryAcquire(sorted) {
		if !time.Now().Before(deadline) {
			return redisclient.ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	defer l.Release(sorted...)

	return fn(ctx)
}

func (l *Locker) tryAcquire(keys []string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if l.held[k] {
			return false
		}
	}
	for _, k := range keys {
		l.held[k] = true
	}
	return true
}

// NoLock runs fn without any mutual exclusion, leaving races to the store.
type NoLock struct{}

func (NoLock) WithLock(ctx context.Context, _ []string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Clock is a settable appointment.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
