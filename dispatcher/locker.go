package dispatcher

import (
	"context"
	"sync"
	"time"

	"goa.design/jobq/lock"
)

// localLocker is the Locker used when none is configured. It only serializes
// the submissions of the current process: dispatchers that share stores
// across processes should use lock.Locker.
type localLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLocalLocker() *localLocker {
	return &localLocker{locks: make(map[string]chan struct{})}
}

// WithLock runs fn while holding the named lock. ttl is ignored, the lock is
// released when fn returns.
func (l *localLocker) WithLock(ctx context.Context, name string, _, wait time.Duration, fn func(context.Context) error) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		l.mu.Lock()
		held, ok := l.locks[name]
		if !ok {
			held = make(chan struct{})
			l.locks[name] = held
			l.mu.Unlock()
			break
		}
		l.mu.Unlock()
		select {
		case <-held:
		case <-timer.C:
			return lock.ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer func() {
		l.mu.Lock()
		close(l.locks[name])
		delete(l.locks, name)
		l.mu.Unlock()
	}()
	return fn(ctx)
}
