package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/jobq/jobq"
	"goa.design/jobq/rmap"
)

type (
	// Locker acquires named locks shared by all the processes that join the
	// same replicated map. A lock is a map key whose value identifies the
	// holder and the time after which the lock may be taken over.
	Locker struct {
		m      *rmap.Map
		owner  string
		poll   time.Duration
		logger jobq.Logger

		mu   sync.Mutex
		held map[string]string // lock values indexed by name
	}

	// Option is a Locker creation option.
	Option func(*options)

	options struct {
		poll   time.Duration
		logger jobq.Logger
	}
)

var (
	// ErrTimeout is returned by Acquire when the lock could not be acquired
	// before the wait duration elapsed.
	ErrTimeout = errors.New("jobq lock: timeout")

	// ErrNotHeld is returned by Release when the lock is not held by the
	// locker, either because it was never acquired or because it expired
	// and was taken over.
	ErrNotHeld = errors.New("jobq lock: not held")
)

// WithPollInterval sets the delay between two acquisition attempts. The
// default is 50ms.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger jobq.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New returns a locker that stores locks in m on behalf of owner.
func New(m *rmap.Map, owner string, opts ...Option) *Locker {
	o := &options{poll: 50 * time.Millisecond, logger: jobq.NoopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return &Locker{
		m:      m,
		owner:  owner,
		poll:   o.poll,
		logger: o.logger.WithPrefix("locker", owner),
		held:   make(map[string]string),
	}
}

// Acquire acquires the lock with the given name. The lock expires after ttl
// if not released, after which any locker may take it over. Acquire polls
// until the lock is acquired, wait elapses (ErrTimeout) or ctx is done.
func (l *Locker) Acquire(ctx context.Context, name string, ttl, wait time.Duration) error {
	if name == "" || strings.Contains(name, "=") {
		return fmt.Errorf("jobq lock: invalid lock name %q", name)
	}
	if ttl <= 0 {
		return fmt.Errorf("jobq lock: non-positive TTL for lock %q", name)
	}
	deadline := time.Now().Add(wait)
	for {
		val := l.value(ttl)
		ok, err := l.m.SetIfNotExists(ctx, name, val)
		if err != nil {
			return err
		}
		if !ok {
			ok, err = l.takeOver(ctx, name, val)
			if err != nil {
				return err
			}
		}
		if ok {
			l.mu.Lock()
			l.held[name] = val
			l.mu.Unlock()
			l.logger.Debug("acquired", "lock", name)
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", ErrTimeout, name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// Release releases the lock with the given name. It returns ErrNotHeld if the
// lock is not held by the locker anymore.
func (l *Locker) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	val, ok := l.held[name]
	delete(l.held, name)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, name)
	}
	prev, err := l.m.TestAndDelete(ctx, name, val)
	if err != nil {
		return err
	}
	if prev != val {
		return fmt.Errorf("%w: %s", ErrNotHeld, name)
	}
	l.logger.Debug("released", "lock", name)
	return nil
}

// WithLock runs fn while holding the lock with the given name. The lock is
// released on every exit path including panics. Errors returned by fn take
// precedence over release errors.
func (l *Locker) WithLock(ctx context.Context, name string, ttl, wait time.Duration, fn func(context.Context) error) (err error) {
	if err := l.Acquire(ctx, name, ttl, wait); err != nil {
		return err
	}
	defer func() {
		// Release even if ctx was cancelled by fn.
		if rerr := l.Release(context.WithoutCancel(ctx), name); rerr != nil {
			l.logger.Error(rerr, "lock", name)
			if err == nil {
				err = rerr
			}
		}
	}()
	return fn(ctx)
}

// takeOver replaces the current lock value with val if it expired.
func (l *Locker) takeOver(ctx context.Context, name, val string) (bool, error) {
	cur, ok, err := l.m.Fetch(ctx, name)
	if err != nil {
		return false, err
	}
	if !ok {
		// Released in between, retry right away.
		return l.m.SetIfNotExists(ctx, name, val)
	}
	if !expired(cur, time.Now()) {
		return false, nil
	}
	prev, err := l.m.TestAndSet(ctx, name, cur, val)
	if err != nil {
		return false, err
	}
	if prev != cur {
		return false, nil
	}
	l.logger.Info("took over expired lock", "lock", name, "previous", cur)
	return true, nil
}

// value returns a unique lock value of the form owner|token|expiry.
func (l *Locker) value(ttl time.Duration) string {
	exp := strconv.FormatInt(time.Now().Add(ttl).UnixMicro(), 10)
	return l.owner + "|" + uuid.NewString() + "|" + exp
}

// expired returns true if the expiry encoded in the lock value is in the past.
// Malformed values are considered expired.
func expired(val string, now time.Time) bool {
	i := strings.LastIndexByte(val, '|')
	if i < 0 {
		return true
	}
	exp, err := strconv.ParseInt(val[i+1:], 10, 64)
	if err != nil {
		return true
	}
	return now.After(time.UnixMicro(exp))
}
