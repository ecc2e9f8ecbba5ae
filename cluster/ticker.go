package cluster

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"goa.design/jobq/jobq"
	"goa.design/jobq/rmap"
)

type (
	// Ticker delivers ticks to exactly one of the nodes that created a
	// ticker with the same name. Tickers created with Local deliver every
	// tick to the single process.
	Ticker struct {
		// C is the channel on which the ticks are delivered.
		C <-chan time.Time

		name  string
		local *time.Ticker

		out    chan time.Time
		shared *rmap.Map
		logger jobq.Logger
		timer  *time.Timer

		mu      sync.Mutex
		current string                // encoded schedule last seen in the shared map
		events  <-chan rmap.EventKind // nil once stopped
		done    chan struct{}         // closed when the event loop exits
	}

	// schedule is the shared state of a ticker: the time of the next tick
	// and the period.
	schedule struct {
		at    time.Time
		every time.Duration
	}
)

// NewTicker returns a ticker that behaves like time.Ticker except that each
// tick is delivered to a single node among those that created a ticker with
// the same name. A node wins a tick by moving the shared schedule forward
// before the others do.
func (node *Node) NewTicker(ctx context.Context, name string, d time.Duration) (*Ticker, error) {
	if d <= 0 {
		return nil, fmt.Errorf("jobq cluster: non-positive interval for ticker %q", name)
	}
	node.lock.Lock()
	closed := node.closed
	node.lock.Unlock()
	if closed {
		return nil, fmt.Errorf("jobq cluster: cannot create ticker %q, node left", name)
	}
	name = node.Name + ":" + name
	out := make(chan time.Time, 1)
	t := &Ticker{
		C:      out,
		name:   name,
		out:    out,
		shared: node.tickerMap,
		logger: node.logger.WithPrefix("ticker", name),
	}
	events := t.shared.Subscribe()
	if events == nil {
		return nil, fmt.Errorf("jobq cluster: cannot create ticker %q, node left", name)
	}
	s := schedule{at: time.Now().Add(d), every: d}.String()
	prev, err := t.shared.TestAndSet(ctx, name, "", s)
	if err != nil {
		t.shared.Unsubscribe(events)
		return nil, fmt.Errorf("jobq cluster: failed to store ticker schedule: %w", err)
	}
	if prev != "" {
		s = prev // joined an existing ticker
	}
	t.current = s
	t.timer = time.NewTimer(t.untilNext())
	t.start(events)
	return t, nil
}

// Reset changes the ticker period to d and restarts it if it was stopped.
// The next tick arrives after d elapses. Reset panics if d is not positive.
func (t *Ticker) Reset(d time.Duration) {
	if t.local != nil {
		t.local.Reset(d)
		return
	}
	if d <= 0 {
		panic("jobq cluster: non-positive interval for ticker reset")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := schedule{at: time.Now().Add(d), every: d}.String()
	if _, err := t.shared.Set(context.Background(), t.name, s); err != nil {
		t.logger.Error(fmt.Errorf("failed to reset ticker: %w", err))
		return
	}
	t.current = s
	t.timer.Reset(t.untilNext())
	if t.events == nil {
		if events := t.shared.Subscribe(); events != nil {
			t.start(events)
		}
	}
}

// Stop turns off the ticker on this node only, other nodes keep receiving
// ticks. Stop does not close C.
func (t *Ticker) Stop() {
	if t.local != nil {
		t.local.Stop()
		return
	}
	t.mu.Lock()
	t.timer.Stop()
	done := t.done
	if t.events != nil {
		t.shared.Unsubscribe(t.events)
		t.events = nil
	}
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

// start launches the event loop. t.mu must be held or t not yet shared.
func (t *Ticker) start(events <-chan rmap.EventKind) {
	t.events = events
	done := make(chan struct{})
	t.done = done
	jobq.Go(t.logger, func() {
		defer close(done)
		for {
			select {
			case _, ok := <-events:
				if !ok {
					t.logger.Debug("stopped")
					return
				}
				t.sync()
			case <-t.timer.C:
				t.fire()
			}
		}
	})
}

// sync rearms the timer when another node changed the shared schedule.
func (t *Ticker) sync() {
	s, ok := t.shared.Get(t.name)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s == t.current {
		return
	}
	t.current = s
	t.timer.Reset(t.untilNext())
}

// fire attempts to claim the tick that just elapsed and delivers it if this
// node moved the shared schedule first.
func (t *Ticker) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.events == nil {
		return
	}
	cur, err := parseSchedule(t.current)
	if err != nil {
		t.logger.Error(err)
		return
	}
	next := cur.advance(time.Now()).String()
	ctx := context.Background()
	prev, err := t.shared.TestAndSet(ctx, t.name, t.current, next)
	switch {
	case err != nil:
		t.logger.Error(fmt.Errorf("failed to advance ticker: %w", err))
		t.timer.Reset(t.untilNext())
		return
	case prev == "":
		// Entry removed (e.g. map reset), put it back.
		if _, err := t.shared.TestAndSet(ctx, t.name, "", next); err != nil {
			t.logger.Error(fmt.Errorf("failed to recreate ticker: %w", err))
		}
		t.current = next
		t.timer.Reset(t.untilNext())
		return
	case prev != t.current:
		// Lost the race.
		t.current = prev
		t.timer.Reset(t.untilNext())
		return
	}
	t.current = next
	t.timer.Reset(t.untilNext())
	select {
	case t.out <- time.Now():
	default:
	}
}

// untilNext returns the time left until the current schedule fires.
func (t *Ticker) untilNext() time.Duration {
	s, err := parseSchedule(t.current)
	if err != nil {
		t.logger.Error(err)
		return time.Second
	}
	d := time.Until(s.at)
	if d < 0 {
		return 0
	}
	return d
}

// advance returns the first schedule strictly after now.
func (s schedule) advance(now time.Time) schedule {
	at := s.at.Add(s.every)
	for !at.After(now) {
		at = at.Add(s.every)
	}
	return schedule{at: at, every: s.every}
}

// String encodes the schedule as "<unix micros>|<period>".
func (s schedule) String() string {
	return strconv.FormatInt(s.at.UnixMicro(), 10) + "|" + s.every.String()
}

func parseSchedule(v string) (schedule, error) {
	at, every, ok := strings.Cut(v, "|")
	if !ok {
		return schedule{}, fmt.Errorf("jobq cluster: invalid ticker schedule %q", v)
	}
	micros, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return schedule{}, fmt.Errorf("jobq cluster: invalid ticker time %q: %w", at, err)
	}
	d, err := time.ParseDuration(every)
	if err != nil || d <= 0 {
		return schedule{}, fmt.Errorf("jobq cluster: invalid ticker period %q", every)
	}
	return schedule{at: time.UnixMicro(micros), every: d}, nil
}
