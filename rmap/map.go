package rmap

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/jobq/jobq"
)

type (
	// Map is a Redis hash mirrored in the memory of every process that joins
	// it. Writes go to Redis through Lua scripts that also publish the
	// change, each process applies the published changes to its local copy
	// in order. Conditional writes (SetIfNotExists, TestAndSet,
	// TestAndDelete) are therefore atomic across processes while reads are
	// local and eventually consistent.
	Map struct {
		// Name is the name of the map.
		Name string

		rdb     *redis.Client
		key     string // Redis hash holding the content
		channel string // Redis channel carrying the updates
		logger  jobq.Logger

		mu      sync.Mutex
		content map[string]string
		subs    []chan EventKind
		state   mapState
		pubsub  *redis.PubSub
		updates <-chan *redis.Message
		applied chan struct{} // signaled after each applied update
		stop    chan struct{}
		stopped chan struct{}
	}

	// EventKind is the type of map event.
	EventKind int

	mapState int
)

const (
	// EventChange is the event emitted when a key is added, changed or deleted.
	EventChange EventKind = iota + 1
	// EventReset is the event emitted when the map is reset.
	EventReset
)

const (
	stateOpen mapState = iota
	stateClosing
	stateClosed
)

// maxReconnectDelay caps the delay between two subscription attempts.
const maxReconnectDelay = 5 * time.Second

// ErrClosed is returned by write methods called after Close.
var ErrClosed = errors.New("jobq map: closed")

// Join loads the content of the map with the given name and subscribes to its
// updates. Call Close to release the subscription, the map then keeps its last
// content and rejects writes.
func Join(ctx context.Context, name string, rdb *redis.Client, opts ...MapOption) (*Map, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("jobq map: not a valid map name %q", name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := parseOptions(opts...)
	m := &Map{
		Name:    name,
		rdb:     rdb,
		key:     "map:" + name + ":content",
		channel: "map:" + name + ":updates",
		logger:  o.Logger.WithPrefix("map", name),
		applied: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if err := loadScripts(ctx, rdb); err != nil {
		return nil, fmt.Errorf("jobq map: %s failed to load Lua scripts: %w", name, err)
	}
	if err := m.subscribe(ctx); err != nil {
		return nil, fmt.Errorf("jobq map: %s failed to join: %w", name, err)
	}
	// Updates published between SUBSCRIBE and HGETALL get applied twice,
	// which is idempotent.
	content, err := rdb.HGetAll(ctx, m.key).Result()
	if err != nil {
		_ = m.pubsub.Close()
		return nil, fmt.Errorf("jobq map: %s failed to read content: %w", name, err)
	}
	m.content = content
	jobq.Go(m.logger, m.listen)
	m.logger.Debug("joined", "keys", len(content))
	return m, nil
}

// Map returns a copy of the local content.
func (m *Map) Map() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.content)
}

// Keys returns the local keys in no particular order.
func (m *Map) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Collect(maps.Keys(m.content))
}

// Len returns the number of local keys.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.content)
}

// Get returns the local value of key.
func (m *Map) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.content[key]
	return v, ok
}

// Fetch reads the value of key from Redis rather than from the local copy.
func (m *Map) Fetch(ctx context.Context, key string) (string, bool, error) {
	v, err := m.rdb.HGet(ctx, m.key, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("jobq map: %s failed to fetch %q: %w", m.Name, key, err)
	}
	return v, true, nil
}

// Subscribe returns a channel notified after the local copy changes. A
// notification may cover several changes and carries no data, read the map to
// get the new content. The channel is closed by Unsubscribe or Close.
// Subscribe returns nil once the map is closing.
func (m *Map) Subscribe() <-chan EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateOpen {
		return nil
	}
	c := make(chan EventKind, 1)
	m.subs = append(m.subs, c)
	return c
}

// Unsubscribe closes c and stops notifying it.
func (m *Map) Unsubscribe(c <-chan EventKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateOpen {
		return
	}
	m.subs = slices.DeleteFunc(m.subs, func(s chan EventKind) bool {
		if (<-chan EventKind)(s) != c {
			return false
		}
		close(s)
		return true
	})
}

// Set writes value under key and returns the previous value. Empty values are
// not allowed, use Delete.
func (m *Map) Set(ctx context.Context, key, value string) (string, error) {
	if err := m.checkValue(key, value); err != nil {
		return "", err
	}
	res, err := m.eval(ctx, "set", luaSet, key, value)
	return asString(res), err
}

// SetAndWait calls Set and returns once the local copy reflects the write.
func (m *Map) SetAndWait(ctx context.Context, key, value string) (string, error) {
	prev, err := m.Set(ctx, key, value)
	if err != nil {
		return "", err
	}
	for {
		if v, ok := m.Get(key); ok && v == value {
			return prev, nil
		}
		select {
		case _, ok := <-m.applied:
			if !ok {
				return "", ErrClosed
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// SetIfNotExists writes value under key unless key already exists. It returns
// true if the value was written.
func (m *Map) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	if err := m.checkValue(key, value); err != nil {
		return false, err
	}
	res, err := m.eval(ctx, "setIfNotExists", luaSetIfNotExists, key, value)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// TestAndSet writes value under key if the current value equals test, an
// empty test matching a missing key. It returns the value read before the
// write: the write happened if and only if that value equals test.
func (m *Map) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	if err := m.checkValue(key, value); err != nil {
		return "", err
	}
	res, err := m.eval(ctx, "testAndSet", luaTestAndSet, key, test, value)
	return asString(res), err
}

// Delete removes key and returns its previous value.
func (m *Map) Delete(ctx context.Context, key string) (string, error) {
	res, err := m.eval(ctx, "delete", luaDelete, key)
	return asString(res), err
}

// TestAndDelete removes key if its current value equals test. It returns the
// value read before the deletion.
func (m *Map) TestAndDelete(ctx context.Context, key, test string) (string, error) {
	res, err := m.eval(ctx, "testAndDelete", luaTestAndDel, key, test)
	return asString(res), err
}

// Reset removes all the keys.
func (m *Map) Reset(ctx context.Context) error {
	_, err := m.eval(ctx, "reset", luaReset, "*")
	return err
}

// Close unsubscribes from the updates and closes the subscriber channels.
// Close is idempotent.
func (m *Map) Close() {
	m.mu.Lock()
	if m.state != stateOpen {
		m.mu.Unlock()
		return
	}
	m.state = stateClosing
	m.mu.Unlock()

	close(m.stop)
	<-m.stopped

	m.mu.Lock()
	defer m.mu.Unlock()
	close(m.applied)
	m.state = stateClosed
}

// subscribe subscribes to the update channel and waits for the confirmation.
func (m *Map) subscribe(ctx context.Context) error {
	ps := m.rdb.Subscribe(ctx, m.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	m.mu.Lock()
	m.pubsub = ps
	m.updates = ps.Channel()
	m.mu.Unlock()
	return nil
}

// listen applies the published updates until Close is called.
func (m *Map) listen() {
	defer close(m.stopped)
	for {
		m.mu.Lock()
		updates := m.updates
		m.mu.Unlock()
		select {
		case msg, ok := <-updates:
			if ok {
				m.apply(msg.Payload)
				continue
			}
			m.logger.Error(errors.New("subscription lost"))
			m.mu.Lock()
			_ = m.pubsub.Close()
			m.mu.Unlock()
			if !m.resubscribe() {
				m.shutdown()
				return
			}
		case <-m.stop:
			m.shutdown()
			return
		}
	}
}

// apply applies an update to the local copy and notifies the subscribers.
// Updates are "key=value", "key=" for a deletion and "*=" for a reset.
func (m *Map) apply(payload string) {
	key, val, ok := strings.Cut(payload, "=")
	if !ok {
		m.logger.Error(fmt.Errorf("malformed update %q", payload))
		return
	}
	ev := EventChange
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case key == "*":
		clear(m.content)
		ev = EventReset
	case val == "":
		delete(m.content, key)
	default:
		m.content[key] = val
	}
	notify(m.applied, struct{}{})
	for _, s := range m.subs {
		notify(s, ev)
	}
}

// resubscribe subscribes again with an exponential backoff. It returns false
// if the map was closed in the meantime.
func (m *Map) resubscribe() bool {
	delay := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		select {
		case <-m.stop:
			return false
		default:
		}
		err := m.subscribe(context.Background())
		if err == nil {
			m.logger.Info("resubscribed", "attempt", attempt)
			return true
		}
		m.logger.Error(fmt.Errorf("failed to resubscribe: %w", err), "attempt", attempt)
		select {
		case <-m.stop:
			return false
		case <-time.After(delay):
		}
		delay = min(2*delay, maxReconnectDelay)
	}
}

// shutdown closes the subscriber channels and the Redis subscription.
func (m *Map) shutdown() {
	m.mu.Lock()
	for _, s := range m.subs {
		close(s)
	}
	m.subs = nil
	ps := m.pubsub
	m.mu.Unlock()
	if err := ps.Close(); err != nil {
		m.logger.Error(fmt.Errorf("failed to close subscription: %w", err))
	}
	m.logger.Debug("closed")
}

// eval runs a mutation script with the given key and arguments.
func (m *Map) eval(ctx context.Context, op string, script *redis.Script, key string, args ...any) (any, error) {
	m.mu.Lock()
	open := m.state == stateOpen
	m.mu.Unlock()
	if !open {
		return nil, ErrClosed
	}
	if err := m.checkKey(key); err != nil {
		return nil, fmt.Errorf("%w in %s", err, op)
	}
	res, err := script.Run(ctx, m.rdb, []string{m.key, m.channel}, append([]any{key}, args...)...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("jobq map: %s %s %q failed: %w", m.Name, op, key, err)
	}
	return res, nil
}

func (m *Map) checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("jobq map: %s key cannot be empty", m.Name)
	}
	if strings.Contains(key, "=") {
		return fmt.Errorf("jobq map: %s key %q cannot contain '='", m.Name, key)
	}
	return nil
}

func (m *Map) checkValue(key, value string) error {
	if value == "" {
		return fmt.Errorf("jobq map: %s value of %q cannot be empty", m.Name, key)
	}
	return nil
}

// notify sends v on c unless c already holds a pending notification.
func notify[T any](c chan T, v T) {
	select {
	case c <- v:
	default:
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// validName matches the names usable in Redis keys.
var validName = regexp.MustCompile(`^[^ \0\*\?\[\]]{1,512}$`)
