package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisStore is a Store backed by Redis. Every mutation runs as a Lua
	// script so that claims are atomic across processes.
	RedisStore struct {
		ns  string
		rdb *redis.Client
	}
)

// itemFields lists the item hash fields in the order used by the scripts.
var itemFields = []string{"queue", "ctype", "cid", "prio", "enq", "owner", "ctime"}

// NewRedisStore returns a queue store that keeps its data in Redis under the
// configured namespace.
func NewRedisStore(rdb *redis.Client, opts ...StoreOption) *RedisStore {
	o := parseStoreOptions(opts...)
	return &RedisStore{ns: o.namespace, rdb: rdb}
}

// Enqueue implements Store.
func (s *RedisStore) Enqueue(ctx context.Context, queueType string, resourceID int64, contentType string, contentID int64, priority int, now time.Time) (*Item, error) {
	res, err := luaEnqueue.Run(ctx, s.rdb, nil, s.ns, queueType, resourceID, contentType, contentID, priority, now.UnixMicro()).Slice()
	if err != nil {
		return nil, fmt.Errorf("jobq queue: failed to enqueue into %s:%d: %w", queueType, resourceID, err)
	}
	return parseItem(res)
}

// ClaimHead implements Store.
func (s *RedisStore) ClaimHead(ctx context.Context, queueID int64, owner string, now time.Time) (*Item, error) {
	res, err := luaClaimHead.Run(ctx, s.rdb, nil, s.ns, queueID, owner, now.UnixMicro()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobq queue: failed to claim head of queue %d: %w", queueID, err)
	}
	return parseItem(res)
}

// ReadyHeads implements Store.
func (s *RedisStore) ReadyHeads(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	res, err := luaReadyHeads.Run(ctx, s.rdb, nil, s.ns, limit).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("jobq queue: failed to list ready queues: %w", err)
	}
	items := make([]*Item, 0, len(res))
	for _, r := range res {
		fields, ok := r.([]any)
		if !ok {
			return nil, fmt.Errorf("jobq queue: unexpected ready head %v", r)
		}
		item, err := parseItem(fields)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Purge implements Store.
func (s *RedisStore) Purge(ctx context.Context, itemID int64, now time.Time) error {
	if err := luaPurge.Run(ctx, s.rdb, nil, s.ns, itemID, now.UnixMicro()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("jobq queue: failed to purge item %d: %w", itemID, err)
	}
	return nil
}

// Reclaim implements Store.
func (s *RedisStore) Reclaim(ctx context.Context, itemID int64, expectedOwner, newOwner string, now time.Time) (bool, error) {
	n, err := luaReclaim.Run(ctx, s.rdb, nil, s.ns, itemID, expectedOwner, newOwner, now.UnixMicro()).Int()
	if err != nil {
		return false, fmt.Errorf("jobq queue: failed to reclaim item %d: %w", itemID, err)
	}
	return n == 1, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, itemID int64, owner string, now time.Time) (bool, error) {
	n, err := luaRelease.Run(ctx, s.rdb, nil, s.ns, itemID, owner, now.UnixMicro()).Int()
	if err != nil {
		return false, fmt.Errorf("jobq queue: failed to release item %d: %w", itemID, err)
	}
	return n == 1, nil
}

// ClaimedItems implements Store.
func (s *RedisStore) ClaimedItems(ctx context.Context) ([]*Item, error) {
	ids, err := s.rdb.ZRange(ctx, s.key("claimed"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("jobq queue: failed to list claimed items: %w", err)
	}
	return s.loadItems(ctx, ids)
}

// Queue implements Store.
func (s *RedisStore) Queue(ctx context.Context, queueID int64) (*Queue, error) {
	h, err := s.rdb.HGetAll(ctx, s.key("queue", strconv.FormatInt(queueID, 10))).Result()
	if err != nil {
		return nil, fmt.Errorf("jobq queue: failed to read queue %d: %w", queueID, err)
	}
	if len(h) == 0 {
		return nil, ErrQueueNotFound
	}
	return parseQueue(queueID, h), nil
}

// Queues implements Store.
func (s *RedisStore) Queues(ctx context.Context) ([]*Queue, error) {
	ids, err := s.rdb.HVals(ctx, s.key("queues")).Result()
	if err != nil {
		return nil, fmt.Errorf("jobq queue: failed to list queues: %w", err)
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.key("queue", id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("jobq queue: failed to read queues: %w", err)
		}
	}
	queues := make([]*Queue, 0, len(ids))
	for i, id := range ids {
		h := cmds[i].Val()
		if len(h) == 0 {
			continue
		}
		qid, _ := strconv.ParseInt(id, 10, 64)
		queues = append(queues, parseQueue(qid, h))
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].ID < queues[j].ID })
	return queues, nil
}

// QueueItems implements Store.
func (s *RedisStore) QueueItems(ctx context.Context, queueID int64) ([]*Item, error) {
	ids, err := s.rdb.ZRange(ctx, s.key("queue", strconv.FormatInt(queueID, 10), "items"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("jobq queue: failed to list items of queue %d: %w", queueID, err)
	}
	return s.loadItems(ctx, ids)
}

// loadItems reads the items with the given IDs, items purged concurrently are
// skipped.
func (s *RedisStore) loadItems(ctx context.Context, ids []string) ([]*Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.key("item", id), itemFields...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("jobq queue: failed to read items: %w", err)
	}
	items := make([]*Item, 0, len(ids))
	for i, id := range ids {
		vals := cmds[i].Val()
		if len(vals) == 0 || vals[0] == nil {
			continue
		}
		item, err := parseItem(append([]any{id}, vals...))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// key returns the namespaced key made of the given parts.
func (s *RedisStore) key(parts ...string) string {
	k := s.ns
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// parseItem builds an item from the flat representation returned by the
// scripts.
func parseItem(vals []any) (*Item, error) {
	if len(vals) < 6 {
		return nil, fmt.Errorf("jobq queue: malformed item %v", vals)
	}
	get := func(i int) string {
		if i >= len(vals) {
			return ""
		}
		switch v := vals[i].(type) {
		case string:
			return v
		case int64:
			return strconv.FormatInt(v, 10)
		default:
			return ""
		}
	}
	id, err := strconv.ParseInt(get(0), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("jobq queue: malformed item ID %q: %w", get(0), err)
	}
	qid, _ := strconv.ParseInt(get(1), 10, 64)
	cid, _ := strconv.ParseInt(get(3), 10, 64)
	prio, _ := strconv.Atoi(get(4))
	return &Item{
		ID:          id,
		QueueID:     qid,
		ContentType: get(2),
		ContentID:   cid,
		Priority:    prio,
		EnqueuedAt:  parseMicros(get(5)),
		ClaimOwner:  get(6),
		ClaimedAt:   parseMicros(get(7)),
	}, nil
}

func parseQueue(id int64, h map[string]string) *Queue {
	rid, _ := strconv.ParseInt(h["resource"], 10, 64)
	return &Queue{
		ID:          id,
		Type:        h["type"],
		ResourceID:  rid,
		CreatedAt:   parseMicros(h["created"]),
		LastUpdated: parseMicros(h["updated"]),
	}
}

// parseMicros returns the time for the given unix microseconds, the zero time
// if s is empty or invalid.
func parseMicros(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMicro(n)
}
