package job

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisStore is a Store backed by Redis hashes. Status transitions run
	// as Lua scripts.
	RedisStore struct {
		ns        string
		purgeSize int
		rdb       *redis.Client
	}

	// StoreOption is a Redis store creation option.
	StoreOption func(*storeOptions)

	storeOptions struct {
		namespace string
		purgeSize int
	}
)

// WithNamespace sets the prefix of all the Redis keys used by the store. The
// default is "jobq".
func WithNamespace(ns string) StoreOption {
	return func(o *storeOptions) {
		o.namespace = ns
	}
}

// WithPurgeBatchSize sets the maximum number of jobs deleted by a single
// script invocation in PurgeCompletedBefore. The default is 500.
func WithPurgeBatchSize(n int) StoreOption {
	return func(o *storeOptions) {
		if n > 0 {
			o.purgeSize = n
		}
	}
}

// NewRedisStore returns a job store that keeps its data in Redis.
func NewRedisStore(rdb *redis.Client, opts ...StoreOption) *RedisStore {
	o := &storeOptions{namespace: "jobq", purgeSize: 500}
	for _, opt := range opts {
		opt(o)
	}
	return &RedisStore{ns: o.namespace, purgeSize: o.purgeSize, rdb: rdb}
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, j *Job, now time.Time) (int64, error) {
	id, err := luaCreate.Run(ctx, s.rdb, nil, s.ns, j.Type, j.InstanceType, j.InstanceID, j.Command,
		string(j.Params), j.IdempotencyKey, now.UnixMicro()).Int64()
	if err != nil {
		return 0, fmt.Errorf("jobq job: failed to create %s job: %w", j.Command, err)
	}
	if id < 0 {
		return 0, fmt.Errorf("jobq job: key %q: %w", j.IdempotencyKey, ErrDuplicateKey)
	}
	return id, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id int64) (*Job, error) {
	h, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobq job: failed to read job %d: %w", id, err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return parseJob(id, h), nil
}

// FindByKey implements Store.
func (s *RedisStore) FindByKey(ctx context.Context, key string) (*Job, error) {
	v, err := s.rdb.HGet(ctx, s.ns+":job-keys", key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobq job: failed to look up key %q: %w", key, err)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("jobq job: invalid job ID %q for key %q", v, key)
	}
	return s.Get(ctx, id)
}

// SetOwner implements Store.
func (s *RedisStore) SetOwner(ctx context.Context, id int64, node string, now time.Time) (bool, error) {
	n, err := luaSetOwner.Run(ctx, s.rdb, nil, s.ns, id, node, now.UnixMicro()).Int()
	if err != nil {
		return false, fmt.Errorf("jobq job: failed to set owner of job %d: %w", id, err)
	}
	return n == 1, nil
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, id int64, status Status, result []byte, detail string, now time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("jobq job: %q is not a terminal status", status)
	}
	n, err := luaComplete.Run(ctx, s.rdb, nil, s.ns, id, string(status), string(result), detail, now.UnixMicro()).Int()
	if err != nil {
		return false, fmt.Errorf("jobq job: failed to complete job %d: %w", id, err)
	}
	return n == 1, nil
}

// Cancel implements Store.
func (s *RedisStore) Cancel(ctx context.Context, id int64, detail string, now time.Time) (bool, error) {
	n, err := luaCancel.Run(ctx, s.rdb, nil, s.ns, id, detail, now.UnixMicro()).Int()
	if err != nil {
		return false, fmt.Errorf("jobq job: failed to cancel job %d: %w", id, err)
	}
	return n == 1, nil
}

// PurgeCompletedBefore implements Store.
func (s *RedisStore) PurgeCompletedBefore(ctx context.Context, before time.Time) (int, error) {
	var total int
	for {
		n, err := luaPurgeCompleted.Run(ctx, s.rdb, nil, s.ns, before.UnixMicro(), s.purgeSize).Int()
		if err != nil {
			return total, fmt.Errorf("jobq job: failed to purge completed jobs: %w", err)
		}
		total += n
		if n < s.purgeSize {
			return total, nil
		}
	}
}

func (s *RedisStore) jobKey(id int64) string {
	return s.ns + ":job:" + strconv.FormatInt(id, 10)
}

func parseJob(id int64, h map[string]string) *Job {
	iid, _ := strconv.ParseInt(h["iid"], 10, 64)
	j := &Job{
		ID:             id,
		Type:           h["type"],
		InstanceType:   h["itype"],
		InstanceID:     iid,
		Command:        h["cmd"],
		Status:         Status(h["status"]),
		Error:          h["error"],
		OwnerNode:      h["owner"],
		IdempotencyKey: h["key"],
		CreatedAt:      parseMicros(h["created"]),
		UpdatedAt:      parseMicros(h["updated"]),
		CompletedAt:    parseMicros(h["completed"]),
	}
	if p := h["params"]; p != "" {
		j.Params = []byte(p)
	}
	if r := h["result"]; r != "" {
		j.Result = []byte(r)
	}
	return j
}

func parseMicros(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMicro(n)
}
