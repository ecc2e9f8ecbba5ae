package testing

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewRedisClient returns a client connected to the Redis server at REDIS_ADDR
// (authenticated with REDIS_PASSWORD if set). When REDIS_ADDR is not set the
// client connects to an in-process miniredis server that is stopped when the
// test completes.
func NewRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// CleanupRedis deletes all the keys that start with the given prefix.
func CleanupRedis(t *testing.T, rdb *redis.Client, prefix string) {
	t.Helper()
	ctx := context.Background()
	keys, err := rdb.Keys(ctx, prefix+"*").Result()
	if err != nil && strings.Contains(err.Error(), "closed") {
		return
	}
	require.NoError(t, err)
	if len(keys) == 0 {
		return
	}
	assert.NoError(t, rdb.Del(ctx, keys...).Err())
}

// Name returns a Redis friendly name for the current test.
func Name(t *testing.T) string {
	t.Helper()
	return strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
}
