package rmap

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Scripts run atomically within Redis. Each script that mutates the hash also
// publishes the change on the map channel so that all joined nodes update
// their local copy in the same order. The notification payload is
// "key=value", "key=" for a deletion and "*=" for a reset.
var (
	// luaSet sets a key and returns its previous value.
	luaSet = redis.NewScript(`
	   local v = redis.call("HGET", KEYS[1], ARGV[1])
	   redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	   redis.call("PUBLISH", KEYS[2], ARGV[1] .. "=" .. ARGV[2])
	   return v
	`)

	// luaSetIfNotExists sets a key only if it does not exist yet. It returns 1
	// if the value was set and 0 otherwise.
	luaSetIfNotExists = redis.NewScript(`
	   local v = redis.call("HGET", KEYS[1], ARGV[1])
	   if v then
	      return 0
	   end
	   redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	   redis.call("PUBLISH", KEYS[2], ARGV[1] .. "=" .. ARGV[2])
	   return 1
	`)

	// luaTestAndSet sets a key if its current value matches ARGV[2] and
	// returns the previous value. An empty test value matches a missing key.
	luaTestAndSet = redis.NewScript(`
	   local v = redis.call("HGET", KEYS[1], ARGV[1])
	   local cur = v or ""
	   if cur == ARGV[2] then
	      redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
	      redis.call("PUBLISH", KEYS[2], ARGV[1] .. "=" .. ARGV[3])
	   end
	   return v
	`)

	// luaDelete deletes a key and returns its previous value.
	luaDelete = redis.NewScript(`
	   local v = redis.call("HGET", KEYS[1], ARGV[1])
	   if v then
	      redis.call("HDEL", KEYS[1], ARGV[1])
	      redis.call("PUBLISH", KEYS[2], ARGV[1] .. "=")
	   end
	   return v
	`)

	// luaTestAndDel deletes a key if its current value matches ARGV[2] and
	// returns the previous value.
	luaTestAndDel = redis.NewScript(`
	   local v = redis.call("HGET", KEYS[1], ARGV[1])
	   if v == ARGV[2] then
	      redis.call("HDEL", KEYS[1], ARGV[1])
	      redis.call("PUBLISH", KEYS[2], ARGV[1] .. "=")
	   end
	   return v
	`)

	// luaReset deletes the whole map.
	luaReset = redis.NewScript(`
	   redis.call("DEL", KEYS[1])
	   redis.call("PUBLISH", KEYS[2], "*=")
	   return 1
	`)
)

// loadScripts loads the scripts in the Redis script cache so that they run
// with EVALSHA.
func loadScripts(ctx context.Context, rdb *redis.Client) error {
	for _, s := range []*redis.Script{luaSet, luaSetIfNotExists, luaTestAndSet, luaDelete, luaTestAndDel, luaReset} {
		if err := s.Load(ctx, rdb).Err(); err != nil {
			return err
		}
	}
	return nil
}
