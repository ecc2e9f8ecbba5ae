package job

import "github.com/redis/go-redis/v9"

// Key layout, all keys share the namespace prefix ARGV[1]:
//
//	<ns>:job-seq      job ID sequence
//	<ns>:job:<id>     hash type, itype, iid, cmd, params, status, result,
//	                  error, owner, key, created, updated, completed
//	<ns>:job-keys     hash idempotency key -> job ID
//	<ns>:completed    sorted set of terminal job IDs scored by completion time
var (
	// luaCreate stores a new job and returns its ID, or -1 if a job with the
	// same idempotency key exists. ARGV: ns, type, itype, iid, cmd, params,
	// key, now
	luaCreate = redis.NewScript(`
	   local ns = ARGV[1]
	   if ARGV[7] ~= "" and redis.call("HEXISTS", ns .. ":job-keys", ARGV[7]) == 1 then
	      return -1
	   end
	   local id = redis.call("INCR", ns .. ":job-seq")
	   redis.call("HSET", ns .. ":job:" .. id,
	      "type", ARGV[2], "itype", ARGV[3], "iid", ARGV[4], "cmd", ARGV[5],
	      "params", ARGV[6], "status", "in_progress", "key", ARGV[7],
	      "created", ARGV[8], "updated", ARGV[8])
	   if ARGV[7] ~= "" then
	      redis.call("HSET", ns .. ":job-keys", ARGV[7], id)
	   end
	   return id
	`)

	// luaSetOwner records the owner of an in-progress job.
	// ARGV: ns, id, owner, now
	luaSetOwner = redis.NewScript(`
	   local key = ARGV[1] .. ":job:" .. ARGV[2]
	   if redis.call("HGET", key, "status") ~= "in_progress" then
	      return 0
	   end
	   redis.call("HSET", key, "owner", ARGV[3], "updated", ARGV[4])
	   return 1
	`)

	// luaComplete moves an in-progress job to a terminal status.
	// ARGV: ns, id, status, result, error, now
	luaComplete = redis.NewScript(`
	   local ns = ARGV[1]
	   local key = ns .. ":job:" .. ARGV[2]
	   if redis.call("HGET", key, "status") ~= "in_progress" then
	      return 0
	   end
	   redis.call("HSET", key, "status", ARGV[3], "result", ARGV[4], "error", ARGV[5], "updated", ARGV[6], "completed", ARGV[6])
	   redis.call("ZADD", ns .. ":completed", ARGV[6], ARGV[2])
	   return 1
	`)

	// luaCancel cancels an in-progress job that has no owner yet.
	// ARGV: ns, id, error, now
	luaCancel = redis.NewScript(`
	   local ns = ARGV[1]
	   local key = ns .. ":job:" .. ARGV[2]
	   local f = redis.call("HMGET", key, "status", "owner")
	   if f[1] ~= "in_progress" or (f[2] and f[2] ~= "") then
	      return 0
	   end
	   redis.call("HSET", key, "status", "cancelled", "error", ARGV[3], "updated", ARGV[4], "completed", ARGV[4])
	   redis.call("ZADD", ns .. ":completed", ARGV[4], ARGV[2])
	   return 1
	`)

	// luaPurgeCompleted deletes up to ARGV[3] jobs completed before ARGV[2].
	// ARGV: ns, before, batch
	luaPurgeCompleted = redis.NewScript(`
	   local ns = ARGV[1]
	   local ids = redis.call("ZRANGEBYSCORE", ns .. ":completed", "-inf", "(" .. ARGV[2], "LIMIT", 0, ARGV[3])
	   for _, id in ipairs(ids) do
	      local jkey = ns .. ":job:" .. id
	      local k = redis.call("HGET", jkey, "key")
	      if k and k ~= "" then
	         redis.call("HDEL", ns .. ":job-keys", k)
	      end
	      redis.call("DEL", jkey)
	      redis.call("ZREM", ns .. ":completed", id)
	   end
	   return #ids
	`)
)
