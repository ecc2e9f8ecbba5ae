package queue

import "github.com/redis/go-redis/v9"

// Key layout, all keys share the namespace prefix ARGV[1]:
//
//	<ns>:queues                hash "type:resource" -> queue ID
//	<ns>:queue-seq             queue ID sequence
//	<ns>:item-seq              item ID sequence
//	<ns>:queue:<qid>           hash type, resource, created, updated
//	<ns>:queue:<qid>:items     sorted set of item IDs scored by item ID
//	<ns>:item:<iid>            hash queue, ctype, cid, prio, enq, owner, ctime
//	<ns>:ready                 sorted set of queue IDs whose head is unclaimed,
//	                           scored by the head enqueue time
//	<ns>:claimed               sorted set of claimed item IDs scored by claim time
//
// Keys are computed inside the scripts so the store requires a single Redis
// node (or a proxy that does not enforce key slots).
//
// Items are returned as flat arrays: id, queue, ctype, cid, prio, enq, owner,
// ctime. Timestamps are unix microseconds provided by the caller.
var (
	// luaEnqueue creates the queue if needed and appends an item.
	// ARGV: ns, type, resource, ctype, cid, prio, now
	luaEnqueue = redis.NewScript(`
	   local ns = ARGV[1]
	   local qkey = ARGV[2] .. ":" .. ARGV[3]
	   local qid = redis.call("HGET", ns .. ":queues", qkey)
	   if not qid then
	      qid = tostring(redis.call("INCR", ns .. ":queue-seq"))
	      redis.call("HSET", ns .. ":queues", qkey, qid)
	      redis.call("HSET", ns .. ":queue:" .. qid, "type", ARGV[2], "resource", ARGV[3], "created", ARGV[7], "updated", ARGV[7])
	   else
	      redis.call("HSET", ns .. ":queue:" .. qid, "updated", ARGV[7])
	   end
	   local iid = redis.call("INCR", ns .. ":item-seq")
	   redis.call("HSET", ns .. ":item:" .. iid, "queue", qid, "ctype", ARGV[4], "cid", ARGV[5], "prio", ARGV[6], "enq", ARGV[7])
	   local items = ns .. ":queue:" .. qid .. ":items"
	   redis.call("ZADD", items, iid, iid)
	   local head = redis.call("ZRANGE", items, 0, 0)[1]
	   if tonumber(head) == iid then
	      redis.call("ZADD", ns .. ":ready", ARGV[7], qid)
	   end
	   return {tostring(iid), qid, ARGV[4], ARGV[5], ARGV[6], ARGV[7]}
	`)

	// luaClaimHead claims the head of a queue iff it is unclaimed.
	// ARGV: ns, qid, owner, now
	luaClaimHead = redis.NewScript(`
	   local ns = ARGV[1]
	   local qid = ARGV[2]
	   local head = redis.call("ZRANGE", ns .. ":queue:" .. qid .. ":items", 0, 0)[1]
	   if not head then
	      redis.call("ZREM", ns .. ":ready", qid)
	      return false
	   end
	   local ikey = ns .. ":item:" .. head
	   if redis.call("HEXISTS", ikey, "owner") == 1 then
	      return false
	   end
	   redis.call("HSET", ikey, "owner", ARGV[3], "ctime", ARGV[4])
	   redis.call("ZADD", ns .. ":claimed", ARGV[4], head)
	   redis.call("ZREM", ns .. ":ready", qid)
	   redis.call("HSET", ns .. ":queue:" .. qid, "updated", ARGV[4])
	   local f = redis.call("HMGET", ikey, "queue", "ctype", "cid", "prio", "enq", "owner", "ctime")
	   table.insert(f, 1, head)
	   return f
	`)

	// luaReadyHeads returns the unclaimed heads of the oldest ready queues.
	// ARGV: ns, limit
	luaReadyHeads = redis.NewScript(`
	   local ns = ARGV[1]
	   local res = {}
	   local qids = redis.call("ZRANGE", ns .. ":ready", 0, tonumber(ARGV[2]) - 1)
	   for _, qid in ipairs(qids) do
	      local head = redis.call("ZRANGE", ns .. ":queue:" .. qid .. ":items", 0, 0)[1]
	      if head then
	         local f = redis.call("HMGET", ns .. ":item:" .. head, "queue", "ctype", "cid", "prio", "enq", "owner", "ctime")
	         if not f[6] then
	            table.insert(f, 1, head)
	            table.insert(res, f)
	         end
	      end
	   end
	   return res
	`)

	// luaPurge removes an item and recomputes the ready status of its queue.
	// ARGV: ns, iid, now
	luaPurge = redis.NewScript(`
	   local ns = ARGV[1]
	   local ikey = ns .. ":item:" .. ARGV[2]
	   local qid = redis.call("HGET", ikey, "queue")
	   if not qid then
	      return 0
	   end
	   redis.call("DEL", ikey)
	   redis.call("ZREM", ns .. ":claimed", ARGV[2])
	   local items = ns .. ":queue:" .. qid .. ":items"
	   redis.call("ZREM", items, ARGV[2])
	   redis.call("HSET", ns .. ":queue:" .. qid, "updated", ARGV[3])
	   local head = redis.call("ZRANGE", items, 0, 0)[1]
	   if not head then
	      redis.call("ZREM", ns .. ":ready", qid)
	      return 1
	   end
	   local hkey = ns .. ":item:" .. head
	   if redis.call("HEXISTS", hkey, "owner") == 0 then
	      redis.call("ZADD", ns .. ":ready", redis.call("HGET", hkey, "enq"), qid)
	   end
	   return 1
	`)

	// luaReclaim transfers a claim iff the current owner matches.
	// ARGV: ns, iid, expected owner, new owner, now
	luaReclaim = redis.NewScript(`
	   local ns = ARGV[1]
	   local ikey = ns .. ":item:" .. ARGV[2]
	   local cur = redis.call("HGET", ikey, "owner")
	   if (not cur) or cur ~= ARGV[3] then
	      return 0
	   end
	   redis.call("HSET", ikey, "owner", ARGV[4], "ctime", ARGV[5])
	   redis.call("ZADD", ns .. ":claimed", ARGV[5], ARGV[2])
	   return 1
	`)

	// luaRelease clears a claim iff the owner matches and marks the queue
	// ready again when the item is its head.
	// ARGV: ns, iid, owner, now
	luaRelease = redis.NewScript(`
	   local ns = ARGV[1]
	   local ikey = ns .. ":item:" .. ARGV[2]
	   if redis.call("HGET", ikey, "owner") ~= ARGV[3] then
	      return 0
	   end
	   redis.call("HDEL", ikey, "owner", "ctime")
	   redis.call("ZREM", ns .. ":claimed", ARGV[2])
	   local qid = redis.call("HGET", ikey, "queue")
	   redis.call("HSET", ns .. ":queue:" .. qid, "updated", ARGV[4])
	   local head = redis.call("ZRANGE", ns .. ":queue:" .. qid .. ":items", 0, 0)[1]
	   if head == ARGV[2] then
	      redis.call("ZADD", ns .. ":ready", redis.call("HGET", ikey, "enq"), qid)
	   end
	   return 1
	`)
)
