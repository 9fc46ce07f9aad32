package redis

import goredis "github.com/redis/go-redis/v9"

// addScript stores the envelope once per id and schedules it.
// KEYS: jobs, wait, delayed. ARGV: id, envelope, runAtMs (0 for now).
var addScript = goredis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
else
  redis.call('LPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// claimScript promotes due delayed jobs, requeues expired leases at the
// head of the wait list, then moves the oldest waiting job to active.
// KEYS: wait, active, leases, jobs, attempts, delayed. ARGV: nowMs, leaseMs.
var claimScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[6], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[6], id)
  redis.call('LPUSH', KEYS[1], id)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('LREM', KEYS[2], 1, id)
  redis.call('RPUSH', KEYS[1], id)
end
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
redis.call('LPUSH', KEYS[2], id)
redis.call('ZADD', KEYS[3], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
local attempt = redis.call('HINCRBY', KEYS[5], id, 1)
local raw = redis.call('HGET', KEYS[4], id)
return {id, raw or '', attempt}
`)

// ackScript forgets a finished job.
// KEYS: active, leases, jobs, attempts. ARGV: id.
var ackScript = goredis.NewScript(`
redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

// retryScript schedules another attempt.
// KEYS: active, leases, delayed. ARGV: id, runAtMs.
var retryScript = goredis.NewScript(`
redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// releaseScript hands an interrupted job back without spending an attempt.
// KEYS: active, leases, wait, attempts. ARGV: id.
var releaseScript = goredis.NewScript(`
redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[1])
redis.call('HINCRBY', KEYS[4], ARGV[1], -1)
return 1
`)

// deadScript moves an exhausted job to the dead-letter list.
// KEYS: active, leases, jobs, attempts, dead. ARGV: id, record.
var deadScript = goredis.NewScript(`
redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('LPUSH', KEYS[5], ARGV[2])
return 1
`)
