package redis

import goredis "github.com/redis/go-redis/v9"

// Every job of a queue lives under one hash tag, so scripts may derive job
// keys from the prefix passed in ARGV and still stay in a single slot.
//
// Status codes returned by the fenced scripts.
const (
	codeOK       = 1
	codeNotOwner = -1
	codeNotFound = -2
	codeReaped   = 2
)

const ownedFn = `
local function owned(key, token)
  if redis.call('EXISTS', key) == 0 then
    return -2
  end
  local v = redis.call('HMGET', key, 'state', 'claimed_by')
  if v[1] ~= 'active' or v[2] ~= token then
    return -1
  end
  return 1
end
`

// KEYS: job, all, pending, completed, failed, seq
// ARGV: id, queue, payload, state, max_attempts, run_at, created_at, retain_for_ms
var insertScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state and state ~= 'completed' and state ~= 'failed' then
  return -1
end
if state then
  redis.call('ZREM', KEYS[4], ARGV[1])
  redis.call('ZREM', KEYS[5], ARGV[1])
  redis.call('DEL', KEYS[1])
end
local seq = redis.call('INCR', KEYS[6])
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'queue', ARGV[2], 'seq', seq, 'payload', ARGV[3], 'state', ARGV[4],
  'attempts', 0, 'max_attempts', ARGV[5], 'run_at', ARGV[6], 'created_at', ARGV[7],
  'stalled_count', 0, 'retain_for_ms', ARGV[8])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
return seq
`)

// Picks the earliest due job, breaking run_at ties by seq.
// KEYS: pending, active
// ARGV: prefix, now, token
var claimScript = goredis.NewScript(`
local first = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'WITHSCORES', 'LIMIT', 0, 1)
if #first == 0 then
  return false
end
local ties = redis.call('ZRANGEBYSCORE', KEYS[1], first[2], first[2])
local pick, best = nil, nil
for _, id in ipairs(ties) do
  local seq = tonumber(redis.call('HGET', ARGV[1] .. 'job:' .. id, 'seq'))
  if best == nil or seq < best then
    pick, best = id, seq
  end
end
local key = ARGV[1] .. 'job:' .. pick
redis.call('ZREM', KEYS[1], pick)
redis.call('ZADD', KEYS[2], ARGV[2], pick)
redis.call('HSET', key, 'state', 'active', 'claimed_by', ARGV[3], 'claimed_at', ARGV[2], 'last_heartbeat', ARGV[2])
return redis.call('HGETALL', key)
`)

// KEYS: job, active
// ARGV: token, id, now
var heartbeatScript = goredis.NewScript(ownedFn + `
local r = owned(KEYS[1], ARGV[1])
if r ~= 1 then return r end
redis.call('HSET', KEYS[1], 'last_heartbeat', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
return 1
`)

// KEYS: job
// ARGV: token, progress
var progressScript = goredis.NewScript(ownedFn + `
local r = owned(KEYS[1], ARGV[1])
if r ~= 1 then return r end
redis.call('HSET', KEYS[1], 'progress', ARGV[2])
return 1
`)

// KEYS: job, active, completed
// ARGV: token, id, now, result
var completeScript = goredis.NewScript(ownedFn + `
local r = owned(KEYS[1], ARGV[1])
if r ~= 1 then return r end
redis.call('HSET', KEYS[1], 'state', 'completed', 'result', ARGV[4], 'finished_at', ARGV[3])
redis.call('HDEL', KEYS[1], 'error', 'claimed_by', 'claimed_at', 'last_heartbeat')
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
return 1
`)

// KEYS: job, active, failed
// ARGV: token, id, now, reason
var failScript = goredis.NewScript(ownedFn + `
local r = owned(KEYS[1], ARGV[1])
if r ~= 1 then return r end
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1], 'state', 'failed', 'error', ARGV[4], 'finished_at', ARGV[3])
redis.call('HDEL', KEYS[1], 'result', 'claimed_by', 'claimed_at', 'last_heartbeat')
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
return 1
`)

// KEYS: job, active, pending
// ARGV: token, id, state, run_at
var rescheduleScript = goredis.NewScript(ownedFn + `
local r = owned(KEYS[1], ARGV[1])
if r ~= 1 then return r end
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1], 'state', ARGV[3], 'run_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'claimed_by', 'claimed_at', 'last_heartbeat')
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
return 1
`)

// Returns 1 when requeued and 2 when the job was failed for stalling too often.
// KEYS: job, active, pending, failed
// ARGV: token, id, cutoff, max_stalled, now, message
var reapScript = goredis.NewScript(ownedFn + `
local r = owned(KEYS[1], ARGV[1])
if r ~= 1 then return r end
local hb = redis.call('HGET', KEYS[1], 'last_heartbeat')
if hb and hb ~= '' and tonumber(hb) >= tonumber(ARGV[3]) then
  return -1
end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('HDEL', KEYS[1], 'claimed_by', 'claimed_at', 'last_heartbeat')
local stalled = tonumber(redis.call('HGET', KEYS[1], 'stalled_count') or '0')
if stalled >= tonumber(ARGV[4]) then
  redis.call('HSET', KEYS[1], 'state', 'failed', 'error', ARGV[6], 'finished_at', ARGV[5])
  redis.call('HDEL', KEYS[1], 'result')
  redis.call('ZADD', KEYS[4], ARGV[5], ARGV[2])
  return 2
end
redis.call('HINCRBY', KEYS[1], 'stalled_count', 1)
redis.call('HSET', KEYS[1], 'state', 'waiting')
redis.call('ZADD', KEYS[3], redis.call('HGET', KEYS[1], 'run_at'), ARGV[2])
return 1
`)

// KEYS: job, all, pending, active, completed, failed
// ARGV: id, allowed states...
var removeScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -2
end
if #ARGV > 1 then
  local ok = false
  for i = 2, #ARGV do
    if ARGV[i] == state then ok = true end
  end
  if not ok then return -1 end
end
redis.call('DEL', KEYS[1])
for i = 2, 6 do
  redis.call('ZREM', KEYS[i], ARGV[1])
end
return 1
`)

// Deletes expired records first, then trims the survivors to the newest count.
// KEYS: finished set, all
// ARGV: prefix, now, age cutoff ('' when unset), count
var pruneScript = goredis.NewScript(`
local removed = 0
local function drop(id)
  redis.call('DEL', ARGV[1] .. 'job:' .. id)
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZREM', KEYS[2], id)
  removed = removed + 1
end
local now = tonumber(ARGV[2])
local members = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
local keep = {}
for i = 1, #members, 2 do
  local id, fin = members[i], tonumber(members[i + 1])
  local v = redis.call('HMGET', ARGV[1] .. 'job:' .. id, 'retain_for_ms', 'seq')
  local retain = tonumber(v[1] or '0') or 0
  local expired = false
  if retain > 0 then
    expired = fin < now - retain
  elseif ARGV[3] ~= '' then
    expired = fin < tonumber(ARGV[3])
  end
  if expired then
    drop(id)
  else
    table.insert(keep, {id = id, fin = fin, seq = tonumber(v[2] or '0') or 0})
  end
end
local count = tonumber(ARGV[4])
if count > 0 and #keep > count then
  table.sort(keep, function(a, b)
    if a.fin ~= b.fin then return a.fin > b.fin end
    return a.seq > b.seq
  end)
  for i = count + 1, #keep do
    drop(keep[i].id)
  end
end
return removed
`)
