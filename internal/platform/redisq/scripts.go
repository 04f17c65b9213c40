package redisq

import "github.com/go-redis/redis/v8"

// The scripts build every key from the prefix in ARGV[1], so the package
// assumes a single Redis instance rather than a cluster. All time values
// cross the boundary as unix microseconds supplied by the caller; the
// scripts never read the server clock.
//
// Shared state:
//
//	<p>run:<id>       hash, one field per run attribute
//	<p>pending:<q>    zset of queued run IDs, scored by enqueue time
//	<p>leased:<q>     zset of running run IDs, scored by lease expiry
//	<p>runs           list of all run IDs in enqueue order
//	<p>counts         hash "<queue>/<state>" -> run count
//	<p>active         hash "<task>/<origin>" -> queued+running count
//	<p>wf:<id>        hash, one field per workflow run attribute
//	<p>wfnodes:<id>   hash "<node>:state|run_id|reason" -> value
//	<p>wfopen         zset of open workflow run IDs, scored by creation time
//	<p>wfruns         list of all workflow run IDs in creation order

// luaCommon holds the helpers shared by the transition scripts: the node
// state rank (pending < running < terminal), node settlement with the
// same guards as the other backends, and run finalization that keeps the
// indexes and counters in step with the hash.
const luaCommon = `
local function rank(state)
	if state == 'pending' then return 0 end
	if state == 'running' then return 1 end
	return 2
end

local function settleNode(prefix, wfid, nodeid, state, reason, runid, now)
	if wfid == '' or nodeid == '' then return end
	local wfKey = prefix .. 'wf:' .. wfid
	if redis.call('EXISTS', wfKey) == 0 then return end
	local nodesKey = prefix .. 'wfnodes:' .. wfid
	local cur = redis.call('HGET', nodesKey, nodeid .. ':state')
	if not cur then return end
	if cur ~= 'pending' and cur ~= 'running' then return end
	redis.call('HSET', nodesKey, nodeid .. ':state', state, nodeid .. ':reason', reason)
	local existing = redis.call('HGET', nodesKey, nodeid .. ':run_id')
	if not existing or existing == '' then
		redis.call('HSET', nodesKey, nodeid .. ':run_id', runid)
	end
	redis.call('HSET', wfKey, 'updated_at', now)
end

local function finalizeRun(prefix, runKey, id, state, reason, now)
	local vals = redis.call('HMGET', runKey, 'queue', 'state', 'task_name', 'origin', 'workflow_run_id', 'node_id')
	local queue, prev = vals[1], vals[2]
	redis.call('HSET', runKey, 'state', state, 'failure_reason', reason,
		'lease_token', '', 'lease_expires_at', '0', 'finished_at', now, 'updated_at', now)
	redis.call('ZREM', prefix .. 'leased:' .. queue, id)
	redis.call('ZREM', prefix .. 'pending:' .. queue, id)
	redis.call('HINCRBY', prefix .. 'counts', queue .. '/' .. prev, -1)
	redis.call('HINCRBY', prefix .. 'counts', queue .. '/' .. state, 1)
	redis.call('HINCRBY', prefix .. 'active', vals[3] .. '/' .. vals[4], -1)
	local nextState, nextReason = 'failed', reason
	if state == 'succeeded' then nextState, nextReason = 'succeeded', '' end
	settleNode(prefix, vals[5], vals[6], nextState, nextReason, id, now)
end
`

// enqueueScript inserts a run if its ID is new.
// ARGV: prefix, id, queue, task_name, origin, enqueued_micro, field-value pairs...
// Returns 0 on duplicate, 1 on success.
var enqueueScript = redis.NewScript(luaCommon + `
local prefix, id, queue = ARGV[1], ARGV[2], ARGV[3]
local runKey = prefix .. 'run:' .. id
if redis.call('EXISTS', runKey) == 1 then return 0 end
for i = 7, #ARGV, 2 do
	redis.call('HSET', runKey, ARGV[i], ARGV[i+1])
end
redis.call('ZADD', prefix .. 'pending:' .. queue, tonumber(ARGV[6]), id)
redis.call('RPUSH', prefix .. 'runs', id)
redis.call('HINCRBY', prefix .. 'counts', queue .. '/queued', 1)
redis.call('HINCRBY', prefix .. 'active', ARGV[4] .. '/' .. ARGV[5], 1)
return 1
`)

// leaseScript hands out the next run on a queue. Expired leases are
// examined first: a canceled or out-of-budget run is finalized and the
// scan continues, otherwise the run restarts as a fresh attempt. With no
// expired lease the oldest queued run starts its first attempt.
// ARGV: prefix, now_micro, queue, lease_micros, token.
// Returns the run hash as a flat field-value array, or false when the
// queue has nothing to lease.
var leaseScript = redis.NewScript(luaCommon + `
local prefix, now, queue = ARGV[1], ARGV[2], ARGV[3]
local leaseFor = tonumber(ARGV[4])
local token = ARGV[5]
local nowN = tonumber(now)
local pendingKey = prefix .. 'pending:' .. queue
local leasedKey = prefix .. 'leased:' .. queue
local countsKey = prefix .. 'counts'

while true do
	local id = nil
	local fromLeased = false
	local expired = redis.call('ZRANGEBYSCORE', leasedKey, '-inf', now, 'LIMIT', 0, 1)
	if expired[1] then
		id = expired[1]
		fromLeased = true
	else
		local head = redis.call('ZRANGE', pendingKey, 0, 0)
		if head[1] then id = head[1] end
	end
	if not id then return false end

	local runKey = prefix .. 'run:' .. id
	if fromLeased then
		local vals = redis.call('HMGET', runKey, 'cancel_requested', 'attempt', 'max_retries')
		if vals[1] == '1' then
			finalizeRun(prefix, runKey, id, 'failed', 'canceled', now)
		elseif tonumber(vals[2]) > tonumber(vals[3]) then
			finalizeRun(prefix, runKey, id, 'timed_out', 'lease expired', now)
		else
			local expiry = nowN + leaseFor
			redis.call('HSET', runKey, 'attempt', tostring(tonumber(vals[2]) + 1),
				'lease_token', token, 'lease_expires_at', tostring(expiry), 'updated_at', now)
			redis.call('ZADD', leasedKey, expiry, id)
			return redis.call('HGETALL', runKey)
		end
	else
		local expiry = nowN + leaseFor
		local attempt = tonumber(redis.call('HGET', runKey, 'attempt')) + 1
		redis.call('HSET', runKey, 'state', 'running', 'attempt', tostring(attempt),
			'lease_token', token, 'lease_expires_at', tostring(expiry), 'updated_at', now)
		if redis.call('HGET', runKey, 'started_at') == '0' then
			redis.call('HSET', runKey, 'started_at', now)
		end
		redis.call('ZREM', pendingKey, id)
		redis.call('ZADD', leasedKey, expiry, id)
		redis.call('HINCRBY', countsKey, queue .. '/queued', -1)
		redis.call('HINCRBY', countsKey, queue .. '/running', 1)
		return redis.call('HGETALL', runKey)
	end
end
`)

// extendScript pushes a held lease further out.
// ARGV: prefix, now_micro, id, token, lease_micros.
// Returns 0 ok, 1 not found, 2 lease lost, 3 cancel requested.
var extendScript = redis.NewScript(luaCommon + `
local prefix, now, id, token = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local runKey = prefix .. 'run:' .. id
if redis.call('EXISTS', runKey) == 0 then return 1 end
local vals = redis.call('HMGET', runKey, 'state', 'lease_token', 'cancel_requested', 'queue')
if vals[1] ~= 'running' or vals[2] ~= token then return 2 end
if vals[3] == '1' then return 3 end
local expiry = tonumber(now) + tonumber(ARGV[5])
redis.call('HSET', runKey, 'lease_expires_at', tostring(expiry), 'updated_at', now)
redis.call('ZADD', prefix .. 'leased:' .. vals[4], expiry, id)
return 0
`)

// ackScript settles a leased run as succeeded.
// ARGV: prefix, now_micro, id, token, result.
// Returns the updated run hash, or 1 not found, 2 lease lost.
var ackScript = redis.NewScript(luaCommon + `
local prefix, now, id, token = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local runKey = prefix .. 'run:' .. id
if redis.call('EXISTS', runKey) == 0 then return 1 end
local vals = redis.call('HMGET', runKey, 'state', 'lease_token')
if vals[1] ~= 'running' or vals[2] ~= token then return 2 end
redis.call('HSET', runKey, 'result', ARGV[5])
finalizeRun(prefix, runKey, id, 'succeeded', '', now)
return redis.call('HGETALL', runKey)
`)

// failScript settles a leased run as failed. A retryable failure with
// budget left and no cancel request requeues at the run's original
// position; anything else is final, with timeouts recorded as timed_out.
// ARGV: prefix, now_micro, id, token, reason, kind, retryable.
// Returns the updated run hash, or 1 not found, 2 lease lost.
var failScript = redis.NewScript(luaCommon + `
local prefix, now, id, token = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local reason = ARGV[5]
local runKey = prefix .. 'run:' .. id
if redis.call('EXISTS', runKey) == 0 then return 1 end
local vals = redis.call('HMGET', runKey, 'state', 'lease_token', 'queue', 'cancel_requested', 'attempt', 'max_retries', 'enqueued_at')
if vals[1] ~= 'running' or vals[2] ~= token then return 2 end
local queue = vals[3]
if ARGV[7] == '1' and tonumber(vals[5]) <= tonumber(vals[6]) and vals[4] ~= '1' then
	redis.call('HSET', runKey, 'state', 'queued', 'failure_reason', reason,
		'lease_token', '', 'lease_expires_at', '0', 'updated_at', now)
	redis.call('ZREM', prefix .. 'leased:' .. queue, id)
	redis.call('ZADD', prefix .. 'pending:' .. queue, tonumber(vals[7]), id)
	redis.call('HINCRBY', prefix .. 'counts', queue .. '/running', -1)
	redis.call('HINCRBY', prefix .. 'counts', queue .. '/queued', 1)
	return redis.call('HGETALL', runKey)
end
local state = 'failed'
if ARGV[6] == 'timeout' then state = 'timed_out' end
finalizeRun(prefix, runKey, id, state, reason, now)
return redis.call('HGETALL', runKey)
`)

// cancelScript requests cancellation of a run. A queued run fails on the
// spot; a running run is flagged for its worker to notice.
// ARGV: prefix, now_micro, id.
// Returns the updated run hash, or 1 not found.
var cancelScript = redis.NewScript(luaCommon + `
local prefix, now, id = ARGV[1], ARGV[2], ARGV[3]
local runKey = prefix .. 'run:' .. id
if redis.call('EXISTS', runKey) == 0 then return 1 end
local state = redis.call('HGET', runKey, 'state')
if state == 'queued' then
	redis.call('HSET', runKey, 'cancel_requested', '1')
	finalizeRun(prefix, runKey, id, 'failed', 'canceled', now)
elseif state == 'running' then
	redis.call('HSET', runKey, 'cancel_requested', '1', 'updated_at', now)
end
return redis.call('HGETALL', runKey)
`)

// createWorkflowScript inserts a workflow run and its nodes if the ID is new.
// ARGV: prefix, id, created_micro, open, nfields, field-value pairs...,
// then node quadruples (node_id, state, run_id, reason).
// Returns 0 on duplicate, 1 on success.
var createWorkflowScript = redis.NewScript(`
local prefix, id = ARGV[1], ARGV[2]
local wfKey = prefix .. 'wf:' .. id
if redis.call('EXISTS', wfKey) == 1 then return 0 end
local n = tonumber(ARGV[5])
local i = 6
for c = 1, n do
	redis.call('HSET', wfKey, ARGV[i], ARGV[i+1])
	i = i + 2
end
local nodesKey = prefix .. 'wfnodes:' .. id
while i <= #ARGV do
	redis.call('HSET', nodesKey,
		ARGV[i] .. ':state', ARGV[i+1],
		ARGV[i] .. ':run_id', ARGV[i+2],
		ARGV[i] .. ':reason', ARGV[i+3])
	i = i + 4
end
if ARGV[4] == '1' then
	redis.call('ZADD', prefix .. 'wfopen', tonumber(ARGV[3]), id)
end
redis.call('RPUSH', prefix .. 'wfruns', id)
return 1
`)

// claimWorkflowsScript claims open workflow runs for an owner, oldest
// first: unclaimed runs, the owner's own claims, and expired claims.
// ARGV: prefix, now_micro, owner, claim_micros, limit.
// Returns the claimed run IDs.
var claimWorkflowsScript = redis.NewScript(`
local prefix, now, owner = ARGV[1], ARGV[2], ARGV[3]
local claimFor = tonumber(ARGV[4])
local limit = tonumber(ARGV[5])
local nowN = tonumber(now)
local ids = redis.call('ZRANGE', prefix .. 'wfopen', 0, -1)
local claimed = {}
for _, id in ipairs(ids) do
	if limit > 0 and #claimed >= limit then break end
	local wfKey = prefix .. 'wf:' .. id
	local vals = redis.call('HMGET', wfKey, 'status', 'claimed_by', 'claim_expires_at')
	if vals[1] == 'running' then
		local holder = vals[2]
		local expiry = tonumber(vals[3]) or 0
		if holder == '' or holder == owner or expiry <= nowN then
			redis.call('HSET', wfKey, 'claimed_by', owner,
				'claim_expires_at', tostring(nowN + claimFor), 'updated_at', now)
			claimed[#claimed + 1] = id
		end
	end
end
return claimed
`)

// saveWorkflowScript persists a claimed run snapshot. Nodes merge
// monotonically by rank so a settled node is never regressed; the cancel
// flag only ever turns on; a terminal status releases the claim and
// closes the run.
// ARGV: prefix, now_micro, id, owner, status, cancel, finished_micro,
// terminal, then node quadruples (node_id, state, run_id, reason).
// Returns 0 ok, 1 not found, 2 claim lost.
var saveWorkflowScript = redis.NewScript(`
local function rank(state)
	if state == 'pending' then return 0 end
	if state == 'running' then return 1 end
	return 2
end

local prefix, now, id, owner = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local wfKey = prefix .. 'wf:' .. id
if redis.call('EXISTS', wfKey) == 0 then return 1 end
if redis.call('HGET', wfKey, 'claimed_by') ~= owner then return 2 end
local nodesKey = prefix .. 'wfnodes:' .. id
local i = 9
while i <= #ARGV do
	local nodeid, state = ARGV[i], ARGV[i+1]
	local cur = redis.call('HGET', nodesKey, nodeid .. ':state')
	if not cur or rank(cur) <= rank(state) then
		redis.call('HSET', nodesKey,
			nodeid .. ':state', state,
			nodeid .. ':run_id', ARGV[i+2],
			nodeid .. ':reason', ARGV[i+3])
	end
	i = i + 4
end
redis.call('HSET', wfKey, 'status', ARGV[5], 'finished_at', ARGV[7], 'updated_at', now)
if ARGV[6] == '1' then
	redis.call('HSET', wfKey, 'cancel_requested', '1')
end
if ARGV[8] == '1' then
	redis.call('HSET', wfKey, 'claimed_by', '', 'claim_expires_at', '0')
	redis.call('ZREM', prefix .. 'wfopen', id)
end
return 0
`)

// cancelWorkflowScript flags an open workflow run for cancellation.
// ARGV: prefix, now_micro, id.
// Returns 0 ok (including the terminal no-op), 1 not found.
var cancelWorkflowScript = redis.NewScript(`
local prefix, now, id = ARGV[1], ARGV[2], ARGV[3]
local wfKey = prefix .. 'wf:' .. id
if redis.call('EXISTS', wfKey) == 0 then return 1 end
if redis.call('HGET', wfKey, 'status') == 'running' then
	redis.call('HSET', wfKey, 'cancel_requested', '1', 'updated_at', now)
end
return 0
`)
