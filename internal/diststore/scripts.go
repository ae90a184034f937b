package diststore

// tokenBucketLuaScript performs the distributed equivalent of
// bucket.Bucket.Refill + TryConsume inside Redis, so two replicas
// racing on the same key never both observe a stale token count: the
// whole read-modify-write happens inside one EVAL.
//
// KEYS[1]: bucket hash key ("throttler:<key>")
// ARGV[1]: capacity
// ARGV[2]: refill_rate (tokens per second)
// ARGV[3]: now (unix milliseconds)
// ARGV[4]: ttl (seconds)
// ARGV[5]: tokens requested by this admission
//
// Returns {allowed (0/1), remaining (floor), retry_after_ms}
const tokenBucketLuaScript = `
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local requested = tonumber(ARGV[5])

local max_elapsed_ms = 3600000
local max_retry_ms = 86400000

local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
local last_refill = tonumber(redis.call('HGET', KEYS[1], 'last_refill'))

if tokens == nil or last_refill == nil then
    tokens = capacity
    last_refill = now
end

local elapsed_ms = now - last_refill
if elapsed_ms < 0 then
    elapsed_ms = 0
end
if elapsed_ms > max_elapsed_ms then
    elapsed_ms = max_elapsed_ms
end

if refill_rate > 0 then
    local added = refill_rate * elapsed_ms / 1000.0
    tokens = tokens + added
end
if tokens > capacity then
    tokens = capacity
end
last_refill = now

local allowed = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
end

local retry_after_ms = 0
if allowed == 0 then
    if refill_rate <= 0 then
        retry_after_ms = max_retry_ms
    else
        local deficit = requested - tokens
        retry_after_ms = math.ceil(deficit / refill_rate * 1000.0)
        if retry_after_ms > max_retry_ms then
            retry_after_ms = max_retry_ms
        end
    end
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill', tostring(last_refill))
redis.call('EXPIRE', KEYS[1], ttl)

return {allowed, math.floor(tokens), retry_after_ms}
`

// slidingWindowLuaScript implements the alternate algorithm a Rule can
// select (rules.SlidingWindow): a sorted set of request timestamps per
// key, trimmed to the current window on every call. Adapted from the
// teacher's sliding-window sorted-set approach (internal/ratelimit),
// generalized into one atomic script instead of the teacher's
// multi-round-trip ZADD/ZREMRANGEBYSCORE/ZCOUNT sequence.
//
// KEYS[1]: sorted set key ("throttler:<key>")
// ARGV[1]: capacity (max requests per window)
// ARGV[2]: window (milliseconds)
// ARGV[3]: now (unix milliseconds)
// ARGV[4]: ttl (seconds)
// ARGV[5]: tokens requested (number of timestamps to record if allowed)
//
// Returns {allowed (0/1), remaining, retry_after_ms}
const slidingWindowLuaScript = `
local capacity = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local requested = tonumber(ARGV[5])

local window_start = now - window_ms
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', window_start)

local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
local retry_after_ms = 0

if count + requested <= capacity then
    allowed = 1
    for i = 1, requested do
        redis.call('ZADD', KEYS[1], now, now .. ':' .. (count + i))
    end
    count = count + requested
else
    local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
    if oldest[2] ~= nil then
        retry_after_ms = tonumber(oldest[2]) + window_ms - now
        if retry_after_ms < 0 then
            retry_after_ms = 0
        end
    else
        retry_after_ms = window_ms
    end
end

redis.call('EXPIRE', KEYS[1], ttl)

local remaining = capacity - count
if remaining < 0 then
    remaining = 0
end

return {allowed, remaining, retry_after_ms}
`
