package store

// The named script set every backend must execute atomically. Scripts
// return numeric results; a compare mismatch is a zero result, never an
// error. Time arguments travel as unix milliseconds.

// CompareAndDelete deletes KEYS[1] only while it still holds ARGV[1].
// Returns 1 when the entry was removed, 0 otherwise.
var CompareAndDelete = Script{
	Name: "compare-and-delete",
	Src: `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`,
}

// CompareAndExtend resets the TTL of KEYS[1] to ARGV[2] milliseconds only
// while it still holds ARGV[1]. Returns 1 on success, 0 otherwise.
var CompareAndExtend = Script{
	Name: "compare-and-extend",
	Src: `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`,
}

// FixedWindowIncr increments the window counter at KEYS[1], starting the
// window TTL (ARGV[1] milliseconds) on first use. Returns the new count.
var FixedWindowIncr = Script{
	Name: "fixed-window-incr",
	Src: `local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count`,
}

// SlidingWindowCount maintains a timestamp log at KEYS[1]. Entries older
// than ARGV[1]-ARGV[2] are dropped; ARGV[4] is appended with score ARGV[1]
// while the log holds fewer than ARGV[3] entries. Returns
// {allowed, count, retryAfterMillis}.
var SlidingWindowCount = Script{
	Name: "sliding-window-count",
	Src: `local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count < limit then
	redis.call("ZADD", KEYS[1], now, ARGV[4])
	redis.call("PEXPIRE", KEYS[1], window)
	return {1, count + 1, 0}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local retry = window
if oldest[2] then
	retry = tonumber(oldest[2]) + window - now
end
return {0, count, retry}`,
}

// TokenBucketTake refills the bucket at KEYS[1] by elapsed seconds times
// ARGV[2] tokens, capped at ARGV[1], then takes one token when available.
// ARGV[3] is now, ARGV[4] the idle expiry. Returns
// {allowed, tokensAsString, retryAfterMillis}; tokens travel as a string
// because Lua number replies truncate fractions.
var TokenBucketTake = Script{
	Name: "token-bucket-take",
	Src: `local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now
end
local elapsed = now - ts
if elapsed > 0 then
	tokens = math.min(capacity, tokens + (elapsed / 1000.0) * rate)
	ts = now
end
local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ARGV[4])
local retry = 0
if allowed == 0 and rate > 0 then
	retry = math.ceil(((1 - tokens) / rate) * 1000)
end
return {allowed, tostring(tokens), retry}`,
}

// ViolationBump increments the violation counter at KEYS[1] and stretches
// its TTL to ARGV[1] doubled per prior violation, capped at ARGV[2].
// Returns the new violation count.
var ViolationBump = Script{
	Name: "violation-bump",
	Src: `local count = redis.call("INCR", KEYS[1])
local base = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local penalty = base * 2 ^ (count - 1)
if cap > 0 and penalty > cap then
	penalty = cap
end
redis.call("PEXPIRE", KEYS[1], math.floor(penalty))
return count`,
}
