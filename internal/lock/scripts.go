package lock

import "github.com/redis/go-redis/v9"

// acquireScript takes every key in KEYS for ARGV[1] with a TTL of ARGV[2]
// milliseconds, or none of them.  A key already holding ARGV[1] counts as
// free, which makes acquisition re-entrant for the same token.  Returns
// {1, 0} on success or {0, i} where i is the 1-based index of the first
// key held by someone else.
var acquireScript = redis.NewScript(`
    local token = ARGV[1]
    local ttl_ms = tonumber(ARGV[2])

    for i, key in ipairs(KEYS) do
        local holder = redis.call('GET', key)
        if holder and holder ~= token then
            return { 0, i }
        end
    end

    for _, key in ipairs(KEYS) do
        redis.call('SET', key, token, 'PX', ttl_ms)
    end
    return { 1, 0 }
`)

// releaseScript deletes every key in KEYS that still holds ARGV[1] and
// returns how many were deleted.
var releaseScript = redis.NewScript(`
    local token = ARGV[1]
    local released = 0
    for _, key in ipairs(KEYS) do
        if redis.call('GET', key) == token then
            redis.call('DEL', key)
            released = released + 1
        end
    end
    return released
`)

// extendScript adds ARGV[2] milliseconds to the remaining TTL of every key
// in KEYS, provided all of them still hold ARGV[1].  Returns 1 on success,
// 0 when ownership of any key was lost.
var extendScript = redis.NewScript(`
    local token = ARGV[1]
    local add_ms = tonumber(ARGV[2])

    for _, key in ipairs(KEYS) do
        if redis.call('GET', key) ~= token then
            return 0
        end
    end

    for _, key in ipairs(KEYS) do
        local ttl = redis.call('PTTL', key)
        if ttl < 0 then ttl = 0 end
        redis.call('PEXPIRE', key, ttl + add_ms)
    end
    return 1
`)
