package storage

// Results of CompareAndSetUsedScript.
const (
	ScriptResultNotFound   = -1
	ScriptResultAlreadySet = 0
	ScriptResultSwapped    = 1
)

// CompareAndSetUsedScript is the Lua implementation of CompareAndSetUsed shared by
// the Redis-protocol backends. Valkey and Redis run scripts atomically, so only one
// concurrent caller can observe "used":false and flip it.
//
// The JSON text is patched in place rather than re-encoded, because cjson turns
// empty arrays into objects and would corrupt records on the way back.
//
// KEYS[1] = record key
//
// Returns ScriptResultNotFound, ScriptResultAlreadySet or ScriptResultSwapped.
const CompareAndSetUsedScript = `
local data = redis.call('GET', KEYS[1])
if not data then
    return -1
end

local doc = cjson.decode(data)
if doc.used then
    return 0
end

local updated, n = string.gsub(data, '"used":%s*false', '"used":true', 1)
if n == 0 then
    updated = string.gsub(data, '^%s*{', '{"used":true,', 1)
    if updated == data or string.find(updated, '{"used":true,}', 1, true) then
        updated = '{"used":true}'
    end
end

redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return 1
`
