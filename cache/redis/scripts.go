package redis

import goredis "github.com/redis/go-redis/v9"

// Shared Lua helpers. Decoded numbers may arrive as strings (shopspring
// decimals are quoted) or as doubles, and empty objects may decode as
// arrays, so every read goes through num or tbl.
const luaPrelude = `
local function tbl(x) if type(x) == 'table' then return x end return {} end
local function num(x) return tonumber(x) or 0 end
local function sum(t)
  local total = 0
  for _, v in pairs(t) do total = total + v end
  return total
end
local function sorted_keys(t)
  local ks = {}
  for k in pairs(t) do ks[#ks + 1] = k end
  table.sort(ks)
  return ks
end
local function drop_variants(vkey)
  local vs = redis.call('SMEMBERS', vkey)
  for _, v in ipairs(vs) do redis.call('DEL', v) end
  redis.call('DEL', vkey)
  return #vs
end
local function load(key)
  local raw = redis.call('GET', key)
  if not raw then return nil, 'MISS' end
  local ok, snap = pcall(cjson.decode, raw)
  if not ok or type(snap) ~= 'table' then return nil, 'CORRUPT' end
  local accounts = tbl(snap.accounts)
  for _, a in ipairs(accounts) do
    if type(a) ~= 'table' or type(a.id) ~= 'string' then return nil, 'CORRUPT' end
    a.balance = num(a.balance)
    a.entities = tbl(a.entities)
    for k, v in pairs(a.entities) do a.entities[k] = num(v) end
    a.credit_costs = tbl(a.credit_costs)
    a.rollovers = tbl(a.rollovers)
    for _, r in ipairs(a.rollovers) do
      r.balance = num(r.balance)
      r.expires_at = num(r.expires_at)
      r.entities = tbl(r.entities)
      for k, v in pairs(r.entities) do r.entities[k] = num(v) end
    end
  end
  snap.accounts = accounts
  snap.products = tbl(snap.products)
  return snap, nil
end
local function save(key, snap)
  redis.call('SET', key, cjson.encode(snap), 'KEEPTTL')
end
`

// KEYS: entry, guard, variants.
// ARGV: payload, fetched_at ms, overwrite flag, ttl ms, variant flag.
var setScript = goredis.NewScript(`
local guard = redis.call('GET', KEYS[2])
if guard and tonumber(guard) >= tonumber(ARGV[2]) then return 'STALE_WRITE' end
local existing = redis.call('GET', KEYS[1])
if existing then
  if ARGV[3] ~= '1' then return 'CACHE_EXISTS' end
  local ok, cur = pcall(cjson.decode, existing)
  if ok and type(cur) == 'table' and tonumber(cur.fetched_at) and tonumber(cur.fetched_at) > tonumber(ARGV[2]) then
    return 'STALE_WRITE'
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[4])
if ARGV[5] == '1' then
  redis.call('SADD', KEYS[3], KEYS[1])
  redis.call('PEXPIRE', KEYS[3], ARGV[4])
end
return 'OK'
`)

// KEYS: base entry, guard, variants.
// ARGV: now ms, guard ttl ms.
var deleteScript = goredis.NewScript(luaPrelude + `
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
local n = redis.call('DEL', KEYS[1])
n = n + drop_variants(KEYS[3])
if n > 0 then return 'DELETED' end
return 'SKIPPED'
`)

// KEYS: base entry, variants.
// ARGV: request json, now ms.
//
// Mirrors balance.Apply: rollovers by expiry, then main balances, then
// overage into usage-allowed accounts under the allow policy.
var deductScript = goredis.NewScript(luaPrelude + `
local snap, status = load(KEYS[1])
if not snap then return status end
local ok, req = pcall(cjson.decode, ARGV[1])
if not ok or type(req) ~= 'table' then return 'BAD_REQUEST' end
local now = tonumber(ARGV[2])
local accounts = snap.accounts
local entity = req.entity_id
if type(entity) ~= 'string' then entity = '' end
local policy = req.policy

local changes, dropped, touched = {}, {}, {}

local function expired(r) return r.expires_at ~= 0 and now >= r.expires_at end

local function pools(a, ri, scoped, ents)
  if not scoped then return {{a = a, ri = ri, e = ''}} end
  if entity ~= '' then return {{a = a, ri = ri, e = entity}} end
  local ks = sorted_keys(ents)
  if #ks == 0 then return {{a = a, ri = ri, e = ''}} end
  local out = {}
  for _, k in ipairs(ks) do out[#out + 1] = {a = a, ri = ri, e = k} end
  return out
end

local function target(p)
  if p.ri > 0 then return p.a.rollovers[p.ri] end
  return p.a
end

local function value(p)
  local t = target(p)
  if p.e ~= '' then return t.entities[p.e] or 0 end
  return t.balance
end

local function adjust(p, delta)
  local t = target(p)
  if p.e ~= '' then
    t.entities[p.e] = (t.entities[p.e] or 0) + delta
    t.balance = sum(t.entities)
    return
  end
  t.balance = t.balance + delta
end

local function consume(p, cost, remaining, floor, unbounded)
  if remaining <= 0 then return remaining end
  local need = remaining * cost
  local debit
  if unbounded or value(p) - floor >= need then debit = need else debit = value(p) - floor end
  if debit <= 0 then return remaining end
  adjust(p, -debit)
  local rid = ''
  if p.ri > 0 then rid = p.a.rollovers[p.ri].id end
  changes[#changes + 1] = {account_id = p.a.id, rollover_id = rid, entity_id = p.e, delta = -debit}
  if debit == need then return 0 end
  return remaining - debit / cost
end

for _, item in ipairs(tbl(req.items)) do
  local feature = item.feature_id
  local amount = num(item.amount)
  local cands = {}
  for _, a in ipairs(accounts) do
    if a.feature_id == feature then
      cands[#cands + 1] = {a = a, cost = 1}
    else
      local c = tonumber(a.credit_costs[feature])
      if c and c > 0 then cands[#cands + 1] = {a = a, cost = c} end
    end
  end
  if #cands == 0 then return 'NOT_FOUND:' .. tostring(feature) end

  local unlimited = false
  for _, c in ipairs(cands) do
    touched[c.a.feature_id] = true
    if c.a.unlimited == true then unlimited = true end
  end

  if amount > 0 and not unlimited then
    local remaining = amount
    for _, c in ipairs(cands) do
      for ri, r in ipairs(c.a.rollovers) do
        if not expired(r) then
          local scoped = c.a.entity_scoped == true and next(r.entities) ~= nil
          for _, p in ipairs(pools(c.a, ri, scoped, r.entities)) do
            remaining = consume(p, c.cost, remaining, 0, false)
          end
        end
      end
    end
    for _, c in ipairs(cands) do
      for _, p in ipairs(pools(c.a, 0, c.a.entity_scoped == true, c.a.entities)) do
        remaining = consume(p, c.cost, remaining, 0, false)
      end
    end
    if remaining > 0 and policy == 'allow' then
      for _, c in ipairs(cands) do
        if c.a.usage_allowed == true then
          local mb = tonumber(c.a.min_balance)
          for _, p in ipairs(pools(c.a, 0, c.a.entity_scoped == true, c.a.entities)) do
            remaining = consume(p, c.cost, remaining, mb or 0, mb == nil)
          end
        end
      end
    end
    if remaining > 0 then
      if policy == 'reject' then
        return cjson.encode({success = false, rejected_feature = feature})
      end
      dropped[feature] = (dropped[feature] or 0) + remaining
    end
  end
end

local balances = {}
for _, a in ipairs(accounts) do
  if touched[a.feature_id] then
    local total = a.balance
    if a.entity_scoped == true and next(a.entities) ~= nil then total = sum(a.entities) end
    for _, r in ipairs(a.rollovers) do
      if not expired(r) then
        if next(r.entities) ~= nil then total = total + sum(r.entities) else total = total + r.balance end
      end
    end
    balances[a.feature_id] = (balances[a.feature_id] or 0) + total
  end
end

save(KEYS[1], snap)
drop_variants(KEYS[2])
return cjson.encode({success = true, balances = balances, changes = changes, dropped = dropped})
`)

// KEYS: base entry, variants.
// ARGV: entitlement id, entity id, delta.
var incrementBalanceScript = goredis.NewScript(luaPrelude + `
local snap, status = load(KEYS[1])
if not snap then return status end
local delta = tonumber(ARGV[3])
for _, a in ipairs(snap.accounts) do
  if a.id == ARGV[1] then
    if a.entity_scoped == true and ARGV[2] ~= '' then
      a.entities[ARGV[2]] = (a.entities[ARGV[2]] or 0) + delta
      a.balance = sum(a.entities)
    else
      a.balance = a.balance + delta
    end
    save(KEYS[1], snap)
    drop_variants(KEYS[2])
    return 'OK'
  end
end
return 'NOT_FOUND'
`)

// KEYS: base entry, variants.
// ARGV: customer product id, feature id, delta.
var incrementOptionScript = goredis.NewScript(luaPrelude + `
local snap, status = load(KEYS[1])
if not snap then return status end
for _, p in ipairs(snap.products) do
  if type(p) == 'table' and p.id == ARGV[1] then
    p.options = tbl(p.options)
    p.options[ARGV[2]] = num(p.options[ARGV[2]]) + tonumber(ARGV[3])
    save(KEYS[1], snap)
    drop_variants(KEYS[2])
    return 'OK'
  end
end
return 'NOT_FOUND'
`)
