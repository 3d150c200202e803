// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: June 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"
)

// RedisClient abstracts the surface the redis store needs from a client.
// GoRedisClient wraps github.com/redis/go-redis/v9; tests point a real client
// at miniredis.
type RedisClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	Del(ctx context.Context, keys ...string) error
}

// redisNamespace prefixes every row key so the store coexists with other
// tenants of the same Redis.
const redisNamespace = "remgate:row:"

// redisUpdateScript applies a full conditional update in one atomic EVAL.
// Each row is a hash. ARGV carries a token stream: the condition count, the
// flattened conditions, the op count, the flattened ops (see encodeConds /
// encodeOps). Returns 0 when a condition failed, otherwise the HGETALL of
// the row after the ops ran. Rows with a ttl field get EXPIREAT so Redis
// retires them natively.
const redisUpdateScript = `
local key = KEYS[1]
local i = 1

local function take()
  local v = ARGV[i]
  i = i + 1
  return v
end

local function check(kind)
  if kind == 'absent' then
    local f = take()
    return redis.call('HEXISTS', key, f) == 0
  elseif kind == 'present' then
    local f = take()
    return redis.call('HEXISTS', key, f) == 1
  elseif kind == 'less' then
    local f = take()
    local bound = tonumber(take())
    local cur = redis.call('HGET', key, f)
    if not cur then return false end
    local n = tonumber(cur)
    if n == nil then return false end
    return n < bound
  elseif kind == 'any' then
    local n = tonumber(take())
    local ok = false
    for j = 1, n do
      if check(take()) then ok = true end
    end
    return ok
  end
  return false
end

local ncond = tonumber(take())
local pass = true
for c = 1, ncond do
  if not check(take()) then pass = false end
end
if not pass then
  return 0
end

local nops = tonumber(take())
for o = 1, nops do
  local kind = take()
  if kind == 'set' then
    local f = take()
    local v = take()
    redis.call('HSET', key, f, v)
  elseif kind == 'add' then
    local f = take()
    local d = tonumber(take())
    redis.call('HINCRBY', key, f, d)
  elseif kind == 'addfloor' then
    local f = take()
    local d = tonumber(take())
    local floor = tonumber(take())
    local v = redis.call('HINCRBY', key, f, d)
    if v < floor then
      redis.call('HSET', key, f, floor)
    end
  end
end

local ttl = tonumber(redis.call('HGET', key, 'ttl'))
if ttl then
  redis.call('EXPIREAT', key, ttl)
end

return redis.call('HGETALL', key)
`

// RedisStore keeps rows as Redis hashes and funnels every conditional update
// through one Lua script so the check-and-mutate is atomic on the server.
type RedisStore struct {
	client RedisClient
}

// NewRedisStore builds a store over the given client.
func NewRedisStore(client RedisClient) *RedisStore {
	return &RedisStore{client: client}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) Get(ctx context.Context, key string) (Row, error) {
	attrs, err := s.client.HGetAll(ctx, redisNamespace+key)
	if err != nil {
		return Row{}, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	if len(attrs) == 0 {
		return Row{}, ErrNotFound
	}
	return Row{Key: key, Attrs: attrs}, nil
}

func (s *RedisStore) Update(ctx context.Context, key string, ops []Op, conds []Cond) (Row, error) {
	args, err := encodeConds(conds)
	if err != nil {
		return Row{}, err
	}
	opArgs, err := encodeOps(ops)
	if err != nil {
		return Row{}, err
	}
	args = append(args, opArgs...)

	resp, err := s.client.Eval(ctx, redisUpdateScript, []string{redisNamespace + key}, args...)
	if err != nil {
		return Row{}, fmt.Errorf("redis eval %s: %w", key, err)
	}
	switch v := resp.(type) {
	case int64:
		return Row{}, ErrConditionFailed
	case []interface{}:
		row := Row{Key: key, Attrs: make(map[string]string, len(v)/2)}
		for i := 0; i+1 < len(v); i += 2 {
			f, _ := v[i].(string)
			val, _ := v[i+1].(string)
			row.Attrs[f] = val
		}
		return row, nil
	default:
		return Row{}, fmt.Errorf("redis eval %s: unexpected reply %T", key, resp)
	}
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisNamespace+key); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Scan(ctx context.Context, prefix string, fn func(Row) bool) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisNamespace+prefix+"*", 100)
		if err != nil {
			return fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		for _, nk := range keys {
			key := nk[len(redisNamespace):]
			row, err := s.Get(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue // expired between SCAN and HGETALL
			}
			if err != nil {
				return err
			}
			if !fn(row) {
				return nil
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// encodeConds flattens conds into the script's token stream.
func encodeConds(conds []Cond) ([]interface{}, error) {
	args := []interface{}{strconv.Itoa(len(conds))}
	for _, c := range conds {
		enc, err := encodeCond(c, true)
		if err != nil {
			return nil, err
		}
		args = append(args, enc...)
	}
	return args, nil
}

func encodeCond(c Cond, allowAny bool) ([]interface{}, error) {
	switch c.kind {
	case condAbsent:
		return []interface{}{"absent", c.field}, nil
	case condPresent:
		return []interface{}{"present", c.field}, nil
	case condLess:
		return []interface{}{"less", c.field, strconv.FormatInt(c.bound, 10)}, nil
	case condAny:
		if !allowAny {
			return nil, fmt.Errorf("counter: nested AnyOf is not supported")
		}
		args := []interface{}{"any", strconv.Itoa(len(c.any))}
		for _, inner := range c.any {
			enc, err := encodeCond(inner, false)
			if err != nil {
				return nil, err
			}
			args = append(args, enc...)
		}
		return args, nil
	}
	return nil, fmt.Errorf("counter: unknown condition kind %d", c.kind)
}

// encodeOps flattens ops into the script's token stream.
func encodeOps(ops []Op) ([]interface{}, error) {
	args := []interface{}{strconv.Itoa(len(ops))}
	for _, op := range ops {
		switch op.kind {
		case opSet:
			v := op.str
			if op.isNum {
				v = strconv.FormatInt(op.num, 10)
			}
			args = append(args, "set", op.field, v)
		case opAdd:
			args = append(args, "add", op.field, strconv.FormatInt(op.num, 10))
		case opAddFloor:
			args = append(args, "addfloor", op.field,
				strconv.FormatInt(op.num, 10), strconv.FormatInt(op.floor, 10))
		default:
			return nil, fmt.Errorf("counter: unknown op kind %d", op.kind)
		}
	}
	return args, nil
}

// GoRedisClient adapts a go-redis client to RedisClient.
type GoRedisClient struct{ c *redis.Client }

// NewGoRedisClient connects to addr ("127.0.0.1:6379").
func NewGoRedisClient(addr string) *GoRedisClient {
	return &GoRedisClient{c: redis.NewClient(&redis.Options{Addr: addr})}
}

// WrapRedis adapts an existing client (tests point this at miniredis).
func WrapRedis(c *redis.Client) *GoRedisClient { return &GoRedisClient{c: c} }

func (g *GoRedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

func (g *GoRedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return g.c.HGetAll(ctx, key).Result()
}

func (g *GoRedisClient) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return g.c.Scan(ctx, cursor, match, count).Result()
}

func (g *GoRedisClient) Del(ctx context.Context, keys ...string) error {
	return g.c.Del(ctx, keys...).Err()
}
