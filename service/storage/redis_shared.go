package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// 原子覆盖写：DEL + HSET + PEXPIRE，避免读到新旧字段混合
// KEYS[1] = hash key
// ARGV[1] = ttl ms（<=0 不过期）
// ARGV[2..] = field, value, field, value ...
const luaPutHash = `
local k = KEYS[1]
local ttl = tonumber(ARGV[1])
redis.call("DEL", k)
for i = 2, #ARGV, 2 do
  redis.call("HSET", k, ARGV[i], ARGV[i+1])
end
if ttl > 0 then
  redis.call("PEXPIRE", k, ttl)
end
return 1
`

// RedisShared 基于 go-redis 的 SharedStore；单机 / 哨兵 / 集群都走 UniversalClient
type RedisShared struct {
	rdb    redis.UniversalClient
	putLua *redis.Script
}

var _ SharedStore = (*RedisShared)(nil)

func NewRedisShared(rdb redis.UniversalClient) *RedisShared {
	return &RedisShared{rdb: rdb, putLua: redis.NewScript(luaPutHash)}
}

func (r *RedisShared) Put(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	args := make([]any, 0, 1+2*len(fields))
	args = append(args, ttl.Milliseconds())
	for k, v := range fields {
		args = append(args, k, v)
	}
	return r.putLua.Run(ctx, r.rdb, []string{key}, args...).Err()
}

func (r *RedisShared) Get(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.rdb.HGetAll(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func (r *RedisShared) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *RedisShared) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return r.rdb.Persist(ctx, key).Err()
	}
	return r.rdb.PExpire(ctx, key, ttl).Err()
}

func (r *RedisShared) AddToSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return r.rdb.SAdd(ctx, key, toAny(members)...).Err()
}

func (r *RedisShared) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return r.rdb.SRem(ctx, key, toAny(members)...).Err()
}

func (r *RedisShared) Members(ctx context.Context, key string) ([]string, error) {
	out, err := r.rdb.SMembers(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return out, err
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
