package natsx

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ----- 抽象存储 -----
type IdemStore interface {
	SeenOnce(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
}

// ----- 内存实现（单进程） -----

type MemIdem struct {
	mu   sync.Mutex
	m    map[string]time.Time // key -> 过期时间
	ttl  time.Duration
	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// NewMemIdem 启动一个每分钟清理过期 key 的协程；用完调 Close
func NewMemIdem(defaultTTL time.Duration, now func() time.Time) *MemIdem {
	if now == nil {
		now = time.Now
	}
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	mi := &MemIdem{m: make(map[string]time.Time), ttl: defaultTTL, now: now, stop: make(chan struct{})}
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-mi.stop:
				return
			case <-t.C:
				mi.purge()
			}
		}
	}()
	return mi
}

func (mi *MemIdem) purge() {
	now := mi.now()
	mi.mu.Lock()
	for k, exp := range mi.m {
		if !now.Before(exp) {
			delete(mi.m, k)
		}
	}
	mi.mu.Unlock()
}

func (mi *MemIdem) SeenOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if exp, ok := mi.m[key]; ok && now.Before(exp) {
		return true, nil // 已见过
	}
	mi.m[key] = now.Add(ttl)
	return false, nil
}

func (mi *MemIdem) Len() int {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return len(mi.m)
}

func (mi *MemIdem) Close() { mi.once.Do(func() { close(mi.stop) }) }

// ----- redis 实现（跨实例） -----

const idemKeyPrefix = "comm:idem:"

type RedisIdem struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisIdem(rdb redis.UniversalClient, defaultTTL time.Duration) *RedisIdem {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &RedisIdem{rdb: rdb, ttl: defaultTTL}
}

// SeenOnce SET NX 成功说明第一次见到
func (r *RedisIdem) SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = r.ttl
	}
	ok, err := r.rdb.SetNX(ctx, idemKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}
