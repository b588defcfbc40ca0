package redis

import (
	"context"
	"time"

	"IMCore/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Config 用于初始化 Redis；Addrs 多于一个时走集群客户端
type Config struct {
	Addrs    []string `yaml:"addrs" mapstructure:"addrs"`
	Password string   `yaml:"password" mapstructure:"password"`
	DB       int      `yaml:"db" mapstructure:"db"`
	PoolSize int      `yaml:"pool_size" mapstructure:"pool_size"`
}

// NewClient 建连并 Ping（3s 超时）
func NewClient(ctx context.Context, c Config) (redis.UniversalClient, error) {
	if len(c.Addrs) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("redis addrs is required")
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 50
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    c.Addrs,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.WrapMsg(err, "redis ping failed", "addrs", c.Addrs)
	}
	return rdb, nil
}
