package storage

import (
	"context"
	"time"

	"IMCore/logger"

	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type BreakerConfig struct {
	Name             string        `yaml:"name" mapstructure:"name"`
	ConsecutiveFails uint32        `yaml:"consecutive_fails" mapstructure:"consecutive_fails"`
	OpenTimeout      time.Duration `yaml:"open_timeout" mapstructure:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests" mapstructure:"half_open_requests"`
}

// BreakerShared 给 SharedStore 套熔断：共享存储挂掉时快速失败，不拖慢注册 / 心跳路径
type BreakerShared struct {
	next SharedStore
	cb   *cb.CircuitBreaker
}

var _ SharedStore = (*BreakerShared)(nil)

func NewBreakerShared(next SharedStore, conf BreakerConfig) *BreakerShared {
	if conf.Name == "" {
		conf.Name = "shared-store"
	}
	if conf.ConsecutiveFails == 0 {
		conf.ConsecutiveFails = 5
	}
	if conf.OpenTimeout <= 0 {
		conf.OpenTimeout = 10 * time.Second
	}
	if conf.HalfOpenRequests == 0 {
		conf.HalfOpenRequests = 1
	}
	log := logger.Named("storage.breaker")
	return &BreakerShared{
		next: next,
		cb: cb.NewCircuitBreaker(cb.Settings{
			Name:        conf.Name,
			MaxRequests: conf.HalfOpenRequests,
			Timeout:     conf.OpenTimeout,
			ReadyToTrip: func(counts cb.Counts) bool {
				return counts.ConsecutiveFailures >= conf.ConsecutiveFails
			},
			OnStateChange: func(name string, from, to cb.State) {
				log.Warn("circuit breaker state change", zap.String("name", name),
					zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

func (b *BreakerShared) State() cb.State { return b.cb.State() }

func (b *BreakerShared) do(f func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, f() })
	return err
}

func (b *BreakerShared) Put(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	return b.do(func() error { return b.next.Put(ctx, key, fields, ttl) })
}

func (b *BreakerShared) Get(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := b.do(func() (err error) {
		out, err = b.next.Get(ctx, key)
		return err
	})
	return out, err
}

func (b *BreakerShared) Delete(ctx context.Context, keys ...string) error {
	return b.do(func() error { return b.next.Delete(ctx, keys...) })
}

func (b *BreakerShared) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.do(func() error { return b.next.Expire(ctx, key, ttl) })
}

func (b *BreakerShared) AddToSet(ctx context.Context, key string, members ...string) error {
	return b.do(func() error { return b.next.AddToSet(ctx, key, members...) })
}

func (b *BreakerShared) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	return b.do(func() error { return b.next.RemoveFromSet(ctx, key, members...) })
}

func (b *BreakerShared) Members(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := b.do(func() (err error) {
		out, err = b.next.Members(ctx, key)
		return err
	})
	return out, err
}
