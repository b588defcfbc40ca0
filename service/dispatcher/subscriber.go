package dispatcher

import (
	"context"
	"time"

	"IMCore/logger"
	"IMCore/service/event"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// IdemStore 首次见到 key 返回 false；natsx 提供内存与 redis 实现
type IdemStore interface {
	SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type SubscriberConf struct {
	IdemTTL time.Duration    // 去重窗口（默认 10m）
	Clock   func() time.Time // nil => time.Now
}

// Subscriber 总线 -> Envelope -> Dispatcher；过期与重复的直接跳过
type Subscriber struct {
	d    *Dispatcher
	idem IdemStore
	conf SubscriberConf
	log  *zap.Logger

	received, expired, duplicated, malformed atomic.Int64
}

// NewSubscriber idem 可为 nil（不去重）
func NewSubscriber(d *Dispatcher, idem IdemStore, conf SubscriberConf) *Subscriber {
	if conf.IdemTTL <= 0 {
		conf.IdemTTL = 10 * time.Minute
	}
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	return &Subscriber{d: d, idem: idem, conf: conf, log: logger.Named("dispatcher.sub")}
}

// Attach 在总线上订阅一组模式
func (s *Subscriber) Attach(bus event.Bus, patterns ...string) error {
	for _, p := range patterns {
		if err := bus.Subscribe(p, s.Handle); err != nil {
			return err
		}
		s.log.Info("subscribed", zap.String("pattern", p))
	}
	return nil
}

// Handle 作为 event.Handler 使用；坏消息只记日志并返回 nil，避免被总线反复投递
func (s *Subscriber) Handle(ctx context.Context, msg event.Message) error {
	s.received.Inc()
	env, err := event.Decode(msg.Data)
	if err != nil {
		s.malformed.Inc()
		s.log.Warn("drop malformed event", zap.String("subject", msg.Subject), zap.Error(err))
		return nil
	}
	if env.IsExpired(s.conf.Clock()) {
		s.expired.Inc()
		s.log.Info("skip expired event", zap.String("subject", env.Subject), zap.String("eventId", env.EventID))
		return nil
	}
	if s.idem != nil {
		seen, err := s.idem.SeenOnce(ctx, env.EventID, s.conf.IdemTTL)
		if err != nil {
			// 去重存储不可用时宁可重复处理
			s.log.Warn("idem store failed", zap.String("eventId", env.EventID), zap.Error(err))
		} else if seen {
			s.duplicated.Inc()
			return nil
		}
	}
	s.d.Dispatch(ctx, env.Subject, env)
	return nil
}

type SubscriberStats struct {
	Received   int64 `json:"received"`
	Expired    int64 `json:"expired"`
	Duplicated int64 `json:"duplicated"`
	Malformed  int64 `json:"malformed"`
}

func (s *Subscriber) Stats() SubscriberStats {
	return SubscriberStats{
		Received:   s.received.Load(),
		Expired:    s.expired.Load(),
		Duplicated: s.duplicated.Load(),
		Malformed:  s.malformed.Load(),
	}
}
