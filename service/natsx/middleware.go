package natsx

import (
	"context"
	"time"

	"IMCore/logger"
	"IMCore/service/event"
	"IMCore/tools/safe"

	"go.uber.org/zap"
)

// Middleware 订阅回调中间件（日志、恢复、幂等）
type Middleware func(event.Handler) event.Handler

// Chain 第一个中间件在最外层
func Chain(h event.Handler, mws ...Middleware) event.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recover 回调 panic 转错误并记日志
func Recover() Middleware {
	return func(next event.Handler) event.Handler {
		return func(ctx context.Context, msg event.Message) error {
			err := safe.Call(func() error { return next(ctx, msg) })
			if err != nil {
				logger.Named("natsx").Error("subscriber callback failed", zap.String("subject", msg.Subject), zap.Error(err))
			}
			return err
		}
	}
}

// IdemMiddleware 按 eventId 头去重；没有头时退化为 subject+内容
func IdemMiddleware(store IdemStore, ttl time.Duration) Middleware {
	return func(next event.Handler) event.Handler {
		return func(ctx context.Context, msg event.Message) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				id = msg.Subject + "|" + string(msg.Data)
			}
			seen, err := store.SeenOnce(ctx, id, ttl)
			if err == nil && seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}

func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{event.HeaderEventID, "Nats-Msg-Id", "X-Msg-Id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}
