package event

import (
	"context"
	"sync"

	"IMCore/tools/errs"
)

const (
	HeaderEventID = "X-Event-Id"
	HeaderSubject = "X-Event-Subject"
)

// Message 总线上的一条原始消息
type Message struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

type Handler func(ctx context.Context, msg Message) error

// Bus 消息总线；Publish 尽力投递，PublishDurable 要求持久化确认
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte, hdr map[string]string) error
	PublishDurable(ctx context.Context, subject string, data []byte, hdr map[string]string) error
	// Subscribe pattern 支持末尾 ".*"
	Subscribe(pattern string, h Handler) error
	Close() error
}

// ===== 进程内总线 =====

// MemBus 同步投递给匹配的订阅者；单实例部署和单测用
type MemBus struct {
	mu     sync.RWMutex
	subs   []memSub
	sent   []Message
	closed bool

	// failN > 0 时接下来 failN 次发布返回 failErr
	failN   int
	failErr error
}

type memSub struct {
	pattern string
	h       Handler
}

var _ Bus = (*MemBus)(nil)

func NewMemBus() *MemBus { return &MemBus{} }

// FailNext 接下来 n 次发布失败（n<0 表示一直失败）
func (b *MemBus) FailNext(n int, err error) {
	b.mu.Lock()
	b.failN, b.failErr = n, err
	b.mu.Unlock()
}

// Sent 已成功发布的消息快照
func (b *MemBus) Sent() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Message(nil), b.sent...)
}

func (b *MemBus) Publish(ctx context.Context, subject string, data []byte, hdr map[string]string) error {
	if !ValidSubject(subject) {
		return errs.ErrInvalidSubject.WrapMsg("subject", "subject", subject)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errs.ErrPublisherClosed.WrapMsg("bus closed")
	}
	if b.failN != 0 {
		if b.failN > 0 {
			b.failN--
		}
		err := b.failErr
		b.mu.Unlock()
		return err
	}
	msg := Message{Subject: subject, Data: append([]byte(nil), data...), Header: copyHeader(hdr)}
	b.sent = append(b.sent, msg)
	var hs []Handler
	for _, s := range b.subs {
		if Match(s.pattern, subject) {
			hs = append(hs, s.h)
		}
	}
	b.mu.Unlock()

	for _, h := range hs {
		_ = h(ctx, msg)
	}
	return nil
}

func (b *MemBus) PublishDurable(ctx context.Context, subject string, data []byte, hdr map[string]string) error {
	return b.Publish(ctx, subject, data, hdr)
}

func (b *MemBus) Subscribe(pattern string, h Handler) error {
	if !ValidPattern(pattern) {
		return errs.ErrInvalidSubject.WrapMsg("pattern", "pattern", pattern)
	}
	b.mu.Lock()
	b.subs = append(b.subs, memSub{pattern: pattern, h: h})
	b.mu.Unlock()
	return nil
}

func (b *MemBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = nil
	b.mu.Unlock()
	return nil
}

func copyHeader(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
