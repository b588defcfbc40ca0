package natsx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"IMCore/logger"
	"IMCore/service/event"
	"IMCore/tools/errs"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config 客户端配置
type Config struct {
	Servers         []string      `yaml:"servers" mapstructure:"servers"`
	Name            string        `yaml:"name" mapstructure:"name"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait" mapstructure:"reconnect_wait"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PublishAsyncMax int           `yaml:"publish_async_max" mapstructure:"publish_async_max"`

	// JetStream：durable 发布落到这个 stream
	Stream         string        `yaml:"stream" mapstructure:"stream"`
	StreamSubjects []string      `yaml:"stream_subjects" mapstructure:"stream_subjects"`
	StreamMaxAge   time.Duration `yaml:"stream_max_age" mapstructure:"stream_max_age"`
	DedupeWindow   time.Duration `yaml:"dedupe_window" mapstructure:"dedupe_window"`

	// Queue 非空时订阅走队列组（同组实例分摊）；广播场景留空
	Queue string `yaml:"queue" mapstructure:"queue"`
}

func (c *Config) norm() {
	if c.Name == "" {
		c.Name = "imcore"
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.PublishAsyncMax == 0 {
		c.PublishAsyncMax = 4096
	}
	if c.Stream == "" {
		c.Stream = "COMMUNICATION"
	}
	if len(c.StreamSubjects) == 0 {
		c.StreamSubjects = []string{"communication.>"}
	}
	if c.StreamMaxAge == 0 {
		c.StreamMaxAge = 24 * time.Hour
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 2 * time.Minute
	}
}

// Client 基于 core NATS 的 event.Bus；PublishDurable 走 JetStream 并带 Nats-Msg-Id 去重
type Client struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *zap.Logger
	mws []Middleware

	mu     sync.Mutex
	subs   []*nats.Subscription
	jsOnce sync.Once
	jsErr  error
}

var _ event.Bus = (*Client)(nil)

// Connect 建连；首连失败按指数退避重试，ctx 结束即放弃
func Connect(ctx context.Context, cfg Config, mws ...Middleware) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("nats servers missing")
	}
	cfg.norm()
	log := logger.Named("natsx")
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	var nc *nats.Conn
	op := func() error {
		var err error
		nc, err = nats.Connect(strings.Join(cfg.Servers, ","), opts...)
		if errors.Is(err, nats.ErrAuthorization) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, errs.WrapMsg(err, "nats connect failed", "servers", cfg.Servers)
	}
	log.Info("nats connected", zap.String("url", nc.ConnectedUrl()))
	return &Client{cfg: cfg, nc: nc, log: log, mws: mws}, nil
}

// ensureJS 懒初始化 JetStream 并确保 stream 存在
func (c *Client) ensureJS() error {
	c.jsOnce.Do(func() {
		js, err := c.nc.JetStream(nats.PublishAsyncMaxPending(c.cfg.PublishAsyncMax))
		if err != nil {
			c.jsErr = err
			return
		}
		_, err = js.StreamInfo(c.cfg.Stream)
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, err = js.AddStream(&nats.StreamConfig{
				Name:       c.cfg.Stream,
				Subjects:   c.cfg.StreamSubjects,
				MaxAge:     c.cfg.StreamMaxAge,
				Duplicates: c.cfg.DedupeWindow,
				Storage:    nats.FileStorage,
			})
			if err == nil {
				c.log.Info("jetstream stream created", zap.String("stream", c.cfg.Stream), zap.Strings("subjects", c.cfg.StreamSubjects))
			}
		}
		if err != nil {
			c.jsErr = err
			return
		}
		c.js = js
	})
	return c.jsErr
}

func (c *Client) Publish(_ context.Context, subject string, data []byte, hdr map[string]string) error {
	if !event.ValidSubject(subject) {
		return errs.ErrInvalidSubject.WrapMsg("subject", "subject", subject)
	}
	if err := c.nc.PublishMsg(newMsg(subject, data, hdr)); err != nil {
		return classify(err, "nats publish", subject)
	}
	return nil
}

// PublishDurable 等 JetStream ack；eventId 作为 Nats-Msg-Id，服务端在去重窗口内丢弃重复
func (c *Client) PublishDurable(ctx context.Context, subject string, data []byte, hdr map[string]string) error {
	if !event.ValidSubject(subject) {
		return errs.ErrInvalidSubject.WrapMsg("subject", "subject", subject)
	}
	if err := c.ensureJS(); err != nil {
		return classify(err, "init jetstream", subject)
	}
	msg := newMsg(subject, data, hdr)
	opts := []nats.PubOpt{nats.Context(ctx)}
	if id := hdr[event.HeaderEventID]; id != "" {
		opts = append(opts, nats.MsgId(id))
	}
	ack, err := c.js.PublishMsg(msg, opts...)
	if err != nil {
		return classify(err, "jetstream publish", subject)
	}
	if ack.Duplicate {
		c.log.Debug("duplicate durable publish ignored by server", zap.String("subject", subject), zap.Uint64("seq", ack.Sequence))
	}
	return nil
}

// Subscribe "a.b.*" 转成 NATS 的 "a.b.>"（多级）
func (c *Client) Subscribe(pattern string, h event.Handler) error {
	if !event.ValidPattern(pattern) {
		return errs.ErrInvalidSubject.WrapMsg("pattern", "pattern", pattern)
	}
	h = Chain(h, c.mws...)
	cb := func(m *nats.Msg) {
		_ = h(context.Background(), event.Message{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		})
	}
	subject := ToNatsSubject(pattern)
	var (
		sub *nats.Subscription
		err error
	)
	if c.cfg.Queue == "" {
		sub, err = c.nc.Subscribe(subject, cb)
	} else {
		sub, err = c.nc.QueueSubscribe(subject, c.cfg.Queue, cb)
	}
	if err != nil {
		return classify(err, "nats subscribe", subject)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close drain 订阅与连接
func (c *Client) Close() error {
	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	c.subs = nil
	c.mu.Unlock()
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

// ToNatsSubject 通配尾 ".*" => ".>"
func ToNatsSubject(pattern string) string {
	if prefix, ok := event.WildcardPrefix(pattern); ok {
		return prefix + ".>"
	}
	return pattern
}

func newMsg(subject string, data []byte, hdr map[string]string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Set(k, v)
	}
	return msg
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// classify 连接类错误归为 ErrTransient，由 Publisher 退避重试
func classify(err error, op, subject string) error {
	switch {
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, context.DeadlineExceeded):
		return errs.ErrTransient.WrapMsg(op, "subject", subject, "err", err)
	}
	return errs.WrapMsg(err, op, "subject", subject)
}
