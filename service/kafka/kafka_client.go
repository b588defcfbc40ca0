package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"IMCore/logger"
	"IMCore/service/event"
	"IMCore/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Client 基于 sarama 的 event.Bus：
// Publish 走 AsyncProducer（发出即返回），PublishDurable 走 SyncProducer（等 WaitForAll ack）。
// 订阅用 consumer group，主题名即事件 subject。
type Client struct {
	cfg    Config
	client sarama.Client
	sync   sarama.SyncProducer
	async  sarama.AsyncProducer
	group  sarama.ConsumerGroup
	log    *zap.Logger

	routes *router

	mu      sync.Mutex
	running bool
	reload  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ event.Bus = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("kafka brokers missing")
	}
	cfg.norm()
	scfg, err := BuildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	cl, err := sarama.NewClient(cfg.Brokers, scfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka client", "brokers", cfg.Brokers)
	}
	c := &Client{cfg: cfg, client: cl, log: logger.Named("kafka"), routes: newRouter(), reload: make(chan struct{}, 1)}

	if cfg.AutoCreateTopics && len(cfg.Topics) > 0 {
		if err := c.ensureTopics(cfg.Topics); err != nil {
			_ = cl.Close()
			return nil, err
		}
	}
	if c.sync, err = sarama.NewSyncProducerFromClient(cl); err != nil {
		_ = cl.Close()
		return nil, errs.WrapMsg(err, "kafka sync producer")
	}
	if c.async, err = sarama.NewAsyncProducerFromClient(cl); err != nil {
		_ = c.sync.Close()
		_ = cl.Close()
		return nil, errs.WrapMsg(err, "kafka async producer")
	}
	if c.group, err = sarama.NewConsumerGroupFromClient(cfg.GroupID, cl); err != nil {
		_ = c.async.Close()
		_ = c.sync.Close()
		_ = cl.Close()
		return nil, errs.WrapMsg(err, "kafka consumer group", "group", cfg.GroupID)
	}
	c.wg.Add(1)
	go c.drainAsync()
	return c, nil
}

func (c *Client) drainAsync() {
	defer c.wg.Done()
	succ, errCh := c.async.Successes(), c.async.Errors()
	for succ != nil || errCh != nil {
		select {
		case m, ok := <-succ:
			if !ok {
				succ = nil
				continue
			}
			c.log.Debug("async sent", zap.String("topic", m.Topic), zap.Int32("partition", m.Partition), zap.Int64("offset", m.Offset))
		case e, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			c.log.Warn("async send failed", zap.String("topic", e.Msg.Topic), zap.Error(e.Err))
		}
	}
}

func (c *Client) Publish(ctx context.Context, subject string, data []byte, hdr map[string]string) error {
	if !event.ValidSubject(subject) {
		return errs.ErrInvalidSubject.WrapMsg("subject", "subject", subject)
	}
	select {
	case c.async.Input() <- producerMessage(subject, data, hdr):
		return nil
	case <-ctx.Done():
		return errs.ErrTransient.WrapMsg("kafka async input blocked", "subject", subject, "err", ctx.Err())
	}
}

func (c *Client) PublishDurable(_ context.Context, subject string, data []byte, hdr map[string]string) error {
	if !event.ValidSubject(subject) {
		return errs.ErrInvalidSubject.WrapMsg("subject", "subject", subject)
	}
	if _, _, err := c.sync.SendMessage(producerMessage(subject, data, hdr)); err != nil {
		return classify(err, subject)
	}
	return nil
}

// Subscribe 登记路由；消费组运行中会带着新主题集合重新加入
func (c *Client) Subscribe(pattern string, h event.Handler) error {
	if !event.ValidPattern(pattern) {
		return errs.ErrInvalidSubject.WrapMsg("pattern", "pattern", pattern)
	}
	c.routes.add(pattern, h)
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		select {
		case c.reload <- struct{}{}:
		default:
		}
	}
	return nil
}

// Start 启动消费组循环（幂等）；ctx 结束或 Close 时退出
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.log.Warn("consumer group error", zap.Error(err))
		}
	}()
	go func() {
		defer c.wg.Done()
		c.consumeLoop(ctx)
	}()
}

func (c *Client) consumeLoop(ctx context.Context) {
	h := &groupHandler{routes: c.routes, log: c.log}
	for ctx.Err() == nil {
		topics := c.resolveTopics()
		if len(topics) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-c.reload:
			case <-time.After(5 * time.Second):
			}
			continue
		}
		sessCtx, cancel := context.WithCancel(ctx)
		stop := make(chan struct{})
		go func() {
			select {
			case <-c.reload:
				cancel()
			case <-stop:
			}
		}()
		err := c.group.Consume(sessCtx, topics, h)
		close(stop)
		cancel()
		if err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			c.log.Warn("consume error", zap.Strings("topics", topics), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
	}
}

// resolveTopics 路由模式 × (配置主题 ∪ 集群元数据主题)
func (c *Client) resolveTopics() []string {
	known := append([]string(nil), c.cfg.Topics...)
	if c.routes.hasWildcard() {
		if err := c.client.RefreshMetadata(); err != nil {
			c.log.Debug("refresh metadata failed", zap.Error(err))
		}
		if ts, err := c.client.Topics(); err == nil {
			known = append(known, ts...)
		}
	}
	return c.routes.resolve(known)
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(c.group.Close())
	c.async.AsyncClose()
	keep(c.sync.Close())
	c.wg.Wait()
	keep(c.client.Close())
	return first
}

func producerMessage(subject string, data []byte, hdr map[string]string) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{Topic: subject, Value: sarama.ByteEncoder(data)}
	if id := hdr[event.HeaderEventID]; id != "" {
		msg.Key = sarama.StringEncoder(id)
	}
	for k, v := range hdr {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return msg
}

func headersToMap(hs []*sarama.RecordHeader) map[string]string {
	if len(hs) == 0 {
		return nil
	}
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		if h != nil {
			out[string(h.Key)] = string(h.Value)
		}
	}
	return out
}

// classify broker 不可用 / leader 切换 / 超时归为 ErrTransient
func classify(err error, subject string) error {
	var pe *sarama.ProducerError
	inner := err
	if errors.As(err, &pe) {
		inner = pe.Err
	}
	switch {
	case errors.Is(inner, sarama.ErrOutOfBrokers),
		errors.Is(inner, sarama.ErrNotConnected),
		errors.Is(inner, sarama.ErrRequestTimedOut),
		errors.Is(inner, sarama.ErrLeaderNotAvailable),
		errors.Is(inner, sarama.ErrNotLeaderForPartition),
		errors.Is(inner, sarama.ErrNotEnoughReplicas):
		return errs.ErrTransient.WrapMsg("kafka send", "topic", subject, "err", inner)
	}
	return errs.WrapMsg(err, "kafka send", "topic", subject)
}
