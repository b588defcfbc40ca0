package event

import (
	"context"
	"strconv"
	"sync"
	"time"

	"IMCore/logger"
	"IMCore/tools/errs"
	"IMCore/tools/safe"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ===== 配置 =====

type PublisherConf struct {
	QueueSize     int           `yaml:"queue_size" mapstructure:"queue_size"`
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval" mapstructure:"batch_interval"`
	MaxRetries    int           `yaml:"max_retries" mapstructure:"max_retries"` // 0 => 3（默认）；<0 不重试
	BackoffBase   time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffCap    time.Duration `yaml:"backoff_cap" mapstructure:"backoff_cap"`
	Workers       int           `yaml:"workers" mapstructure:"workers"`
	Expiry        time.Duration `yaml:"expiry" mapstructure:"expiry"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" mapstructure:"shutdown_grace"`

	Service  string           `yaml:"-" mapstructure:"-"`
	Instance string           `yaml:"-" mapstructure:"-"`
	Clock    func() time.Time `yaml:"-" mapstructure:"-"`
}

func (c *PublisherConf) norm() {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchInterval == 0 {
		c.BatchInterval = time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Expiry <= 0 {
		c.Expiry = DefaultExpiry
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// RetryDelay min(2^n * base, cap)
func RetryDelay(n int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// ===== Future =====

type Future struct {
	done chan struct{}
	once sync.Once
	env  Envelope
	err  error
}

func newFuture(env Envelope) *Future { return &Future{done: make(chan struct{}), env: env} }

func (f *Future) resolve(env Envelope, err error) {
	f.once.Do(func() {
		f.env, f.err = env, err
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait 阻塞到投递有结论或 ctx 结束
func (f *Future) Wait(ctx context.Context) (Envelope, error) {
	select {
	case <-f.done:
		return f.env, f.err
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// EventID 入队时就已确定
func (f *Future) EventID() string { return f.env.EventID }

// ===== Publisher =====

type job struct {
	env     Envelope
	durable bool
	fut     *Future
}

type PublisherStats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Dropped    int64 `json:"dropped"`
	QueueDepth int   `json:"queueDepth"`
}

// Publisher 有界队列 + worker 池 + 定时批处理；Publish 从不阻塞
type Publisher struct {
	bus  Bus
	conf PublisherConf
	log  *zap.Logger

	mu     sync.RWMutex // 保护 closed 与 queue 的关闭
	closed bool
	queue  chan job

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   chan struct{}

	total, successful, failed, retried, dropped atomic.Int64
}

func NewPublisher(bus Bus, conf PublisherConf) *Publisher {
	safe.MustNotNil(bus, "bus")
	conf.norm()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		bus:    bus,
		conf:   conf,
		log:    logger.Named("event.publisher"),
		queue:  make(chan job, conf.QueueSize),
		runCtx: ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}
	for i := 0; i < conf.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	if conf.BatchInterval > 0 {
		p.wg.Add(1)
		go p.batchLoop()
	}
	return p
}

// Publish 构造信封并入队；队列满返回 ErrQueueSaturated（dropped+1）
func (p *Publisher) Publish(ctx context.Context, subject string, payload any, durable bool) (*Future, error) {
	now := p.conf.Clock()
	env, err := NewAt(subject, TypeNotification, payload, now)
	if err != nil {
		return nil, err
	}
	env = env.FromService(p.conf.Service, p.conf.Instance).
		WithMaxRetries(p.conf.MaxRetries).
		WithExpiresAt(now.Add(p.conf.Expiry))
	return p.PublishEnvelope(ctx, env, durable)
}

// PublishEnvelope 已构造好的信封直接入队；未填来源时补上本实例
func (p *Publisher) PublishEnvelope(ctx context.Context, env Envelope, durable bool) (*Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidSubject(env.Subject) || env.EventID == "" {
		return nil, errs.ErrInvalidSubject.WrapMsg("envelope", "subject", env.Subject)
	}
	if env.SourceService == "" && env.SourceInstance == "" {
		env = env.FromService(p.conf.Service, p.conf.Instance)
	}
	fut := newFuture(env)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, errs.ErrPublisherClosed.Wrap()
	}
	select {
	case p.queue <- job{env: env, durable: durable, fut: fut}:
		p.total.Inc()
		return fut, nil
	default:
		p.dropped.Inc()
		p.log.Warn("publish queue saturated, drop event", zap.String("subject", env.Subject), zap.String("eventId", env.EventID))
		return nil, errs.ErrQueueSaturated.WrapMsg("queue full", "capacity", p.conf.QueueSize)
	}
}

func (p *Publisher) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(p.runCtx, j)
		}
	}
}

// batchLoop 每个周期再捞一批并行处理，积压时加速消化
func (p *Publisher) batchLoop() {
	defer p.wg.Done()
	t := time.NewTicker(p.conf.BatchInterval)
	defer t.Stop()
	for {
		select {
		case <-p.runCtx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			batch := p.take(p.conf.BatchSize)
			if len(batch) == 0 {
				continue
			}
			g, ctx := errgroup.WithContext(p.runCtx)
			for _, j := range batch {
				j := j
				g.Go(func() error {
					p.process(ctx, j)
					return nil
				})
			}
			_ = g.Wait()
		}
	}
}

func (p *Publisher) take(n int) []job {
	out := make([]job, 0, n)
	for len(out) < n {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return out
			}
			out = append(out, j)
		default:
			return out
		}
	}
	return out
}

// process 过期检查 -> 发送 -> 失败退避重试；每条 job 只 resolve 一次
func (p *Publisher) process(ctx context.Context, j job) {
	env := j.env
	for {
		if env.IsExpired(p.conf.Clock()) {
			p.dropped.Inc()
			p.log.Warn("event expired before delivery", zap.String("subject", env.Subject),
				zap.String("eventId", env.EventID), zap.Int("retry", env.RetryCount))
			j.fut.resolve(env.WithTimeout(), errs.ErrExpired.WrapMsg("expired", "eventId", env.EventID))
			return
		}
		err := p.transmit(ctx, env, j.durable)
		if err == nil {
			p.successful.Inc()
			j.fut.resolve(env.WithSuccess(), nil)
			return
		}
		env = env.WithFailure(strconv.Itoa(errs.CodeOf(err)), err.Error())
		if !env.CanRetry() {
			p.failed.Inc()
			p.log.Error("event publish failed", zap.String("subject", env.Subject),
				zap.String("eventId", env.EventID), zap.Int("retry", env.RetryCount), zap.Error(err))
			j.fut.resolve(env, errs.WrapMsg(err, "publish failed", "eventId", env.EventID))
			return
		}
		p.retried.Inc()
		delay := RetryDelay(env.RetryCount, p.conf.BackoffBase, p.conf.BackoffCap)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.dropped.Inc()
			j.fut.resolve(env, errs.ErrPublisherClosed.WrapMsg("shutdown during retry", "eventId", env.EventID))
			return
		case <-timer.C:
		}
		env = env.WithRetry()
	}
}

func (p *Publisher) transmit(ctx context.Context, env Envelope, durable bool) error {
	b, err := env.Encode()
	if err != nil {
		return err
	}
	hdr := map[string]string{HeaderEventID: env.EventID, HeaderSubject: env.Subject}
	if durable {
		return p.bus.PublishDurable(ctx, env.Subject, b, hdr)
	}
	return p.bus.Publish(ctx, env.Subject, b, hdr)
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Total:      p.total.Load(),
		Successful: p.successful.Load(),
		Failed:     p.failed.Load(),
		Retried:    p.retried.Load(),
		Dropped:    p.dropped.Load(),
		QueueDepth: len(p.queue),
	}
}

// Shutdown 停止入队，宽限期内继续消化；超时后强停，剩余的记为 dropped
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	close(p.stop)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.conf.ShutdownGrace)
	defer grace.Stop()
	var err error
	select {
	case <-done:
	case <-grace.C:
		err = errs.ErrPublisherClosed.WrapMsg("shutdown grace elapsed")
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.cancel()
	<-done

	left := 0
	for j := range p.queue {
		left++
		p.dropped.Inc()
		j.fut.resolve(j.env, errs.ErrPublisherClosed.WrapMsg("dropped on shutdown", "eventId", j.env.EventID))
	}
	st := p.Stats()
	p.log.Info("publisher stopped", zap.Int("leftover", left), zap.Int64("total", st.Total),
		zap.Int64("successful", st.Successful), zap.Int64("failed", st.Failed), zap.Int64("dropped", st.Dropped))
	return err
}
