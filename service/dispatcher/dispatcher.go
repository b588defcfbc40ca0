// Package dispatcher 按主题把事件分发给显式注册的处理器
//
// 匹配规则：先精确主题组，再通配组（"a.b.*"）；组内按 priority 升序，同优先级按注册顺序。
// 同步处理器依次执行；异步处理器各起一个 goroutine。处理器报错或 panic 只记日志，不影响其他处理器。
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"IMCore/logger"
	"IMCore/service/event"
	"IMCore/tools/errs"
	"IMCore/tools/safe"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type HandlerFunc func(ctx context.Context, env event.Envelope) error

type Option func(*entry)

func WithDescription(desc string) Option { return func(e *entry) { e.desc = desc } }

// Disabled 注册后默认不启用
func Disabled() Option { return func(e *entry) { e.enabled.Store(false) } }

type entry struct {
	id       string
	pattern  string
	priority int
	async    bool
	desc     string
	order    uint64
	fn       HandlerFunc
	enabled  atomic.Bool
}

// HandlerInfo 注册信息快照
type HandlerInfo struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	Priority    int    `json:"priority"`
	Async       bool   `json:"async"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

type Dispatcher struct {
	mu       sync.RWMutex
	exact    map[string][]*entry
	wildcard map[string][]*entry // key: 完整模式 "a.b.*"
	byID     map[string]*entry
	seq      uint64

	log *zap.Logger
	wg  sync.WaitGroup

	dispatched    atomic.Int64
	unmatched     atomic.Int64
	handlerErrors atomic.Int64
}

func New() *Dispatcher {
	return &Dispatcher{
		exact:    make(map[string][]*entry),
		wildcard: make(map[string][]*entry),
		byID:     make(map[string]*entry),
		log:      logger.Named("dispatcher"),
	}
}

// Register 返回处理器 id，用于 Disable / Enable
func (d *Dispatcher) Register(subject string, priority int, async bool, h HandlerFunc, opts ...Option) (string, error) {
	if !event.ValidPattern(subject) {
		return "", errs.ErrInvalidSubject.WrapMsg("register", "subject", subject)
	}
	if h == nil {
		return "", errs.ErrInvalidArgument.WrapMsg("handler is nil", "subject", subject)
	}
	e := &entry{pattern: subject, priority: priority, async: async, fn: h}
	e.enabled.Store(true)
	for _, o := range opts {
		o(e)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	e.order = d.seq
	e.id = fmt.Sprintf("%s#%d", subject, d.seq)
	d.byID[e.id] = e
	if _, ok := event.WildcardPrefix(subject); ok {
		d.wildcard[subject] = insertSorted(d.wildcard[subject], e)
	} else {
		d.exact[subject] = insertSorted(d.exact[subject], e)
	}
	d.log.Debug("handler registered", zap.String("id", e.id), zap.Int("priority", priority), zap.Bool("async", async))
	return e.id, nil
}

// MustRegister 启动期注册，失败直接 panic
func (d *Dispatcher) MustRegister(subject string, priority int, async bool, h HandlerFunc, opts ...Option) string {
	id, err := d.Register(subject, priority, async, h, opts...)
	if err != nil {
		panic(err)
	}
	return id
}

func insertSorted(list []*entry, e *entry) []*entry {
	out := append(append([]*entry(nil), list...), e)
	sortEntries(out)
	return out
}

func sortEntries(list []*entry) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].order < list[j].order
	})
}

func (d *Dispatcher) Disable(id string) bool { return d.setEnabled(id, false) }
func (d *Dispatcher) Enable(id string) bool  { return d.setEnabled(id, true) }

func (d *Dispatcher) setEnabled(id string, on bool) bool {
	d.mu.RLock()
	e, ok := d.byID[id]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	e.enabled.Store(on)
	return true
}

// Unregister 删除处理器
func (d *Dispatcher) Unregister(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.byID[id]
	if !ok {
		return false
	}
	delete(d.byID, id)
	m := d.exact
	if _, wc := event.WildcardPrefix(e.pattern); wc {
		m = d.wildcard
	}
	list := make([]*entry, 0, len(m[e.pattern]))
	for _, x := range m[e.pattern] {
		if x != e {
			list = append(list, x)
		}
	}
	if len(list) == 0 {
		delete(m, e.pattern)
	} else {
		m[e.pattern] = list
	}
	return true
}

// HandlerCount 已注册处理器总数（含禁用的）
func (d *Dispatcher) HandlerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// Subjects 已注册的主题 / 模式（排序）
func (d *Dispatcher) Subjects() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.exact)+len(d.wildcard))
	for s := range d.exact {
		out = append(out, s)
	}
	for s := range d.wildcard {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) Handlers() []HandlerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]HandlerInfo, 0, len(d.byID))
	for _, e := range d.byID {
		out = append(out, HandlerInfo{
			ID: e.id, Subject: e.pattern, Priority: e.priority,
			Async: e.async, Enabled: e.enabled.Load(), Description: e.desc,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// match 精确组 + 通配组，两组各自有序
func (d *Dispatcher) match(subject string) []*entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := append([]*entry(nil), d.exact[subject]...)
	var wc []*entry
	for p, list := range d.wildcard {
		if event.Match(p, subject) {
			wc = append(wc, list...)
		}
	}
	sortEntries(wc)
	return append(out, wc...)
}

// Dispatch 返回被调用的处理器数（含异步）；无匹配时记日志丢弃
func (d *Dispatcher) Dispatch(ctx context.Context, subject string, env event.Envelope) int {
	list := d.match(subject)
	n := 0
	for _, e := range list {
		if !e.enabled.Load() {
			continue
		}
		n++
		if e.async {
			e := e
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.invoke(ctx, e, env)
			}()
			continue
		}
		d.invoke(ctx, e, env)
	}
	if n == 0 {
		d.unmatched.Inc()
		d.log.Warn("no handler for subject, drop", zap.String("subject", subject), zap.String("eventId", env.EventID))
		return 0
	}
	d.dispatched.Inc()
	return n
}

func (d *Dispatcher) invoke(ctx context.Context, e *entry, env event.Envelope) {
	if err := safe.Call(func() error { return e.fn(ctx, env) }); err != nil {
		d.handlerErrors.Inc()
		d.log.Error("handler failed", zap.String("handler", e.id), zap.String("subject", env.Subject),
			zap.String("eventId", env.EventID), zap.Error(err))
	}
}

// Wait 等待已启动的异步处理器结束
func (d *Dispatcher) Wait() { d.wg.Wait() }

type Stats struct {
	Dispatched    int64 `json:"dispatched"`
	Unmatched     int64 `json:"unmatched"`
	HandlerErrors int64 `json:"handlerErrors"`
	Handlers      int   `json:"handlers"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:    d.dispatched.Load(),
		Unmatched:     d.unmatched.Load(),
		HandlerErrors: d.handlerErrors.Load(),
		Handlers:      d.HandlerCount(),
	}
}
