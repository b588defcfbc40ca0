package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"IMCore/module/message/model"
)

// ErrMemTransient 内存驱动注入的瞬时错误（单测用）
var ErrMemTransient = errors.New("mem driver: transient failure")

// MemDriver 内存实现（单测 / 单机演示）；每个分区一把锁，分区之间互不影响
type MemDriver struct {
	mu    sync.RWMutex
	parts map[string]*memPartition

	// BeforeInsert 单测钩子：返回非 nil 则本次 Insert 以该错误失败
	BeforeInsert func(rc RoutingContext, m *model.Message) error
	// BeforeMaxSeq 单测钩子
	BeforeMaxSeq func(rc RoutingContext) error
}

type memPartition struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]*model.Message
	bySeq  map[int64]map[int64]int64  // conv -> seq -> id
	byCID  map[int64]map[string]int64 // conv -> client_msg_id -> id
}

func NewMemDriver() *MemDriver {
	return &MemDriver{parts: make(map[string]*memPartition)}
}

func (d *MemDriver) part(name string) *memPartition {
	d.mu.RLock()
	p := d.parts[name]
	d.mu.RUnlock()
	if p != nil {
		return p
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p = d.parts[name]; p == nil {
		p = &memPartition{
			rows:  make(map[int64]*model.Message),
			bySeq: make(map[int64]map[int64]int64),
			byCID: make(map[int64]map[string]int64),
		}
		d.parts[name] = p
	}
	return p
}

// Partitions 已创建的分区名（单测校验“只落在一个分区”）
func (d *MemDriver) Partitions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.parts))
	for k, p := range d.parts {
		p.mu.RLock()
		n := len(p.rows)
		p.mu.RUnlock()
		if n > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (d *MemDriver) EnsurePartition(_ context.Context, partition string) error {
	d.part(partition)
	return nil
}

func (d *MemDriver) Insert(_ context.Context, rc RoutingContext, m *model.Message) error {
	if d.BeforeInsert != nil {
		if err := d.BeforeInsert(rc, m); err != nil {
			return err
		}
	}
	return d.RawInsert(rc, m)
}

// RawInsert 绕过钩子直接写（单测模拟“其他实例”的并发写入）
func (d *MemDriver) RawInsert(rc RoutingContext, m *model.Message) error {
	p := d.part(rc.Partition)
	p.mu.Lock()
	defer p.mu.Unlock()

	conv := m.ConversationID
	if _, ok := p.byCID[conv][m.ClientMsgID]; ok {
		return ErrUniqueClientMsg
	}
	if _, ok := p.bySeq[conv][m.Seq]; ok {
		return ErrUniqueSeq
	}
	p.nextID++
	m.ID = p.nextID
	p.rows[m.ID] = m.Clone()
	if p.bySeq[conv] == nil {
		p.bySeq[conv] = make(map[int64]int64)
	}
	if p.byCID[conv] == nil {
		p.byCID[conv] = make(map[string]int64)
	}
	p.bySeq[conv][m.Seq] = m.ID
	p.byCID[conv][m.ClientMsgID] = m.ID
	return nil
}

func (d *MemDriver) Get(_ context.Context, rc RoutingContext, id int64) (*model.Message, error) {
	p := d.part(rc.Partition)
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.rows[id]
	if !ok || m.ConversationID != rc.ConversationID {
		return nil, nil
	}
	return m.Clone(), nil
}

func (d *MemDriver) GetByClientMsgID(_ context.Context, rc RoutingContext, clientMsgID string) (*model.Message, error) {
	p := d.part(rc.Partition)
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byCID[rc.ConversationID][clientMsgID]
	if !ok {
		return nil, nil
	}
	return p.rows[id].Clone(), nil
}

func (d *MemDriver) MaxSeq(_ context.Context, rc RoutingContext) (int64, error) {
	if d.BeforeMaxSeq != nil {
		if err := d.BeforeMaxSeq(rc); err != nil {
			return 0, err
		}
	}
	p := d.part(rc.Partition)
	p.mu.RLock()
	defer p.mu.RUnlock()
	var max int64
	for seq := range p.bySeq[rc.ConversationID] {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (d *MemDriver) ListDesc(_ context.Context, rc RoutingContext, beforeSeq *int64, limit int) ([]*model.Message, error) {
	return d.list(rc, limit, func(m *model.Message) bool {
		return m.Status == model.StatusNormal && (beforeSeq == nil || m.Seq < *beforeSeq)
	}), nil
}

func (d *MemDriver) ListPinned(_ context.Context, rc RoutingContext, limit int) ([]*model.Message, error) {
	return d.list(rc, limit, func(m *model.Message) bool {
		return m.IsPinned && m.Status == model.StatusNormal
	}), nil
}

func (d *MemDriver) list(rc RoutingContext, limit int, keep func(*model.Message) bool) []*model.Message {
	p := d.part(rc.Partition)
	p.mu.RLock()
	defer p.mu.RUnlock()
	seqs := make([]int64, 0, len(p.bySeq[rc.ConversationID]))
	for seq := range p.bySeq[rc.ConversationID] {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	out := make([]*model.Message, 0, limit)
	for _, seq := range seqs {
		m := p.rows[p.bySeq[rc.ConversationID][seq]]
		if !keep(m) {
			continue
		}
		out = append(out, m.Clone())
		if len(out) >= limit {
			break
		}
	}
	return out
}

func (d *MemDriver) Update(_ context.Context, rc RoutingContext, id int64, mu Mutation) (bool, error) {
	p := d.part(rc.Partition)
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.rows[id]
	if !ok || m.ConversationID != rc.ConversationID {
		return false, nil
	}
	if !mu.Guard.Match(m) {
		return false, nil
	}
	next := m.Clone()
	if err := Apply(next, mu); err != nil {
		return false, err
	}
	p.rows[id] = next
	return true, nil
}

func (d *MemDriver) CountNormal(_ context.Context, rc RoutingContext) (int64, error) {
	p := d.part(rc.Partition)
	p.mu.RLock()
	defer p.mu.RUnlock()
	var n int64
	for _, id := range p.bySeq[rc.ConversationID] {
		if p.rows[id].Status == model.StatusNormal {
			n++
		}
	}
	return n, nil
}

func (d *MemDriver) IsUniqueClientMsgErr(err error) bool { return errors.Is(err, ErrUniqueClientMsg) }
func (d *MemDriver) IsUniqueSeqErr(err error) bool       { return errors.Is(err, ErrUniqueSeq) }
func (d *MemDriver) IsTransientErr(err error) bool       { return errors.Is(err, ErrMemTransient) }

func (d *MemDriver) Close(context.Context) error { return nil }
