package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemShared 进程内 SharedStore（单机 / 单测）；TTL 在读时惰性判断
type MemShared struct {
	mu     sync.Mutex
	hashes map[string]memHash
	sets   map[string]map[string]struct{}
	expiry map[string]time.Time // set 的 TTL
	now    func() time.Time

	// FailWith 非 nil 时所有操作返回该错误（单测模拟共享存储故障）
	FailWith error
}

type memHash struct {
	fields   map[string]string
	deadline time.Time // 零值 = 不过期
}

var _ SharedStore = (*MemShared)(nil)

func NewMemShared(now func() time.Time) *MemShared {
	if now == nil {
		now = time.Now
	}
	return &MemShared{
		hashes: make(map[string]memHash),
		sets:   make(map[string]map[string]struct{}),
		expiry: make(map[string]time.Time),
		now:    now,
	}
}

func (m *MemShared) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func expired(deadline, now time.Time) bool { return !deadline.IsZero() && !now.Before(deadline) }

func (m *MemShared) Put(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	m.mu.Lock()
	m.hashes[key] = memHash{fields: cp, deadline: m.deadline(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemShared) Get(_ context.Context, key string) (map[string]string, error) {
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil, nil
	}
	if expired(h.deadline, m.now()) {
		delete(m.hashes, key)
		return nil, nil
	}
	out := make(map[string]string, len(h.fields))
	for k, v := range h.fields {
		out[k] = v
	}
	return out, nil
}

func (m *MemShared) Delete(_ context.Context, keys ...string) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	m.mu.Lock()
	for _, k := range keys {
		delete(m.hashes, k)
		delete(m.sets, k)
		delete(m.expiry, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemShared) Expire(_ context.Context, key string, ttl time.Duration) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deadline(ttl)
	if h, ok := m.hashes[key]; ok {
		h.deadline = d
		m.hashes[key] = h
	}
	if _, ok := m.sets[key]; ok {
		m.expiry[key] = d
	}
	return nil
}

func (m *MemShared) AddToSet(_ context.Context, key string, members ...string) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredSet(key)
	s := m.sets[key]
	if s == nil {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, v := range members {
		s[v] = struct{}{}
	}
	return nil
}

func (m *MemShared) RemoveFromSet(_ context.Context, key string, members ...string) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	for _, v := range members {
		delete(s, v)
	}
	if len(s) == 0 {
		delete(m.sets, key)
		delete(m.expiry, key)
	}
	return nil
}

func (m *MemShared) Members(_ context.Context, key string) ([]string, error) {
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredSet(key)
	out := make([]string, 0, len(m.sets[key]))
	for v := range m.sets[key] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemShared) dropExpiredSet(key string) {
	if d, ok := m.expiry[key]; ok && expired(d, m.now()) {
		delete(m.sets, key)
		delete(m.expiry, key)
	}
}
