package chat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"IMCore/logger"
	"IMCore/service/storage"
	"IMCore/tools/errs"
	"IMCore/tools/safe"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ===== 配置 =====

type ManagerConf struct {
	MaxPerUser       int              // 每用户最大连接数（<=0 不限制）
	MaxTotal         int              // 本进程最大连接数（默认 10000）
	HeartbeatTimeout time.Duration    // 超过该时长没心跳视为超时（默认 60s）
	SweepEvery       time.Duration    // 后台清理周期（默认 30s；<0 不启动）
	SharedTTL        time.Duration    // 共享登记 TTL（默认 300s），进程异常退出后自愈
	SharedTimeout    time.Duration    // 单次共享写超时（默认 500ms）
	Instance         string           // 本实例标识，写入共享登记
	Clock            func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.MaxTotal <= 0 {
		c.MaxTotal = 10000
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.SweepEvery == 0 {
		c.SweepEvery = 30 * time.Second
	}
	if c.SharedTTL <= 0 {
		c.SharedTTL = storage.DefaultConnTTL
	}
	if c.SharedTimeout <= 0 {
		c.SharedTimeout = 500 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ===== 连接 =====

// Transport 一条实时连接的发送端（websocket 或等价物）
type Transport interface {
	Send(data []byte) error
	Close(code int, reason string) error
	IsOpen() bool
}

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
	StateTimedOut
	StateForcedClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateForcedClosed:
		return "FORCED_CLOSED"
	}
	return "UNKNOWN"
}

func (s ConnState) Terminal() bool { return s >= StateDisconnected }

type Connection struct {
	ID          string
	UserID      int64
	DeviceID    string
	ClientInfo  string
	ConnectedAt time.Time
	Transport   Transport

	lastBeat atomic.Int64 // unix nano
	state    atomic.Int32
}

func (c *Connection) LastHeartbeatAt() time.Time { return time.Unix(0, c.lastBeat.Load()) }
func (c *Connection) State() ConnState           { return ConnState(c.state.Load()) }

// ConnEvent 连接状态迁移，交给上层（网关）转成总线事件
type ConnEvent struct {
	State        ConnState
	ConnectionID string
	UserID       int64
	DeviceID     string
	Reason       string
	At           time.Time
}

// ===== 管理器 =====

// ConnManager 本进程连接表 + 共享登记镜像；本地表是权威，共享写失败只记日志和计数
type ConnManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[int64]map[string]*Connection

	shared storage.SharedStore
	conf   ManagerConf
	log    *zap.Logger

	sharedFailures atomic.Int64
	timedOutTotal  atomic.Int64
	rejectedTotal  atomic.Int64

	listenMu  sync.RWMutex
	listeners []func(ConnEvent)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewConnManager shared 为 nil 时只维护本地表
func NewConnManager(shared storage.SharedStore, conf ManagerConf) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byID:   make(map[string]*Connection),
		byUser: make(map[int64]map[string]*Connection),
		shared: shared,
		conf:   conf,
		log:    logger.Named("conn.manager"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if conf.SweepEvery > 0 {
		go m.sweeper()
	} else {
		close(m.doneCh)
	}
	return m
}

func (m *ConnManager) Instance() string { return m.conf.Instance }

// OnEvent 订阅状态迁移；回调在调用方 goroutine 同步执行，需自行保证轻量
func (m *ConnManager) OnEvent(f func(ConnEvent)) {
	m.listenMu.Lock()
	m.listeners = append(m.listeners, f)
	m.listenMu.Unlock()
}

func (m *ConnManager) emit(ev ConnEvent) {
	m.listenMu.RLock()
	ls := m.listeners
	m.listenMu.RUnlock()
	for _, f := range ls {
		f := f
		if err := safe.Call(func() error { f(ev); return nil }); err != nil {
			m.log.Error("conn event listener panic", zap.Error(err))
		}
	}
}

// Close 停 sweeper，关闭所有连接（going away）
func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh

	m.mu.Lock()
	all := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		all = append(all, c)
	}
	m.mu.Unlock()
	for _, c := range all {
		closeTransport(c, websocket.CloseGoingAway, "server shutdown")
		m.remove(c.ID, StateDisconnected, "server shutdown")
	}
}

// ===== 注册 / 注销 =====

func (m *ConnManager) newID(userID int64, deviceID string, now time.Time) string {
	ms := now.UnixMilli()
	for {
		id := fmt.Sprintf("%d_%s_%d", userID, deviceID, ms)
		if _, ok := m.byID[id]; !ok {
			return id
		}
		ms++
	}
}

// Register 超出每用户 / 全局上限时返回 ErrConnectionLimit，本地表不变
func (m *ConnManager) Register(t Transport, userID int64, deviceID, clientInfo string) (string, error) {
	if t == nil || userID <= 0 || deviceID == "" {
		return "", errs.ErrInvalidArgument.WrapMsg("transport/userId/deviceId required")
	}
	now := m.conf.Clock()

	m.mu.Lock()
	if len(m.byID) >= m.conf.MaxTotal {
		m.mu.Unlock()
		m.rejectedTotal.Inc()
		return "", errs.ErrConnectionLimit.WrapMsg("instance full", "max", m.conf.MaxTotal)
	}
	if m.conf.MaxPerUser > 0 && len(m.byUser[userID]) >= m.conf.MaxPerUser {
		m.mu.Unlock()
		m.rejectedTotal.Inc()
		return "", errs.ErrConnectionLimit.WrapMsg("per user limit", "userId", userID, "max", m.conf.MaxPerUser)
	}
	c := &Connection{
		ID:          m.newID(userID, deviceID, now),
		UserID:      userID,
		DeviceID:    deviceID,
		ClientInfo:  clientInfo,
		ConnectedAt: now,
		Transport:   t,
	}
	c.state.Store(int32(StateConnecting))
	c.lastBeat.Store(now.UnixNano())
	m.byID[c.ID] = c
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Connection)
	}
	m.byUser[userID][c.ID] = c
	c.state.Store(int32(StateConnected))
	m.mu.Unlock()

	m.mirrorPut(c, now)
	m.log.Info("connection registered", zap.String("connId", c.ID), zap.Int64("userId", userID), zap.String("device", deviceID))
	m.emit(ConnEvent{State: StateConnected, ConnectionID: c.ID, UserID: userID, DeviceID: deviceID, At: now})
	return c.ID, nil
}

// Unregister 幂等；不关闭 transport（调用方通常已经断开）
func (m *ConnManager) Unregister(connectionID string) bool {
	return m.remove(connectionID, StateDisconnected, "unregister")
}

// remove 本地摘除 + 共享清理 + 事件；只有真正摘除的那次返回 true
func (m *ConnManager) remove(connectionID string, final ConnState, reason string) bool {
	m.mu.Lock()
	c, ok := m.byID[connectionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.byID, connectionID)
	if mm := m.byUser[c.UserID]; mm != nil {
		delete(mm, connectionID)
		if len(mm) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
	c.state.Store(int32(final))
	m.mu.Unlock()

	m.mirrorDelete(c)
	now := m.conf.Clock()
	m.log.Info("connection removed", zap.String("connId", c.ID), zap.Int64("userId", c.UserID),
		zap.String("state", final.String()), zap.String("reason", reason))
	m.emit(ConnEvent{State: final, ConnectionID: c.ID, UserID: c.UserID, DeviceID: c.DeviceID, Reason: reason, At: now})
	return true
}

// ===== 心跳 / 超时 =====

// Heartbeat 未知连接返回 false，不会新建
func (m *ConnManager) Heartbeat(connectionID string) bool {
	m.mu.RLock()
	c, ok := m.byID[connectionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	now := m.conf.Clock()
	c.lastBeat.Store(now.UnixNano())
	if c.State().Terminal() {
		return false
	}
	m.mirrorPut(c, now)
	// put 期间被摘除：remove 的 mirrorDelete 可能先落地，补删一次
	if c.State().Terminal() {
		m.mirrorDelete(c)
		return false
	}
	return true
}

// IsTimedOut 未知连接视为已超时
func (m *ConnManager) IsTimedOut(connectionID string, timeout time.Duration) bool {
	m.mu.RLock()
	c, ok := m.byID[connectionID]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	return m.conf.Clock().Sub(c.LastHeartbeatAt()) > timeout
}

// SweepTimedOut 先正常关闭 transport 再摘除；同一连接只会被计数一次
func (m *ConnManager) SweepTimedOut(timeout time.Duration) int {
	now := m.conf.Clock()
	var victims []*Connection
	m.mu.RLock()
	for _, c := range m.byID {
		if now.Sub(c.LastHeartbeatAt()) > timeout {
			victims = append(victims, c)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, c := range victims {
		// 收集之后又来了心跳
		if m.conf.Clock().Sub(c.LastHeartbeatAt()) <= timeout {
			continue
		}
		closeTransport(c, websocket.CloseNormalClosure, "heartbeat timeout")
		if m.remove(c.ID, StateTimedOut, "heartbeat timeout") {
			n++
		}
	}
	if n > 0 {
		m.timedOutTotal.Add(int64(n))
		m.log.Info("swept timed out connections", zap.Int("count", n))
	}
	return n
}

func (m *ConnManager) sweeper() {
	defer close(m.doneCh)
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.SweepTimedOut(m.conf.HeartbeatTimeout)
		}
	}
}

// ForceDisconnect 管理端踢人：policy violation 关闭该用户在本实例上的所有连接，返回关闭条数
func (m *ConnManager) ForceDisconnect(userID int64, reason string) int {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.byUser[userID]))
	for _, c := range m.byUser[userID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	n := 0
	for _, c := range conns {
		closeTransport(c, websocket.ClosePolicyViolation, reason)
		if m.remove(c.ID, StateForcedClosed, reason) {
			n++
		}
	}
	// 只清本实例的成员（remove 里逐条 RemoveFromSet），其他实例的连接不动
	return n
}

// ===== 查询 =====

func (m *ConnManager) Get(connectionID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[connectionID]
	return c, ok
}

func (m *ConnManager) ConnectionsOf(userID int64) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		out = append(out, id)
	}
	return out
}

func (m *ConnManager) IsOnline(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

func (m *ConnManager) OnlineUserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser)
}

func (m *ConnManager) TotalConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// IsOnlineAnywhere 先看本地，再查共享集合；集合里 hash 已过期的成员顺手清掉
func (m *ConnManager) IsOnlineAnywhere(ctx context.Context, userID int64) (bool, error) {
	if m.IsOnline(userID) {
		return true, nil
	}
	if m.shared == nil {
		return false, nil
	}
	members, err := m.shared.Members(ctx, storage.UserKey(userID))
	if err != nil {
		m.sharedFailures.Inc()
		return false, errs.ErrTransient.WrapMsg("shared members", "userId", userID, "err", err)
	}
	var stale []string
	online := false
	for _, id := range members {
		h, err := m.shared.Get(ctx, storage.ConnKey(id))
		if err != nil {
			m.sharedFailures.Inc()
			return false, errs.ErrTransient.WrapMsg("shared get", "connId", id, "err", err)
		}
		if h == nil {
			stale = append(stale, id)
			continue
		}
		online = true
	}
	if len(stale) > 0 {
		_ = m.shared.RemoveFromSet(ctx, storage.UserKey(userID), stale...)
	}
	return online, nil
}

// ===== 投递 =====

func (m *ConnManager) SendToConnection(connectionID string, data []byte) error {
	c, ok := m.Get(connectionID)
	if !ok {
		return errs.ErrNotFound.WrapMsg("connection", "connId", connectionID)
	}
	if !c.Transport.IsOpen() {
		return errs.ErrNotFound.WrapMsg("connection closed", "connId", connectionID)
	}
	return c.Transport.Send(data)
}

// SendToUser 发给该用户在本实例上的所有设备，返回成功条数；单条失败不影响其他设备
func (m *ConnManager) SendToUser(userID int64, data []byte) (int, error) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.byUser[userID]))
	for _, c := range m.byUser[userID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	sent := 0
	var lastErr error
	for _, c := range conns {
		if !c.Transport.IsOpen() {
			continue
		}
		if err := c.Transport.Send(data); err != nil {
			lastErr = err
			m.log.Warn("send to connection failed", zap.String("connId", c.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, lastErr
}

// ===== 统计 =====

type ManagerStats struct {
	Connections    int   `json:"connections"`
	OnlineUsers    int   `json:"onlineUsers"`
	SharedFailures int64 `json:"sharedFailures"`
	TimedOut       int64 `json:"timedOut"`
	Rejected       int64 `json:"rejected"`
}

func (m *ConnManager) Stats() ManagerStats {
	m.mu.RLock()
	n, u := len(m.byID), len(m.byUser)
	m.mu.RUnlock()
	return ManagerStats{
		Connections:    n,
		OnlineUsers:    u,
		SharedFailures: m.sharedFailures.Load(),
		TimedOut:       m.timedOutTotal.Load(),
		Rejected:       m.rejectedTotal.Load(),
	}
}

// ===== 共享登记（best effort）=====

func (m *ConnManager) sharedDo(op string, f func(ctx context.Context) error) {
	if m.shared == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.conf.SharedTimeout)
	defer cancel()
	if err := f(ctx); err != nil {
		m.sharedFailures.Inc()
		m.log.Warn("shared registry write failed, keep local state", zap.String("op", op), zap.Error(err))
	}
}

func (m *ConnManager) mirrorPut(c *Connection, now time.Time) {
	m.sharedDo("put", func(ctx context.Context) error {
		fields := map[string]string{
			storage.FieldUserID:        strconv.FormatInt(c.UserID, 10),
			storage.FieldDeviceID:      c.DeviceID,
			storage.FieldInstance:      m.conf.Instance,
			storage.FieldConnectedAt:   strconv.FormatInt(c.ConnectedAt.UnixMilli(), 10),
			storage.FieldLastHeartbeat: strconv.FormatInt(now.UnixMilli(), 10),
			storage.FieldClientInfo:    c.ClientInfo,
		}
		if err := m.shared.Put(ctx, storage.ConnKey(c.ID), fields, m.conf.SharedTTL); err != nil {
			return err
		}
		uk := storage.UserKey(c.UserID)
		if err := m.shared.AddToSet(ctx, uk, c.ID); err != nil {
			return err
		}
		return m.shared.Expire(ctx, uk, m.conf.SharedTTL)
	})
}

func (m *ConnManager) mirrorDelete(c *Connection) {
	m.sharedDo("delete", func(ctx context.Context) error {
		if err := m.shared.Delete(ctx, storage.ConnKey(c.ID)); err != nil {
			return err
		}
		return m.shared.RemoveFromSet(ctx, storage.UserKey(c.UserID), c.ID)
	})
}

func closeTransport(c *Connection, code int, reason string) {
	if c.Transport == nil || !c.Transport.IsOpen() {
		return
	}
	_ = c.Transport.Close(code, reason)
}
