package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"IMCore/service/storage"
	"IMCore/tools/errs"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTransport struct {
	mu        sync.Mutex
	open      bool
	sent      [][]byte
	closeCode int
	closes    int
	failSend  error
}

func newFakeTransport() *fakeTransport { return &fakeTransport{open: true} }

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return f.failSend
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closeCode = code
	f.closes++
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func newTestManager(t *testing.T, shared storage.SharedStore, conf ManagerConf) (*ConnManager, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	conf.Clock = clk.Now
	conf.SweepEvery = -1
	if conf.Instance == "" {
		conf.Instance = "node-a"
	}
	m := NewConnManager(shared, conf)
	t.Cleanup(m.Close)
	return m, clk
}

func TestRegisterIDAndShared(t *testing.T) {
	shared := storage.NewMemShared(nil)
	m, _ := newTestManager(t, shared, ManagerConf{})

	id, err := m.Register(newFakeTransport(), 7, "web", "chrome")
	require.NoError(t, err)
	assert.Equal(t, "7_web_1700000000000", id)

	// 同毫秒同设备：id 顺延
	id2, err := m.Register(newFakeTransport(), 7, "web", "chrome")
	require.NoError(t, err)
	assert.Equal(t, "7_web_1700000000001", id2)

	ctx := context.Background()
	h, err := shared.Get(ctx, storage.ConnKey(id))
	require.NoError(t, err)
	assert.Equal(t, "7", h[storage.FieldUserID])
	assert.Equal(t, "web", h[storage.FieldDeviceID])
	assert.Equal(t, "node-a", h[storage.FieldInstance])

	members, err := shared.Members(ctx, storage.UserKey(7))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id, id2}, members)
}

func TestRegisterValidation(t *testing.T) {
	m, _ := newTestManager(t, nil, ManagerConf{})
	_, err := m.Register(nil, 1, "web", "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = m.Register(newFakeTransport(), 0, "web", "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = m.Register(newFakeTransport(), 1, "", "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestRegisterLimits(t *testing.T) {
	m, _ := newTestManager(t, nil, ManagerConf{MaxPerUser: 2, MaxTotal: 3})

	_, err := m.Register(newFakeTransport(), 1, "a", "")
	require.NoError(t, err)
	_, err = m.Register(newFakeTransport(), 1, "b", "")
	require.NoError(t, err)
	_, err = m.Register(newFakeTransport(), 1, "c", "")
	assert.ErrorIs(t, err, errs.ErrConnectionLimit)
	assert.Equal(t, 2, m.TotalConnectionCount())

	_, err = m.Register(newFakeTransport(), 2, "a", "")
	require.NoError(t, err)
	_, err = m.Register(newFakeTransport(), 3, "a", "")
	assert.ErrorIs(t, err, errs.ErrConnectionLimit)
	assert.Equal(t, 3, m.TotalConnectionCount())
	assert.Equal(t, int64(2), m.Stats().Rejected)
}

func TestRegisterLimitConcurrent(t *testing.T) {
	m, _ := newTestManager(t, nil, ManagerConf{MaxPerUser: 5})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Register(newFakeTransport(), 9, "d", ""); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, ok)
	assert.Len(t, m.ConnectionsOf(9), 5)
}

func TestUnregisterIdempotent(t *testing.T) {
	shared := storage.NewMemShared(nil)
	m, _ := newTestManager(t, shared, ManagerConf{})
	var events []ConnEvent
	m.OnEvent(func(ev ConnEvent) { events = append(events, ev) })

	id, err := m.Register(newFakeTransport(), 7, "web", "")
	require.NoError(t, err)
	assert.True(t, m.Unregister(id))
	assert.False(t, m.Unregister(id))
	assert.False(t, m.IsOnline(7))
	assert.Equal(t, 0, m.OnlineUserCount())

	h, err := shared.Get(context.Background(), storage.ConnKey(id))
	require.NoError(t, err)
	assert.Nil(t, h)

	require.Len(t, events, 2)
	assert.Equal(t, StateConnected, events[0].State)
	assert.Equal(t, StateDisconnected, events[1].State)
}

func TestHeartbeatAndTimeout(t *testing.T) {
	m, clk := newTestManager(t, nil, ManagerConf{})
	id, err := m.Register(newFakeTransport(), 7, "web", "")
	require.NoError(t, err)

	clk.Add(50 * time.Second)
	assert.False(t, m.IsTimedOut(id, time.Minute))
	assert.True(t, m.Heartbeat(id))
	clk.Add(50 * time.Second)
	assert.False(t, m.IsTimedOut(id, time.Minute))
	clk.Add(11 * time.Second)
	assert.True(t, m.IsTimedOut(id, time.Minute))

	assert.False(t, m.Heartbeat("nope"))
	assert.True(t, m.IsTimedOut("nope", time.Minute))
}

func TestSweepExactlyOnce(t *testing.T) {
	m, clk := newTestManager(t, nil, ManagerConf{})
	var timedOut []string
	var mu sync.Mutex
	m.OnEvent(func(ev ConnEvent) {
		if ev.State == StateTimedOut {
			mu.Lock()
			timedOut = append(timedOut, ev.ConnectionID)
			mu.Unlock()
		}
	})

	stale := newFakeTransport()
	staleID, err := m.Register(stale, 1, "web", "")
	require.NoError(t, err)
	clk.Add(40 * time.Second)
	fresh := newFakeTransport()
	freshID, err := m.Register(fresh, 2, "web", "")
	require.NoError(t, err)
	clk.Add(30 * time.Second)

	var wg sync.WaitGroup
	counts := make([]int, 4)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i] = m.SweepTimedOut(time.Minute)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{staleID}, timedOut)
	assert.Equal(t, websocket.CloseNormalClosure, stale.closeCode)
	assert.True(t, fresh.IsOpen())

	_, ok := m.Get(staleID)
	assert.False(t, ok)
	_, ok = m.Get(freshID)
	assert.True(t, ok)
	assert.Equal(t, int64(1), m.Stats().TimedOut)
}

func TestForceDisconnect(t *testing.T) {
	m, _ := newTestManager(t, storage.NewMemShared(nil), ManagerConf{})
	a, b, other := newFakeTransport(), newFakeTransport(), newFakeTransport()
	_, err := m.Register(a, 7, "web", "")
	require.NoError(t, err)
	_, err = m.Register(b, 7, "mobile", "")
	require.NoError(t, err)
	_, err = m.Register(other, 8, "web", "")
	require.NoError(t, err)

	assert.Equal(t, 2, m.ForceDisconnect(7, "kicked"))
	assert.Equal(t, websocket.ClosePolicyViolation, a.closeCode)
	assert.Equal(t, websocket.ClosePolicyViolation, b.closeCode)
	assert.False(t, m.IsOnline(7))
	assert.True(t, other.IsOpen())
	assert.Equal(t, 0, m.ForceDisconnect(7, "again"))
}

func TestForceDisconnectKeepsOtherInstanceMembers(t *testing.T) {
	shared := storage.NewMemShared(nil)
	ctx := context.Background()
	// node-b 上同一用户的连接
	require.NoError(t, shared.Put(ctx, storage.ConnKey("7_ios_1"), map[string]string{storage.FieldInstance: "node-b"}, time.Minute))
	require.NoError(t, shared.AddToSet(ctx, storage.UserKey(7), "7_ios_1"))

	m, _ := newTestManager(t, shared, ManagerConf{})
	id, err := m.Register(newFakeTransport(), 7, "web", "")
	require.NoError(t, err)

	assert.Equal(t, 1, m.ForceDisconnect(7, "kicked"))
	members, err := shared.Members(ctx, storage.UserKey(7))
	require.NoError(t, err)
	assert.Equal(t, []string{"7_ios_1"}, members)
	h, err := shared.Get(ctx, storage.ConnKey(id))
	require.NoError(t, err)
	assert.Nil(t, h)

	online, err := m.IsOnlineAnywhere(ctx, 7)
	require.NoError(t, err)
	assert.True(t, online)
}

// racingShared 在第一次 Put 时摘除连接，模拟心跳和注销交错
type racingShared struct {
	storage.SharedStore
	mu    sync.Mutex
	onPut func()
}

func (r *racingShared) Put(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	r.mu.Lock()
	f := r.onPut
	r.onPut = nil
	r.mu.Unlock()
	if f != nil {
		f()
	}
	return r.SharedStore.Put(ctx, key, fields, ttl)
}

func TestHeartbeatDoesNotResurrectRemovedConnection(t *testing.T) {
	mem := storage.NewMemShared(nil)
	shared := &racingShared{SharedStore: mem}
	m, _ := newTestManager(t, shared, ManagerConf{})
	ctx := context.Background()

	id, err := m.Register(newFakeTransport(), 7, "web", "")
	require.NoError(t, err)

	shared.mu.Lock()
	shared.onPut = func() { m.Unregister(id) }
	shared.mu.Unlock()
	assert.False(t, m.Heartbeat(id))

	h, err := mem.Get(ctx, storage.ConnKey(id))
	require.NoError(t, err)
	assert.Nil(t, h)
	members, err := mem.Members(ctx, storage.UserKey(7))
	require.NoError(t, err)
	assert.Empty(t, members)

	// 已摘除的连接再来心跳：不写共享
	assert.False(t, m.Heartbeat(id))
	h, err = mem.Get(ctx, storage.ConnKey(id))
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestSharedFailureKeepsLocalState(t *testing.T) {
	shared := storage.NewMemShared(nil)
	shared.FailWith = errors.New("redis down")
	m, _ := newTestManager(t, shared, ManagerConf{})

	id, err := m.Register(newFakeTransport(), 7, "web", "")
	require.NoError(t, err)
	assert.True(t, m.IsOnline(7))
	assert.True(t, m.Heartbeat(id))
	assert.True(t, m.Unregister(id))
	assert.GreaterOrEqual(t, m.Stats().SharedFailures, int64(3))
}

func TestIsOnlineAnywherePrunesStale(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	shared := storage.NewMemShared(clk.Now)
	ctx := context.Background()

	// 另一个实例登记过的连接
	require.NoError(t, shared.Put(ctx, storage.ConnKey("7_web_1"), map[string]string{storage.FieldUserID: "7"}, time.Minute))
	require.NoError(t, shared.Put(ctx, storage.ConnKey("7_web_2"), map[string]string{storage.FieldUserID: "7"}, time.Second))
	require.NoError(t, shared.AddToSet(ctx, storage.UserKey(7), "7_web_1", "7_web_2"))

	m := NewConnManager(shared, ManagerConf{SweepEvery: -1, Clock: clk.Now})
	defer m.Close()

	clk.Add(2 * time.Second)
	online, err := m.IsOnlineAnywhere(ctx, 7)
	require.NoError(t, err)
	assert.True(t, online)
	members, _ := shared.Members(ctx, storage.UserKey(7))
	assert.Equal(t, []string{"7_web_1"}, members)

	clk.Add(time.Minute)
	online, err = m.IsOnlineAnywhere(ctx, 7)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestSendToUser(t *testing.T) {
	m, _ := newTestManager(t, nil, ManagerConf{})
	a, b := newFakeTransport(), newFakeTransport()
	b.failSend = errors.New("broken pipe")
	_, err := m.Register(a, 7, "web", "")
	require.NoError(t, err)
	idB, err := m.Register(b, 7, "mobile", "")
	require.NoError(t, err)

	n, err := m.SendToUser(7, []byte("hi"))
	assert.Equal(t, 1, n)
	assert.Error(t, err)
	assert.Equal(t, [][]byte{[]byte("hi")}, a.sent)

	err = m.SendToConnection(idB, []byte("x"))
	assert.EqualError(t, err, "broken pipe")
	assert.ErrorIs(t, m.SendToConnection("missing", nil), errs.ErrNotFound)
}

// 用户 7 web + mobile 两端上线，web 超时被清理，mobile 仍在线，最后被踢下线
func TestUserTwoDevicesLifecycle(t *testing.T) {
	m, clk := newTestManager(t, storage.NewMemShared(nil), ManagerConf{MaxPerUser: 5})

	web := newFakeTransport()
	webID, err := m.Register(web, 7, "web", "")
	require.NoError(t, err)
	mob := newFakeTransport()
	mobID, err := m.Register(mob, 7, "mobile", "")
	require.NoError(t, err)

	ids := m.ConnectionsOf(7)
	sort.Strings(ids)
	want := []string{webID, mobID}
	sort.Strings(want)
	assert.Equal(t, want, ids)
	assert.Equal(t, 1, m.OnlineUserCount())
	assert.Equal(t, 2, m.TotalConnectionCount())

	clk.Add(45 * time.Second)
	m.Heartbeat(mobID)
	clk.Add(30 * time.Second)
	assert.Equal(t, 1, m.SweepTimedOut(time.Minute))
	assert.Equal(t, []string{mobID}, m.ConnectionsOf(7))
	assert.True(t, m.IsOnline(7))

	assert.Equal(t, 1, m.ForceDisconnect(7, "admin"))
	assert.False(t, m.IsOnline(7))
	assert.Equal(t, 0, m.TotalConnectionCount())
}
