package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"IMCore/module/message/model"
	msgsvc "IMCore/module/message/service"
	"IMCore/module/message/store"
	"IMCore/service/chat"
	"IMCore/service/dispatcher"
	"IMCore/service/event"
	"IMCore/tools/shard"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu   sync.Mutex
	open bool
	sent [][]byte
}

func newFakeTransport() *fakeTransport { return &fakeTransport{open: true} }

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close(int, string) error {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) frames(t *testing.T) []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, 0, len(f.sent))
	for _, b := range f.sent {
		var fr Frame
		require.NoError(t, json.Unmarshal(b, &fr))
		out = append(out, fr)
	}
	return out
}

type node struct {
	gw  *RealtimeGateway
	reg *chat.ConnManager
	pub *event.Publisher
	d   *dispatcher.Dispatcher
}

// newNode 一个实例：独立的存储、连接表、发布器，总线共享
func newNode(t *testing.T, bus event.Bus, instance string, svc *msgsvc.Service) *node {
	t.Helper()
	reg := chat.NewConnManager(nil, chat.ManagerConf{SweepEvery: -1, Instance: instance})
	pub := event.NewPublisher(bus, event.PublisherConf{
		Workers: 1, BatchInterval: -1, ShutdownGrace: time.Second,
		BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond,
		Service: "imcore", Instance: instance,
	})
	gw := New(svc, reg, pub, Conf{Instance: instance})
	d := dispatcher.New()
	require.NoError(t, gw.Attach(d))
	require.NoError(t, dispatcher.NewSubscriber(d, nil, dispatcher.SubscriberConf{}).Attach(bus, event.TopicMessageAll))
	t.Cleanup(func() {
		_ = pub.Shutdown(context.Background())
		reg.Close()
	})
	return &node{gw: gw, reg: reg, pub: pub, d: d}
}

func newService() *msgsvc.Service {
	return msgsvc.New(store.New(shard.Default(), store.NewMemDriver(), store.Config{}))
}

func connect(t *testing.T, n *node, userID int64, device string) *fakeTransport {
	t.Helper()
	tr := newFakeTransport()
	_, err := n.reg.Register(tr, userID, device, "test")
	require.NoError(t, err)
	return tr
}

func sentOn(bus *event.MemBus, subject string) []event.Envelope {
	var out []event.Envelope
	for _, m := range bus.Sent() {
		if m.Subject != subject {
			continue
		}
		env, err := event.Decode(m.Data)
		if err == nil {
			out = append(out, env)
		}
	}
	return out
}

func TestSendMessageDeliversLocallyAndPublishes(t *testing.T) {
	bus := event.NewMemBus()
	a := newNode(t, bus, "node-a", newService())
	web := connect(t, a, 7, "web")
	mobile := connect(t, a, 7, "mobile")
	sender := connect(t, a, 1, "web")

	m, d, err := a.gw.SendMessage(context.Background(), msgsvc.SendReq{
		ConversationID: 101, SenderID: 1, ClientMsgID: "c-1", Content: "hi",
	}, []int64{7, 7, 0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Seq)
	assert.Equal(t, 3, d.Local)
	assert.NotEmpty(t, d.EventID)

	for _, tr := range []*fakeTransport{web, mobile, sender} {
		fs := tr.frames(t)
		require.Len(t, fs, 1)
		assert.Equal(t, event.TopicMessageSent, fs[0].Event)
		assert.Equal(t, m.ID, fs[0].Message.ID)
	}

	require.Eventually(t, func() bool { return len(sentOn(bus, event.TopicMessageSent)) == 1 }, time.Second, 5*time.Millisecond)
	env := sentOn(bus, event.TopicMessageSent)[0]
	assert.Equal(t, d.EventID, env.EventID)
	assert.Equal(t, "node-a", env.SourceInstance)
	p, err := event.DataAs[MessageEvent](env)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 7}, p.Recipients)
	assert.Equal(t, "hi", p.Message.Content)
}

func TestDuplicateSendIsNotRedelivered(t *testing.T) {
	bus := event.NewMemBus()
	a := newNode(t, bus, "node-a", newService())
	tr := connect(t, a, 2, "web")
	req := msgsvc.SendReq{ConversationID: 5, SenderID: 1, ClientMsgID: "same", Content: "x"}

	m1, _, err := a.gw.SendMessage(context.Background(), req, []int64{2})
	require.NoError(t, err)
	m2, d, err := a.gw.SendMessage(context.Background(), req, []int64{2})
	require.NoError(t, err)
	assert.Equal(t, m1.ID, m2.ID)
	assert.Equal(t, Delivery{}, d)

	require.NoError(t, a.pub.Shutdown(context.Background()))
	assert.Len(t, sentOn(bus, event.TopicMessageSent), 1)
	assert.Len(t, tr.frames(t), 1)
}

func TestRemoteEventDeliveredOnOtherInstance(t *testing.T) {
	bus := event.NewMemBus()
	svc := newService() // 两个实例共享同一份存储
	a := newNode(t, bus, "node-a", svc)
	b := newNode(t, bus, "node-b", svc)
	onA := connect(t, a, 1, "web")
	onB := connect(t, b, 9, "mobile")

	_, d, err := a.gw.SendMessage(context.Background(), msgsvc.SendReq{
		ConversationID: 42, SenderID: 1, ClientMsgID: "x-1", Content: "cross",
	}, []int64{9})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Local) // 只有发送者自己的设备在本实例

	require.Eventually(t, func() bool { return len(onB.frames(t)) == 1 }, time.Second, 5*time.Millisecond)
	fb := onB.frames(t)[0]
	assert.Equal(t, event.TopicMessageSent, fb.Event)
	assert.Equal(t, "cross", fb.Message.Content)
	assert.Equal(t, int64(42), fb.Message.ConversationID)

	// node-a 收到自己发的事件时跳过，不会重复投递
	require.NoError(t, a.pub.Shutdown(context.Background()))
	assert.Len(t, onA.frames(t), 1)
}

func TestMutationEvents(t *testing.T) {
	bus := event.NewMemBus()
	a := newNode(t, bus, "node-a", newService())
	ctx := context.Background()
	peer := connect(t, a, 2, "web")
	self := connect(t, a, 1, "web")

	m, _, err := a.gw.SendMessage(ctx, msgsvc.SendReq{ConversationID: 8, SenderID: 1, ClientMsgID: "m", Content: "v1"}, []int64{2})
	require.NoError(t, err)

	_, _, err = a.gw.EditMessage(ctx, 8, m.ID, "v2", []int64{1, 2})
	require.NoError(t, err)

	_, changed, d, err := a.gw.RecallMessage(ctx, 8, m.ID, "oops", []int64{1, 2})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, d.Local)
	_, changed, d, err = a.gw.RecallMessage(ctx, 8, m.ID, "oops", []int64{1, 2})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, Delivery{}, d)

	// 仅自己可见的置顶只推给操作者
	_, d, err = a.gw.PinMessage(ctx, 8, m.ID, true, store.Operator{UserID: 1, Scope: model.ScopeSelf}, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Local)
	_, _, err = a.gw.PinMessage(ctx, 8, m.ID, false, store.Operator{UserID: 1, Scope: model.ScopeAll}, []int64{1, 2})
	require.NoError(t, err)
	_, _, err = a.gw.DeleteMessage(ctx, 8, m.ID, store.Operator{UserID: 1, Scope: model.ScopeAll}, []int64{1, 2})
	require.NoError(t, err)

	require.NoError(t, a.pub.Shutdown(ctx))
	for _, topic := range []string{event.TopicMessageSent, event.TopicMessageEdited, event.TopicMessageRecalled,
		event.TopicMessagePinned, event.TopicMessageUnpinned, event.TopicMessageDeleted} {
		assert.Len(t, sentOn(bus, topic), 1, topic)
	}

	events := func(tr *fakeTransport) []string {
		var out []string
		for _, f := range tr.frames(t) {
			out = append(out, f.Event)
		}
		return out
	}
	assert.Equal(t, []string{event.TopicMessageSent, event.TopicMessageEdited, event.TopicMessageRecalled,
		event.TopicMessageUnpinned, event.TopicMessageDeleted}, events(peer))
	assert.Equal(t, []string{event.TopicMessageSent, event.TopicMessageEdited, event.TopicMessageRecalled,
		event.TopicMessagePinned, event.TopicMessageUnpinned, event.TopicMessageDeleted}, events(self))
}

func TestOpObserver(t *testing.T) {
	a := newNode(t, event.NewMemBus(), "node-a", newService())
	var ops []string
	var failed int
	a.gw.OnOp(func(op string, _ time.Time, err error) {
		ops = append(ops, op)
		if err != nil {
			failed++
		}
	})
	ctx := context.Background()
	m, _, err := a.gw.SendMessage(ctx, msgsvc.SendReq{ConversationID: 3, SenderID: 1, Content: "a"}, nil)
	require.NoError(t, err)
	_, _, err = a.gw.EditMessage(ctx, 3, m.ID+1, "b", nil)
	require.Error(t, err)
	assert.Equal(t, []string{"send", "edit"}, ops)
	assert.Equal(t, 1, failed)
}

func TestConnectionEventsPublished(t *testing.T) {
	bus := event.NewMemBus()
	a := newNode(t, bus, "node-a", newService())

	id, err := a.reg.Register(newFakeTransport(), 7, "web", "ua")
	require.NoError(t, err)
	require.True(t, a.reg.Unregister(id))
	require.NoError(t, a.pub.Shutdown(context.Background()))

	est := sentOn(bus, event.TopicConnEstablished)
	closed := sentOn(bus, event.TopicConnClosed)
	require.Len(t, est, 1)
	require.Len(t, closed, 1)

	p, err := event.DataAs[ConnectionEvent](closed[0])
	require.NoError(t, err)
	assert.Equal(t, id, p.ConnectionID)
	assert.Equal(t, int64(7), p.UserID)
	assert.Equal(t, "node-a", p.Instance)
	assert.Equal(t, chat.StateDisconnected.String(), p.State)
}

func TestUniq(t *testing.T) {
	assert.Nil(t, uniq(nil))
	assert.Nil(t, uniq([]int64{0, -1}))
	assert.Equal(t, []int64{1, 3, 5}, uniq([]int64{5, 1, 3, 1, 0, 5}))
	assert.Equal(t, []int64{2, 1}, withSender([]int64{2}, 1))
}
