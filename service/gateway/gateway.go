// Package gateway 把消息存储、连接表和事件发布串起来：
// 写库 -> 本地投递 -> 发总线事件给其他实例；远端事件回来后只做本地投递。
package gateway

import (
	"context"
	"sort"
	"time"

	"IMCore/logger"
	"IMCore/module/message/model"
	msgsvc "IMCore/module/message/service"
	"IMCore/module/message/store"
	"IMCore/service/chat"
	"IMCore/service/dispatcher"
	"IMCore/service/event"
	"IMCore/tools/safe"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Publisher event.Publisher 的最小子集
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any, durable bool) (*event.Future, error)
}

type Conf struct {
	Instance      string // 本实例标识，用来跳过自己发出的事件
	DurableEvents bool   // 消息事件走 PublishDurable
	FanoutLimit   int    // 本地投递并发上限（默认 16）
}

func (c *Conf) norm() {
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = 16
	}
}

// MessageEvent 消息类事件的 data；Recipients 由调用方给出（会话成员）
type MessageEvent struct {
	Message    *model.Message `json:"message"`
	Recipients []int64        `json:"recipients"`
}

// ConnectionEvent 连接类事件的 data
type ConnectionEvent struct {
	ConnectionID string `json:"connectionId"`
	UserID       int64  `json:"userId"`
	DeviceID     string `json:"deviceId"`
	Instance     string `json:"instance"`
	State        string `json:"state"`
	Reason       string `json:"reason,omitempty"`
	At           int64  `json:"at"` // Unix ms
}

// Frame 下发给客户端的帧
type Frame struct {
	Event   string         `json:"event"`
	Message *model.Message `json:"message,omitempty"`
}

// Delivery 一次本地投递 + 发布的结果
type Delivery struct {
	Local   int    `json:"local"`   // 本实例成功写入的连接数
	EventID string `json:"eventId"` // 空表示没发出去（队列满 / 已关闭）
}

type RealtimeGateway struct {
	msgs *msgsvc.Service
	reg  *chat.ConnManager
	pub  Publisher
	conf Conf
	log  *zap.Logger

	// 监控钩子，可选
	onDeliver func(n int)
	onOp      func(op string, start time.Time, err error)
}

func New(msgs *msgsvc.Service, reg *chat.ConnManager, pub Publisher, conf Conf) *RealtimeGateway {
	safe.MustNotNil(msgs, "message service")
	safe.MustNotNil(reg, "conn manager")
	safe.MustNotNil(pub, "publisher")
	conf.norm()
	if conf.Instance == "" {
		conf.Instance = reg.Instance()
	}
	g := &RealtimeGateway{msgs: msgs, reg: reg, pub: pub, conf: conf, log: logger.Named("gateway")}
	reg.OnEvent(g.onConnEvent)
	return g
}

func (g *RealtimeGateway) OnDeliver(f func(n int)) { g.onDeliver = f }

// OnOp 每次存储操作结束后回调（op: send/forward/edit/recall/pin/delete）
func (g *RealtimeGateway) OnOp(f func(op string, start time.Time, err error)) { g.onOp = f }

func (g *RealtimeGateway) observe(op string, start time.Time, err error) {
	if g.onOp != nil {
		g.onOp(op, start, err)
	}
}

func (g *RealtimeGateway) Registry() *chat.ConnManager { return g.reg }
func (g *RealtimeGateway) Messages() *msgsvc.Service   { return g.msgs }

// ===== 消息 =====

// SendMessage 写库成功后投递；幂等命中时原样返回已有消息，不重复投递也不重复发事件
func (g *RealtimeGateway) SendMessage(ctx context.Context, req msgsvc.SendReq, recipients []int64) (*model.Message, Delivery, error) {
	start := time.Now()
	m, dup, err := g.msgs.Send(ctx, req)
	g.observe("send", start, err)
	if err != nil {
		return nil, Delivery{}, err
	}
	if dup {
		return m, Delivery{}, nil
	}
	return m, g.fanout(ctx, event.TopicMessageSent, m, withSender(recipients, m.SenderID)), nil
}

func (g *RealtimeGateway) ForwardMessage(ctx context.Context, req msgsvc.ForwardReq, recipients []int64) (*model.Message, Delivery, error) {
	start := time.Now()
	m, dup, err := g.msgs.Forward(ctx, req)
	g.observe("forward", start, err)
	if err != nil {
		return nil, Delivery{}, err
	}
	if dup {
		return m, Delivery{}, nil
	}
	return m, g.fanout(ctx, event.TopicMessageSent, m, withSender(recipients, m.SenderID)), nil
}

func (g *RealtimeGateway) EditMessage(ctx context.Context, conversationID, id int64, content string, recipients []int64) (*model.Message, Delivery, error) {
	start := time.Now()
	m, err := g.msgs.Edit(ctx, conversationID, id, content)
	g.observe("edit", start, err)
	if err != nil {
		return nil, Delivery{}, err
	}
	return m, g.fanout(ctx, event.TopicMessageEdited, m, recipients), nil
}

// RecallMessage 重复撤回 changed=false，不再发事件
func (g *RealtimeGateway) RecallMessage(ctx context.Context, conversationID, id int64, reason string, recipients []int64) (*model.Message, bool, Delivery, error) {
	start := time.Now()
	m, changed, err := g.msgs.Recall(ctx, conversationID, id, reason)
	g.observe("recall", start, err)
	if err != nil || !changed {
		return m, changed, Delivery{}, err
	}
	return m, true, g.fanout(ctx, event.TopicMessageRecalled, m, recipients), nil
}

func (g *RealtimeGateway) PinMessage(ctx context.Context, conversationID, id int64, pinned bool, op store.Operator, recipients []int64) (*model.Message, Delivery, error) {
	start := time.Now()
	m, err := g.msgs.Pin(ctx, conversationID, id, pinned, op)
	g.observe("pin", start, err)
	if err != nil {
		return nil, Delivery{}, err
	}
	topic := event.TopicMessagePinned
	if !pinned {
		topic = event.TopicMessageUnpinned
	}
	// 仅自己可见的置顶只推给操作者
	if op.Scope == model.ScopeSelf {
		recipients = []int64{op.UserID}
	}
	return m, g.fanout(ctx, topic, m, recipients), nil
}

func (g *RealtimeGateway) DeleteMessage(ctx context.Context, conversationID, id int64, op store.Operator, recipients []int64) (*model.Message, Delivery, error) {
	start := time.Now()
	m, err := g.msgs.Delete(ctx, conversationID, id, op)
	g.observe("delete", start, err)
	if err != nil {
		return nil, Delivery{}, err
	}
	if op.Scope == model.ScopeSelf {
		recipients = []int64{op.UserID}
	}
	return m, g.fanout(ctx, event.TopicMessageDeleted, m, recipients), nil
}

// fanout 本地投递 + 发布；发布失败只记日志，消息已经落库
func (g *RealtimeGateway) fanout(ctx context.Context, topic string, m *model.Message, recipients []int64) Delivery {
	recipients = uniq(recipients)
	d := Delivery{Local: g.deliverLocal(ctx, topic, m, recipients)}

	fut, err := g.pub.Publish(ctx, topic, MessageEvent{Message: m, Recipients: recipients}, g.conf.DurableEvents)
	if err != nil {
		g.log.Warn("publish message event failed", zap.String("topic", topic),
			zap.Int64("conversationId", m.ConversationID), zap.Int64("id", m.ID), zap.Error(err))
		return d
	}
	d.EventID = fut.EventID()
	return d
}

func (g *RealtimeGateway) deliverLocal(ctx context.Context, topic string, m *model.Message, recipients []int64) int {
	if len(recipients) == 0 {
		return 0
	}
	frame, err := json.Marshal(Frame{Event: topic, Message: m})
	if err != nil {
		g.log.Error("encode frame", zap.String("topic", topic), zap.Error(err))
		return 0
	}

	counts := make([]int, len(recipients))
	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(g.conf.FanoutLimit)
	for i, uid := range recipients {
		i, uid := i, uid
		if !g.reg.IsOnline(uid) {
			continue
		}
		eg.Go(func() error {
			n, _ := g.reg.SendToUser(uid, frame)
			counts[i] = n
			return nil
		})
	}
	_ = eg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 && g.onDeliver != nil {
		g.onDeliver(total)
	}
	return total
}

// ===== 远端事件 =====

// Attach 在 dispatcher 上注册远端消息事件的本地投递
func (g *RealtimeGateway) Attach(d *dispatcher.Dispatcher) error {
	_, err := d.Register(event.TopicMessageAll, 100, false, g.handleRemote,
		dispatcher.WithDescription("deliver remote message events to local connections"))
	return err
}

func (g *RealtimeGateway) handleRemote(ctx context.Context, env event.Envelope) error {
	if env.SourceInstance == g.conf.Instance {
		return nil
	}
	p, err := event.DataAs[MessageEvent](env)
	if err != nil {
		return err
	}
	if p.Message == nil {
		g.log.Warn("remote message event without message", zap.String("eventId", env.EventID))
		return nil
	}
	n := g.deliverLocal(ctx, env.Subject, p.Message, uniq(p.Recipients))
	g.log.Debug("remote event delivered", zap.String("subject", env.Subject), zap.String("eventId", env.EventID),
		zap.String("from", env.SourceInstance), zap.Int("local", n))
	return nil
}

// ===== 连接事件 =====

func connTopic(s chat.ConnState) (string, bool) {
	switch s {
	case chat.StateConnected:
		return event.TopicConnEstablished, true
	case chat.StateTimedOut:
		return event.TopicConnTimeout, true
	case chat.StateDisconnected, chat.StateForcedClosed:
		return event.TopicConnClosed, true
	}
	return "", false
}

// onConnEvent 在连接表回调里同步执行，Publish 不阻塞
func (g *RealtimeGateway) onConnEvent(ev chat.ConnEvent) {
	topic, ok := connTopic(ev.State)
	if !ok {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := g.pub.Publish(context.Background(), topic, ConnectionEvent{
		ConnectionID: ev.ConnectionID,
		UserID:       ev.UserID,
		DeviceID:     ev.DeviceID,
		Instance:     g.conf.Instance,
		State:        ev.State.String(),
		Reason:       ev.Reason,
		At:           at.UnixMilli(),
	}, false)
	if err != nil {
		g.log.Warn("publish connection event failed", zap.String("topic", topic), zap.String("connId", ev.ConnectionID), zap.Error(err))
	}
}

// ===== util =====

func withSender(recipients []int64, sender int64) []int64 {
	out := make([]int64, 0, len(recipients)+1)
	out = append(out, recipients...)
	return append(out, sender)
}

// uniq 去重去非法，升序
func uniq(in []int64) []int64 {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(in))
	out := make([]int64, 0, len(in))
	for _, uid := range in {
		if uid <= 0 {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
