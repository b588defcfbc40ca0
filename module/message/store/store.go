package store

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"IMCore/logger"
	"IMCore/module/message/model"
	"IMCore/tools/errs"
	"IMCore/tools/ids"
	"IMCore/tools/shard"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ===== 配置 =====

type Config struct {
	MaxInsertRetry int              // seq 冲突 / 瞬时错误的最大重试次数
	DefaultLimit   int              // 分页默认条数
	MaxLimit       int              // 分页上限
	LockStripes    int              // 会话 seq 串行化的分段锁数量
	Clock          func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *Config) norm() {
	if c.MaxInsertRetry <= 0 {
		c.MaxInsertRetry = 5
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 20
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 200
	}
	if c.LockStripes <= 0 {
		c.LockStripes = 256
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Operator 置顶/删除的操作人与作用范围
type Operator struct {
	UserID int64
	Scope  model.Scope
}

// Store 分区消息存储：每个操作只落在 ShardRouter 选中的分区
type Store struct {
	router *shard.Router
	drv    Driver
	conf   Config
	locks  []sync.Mutex
	log    *zap.Logger

	ensured sync.Map // partition -> struct{}
}

func New(router *shard.Router, drv Driver, conf Config) *Store {
	conf.norm()
	if router == nil {
		router = shard.Default()
	}
	return &Store{
		router: router,
		drv:    drv,
		conf:   conf,
		locks:  make([]sync.Mutex, conf.LockStripes),
		log:    logger.Named("message.store"),
	}
}

func (s *Store) Router() *shard.Router { return s.router }

// EnsureAll 启动时建好所有分区
func (s *Store) EnsureAll(ctx context.Context) error {
	for _, p := range s.router.AllPartitions() {
		if err := s.drv.EnsurePartition(ctx, p); err != nil {
			return errs.WrapMsg(err, "ensure partition", "partition", p)
		}
		s.ensured.Store(p, struct{}{})
	}
	return nil
}

func (s *Store) route(ctx context.Context, conversationID int64) (RoutingContext, error) {
	if conversationID <= 0 {
		return RoutingContext{}, errs.ErrInvalidConversation.WrapMsg("", "conversationId", conversationID)
	}
	rc := RoutingContext{Partition: s.router.TableFor(conversationID), ConversationID: conversationID}
	if _, ok := s.ensured.Load(rc.Partition); !ok {
		if err := s.drv.EnsurePartition(ctx, rc.Partition); err != nil {
			return rc, errs.WrapMsg(err, "ensure partition", "partition", rc.Partition)
		}
		s.ensured.Store(rc.Partition, struct{}{})
	}
	return rc, nil
}

func (s *Store) lockFor(conversationID int64) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(conversationID, 10)))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

// ===== 写入 =====

// Insert 分配 seq（max+1，同会话串行）并落库。
// (conversationId, clientMsgId) 已存在时返回已有记录 + ErrDuplicateClientMessage，调用方按成功处理。
func (s *Store) Insert(ctx context.Context, in *model.Message) (*model.Message, error) {
	if in == nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("nil message")
	}
	rc, err := s.route(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	m := in.Clone()
	if m.MsgType == 0 {
		m.MsgType = model.MsgTypeText
	}
	if !m.MsgType.Valid() {
		return nil, errs.ErrInvalidArgument.WrapMsg("invalid msg type", "msgType", m.MsgType)
	}
	if m.ClientMsgID == "" {
		// 客户端没带就服务端生成，保证唯一索引可用
		m.ClientMsgID = "srv-" + ids.GenerateString()
	}

	mu := s.lockFor(m.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	// 幂等快路径
	if existing, err := s.drv.GetByClientMsgID(ctx, rc, m.ClientMsgID); err != nil {
		return nil, errs.WrapMsg(err, "find by client msg id", "partition", rc.Partition)
	} else if existing != nil {
		return existing, errs.ErrDuplicateClientMessage.WrapMsg("", "conversationId", m.ConversationID, "clientMsgId", m.ClientMsgID)
	}

	s.fillDefaults(m)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= s.conf.MaxInsertRetry; attempt++ {
		maxSeq, err := s.drv.MaxSeq(ctx, rc)
		if err != nil {
			if s.drv.IsTransientErr(err) && attempt < s.conf.MaxInsertRetry {
				lastErr = err
				if werr := sleepCtx(ctx, bo.NextBackOff()); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, errs.WrapMsg(err, "query max seq", "partition", rc.Partition)
		}
		m.Seq = maxSeq + 1
		m.ID = 0

		err = s.drv.Insert(ctx, rc, m)
		if err == nil {
			return m, nil
		}
		lastErr = err

		switch {
		case s.drv.IsUniqueClientMsgErr(err):
			// 其他实例刚写入同一条
			existing, e := s.drv.GetByClientMsgID(ctx, rc, m.ClientMsgID)
			if e == nil && existing != nil {
				return existing, errs.ErrDuplicateClientMessage.WrapMsg("", "conversationId", m.ConversationID, "clientMsgId", m.ClientMsgID)
			}
			return nil, errs.WrapMsg(err, "client msg id conflict but row not found", "clientMsgId", m.ClientMsgID)

		case s.drv.IsUniqueSeqErr(err):
			// 跨实例并发写同会话：回读 max 重新取号
			s.log.Debug("seq conflict, reconcile", zap.Int64("conversationId", m.ConversationID), zap.Int64("seq", m.Seq))
			continue

		case s.drv.IsTransientErr(err):
			if werr := sleepCtx(ctx, bo.NextBackOff()); werr != nil {
				return nil, werr
			}
			continue
		}
		return nil, errs.WrapMsg(err, "insert message", "partition", rc.Partition)
	}
	return nil, errs.ErrTransient.WrapMsg("insert message failed after retries", "partition", rc.Partition, "err", lastErr)
}

func (s *Store) fillDefaults(m *model.Message) {
	now := s.conf.Clock()
	// 新消息只能是 正常/审核中/拒绝
	if m.Status == model.StatusDeleted {
		m.Status = model.StatusNormal
	}
	if m.ServerTimestamp == 0 {
		m.ServerTimestamp = now.UnixMilli()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.IsPinned, m.PinScope, m.PinnedBy, m.PinnedAt = false, model.ScopeNone, 0, nil
	m.IsEdited, m.EditCount, m.LastEditAt = false, 0, nil
	m.IsRecalled, m.RecallReason, m.RecalledAt = false, "", nil
	m.IsDeleted, m.DeleteScope, m.DeletedBy, m.DeletedAt = false, model.ScopeNone, 0, nil
}

// ===== 查询 =====

// FindByID 不存在返回 (nil, nil)，不会去其他分区找
func (s *Store) FindByID(ctx context.Context, conversationID, id int64) (*model.Message, error) {
	rc, err := s.route(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	m, err := s.drv.Get(ctx, rc, id)
	if err != nil {
		return nil, errs.WrapMsg(err, "find by id", "partition", rc.Partition, "id", id)
	}
	return m, nil
}

func (s *Store) FindByClientMsgID(ctx context.Context, conversationID int64, clientMsgID string) (*model.Message, error) {
	rc, err := s.route(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if clientMsgID == "" {
		return nil, nil
	}
	m, err := s.drv.GetByClientMsgID(ctx, rc, clientMsgID)
	if err != nil {
		return nil, errs.WrapMsg(err, "find by client msg id", "partition", rc.Partition)
	}
	return m, nil
}

func (s *Store) FindLatest(ctx context.Context, conversationID int64, limit int) ([]*model.Message, error) {
	return s.FindHistory(ctx, conversationID, nil, limit)
}

// FindHistory seq 倒序向前翻页；beforeSeq 为 nil 从最新开始
func (s *Store) FindHistory(ctx context.Context, conversationID int64, beforeSeq *int64, limit int) ([]*model.Message, error) {
	rc, err := s.route(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	list, err := s.drv.ListDesc(ctx, rc, beforeSeq, s.clampLimit(limit))
	if err != nil {
		return nil, errs.WrapMsg(err, "list history", "partition", rc.Partition)
	}
	return list, nil
}

func (s *Store) FindPinned(ctx context.Context, conversationID int64, limit int) ([]*model.Message, error) {
	rc, err := s.route(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	list, err := s.drv.ListPinned(ctx, rc, s.clampLimit(limit))
	if err != nil {
		return nil, errs.WrapMsg(err, "list pinned", "partition", rc.Partition)
	}
	return list, nil
}

// CountByConversation status=normal 的条数
func (s *Store) CountByConversation(ctx context.Context, conversationID int64) (int64, error) {
	rc, err := s.route(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	n, err := s.drv.CountNormal(ctx, rc)
	if err != nil {
		return 0, errs.WrapMsg(err, "count", "partition", rc.Partition)
	}
	return n, nil
}

// MaxSeq 会话当前最大 seq，用于客户端补拉判断
func (s *Store) MaxSeq(ctx context.Context, conversationID int64) (int64, error) {
	rc, err := s.route(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return s.drv.MaxSeq(ctx, rc)
}

func (s *Store) clampLimit(limit int) int {
	if limit <= 0 {
		return s.conf.DefaultLimit
	}
	if limit > s.conf.MaxLimit {
		return s.conf.MaxLimit
	}
	return limit
}

// ===== 变更（单行、单分区、软操作）=====

// Edit 已撤回返回 ErrAlreadyRecalled（errors.Is 也命中 ErrNotEditable），非正常状态返回 ErrNotEditable
func (s *Store) Edit(ctx context.Context, conversationID, id int64, newContent string) (*model.Message, error) {
	rc, err := s.route(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	now := s.conf.Clock()
	normal := model.StatusNormal
	ok, err := s.drv.Update(ctx, rc, id, Mutation{
		Set: map[string]any{
			model.FieldContent:    newContent,
			model.FieldIsEdited:   true,
			model.FieldLastEditAt: now,
			model.FieldUpdatedAt:  now,
		},
		Inc:   map[string]int64{model.FieldEditCount: 1},
		Guard: Guard{NotRecalled: true, Status: &normal},
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "edit", "partition", rc.Partition, "id", id)
	}
	cur, err := s.drv.Get(ctx, rc, id)
	if err != nil {
		return nil, errs.WrapMsg(err, "edit reload", "partition", rc.Partition, "id", id)
	}
	if ok {
		return cur, nil
	}
	switch {
	case cur == nil:
		return nil, errs.ErrNotFound.WrapMsg("message", "conversationId", conversationID, "id", id)
	case cur.IsRecalled:
		return cur, errs.ErrAlreadyRecalled.WrapMsg("", "id", id)
	default:
		return cur, errs.ErrNotEditable.WrapMsg("status not normal", "id", id, "status", cur.Status)
	}
}

// Recall 幂等：已撤回直接返回当前记录，changed=false，recalledAt 不变
func (s *Store) Recall(ctx context.Context, conversationID, id int64, reason string) (msg *model.Message, changed bool, err error) {
	rc, err := s.route(ctx, conversationID)
	if err != nil {
		return nil, false, err
	}
	now := s.conf.Clock()
	ok, err := s.drv.Update(ctx, rc, id, Mutation{
		Set: map[string]any{
			model.FieldIsRecalled:   true,
			model.FieldRecallReason: reason,
			model.FieldRecalledAt:   now,
			model.FieldUpdatedAt:    now,
		},
		Guard: Guard{NotRecalled: true},
	})
	if err != nil {
		return nil, false, errs.WrapMsg(err, "recall", "partition", rc.Partition, "id", id)
	}
	cur, err := s.drv.Get(ctx, rc, id)
	if err != nil {
		return nil, false, errs.WrapMsg(err, "recall reload", "partition", rc.Partition, "id", id)
	}
	if cur == nil {
		return nil, false, errs.ErrNotFound.WrapMsg("message", "conversationId", conversationID, "id", id)
	}
	return cur, ok, nil
}

func (s *Store) Pin(ctx context.Context, conversationID, id int64, pinned bool, op Operator) (*model.Message, error) {
	rc, err := s.route(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	now := s.conf.Clock()
	set := map[string]any{
		model.FieldIsPinned:  pinned,
		model.FieldUpdatedAt: now,
	}
	if pinned {
		scope := op.Scope
		if scope == model.ScopeNone {
			scope = model.ScopeAll
		}
		set[model.FieldPinScope] = scope
		set[model.FieldPinnedBy] = op.UserID
		set[model.FieldPinnedAt] = now
	} else {
		set[model.FieldPinScope] = model.ScopeNone
		set[model.FieldPinnedBy] = int64(0)
		set[model.FieldPinnedAt] = nil
	}
	return s.flip(ctx, rc, id, Mutation{Set: set}, "pin")
}

// Delete 软删：status=deleted，重复删除不改时间戳
func (s *Store) Delete(ctx context.Context, conversationID, id int64, op Operator) (*model.Message, error) {
	rc, err := s.route(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	now := s.conf.Clock()
	scope := op.Scope
	if scope == model.ScopeNone {
		scope = model.ScopeAll
	}
	return s.flip(ctx, rc, id, Mutation{
		Set: map[string]any{
			model.FieldStatus:      model.StatusDeleted,
			model.FieldIsDeleted:   true,
			model.FieldDeleteScope: scope,
			model.FieldDeletedBy:   op.UserID,
			model.FieldDeletedAt:   now,
			model.FieldUpdatedAt:   now,
		},
		Guard: Guard{NotDeleted: true},
	}, "delete")
}

func (s *Store) flip(ctx context.Context, rc RoutingContext, id int64, mu Mutation, op string) (*model.Message, error) {
	if _, err := s.drv.Update(ctx, rc, id, mu); err != nil {
		return nil, errs.WrapMsg(err, op, "partition", rc.Partition, "id", id)
	}
	cur, err := s.drv.Get(ctx, rc, id)
	if err != nil {
		return nil, errs.WrapMsg(err, op+" reload", "partition", rc.Partition, "id", id)
	}
	if cur == nil {
		return nil, errs.ErrNotFound.WrapMsg("message", "conversationId", rc.ConversationID, "id", id)
	}
	return cur, nil
}

func (s *Store) Close(ctx context.Context) error { return s.drv.Close(ctx) }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d == backoff.Stop {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsDuplicate 便捷判断：Insert 返回的幂等命中
func IsDuplicate(err error) bool { return errors.Is(err, errs.ErrDuplicateClientMessage) }
