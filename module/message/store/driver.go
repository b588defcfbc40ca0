package store

import (
	"context"
	"errors"
	"time"

	"IMCore/module/message/model"
)

// RoutingContext 一次调用落到哪个分区；由 Store 依据 ShardRouter 算好后显式传给驱动
type RoutingContext struct {
	Partition      string
	ConversationID int64
}

// Guard 条件更新，全部满足才会写入（依赖存储的单行原子性）
type Guard struct {
	NotRecalled bool
	NotDeleted  bool          // status != deleted
	Status      *model.Status // 要求当前状态等于
}

func (g Guard) Match(m *model.Message) bool {
	if g.NotRecalled && m.IsRecalled {
		return false
	}
	if g.NotDeleted && m.Status == model.StatusDeleted {
		return false
	}
	if g.Status != nil && m.Status != *g.Status {
		return false
	}
	return true
}

// Mutation 单行更新：Set 覆盖，Inc 自增；key 使用 model.Field* 列名
type Mutation struct {
	Set   map[string]any
	Inc   map[string]int64
	Guard Guard
}

// Driver 表格存储驱动：每次调用只作用于 rc.Partition 这一个分区，不跨分区
type Driver interface {
	// EnsurePartition 建表/建集合 + 唯一索引，幂等
	EnsurePartition(ctx context.Context, partition string) error

	// Insert 写入并回填 m.ID；唯一冲突需能被 IsUniqueClientMsgErr / IsUniqueSeqErr 识别
	Insert(ctx context.Context, rc RoutingContext, m *model.Message) error
	// Get / GetByClientMsgID 不存在返回 (nil, nil)
	Get(ctx context.Context, rc RoutingContext, id int64) (*model.Message, error)
	GetByClientMsgID(ctx context.Context, rc RoutingContext, clientMsgID string) (*model.Message, error)
	// MaxSeq 会话当前最大 seq（含软删行），空会话返回 0
	MaxSeq(ctx context.Context, rc RoutingContext) (int64, error)
	// ListDesc seq 倒序；beforeSeq 为 nil 时从最新开始
	ListDesc(ctx context.Context, rc RoutingContext, beforeSeq *int64, limit int) ([]*model.Message, error)
	ListPinned(ctx context.Context, rc RoutingContext, limit int) ([]*model.Message, error)
	// Update 条件更新，返回是否命中（行存在且 Guard 满足）
	Update(ctx context.Context, rc RoutingContext, id int64, mu Mutation) (bool, error)
	CountNormal(ctx context.Context, rc RoutingContext) (int64, error)

	IsUniqueClientMsgErr(err error) bool
	IsUniqueSeqErr(err error) bool
	IsTransientErr(err error) bool

	Close(ctx context.Context) error
}

var (
	ErrUniqueClientMsg = errors.New("unique violation: conversation_id + client_msg_id")
	ErrUniqueSeq       = errors.New("unique violation: conversation_id + seq")
	ErrUnknownField    = errors.New("unknown message field")
)

// Apply 把 Mutation 作用到内存对象上（内存驱动与各驱动的回读校验共用）
func Apply(m *model.Message, mu Mutation) error {
	for col, v := range mu.Set {
		if err := setField(m, col, v); err != nil {
			return err
		}
	}
	for col, d := range mu.Inc {
		switch col {
		case model.FieldEditCount:
			m.EditCount += int32(d)
		default:
			return ErrUnknownField
		}
	}
	return nil
}

func setField(m *model.Message, col string, v any) error {
	switch col {
	case model.FieldContent:
		m.Content, _ = v.(string)
	case model.FieldContentExtra:
		m.ContentExtra, _ = v.(map[string]any)
	case model.FieldIsPinned:
		m.IsPinned, _ = v.(bool)
	case model.FieldPinScope:
		m.PinScope, _ = v.(model.Scope)
	case model.FieldPinnedBy:
		m.PinnedBy, _ = v.(int64)
	case model.FieldPinnedAt:
		m.PinnedAt = timePtr(v)
	case model.FieldIsEdited:
		m.IsEdited, _ = v.(bool)
	case model.FieldLastEditAt:
		m.LastEditAt = timePtr(v)
	case model.FieldIsRecalled:
		m.IsRecalled, _ = v.(bool)
	case model.FieldRecallReason:
		m.RecallReason, _ = v.(string)
	case model.FieldRecalledAt:
		m.RecalledAt = timePtr(v)
	case model.FieldIsDeleted:
		m.IsDeleted, _ = v.(bool)
	case model.FieldDeleteScope:
		m.DeleteScope, _ = v.(model.Scope)
	case model.FieldDeletedBy:
		m.DeletedBy, _ = v.(int64)
	case model.FieldDeletedAt:
		m.DeletedAt = timePtr(v)
	case model.FieldStatus:
		m.Status, _ = v.(model.Status)
	case model.FieldUpdatedAt:
		if t, ok := v.(time.Time); ok {
			m.UpdatedAt = t
		}
	default:
		return ErrUnknownField
	}
	return nil
}

// nil / *time.Time(nil) 表示清空
func timePtr(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		if t == nil {
			return nil
		}
		c := *t
		return &c
	}
	return nil
}
