package model

import "time"

// ===== 枚举 =====

type MsgType int32

const (
	MsgTypeText     MsgType = 1
	MsgTypeImage    MsgType = 2
	MsgTypeFile     MsgType = 3
	MsgTypeVoice    MsgType = 4
	MsgTypeVideo    MsgType = 5
	MsgTypeLocation MsgType = 6
	MsgTypeCard     MsgType = 7
	MsgTypeSystem   MsgType = 8
	MsgTypeEdit     MsgType = 9
	MsgTypeQuote    MsgType = 10
	MsgTypeForward  MsgType = 11
	MsgTypeRecall   MsgType = 12
	MsgTypeDelete   MsgType = 13
)

func (t MsgType) Valid() bool { return t >= MsgTypeText && t <= MsgTypeDelete }

type Status int32

// 0=已删除 1=正常 2=审核中 3=审核拒绝
const (
	StatusDeleted  Status = 0
	StatusNormal   Status = 1
	StatusAuditing Status = 2
	StatusRejected Status = 3
)

// Scope 置顶/删除的作用范围
type Scope int32

const (
	ScopeNone Scope = 0
	ScopeSelf Scope = 1 // 仅自己
	ScopeAll  Scope = 2 // 会话所有人
)

// ===== 列名（SQL 列 / bson 字段共用）=====

const (
	FieldID              = "id"
	FieldConversationID  = "conversation_id"
	FieldSeq             = "seq"
	FieldClientMsgID     = "client_msg_id"
	FieldSenderID        = "sender_id"
	FieldMsgType         = "msg_type"
	FieldContent         = "content"
	FieldContentExtra    = "content_extra"
	FieldReplyToID       = "reply_to_id"
	FieldForwardFromID   = "forward_from_id"
	FieldMentions        = "mentions"
	FieldIsPinned        = "is_pinned"
	FieldPinScope        = "pin_scope"
	FieldPinnedBy        = "pinned_by"
	FieldPinnedAt        = "pinned_at"
	FieldIsEdited        = "is_edited"
	FieldEditCount       = "edit_count"
	FieldLastEditAt      = "last_edit_at"
	FieldIsRecalled      = "is_recalled"
	FieldRecallReason    = "recall_reason"
	FieldRecalledAt      = "recalled_at"
	FieldIsDeleted       = "is_deleted"
	FieldDeleteScope     = "delete_scope"
	FieldDeletedBy       = "deleted_by"
	FieldDeletedAt       = "deleted_at"
	FieldStatus          = "status"
	FieldServerTimestamp = "server_timestamp"
	FieldCreatedAt       = "created_at"
	FieldUpdatedAt       = "updated_at"
)

// 唯一约束名前缀；SQL 库里索引名按 schema 全局唯一，实际名为 <前缀>_<分区>
const (
	UniqueSeqIndex       = "uk_conv_seq"
	UniqueClientMsgIndex = "uk_conv_client_msg"
)

// IndexName 分区内唯一约束的实际名字
func IndexName(prefix, partition string) string { return prefix + "_" + partition }

// Message 一条会话消息；ID 在分区内自增，分区由 ConversationID 决定且不变
type Message struct {
	ID             int64  `bson:"_id" json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	ConversationID int64  `bson:"conversation_id" json:"conversationId" gorm:"column:conversation_id;not null"`
	Seq            int64  `bson:"seq" json:"seq" gorm:"column:seq;not null"`
	ClientMsgID    string `bson:"client_msg_id" json:"clientMsgId" gorm:"column:client_msg_id;size:64;not null"`

	SenderID      int64          `bson:"sender_id" json:"senderId" gorm:"column:sender_id;not null"`
	MsgType       MsgType        `bson:"msg_type" json:"msgType" gorm:"column:msg_type;not null"`
	Content       string         `bson:"content" json:"content" gorm:"column:content;type:text"`
	ContentExtra  map[string]any `bson:"content_extra,omitempty" json:"contentExtra,omitempty" gorm:"column:content_extra;serializer:json"`
	ReplyToID     *int64         `bson:"reply_to_id,omitempty" json:"replyToId,omitempty" gorm:"column:reply_to_id"`
	ForwardFromID *int64         `bson:"forward_from_id,omitempty" json:"forwardFromId,omitempty" gorm:"column:forward_from_id"`
	Mentions      []int64        `bson:"mentions,omitempty" json:"mentions,omitempty" gorm:"column:mentions;serializer:json"`

	// 置顶
	IsPinned bool       `bson:"is_pinned" json:"isPinned" gorm:"column:is_pinned"`
	PinScope Scope      `bson:"pin_scope" json:"pinScope" gorm:"column:pin_scope"`
	PinnedBy int64      `bson:"pinned_by" json:"pinnedBy" gorm:"column:pinned_by"`
	PinnedAt *time.Time `bson:"pinned_at,omitempty" json:"pinnedAt,omitempty" gorm:"column:pinned_at"`

	// 编辑
	IsEdited   bool       `bson:"is_edited" json:"isEdited" gorm:"column:is_edited"`
	EditCount  int32      `bson:"edit_count" json:"editCount" gorm:"column:edit_count"`
	LastEditAt *time.Time `bson:"last_edit_at,omitempty" json:"lastEditAt,omitempty" gorm:"column:last_edit_at"`

	// 撤回
	IsRecalled   bool       `bson:"is_recalled" json:"isRecalled" gorm:"column:is_recalled"`
	RecallReason string     `bson:"recall_reason" json:"recallReason,omitempty" gorm:"column:recall_reason"`
	RecalledAt   *time.Time `bson:"recalled_at,omitempty" json:"recalledAt,omitempty" gorm:"column:recalled_at"`

	// 删除（软删）
	IsDeleted   bool       `bson:"is_deleted" json:"isDeleted" gorm:"column:is_deleted"`
	DeleteScope Scope      `bson:"delete_scope" json:"deleteScope" gorm:"column:delete_scope"`
	DeletedBy   int64      `bson:"deleted_by" json:"deletedBy" gorm:"column:deleted_by"`
	DeletedAt   *time.Time `bson:"deleted_at,omitempty" json:"deletedAt,omitempty" gorm:"column:deleted_at"`

	Status          Status    `bson:"status" json:"status" gorm:"column:status;not null"`
	ServerTimestamp int64     `bson:"server_timestamp" json:"serverTimestamp" gorm:"column:server_timestamp"` // Unix ms
	CreatedAt       time.Time `bson:"created_at" json:"createdAt" gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt       time.Time `bson:"updated_at" json:"updatedAt" gorm:"column:updated_at;autoUpdateTime:false"`
}

// Clone 深拷贝；内存驱动和缓存出参都走这里，避免调用方改到存储里的对象
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.ContentExtra != nil {
		c.ContentExtra = make(map[string]any, len(m.ContentExtra))
		for k, v := range m.ContentExtra {
			c.ContentExtra[k] = v
		}
	}
	if m.Mentions != nil {
		c.Mentions = append([]int64(nil), m.Mentions...)
	}
	c.ReplyToID = clonePtr(m.ReplyToID)
	c.ForwardFromID = clonePtr(m.ForwardFromID)
	c.PinnedAt = clonePtr(m.PinnedAt)
	c.LastEditAt = clonePtr(m.LastEditAt)
	c.RecalledAt = clonePtr(m.RecalledAt)
	c.DeletedAt = clonePtr(m.DeletedAt)
	return &c
}

func (m *Message) Editable() bool { return !m.IsRecalled && m.Status == StatusNormal }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
