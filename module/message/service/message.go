package service

import (
	"context"
	"sort"

	"IMCore/logger"
	"IMCore/module/message/model"
	"IMCore/module/message/store"
	"IMCore/tools/errs"

	"go.uber.org/zap"
)

// SendReq 发消息入参；ClientMsgID 为空时由存储层生成
type SendReq struct {
	ConversationID int64
	SenderID       int64
	ClientMsgID    string
	MsgType        model.MsgType
	Content        string
	ContentExtra   map[string]any
	ReplyToID      *int64
	Mentions       []int64
	Status         model.Status // 0 => normal；审核场景传 auditing
}

// ForwardReq 把 FromConversationID 里的一条消息转发到 ToConversationID
type ForwardReq struct {
	FromConversationID int64
	FromMessageID      int64
	ToConversationID   int64
	SenderID           int64
	ClientMsgID        string
}

// Service 消息业务规则：回复校验 / 转发复制 / 只允许编辑文本，其余直接落到 Store
type Service struct {
	st  *store.Store
	log *zap.Logger
}

func New(st *store.Store) *Service {
	return &Service{st: st, log: logger.Named("message.service")}
}

func (s *Service) Store() *store.Store { return s.st }

// Send 返回 dup=true 表示幂等命中，msg 为已存在的那条
func (s *Service) Send(ctx context.Context, req SendReq) (msg *model.Message, dup bool, err error) {
	if req.SenderID <= 0 {
		return nil, false, errs.ErrInvalidArgument.WrapMsg("sender id required")
	}
	if req.ReplyToID != nil {
		// 被回复消息必须在同一会话（同一分区）且未删除
		ref, err := s.st.FindByID(ctx, req.ConversationID, *req.ReplyToID)
		if err != nil {
			return nil, false, err
		}
		if ref == nil || ref.Status == model.StatusDeleted {
			return nil, false, errs.ErrNotFound.WrapMsg("reply target", "conversationId", req.ConversationID, "replyToId", *req.ReplyToID)
		}
		if req.MsgType == 0 {
			req.MsgType = model.MsgTypeQuote
		}
	}

	in := &model.Message{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		ClientMsgID:    req.ClientMsgID,
		MsgType:        req.MsgType,
		Content:        req.Content,
		ContentExtra:   req.ContentExtra,
		ReplyToID:      req.ReplyToID,
		Mentions:       normMentions(req.Mentions, req.SenderID),
		Status:         req.Status,
	}
	return s.insert(ctx, in)
}

// Forward 复制原消息内容到目标会话，forwardFromId 指向原消息
func (s *Service) Forward(ctx context.Context, req ForwardReq) (msg *model.Message, dup bool, err error) {
	if req.SenderID <= 0 {
		return nil, false, errs.ErrInvalidArgument.WrapMsg("sender id required")
	}
	src, err := s.st.FindByID(ctx, req.FromConversationID, req.FromMessageID)
	if err != nil {
		return nil, false, err
	}
	if src == nil || src.Status != model.StatusNormal || src.IsRecalled {
		return nil, false, errs.ErrNotFound.WrapMsg("forward source", "conversationId", req.FromConversationID, "id", req.FromMessageID)
	}

	extra := make(map[string]any, len(src.ContentExtra)+2)
	for k, v := range src.ContentExtra {
		extra[k] = v
	}
	extra["fromConversationId"] = src.ConversationID
	extra["originMsgType"] = int32(src.MsgType)

	fid := src.ID
	in := &model.Message{
		ConversationID: req.ToConversationID,
		SenderID:       req.SenderID,
		ClientMsgID:    req.ClientMsgID,
		MsgType:        model.MsgTypeForward,
		Content:        src.Content,
		ContentExtra:   extra,
		ForwardFromID:  &fid,
	}
	return s.insert(ctx, in)
}

func (s *Service) insert(ctx context.Context, in *model.Message) (*model.Message, bool, error) {
	m, err := s.st.Insert(ctx, in)
	if store.IsDuplicate(err) {
		s.log.Debug("duplicate client msg, return existing",
			zap.Int64("conversationId", in.ConversationID), zap.String("clientMsgId", in.ClientMsgID))
		return m, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.log.Info("message stored",
		zap.Int64("id", m.ID), zap.Int64("conversationId", m.ConversationID), zap.Int64("seq", m.Seq), zap.Int64("senderId", m.SenderID))
	return m, false, nil
}

// Edit 只允许文本；已撤回 / 非正常状态由 Store 拒绝
func (s *Service) Edit(ctx context.Context, conversationID, id int64, content string) (*model.Message, error) {
	cur, err := s.st.FindByID(ctx, conversationID, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, errs.ErrNotFound.WrapMsg("message", "conversationId", conversationID, "id", id)
	}
	if cur.MsgType != model.MsgTypeText && !cur.IsRecalled {
		return cur, errs.ErrNotEditable.WrapMsg("only text can be edited", "id", id, "msgType", cur.MsgType)
	}
	return s.st.Edit(ctx, conversationID, id, content)
}

func (s *Service) Recall(ctx context.Context, conversationID, id int64, reason string) (*model.Message, bool, error) {
	return s.st.Recall(ctx, conversationID, id, reason)
}

func (s *Service) Pin(ctx context.Context, conversationID, id int64, pinned bool, op store.Operator) (*model.Message, error) {
	return s.st.Pin(ctx, conversationID, id, pinned, op)
}

func (s *Service) Delete(ctx context.Context, conversationID, id int64, op store.Operator) (*model.Message, error) {
	return s.st.Delete(ctx, conversationID, id, op)
}

func (s *Service) Get(ctx context.Context, conversationID, id int64) (*model.Message, error) {
	return s.st.FindByID(ctx, conversationID, id)
}

func (s *Service) Latest(ctx context.Context, conversationID int64, limit int) ([]*model.Message, error) {
	return s.st.FindLatest(ctx, conversationID, limit)
}

func (s *Service) History(ctx context.Context, conversationID int64, beforeSeq *int64, limit int) ([]*model.Message, error) {
	return s.st.FindHistory(ctx, conversationID, beforeSeq, limit)
}

func (s *Service) Pinned(ctx context.Context, conversationID int64, limit int) ([]*model.Message, error) {
	return s.st.FindPinned(ctx, conversationID, limit)
}

func (s *Service) Count(ctx context.Context, conversationID int64) (int64, error) {
	return s.st.CountByConversation(ctx, conversationID)
}

// ConvStats 会话水位
type ConvStats struct {
	ConversationID int64  `json:"conversationId"`
	Partition      string `json:"partition"`
	MaxSeq         int64  `json:"maxSeq"`
	NormalCount    int64  `json:"normalCount"`
}

func (s *Service) Stats(ctx context.Context, conversationID int64) (*ConvStats, error) {
	max, err := s.st.MaxSeq(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	n, err := s.st.CountByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &ConvStats{
		ConversationID: conversationID,
		Partition:      s.st.Router().TableFor(conversationID),
		MaxSeq:         max,
		NormalCount:    n,
	}, nil
}

// normMentions 去重、去掉自己、去掉非法 id，结果升序
func normMentions(in []int64, self int64) []int64 {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(in))
	out := make([]int64, 0, len(in))
	for _, uid := range in {
		if uid <= 0 || uid == self {
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
