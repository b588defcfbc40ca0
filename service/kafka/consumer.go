package kafka

import (
	"context"

	"IMCore/service/event"
	"IMCore/tools/safe"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

type groupHandler struct {
	routes *router
	log    *zap.Logger
}

func (h *groupHandler) Setup(s sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group setup", zap.String("member", s.MemberID()), zap.Any("claims", s.Claims()))
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group cleanup")
	return nil
}

// ConsumeClaim 回调出错只记日志，offset 照常提交（重试交给上游 Publisher）
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.deliver(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *groupHandler) deliver(ctx context.Context, msg *sarama.ConsumerMessage) int {
	hs := h.routes.handlers(msg.Topic)
	if len(hs) == 0 {
		h.log.Debug("no route for topic", zap.String("topic", msg.Topic))
		return 0
	}
	m := event.Message{Subject: msg.Topic, Data: msg.Value, Header: headersToMap(msg.Headers)}
	for _, cb := range hs {
		cb := cb
		if err := safe.Call(func() error { return cb(ctx, m) }); err != nil {
			h.log.Warn("handler error", zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
	return len(hs)
}
