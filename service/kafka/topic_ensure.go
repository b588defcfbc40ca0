package kafka

import (
	"errors"

	"IMCore/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// ensureTopics 不存在就按配置创建；已存在且分区数不足时扩分区（kafka 只能增不能减）
func (c *Client) ensureTopics(topics []string) error {
	admin, err := sarama.NewClusterAdminFromClient(c.client)
	if err != nil {
		return errs.WrapMsg(err, "kafka admin")
	}
	// 不关 admin：它与 Client 共用底层连接，关掉会连带关闭 client
	return EnsureTopics(admin, topics, c.cfg, c.log)
}

func EnsureTopics(admin sarama.ClusterAdmin, topics []string, cfg Config, log *zap.Logger) error {
	cfg.norm()
	minISR := "1"
	if cfg.ReplicationFactor >= 3 {
		minISR = "2"
	}
	for _, t := range topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return errs.WrapMsg(err, "describe topic", "topic", t)
		}
		exists := len(descs) == 1 && errors.Is(descs[0].Err, sarama.ErrNoError)

		if !exists {
			td := &sarama.TopicDetail{
				NumPartitions:     cfg.Partitions,
				ReplicationFactor: cfg.ReplicationFactor,
				ConfigEntries: map[string]*string{
					"cleanup.policy":                 strPtr("delete"),
					"min.insync.replicas":            strPtr(minISR),
					"unclean.leader.election.enable": strPtr("false"),
					"compression.type":               strPtr("producer"),
				},
			}
			if err := admin.CreateTopic(t, td, false); err != nil {
				var te *sarama.TopicError
				if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
					log.Info("topic exists (race)", zap.String("topic", t))
					continue
				}
				return errs.WrapMsg(err, "create topic", "topic", t)
			}
			log.Info("topic created", zap.String("topic", t), zap.Int32("partitions", cfg.Partitions), zap.Int16("rf", cfg.ReplicationFactor))
			continue
		}

		cur := int32(len(descs[0].Partitions))
		if cfg.Partitions > cur {
			if err := admin.CreatePartitions(t, cfg.Partitions, nil, false); err != nil {
				return errs.WrapMsg(err, "expand partitions", "topic", t, "from", cur, "to", cfg.Partitions)
			}
			log.Info("topic partitions expanded", zap.String("topic", t), zap.Int32("from", cur), zap.Int32("to", cfg.Partitions))
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }
