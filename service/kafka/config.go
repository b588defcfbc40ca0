package kafka

import (
	"strings"
	"time"

	"IMCore/tools/errs"

	"github.com/Shopify/sarama"
)

// Config kafka 总线配置
type Config struct {
	Brokers           []string `yaml:"brokers" mapstructure:"brokers"`
	GroupID           string   `yaml:"group_id" mapstructure:"group_id"`
	Version           string   `yaml:"version" mapstructure:"version"`               // 例如 "2.1.0"
	Compression       string   `yaml:"compression" mapstructure:"compression"`       // none/snappy/lz4/zstd
	InitialOffset     string   `yaml:"initial_offset" mapstructure:"initial_offset"` // newest/oldest
	ProducerRetries   int      `yaml:"producer_retries" mapstructure:"producer_retries"`
	AutoCreateTopics  bool     `yaml:"auto_create_topics" mapstructure:"auto_create_topics"`
	Partitions        int32    `yaml:"partitions" mapstructure:"partitions"`
	ReplicationFactor int16    `yaml:"replication_factor" mapstructure:"replication_factor"`
	// Topics 已知主题；通配订阅在元数据之外也会从这里展开
	Topics []string `yaml:"topics" mapstructure:"topics"`
}

func (c *Config) norm() {
	if c.GroupID == "" {
		c.GroupID = "imcore"
	}
	if c.Version == "" {
		c.Version = "2.1.0"
	}
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 3
	}
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
}

// BuildSaramaConfig producer/consumer 共用的 sarama 配置
func BuildSaramaConfig(c Config) (*sarama.Config, error) {
	c.norm()
	ver, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("kafka version", "version", c.Version)
	}
	cfg := sarama.NewConfig()
	cfg.Version = ver
	cfg.ClientID = "imcore"

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // key = eventId/userId 决定分区
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Consumer
	switch strings.ToLower(c.InitialOffset) {
	case "oldest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg, nil
}
