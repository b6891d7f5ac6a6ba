package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// AuditConfig 审计生产者配置
type AuditConfig struct {
	Brokers             []string
	Topic               string
	PartitionsPerTopic  int32 // 单机=1；生产按会话量规划
	ReplicationFactor   int16 // 单机=1；生产=3
	ProducerRetries     int
	ProducerCompression string // none/snappy/lz4/zstd
	QueueSize           int
	KafkaVersion        sarama.KafkaVersion
	AutoCreateTopic     bool
}

func DefaultAuditConfig(brokers []string, topic string) AuditConfig {
	return AuditConfig{
		Brokers:             brokers,
		Topic:               topic,
		PartitionsPerTopic:  8,
		ReplicationFactor:   1,
		ProducerRetries:     5,
		ProducerCompression: "snappy",
		QueueSize:           1024,
		KafkaVersion:        sarama.V2_1_0_0,
		AutoCreateTopic:     true,
	}
}

func BuildBaseConfig(c AuditConfig) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = c.KafkaVersion
	cfg.ClientID = "dmchat-audit"

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 1
	}
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // ★ 关键：Key 控制分区
	switch strings.ToLower(c.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}
