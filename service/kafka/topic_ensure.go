package kafka

import (
	"errors"
	"fmt"

	"dmchat/logger"

	"github.com/Shopify/sarama"
)

// EnsureTopic 不存在就按配置创建；已存在且分区数不足时扩分区（Kafka 只能增加分区）
func EnsureTopic(admin sarama.ClusterAdmin, c AuditConfig) error {
	descs, err := admin.DescribeTopics([]string{c.Topic})
	if err != nil {
		return fmt.Errorf("describe topic %s: %w", c.Topic, err)
	}
	exists := len(descs) == 1 && descs[0].Err == sarama.ErrNoError

	if !exists {
		minISR := "1"
		if c.ReplicationFactor >= 3 {
			minISR = "2"
		}
		td := &sarama.TopicDetail{
			NumPartitions:     c.PartitionsPerTopic,
			ReplicationFactor: c.ReplicationFactor,
			ConfigEntries: map[string]*string{
				"cleanup.policy":                 strPtr("delete"),
				"min.insync.replicas":            strPtr(minISR),
				"unclean.leader.election.enable": strPtr("false"),
				"compression.type":               strPtr("producer"),
			},
		}
		if err := admin.CreateTopic(c.Topic, td, false); err != nil {
			var te *sarama.TopicError
			if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
				logger.Infof("[Topic] exists (race): %s", c.Topic)
				return nil
			}
			if errors.Is(err, sarama.ErrTopicAlreadyExists) {
				logger.Infof("[Topic] exists (race): %s", c.Topic)
				return nil
			}
			return fmt.Errorf("create topic %s: %w", c.Topic, err)
		}
		logger.Infof("[Topic] created: %s (partitions=%d, rf=%d)", c.Topic, c.PartitionsPerTopic, c.ReplicationFactor)
		return nil
	}

	curParts := int32(len(descs[0].Partitions))
	if c.PartitionsPerTopic > curParts {
		if err := admin.CreatePartitions(c.Topic, c.PartitionsPerTopic, nil, false); err != nil {
			return fmt.Errorf("expand partitions %s from %d to %d: %w", c.Topic, curParts, c.PartitionsPerTopic, err)
		}
		logger.Infof("[Topic] partitions expanded: %s (%d -> %d)", c.Topic, curParts, c.PartitionsPerTopic)
	}
	return nil
}

func strPtr(s string) *string { return &s }
