package kafka

import (
	"context"
	"encoding/json"
	"sync"

	"dmchat/logger"
	"dmchat/service/storage"
	"dmchat/tools/safe"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// AuditProducer 消息生命周期审计。Emit 只入队，单个协程用同步生产者按会话 key 发送，
// 保证同一会话的记录有序落在同一分区。
type AuditProducer struct {
	sp    sarama.SyncProducer
	topic string
	queue chan storage.LifecycleEvent

	closeOnce sync.Once
	done      chan struct{}
}

// NewAuditProducer 连接集群（必要时建 topic）并启动发送协程
func NewAuditProducer(c AuditConfig) (*AuditProducer, error) {
	if len(c.Brokers) == 0 || c.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	cfg := BuildBaseConfig(c)
	client, err := sarama.NewClient(c.Brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "kafka client")
	}
	if c.AutoCreateTopic {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, "kafka admin")
		}
		if err := EnsureTopic(admin, c); err != nil {
			logger.Warn("[Kafka] ensure topic failed", zap.String("topic", c.Topic), zap.Error(err))
		}
	}
	sp, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "kafka sync producer")
	}
	return NewAuditProducerWith(sp, c.Topic, c.QueueSize), nil
}

// NewAuditProducerWith 使用现成的生产者（测试注入 mocks）
func NewAuditProducerWith(sp sarama.SyncProducer, topic string, queueSize int) *AuditProducer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &AuditProducer{
		sp:    sp,
		topic: topic,
		queue: make(chan storage.LifecycleEvent, queueSize),
		done:  make(chan struct{}),
	}
	safe.Go("kafka-audit", p.run)
	return p
}

// Emit 非阻塞；队列满时丢弃并告警
func (p *AuditProducer) Emit(_ context.Context, ev storage.LifecycleEvent) {
	defer func() {
		// Close 之后的 Emit
		_ = recover()
	}()
	select {
	case p.queue <- ev:
	default:
		logger.Warn("[Kafka] audit queue full, drop", zap.String("kind", ev.Kind), zap.Int64("msg", ev.MessageID))
	}
}

func (p *AuditProducer) run() {
	defer close(p.done)
	for ev := range p.queue {
		if err := p.send(ev); err != nil {
			logger.Warn("[Kafka] audit send failed", zap.String("kind", ev.Kind), zap.Int64("msg", ev.MessageID), zap.Error(err))
		}
	}
}

func (p *AuditProducer) send(ev storage.LifecycleEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal audit event")
	}
	_, _, err = p.sp.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.ConversationKey()),
		Value: sarama.ByteEncoder(body),
	})
	return err
}

// Close 排空队列后关闭生产者
func (p *AuditProducer) Close() error {
	p.closeOnce.Do(func() { close(p.queue) })
	<-p.done
	return p.sp.Close()
}
