package natsx

import (
	"context"
	"strings"

	"dmchat/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectPrefix = "dmchat.user."
	HeaderNode    = "Dmchat-Node"
)

func UserSubject(userID string) string { return SubjectPrefix + userID }

// DeliverFunc 投递到本节点的本地连接，返回送达连接数
type DeliverFunc func(userID string, payload []byte) int

// Bridge 集群桥：本节点的用户定向事件发布到 dmchat.user.<id>，
// 订阅 dmchat.user.> 把其他节点的事件投递给本地连接
type Bridge struct {
	client *NatsxClient
	nodeID string
}

func NewBridge(client *NatsxClient, nodeID string) *Bridge {
	return &Bridge{client: client, nodeID: nodeID}
}

func (b *Bridge) Publish(userID string, payload []byte) error {
	m := nats.NewMsg(UserSubject(userID))
	m.Header.Set(HeaderNode, b.nodeID)
	m.Data = payload
	return b.client.PublishMsg(m)
}

// Start 订阅集群事件
func (b *Bridge) Start(deliver DeliverFunc) error {
	h := NatsxChain(deliverHandler(deliver), skipOwnNode(b.nodeID), recoverPanic())
	return b.client.Subscribe(SubjectPrefix+">", func(m *nats.Msg) {
		_ = h(context.Background(), NatsxMessage{
			Subject: m.Subject,
			Data:    m.Data,
			Header:  headerToMap(m.Header),
		})
	})
}

func deliverHandler(deliver DeliverFunc) NatsxHandler {
	return func(_ context.Context, msg NatsxMessage) error {
		userID := strings.TrimPrefix(msg.Subject, SubjectPrefix)
		if userID == "" || userID == msg.Subject {
			return nil
		}
		n := deliver(userID, msg.Data)
		logger.Debug("[bridge] delivered", zap.String("user", userID), zap.Int("conns", n),
			zap.String("from", msg.Header[HeaderNode]))
		return nil
	}
}

// skipOwnNode 本节点已在本地投递过
func skipOwnNode(nodeID string) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			if msg.Header[HeaderNode] == nodeID {
				return nil
			}
			return next(ctx, msg)
		}
	}
}

func recoverPanic() NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("[bridge] handler panic", zap.String("subject", msg.Subject), zap.Any("panic", r))
				}
			}()
			return next(ctx, msg)
		}
	}
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
