package redis

import (
	"context"
	"time"

	"dmchat/logger"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultPresenceTTL = 90 * time.Second

// presence key: im:presence:<user>
// Value: node id, TTL controls the online validity period
func presenceKey(user string) string { return "im:presence:" + user }

// 只删除本节点写入的 key，避免把其他节点上的在线状态清掉
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// PresenceMirror 将本节点的在线状态镜像到 Redis，供集群内其他节点查询。
// 权威状态仍在进程内的连接注册表。
type PresenceMirror struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration
}

func NewPresenceMirror(rdb *redis.Client, nodeID string, ttl time.Duration) *PresenceMirror {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &PresenceMirror{rdb: rdb, nodeID: nodeID, ttl: ttl}
}

// Online sets the user as online and renews the TTL
func (p *PresenceMirror) Online(ctx context.Context, user string) error {
	err := p.rdb.Set(ctx, presenceKey(user), p.nodeID, p.ttl).Err()
	return errors.Wrap(err, "presence online")
}

// Offline 用户最后一条连接断开
func (p *PresenceMirror) Offline(ctx context.Context, user string) error {
	err := releaseScript.Run(ctx, p.rdb, []string{presenceKey(user)}, p.nodeID).Err()
	return errors.Wrap(err, "presence offline")
}

// Lookup checks whether the user is online and on which node
func (p *PresenceMirror) Lookup(ctx context.Context, user string) (nodeID string, online bool, err error) {
	val, err := p.rdb.Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "presence lookup")
	}
	return val, true, nil
}

// Refresh 批量续期，users 为本节点当前在线用户
func (p *PresenceMirror) Refresh(ctx context.Context, users []string) error {
	if len(users) == 0 {
		return nil
	}
	pipe := p.rdb.Pipeline()
	for _, u := range users {
		pipe.Set(ctx, presenceKey(u), p.nodeID, p.ttl)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "presence refresh")
}

// KeepAlive 每 ttl/3 续期一次直到 ctx 取消
func (p *PresenceMirror) KeepAlive(ctx context.Context, users func() []string) {
	t := time.NewTicker(p.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.Refresh(ctx, users()); err != nil {
				logger.Warn("[presence] refresh failed", zap.Error(err))
			}
		}
	}
}
