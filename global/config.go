package global

import (
	"context"
	"time"

	"dmchat/logger"
	"dmchat/service/kafka"
	"dmchat/service/natsx"
	"dmchat/service/storage"
	"dmchat/service/storage/mgo"
	"dmchat/service/storage/pg"
	redisx "dmchat/service/storage/redis"
	"dmchat/tools/ids"
	"dmchat/tools/security"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func ConfigLogger(cfg AppConfig) {
	logger.SetLevel(cfg.LogLevel)
}

func ConfigIds(cfg AppConfig) *ids.Generator {
	logger.Infof("配置id生成 node=%d", cfg.NodeID)
	ids.SetNodeID(cfg.NodeID)
	return ids.NewGenerator(cfg.NodeID)
}

func ConfigJWT(cfg AppConfig) security.Options {
	opts := security.DefaultOptions([]byte(cfg.JWTSecret))
	opts.Alg = cfg.JWTAlg
	return opts
}

// ConfigStore 按 STORE_DRIVER 选择消息存储
func ConfigStore(ctx context.Context, cfg AppConfig, gen *ids.Generator) (storage.MessageStore, error) {
	switch cfg.StoreDriver {
	case StoreMongo:
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		db, err := mgo.Connect(ctx, &mgo.Config{Uri: cfg.MongoURI, Database: cfg.MongoDatabase, MaxPoolSize: 20, MaxRetry: 3})
		if err != nil {
			return nil, err
		}
		s := mgo.NewStore(db, gen)
		if err := s.EnsureIndexes(ctx); err != nil {
			logger.Warn("[mongo] ensure indexes failed", zap.Error(err))
		}
		return s, nil
	case StorePostgres:
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return pg.Open(ctx, cfg.PostgresDSN, gen)
	case StoreMemory, "":
		return storage.NewMemoryStore(gen), nil
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// ConfigRedis REDIS_ADDR 为空时返回 nil（不镜像在线状态）
func ConfigRedis(ctx context.Context, cfg AppConfig) (*redisx.PresenceMirror, func() error, error) {
	if cfg.RedisAddr == "" {
		return nil, func() error { return nil }, nil
	}
	rdb, err := redisx.NewClient(ctx, redisx.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return nil, nil, err
	}
	return redisx.NewPresenceMirror(rdb, cfg.NodeName(), cfg.PresenceTTL), rdb.Close, nil
}

// ConfigNats NATS_URL 为空时单节点运行
func ConfigNats(cfg AppConfig) (*natsx.NatsxClient, *natsx.Bridge, error) {
	if cfg.NatsURL == "" {
		return nil, nil, nil
	}
	client, err := natsx.NewNatsxClient(natsx.NatsxConfig{Servers: []string{cfg.NatsURL}, Name: "dmchat-" + cfg.NodeName()})
	if err != nil {
		return nil, nil, err
	}
	return client, natsx.NewBridge(client, cfg.NodeName()), nil
}

// ConfigKafka KAFKA_BROKERS 为空时不审计
func ConfigKafka(cfg AppConfig) (*kafka.AuditProducer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, nil
	}
	return kafka.NewAuditProducer(kafka.DefaultAuditConfig(cfg.KafkaBrokers, cfg.KafkaTopic))
}
