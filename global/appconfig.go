package global

import (
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const (
	StoreMemory   = "memory"
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
)

// AppConfig 全部来自环境变量，可选 .env
type AppConfig struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `envconfig:"GRPC_ADDR" default:":50051"`
	NodeID   int64  `envconfig:"NODE_ID" default:"1"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
	JWTAlg    string `envconfig:"JWT_ALG" default:"HS256"`

	SendQueueSize  int           `envconfig:"SEND_QUEUE_SIZE" default:"256"`
	OpTimeout      time.Duration `envconfig:"OP_TIMEOUT" default:"10s"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS"`

	StoreDriver   string `envconfig:"STORE_DRIVER" default:"memory"`
	MongoURI      string `envconfig:"MONGO_URI"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"dmchat"`
	PostgresDSN   string `envconfig:"POSTGRES_DSN"`

	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	PresenceTTL   time.Duration `envconfig:"PRESENCE_TTL" default:"90s"`

	NatsURL string `envconfig:"NATS_URL"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"dmchat.message.lifecycle"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load 先读 .env（不存在忽略），再解析环境变量
func Load(envFiles ...string) (AppConfig, error) {
	_ = godotenv.Load(envFiles...)
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, errors.Wrap(err, "load config")
	}
	return cfg, cfg.Validate()
}

func (c *AppConfig) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case StoreMemory:
	case StoreMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo store")
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres store")
		}
	default:
		return errors.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return errors.Errorf("NODE_ID %d out of range [0,1023]", c.NodeID)
	}
	return nil
}

// NodeName 集群内节点标识（presence 值、NATS 头）
func (c *AppConfig) NodeName() string {
	return "gw-" + strconv.FormatInt(c.NodeID, 10)
}
