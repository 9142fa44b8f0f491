package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (CHECKOUT_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage     string `default:"postgres" usage:"Storage backend: postgres or memory (demo data, lost on restart)"`
	DatabaseURL string `usage:"PostgreSQL connection URL (CHECKOUT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Checkout    CheckoutConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	RabbitMQ    RabbitMQConfig `env:"RABBITMQ" flag:"rabbitmq"`
	Audit       AuditConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// CheckoutConfig bounds checkout transactions.
type CheckoutConfig struct {
	MaxConns       int32         `default:"20" usage:"Maximum PostgreSQL pool connections" flag:"max-conns"`
	TxTimeout      time.Duration `default:"5s" usage:"Upper bound for one checkout transaction" flag:"tx-timeout"`
	LockTimeout    time.Duration `default:"2s" usage:"How long a checkout waits for a row lock" flag:"lock-timeout"`
	DefaultCountry string        `default:"Kenya" usage:"Shipping country used when the request leaves it blank" flag:"default-country"`
}

// RedisConfig enables Idempotency-Key support when Addr is set.
type RedisConfig struct {
	Addr           string        `default:"" usage:"Redis address (host:port) or redis:// URL; empty disables idempotency keys"`
	IdempotencyTTL time.Duration `default:"24h" usage:"How long completed responses are replayed" flag:"idempotency-ttl"`
	PendingTTL     time.Duration `default:"30s" usage:"How long an in-flight key blocks retries" flag:"pending-ttl"`
}

// KafkaConfig enables the payment consumer and the audit publisher when
// Brokers is set.
type KafkaConfig struct {
	Brokers       []string `default:"" usage:"Kafka bootstrap brokers; empty disables Kafka"`
	PaymentsTopic string   `default:"payments.events" usage:"Topic with payment events" flag:"payments-topic"`
	AuditTopic    string   `default:"checkout.audit" usage:"Topic audit records are published to; empty logs them instead" flag:"audit-topic"`
	GroupID       string   `default:"checkout" usage:"Consumer group for payment events" flag:"group-id"`
}

// RabbitMQConfig enables the alternative payment event subscriber when URL
// is set.
type RabbitMQConfig struct {
	URL        string `default:"" usage:"AMQP URL; empty disables the RabbitMQ subscriber"`
	Exchange   string `default:"payments" usage:"Topic exchange payment events are published to"`
	Queue      string `default:"checkout.payments" usage:"Durable queue bound to the exchange"`
	RoutingKey string `default:"payment.*" usage:"Binding key" flag:"routing-key"`
	Prefetch   int    `default:"16" usage:"Unacked deliveries per consumer"`
}

// AuditConfig sizes the fire-and-forget audit queue.
type AuditConfig struct {
	Buffer int `default:"1024" usage:"Audit records queued before new ones are dropped"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, then applies platform defaults and validates the result.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CHECKOUT",
		Files:     []string{"config.yaml", "/etc/checkout/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided variables with standard
// names (DATABASE_URL, REDIS_URL, PORT) onto the configuration.
func (c *Config) applyPlatformDefaults(getenv func(string) string) {
	if c.DatabaseURL == "" {
		c.DatabaseURL = getenv("DATABASE_URL")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = getenv("REDIS_URL")
	}
	if port := getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
	c.Kafka.Brokers = compact(c.Kafka.Brokers)
}

// Validate reports configuration that cannot start the service.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set CHECKOUT_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q: want %s or %s", c.Storage, StoragePostgres, StorageMemory)
	}
	if c.Checkout.TxTimeout <= 0 {
		return errors.New("checkout tx timeout must be positive")
	}
	if c.Audit.Buffer <= 0 {
		return errors.New("audit buffer must be positive")
	}
	if c.Kafka.Enabled() && c.Kafka.GroupID == "" {
		return errors.New("kafka group id is required when brokers are set")
	}
	return nil
}

// Enabled reports whether Kafka brokers are configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// compact drops blank entries left by empty list defaults.
func compact(list []string) []string {
	out := list[:0]
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
