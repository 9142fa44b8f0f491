package app

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/db"
	"github.com/xenking/kart-checkout/internal/domain/audit"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/fixture"
	"github.com/xenking/kart-checkout/internal/idempotency"
	"github.com/xenking/kart-checkout/internal/messaging/kafka"
	"github.com/xenking/kart-checkout/internal/messaging/rabbitmq"
	"github.com/xenking/kart-checkout/internal/storage/memory"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
	"github.com/xenking/kart-checkout/pkg/health"
)

type storage struct {
	store   order.Store
	catalog product.Catalog
	close   func()
}

func openStorage(ctx context.Context, lg *zap.Logger, cfg *Config, h *health.Health) (*storage, error) {
	if cfg.Storage == StorageMemory {
		st := memory.New(memory.WithTxTimeout(cfg.Checkout.TxTimeout))
		set, err := fixture.Decode(db.DemoCatalog)
		if err != nil {
			return nil, err
		}
		if err := set.Apply(ctx, st.Seeder()); err != nil {
			return nil, errors.Wrap(err, "load demo data")
		}
		lg.Warn("Using in-memory storage with demo data; orders are lost on restart",
			zap.Int("listings", len(set.Listings)),
			zap.Int("carts", len(set.Carts)),
		)
		return &storage{store: st, catalog: st, close: func() {}}, nil
	}

	if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.Checkout.MaxConns)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	h.Add(health.Readiness, "postgres", 5*time.Second, health.PingCheck("postgres", pool))

	return &storage{
		store:   postgres.NewStore(pool, cfg.Checkout.TxTimeout, cfg.Checkout.LockTimeout),
		catalog: postgres.NewCatalog(pool),
		close:   pool.Close,
	}, nil
}

// newAuditSink publishes to Kafka when an audit topic is configured and logs
// records otherwise.
func newAuditSink(lg *zap.Logger, cfg *Config) (audit.Sink, func()) {
	if !cfg.Kafka.Enabled() || cfg.Kafka.AuditTopic == "" {
		return audit.NewLogSink(lg.Named("audit")), func() {}
	}
	pub := kafka.NewAuditPublisher(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
	return pub, func() {
		if err := pub.Close(); err != nil {
			lg.Warn("Close audit publisher", zap.Error(err))
		}
	}
}

func newIdempotencyStore(cfg RedisConfig, h *health.Health) (*idempotency.Store, func(), error) {
	opts := &redis.Options{Addr: cfg.Addr}
	if strings.Contains(cfg.Addr, "://") {
		parsed, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, nil, errors.Wrap(err, "parse redis url")
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)

	// Checkout keeps working without the cache, so the check never fails
	// readiness.
	h.Add(health.Readiness, "redis", time.Second, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}, health.Optional())

	return idempotency.NewStore(rdb, cfg.IdempotencyTTL, cfg.PendingTTL), func() { _ = rdb.Close() }, nil
}

type paymentConsumer struct {
	name  string
	run   func(ctx context.Context) error
	close func()
}

func newPaymentConsumers(
	ctx context.Context,
	lg *zap.Logger,
	m *app.Telemetry,
	cfg *Config,
	handler kafka.PaymentHandler,
) ([]paymentConsumer, error) {
	var out []paymentConsumer

	if cfg.Kafka.Enabled() && cfg.Kafka.PaymentsTopic != "" {
		c := kafka.NewPaymentConsumer(cfg.Kafka.Brokers, cfg.Kafka.PaymentsTopic, cfg.Kafka.GroupID, handler, m.TracerProvider())
		out = append(out, paymentConsumer{
			name: "kafka",
			run:  c.Run,
			close: func() {
				if err := c.Close(); err != nil {
					lg.Warn("Close kafka consumer", zap.Error(err))
				}
			},
		})
	}

	if cfg.RabbitMQ.URL != "" {
		sub, err := rabbitmq.Dial(ctx, rabbitmq.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			Queue:      cfg.RabbitMQ.Queue,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			Prefetch:   cfg.RabbitMQ.Prefetch,
		}, handler)
		if err != nil {
			for _, c := range out {
				c.close()
			}
			return nil, errors.Wrap(err, "rabbitmq")
		}
		out = append(out, paymentConsumer{
			name: "rabbitmq",
			run:  sub.Run,
			close: func() {
				if err := sub.Close(); err != nil {
					lg.Warn("Close rabbitmq subscriber", zap.Error(err))
				}
			},
		})
	}

	return out, nil
}
