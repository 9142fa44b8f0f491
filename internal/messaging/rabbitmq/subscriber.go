// Package rabbitmq consumes payment events from a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

const exchangeType = "topic"

// PaymentHandler applies a decoded payment event.
type PaymentHandler interface {
	HandlePayment(ctx context.Context, ev payment.Event) error
}

// Config names the topology the subscriber declares.
type Config struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
}

// Subscriber delivers payment events to a handler with manual acks.
// Malformed events are dropped, handler failures are requeued.
type Subscriber struct {
	cfg     Config
	handler PaymentHandler
	conn    *amqp.Connection
	ch      *amqp.Channel
}

// Dial connects and declares the exchange, a durable queue and its binding.
func Dial(ctx context.Context, cfg Config, handler PaymentHandler) (*Subscriber, error) {
	lg := zctx.From(ctx).Named("rabbitmq")

	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 1; attempt <= 5; attempt++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		lg.Warn("Failed to connect to RabbitMQ", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "connect to rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}

	if err := declare(ch, cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Subscriber{cfg: cfg, handler: handler, conn: conn, ch: ch}, nil
}

func declare(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		exchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		return errors.Wrap(err, "declare exchange")
	}

	q, err := ch.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return errors.Wrap(err, "declare queue")
	}

	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return errors.Wrap(err, "bind queue")
	}

	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return errors.Wrap(err, "set prefetch")
		}
	}
	return nil
}

// Run consumes until ctx is done or the channel closes.
func (s *Subscriber) Run(ctx context.Context) error {
	msgs, err := s.ch.Consume(
		s.cfg.Queue, // queue
		"checkout",  // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return errors.Wrap(err, "start consume")
	}

	lg := zctx.From(ctx).Named("rabbitmq").With(zap.String("queue", s.cfg.Queue))
	lg.Info("Payment subscriber started")
	return consume(ctx, msgs, s.handler)
}

func consume(ctx context.Context, msgs <-chan amqp.Delivery, handler PaymentHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("delivery channel closed")
			}
			handleDelivery(ctx, d, handler)
		}
	}
}

func handleDelivery(ctx context.Context, d amqp.Delivery, handler PaymentHandler) {
	lg := zctx.From(ctx).With(zap.String("routing_key", d.RoutingKey), zap.Uint64("delivery_tag", d.DeliveryTag))

	ev, err := payment.Decode(d.Body)
	if err != nil {
		lg.Error("Dropping malformed payment event", zap.Error(err))
		if err := d.Nack(false, false); err != nil {
			lg.Warn("Nack failed", zap.Error(err))
		}
		return
	}

	if err := handler.HandlePayment(ctx, ev); err != nil {
		// Redelivered messages that still fail are dropped to avoid a hot loop.
		requeue := !d.Redelivered
		lg.Error("Payment event failed",
			zap.String("order_id", ev.OrderID),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		if err := d.Nack(false, requeue); err != nil {
			lg.Warn("Nack failed", zap.Error(err))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		lg.Warn("Ack failed", zap.Error(err))
	}
}

// Close closes the channel and the connection.
func (s *Subscriber) Close() error {
	chErr := s.ch.Close()
	connErr := s.conn.Close()
	if chErr != nil {
		return errors.Wrap(chErr, "close channel")
	}
	if connErr != nil {
		return errors.Wrap(connErr, "close connection")
	}
	return nil
}
