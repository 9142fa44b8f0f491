package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// PaymentHandler applies a decoded payment event.
type PaymentHandler interface {
	HandlePayment(ctx context.Context, ev payment.Event) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PaymentConsumer reads payment events from a topic in a consumer group.
// Offsets are committed only after the handler accepted the event, so a
// crash redelivers and the order lifecycle absorbs the duplicate.
type PaymentConsumer struct {
	reader     messageReader
	handler    PaymentHandler
	topic      string
	groupID    string
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	retries    int
	backoff    time.Duration
}

// NewPaymentConsumer creates a consumer for topic.
func NewPaymentConsumer(
	brokers []string,
	topic, groupID string,
	handler PaymentHandler,
	tp trace.TracerProvider,
) *PaymentConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	return newPaymentConsumer(reader, topic, groupID, handler, tp)
}

func newPaymentConsumer(r messageReader, topic, groupID string, h PaymentHandler, tp trace.TracerProvider) *PaymentConsumer {
	return &PaymentConsumer{
		reader:     r,
		handler:    h,
		topic:      topic,
		groupID:    groupID,
		tracer:     tp.Tracer("github.com/xenking/kart-checkout/internal/messaging/kafka"),
		propagator: propagation.TraceContext{},
		retries:    3,
		backoff:    time.Second,
	}
}

// Run consumes until ctx is done. It returns nil on cancellation and the
// last handler error when an event keeps failing.
func (c *PaymentConsumer) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("kafka").With(zap.String("topic", c.topic))
	lg.Info("Payment consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch message")
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "commit message")
		}
	}
}

func (c *PaymentConsumer) process(ctx context.Context, msg kafka.Message) error {
	parent := c.propagator.Extract(ctx, headerCarrier{msg: &msg})
	ctx, span := c.tracer.Start(parent, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
		),
	)
	defer span.End()

	lg := zctx.From(ctx).With(zap.Int64("offset", msg.Offset), zap.Int("partition", msg.Partition))

	ev, err := payment.Decode(msg.Value)
	if err != nil {
		// Poison message: skip it so the partition keeps moving.
		lg.Error("Dropping malformed payment event", zap.Error(err))
		span.RecordError(err)
		return nil
	}

	for attempt := 1; ; attempt++ {
		err = c.handler.HandlePayment(ctx, ev)
		if err == nil {
			return nil
		}
		if attempt > c.retries {
			break
		}
		lg.Warn("Payment event failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return errors.Wrapf(err, "handle payment event for order %s", ev.OrderID)
}

// Close closes the underlying reader.
func (c *PaymentConsumer) Close() error {
	return c.reader.Close()
}
