package kafka

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/propagation"

	"github.com/xenking/kart-checkout/internal/domain/audit"
)

var _ audit.Sink = (*AuditPublisher)(nil)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AuditPublisher writes audit records to a topic keyed by order id. Writes
// go through a circuit breaker so an unreachable cluster fails fast instead
// of stalling the audit queue.
type AuditPublisher struct {
	writer     messageWriter
	breaker    *gobreaker.CircuitBreaker[struct{}]
	propagator propagation.TextMapPropagator
}

// NewAuditPublisher creates a publisher for topic.
func NewAuditPublisher(brokers []string, topic string) *AuditPublisher {
	return newAuditPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           100 * time.Millisecond,
	})
}

func newAuditPublisher(w messageWriter) *AuditPublisher {
	return &AuditPublisher{
		writer: w,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "kafka-audit",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		propagator: propagation.TraceContext{},
	}
}

// Write publishes r. It returns gobreaker.ErrOpenState while the breaker is open.
func (p *AuditPublisher) Write(ctx context.Context, r audit.Record) error {
	var e jx.Encoder
	r.Encode(&e)

	msg := kafka.Message{
		Key:   []byte(r.OrderID),
		Value: e.Bytes(),
		Time:  r.At,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(r.Action)},
		},
	}
	p.propagator.Inject(ctx, headerCarrier{msg: &msg})

	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		return errors.Wrap(err, "publish audit record")
	}
	return nil
}

// Close flushes and closes the writer.
func (p *AuditPublisher) Close() error {
	return p.writer.Close()
}
