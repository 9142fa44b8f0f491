package order

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/xenking/kart-checkout/internal/domain/order"

type metrics struct {
	created     metric.Int64Counter
	failed      metric.Int64Counter
	transitions metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentationName)

	created, err := meter.Int64Counter("checkout.orders.created",
		metric.WithDescription("Orders created from carts or direct requests"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "orders created counter")
	}
	failed, err := meter.Int64Counter("checkout.orders.failed",
		metric.WithDescription("Checkout attempts that were rolled back, by reason"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "orders failed counter")
	}
	transitions, err := meter.Int64Counter("checkout.transitions",
		metric.WithDescription("Order status transitions, by target status"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "transitions counter")
	}

	return &metrics{created: created, failed: failed, transitions: transitions}, nil
}

func (m *metrics) orderCreated(ctx context.Context, source string) {
	m.created.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *metrics) orderFailed(ctx context.Context, source string, err error) {
	m.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("reason", Code(err)),
	))
}

func (m *metrics) transitioned(ctx context.Context, to Status) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
}

// endSpan records err on span unless it is a business rule rejection.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("checkout.error_code", Code(err)))
		if Retryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}
