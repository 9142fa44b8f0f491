// Package audit carries traceability records for stock, coupon and order
// status changes. Delivery is best effort and never blocks checkout.
package audit

import (
	"context"
	"time"

	"github.com/go-faster/jx"
	"go.uber.org/zap"
)

// Action names what happened.
type Action string

const (
	ActionStockReserved    Action = "stock_reserved"
	ActionStockReleased    Action = "stock_released"
	ActionCouponRedeemed   Action = "coupon_redeemed"
	ActionStatusChanged    Action = "order_status_changed"
	ActionPaymentFailed    Action = "payment_failed"
	ActionPaymentSucceeded Action = "payment_succeeded"
)

// Record is a single audit entry.
type Record struct {
	Action  Action
	OrderID string
	UserID  string
	At      time.Time
	Details map[string]string
}

// Encode writes r as a JSON object.
func (r Record) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("action")
	e.Str(string(r.Action))
	e.FieldStart("order_id")
	e.Str(r.OrderID)
	if r.UserID != "" {
		e.FieldStart("user_id")
		e.Str(r.UserID)
	}
	e.FieldStart("at")
	e.Str(r.At.UTC().Format(time.RFC3339Nano))
	if len(r.Details) > 0 {
		e.FieldStart("details")
		e.ObjStart()
		for k, v := range r.Details {
			e.FieldStart(k)
			e.Str(v)
		}
		e.ObjEnd()
	}
	e.ObjEnd()
}

// Sink delivers records somewhere durable.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// Recorder accepts records without blocking.
type Recorder interface {
	Record(ctx context.Context, records ...Record)
}

// LogSink writes records to a zap logger.
type LogSink struct {
	lg *zap.Logger
}

// NewLogSink returns a Sink that logs each record at info level.
func NewLogSink(lg *zap.Logger) *LogSink {
	return &LogSink{lg: lg.Named("audit")}
}

func (s *LogSink) Write(_ context.Context, r Record) error {
	fields := make([]zap.Field, 0, 4+len(r.Details))
	fields = append(fields,
		zap.String("action", string(r.Action)),
		zap.String("order_id", r.OrderID),
		zap.String("user_id", r.UserID),
		zap.Time("at", r.At),
	)
	for k, v := range r.Details {
		fields = append(fields, zap.String(k, v))
	}
	s.lg.Info("Audit", fields...)
	return nil
}

// Discard drops every record.
type Discard struct{}

func (Discard) Record(context.Context, ...Record) {}
