package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/audit"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// errAmountMismatch is internal: the event is acknowledged, not retried.
var errAmountMismatch = errors.New("paid amount does not match order total")

// HandlePayment applies a payment outcome to its order.
//
// A succeeded payment confirms a created order. A failed payment leaves the
// order as is and is only audited. Events that cannot apply (unknown order,
// order already past created, amount mismatch) are acknowledged and logged
// so brokers do not redeliver them forever. Only infrastructure errors are
// returned.
func (s *Service) HandlePayment(ctx context.Context, ev payment.Event) error {
	lg := zctx.From(ctx).With(
		zap.String("order_id", ev.OrderID),
		zap.String("payment_status", string(ev.Status)),
		zap.String("reference", ev.Reference),
	)

	switch ev.Status {
	case payment.StatusSucceeded:
		_, err := s.transition(ctx, ev.OrderID, StatusConfirmed,
			TransitionOptions{PaymentReference: ev.Reference},
			func(o *Order) error {
				if ev.Amount.IsPositive() && !ev.Amount.Equal(o.Total) {
					return errAmountMismatch
				}
				return nil
			},
		)
		switch {
		case err == nil:
			s.audit.Record(ctx, paymentRecord(audit.ActionPaymentSucceeded, ev, s.now()))
			return nil
		case errors.Is(err, errAmountMismatch):
			lg.Error("Payment amount mismatch, order left unconfirmed", zap.String("amount", ev.Amount.String()))
			rec := paymentRecord(audit.ActionPaymentFailed, ev, s.now())
			rec.Details["reason"] = errAmountMismatch.Error()
			s.audit.Record(ctx, rec)
			return nil
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
			lg.Warn("Payment event ignored", zap.Error(err))
			return nil
		default:
			return errors.Wrap(err, "confirm order")
		}

	case payment.StatusFailed:
		if _, err := s.store.Get(ctx, ev.OrderID); err != nil {
			if errors.Is(err, ErrNotFound) {
				lg.Warn("Payment failure for unknown order")
				return nil
			}
			return errors.Wrap(err, "get order")
		}
		lg.Info("Payment failed", zap.String("reason", ev.Reason))
		s.audit.Record(ctx, paymentRecord(audit.ActionPaymentFailed, ev, s.now()))
		return nil

	default:
		lg.Warn("Unknown payment status")
		return nil
	}
}

func paymentRecord(action audit.Action, ev payment.Event, at time.Time) audit.Record {
	details := map[string]string{
		"reference": ev.Reference,
		"method":    ev.Method,
		"amount":    ev.Amount.StringFixed(2),
	}
	if ev.Reason != "" {
		details["reason"] = ev.Reason
	}
	return audit.Record{
		Action:  action,
		OrderID: ev.OrderID,
		At:      at,
		Details: details,
	}
}
