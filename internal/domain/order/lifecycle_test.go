package order

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
)

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusCreated:    {StatusConfirmed, StatusCancelled},
		StatusConfirmed:  {StatusProcessing, StatusCancelled},
		StatusProcessing: {StatusShipped},
		StatusShipped:    {StatusDelivered},
		StatusDelivered:  {StatusRefunded},
	}

	for _, from := range Statuses {
		for _, to := range Statuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []Status{StatusCancelled, StatusRefunded} {
		assert.Empty(t, Next(s), s)
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("lost").Valid())
}

func TestAdvance(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("stamps timestamps", func(t *testing.T) {
		o := &Order{Status: StatusCreated}
		require.NoError(t, o.advance(StatusConfirmed, at, TransitionOptions{PaymentReference: "ref"}))
		require.NoError(t, o.advance(StatusProcessing, at, TransitionOptions{}))
		require.NoError(t, o.advance(StatusShipped, at, TransitionOptions{TrackingNumber: "TRK"}))
		require.NoError(t, o.advance(StatusDelivered, at, TransitionOptions{}))

		assert.Equal(t, StatusDelivered, o.Status)
		assert.Equal(t, "ref", o.PaymentReference)
		assert.Equal(t, "TRK", o.TrackingNumber)
		require.NotNil(t, o.ConfirmedAt)
		require.NotNil(t, o.ShippedAt)
		require.NotNil(t, o.DeliveredAt)
		assert.Nil(t, o.CancelledAt)
		assert.Equal(t, at, o.UpdatedAt)
	})

	t.Run("rejected move leaves order untouched", func(t *testing.T) {
		o := &Order{Status: StatusShipped}
		err := o.advance(StatusCancelled, at, TransitionOptions{})

		var ite *InvalidTransitionError
		require.True(t, errors.As(err, &ite))
		assert.Equal(t, StatusShipped, ite.From)
		assert.Equal(t, StatusCancelled, ite.To)
		assert.Equal(t, StatusShipped, o.Status)
		assert.Nil(t, o.CancelledAt)
		assert.True(t, o.UpdatedAt.IsZero())
	})
}

func TestCode(t *testing.T) {
	tests := []struct {
		err       error
		code      string
		retryable bool
	}{
		{ErrEmptyCart, CodeEmptyCart, false},
		{errors.Wrap(cart.ErrNotFound, "read cart"), CodeCartNotFound, false},
		{&inventory.InsufficientStockError{}, CodeInsufficientStock, false},
		{coupon.ErrCouponExpired, CodeCouponExpired, false},
		{&coupon.MinimumNotMetError{}, CodeCouponMinimumNotMet, false},
		{&InvalidTransitionError{From: StatusShipped, To: StatusConfirmed}, CodeInvalidTransition, false},
		{&ValidationError{Field: "x", Reason: "y"}, CodeValidation, false},
		{&ProductNotFoundError{Key: inventory.Key{ProductID: "p"}}, CodeProductNotFound, false},
		{ErrNotFound, CodeOrderNotFound, false},
		{errors.Wrap(ErrUnavailable, "lock timeout"), CodeUnavailable, true},
		{context.DeadlineExceeded, CodeUnavailable, true},
		{context.Canceled, CodeCanceled, true},
		{errors.New("boom"), CodeInternal, true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, Code(tt.err))
			assert.Equal(t, tt.retryable, Retryable(tt.err))
		})
	}
	assert.Empty(t, Code(nil))
}

func TestFormatNumber(t *testing.T) {
	day := time.Date(2026, 7, 9, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "ORD202607090001", FormatNumber(day, 1))
	assert.Equal(t, "ORD202607091234", FormatNumber(day, 1234))
	assert.Equal(t, "ORD2026070912345", FormatNumber(day, 12345))
}
