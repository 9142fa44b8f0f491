package order

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

var (
	// ErrEmptyCart is returned when a cart has no lines to convert.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidTransition is matched by InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrValidation is matched by ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrUnavailable marks infrastructure faults. Retrying the identical
	// request is safe.
	ErrUnavailable = errors.New("storage unavailable")
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InvalidTransitionError reports a status change the lifecycle forbids.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition order from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ProductNotFoundError indicates a requested product or variation does not
// exist or is no longer sold.
type ProductNotFoundError struct {
	Key inventory.Key
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.Key)
}

// Error codes are stable identifiers exposed to API clients.
const (
	CodeEmptyCart           = "empty_cart"
	CodeCartNotFound        = "cart_not_found"
	CodeInsufficientStock   = "insufficient_stock"
	CodeCouponNotFound      = "coupon_not_found"
	CodeCouponExpired       = "coupon_expired"
	CodeCouponInactive      = "coupon_inactive"
	CodeCouponUsageExceeded = "coupon_usage_exceeded"
	CodeCouponMinimumNotMet = "coupon_minimum_not_met"
	CodeInvalidTransition   = "invalid_transition"
	CodeValidation          = "validation_error"
	CodeProductNotFound     = "product_not_found"
	CodeOrderNotFound       = "order_not_found"
	CodeUnavailable         = "unavailable"
	CodeCanceled            = "canceled"
	CodeInternal            = "internal"
)

// Code maps err to its stable error code.
func Code(err error) string {
	var pnf *ProductNotFoundError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyCart):
		return CodeEmptyCart
	case errors.Is(err, cart.ErrNotFound):
		return CodeCartNotFound
	case errors.Is(err, inventory.ErrInsufficientStock):
		return CodeInsufficientStock
	case errors.Is(err, coupon.ErrCouponNotFound):
		return CodeCouponNotFound
	case errors.Is(err, coupon.ErrCouponExpired):
		return CodeCouponExpired
	case errors.Is(err, coupon.ErrCouponInactive):
		return CodeCouponInactive
	case errors.Is(err, coupon.ErrCouponUsageExceeded):
		return CodeCouponUsageExceeded
	case errors.Is(err, coupon.ErrCouponMinimumNotMet):
		return CodeCouponMinimumNotMet
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrValidation), errors.Is(err, pricing.ErrInvalidAmount):
		return CodeValidation
	case errors.As(err, &pnf):
		return CodeProductNotFound
	case errors.Is(err, ErrNotFound):
		return CodeOrderNotFound
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return CodeUnavailable
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	default:
		return CodeInternal
	}
}

// Retryable reports whether repeating the identical request may succeed.
// Business rule failures require the caller to change the request.
func Retryable(err error) bool {
	switch Code(err) {
	case CodeUnavailable, CodeCanceled, CodeInternal:
		return true
	}
	return false
}
