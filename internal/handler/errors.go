package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/idempotency"
)

const (
	codeIdempotencyInProgress = "idempotency_in_progress"
	codeIdempotencyMismatch   = "idempotency_key_reused"
)

var statusByCode = map[string]int{
	order.CodeEmptyCart:           http.StatusConflict,
	order.CodeCartNotFound:        http.StatusNotFound,
	order.CodeInsufficientStock:   http.StatusConflict,
	order.CodeCouponNotFound:      http.StatusUnprocessableEntity,
	order.CodeCouponExpired:       http.StatusUnprocessableEntity,
	order.CodeCouponInactive:      http.StatusUnprocessableEntity,
	order.CodeCouponUsageExceeded: http.StatusUnprocessableEntity,
	order.CodeCouponMinimumNotMet: http.StatusUnprocessableEntity,
	order.CodeInvalidTransition:   http.StatusConflict,
	order.CodeValidation:          http.StatusBadRequest,
	order.CodeProductNotFound:     http.StatusUnprocessableEntity,
	order.CodeOrderNotFound:       http.StatusNotFound,
	order.CodeUnavailable:         http.StatusServiceUnavailable,
	order.CodeCanceled:            http.StatusServiceUnavailable,
	order.CodeInternal:            http.StatusInternalServerError,
	codeIdempotencyInProgress:     http.StatusConflict,
	codeIdempotencyMismatch:       http.StatusUnprocessableEntity,
}

// apiError is the rendered form of a failure.
type apiError struct {
	status    int
	code      string
	message   string
	retryable bool
	details   func(e *jx.Encoder)
}

func toAPIError(err error) apiError {
	switch {
	case errors.Is(err, idempotency.ErrInProgress):
		return apiError{
			status:    http.StatusConflict,
			code:      codeIdempotencyInProgress,
			message:   "a request with this idempotency key is still being processed",
			retryable: true,
		}
	case errors.Is(err, idempotency.ErrMismatch):
		return apiError{
			status:  http.StatusUnprocessableEntity,
			code:    codeIdempotencyMismatch,
			message: err.Error(),
		}
	}

	code := order.Code(err)
	ae := apiError{
		status:    statusByCode[code],
		code:      code,
		message:   err.Error(),
		retryable: order.Retryable(err),
		details:   errorDetails(err),
	}
	switch code {
	case order.CodeInternal:
		ae.message = "internal error"
	case order.CodeUnavailable, order.CodeCanceled:
		ae.message = "service temporarily unavailable, retry the request"
	}
	return ae
}

// errorDetails renders the structured part of typed domain errors.
func errorDetails(err error) func(e *jx.Encoder) {
	var (
		short *inventory.InsufficientStockError
		one   *inventory.ShortageError
		valid *order.ValidationError
		trans *order.InvalidTransitionError
		pnf   *order.ProductNotFoundError
	)
	switch {
	case errors.As(err, &short):
		return func(e *jx.Encoder) { encodeShortages(e, short.Shortages) }
	case errors.As(err, &one):
		return func(e *jx.Encoder) { encodeShortages(e, []inventory.ShortageError{*one}) }
	case errors.As(err, &valid):
		return func(e *jx.Encoder) {
			e.ObjStart()
			e.FieldStart("field")
			e.Str(valid.Field)
			e.FieldStart("reason")
			e.Str(valid.Reason)
			e.ObjEnd()
		}
	case errors.As(err, &trans):
		return func(e *jx.Encoder) {
			e.ObjStart()
			e.FieldStart("from")
			e.Str(string(trans.From))
			e.FieldStart("to")
			e.Str(string(trans.To))
			e.FieldStart("allowed")
			e.ArrStart()
			for _, s := range order.Next(trans.From) {
				e.Str(string(s))
			}
			e.ArrEnd()
			e.ObjEnd()
		}
	case errors.As(err, &pnf):
		return func(e *jx.Encoder) {
			e.ObjStart()
			e.FieldStart("product_id")
			e.Str(pnf.Key.ProductID)
			if pnf.Key.VariationID != "" {
				e.FieldStart("variation_id")
				e.Str(pnf.Key.VariationID)
			}
			e.ObjEnd()
		}
	}
	return nil
}

func encodeShortages(e *jx.Encoder, shortages []inventory.ShortageError) {
	e.ObjStart()
	e.FieldStart("shortages")
	e.ArrStart()
	for _, s := range shortages {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(s.Key.ProductID)
		if s.Key.VariationID != "" {
			e.FieldStart("variation_id")
			e.Str(s.Key.VariationID)
		}
		e.FieldStart("requested")
		e.Int(s.Requested)
		e.FieldStart("available")
		e.Int(s.Available)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}

func (ae apiError) encode() []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("error")
	e.ObjStart()
	e.FieldStart("code")
	e.Str(ae.code)
	e.FieldStart("message")
	e.Str(ae.message)
	e.FieldStart("retryable")
	e.Bool(ae.retryable)
	if ae.details != nil {
		e.FieldStart("details")
		ae.details(&e)
	}
	e.ObjEnd()
	e.ObjEnd()
	return e.Bytes()
}

// badRequest wraps a body decoding failure as a validation error.
func badRequest(err error) error {
	return &order.ValidationError{Field: "body", Reason: err.Error()}
}

func logFailure(r *http.Request, ae apiError, err error) {
	lg := zctx.From(r.Context())
	fields := []zap.Field{zap.String("code", ae.code), zap.Error(err)}
	if ae.status >= http.StatusInternalServerError {
		lg.Error("Request failed", fields...)
		return
	}
	lg.Debug("Request rejected", fields...)
}
