// Package handler exposes the checkout service over HTTP.
package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/idempotency"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
	maxIdempotencyKey = 255
)

// Orders is the order service as used by the HTTP layer.
type Orders interface {
	CreateFromCart(ctx context.Context, req order.CreateFromCartRequest) (*order.Order, error)
	Create(ctx context.Context, req order.CreateRequest) (*order.Order, error)
	Get(ctx context.Context, orderID string) (*order.Order, error)
	Cancel(ctx context.Context, orderID string) (*order.Order, error)
	Transition(ctx context.Context, orderID string, to order.Status, opts order.TransitionOptions) (*order.Order, error)
	Stats(ctx context.Context, userID string) (*order.Stats, error)
	CheckCoupon(ctx context.Context, code, userID string, subtotal decimal.Decimal) (*coupon.Application, error)
	CouponStats(ctx context.Context, code string) (*coupon.Usage, error)
}

// Idempotency remembers responses of create requests.
type Idempotency interface {
	Begin(ctx context.Context, scope, key, fingerprint string) (*idempotency.Response, error)
	Complete(ctx context.Context, scope, key, fingerprint string, resp idempotency.Response) error
	Release(ctx context.Context, scope, key string) error
}

// Handler serves the checkout API.
type Handler struct {
	orders Orders
	idem   Idempotency
}

// Option configures a Handler.
type Option func(*Handler)

// WithIdempotency enables Idempotency-Key support on order creation. Without
// it the header is ignored.
func WithIdempotency(store Idempotency) Option {
	return func(h *Handler) { h.idem = store }
}

// New creates a Handler.
func New(orders Orders, opts ...Option) *Handler {
	h := &Handler{orders: orders}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes mounts the API under /api/v1. Extra middlewares run after routing,
// so they see the matched route pattern.
func (h *Handler) Routes(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares...)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, apiError{status: http.StatusNotFound, code: "route_not_found", message: "no such route"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, apiError{status: http.StatusMethodNotAllowed, code: "method_not_allowed", message: "method not allowed"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/carts/{cartID}/checkout", h.idempotent("checkout", h.checkout))
		r.Post("/orders", h.idempotent("create", h.create))
		r.Get("/orders/{orderID}", h.getOrder)
		r.Post("/orders/{orderID}/cancel", h.cancel)
		r.Post("/orders/{orderID}/transition", h.transition)
		r.Get("/users/{userID}/order-stats", h.stats)
		r.Post("/coupons/validate", h.validateCoupon)
		r.Get("/coupons/{code}/stats", h.couponStats)
	})
	return r
}

// result is a handler outcome before it is written.
type result struct {
	status int
	body   []byte
}

type endpoint func(r *http.Request, body []byte) (result, error)

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(httpmiddleware.UserHeader))
}

func (h *Handler) checkout(r *http.Request, body []byte) (result, error) {
	b, err := decodeCheckout(body)
	if err != nil {
		return result{}, badRequest(err)
	}
	o, err := h.orders.CreateFromCart(r.Context(), order.CreateFromCartRequest{
		CartID:   chi.URLParam(r, "cartID"),
		UserID:   userID(r),
		Checkout: b.Checkout,
	})
	if err != nil {
		return result{}, err
	}
	return orderResult(http.StatusCreated, o), nil
}

func (h *Handler) create(r *http.Request, body []byte) (result, error) {
	b, err := decodeCheckout(body)
	if err != nil {
		return result{}, badRequest(err)
	}
	o, err := h.orders.Create(r.Context(), order.CreateRequest{
		UserID:   userID(r),
		Items:    b.Items,
		Checkout: b.Checkout,
	})
	if err != nil {
		return result{}, err
	}
	return orderResult(http.StatusCreated, o), nil
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.ownedOrder(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeResult(w, orderResult(http.StatusOK, o))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	if _, err := h.ownedOrder(r); err != nil {
		writeErr(w, r, err)
		return
	}
	o, err := h.orders.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeResult(w, orderResult(http.StatusOK, o))
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	b, err := decodeTransition(body)
	if err != nil {
		writeErr(w, r, badRequest(err))
		return
	}
	o, err := h.orders.Transition(r.Context(), chi.URLParam(r, "orderID"), b.Status, b.Opts)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeResult(w, orderResult(http.StatusOK, o))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.orders.Stats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var e jx.Encoder
	encodeStats(&e, s)
	writeResult(w, result{status: http.StatusOK, body: e.Bytes()})
}

func (h *Handler) validateCoupon(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	b, err := decodeCouponCheck(body)
	if err != nil {
		writeErr(w, r, badRequest(err))
		return
	}
	app, err := h.orders.CheckCoupon(r.Context(), b.Code, userID(r), b.Subtotal)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var e jx.Encoder
	encodeCouponCheck(&e, app)
	writeResult(w, result{status: http.StatusOK, body: e.Bytes()})
}

func (h *Handler) couponStats(w http.ResponseWriter, r *http.Request) {
	u, err := h.orders.CouponStats(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var e jx.Encoder
	encodeCouponUsage(&e, u)
	writeResult(w, result{status: http.StatusOK, body: e.Bytes()})
}

// ownedOrder loads the path order. Orders of other users are reported as
// missing when the caller identifies itself.
func (h *Handler) ownedOrder(r *http.Request) (*order.Order, error) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		return nil, err
	}
	if u := userID(r); u != "" && o.UserID != u {
		return nil, order.ErrNotFound
	}
	return o, nil
}

// idempotent runs fn at most once per Idempotency-Key. Business outcomes are
// stored and replayed; transient failures release the key so the client can
// retry.
func (h *Handler) idempotent(kind string, fn endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			writeErr(w, r, err)
			return
		}

		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" || h.idem == nil {
			res, err := fn(r, body)
			if err != nil {
				writeErr(w, r, err)
				return
			}
			writeResult(w, res)
			return
		}
		if len(key) > maxIdempotencyKey {
			writeErr(w, r, &order.ValidationError{Field: idempotencyHeader, Reason: "is too long"})
			return
		}

		ctx := r.Context()
		lg := zctx.From(ctx).With(zap.String("idempotency_key", key))
		scope := kind + ":" + userID(r)
		fp := fingerprint(r, body)

		stored, err := h.idem.Begin(ctx, scope, key, fp)
		switch {
		case err == nil && stored != nil:
			w.Header().Set("Idempotent-Replayed", "true")
			writeResult(w, result{status: stored.Status, body: stored.Body})
			return
		case errors.Is(err, idempotency.ErrInProgress), errors.Is(err, idempotency.ErrMismatch):
			writeErr(w, r, err)
			return
		case err != nil:
			// The cache is an optimization; checkout stays available without it.
			lg.Warn("Idempotency store unavailable, processing without it", zap.Error(err))
			res, err := fn(r, body)
			if err != nil {
				writeErr(w, r, err)
				return
			}
			writeResult(w, res)
			return
		}

		res, ferr := fn(r, body)
		if ferr != nil && order.Retryable(ferr) {
			if err := h.idem.Release(context.WithoutCancel(ctx), scope, key); err != nil {
				lg.Warn("Failed to release idempotency key", zap.Error(err))
			}
			writeErr(w, r, ferr)
			return
		}
		if ferr != nil {
			ae := toAPIError(ferr)
			logFailure(r, ae, ferr)
			res = result{status: ae.status, body: ae.encode()}
		}
		if err := h.idem.Complete(context.WithoutCancel(ctx), scope, key, fp, idempotency.Response{
			Status: res.status,
			Body:   res.body,
		}); err != nil {
			lg.Warn("Failed to store idempotent response", zap.Error(err))
		}
		writeResult(w, res)
	}
}

// fingerprint binds an idempotency key to the request it was first used with.
func fingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	_, _ = io.WriteString(h, r.Method+" "+r.URL.Path+"\n")
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, badRequest(errors.Wrap(err, "read body"))
	}
	return body, nil
}

func orderResult(status int, o *order.Order) result {
	var e jx.Encoder
	encodeOrder(&e, o)
	return result{status: status, body: e.Bytes()}
}

func writeResult(w http.ResponseWriter, res result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.status)
	_, _ = w.Write(res.body)
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	ae := toAPIError(err)
	logFailure(r, ae, err)
	writeJSONError(w, r, ae)
}

func writeJSONError(w http.ResponseWriter, _ *http.Request, ae apiError) {
	if ae.status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeResult(w, result{status: ae.status, body: ae.encode()})
}
