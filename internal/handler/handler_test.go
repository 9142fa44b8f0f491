package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/audit"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/idempotency"
	"github.com/xenking/kart-checkout/internal/storage/memory"
)

const shippingJSON = `"shipping":{"first_name":"Amina","last_name":"Otieno","email":"amina@example.com",` +
	`"phone":"+254700000000","address_line1":"1 Moi Avenue","city":"Nairobi"},"payment_method":"mpesa"`

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type env struct {
	store  *memory.Store
	router http.Handler
	redis  *miniredis.Miniredis
}

func newEnv(t *testing.T) *env {
	t.Helper()

	st := memory.New()
	st.PutListing(product.Listing{ProductID: "p1", Name: "Widget", SKU: "W-1", Price: d("1000"), Active: true}, 1)
	st.PutListing(product.Listing{ProductID: "p2", Name: "Gadget", SKU: "G-1", Price: d("250.50"), Active: true}, 10)
	st.PutCoupon(coupon.Rule{Code: "SAVE10", DiscountType: coupon.DiscountPercentage, Value: d("10"), Active: true})
	st.PutCart(cart.Cart{ID: "c1", UserID: "u1", Lines: []cart.Line{{ProductID: "p1", Quantity: 1}}})
	st.PutCart(cart.Cart{ID: "c2", UserID: "u1", Lines: []cart.Line{{ProductID: "p2", Quantity: 2}}})

	now := func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }
	svc := order.NewService(st, st, coupon.NewValidator(), audit.Discard{}, order.WithClock(now))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := handler.New(svc, handler.WithIdempotency(idempotency.NewStore(rdb, time.Hour, time.Minute)))
	return &env{store: st, router: h.Routes(), redis: mr}
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestCheckout(t *testing.T) {
	e := newEnv(t)

	w, body := do(t, e.router, http.MethodPost, "/api/v1/carts/c1/checkout",
		`{`+shippingJSON+`,"shipping_cost":"150","tax_amount":16,"coupon_code":"save10"}`,
		"X-User-ID", "u1")

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "ORD202603140001", body["number"])
	assert.Equal(t, "created", body["status"])
	assert.Equal(t, "1000.00", body["subtotal"])
	assert.Equal(t, "100.00", body["discount"])
	assert.Equal(t, "1066.00", body["total"])
	assert.Equal(t, "SAVE10", body["coupon_code"])
	assert.Equal(t, []any{"confirmed", "cancelled"}, body["next_statuses"])
	assert.Equal(t, 0, e.store.Stock(inventory.Key{ProductID: "p1"}))

	w, body = do(t, e.router, http.MethodPost, "/api/v1/carts/c1/checkout", `{`+shippingJSON+`}`, "X-User-ID", "u1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "empty_cart", errorCode(body))
}

func TestCheckout_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		user   string
		status int
		code   string
	}{
		{name: "unknown cart", path: "/api/v1/carts/nope/checkout", body: `{` + shippingJSON + `}`, status: http.StatusNotFound, code: "cart_not_found"},
		{name: "cart of another user", path: "/api/v1/carts/c1/checkout", body: `{` + shippingJSON + `}`, user: "u2", status: http.StatusNotFound, code: "cart_not_found"},
		{name: "malformed body", path: "/api/v1/carts/c1/checkout", body: `{"shipping":`, status: http.StatusBadRequest, code: "validation_error"},
		{name: "missing shipping", path: "/api/v1/carts/c1/checkout", body: `{"payment_method":"card"}`, status: http.StatusBadRequest, code: "validation_error"},
		{name: "unknown coupon", path: "/api/v1/carts/c1/checkout", body: `{` + shippingJSON + `,"coupon_code":"NOPE"}`, status: http.StatusUnprocessableEntity, code: "coupon_not_found"},
		{name: "bad amount", path: "/api/v1/carts/c1/checkout", body: `{` + shippingJSON + `,"tax_amount":"abc"}`, status: http.StatusBadRequest, code: "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			var headers []string
			if tt.user != "" {
				headers = []string{"X-User-ID", tt.user}
			}
			w, body := do(t, e.router, http.MethodPost, tt.path, tt.body, headers...)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errorCode(body))
			assert.Equal(t, false, body["error"].(map[string]any)["retryable"])
			assert.Equal(t, 1, e.store.Stock(inventory.Key{ProductID: "p1"}))
		})
	}
}

func TestCreate_InsufficientStockDetails(t *testing.T) {
	e := newEnv(t)

	w, body := do(t, e.router, http.MethodPost, "/api/v1/orders",
		`{`+shippingJSON+`,"items":[{"product_id":"p2","quantity":1},{"product_id":"p1","quantity":3}]}`,
		"X-User-ID", "u9")

	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	errBody := body["error"].(map[string]any)
	assert.Equal(t, "insufficient_stock", errBody["code"])
	shortages := errBody["details"].(map[string]any)["shortages"].([]any)
	require.Len(t, shortages, 1)
	assert.Equal(t, "p1", shortages[0].(map[string]any)["product_id"])
	assert.EqualValues(t, 3, shortages[0].(map[string]any)["requested"])
	assert.EqualValues(t, 1, shortages[0].(map[string]any)["available"])
	assert.Equal(t, 10, e.store.Stock(inventory.Key{ProductID: "p2"}))
}

func TestCreate_Idempotency(t *testing.T) {
	e := newEnv(t)
	body := `{` + shippingJSON + `,"items":[{"product_id":"p2","quantity":2}]}`

	w1, first := do(t, e.router, http.MethodPost, "/api/v1/orders", body, "X-User-ID", "u1", "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, w1.Code, w1.Body.String())

	w2, second := do(t, e.router, http.MethodPost, "/api/v1/orders", body, "X-User-ID", "u1", "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, w2.Code)
	assert.Equal(t, "true", w2.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, first["id"], second["id"])
	assert.Equal(t, 8, e.store.Stock(inventory.Key{ProductID: "p2"}))
	assert.Len(t, e.store.Orders(), 1)

	w3, third := do(t, e.router, http.MethodPost, "/api/v1/orders",
		`{`+shippingJSON+`,"items":[{"product_id":"p2","quantity":1}]}`,
		"X-User-ID", "u1", "Idempotency-Key", "k1")
	assert.Equal(t, http.StatusUnprocessableEntity, w3.Code)
	assert.Equal(t, "idempotency_key_reused", errorCode(third))

	// Keys are scoped per user.
	w4, _ := do(t, e.router, http.MethodPost, "/api/v1/orders", body, "X-User-ID", "u2", "Idempotency-Key", "k1")
	assert.Equal(t, http.StatusCreated, w4.Code)
}

func TestIdempotency_KeysStayScopedAcrossRetries(t *testing.T) {
	e := newEnv(t)
	body := `{` + shippingJSON + `,"items":[{"product_id":"p2","quantity":2}]}`

	var firstID any
	for i := range 4 {
		w, out := do(t, e.router, http.MethodPost, "/api/v1/orders", body, "X-User-ID", "u1", "Idempotency-Key", "k1")
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		if i == 0 {
			firstID = out["id"]
			continue
		}
		assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
		assert.Equal(t, firstID, out["id"])
	}

	w, _ := do(t, e.router, http.MethodPost, "/api/v1/carts/c2/checkout", `{`+shippingJSON+`}`,
		"X-User-ID", "u1", "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.ElementsMatch(t, []string{"idem:create:u1:k1", "idem:checkout:u1:k1"}, e.redis.Keys())
	assert.Len(t, e.store.Orders(), 2)
	assert.Equal(t, 6, e.store.Stock(inventory.Key{ProductID: "p2"}))
}

func TestIdempotency_ConcurrentRetriesPlaceOneOrder(t *testing.T) {
	e := newEnv(t)
	body := `{` + shippingJSON + `,"items":[{"product_id":"p2","quantity":1}]}`

	const n = 8
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
			req.Header.Set("X-User-ID", "u1")
			req.Header.Set("Idempotency-Key", "burst")
			w := httptest.NewRecorder()
			e.router.ServeHTTP(w, req)
			codes[i] = w.Code
		}()
	}
	wg.Wait()

	for _, code := range codes {
		assert.Contains(t, []int{http.StatusCreated, http.StatusConflict}, code)
	}
	assert.Contains(t, codes, http.StatusCreated)
	assert.Len(t, e.store.Orders(), 1)
	assert.Equal(t, 9, e.store.Stock(inventory.Key{ProductID: "p2"}))
	assert.Equal(t, []string{"idem:create:u1:burst"}, e.redis.Keys())
}

func TestCreate_IdempotencyStoresBusinessFailures(t *testing.T) {
	e := newEnv(t)
	body := `{` + shippingJSON + `,"items":[{"product_id":"p1","quantity":5}]}`

	w1, _ := do(t, e.router, http.MethodPost, "/api/v1/orders", body, "X-User-ID", "u1", "Idempotency-Key", "k2")
	require.Equal(t, http.StatusConflict, w1.Code)

	e.store.PutListing(product.Listing{ProductID: "p1", Name: "Widget", Price: d("1000"), Active: true}, 10)

	w2, replay := do(t, e.router, http.MethodPost, "/api/v1/orders", body, "X-User-ID", "u1", "Idempotency-Key", "k2")
	assert.Equal(t, http.StatusConflict, w2.Code)
	assert.Equal(t, "insufficient_stock", errorCode(replay))
	assert.Empty(t, e.store.Orders())
}

func TestCreate_IdempotencyStoreDown(t *testing.T) {
	e := newEnv(t)
	e.redis.Close()

	w, _ := do(t, e.router, http.MethodPost, "/api/v1/orders",
		`{`+shippingJSON+`,"items":[{"product_id":"p2","quantity":1}]}`,
		"X-User-ID", "u1", "Idempotency-Key", "k3")
	assert.Equal(t, http.StatusCreated, w.Code)
}

type unavailableOrders struct {
	handler.Orders
	calls int
}

func (o *unavailableOrders) Create(context.Context, order.CreateRequest) (*order.Order, error) {
	o.calls++
	return nil, order.ErrUnavailable
}

func TestCreate_UnavailableReleasesKey(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	orders := &unavailableOrders{}
	router := handler.New(orders, handler.WithIdempotency(idempotency.NewStore(rdb, time.Hour, time.Minute))).Routes()

	for range 2 {
		w, body := do(t, router, http.MethodPost, "/api/v1/orders", `{"items":[]}`, "X-User-ID", "u1", "Idempotency-Key", "k4")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "1", w.Header().Get("Retry-After"))
		assert.Equal(t, "unavailable", errorCode(body))
		assert.Equal(t, true, body["error"].(map[string]any)["retryable"])
	}
	assert.Equal(t, 2, orders.calls)
}

func TestOrderLifecycle(t *testing.T) {
	e := newEnv(t)

	w, created := do(t, e.router, http.MethodPost, "/api/v1/carts/c2/checkout", `{`+shippingJSON+`}`, "X-User-ID", "u1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := created["id"].(string)
	base := "/api/v1/orders/" + id

	w, got := do(t, e.router, http.MethodGet, base, "", "X-User-ID", "u1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created["number"], got["number"])

	w, _ = do(t, e.router, http.MethodGet, base, "", "X-User-ID", "u2")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body := do(t, e.router, http.MethodPost, base+"/transition", `{"status":"shipped"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", errorCode(body))
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "created", details["from"])

	for _, step := range []string{
		`{"status":"confirmed","payment_reference":"PAY1"}`,
		`{"status":"processing"}`,
		`{"status":"shipped","tracking_number":"TRK-9"}`,
	} {
		w, body = do(t, e.router, http.MethodPost, base+"/transition", step)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	assert.Equal(t, "shipped", body["status"])
	assert.Equal(t, "TRK-9", body["tracking_number"])
	assert.Equal(t, "PAY1", body["payment_reference"])
	assert.NotEmpty(t, body["shipped_at"])

	w, body = do(t, e.router, http.MethodPost, base+"/cancel", "", "X-User-ID", "u1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", errorCode(body))

	w, stats := do(t, e.router, http.MethodGet, "/api/v1/users/u1/order-stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, stats["total_orders"])
	assert.Equal(t, "501.00", stats["total_spent"])
	assert.Equal(t, map[string]any{"shipped": float64(1)}, stats["orders_by_status"])
}

func TestCancel(t *testing.T) {
	e := newEnv(t)

	_, created := do(t, e.router, http.MethodPost, "/api/v1/carts/c2/checkout", `{`+shippingJSON+`}`, "X-User-ID", "u1")
	base := "/api/v1/orders/" + created["id"].(string)
	require.Equal(t, 8, e.store.Stock(inventory.Key{ProductID: "p2"}))

	w, _ := do(t, e.router, http.MethodPost, base+"/cancel", "", "X-User-ID", "u2")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body := do(t, e.router, http.MethodPost, base+"/cancel", "", "X-User-ID", "u1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, 10, e.store.Stock(inventory.Key{ProductID: "p2"}))

	w, _ = do(t, e.router, http.MethodPost, "/api/v1/orders/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidateCoupon(t *testing.T) {
	e := newEnv(t)

	w, body := do(t, e.router, http.MethodPost, "/api/v1/coupons/validate", `{"code":"save10","subtotal":"200.00"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "SAVE10", body["code"])
	assert.Equal(t, "20.00", body["discount"])

	w, body = do(t, e.router, http.MethodPost, "/api/v1/coupons/validate", `{"code":"NOPE","subtotal":10}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "coupon_not_found", errorCode(body))

	w, body = do(t, e.router, http.MethodPost, "/api/v1/coupons/validate", `{"subtotal":10}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorCode(body))

	// Checking does not redeem.
	rule, ok := e.store.Coupon("SAVE10")
	require.True(t, ok)
	assert.Zero(t, rule.TimesUsed)
}

func TestCouponStats(t *testing.T) {
	e := newEnv(t)
	e.store.PutCoupon(coupon.Rule{Code: "LIMITED", DiscountType: coupon.DiscountFixed, Value: d("5"), UsageLimit: 3, Active: true})

	w, body := do(t, e.router, http.MethodGet, "/api/v1/coupons/save10/stats", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(0), body["times_used"])
	assert.Equal(t, "0.00", body["total_discount_given"])

	w, _ = do(t, e.router, http.MethodPost, "/api/v1/carts/c1/checkout",
		`{`+shippingJSON+`,"coupon_code":"SAVE10"}`, "X-User-ID", "u1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, body = do(t, e.router, http.MethodGet, "/api/v1/coupons/SAVE10/stats", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "SAVE10", body["code"])
	assert.Equal(t, true, body["active"])
	assert.Equal(t, float64(1), body["times_used"])
	assert.Equal(t, float64(0), body["usage_limit"])
	assert.Contains(t, body, "remaining_uses")
	assert.Nil(t, body["remaining_uses"])
	assert.Equal(t, "100.00", body["total_discount_given"])
	assert.Equal(t, float64(1), body["unique_users"])

	w, body = do(t, e.router, http.MethodGet, "/api/v1/coupons/LIMITED/stats", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(3), body["remaining_uses"])

	w, body = do(t, e.router, http.MethodGet, "/api/v1/coupons/NOPE/stats", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "coupon_not_found", errorCode(body))
}

func TestUnknownRoute(t *testing.T) {
	e := newEnv(t)

	w, body := do(t, e.router, http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "route_not_found", errorCode(body))

	w, body = do(t, e.router, http.MethodDelete, "/api/v1/orders", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "method_not_allowed", errorCode(body))
}
