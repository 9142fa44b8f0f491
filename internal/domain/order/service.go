package order

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/audit"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

// DefaultCountry is used when the shipping address leaves the country blank.
const DefaultCountry = "Kenya"

// LineRequest is one requested order line.
type LineRequest struct {
	ProductID   string
	VariationID string
	Quantity    int
}

// Checkout holds the order fields supplied by the buyer at checkout.
type Checkout struct {
	Shipping      Shipping
	PaymentMethod PaymentMethod
	CouponCode    string
	ShippingCost  decimal.Decimal
	TaxAmount     decimal.Decimal
	Notes         string
}

// CreateFromCartRequest converts the cart identified by CartID.
type CreateFromCartRequest struct {
	CartID string
	// UserID, when set, must own the cart.
	UserID   string
	Checkout Checkout
}

// CreateRequest places an order from an explicit item list.
type CreateRequest struct {
	UserID   string
	Items    []LineRequest
	Checkout Checkout
}

// Service converts carts into orders and drives the order lifecycle.
type Service struct {
	store          Store
	catalog        product.Catalog
	coupons        *coupon.Validator
	audit          audit.Recorder
	now            func() time.Time
	newID          func() string
	defaultCountry string
	tracer         trace.Tracer
	metrics        *metrics
}

// Option configures a Service.
type Option func(*Service)

// WithTelemetry records spans and counters through the given providers.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Option {
	return func(s *Service) {
		s.tracer = tp.Tracer(instrumentationName)
		if m, err := newMetrics(mp); err == nil {
			s.metrics = m
		}
	}
}

// WithDefaultCountry overrides DefaultCountry.
func WithDefaultCountry(country string) Option {
	return func(s *Service) {
		if country != "" {
			s.defaultCountry = country
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	store Store,
	catalog product.Catalog,
	coupons *coupon.Validator,
	recorder audit.Recorder,
	opts ...Option,
) *Service {
	s := &Service{
		store:          store,
		catalog:        catalog,
		coupons:        coupons,
		audit:          recorder,
		now:            time.Now,
		newID:          func() string { return uuid.New().String() },
		defaultCountry: DefaultCountry,
		tracer:         tracenoop.NewTracerProvider().Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics, _ = newMetrics(metricnoop.NewMeterProvider())
	}
	if s.audit == nil {
		s.audit = audit.Discard{}
	}
	return s
}

// CreateFromCart converts a cart into an order. Reservations, the coupon
// redemption, the order rows and the cart conversion commit together or not
// at all.
func (s *Service) CreateFromCart(ctx context.Context, req CreateFromCartRequest) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.CreateFromCart",
		trace.WithAttributes(attribute.String("cart.id", req.CartID)),
	)
	defer func() { endSpan(span, rerr) }()

	if req.CartID == "" {
		return nil, &ValidationError{Field: "cart_id", Reason: "is required"}
	}
	co, err := s.normalizeCheckout(req.Checkout)
	if err != nil {
		return nil, err
	}

	var (
		created *Order
		records []audit.Record
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.Carts().ReadLines(ctx, req.CartID)
		if err != nil {
			return errors.Wrap(err, "read cart")
		}
		if req.UserID != "" && c.UserID != req.UserID {
			return cart.ErrNotFound
		}
		if len(c.Lines) == 0 {
			return ErrEmptyCart
		}

		lines := make([]LineRequest, len(c.Lines))
		for i, l := range c.Lines {
			lines[i] = LineRequest{ProductID: l.ProductID, VariationID: l.VariationID, Quantity: l.Quantity}
		}

		o, recs, err := s.place(ctx, tx, c.UserID, c.ID, lines, co)
		if err != nil {
			return err
		}
		if err := tx.Carts().MarkConverted(ctx, c.ID, o.CreatedAt); err != nil {
			return errors.Wrap(err, "mark cart converted")
		}

		created, records = o, recs
		return nil
	})
	if err != nil {
		s.metrics.orderFailed(ctx, "cart", err)
		return nil, err
	}

	s.metrics.orderCreated(ctx, "cart")
	s.audit.Record(ctx, records...)
	zctx.From(ctx).Info("Order created from cart",
		zap.String("order_id", created.ID),
		zap.String("order_number", created.Number),
		zap.String("cart_id", req.CartID),
		zap.String("total", created.Total.StringFixed(2)),
	)
	return created, nil
}

// Create places an order from an explicit item list with the same
// reservation, pricing and atomicity rules as CreateFromCart.
func (s *Service) Create(ctx context.Context, req CreateRequest) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Create")
	defer func() { endSpan(span, rerr) }()

	if req.UserID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if len(req.Items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	co, err := s.normalizeCheckout(req.Checkout)
	if err != nil {
		return nil, err
	}

	var (
		created *Order
		records []audit.Record
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, recs, err := s.place(ctx, tx, req.UserID, "", req.Items, co)
		if err != nil {
			return err
		}
		created, records = o, recs
		return nil
	})
	if err != nil {
		s.metrics.orderFailed(ctx, "direct", err)
		return nil, err
	}

	s.metrics.orderCreated(ctx, "direct")
	s.audit.Record(ctx, records...)
	zctx.From(ctx).Info("Order created",
		zap.String("order_id", created.ID),
		zap.String("order_number", created.Number),
		zap.String("total", created.Total.StringFixed(2)),
	)
	return created, nil
}

// place prices, reserves, redeems and persists one order inside tx.
func (s *Service) place(
	ctx context.Context,
	tx Tx,
	userID, cartID string,
	lines []LineRequest,
	co Checkout,
) (*Order, []audit.Record, error) {
	keys := make([]inventory.Key, len(lines))
	for i, l := range lines {
		if l.ProductID == "" {
			return nil, nil, &ValidationError{Field: fmt.Sprintf("items[%d].product_id", i), Reason: "is required"}
		}
		if l.Quantity <= 0 {
			return nil, nil, &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be greater than 0"}
		}
		keys[i] = inventory.Key{ProductID: l.ProductID, VariationID: l.VariationID}
	}

	// Catalog prices are read exactly once and copied into the items.
	listings, err := s.catalog.Lookup(ctx, keys)
	if err != nil {
		return nil, nil, errors.Wrap(err, "lookup catalog")
	}
	byKey := make(map[inventory.Key]product.Listing, len(listings))
	for _, l := range listings {
		byKey[l.Key()] = l
	}

	priced := make([]pricing.Line, len(lines))
	demands := make([]inventory.Demand, len(lines))
	items := make([]Item, len(lines))
	for i, l := range lines {
		listing, ok := byKey[keys[i]]
		if !ok || !listing.Active {
			return nil, nil, &ProductNotFoundError{Key: keys[i]}
		}
		unit := listing.UnitPrice()
		priced[i] = pricing.Line{Quantity: l.Quantity, UnitPrice: unit}
		demands[i] = inventory.Demand{Key: keys[i], Quantity: l.Quantity}
		items[i] = Item{
			ProductID:   l.ProductID,
			VariationID: l.VariationID,
			ProductName: listing.Name,
			SKU:         listing.SKU,
			Quantity:    l.Quantity,
			UnitPrice:   unit,
		}
	}

	// Successful reservations are undone by the transaction rollback when
	// anything below fails.
	reserved, err := inventory.ReserveAll(ctx, tx.Inventory(), demands)
	if err != nil {
		return nil, nil, err
	}

	subtotal, err := pricing.Subtotal(priced)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	id := s.newID()
	o := &Order{
		ID:            id,
		UserID:        userID,
		CartID:        cartID,
		Items:         items,
		Shipping:      co.Shipping,
		PaymentMethod: co.PaymentMethod,
		Status:        StatusCreated,
		Notes:         co.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	discount := decimal.Zero
	shipping := co.ShippingCost
	var app *coupon.Application
	if co.CouponCode != "" {
		app, err = s.coupons.Redeem(ctx, tx.Coupons(), co.CouponCode, userID, id, subtotal)
		if err != nil {
			return nil, nil, err
		}
		o.CouponCode = app.Code
		discount = app.Amount
		if app.FreeShipping {
			shipping = decimal.Zero
		}
	}

	totals, err := pricing.ComputeTotals(priced, discount, shipping, co.TaxAmount)
	if err != nil {
		return nil, nil, err
	}
	for i := range o.Items {
		o.Items[i].Subtotal = totals.LineSubtotals[i]
	}
	o.Subtotal = totals.Subtotal
	o.Discount = totals.Discount
	o.ShippingCost = totals.Shipping
	o.Tax = totals.Tax
	o.Total = totals.Total

	seq, err := tx.Orders().NextNumber(ctx, now)
	if err != nil {
		return nil, nil, errors.Wrap(err, "next order number")
	}
	o.Number = FormatNumber(now, seq)

	if err := tx.Orders().Create(ctx, o); err != nil {
		return nil, nil, errors.Wrap(err, "create order")
	}

	records := make([]audit.Record, 0, len(reserved)+2)
	for _, r := range reserved {
		records = append(records, audit.Record{
			Action:  audit.ActionStockReserved,
			OrderID: o.ID,
			UserID:  userID,
			At:      now,
			Details: map[string]string{
				"product_id":   r.Key.ProductID,
				"variation_id": r.Key.VariationID,
				"quantity":     strconv.Itoa(r.Quantity),
			},
		})
	}
	if app != nil {
		records = append(records, audit.Record{
			Action:  audit.ActionCouponRedeemed,
			OrderID: o.ID,
			UserID:  userID,
			At:      now,
			Details: map[string]string{
				"code":   app.Code,
				"amount": app.Amount.StringFixed(2),
			},
		})
	}
	records = append(records, statusRecord(o, "", now))

	return o, records, nil
}

// FormatNumber renders the human-facing order number for a day and sequence.
func FormatNumber(day time.Time, seq int) string {
	return fmt.Sprintf("ORD%s%04d", day.Format("20060102"), seq)
}

// Cancel moves an order to cancelled and returns its reserved stock. Coupon
// redemptions are final and are not restored.
func (s *Service) Cancel(ctx context.Context, orderID string) (*Order, error) {
	return s.Transition(ctx, orderID, StatusCancelled, TransitionOptions{})
}

// Transition applies a lifecycle change. Illegal changes fail with
// *InvalidTransitionError and leave the order untouched.
func (s *Service) Transition(ctx context.Context, orderID string, to Status, opts TransitionOptions) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Transition",
		trace.WithAttributes(
			attribute.String("order.id", orderID),
			attribute.String("order.status", string(to)),
		),
	)
	defer func() { endSpan(span, rerr) }()

	return s.transition(ctx, orderID, to, opts, nil)
}

func (s *Service) transition(
	ctx context.Context,
	orderID string,
	to Status,
	opts TransitionOptions,
	guard func(o *Order) error,
) (*Order, error) {
	if !to.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", to)}
	}

	var (
		updated *Order
		records []audit.Record
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(o); err != nil {
				return err
			}
		}

		from := o.Status
		now := s.now()
		if err := o.advance(to, now, opts); err != nil {
			return err
		}

		if to == StatusCancelled {
			rs := make([]inventory.Reservation, len(o.Items))
			for i, it := range o.Items {
				rs[i] = inventory.Reservation{Key: it.Key(), Quantity: it.Quantity}
				records = append(records, audit.Record{
					Action:  audit.ActionStockReleased,
					OrderID: o.ID,
					UserID:  o.UserID,
					At:      now,
					Details: map[string]string{
						"product_id":   it.ProductID,
						"variation_id": it.VariationID,
						"quantity":     strconv.Itoa(it.Quantity),
					},
				})
			}
			if err := inventory.ReleaseAll(ctx, tx.Inventory(), rs); err != nil {
				return err
			}
		}

		if err := tx.Orders().UpdateStatus(ctx, o); err != nil {
			return errors.Wrap(err, "update order status")
		}

		records = append(records, statusRecord(o, from, now))
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.transitioned(ctx, to)
	s.audit.Record(ctx, records...)
	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", updated.ID),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.store.Get(ctx, orderID)
}

// Stats aggregates the orders of a user.
func (s *Service) Stats(ctx context.Context, userID string) (*Stats, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	return s.store.Stats(ctx, userID)
}

// CheckCoupon reports the discount a coupon would grant without redeeming it.
func (s *Service) CheckCoupon(ctx context.Context, code, userID string, subtotal decimal.Decimal) (*coupon.Application, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &ValidationError{Field: "code", Reason: "is required"}
	}
	if subtotal.IsNegative() {
		return nil, &ValidationError{Field: "subtotal", Reason: "must not be negative"}
	}

	// A plain read: previews must not queue behind checkouts holding the
	// coupon row.
	return s.coupons.Check(ctx, s.store.Coupons(), code, userID, subtotal)
}

// CouponStats reports how often a coupon was redeemed and what it gave away.
func (s *Service) CouponStats(ctx context.Context, code string) (*coupon.Usage, error) {
	code = coupon.NormalizeCode(code)
	if code == "" {
		return nil, &ValidationError{Field: "code", Reason: "is required"}
	}
	return s.store.Coupons().Usage(ctx, code)
}

func (s *Service) normalizeCheckout(co Checkout) (Checkout, error) {
	sh := &co.Shipping
	for _, f := range []struct {
		name  string
		value *string
	}{
		{"shipping.first_name", &sh.FirstName},
		{"shipping.last_name", &sh.LastName},
		{"shipping.email", &sh.Email},
		{"shipping.phone", &sh.Phone},
		{"shipping.address_line1", &sh.AddressLine1},
		{"shipping.city", &sh.City},
	} {
		*f.value = strings.TrimSpace(*f.value)
		if *f.value == "" {
			return Checkout{}, &ValidationError{Field: f.name, Reason: "is required"}
		}
	}
	if !strings.Contains(sh.Email, "@") {
		return Checkout{}, &ValidationError{Field: "shipping.email", Reason: "is not a valid email address"}
	}
	sh.AddressLine2 = strings.TrimSpace(sh.AddressLine2)
	sh.PostalCode = strings.TrimSpace(sh.PostalCode)
	sh.Country = strings.TrimSpace(sh.Country)
	if sh.Country == "" {
		sh.Country = s.defaultCountry
	}

	co.PaymentMethod = PaymentMethod(strings.TrimSpace(string(co.PaymentMethod)))
	if co.PaymentMethod == "" {
		co.PaymentMethod = PaymentCashOnDelivery
	}
	if !co.PaymentMethod.Valid() {
		return Checkout{}, &ValidationError{Field: "payment_method", Reason: fmt.Sprintf("unsupported payment method %q", co.PaymentMethod)}
	}
	if co.ShippingCost.IsNegative() {
		return Checkout{}, &ValidationError{Field: "shipping_cost", Reason: "must not be negative"}
	}
	if co.TaxAmount.IsNegative() {
		return Checkout{}, &ValidationError{Field: "tax_amount", Reason: "must not be negative"}
	}
	co.CouponCode = strings.TrimSpace(co.CouponCode)
	co.Notes = strings.TrimSpace(co.Notes)
	return co, nil
}

func statusRecord(o *Order, from Status, at time.Time) audit.Record {
	details := map[string]string{"to": string(o.Status)}
	if from != "" {
		details["from"] = string(from)
	}
	return audit.Record{
		Action:  audit.ActionStatusChanged,
		OrderID: o.ID,
		UserID:  o.UserID,
		At:      at,
		Details: details,
	}
}
