package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// PaymentMethod is how the customer intends to pay.
type PaymentMethod string

const (
	PaymentCashOnDelivery PaymentMethod = "cash_on_delivery"
	PaymentMpesa          PaymentMethod = "mpesa"
	PaymentCard           PaymentMethod = "card"
	PaymentBankTransfer   PaymentMethod = "bank_transfer"
)

// Valid reports whether m is a supported payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCashOnDelivery, PaymentMpesa, PaymentCard, PaymentBankTransfer:
		return true
	}
	return false
}

// Shipping is the delivery contact copied onto the order at creation.
type Shipping struct {
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	AddressLine1 string
	AddressLine2 string
	City         string
	PostalCode   string
	Country      string
}

// Item is an order line with its price locked at creation.
type Item struct {
	ProductID   string
	VariationID string
	ProductName string
	SKU         string
	Quantity    int
	UnitPrice   decimal.Decimal
	Subtotal    decimal.Decimal
}

// Key returns the stock row the item was reserved from.
func (i Item) Key() inventory.Key {
	return inventory.Key{ProductID: i.ProductID, VariationID: i.VariationID}
}

// Order is a placed order. Items and amounts never change after creation;
// only the status, its timestamps and fulfilment references do.
type Order struct {
	ID               string
	Number           string
	UserID           string
	CartID           string
	Items            []Item
	Shipping         Shipping
	PaymentMethod    PaymentMethod
	CouponCode       string
	Subtotal         decimal.Decimal
	Discount         decimal.Decimal
	ShippingCost     decimal.Decimal
	Tax              decimal.Decimal
	Total            decimal.Decimal
	Status           Status
	Notes            string
	TrackingNumber   string
	PaymentReference string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ConfirmedAt      *time.Time
	ShippedAt        *time.Time
	DeliveredAt      *time.Time
	CancelledAt      *time.Time
}

// Totals returns the stored price breakdown.
func (o *Order) Totals() pricing.Totals {
	subs := make([]decimal.Decimal, len(o.Items))
	for i, it := range o.Items {
		subs[i] = it.Subtotal
	}
	return pricing.Totals{
		LineSubtotals: subs,
		Subtotal:      o.Subtotal,
		Discount:      o.Discount,
		Shipping:      o.ShippingCost,
		Tax:           o.Tax,
		Total:         o.Total,
	}
}

// Stats aggregates a user's orders.
type Stats struct {
	TotalOrders int
	// TotalSpent excludes cancelled and refunded orders.
	TotalSpent decimal.Decimal
	ByStatus   map[Status]int
}

// Repository persists orders inside a checkout transaction.
type Repository interface {
	// NextNumber returns the next per-day sequence value for order numbers.
	NextNumber(ctx context.Context, day time.Time) (int, error)
	Create(ctx context.Context, o *Order) error
	// GetForUpdate loads an order and locks it until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (*Order, error)
	// UpdateStatus writes status, timestamps and fulfilment references.
	UpdateStatus(ctx context.Context, o *Order) error
}

// Reader serves order reads outside of checkout transactions.
type Reader interface {
	Get(ctx context.Context, id string) (*Order, error)
	Stats(ctx context.Context, userID string) (*Stats, error)
}

// Tx exposes every collaborator that must commit or roll back together.
type Tx interface {
	Inventory() inventory.Ledger
	Coupons() coupon.Repository
	Carts() cart.Reader
	Orders() Repository
}

// Store runs checkout transactions. InTx commits when fn returns nil and
// rolls back otherwise; implementations bound the transaction's duration
// and report infrastructure faults as ErrUnavailable.
type Store interface {
	Reader
	// Coupons reads coupon rules and usage without locking them.
	Coupons() coupon.Reader
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
