package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/inventory"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// DiscountType is how a catalog markdown is expressed.
type DiscountType string

const (
	DiscountNone       DiscountType = ""
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

var hundred = decimal.NewFromInt(100)

// Listing is a purchasable catalog entry: a simple product, or one variation
// of a variable product.
type Listing struct {
	ProductID    string
	VariationID  string
	Name         string
	SKU          string
	Price        decimal.Decimal
	Discount     decimal.Decimal
	DiscountType DiscountType
	Active       bool
}

// Key returns the stock row the listing draws from.
func (l Listing) Key() inventory.Key {
	return inventory.Key{ProductID: l.ProductID, VariationID: l.VariationID}
}

// UnitPrice is the price a buyer pays right now: the list price with any
// catalog markdown applied, never below zero, rounded to cents.
func (l Listing) UnitPrice() decimal.Decimal {
	price := l.Price
	if l.Discount.IsPositive() {
		switch l.DiscountType {
		case DiscountPercentage:
			price = price.Mul(hundred.Sub(l.Discount)).Div(hundred)
		case DiscountFixed:
			price = price.Sub(l.Discount)
		}
	}
	if price.IsNegative() {
		price = decimal.Zero
	}
	return price.Round(2)
}

// Catalog resolves current listings.
type Catalog interface {
	// Lookup returns listings for the keys that exist. Missing keys are
	// simply absent from the result.
	Lookup(ctx context.Context, keys []inventory.Key) ([]Listing, error)
}
