// Package pricing computes order totals from already resolved unit prices.
//
// Every function here is pure: no catalog reads, no clocks, no I/O.
package pricing

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is wrapped by every input validation failure.
var ErrInvalidAmount = errors.New("invalid amount")

// Line is a priced order line.
type Line struct {
	Quantity  int
	UnitPrice decimal.Decimal
}

// Totals is the full price breakdown of an order.
//
// Total always equals Subtotal - Discount + Shipping + Tax.
type Totals struct {
	LineSubtotals []decimal.Decimal
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	Shipping      decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
}

// Subtotal returns the sum of quantity * unit price, rounded to cents.
func Subtotal(lines []Line) (decimal.Decimal, error) {
	sum := decimal.Zero
	for i, l := range lines {
		s, err := lineSubtotal(i, l)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(s)
	}
	return sum, nil
}

// ComputeTotals prices lines and applies discount, shipping and tax. The
// discount is clamped to [0, subtotal] so the total never goes below
// shipping + tax.
func ComputeTotals(lines []Line, discount, shipping, tax decimal.Decimal) (Totals, error) {
	if shipping.IsNegative() {
		return Totals{}, errors.Wrap(ErrInvalidAmount, "shipping cost is negative")
	}
	if tax.IsNegative() {
		return Totals{}, errors.Wrap(ErrInvalidAmount, "tax amount is negative")
	}

	t := Totals{
		LineSubtotals: make([]decimal.Decimal, len(lines)),
		Subtotal:      decimal.Zero,
		Shipping:      shipping.Round(2),
		Tax:           tax.Round(2),
	}
	for i, l := range lines {
		s, err := lineSubtotal(i, l)
		if err != nil {
			return Totals{}, err
		}
		t.LineSubtotals[i] = s
		t.Subtotal = t.Subtotal.Add(s)
	}

	discount = discount.Round(2)
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	t.Discount = decimal.Min(discount, t.Subtotal)

	t.Total = t.Subtotal.Sub(t.Discount).Add(t.Shipping).Add(t.Tax)
	return t, nil
}

// Consistent reports whether the stored breakdown still satisfies the total identity.
func (t Totals) Consistent() bool {
	return t.Subtotal.Sub(t.Discount).Add(t.Shipping).Add(t.Tax).Equal(t.Total)
}

func lineSubtotal(i int, l Line) (decimal.Decimal, error) {
	if l.Quantity <= 0 {
		return decimal.Zero, errors.Wrap(ErrInvalidAmount, fmt.Sprintf("line %d: quantity must be greater than 0", i))
	}
	if l.UnitPrice.IsNegative() {
		return decimal.Zero, errors.Wrap(ErrInvalidAmount, fmt.Sprintf("line %d: unit price is negative", i))
	}
	return l.UnitPrice.Round(2).Mul(decimal.NewFromInt(int64(l.Quantity))), nil
}
