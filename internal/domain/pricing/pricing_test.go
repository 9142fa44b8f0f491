package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var d = decimal.RequireFromString

func TestComputeTotals(t *testing.T) {
	tests := []struct {
		name         string
		lines        []Line
		discount     decimal.Decimal
		shipping     decimal.Decimal
		tax          decimal.Decimal
		wantSubtotal decimal.Decimal
		wantDiscount decimal.Decimal
		wantTotal    decimal.Decimal
	}{
		{
			name:         "single line no extras",
			lines:        []Line{{Quantity: 1, UnitPrice: d("1000")}},
			wantSubtotal: d("1000"),
			wantDiscount: d("0"),
			wantTotal:    d("1000"),
		},
		{
			name:         "coupon shipping and tax",
			lines:        []Line{{Quantity: 1, UnitPrice: d("1000")}},
			discount:     d("100"),
			shipping:     d("250"),
			tax:          d("16.50"),
			wantSubtotal: d("1000"),
			wantDiscount: d("100"),
			wantTotal:    d("1166.50"),
		},
		{
			name: "multiple lines",
			lines: []Line{
				{Quantity: 2, UnitPrice: d("10.25")},
				{Quantity: 3, UnitPrice: d("0.99")},
			},
			wantSubtotal: d("23.47"),
			wantDiscount: d("0"),
			wantTotal:    d("23.47"),
		},
		{
			name:         "discount clamped to subtotal keeps shipping",
			lines:        []Line{{Quantity: 1, UnitPrice: d("10")}},
			discount:     d("999"),
			shipping:     d("5"),
			wantSubtotal: d("10"),
			wantDiscount: d("10"),
			wantTotal:    d("5"),
		},
		{
			name:         "negative discount ignored",
			lines:        []Line{{Quantity: 1, UnitPrice: d("10")}},
			discount:     d("-3"),
			wantSubtotal: d("10"),
			wantDiscount: d("0"),
			wantTotal:    d("10"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeTotals(tt.lines, tt.discount, tt.shipping, tt.tax)
			require.NoError(t, err)

			assert.True(t, tt.wantSubtotal.Equal(got.Subtotal), "subtotal: want %s, got %s", tt.wantSubtotal, got.Subtotal)
			assert.True(t, tt.wantDiscount.Equal(got.Discount), "discount: want %s, got %s", tt.wantDiscount, got.Discount)
			assert.True(t, tt.wantTotal.Equal(got.Total), "total: want %s, got %s", tt.wantTotal, got.Total)
			assert.Len(t, got.LineSubtotals, len(tt.lines))
			assert.True(t, got.Consistent())
		})
	}
}

func TestComputeTotals_LineSubtotals(t *testing.T) {
	got, err := ComputeTotals([]Line{
		{Quantity: 3, UnitPrice: d("2.50")},
		{Quantity: 1, UnitPrice: d("4")},
	}, decimal.Zero, decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	assert.True(t, d("7.50").Equal(got.LineSubtotals[0]))
	assert.True(t, d("4").Equal(got.LineSubtotals[1]))
}

func TestComputeTotals_InvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		lines    []Line
		shipping decimal.Decimal
		tax      decimal.Decimal
	}{
		{name: "zero quantity", lines: []Line{{Quantity: 0, UnitPrice: d("1")}}},
		{name: "negative price", lines: []Line{{Quantity: 1, UnitPrice: d("-1")}}},
		{name: "negative shipping", lines: []Line{{Quantity: 1, UnitPrice: d("1")}}, shipping: d("-1")},
		{name: "negative tax", lines: []Line{{Quantity: 1, UnitPrice: d("1")}}, tax: d("-0.01")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeTotals(tt.lines, decimal.Zero, tt.shipping, tt.tax)
			require.ErrorIs(t, err, ErrInvalidAmount)
		})
	}
}

func TestSubtotal(t *testing.T) {
	got, err := Subtotal([]Line{{Quantity: 2, UnitPrice: d("1.10")}})
	require.NoError(t, err)
	assert.True(t, d("2.20").Equal(got))

	_, err = Subtotal([]Line{{Quantity: -1, UnitPrice: d("1")}})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTotals_Consistent(t *testing.T) {
	tot := Totals{Subtotal: d("10"), Discount: d("1"), Shipping: d("2"), Tax: d("1"), Total: d("12")}
	assert.True(t, tot.Consistent())

	tot.Total = d("12.01")
	assert.False(t, tot.Consistent())
}
