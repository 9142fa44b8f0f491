package product

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestListing_UnitPrice(t *testing.T) {
	d := decimal.RequireFromString

	tests := []struct {
		name    string
		listing Listing
		want    decimal.Decimal
	}{
		{name: "no discount", listing: Listing{Price: d("1000")}, want: d("1000")},
		{name: "percentage markdown", listing: Listing{Price: d("1000"), Discount: d("25"), DiscountType: DiscountPercentage}, want: d("750")},
		{name: "fixed markdown", listing: Listing{Price: d("19.99"), Discount: d("5"), DiscountType: DiscountFixed}, want: d("14.99")},
		{name: "fixed markdown floors at zero", listing: Listing{Price: d("3"), Discount: d("5"), DiscountType: DiscountFixed}, want: d("0")},
		{name: "discount without type ignored", listing: Listing{Price: d("10"), Discount: d("5")}, want: d("10")},
		{name: "rounded to cents", listing: Listing{Price: d("9.99"), Discount: d("33"), DiscountType: DiscountPercentage}, want: d("6.69")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.listing.UnitPrice()
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestListing_Key(t *testing.T) {
	l := Listing{ProductID: "p1", VariationID: "v2"}
	assert.Equal(t, "p1/v2", l.Key().String())
}
