package coupon

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	d := decimal.RequireFromString

	tests := []struct {
		name      string
		rule      Rule
		subtotal  decimal.Decimal
		want      decimal.Decimal
		wantFreeS bool
	}{
		{name: "ten percent", rule: Rule{DiscountType: DiscountPercentage, Value: d("10")}, subtotal: d("1000"), want: d("100")},
		{name: "percentage rounds to cents", rule: Rule{DiscountType: DiscountPercentage, Value: d("15")}, subtotal: d("19.99"), want: d("3.00")},
		{name: "percentage above 100 clamps", rule: Rule{DiscountType: DiscountPercentage, Value: d("150")}, subtotal: d("80"), want: d("80")},
		{name: "negative percentage clamps to zero", rule: Rule{DiscountType: DiscountPercentage, Value: d("-5")}, subtotal: d("80"), want: d("0")},
		{name: "fixed below subtotal", rule: Rule{DiscountType: DiscountFixed, Value: d("9")}, subtotal: d("50"), want: d("9")},
		{name: "fixed above subtotal", rule: Rule{DiscountType: DiscountFixed, Value: d("90")}, subtotal: d("50"), want: d("50")},
		{name: "free shipping", rule: Rule{DiscountType: DiscountFreeShipping}, subtotal: d("50"), want: d("0"), wantFreeS: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(&tt.rule, tt.subtotal)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got.Amount), "want %s, got %s", tt.want, got.Amount)
			assert.Equal(t, tt.wantFreeS, got.FreeShipping)
		})
	}
}

func TestApply_UnknownType(t *testing.T) {
	_, err := Apply(&Rule{DiscountType: "free_lowest"}, decimal.NewFromInt(1))
	require.Error(t, err)
}
