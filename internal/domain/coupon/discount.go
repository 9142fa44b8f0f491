package coupon

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Apply calculates the discount a rule grants on the given subtotal. It does
// not check eligibility; see Validator for that.
func Apply(rule *Rule, subtotal decimal.Decimal) (Application, error) {
	app := Application{
		Code:         rule.Code,
		DiscountType: rule.DiscountType,
		Description:  rule.Description,
	}

	switch rule.DiscountType {
	case DiscountPercentage:
		app.Amount = applyPercentage(rule.Value, subtotal)
	case DiscountFixed:
		app.Amount = applyFixed(rule.Value, subtotal)
	case DiscountFreeShipping:
		app.Amount = zero
		app.FreeShipping = true
	default:
		return Application{}, errors.Errorf("unsupported discount type: %q", rule.DiscountType)
	}
	return app, nil
}

// applyPercentage clamps the rate to [0, 100].
func applyPercentage(rate, subtotal decimal.Decimal) decimal.Decimal {
	rate = decimal.Min(floorAtZero(rate), hundred)
	return subtotal.Mul(rate).Div(hundred).Round(2)
}

// applyFixed clamps the amount to [0, subtotal].
func applyFixed(value, subtotal decimal.Decimal) decimal.Decimal {
	return floorAtZero(decimal.Min(value, subtotal)).Round(2)
}

func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}
