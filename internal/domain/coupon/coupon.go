package coupon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the order subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount capped at the subtotal.
	DiscountFixed DiscountType = "fixed"
	// DiscountFreeShipping waives the shipping cost and leaves items untouched.
	DiscountFreeShipping DiscountType = "free_shipping"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	switch t {
	case DiscountPercentage, DiscountFixed, DiscountFreeShipping:
		return true
	}
	return false
}

var (
	// ErrCouponNotFound is returned when no coupon matches the code.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrCouponInactive is returned when a coupon has been switched off.
	ErrCouponInactive = errors.New("coupon is not active")
	// ErrCouponExpired is returned when now is outside the coupon's validity window.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrCouponUsageExceeded is returned when the global or per-user cap is exhausted.
	ErrCouponUsageExceeded = errors.New("coupon usage limit exceeded")
	// ErrCouponMinimumNotMet is returned when the subtotal is below the coupon minimum.
	ErrCouponMinimumNotMet = errors.New("order minimum not met for coupon")
)

// MinimumNotMetError carries the minimum order amount the subtotal failed to reach.
type MinimumNotMetError struct {
	Minimum decimal.Decimal
}

func (e *MinimumNotMetError) Error() string {
	return fmt.Sprintf("order minimum of %s not met for coupon", e.Minimum.StringFixed(2))
}

func (e *MinimumNotMetError) Unwrap() error { return ErrCouponMinimumNotMet }

// Rule defines a coupon's discount behaviour and eligibility constraints.
type Rule struct {
	Code              string
	DiscountType      DiscountType
	Value             decimal.Decimal
	Description       string
	StartsAt          *time.Time
	EndsAt            *time.Time
	UsageLimit        int
	UsageLimitPerUser int
	MinimumOrder      decimal.Decimal
	TimesUsed         int
	Active            bool
}

// Application is the outcome of validating a coupon against an order.
type Application struct {
	Code         string
	DiscountType DiscountType
	Amount       decimal.Decimal
	FreeShipping bool
	Description  string
}

// Redemption is one use of a coupon counted against its caps.
type Redemption struct {
	Code       string
	UserID     string
	OrderID    string
	Amount     decimal.Decimal
	RedeemedAt time.Time
}

// Usage summarizes a coupon's redemption history.
type Usage struct {
	Rule          Rule
	TotalDiscount decimal.Decimal
	UniqueUsers   int
}

// RemainingUses reports redemptions left under the global cap. ok is false
// for coupons without a cap.
func (u Usage) RemainingUses() (n int, ok bool) {
	if u.Rule.UsageLimit <= 0 {
		return 0, false
	}
	return max(u.Rule.UsageLimit-u.Rule.TimesUsed, 0), true
}

// Reader reads rules and redemption history without taking locks. Results
// may trail concurrent redemptions.
type Reader interface {
	// Find returns the rule for code or ErrCouponNotFound.
	Find(ctx context.Context, code string) (*Rule, error)
	// CountRedemptions returns how many times userID has redeemed code.
	CountRedemptions(ctx context.Context, code, userID string) (int, error)
	// Usage aggregates the redemptions of code or returns ErrCouponNotFound.
	Usage(ctx context.Context, code string) (*Usage, error)
}

// Repository provides transactional access to coupon rules and redemptions.
// Implementations scope every call to the caller's transaction.
type Repository interface {
	// FindForUpdate returns the rule for code and locks it until the
	// transaction ends. Returns ErrCouponNotFound when absent.
	FindForUpdate(ctx context.Context, code string) (*Rule, error)
	// CountRedemptions returns how many times userID has redeemed code.
	CountRedemptions(ctx context.Context, code, userID string) (int, error)
	// Redeem records the redemption and increments the rule's usage counter.
	Redeem(ctx context.Context, r Redemption) error
}

// NormalizeCode returns the canonical stored form of a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
