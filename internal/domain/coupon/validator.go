package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Validator checks coupon eligibility in a fixed order: existence, active
// flag, time window, global cap, per-user cap, order minimum.
type Validator struct {
	now func() time.Time
}

// NewValidator creates a Validator using the wall clock.
func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// Evaluate runs every check after existence against an already loaded rule.
// userRedemptions is how many times the requesting user already used it.
func (v *Validator) Evaluate(rule *Rule, userRedemptions int, subtotal decimal.Decimal) (Application, error) {
	if !rule.Active {
		return Application{}, ErrCouponInactive
	}

	now := v.now()
	if rule.StartsAt != nil && now.Before(*rule.StartsAt) {
		return Application{}, ErrCouponExpired
	}
	if rule.EndsAt != nil && now.After(*rule.EndsAt) {
		return Application{}, ErrCouponExpired
	}

	if rule.UsageLimit > 0 && rule.TimesUsed >= rule.UsageLimit {
		return Application{}, ErrCouponUsageExceeded
	}
	if rule.UsageLimitPerUser > 0 && userRedemptions >= rule.UsageLimitPerUser {
		return Application{}, ErrCouponUsageExceeded
	}

	if rule.MinimumOrder.IsPositive() && subtotal.LessThan(rule.MinimumOrder) {
		return Application{}, &MinimumNotMetError{Minimum: rule.MinimumOrder}
	}

	return Apply(rule, subtotal)
}

// Check validates code for userID without recording a redemption. It reads
// without locking, so the answer can go stale before a checkout redeems.
func (v *Validator) Check(ctx context.Context, repo Reader, code, userID string, subtotal decimal.Decimal) (*Application, error) {
	app, _, err := v.evaluate(ctx, repo.Find, repo, code, userID, subtotal)
	return app, err
}

// Redeem validates code and records one redemption for orderID. The rule row
// stays locked until the caller's transaction ends, so concurrent redeemers
// of the same code are serialized and see each other's committed counters
// only.
func (v *Validator) Redeem(ctx context.Context, repo Repository, code, userID, orderID string, subtotal decimal.Decimal) (*Application, error) {
	app, rule, err := v.evaluate(ctx, repo.FindForUpdate, repo, code, userID, subtotal)
	if err != nil {
		return nil, err
	}

	if err := repo.Redeem(ctx, Redemption{
		Code:       rule.Code,
		UserID:     userID,
		OrderID:    orderID,
		Amount:     app.Amount,
		RedeemedAt: v.now(),
	}); err != nil {
		return nil, errors.Wrap(err, "record coupon redemption")
	}
	return app, nil
}

type redemptionCounter interface {
	CountRedemptions(ctx context.Context, code, userID string) (int, error)
}

func (v *Validator) evaluate(
	ctx context.Context,
	find func(ctx context.Context, code string) (*Rule, error),
	repo redemptionCounter,
	code, userID string,
	subtotal decimal.Decimal,
) (*Application, *Rule, error) {
	rule, err := find(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrCouponNotFound) {
			return nil, nil, ErrCouponNotFound
		}
		return nil, nil, errors.Wrap(err, "lookup coupon")
	}

	used := 0
	if rule.UsageLimitPerUser > 0 {
		used, err = repo.CountRedemptions(ctx, rule.Code, userID)
		if err != nil {
			return nil, nil, errors.Wrap(err, "count coupon redemptions")
		}
	}

	app, err := v.Evaluate(rule, used, subtotal)
	if err != nil {
		return nil, nil, err
	}
	return &app, rule, nil
}
