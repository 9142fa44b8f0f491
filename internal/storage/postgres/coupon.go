package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

const (
	couponColumns = `code, discount_type, value, description, starts_at, ends_at,
		usage_limit, usage_limit_per_user, minimum_order, times_used, active`

	// FOR UPDATE serializes redemptions of the same code so usage limits
	// are checked against committed counts.
	findCouponForUpdateSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1 FOR UPDATE`

	findCouponSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	couponUsageSQL = `SELECT COALESCE(sum(amount), 0), count(DISTINCT user_id)
		FROM coupon_redemptions WHERE code = $1`

	countRedemptionsSQL = `SELECT count(*) FROM coupon_redemptions WHERE code = $1 AND user_id = $2`

	insertRedemptionSQL = `INSERT INTO coupon_redemptions (code, user_id, order_id, amount, redeemed_at)
		VALUES ($1, $2, $3, $4, $5)`

	incrementCouponUsesSQL = `UPDATE coupons SET times_used = times_used + 1 WHERE code = $1`

	upsertCouponSQL = `INSERT INTO coupons (` + couponColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			description = EXCLUDED.description,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			usage_limit = EXCLUDED.usage_limit,
			usage_limit_per_user = EXCLUDED.usage_limit_per_user,
			minimum_order = EXCLUDED.minimum_order,
			active = EXCLUDED.active`
)

var (
	_ coupon.Repository = (*CouponRepository)(nil)
	_ coupon.Reader     = (*CouponRepository)(nil)
	_ coupon.Reader     = couponReader{}
)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	q querier
}

// FindForUpdate locks and returns the coupon with the given normalized code.
func (r *CouponRepository) FindForUpdate(ctx context.Context, code string) (*coupon.Rule, error) {
	return r.find(ctx, findCouponForUpdateSQL, code)
}

// Find returns the coupon without locking it.
func (r *CouponRepository) Find(ctx context.Context, code string) (*coupon.Rule, error) {
	return r.find(ctx, findCouponSQL, code)
}

// Usage returns the rule with its redemption totals.
func (r *CouponRepository) Usage(ctx context.Context, code string) (*coupon.Usage, error) {
	rule, err := r.Find(ctx, code)
	if err != nil {
		return nil, err
	}
	u := &coupon.Usage{Rule: *rule}
	if err := r.q.QueryRow(ctx, couponUsageSQL, rule.Code).Scan(&u.TotalDiscount, &u.UniqueUsers); err != nil {
		return nil, fmt.Errorf("aggregating redemptions of %q: %w", code, err)
	}
	return u, nil
}

func (r *CouponRepository) find(ctx context.Context, query, code string) (*coupon.Rule, error) {
	rows, err := r.q.Query(ctx, query, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon %q: %w", code, err)
	}

	rule, err := pgx.CollectExactlyOneRow(rows, scanCouponRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrCouponNotFound
		}
		return nil, fmt.Errorf("finding coupon %q: %w", code, err)
	}
	return &rule, nil
}

// CountRedemptions returns how many times userID redeemed code.
func (r *CouponRepository) CountRedemptions(ctx context.Context, code, userID string) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, countRedemptionsSQL, code, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting redemptions of %q: %w", code, err)
	}
	return n, nil
}

// Redeem records the redemption and bumps the global usage counter.
func (r *CouponRepository) Redeem(ctx context.Context, red coupon.Redemption) error {
	if _, err := r.q.Exec(ctx, insertRedemptionSQL, red.Code, red.UserID, red.OrderID, red.Amount, red.RedeemedAt); err != nil {
		return fmt.Errorf("recording redemption of %q: %w", red.Code, err)
	}
	tag, err := r.q.Exec(ctx, incrementCouponUsesSQL, red.Code)
	if err != nil {
		return fmt.Errorf("incrementing uses for coupon %q: %w", red.Code, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrCouponNotFound
	}
	return nil
}

// Upsert inserts or updates a rule. The usage counter is never overwritten.
func (r *CouponRepository) Upsert(ctx context.Context, rule coupon.Rule) error {
	_, err := r.q.Exec(ctx, upsertCouponSQL,
		coupon.NormalizeCode(rule.Code), string(rule.DiscountType), rule.Value, rule.Description,
		rule.StartsAt, rule.EndsAt, rule.UsageLimit, rule.UsageLimitPerUser,
		rule.MinimumOrder, rule.TimesUsed, rule.Active,
	)
	if err != nil {
		return fmt.Errorf("upserting coupon %q: %w", rule.Code, err)
	}
	return nil
}

func scanCouponRule(row pgx.CollectableRow) (coupon.Rule, error) {
	var (
		rule         coupon.Rule
		discountType string
	)
	err := row.Scan(
		&rule.Code, &discountType, &rule.Value, &rule.Description,
		&rule.StartsAt, &rule.EndsAt, &rule.UsageLimit, &rule.UsageLimitPerUser,
		&rule.MinimumOrder, &rule.TimesUsed, &rule.Active,
	)
	rule.DiscountType = coupon.DiscountType(discountType)
	return rule, err
}

// couponReader serves coupon reads from the pool with the store's error
// classification.
type couponReader struct {
	repo *CouponRepository
}

func (r couponReader) Find(ctx context.Context, code string) (*coupon.Rule, error) {
	rule, err := r.repo.Find(ctx, coupon.NormalizeCode(code))
	return rule, classify(err)
}

func (r couponReader) CountRedemptions(ctx context.Context, code, userID string) (int, error) {
	n, err := r.repo.CountRedemptions(ctx, code, userID)
	return n, classify(err)
}

func (r couponReader) Usage(ctx context.Context, code string) (*coupon.Usage, error) {
	u, err := r.repo.Usage(ctx, coupon.NormalizeCode(code))
	return u, classify(err)
}
