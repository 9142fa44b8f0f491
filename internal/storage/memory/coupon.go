package memory

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

var _ coupon.Reader = couponReader{}

// Coupons implements order.Store. Reads see the last committed state.
func (s *Store) Coupons() coupon.Reader {
	return couponReader{s}
}

type couponReader struct{ s *Store }

func (r couponReader) Find(_ context.Context, code string) (*coupon.Rule, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rule, ok := r.s.st.coupons[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrCouponNotFound
	}
	return &rule, nil
}

func (r couponReader) CountRedemptions(ctx context.Context, code, userID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return coupons{r.s.st}.CountRedemptions(ctx, code, userID)
}

func (r couponReader) Usage(_ context.Context, code string) (*coupon.Usage, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rule, ok := r.s.st.coupons[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrCouponNotFound
	}
	u := &coupon.Usage{Rule: rule, TotalDiscount: decimal.Zero}
	users := make(map[string]struct{})
	for _, red := range r.s.st.redemptions {
		if red.Code != rule.Code {
			continue
		}
		u.TotalDiscount = u.TotalDiscount.Add(red.Amount)
		users[red.UserID] = struct{}{}
	}
	u.UniqueUsers = len(users)
	return u, nil
}
