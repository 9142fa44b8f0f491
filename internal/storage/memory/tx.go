package memory

import (
	"context"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

var (
	_ order.Tx          = (*tx)(nil)
	_ inventory.Ledger  = ledger{}
	_ coupon.Repository = coupons{}
	_ cart.Reader       = carts{}
	_ order.Repository  = orders{}
)

type tx struct {
	st *state
}

func (t *tx) Inventory() inventory.Ledger { return ledger{t.st} }
func (t *tx) Coupons() coupon.Repository  { return coupons{t.st} }
func (t *tx) Carts() cart.Reader          { return carts{t.st} }
func (t *tx) Orders() order.Repository    { return orders{t.st} }

type ledger struct{ st *state }

func (l ledger) Reserve(_ context.Context, key inventory.Key, qty int) (inventory.Reservation, error) {
	avail := l.st.stock[key]
	if qty <= 0 || avail < qty {
		return inventory.Reservation{}, &inventory.ShortageError{Key: key, Requested: qty, Available: avail}
	}
	l.st.stock[key] = avail - qty
	return inventory.Reservation{Key: key, Quantity: qty}, nil
}

func (l ledger) Release(_ context.Context, r inventory.Reservation) error {
	l.st.stock[r.Key] += r.Quantity
	return nil
}

type coupons struct{ st *state }

func (c coupons) FindForUpdate(_ context.Context, code string) (*coupon.Rule, error) {
	r, ok := c.st.coupons[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrCouponNotFound
	}
	return &r, nil
}

func (c coupons) CountRedemptions(_ context.Context, code, userID string) (int, error) {
	n := 0
	for _, r := range c.st.redemptions {
		if r.Code == code && r.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (c coupons) Redeem(_ context.Context, r coupon.Redemption) error {
	rule, ok := c.st.coupons[r.Code]
	if !ok {
		return coupon.ErrCouponNotFound
	}
	rule.TimesUsed++
	c.st.coupons[r.Code] = rule
	c.st.redemptions = append(c.st.redemptions, r)
	return nil
}

type carts struct{ st *state }

func (c carts) ReadLines(_ context.Context, cartID string) (*cart.Cart, error) {
	v, ok := c.st.carts[cartID]
	if !ok {
		return nil, cart.ErrNotFound
	}
	v.Lines = append([]cart.Line(nil), v.Lines...)
	return &v, nil
}

func (c carts) MarkConverted(_ context.Context, cartID string, at time.Time) error {
	v, ok := c.st.carts[cartID]
	if !ok {
		return cart.ErrNotFound
	}
	v.Lines = nil
	v.ConvertedAt = &at
	c.st.carts[cartID] = v
	return nil
}

type orders struct{ st *state }

func (o orders) NextNumber(_ context.Context, day time.Time) (int, error) {
	k := day.Format("20060102")
	o.st.sequences[k]++
	return o.st.sequences[k], nil
}

func (o orders) Create(_ context.Context, ord *order.Order) error {
	o.st.orders[ord.ID] = cloneOrder(ord)
	return nil
}

func (o orders) GetForUpdate(_ context.Context, id string) (*order.Order, error) {
	v, ok := o.st.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return cloneOrder(v), nil
}

func (o orders) UpdateStatus(_ context.Context, ord *order.Order) error {
	cur, ok := o.st.orders[ord.ID]
	if !ok {
		return order.ErrNotFound
	}
	next := cloneOrder(cur)
	next.Status = ord.Status
	next.UpdatedAt = ord.UpdatedAt
	next.ConfirmedAt = cloneTime(ord.ConfirmedAt)
	next.ShippedAt = cloneTime(ord.ShippedAt)
	next.DeliveredAt = cloneTime(ord.DeliveredAt)
	next.CancelledAt = cloneTime(ord.CancelledAt)
	next.TrackingNumber = ord.TrackingNumber
	next.PaymentReference = ord.PaymentReference
	o.st.orders[ord.ID] = next
	return nil
}
