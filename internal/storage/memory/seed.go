package memory

import (
	"context"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

// Seeder loads fixtures into a Store through the same calls the postgres
// seeder offers.
type Seeder struct {
	s *Store
}

// Seeder returns a fixture loader for s.
func (s *Store) Seeder() Seeder {
	return Seeder{s: s}
}

func (sd Seeder) Listing(_ context.Context, l product.Listing) error {
	sd.s.mutate(func(st *state) { st.listings[l.Key()] = l })
	return nil
}

func (sd Seeder) Stock(_ context.Context, key inventory.Key, qty int) error {
	sd.s.mutate(func(st *state) { st.stock[key] = qty })
	return nil
}

func (sd Seeder) Coupon(_ context.Context, r coupon.Rule) error {
	sd.s.PutCoupon(r)
	return nil
}

func (sd Seeder) Cart(_ context.Context, c cart.Cart) error {
	sd.s.PutCart(c)
	return nil
}
