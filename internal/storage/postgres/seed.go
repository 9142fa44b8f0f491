package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

// Seeder exposes the write helpers used to load fixtures and imports.
type Seeder struct {
	Catalog *Catalog
	Ledger  *InventoryLedger
	Coupons *CouponRepository
	Carts   *CartRepository
}

// Seed runs fn in one transaction outside the checkout timeouts.
func (s *Store) Seed(ctx context.Context, fn func(ctx context.Context, sd Seeder) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, Seeder{
			Catalog: &Catalog{q: tx},
			Ledger:  &InventoryLedger{q: tx},
			Coupons: &CouponRepository{q: tx},
			Carts:   &CartRepository{q: tx},
		})
	})
	if err != nil {
		return fmt.Errorf("seeding: %w", err)
	}
	return nil
}

// Listing, Stock, Coupon and Cart let a Seeder load fixture sets.

func (sd Seeder) Listing(ctx context.Context, l product.Listing) error {
	return sd.Catalog.UpsertListing(ctx, l)
}

func (sd Seeder) Stock(ctx context.Context, key inventory.Key, qty int) error {
	return sd.Ledger.SetStock(ctx, key, qty)
}

func (sd Seeder) Coupon(ctx context.Context, r coupon.Rule) error {
	return sd.Coupons.Upsert(ctx, r)
}

func (sd Seeder) Cart(ctx context.Context, c cart.Cart) error {
	return sd.Carts.Put(ctx, c)
}
