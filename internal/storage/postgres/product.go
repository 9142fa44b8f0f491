package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

const (
	// Variations inherit the product's active flag and carry their own name
	// suffix, price and markdown.
	lookupListingsSQL = `SELECT p.id, '' AS variation_id, p.name, p.sku, p.price, p.discount, p.discount_type, p.active
		FROM products p WHERE p.id = ANY($1)
		UNION ALL
		SELECT v.product_id, v.id, p.name || ' - ' || v.name, v.sku, v.price, v.discount, v.discount_type, p.active AND v.active
		FROM product_variations v JOIN products p ON p.id = v.product_id
		WHERE v.product_id = ANY($1) AND v.id = ANY($2)`

	upsertProductSQL = `INSERT INTO products (id, name, sku, price, discount, discount_type, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, sku = EXCLUDED.sku, price = EXCLUDED.price,
			discount = EXCLUDED.discount, discount_type = EXCLUDED.discount_type,
			active = EXCLUDED.active, updated_at = now()`

	upsertVariationSQL = `INSERT INTO product_variations (product_id, id, name, sku, price, discount, discount_type, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (product_id, id) DO UPDATE SET
			name = EXCLUDED.name, sku = EXCLUDED.sku, price = EXCLUDED.price,
			discount = EXCLUDED.discount, discount_type = EXCLUDED.discount_type,
			active = EXCLUDED.active`
)

var _ product.Catalog = (*Catalog)(nil)

// Catalog implements product.Catalog over products and their variations.
type Catalog struct {
	q querier
}

// NewCatalog returns a Catalog that reads through pool.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{q: pool}
}

// Lookup returns the listings that exist for keys. Unknown keys are omitted.
func (c *Catalog) Lookup(ctx context.Context, keys []inventory.Key) ([]product.Listing, error) {
	var productIDs, variationIDs []string
	want := make(map[inventory.Key]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
		productIDs = append(productIDs, k.ProductID)
		if k.VariationID != "" {
			variationIDs = append(variationIDs, k.VariationID)
		}
	}

	rows, err := c.q.Query(ctx, lookupListingsSQL, productIDs, variationIDs)
	if err != nil {
		return nil, fmt.Errorf("looking up listings: %w", err)
	}
	all, err := pgx.CollectRows(rows, scanListing)
	if err != nil {
		return nil, fmt.Errorf("looking up listings: %w", err)
	}

	out := all[:0]
	for _, l := range all {
		if _, ok := want[l.Key()]; ok {
			out = append(out, l)
			delete(want, l.Key())
		}
	}
	return out, nil
}

// UpsertListing writes a product, or a variation when VariationID is set.
func (c *Catalog) UpsertListing(ctx context.Context, l product.Listing) error {
	var err error
	if l.VariationID == "" {
		_, err = c.q.Exec(ctx, upsertProductSQL,
			l.ProductID, l.Name, l.SKU, l.Price, l.Discount, string(l.DiscountType), l.Active)
	} else {
		_, err = c.q.Exec(ctx, upsertVariationSQL,
			l.ProductID, l.VariationID, l.Name, l.SKU, l.Price, l.Discount, string(l.DiscountType), l.Active)
	}
	if err != nil {
		return fmt.Errorf("upserting listing %s: %w", l.Key(), err)
	}
	return nil
}

func scanListing(row pgx.CollectableRow) (product.Listing, error) {
	var (
		l            product.Listing
		discountType string
	)
	err := row.Scan(&l.ProductID, &l.VariationID, &l.Name, &l.SKU, &l.Price, &l.Discount, &discountType, &l.Active)
	l.DiscountType = product.DiscountType(discountType)
	return l, err
}
