// Package fixture decodes the demo data set shared by the seeding tool and
// the in-memory storage mode.
package fixture

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

// Stocked is a listing with its initial available quantity.
type Stocked struct {
	Listing product.Listing
	Stock   int
	// Stockless listings are parents of variations and carry no stock row.
	Stockless bool
}

// Set is a decoded fixture file.
type Set struct {
	Listings []Stocked
	Coupons  []coupon.Rule
	Carts    []cart.Cart
}

// Decode parses a fixture file.
func Decode(data []byte) (*Set, error) {
	var s Set
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "products":
			return d.Arr(func(d *jx.Decoder) error {
				items, err := decodeProduct(d)
				s.Listings = append(s.Listings, items...)
				return err
			})
		case "coupons":
			return d.Arr(func(d *jx.Decoder) error {
				r, err := decodeCoupon(d)
				s.Coupons = append(s.Coupons, r)
				return err
			})
		case "carts":
			return d.Arr(func(d *jx.Decoder) error {
				c, err := decodeCart(d)
				s.Carts = append(s.Carts, c)
				return err
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode fixture")
	}
	return &s, nil
}

// Loader is the write side a fixture is applied to.
type Loader interface {
	Listing(ctx context.Context, l product.Listing) error
	Stock(ctx context.Context, key inventory.Key, qty int) error
	Coupon(ctx context.Context, r coupon.Rule) error
	Cart(ctx context.Context, c cart.Cart) error
}

// Apply writes every entry of s to l.
func (s *Set) Apply(ctx context.Context, l Loader) error {
	for _, it := range s.Listings {
		if err := l.Listing(ctx, it.Listing); err != nil {
			return errors.Wrapf(err, "listing %s", it.Listing.Key())
		}
		if it.Stockless {
			continue
		}
		if err := l.Stock(ctx, it.Listing.Key(), it.Stock); err != nil {
			return errors.Wrapf(err, "stock %s", it.Listing.Key())
		}
	}
	for _, r := range s.Coupons {
		if err := l.Coupon(ctx, r); err != nil {
			return errors.Wrapf(err, "coupon %s", r.Code)
		}
	}
	for _, c := range s.Carts {
		if err := l.Cart(ctx, c); err != nil {
			return errors.Wrapf(err, "cart %s", c.ID)
		}
	}
	return nil
}

type rawListing struct {
	listing    product.Listing
	stock      int
	variations []product.Listing
	varStock   []int
}

func decodeProduct(d *jx.Decoder) ([]Stocked, error) {
	var p rawListing
	p.listing.Active = true
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := d.Str()
			p.listing.ProductID = v
			return err
		case "variations":
			return d.Arr(func(d *jx.Decoder) error {
				v := product.Listing{Active: true}
				var stock int
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					if key == "id" {
						id, err := d.Str()
						v.VariationID = id
						return err
					}
					return decodeListingField(d, key, &v, &stock)
				}); err != nil {
					return err
				}
				p.variations = append(p.variations, v)
				p.varStock = append(p.varStock, stock)
				return nil
			})
		default:
			return decodeListingField(d, key, &p.listing, &p.stock)
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "product %q", p.listing.ProductID)
	}

	out := []Stocked{{Listing: p.listing, Stock: p.stock, Stockless: len(p.variations) > 0}}
	for i, v := range p.variations {
		v.ProductID = p.listing.ProductID
		out = append(out, Stocked{Listing: v, Stock: p.varStock[i]})
	}
	return out, nil
}

func decodeListingField(d *jx.Decoder, key string, l *product.Listing, stock *int) error {
	var err error
	switch key {
	case "name":
		l.Name, err = d.Str()
	case "sku":
		l.SKU, err = d.Str()
	case "price":
		l.Price, err = decodeDecimal(d)
	case "discount":
		l.Discount, err = decodeDecimal(d)
	case "discount_type":
		var v string
		v, err = d.Str()
		l.DiscountType = product.DiscountType(v)
	case "active":
		l.Active, err = d.Bool()
	case "stock":
		*stock, err = d.Int()
	default:
		err = d.Skip()
	}
	return err
}

func decodeCoupon(d *jx.Decoder) (coupon.Rule, error) {
	r := coupon.Rule{Active: true}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			var v string
			v, err = d.Str()
			r.Code = coupon.NormalizeCode(v)
		case "discount_type":
			var v string
			v, err = d.Str()
			r.DiscountType = coupon.DiscountType(v)
		case "value":
			r.Value, err = decodeDecimal(d)
		case "description":
			r.Description, err = d.Str()
		case "minimum_order":
			r.MinimumOrder, err = decodeDecimal(d)
		case "usage_limit":
			r.UsageLimit, err = d.Int()
		case "usage_limit_per_user":
			r.UsageLimitPerUser, err = d.Int()
		case "starts_at":
			r.StartsAt, err = decodeTime(d)
		case "ends_at":
			r.EndsAt, err = decodeTime(d)
		case "active":
			r.Active, err = d.Bool()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return r, errors.Wrapf(err, "coupon %q", r.Code)
	}
	if !r.DiscountType.Valid() {
		return r, errors.Errorf("coupon %q: unknown discount type %q", r.Code, r.DiscountType)
	}
	return r, nil
}

func decodeCart(d *jx.Decoder) (cart.Cart, error) {
	var c cart.Cart
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := d.Str()
			c.ID = v
			return err
		case "user_id":
			v, err := d.Str()
			c.UserID = v
			return err
		case "lines":
			return d.Arr(func(d *jx.Decoder) error {
				var l cart.Line
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "product_id":
						l.ProductID, err = d.Str()
					case "variation_id":
						l.VariationID, err = d.Str()
					case "quantity":
						l.Quantity, err = d.Int()
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				c.Lines = append(c.Lines, l)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return c, errors.Wrapf(err, "cart %q", c.ID)
	}
	return c, nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	v, err := d.Str()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(v)
}

func decodeTime(d *jx.Decoder) (*time.Time, error) {
	v, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
