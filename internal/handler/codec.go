package handler

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

// Request bodies are decoded field by field; unknown fields are ignored.

type checkoutBody struct {
	Checkout order.Checkout
	Items    []order.LineRequest
}

func decodeCheckout(data []byte) (checkoutBody, error) {
	var b checkoutBody
	if len(data) == 0 {
		return b, nil
	}
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		co := &b.Checkout
		switch key {
		case "shipping":
			return decodeShipping(d, &co.Shipping)
		case "payment_method":
			v, err := d.Str()
			co.PaymentMethod = order.PaymentMethod(v)
			return err
		case "coupon_code":
			return decodeOptStr(d, &co.CouponCode)
		case "shipping_cost":
			return decodeDecimal(d, &co.ShippingCost)
		case "tax_amount":
			return decodeDecimal(d, &co.TaxAmount)
		case "notes":
			return decodeOptStr(d, &co.Notes)
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				var l order.LineRequest
				if err := decodeLine(d, &l); err != nil {
					return err
				}
				b.Items = append(b.Items, l)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	return b, err
}

func decodeShipping(d *jx.Decoder, sh *order.Shipping) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var dst *string
		switch key {
		case "first_name":
			dst = &sh.FirstName
		case "last_name":
			dst = &sh.LastName
		case "email":
			dst = &sh.Email
		case "phone":
			dst = &sh.Phone
		case "address_line1":
			dst = &sh.AddressLine1
		case "address_line2":
			dst = &sh.AddressLine2
		case "city":
			dst = &sh.City
		case "postal_code":
			dst = &sh.PostalCode
		case "country":
			dst = &sh.Country
		default:
			return d.Skip()
		}
		return decodeOptStr(d, dst)
	})
}

func decodeLine(d *jx.Decoder, l *order.LineRequest) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "product_id":
			v, err := d.Str()
			l.ProductID = v
			return err
		case "variation_id":
			return decodeOptStr(d, &l.VariationID)
		case "quantity":
			v, err := d.Int()
			l.Quantity = v
			return err
		default:
			return d.Skip()
		}
	})
}

type transitionBody struct {
	Status order.Status
	Opts   order.TransitionOptions
}

func decodeTransition(data []byte) (transitionBody, error) {
	var b transitionBody
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			v, err := d.Str()
			b.Status = order.Status(v)
			return err
		case "tracking_number":
			return decodeOptStr(d, &b.Opts.TrackingNumber)
		case "payment_reference":
			return decodeOptStr(d, &b.Opts.PaymentReference)
		default:
			return d.Skip()
		}
	})
	return b, err
}

type couponCheckBody struct {
	Code     string
	Subtotal decimal.Decimal
}

func decodeCouponCheck(data []byte) (couponCheckBody, error) {
	var b couponCheckBody
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "code":
			v, err := d.Str()
			b.Code = v
			return err
		case "subtotal":
			return decodeDecimal(d, &b.Subtotal)
		default:
			return d.Skip()
		}
	})
	return b, err
}

// decodeOptStr reads a string, treating null as empty.
func decodeOptStr(d *jx.Decoder, dst *string) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	v, err := d.Str()
	*dst = v
	return err
}

// decodeDecimal accepts "12.50", 12.5 or null. Numbers are parsed from their
// literal text, never through float64.
func decodeDecimal(d *jx.Decoder, dst *decimal.Decimal) error {
	var raw string
	switch d.Next() {
	case jx.Null:
		return d.Null()
	case jx.String:
		v, err := d.Str()
		if err != nil {
			return err
		}
		raw = v
	case jx.Number:
		v, err := d.Num()
		if err != nil {
			return err
		}
		raw = v.String()
	default:
		return errors.New("amount must be a string or a number")
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return errors.Wrapf(err, "parse amount %q", raw)
	}
	*dst = v
	return nil
}

func money(e *jx.Encoder, v decimal.Decimal) {
	e.Str(v.StringFixed(2))
}

func timestamp(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("number")
	e.Str(o.Number)
	e.FieldStart("user_id")
	e.Str(o.UserID)
	if o.CartID != "" {
		e.FieldStart("cart_id")
		e.Str(o.CartID)
	}
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("next_statuses")
	e.ArrStart()
	for _, s := range order.Next(o.Status) {
		e.Str(string(s))
	}
	e.ArrEnd()

	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(it.ProductID)
		if it.VariationID != "" {
			e.FieldStart("variation_id")
			e.Str(it.VariationID)
		}
		e.FieldStart("product_name")
		e.Str(it.ProductName)
		if it.SKU != "" {
			e.FieldStart("sku")
			e.Str(it.SKU)
		}
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("unit_price")
		money(e, it.UnitPrice)
		e.FieldStart("subtotal")
		money(e, it.Subtotal)
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("shipping")
	encodeShipping(e, o.Shipping)
	e.FieldStart("payment_method")
	e.Str(string(o.PaymentMethod))
	if o.CouponCode != "" {
		e.FieldStart("coupon_code")
		e.Str(o.CouponCode)
	}

	e.FieldStart("subtotal")
	money(e, o.Subtotal)
	e.FieldStart("discount")
	money(e, o.Discount)
	e.FieldStart("shipping_cost")
	money(e, o.ShippingCost)
	e.FieldStart("tax")
	money(e, o.Tax)
	e.FieldStart("total")
	money(e, o.Total)

	for _, f := range []struct {
		name  string
		value string
	}{
		{"notes", o.Notes},
		{"tracking_number", o.TrackingNumber},
		{"payment_reference", o.PaymentReference},
	} {
		if f.value != "" {
			e.FieldStart(f.name)
			e.Str(f.value)
		}
	}

	e.FieldStart("created_at")
	timestamp(e, o.CreatedAt)
	e.FieldStart("updated_at")
	timestamp(e, o.UpdatedAt)
	for _, f := range []struct {
		name  string
		value *time.Time
	}{
		{"confirmed_at", o.ConfirmedAt},
		{"shipped_at", o.ShippedAt},
		{"delivered_at", o.DeliveredAt},
		{"cancelled_at", o.CancelledAt},
	} {
		if f.value != nil {
			e.FieldStart(f.name)
			timestamp(e, *f.value)
		}
	}
	e.ObjEnd()
}

func encodeShipping(e *jx.Encoder, sh order.Shipping) {
	e.ObjStart()
	for _, f := range []struct {
		name  string
		value string
	}{
		{"first_name", sh.FirstName},
		{"last_name", sh.LastName},
		{"email", sh.Email},
		{"phone", sh.Phone},
		{"address_line1", sh.AddressLine1},
		{"address_line2", sh.AddressLine2},
		{"city", sh.City},
		{"postal_code", sh.PostalCode},
		{"country", sh.Country},
	} {
		if f.value == "" {
			continue
		}
		e.FieldStart(f.name)
		e.Str(f.value)
	}
	e.ObjEnd()
}

func encodeStats(e *jx.Encoder, s *order.Stats) {
	e.ObjStart()
	e.FieldStart("total_orders")
	e.Int(s.TotalOrders)
	e.FieldStart("total_spent")
	money(e, s.TotalSpent)
	e.FieldStart("orders_by_status")
	e.ObjStart()
	for _, st := range order.Statuses {
		if n := s.ByStatus[st]; n > 0 {
			e.FieldStart(string(st))
			e.Int(n)
		}
	}
	e.ObjEnd()
	e.ObjEnd()
}

func encodeCouponCheck(e *jx.Encoder, a *coupon.Application) {
	e.ObjStart()
	e.FieldStart("valid")
	e.Bool(true)
	e.FieldStart("code")
	e.Str(a.Code)
	e.FieldStart("discount_type")
	e.Str(string(a.DiscountType))
	e.FieldStart("discount")
	money(e, a.Amount)
	e.FieldStart("free_shipping")
	e.Bool(a.FreeShipping)
	if a.Description != "" {
		e.FieldStart("description")
		e.Str(a.Description)
	}
	e.ObjEnd()
}

func encodeCouponUsage(e *jx.Encoder, u *coupon.Usage) {
	e.ObjStart()
	e.FieldStart("code")
	e.Str(u.Rule.Code)
	e.FieldStart("active")
	e.Bool(u.Rule.Active)
	e.FieldStart("times_used")
	e.Int(u.Rule.TimesUsed)
	e.FieldStart("usage_limit")
	e.Int(u.Rule.UsageLimit)
	// Null means the coupon has no global cap.
	e.FieldStart("remaining_uses")
	if n, ok := u.RemainingUses(); ok {
		e.Int(n)
	} else {
		e.Null()
	}
	e.FieldStart("total_discount_given")
	money(e, u.TotalDiscount)
	e.FieldStart("unique_users")
	e.Int(u.UniqueUsers)
	e.ObjEnd()
}
