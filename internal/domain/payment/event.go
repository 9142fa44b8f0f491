// Package payment describes the events the payment service emits about orders.
package payment

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// Status is the outcome of a payment attempt.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrMalformedEvent is returned for payloads that cannot be acted on.
var ErrMalformedEvent = errors.New("malformed payment event")

// Event reports a payment outcome for an order.
type Event struct {
	OrderID   string
	Status    Status
	Reference string
	Method    string
	Amount    decimal.Decimal
	Reason    string
}

// Decode parses a JSON payment event. Unknown fields are ignored.
func Decode(data []byte) (Event, error) {
	var ev Event
	d := jx.DecodeBytes(data)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "order_id":
			v, err := d.Str()
			ev.OrderID = v
			return err
		case "status":
			v, err := d.Str()
			ev.Status = Status(v)
			return err
		case "reference":
			v, err := d.Str()
			ev.Reference = v
			return err
		case "method":
			v, err := d.Str()
			ev.Method = v
			return err
		case "reason":
			v, err := d.Str()
			ev.Reason = v
			return err
		case "amount":
			return decodeAmount(d, &ev.Amount)
		default:
			return d.Skip()
		}
	}); err != nil {
		return Event{}, errors.Wrap(err, "decode payment event")
	}

	if ev.OrderID == "" {
		return Event{}, errors.Wrap(ErrMalformedEvent, "order_id is required")
	}
	switch ev.Status {
	case StatusSucceeded, StatusFailed:
	default:
		return Event{}, errors.Wrapf(ErrMalformedEvent, "unknown status %q", ev.Status)
	}
	return ev, nil
}

// Encode writes ev as a JSON object.
func (ev Event) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(ev.OrderID)
	e.FieldStart("status")
	e.Str(string(ev.Status))
	if ev.Reference != "" {
		e.FieldStart("reference")
		e.Str(ev.Reference)
	}
	if ev.Method != "" {
		e.FieldStart("method")
		e.Str(ev.Method)
	}
	e.FieldStart("amount")
	e.Str(ev.Amount.StringFixed(2))
	if ev.Reason != "" {
		e.FieldStart("reason")
		e.Str(ev.Reason)
	}
	e.ObjEnd()
}

// decodeAmount accepts both JSON strings and numbers.
func decodeAmount(d *jx.Decoder, dst *decimal.Decimal) error {
	var raw string
	switch d.Next() {
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
		return d.Skip()
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return errors.Wrap(err, "parse amount")
	}
	*dst = v
	return nil
}
