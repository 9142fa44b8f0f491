package order

import "time"

// Status is an order's lifecycle state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Statuses lists every state in lifecycle order.
var Statuses = []Status{
	StatusCreated,
	StatusConfirmed,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
	StatusRefunded,
}

// transitions is the complete set of legal status changes. Anything absent
// is rejected.
var transitions = map[Status][]Status{
	StatusCreated:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped},
	StatusShipped:    {StatusDelivered},
	StatusDelivered:  {StatusRefunded},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s == StatusCancelled || s == StatusRefunded
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the states reachable from s.
func Next(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}

// TransitionOptions carries fulfilment data supplied with a status change.
type TransitionOptions struct {
	TrackingNumber   string
	PaymentReference string
}

// advance moves o to the target status and stamps the matching timestamp.
// o is left untouched when the move is not allowed.
func (o *Order) advance(to Status, at time.Time, opts TransitionOptions) error {
	if !CanTransition(o.Status, to) {
		return &InvalidTransitionError{From: o.Status, To: to}
	}

	o.Status = to
	o.UpdatedAt = at
	switch to {
	case StatusConfirmed:
		o.ConfirmedAt = &at
		if opts.PaymentReference != "" {
			o.PaymentReference = opts.PaymentReference
		}
	case StatusShipped:
		o.ShippedAt = &at
		if opts.TrackingNumber != "" {
			o.TrackingNumber = opts.TrackingNumber
		}
	case StatusDelivered:
		o.DeliveredAt = &at
	case StatusCancelled:
		o.CancelledAt = &at
	}
	return nil
}
