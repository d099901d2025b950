package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v82"

	"github.com/xraph/chartable"
)

const checkoutSessionObject = "checkout.session"

// Event is a parsed, verified delivery. The concrete type says which
// payload shape was found: *CheckoutCompleted or *Unhandled.
type Event interface {
	EventID() string
	EventType() string
	isEvent()
}

// CheckoutCompleted is a checkout session that may grant credits. It is
// produced for checkout.session.completed and
// checkout.session.async_payment_succeeded.
type CheckoutCompleted struct {
	ID            string
	Type          stripe.EventType
	SessionID     string
	ReferenceID   string
	PaymentStatus stripe.CheckoutSessionPaymentStatus
	Metadata      map[string]string
	Livemode      bool
}

func (e *CheckoutCompleted) EventID() string   { return e.ID }
func (e *CheckoutCompleted) EventType() string { return string(e.Type) }
func (*CheckoutCompleted) isEvent()            {}

// Paid reports whether funds are settled. A completed session paid by a
// delayed method stays unpaid until async_payment_succeeded arrives.
func (e *CheckoutCompleted) Paid() bool {
	if e.Type == stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded {
		return true
	}
	return e.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
		e.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired
}

// Unhandled is any other well-formed event. It is acknowledged and ignored.
type Unhandled struct {
	ID   string
	Type string
}

func (e *Unhandled) EventID() string   { return e.ID }
func (e *Unhandled) EventType() string { return e.Type }
func (*Unhandled) isEvent()            {}

// Parse decodes a verified payload. Anything that is not a Stripe event
// envelope, or a checkout event whose object is not a checkout session,
// fails with ErrMalformedPayload.
func Parse(payload []byte) (Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %w", chartable.ErrMalformedPayload, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", chartable.ErrMalformedPayload)
	}

	switch ev.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		return parseCheckout(&ev)
	default:
		return &Unhandled{ID: ev.ID, Type: string(ev.Type)}, nil
	}
}

func parseCheckout(ev *stripe.Event) (*CheckoutCompleted, error) {
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s has no data object", chartable.ErrMalformedPayload, ev.Type)
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %w", chartable.ErrMalformedPayload, err)
	}
	if sess.Object != checkoutSessionObject || sess.ID == "" {
		return nil, fmt.Errorf("%w: %s carries %q, want %s", chartable.ErrMalformedPayload, ev.Type, sess.Object, checkoutSessionObject)
	}

	return &CheckoutCompleted{
		ID:            ev.ID,
		Type:          ev.Type,
		SessionID:     sess.ID,
		ReferenceID:   sess.ClientReferenceID,
		PaymentStatus: sess.PaymentStatus,
		Metadata:      sess.Metadata,
		Livemode:      ev.Livemode,
	}, nil
}
