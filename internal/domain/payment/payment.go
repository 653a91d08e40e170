// Package payment defines the boundary between the storefront and the
// hosted-checkout payment provider.
package payment

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

// ErrInvalidSignature is returned when an inbound event fails signature
// verification. Such events must cause no side effects.
var ErrInvalidSignature = errors.New("invalid event signature")

// ErrMalformedEvent is returned for a verified event whose body cannot be decoded.
var ErrMalformedEvent = errors.New("malformed payment event")

// ProviderError wraps a failed call to the payment provider.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// EventType names a provider event.
type EventType string

const (
	// EventCheckoutCompleted signals a completed checkout session. For
	// delayed payment methods the session may still be unpaid.
	EventCheckoutCompleted EventType = "checkout.session.completed"
	// EventAsyncPaymentSucceeded signals that a delayed payment settled.
	EventAsyncPaymentSucceeded EventType = "checkout.session.async_payment_succeeded"
)

// PaymentStatusPaid is the session payment status once funds are captured.
const PaymentStatusPaid = "paid"

// LineItem is one priced line of a checkout session, in minor units.
type LineItem struct {
	Name        string
	Description string
	Image       string
	UnitAmount  int64
	Quantity    int64
}

// SessionRequest describes a checkout session to create.
type SessionRequest struct {
	// CustomerRef is an opaque reference echoed back by the provider.
	CustomerRef string
	Currency    string
	Lines       []LineItem
	// Discount is nil when no coupon applies.
	Discount *Discount
	Metadata map[string]string
}

// Discount reduces a checkout session. PromotionID names a promotion code
// mirrored at the provider; when it is empty, Amount in minor units is
// taken off once under Label.
type Discount struct {
	PromotionID string
	Amount      int64
	Label       string
}

// Session is a created checkout session. URL is where the shopper pays.
type Session struct {
	ID  string
	URL string
}

// Event is a verified, decoded provider event.
type Event struct {
	ID              string
	Type            EventType
	SessionID       string
	PaymentIntentID string
	PaymentStatus   string
	// AmountTotal is what the provider charged, in minor units.
	AmountTotal int64
	Currency    string
	Metadata    map[string]string
}

// Provider is the hosted-checkout payment provider.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error)
	// ParseEvent verifies signature over payload and decodes the event.
	// Verification failures return ErrInvalidSignature.
	ParseEvent(payload []byte, signature string) (*Event, error)
}
