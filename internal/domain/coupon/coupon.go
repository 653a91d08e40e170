package coupon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType tags which arm of an Offer is in use.
type DiscountType string

const (
	// Percentage takes Value percent off the subtotal.
	Percentage DiscountType = "percentage"
	// Fixed takes Value currency units off the subtotal.
	Fixed DiscountType = "fixed"
)

// ParseDiscountType parses the persisted form of a discount type.
func ParseDiscountType(s string) (DiscountType, error) {
	switch t := DiscountType(strings.ToLower(strings.TrimSpace(s))); t {
	case Percentage, Fixed:
		return t, nil
	default:
		return "", &InvalidError{Reason: fmt.Sprintf("unsupported discount type: %q", s)}
	}
}

// Source records how a coupon came to exist.
type Source string

const (
	SourceManual      Source = "manual"
	SourceNegotiation Source = "negotiation"
)

// Eligibility failures, checked in this order by Evaluate.
var (
	ErrNotFound          = errors.New("invalid coupon code")
	ErrInactive          = errors.New("coupon is no longer active")
	ErrExpired           = errors.New("coupon has expired")
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
	ErrAlreadyUsed       = errors.New("coupon already used")

	// ErrCodeTaken is returned when creating a coupon whose code exists.
	ErrCodeTaken = errors.New("coupon code already exists")
)

// MinimumNotMetError is returned when the subtotal is below the coupon's
// minimum purchase amount.
type MinimumNotMetError struct {
	Minimum decimal.Decimal
}

func (e *MinimumNotMetError) Error() string {
	return fmt.Sprintf("minimum purchase of %s required", e.Minimum.StringFixed(2))
}

// InvalidError reports coupon terms that cannot be stored or computed.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return e.Reason
}

// Offer is the discount a coupon grants. Type selects how Value is read.
// MaxDiscount, when set, caps the computed amount.
type Offer struct {
	Type        DiscountType
	Value       decimal.Decimal
	MaxDiscount *decimal.Decimal
}

// Validate rejects offers that cannot be computed.
func (o Offer) Validate() error {
	if !o.Value.IsPositive() {
		return &InvalidError{Reason: "discount value must be positive"}
	}
	switch o.Type {
	case Percentage:
		if o.Value.GreaterThan(hundred) {
			return &InvalidError{Reason: "percentage discount cannot exceed 100"}
		}
	case Fixed:
	default:
		return &InvalidError{Reason: fmt.Sprintf("unsupported discount type: %q", o.Type)}
	}
	if o.MaxDiscount != nil && !o.MaxDiscount.IsPositive() {
		return &InvalidError{Reason: "max discount must be positive"}
	}
	return nil
}

// Usage is one consumption of a coupon by a fulfilled order.
type Usage struct {
	UserID    string
	SessionID string
	UsedAt    time.Time
}

// Negotiation links a negotiation-issued coupon to the conversation that
// produced it.
type Negotiation struct {
	UserID    string
	ProductID string
	Reason    string
}

// Coupon is a named discount rule. Nil UsageLimit means unlimited; nil
// ExpiresAt means no expiry.
type Coupon struct {
	ID          string
	Code        string
	Offer       Offer
	MinPurchase decimal.Decimal
	ExpiresAt   *time.Time
	UsageLimit  *int
	UsedCount   int
	UsedBy      []Usage
	OnePerUser  bool
	Active      bool
	Source      Source
	Negotiation *Negotiation

	// Payment provider identifiers, set when the coupon is mirrored there.
	ProviderCouponID    string
	ProviderPromotionID string

	CreatedAt time.Time
}

// UsedByUser reports whether userID appears in the usage records.
func (c *Coupon) UsedByUser(userID string) bool {
	for _, u := range c.UsedBy {
		if u.UserID == userID {
			return true
		}
	}
	return false
}

// NormalizeCode is applied to every code on every write and lookup.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Repository persists coupons. Implementations store codes already
// normalized and enforce code uniqueness.
type Repository interface {
	// FindByCode returns the coupon regardless of its active flag, or ErrNotFound.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	// FindActiveByCode is FindByCode restricted to active coupons.
	FindActiveByCode(ctx context.Context, code string) (*Coupon, error)
	List(ctx context.Context) ([]Coupon, error)
	// Create inserts c and returns ErrCodeTaken on a duplicate code.
	Create(ctx context.Context, c *Coupon) error
	SetActive(ctx context.Context, code string, active bool) error
}

// UsageRecorder consumes one use of a coupon. The increment and the usage
// record are written together and conditionally: a call that would exceed
// the usage limit fails with ErrUsageLimitReached, a repeat by the same user
// of a one-per-user coupon fails with ErrAlreadyUsed, and a repeat for the
// same session is a no-op.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, code string, u Usage) error
}
