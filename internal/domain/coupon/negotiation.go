package coupon

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/money"
	"github.com/xenking/storefront/internal/domain/product"
)

var (
	// ErrNegotiationDisabled is returned for products that do not accept
	// negotiated prices.
	ErrNegotiationDisabled = errors.New("negotiation is not enabled for this product")
	// ErrNoFloorPrice is returned when a negotiable product has no floor price
	// configured.
	ErrNoFloorPrice = errors.New("product has no floor price configured")
)

// NegotiationVerdict is the result of ValidateNegotiatedDiscount. Exactly one
// of Allowed and Rejected is set.
type NegotiationVerdict struct {
	Allowed  *NegotiationAllowed
	Rejected *NegotiationRejected
}

// NegotiationAllowed carries the accepted discount and resulting price.
type NegotiationAllowed struct {
	Amount         decimal.Decimal
	EffectivePrice decimal.Decimal
}

// NegotiationRejected tells the caller how far it may go on a retry.
type NegotiationRejected struct {
	Reason        string
	MaxDiscount   decimal.Decimal
	MaxPercentage decimal.Decimal
}

// RejectedError wraps a rejection verdict for callers that treat it as an error.
type RejectedError struct {
	NegotiationRejected
}

func (e *RejectedError) Error() string {
	return e.Reason
}

// ValidateNegotiatedDiscount checks a proposed offer against the product's
// floor price. It has no side effects; creating the coupon is a separate step.
func ValidateNegotiatedDiscount(p *product.Product, o Offer) (NegotiationVerdict, error) {
	if !p.NegotiationEnabled {
		return NegotiationVerdict{}, ErrNegotiationDisabled
	}
	if !p.HiddenBottomPrice.IsPositive() {
		return NegotiationVerdict{}, ErrNoFloorPrice
	}
	if err := o.Validate(); err != nil {
		return NegotiationVerdict{}, err
	}

	current := p.EffectivePrice()
	floor := p.HiddenBottomPrice

	amount := ComputeDiscount(o, current)
	effective := money.Round2(current.Sub(amount))

	if effective.LessThan(floor) {
		maxDiscount := money.NonNegative(money.Round2(current.Sub(floor)))
		maxPercentage := decimal.Zero
		if current.IsPositive() {
			maxPercentage = maxDiscount.Mul(hundred).Div(current).RoundFloor(1)
		}
		return NegotiationVerdict{Rejected: &NegotiationRejected{
			Reason: fmt.Sprintf("discount too large: at most %s (%s%%) off is allowed",
				maxDiscount.StringFixed(2), maxPercentage.StringFixed(1)),
			MaxDiscount:   maxDiscount,
			MaxPercentage: maxPercentage,
		}}, nil
	}

	return NegotiationVerdict{Allowed: &NegotiationAllowed{
		Amount:         amount,
		EffectivePrice: effective,
	}}, nil
}
