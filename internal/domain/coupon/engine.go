package coupon

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/money"
)

var hundred = decimal.NewFromInt(100)

// Evaluate checks whether c can be applied to a cart with the given subtotal
// by userID at now. It returns nil when eligible, otherwise the first failing
// condition in order: inactive, expired, usage limit reached, already used by
// this user, minimum purchase not met.
func Evaluate(c *Coupon, subtotal decimal.Decimal, userID string, now time.Time) error {
	if !c.Active {
		return ErrInactive
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return ErrExpired
	}
	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return ErrUsageLimitReached
	}
	if c.OnePerUser && userID != "" && c.UsedByUser(userID) {
		return ErrAlreadyUsed
	}
	if subtotal.LessThan(c.MinPurchase) {
		return &MinimumNotMetError{Minimum: c.MinPurchase}
	}
	return nil
}

// ComputeDiscount returns the amount o takes off subtotal: the raw amount,
// capped by MaxDiscount, never more than the subtotal, rounded to cents.
// An offer of unknown type yields zero.
func ComputeDiscount(o Offer, subtotal decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal
	switch o.Type {
	case Percentage:
		amount = subtotal.Mul(o.Value).Div(hundred)
	case Fixed:
		amount = o.Value
	default:
		return decimal.Zero
	}

	if o.MaxDiscount != nil {
		amount = decimal.Min(amount, *o.MaxDiscount)
	}
	amount = decimal.Min(amount, subtotal)

	return money.Round2(money.NonNegative(amount))
}
