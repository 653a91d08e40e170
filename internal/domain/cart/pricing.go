package cart

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/money"
)

// Pricing is the derived price view of a cart.
type Pricing struct {
	Subtotal  decimal.Decimal
	Discount  decimal.Decimal
	Total     decimal.Decimal
	ItemCount int
}

// Price derives the cart's totals from its lines and applied coupon snapshot.
func Price(c *Cart) Pricing {
	subtotal := decimal.Zero
	count := 0
	for _, l := range c.Items {
		subtotal = subtotal.Add(money.LineTotal(l.Price, l.Quantity))
		count += l.Quantity
	}

	discount := decimal.Zero
	if c.Coupon != nil {
		discount = coupon.ComputeDiscount(c.Coupon.Offer, subtotal)
	}

	return Pricing{
		Subtotal:  money.Round2(subtotal),
		Discount:  discount,
		Total:     money.NonNegative(money.Round2(subtotal.Sub(discount))),
		ItemCount: count,
	}
}
