// Package money holds the fixed-point helpers shared by every monetary
// computation in the storefront. Amounts are shopspring decimals in the
// store's major currency unit; the payment provider works in minor units.
package money

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Round2 rounds d to two fractional digits, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// ToMinor converts a major-unit amount to integer minor units (cents),
// rounding to two places first.
func ToMinor(d decimal.Decimal) int64 {
	return Round2(d).Mul(hundred).IntPart()
}

// FromMinor converts integer minor units back to a major-unit amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// LineTotal is price × quantity.
func LineTotal(price decimal.Decimal, quantity int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(quantity)))
}
