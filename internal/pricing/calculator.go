// Package pricing computes tier prices from a base price and a discount.
// Every discount calculation in the service goes through here.
package pricing

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Discounted returns base * (100 - discount) / 100 without rounding.
// The discount is clamped to [0,100] and a negative base is treated as 0.
func Discounted(basePrice, discountPercentage float64) decimal.Decimal {
	base := decimal.NewFromFloat(basePrice)
	if base.IsNegative() {
		base = decimal.Zero
	}

	discount := decimal.NewFromFloat(discountPercentage)
	if discount.LessThan(decimal.Zero) {
		discount = decimal.Zero
	} else if discount.GreaterThan(hundred) {
		discount = hundred
	}

	return base.Mul(hundred.Sub(discount)).Div(hundred)
}

// TierPrice rounds the discounted price to a whole unit, half away from zero.
func TierPrice(basePrice, discountPercentage float64) float64 {
	return Discounted(basePrice, discountPercentage).Round(0).InexactFloat64()
}

// IsValidTierPrice reports whether supplied equals the calculated tier price
func IsValidTierPrice(basePrice, discountPercentage, suppliedPrice float64) bool {
	return decimal.NewFromFloat(suppliedPrice).Equal(decimal.NewFromFloat(TierPrice(basePrice, discountPercentage)))
}
