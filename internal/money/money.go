// Package money holds the integer rate arithmetic used by the allocation
// engine. Every conversion is directional: the caller states whether the
// result rounds up or down, and the allocator picks the direction so the
// platform never loses margin across partial fills.
package money

import (
	"github.com/shopspring/decimal"
)

// RateScale is the fixed-point scale of every rate in the system:
// rate = currencyValue / value * RateScale.
const RateScale = 100

// ValueFromCurrency converts an external-currency amount to settlement value
// at the given rate. roundUp selects ceiling division, otherwise floor.
//
// INPUT requisites (receiving currency) round the settlement side down;
// OUTPUT requisites (paying currency out) round it up.
func ValueFromCurrency(currencyValue, rate int64, roundUp bool) int64 {
	return div(currencyValue*RateScale, rate, roundUp)
}

// CurrencyFromValue converts settlement value to an external-currency amount
// at the given rate. Inverse of ValueFromCurrency, same rounding contract.
func CurrencyFromValue(value, rate int64, roundUp bool) int64 {
	return div(value*rate, RateScale, roundUp)
}

// BlendedRate derives the single effective rate for a fill accumulated from
// several requisites: rate = totalCurrencyValue / totalValue * RateScale.
// The input leg rounds up, the output leg rounds down; the asymmetry is what
// keeps the margin on the platform side when legs are reconciled.
func BlendedRate(totalCurrencyValue, totalValue int64, roundUp bool) int64 {
	return div(totalCurrencyValue*RateScale, totalValue, roundUp)
}

// ToMinorUnits quantizes a boundary decimal amount into int64 minor units at
// the given precision. This is the only place non-integer amounts are
// accepted; everything past it is integer arithmetic.
func ToMinorUnits(amount decimal.Decimal, decimals int32) int64 {
	return amount.Shift(decimals).IntPart()
}

// FromMinorUnits renders minor units back to a decimal for responses.
func FromMinorUnits(v int64, decimals int32) decimal.Decimal {
	return decimal.NewFromInt(v).Shift(-decimals)
}

func div(num, den int64, roundUp bool) int64 {
	if den <= 0 {
		return 0
	}
	q := num / den
	if roundUp && num%den != 0 {
		q++
	}
	return q
}
