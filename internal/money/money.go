// Package money centralizes the scale-4, HALF_UP decimal arithmetic the
// engine uses for every price and wallet amount. No package in this
// repo should reach for float64 in a monetary computation.
package money

import "github.com/shopspring/decimal"

// Scale is the fixed number of fractional digits every stored amount
// and price carries.
const Scale = 4

// Tick converts a YES price into the fixed-point integer the order
// book indexes price levels by (price * 10^Scale). Decimal stays the
// type of record on Order and in the ledger; Tick only exists for
// map keys and sort ordering inside internal/orderbook.
func Tick(price decimal.Decimal) int64 {
	return price.Shift(Scale).Round(0).IntPart()
}

// FromTick is the inverse of Tick.
func FromTick(tick int64) decimal.Decimal {
	return decimal.New(tick, -Scale)
}

// Round4 rounds to Scale digits, HALF_UP (decimal.Round rounds half
// away from zero, which is HALF_UP for the non-negative amounts and
// prices this engine deals in).
func Round4(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Zero is the canonical zero-value monetary amount at Scale.
var Zero = decimal.Zero.Round(Scale)

// One is a decimal 1, used repeatedly for the "1 - price" NO-side
// price inversion.
var One = decimal.NewFromInt(1)

// Invert returns 1 - yesPrice, the complementary NO price.
func Invert(yesPrice decimal.Decimal) decimal.Decimal {
	return Round4(One.Sub(yesPrice))
}
