package model

import "github.com/shopspring/decimal"

// AmountScale is the number of fractional digits every stored amount keeps.
// Storage columns are NUMERIC(38, 8).
const AmountScale = 8

// RateScale is the number of fractional digits a commission rate keeps.
const RateScale = 6

// FitsScale reports whether d has no non-zero digit past scale fractional
// digits. Trailing zeros do not count.
func FitsScale(d decimal.Decimal, scale int32) bool {
	return d.Equal(d.Truncate(scale))
}
