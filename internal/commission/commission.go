// Package commission computes the per-currency fee taken on trades.
//
// The fee is truncated to two decimals, never rounded:
//
//	fee          = floor(price * rate * 100) / 100
//	sellerAmount = price - fee
//
// Truncation is audited behaviour and must be reproduced exactly.
package commission

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/model"
)

// DefaultRate is the fallback charged when no rate is persisted for a
// currency.
var DefaultRate = decimal.RequireFromString("0.05")

// ErrInvalidRate is returned for rates outside [0, 1].
var ErrInvalidRate = errors.New("commission: rate must be within [0, 1]")

// Split divides price into seller proceeds and system fee.
func Split(price, rate decimal.Decimal) (sellerAmount, fee decimal.Decimal, err error) {
	if price.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: price %s is negative", model.ErrInvalidAmount, price)
	}
	if !model.FitsScale(price, model.AmountScale) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: price %s has more than %d decimal places", model.ErrInvalidAmount, price, model.AmountScale)
	}
	if err := ValidateRate(rate); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	fee = price.Mul(rate).RoundFloor(2)
	return price.Sub(fee), fee, nil
}

// ValidateRate checks rate is a fraction in [0, 1] with at most
// model.RateScale decimal places.
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) || !model.FitsScale(rate, model.RateScale) {
		return fmt.Errorf("%w: %w: %s", model.ErrInvalidAmount, ErrInvalidRate, rate)
	}
	return nil
}
