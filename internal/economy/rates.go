package economy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/commission"
	"github.com/gamehub/economy-engine/internal/model"
)

// CommissionRate returns the rate charged on trades in currency.
func (e *Engine) CommissionRate(ctx context.Context, currency model.Resource) (decimal.Decimal, error) {
	if !currency.Valid() {
		return decimal.Zero, fmt.Errorf("%w: %q", model.ErrUnknownCurrency, currency)
	}
	rate, err := e.rates.Rate(ctx, currency)
	return rate, model.DBError("commission rate "+string(currency), err)
}

// SetCommissionRate persists an operator-chosen rate and drops the cached
// value for the currency so the next settlement reads it.
func (e *Engine) SetCommissionRate(ctx context.Context, currency model.Resource, rate decimal.Decimal) (*model.CommissionRate, error) {
	if !currency.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownCurrency, currency)
	}
	if err := commission.ValidateRate(rate); err != nil {
		return nil, err
	}
	cr := &model.CommissionRate{Currency: currency, Rate: rate, UpdatedAt: e.now()}
	if err := e.store.SetCommissionRate(ctx, cr); err != nil {
		return nil, model.DBError("set commission rate "+string(currency), err)
	}
	e.rates.Invalidate(currency)
	e.logger.Info("commission rate updated", "currency", string(currency), "rate", rate.String())
	return cr, nil
}
