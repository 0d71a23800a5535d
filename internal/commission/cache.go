package commission

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/model"
)

// RateSource loads a persisted commission rate. found is false when no rate
// exists for the currency.
type RateSource interface {
	GetCommissionRate(ctx context.Context, currency model.Resource) (rate decimal.Decimal, found bool, err error)
}

// RateCache memoizes commission rates for the lifetime of the engine that
// owns it. Entries never expire: a persisted rate change only takes effect
// after Invalidate, Clear or a restart.
type RateCache struct {
	source   RateSource
	fallback decimal.Decimal

	mu    sync.RWMutex
	rates map[model.Resource]decimal.Decimal
}

// NewRateCache creates a cache over source. fallback applies to
// currencies with no persisted rate; zero makes them commission-free.
func NewRateCache(source RateSource, fallback decimal.Decimal) *RateCache {
	return &RateCache{
		source:   source,
		fallback: fallback,
		rates:    make(map[model.Resource]decimal.Decimal),
	}
}

// Rate returns the commission rate for currency, consulting the source
// only on a cache miss.
func (c *RateCache) Rate(ctx context.Context, currency model.Resource) (decimal.Decimal, error) {
	if !currency.Valid() {
		return decimal.Zero, model.ErrUnknownCurrency
	}

	c.mu.RLock()
	rate, ok := c.rates[currency]
	c.mu.RUnlock()
	if ok {
		return rate, nil
	}

	rate, found, err := c.source.GetCommissionRate(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	if !found {
		rate = c.fallback
	}
	if err := ValidateRate(rate); err != nil {
		return decimal.Zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent miss may have filled the slot first; keep the first.
	if cached, ok := c.rates[currency]; ok {
		return cached, nil
	}
	c.rates[currency] = rate
	return rate, nil
}

// Invalidate drops the cached rate for currency.
func (c *RateCache) Invalidate(currency model.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rates, currency)
}

// Clear drops every cached rate.
func (c *RateCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates = make(map[model.Resource]decimal.Decimal)
}

// Size returns the number of cached currencies.
func (c *RateCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rates)
}
