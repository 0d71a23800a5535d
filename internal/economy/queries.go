package economy

import (
	"context"

	"github.com/gamehub/economy-engine/internal/model"
)

// GetBalance returns the committed balance of an account.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (*model.Balance, error) {
	b, err := e.store.GetBalance(ctx, accountID)
	return b, model.DBError("get balance "+accountID, err)
}

// GetListing returns one listing in any state.
func (e *Engine) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	l, err := e.store.GetListing(ctx, id)
	return l, model.DBError("get listing "+id, err)
}

// ListActiveListings returns ACTIVE listings matching filter, oldest first.
func (e *Engine) ListActiveListings(ctx context.Context, filter model.ListingFilter) ([]model.Listing, error) {
	if filter.Currency != "" && !filter.Currency.Valid() {
		return nil, model.ErrUnknownCurrency
	}
	if filter.Resource != "" && !filter.Resource.Valid() {
		return nil, model.ErrUnknownCurrency
	}
	ls, err := e.store.ListActiveListings(ctx, filter)
	return ls, model.DBError("list active listings", err)
}

// ListAccountTrades returns the trades an account took part in, as buyer
// or seller.
func (e *Engine) ListAccountTrades(ctx context.Context, accountID string) ([]model.Trade, error) {
	ts, err := e.store.ListTradesByAccount(ctx, accountID)
	return ts, model.DBError("list trades "+accountID, err)
}

// ListAccountLedger returns every confirmed entry moving value into or out
// of an account.
func (e *Engine) ListAccountLedger(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	es, err := e.store.ListEntriesByAccount(ctx, accountID)
	return es, model.DBError("list ledger "+accountID, err)
}

// GetTradeEntries returns a trade's ledger entries.
func (e *Engine) GetTradeEntries(ctx context.Context, tradeID string) ([]model.LedgerEntry, error) {
	if _, err := e.store.GetTrade(ctx, tradeID); err != nil {
		return nil, model.DBError("get trade "+tradeID, err)
	}
	es, err := e.store.ListEntriesByTrade(ctx, tradeID)
	return es, model.DBError("list trade entries "+tradeID, err)
}
