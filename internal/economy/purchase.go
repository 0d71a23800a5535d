package economy

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/ledger"
	"github.com/gamehub/economy-engine/internal/model"
)

// PurchaseRequest buys a System-issued resource quantity or package.
type PurchaseRequest struct {
	BuyerID     string
	Item        model.Item
	Price       decimal.Decimal
	Currency    model.Resource
	ExternalRef string
}

// Purchase opens a System listing for the item and settles it to the buyer
// in the same unit, so the listing, trade, entries and the System balance
// all reference each other before any of them is written.
func (e *Engine) Purchase(ctx context.Context, req PurchaseRequest, opts ...UnitOption) (*SettleResult, error) {
	buyer, err := player(req.BuyerID)
	if err != nil {
		return nil, err
	}

	var (
		unit  *ledger.Unit
		trade *model.Trade
	)
	err = e.run(ctx, opts, func(u *ledger.Unit) error {
		unit = u
		l, err := e.openListing(ctx, u, model.System, req.Item, req.Price, req.Currency, nil)
		if err != nil {
			return err
		}
		trade, err = e.settle(ctx, u, l, buyer, req.ExternalRef, issuance)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("purchase settled",
		"trade", trade.ID, "account", trade.BuyerID, "item_kind", req.Item.Kind,
		"price", trade.Price.String(), "currency", trade.Currency, "external_ref", trade.ExternalRef)
	return e.settleResult(unit, trade.ID), nil
}
