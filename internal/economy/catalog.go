package economy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/model"
)

// Offer is a shop entry System sells at a fixed price. Players buy offers
// by id; the price never comes from the buyer.
type Offer struct {
	ID       string          `json:"id"`
	Item     model.Item      `json:"item"`
	Price    decimal.Decimal `json:"price"`
	Currency model.Resource  `json:"currency"`
}

func (o Offer) validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: offer id is required", model.ErrInvalidAmount)
	}
	if !o.Currency.Valid() {
		return fmt.Errorf("offer %s: %w: %q", o.ID, model.ErrUnknownCurrency, o.Currency)
	}
	if o.Price.IsNegative() || !model.FitsScale(o.Price, model.AmountScale) {
		return fmt.Errorf("offer %s: %w: price %s", o.ID, model.ErrInvalidAmount, o.Price)
	}
	if err := validateItem(model.System, o.Item); err != nil {
		return fmt.Errorf("offer %s: %w", o.ID, err)
	}
	return nil
}

// Offers returns the shop catalog in configured order.
func (e *Engine) Offers() []Offer {
	out := make([]Offer, len(e.cfg.Offers))
	copy(out, e.cfg.Offers)
	return out
}

// Offer looks up a shop entry by id.
func (e *Engine) Offer(id string) (Offer, error) {
	o, ok := e.offers[id]
	if !ok {
		return Offer{}, fmt.Errorf("%w: %s", model.ErrOfferNotFound, id)
	}
	return o, nil
}

// BuyOffer sells the catalog entry offerID to buyerID at its catalog price.
func (e *Engine) BuyOffer(ctx context.Context, buyerID, offerID, externalRef string, opts ...UnitOption) (*SettleResult, error) {
	o, err := e.Offer(offerID)
	if err != nil {
		return nil, err
	}
	return e.Purchase(ctx, PurchaseRequest{
		BuyerID:     buyerID,
		Item:        o.Item,
		Price:       o.Price,
		Currency:    o.Currency,
		ExternalRef: externalRef,
	}, opts...)
}
