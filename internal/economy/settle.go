package economy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/commission"
	"github.com/gamehub/economy-engine/internal/events"
	"github.com/gamehub/economy-engine/internal/ledger"
	"github.com/gamehub/economy-engine/internal/model"
)

// SettleRequest accepts an ACTIVE listing on behalf of a buyer.
// ExternalRef records an off-engine settlement id such as a TON
// transaction hash.
type SettleRequest struct {
	ListingID   string
	BuyerID     string
	ExternalRef string
}

// SettleResult is the outcome of a settled listing.
type SettleResult struct {
	Trade   model.Trade         `json:"trade"`
	Listing model.Listing       `json:"listing"`
	Entries []model.LedgerEntry `json:"entries"`
}

// grant says how a System-issued item reaches the buyer: as a reward with
// a cause, or as an issuance against payment.
type grant struct {
	kind  model.EntryKind
	cause string
}

var issuance = grant{kind: model.KindIssuance}

// SettleListing moves the listing's item to the buyer against its price.
// The payment passes through System escrow: the seller receives the price
// minus commission and the fee stays parked on System.
func (e *Engine) SettleListing(ctx context.Context, req SettleRequest, opts ...UnitOption) (*SettleResult, error) {
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
		l, err := u.LockListing(ctx, req.ListingID)
		if err != nil {
			return err
		}
		trade, err = e.settle(ctx, u, l, buyer, req.ExternalRef, issuance)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("listing settled",
		"listing", req.ListingID, "trade", trade.ID, "account", trade.BuyerID,
		"price", trade.Price.String(), "fee", trade.Fee.String(), "currency", trade.Currency)
	return e.settleResult(unit, trade.ID), nil
}

func (e *Engine) settleResult(u *ledger.Unit, tradeID string) *SettleResult {
	t, _ := u.Trade(tradeID)
	res := &SettleResult{Trade: *t, Entries: u.TradeEntries(tradeID)}
	if l, ok := u.Listing(t.ListingID); ok {
		res.Listing = *l
	}
	return res
}

// settle runs the escrow state machine on a listing already locked in u.
func (e *Engine) settle(ctx context.Context, u *ledger.Unit, l *model.Listing, buyer model.Account, externalRef string, g grant) (*model.Trade, error) {
	if l.Status != model.ListingActive || l.ExpiredAt(u.Now()) {
		return nil, fmt.Errorf("%w: listing %s is %s", model.ErrListingNotActive, l.ID, l.Status)
	}
	seller := l.Seller()
	if seller.ID() == buyer.ID() {
		return nil, fmt.Errorf("%w: listing %s", model.ErrSelfTrade, l.ID)
	}
	if err := u.LockAccounts(ctx, model.System, buyer, seller); err != nil {
		return nil, err
	}

	t := &model.Trade{
		ListingID:   l.ID,
		BuyerID:     buyer.ID(),
		SellerID:    seller.ID(),
		Status:      model.TradePending,
		Price:       l.Price,
		Currency:    l.Currency,
		ExternalRef: externalRef,
		Cause:       g.cause,
	}
	if err := u.InsertTrade(t); err != nil {
		return nil, err
	}

	sellerAmount, fee := decimal.Zero, decimal.Zero
	if l.Price.IsPositive() {
		rate, err := e.rates.Rate(ctx, l.Currency)
		if err != nil {
			return nil, model.DBError("commission rate "+string(l.Currency), err)
		}
		if sellerAmount, fee, err = commission.Split(l.Price, rate); err != nil {
			return nil, err
		}

		if err := u.Debit(ctx, t.ID, buyer, l.Currency, l.Price); err != nil {
			return nil, err
		}
		if err := u.Credit(ctx, t.ID, model.System, l.Currency, l.Price); err != nil {
			return nil, err
		}
		if _, err := u.Append(ledger.Movement{
			TradeID: t.ID, Source: buyer, Dest: model.System,
			Amount: l.Price, Resource: l.Currency, Kind: model.KindBuyerToEscrow,
		}); err != nil {
			return nil, err
		}
	}

	if err := e.deliver(ctx, u, t.ID, l, seller, buyer, g); err != nil {
		return nil, err
	}

	if sellerAmount.IsPositive() {
		if err := u.Debit(ctx, t.ID, model.System, l.Currency, sellerAmount); err != nil {
			return nil, err
		}
		if err := u.Credit(ctx, t.ID, seller, l.Currency, sellerAmount); err != nil {
			return nil, err
		}
		if _, err := u.Append(ledger.Movement{
			TradeID: t.ID, Source: model.System, Dest: seller,
			Amount: sellerAmount, Resource: l.Currency, Kind: model.KindEscrowToSeller,
		}); err != nil {
			return nil, err
		}
	}
	if fee.IsPositive() {
		if _, err := u.Append(ledger.Movement{
			TradeID: t.ID, Source: model.System, Dest: model.System,
			Amount: fee, Resource: l.Currency, Kind: model.KindEscrowToFee,
		}); err != nil {
			return nil, err
		}
	}

	now := u.Now()
	t.Status = model.TradeCompleted
	t.Fee = fee
	t.SellerAmount = sellerAmount
	t.CompletedAt = &now
	if err := u.UpdateTrade(t); err != nil {
		return nil, err
	}
	l.Status = model.ListingCompleted
	l.BuyerID = buyer.ID()
	l.Locked = false
	if err := u.UpdateListing(l); err != nil {
		return nil, err
	}

	if g.kind != model.KindReward {
		e.notify(ctx, u, events.Event{
			Type:           events.TradeCompleted,
			AccountID:      t.BuyerID,
			CounterpartyID: t.SellerID,
			ListingID:      l.ID,
			TradeID:        t.ID,
			Status:         string(t.Status),
			ItemKind:       l.Item.Kind,
			Resource:       t.Currency,
			Amount:         t.Price,
			Fee:            t.Fee,
		})
	}
	e.logger.Debug("trade settled",
		"trade", t.ID, "listing", l.ID, "account", t.BuyerID, "seller", t.SellerID,
		"price", t.Price.String(), "fee", fee.String(), "currency", t.Currency)
	return t, nil
}

// deliver moves the listing's item from seller to buyer.
func (e *Engine) deliver(ctx context.Context, u *ledger.Unit, tradeID string, l *model.Listing, seller, buyer model.Account, g grant) error {
	switch l.Item.Kind {
	case model.ItemArtifact:
		a, err := u.LockArtifact(ctx, l.Item.ArtifactID)
		if err != nil {
			return err
		}
		if a.OwnerID != seller.ID() || a.ListingID != l.ID {
			return fmt.Errorf("%w: artifact %s is not held by listing %s", model.ErrItemNotTradable, a.ID, l.ID)
		}
		a.OwnerID = buyer.ID()
		a.ListingID = ""
		if err := u.UpdateArtifact(a); err != nil {
			return err
		}
		_, err = u.Append(ledger.Movement{
			TradeID: tradeID, Source: seller, Dest: buyer,
			Amount: decimal.NewFromInt(1), Kind: model.KindItemTransfer, ArtifactID: a.ID,
		})
		return err

	case model.ItemResource:
		return e.deliverResource(ctx, u, tradeID, seller, buyer, l.Item.Resource, l.Item.Amount, g)

	case model.ItemPackage:
		for _, c := range l.Item.Contents {
			if err := e.deliverResource(ctx, u, tradeID, seller, buyer, c.Resource, c.Amount, g); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unknown item kind %q", model.ErrItemNotTradable, l.Item.Kind)
}

func (e *Engine) deliverResource(ctx context.Context, u *ledger.Unit, tradeID string, seller, buyer model.Account, r model.Resource, amount decimal.Decimal, g grant) error {
	m := ledger.Movement{TradeID: tradeID, Source: seller, Dest: buyer, Amount: amount, Resource: r}
	if seller.IsSystem() {
		m.Kind, m.Cause = g.kind, g.cause
	} else {
		m.Kind = model.KindItemTransfer
		if err := u.SpendLocked(ctx, tradeID, seller, r, amount); err != nil {
			return err
		}
	}
	if err := u.Credit(ctx, tradeID, buyer, r, amount); err != nil {
		return err
	}
	_, err := u.Append(m)
	return err
}
