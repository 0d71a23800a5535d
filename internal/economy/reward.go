package economy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/events"
	"github.com/gamehub/economy-engine/internal/ledger"
	"github.com/gamehub/economy-engine/internal/model"
)

// RewardRequest grants amount of resource to an account for a cause.
type RewardRequest struct {
	AccountID string
	Resource  model.Resource
	Amount    decimal.Decimal
	Cause     model.RewardCause
}

// RewardResult reports a granted reward. When AlreadyProcessed is set
// nothing was mutated and Entry is the earlier grant.
type RewardResult struct {
	AlreadyProcessed bool               `json:"already_processed"`
	Trade            *model.Trade       `json:"trade,omitempty"`
	Entry            *model.LedgerEntry `json:"entry,omitempty"`
}

// RegisterReward grants a reward at most once per (account, cause). The
// grant is a zero-price System listing settled to the recipient, so it is
// audited exactly like a trade.
func (e *Engine) RegisterReward(ctx context.Context, req RewardRequest, opts ...UnitOption) (*RewardResult, error) {
	acct, err := player(req.AccountID)
	if err != nil {
		return nil, err
	}
	if err := req.Cause.Validate(); err != nil {
		return nil, err
	}

	var (
		unit *ledger.Unit
		res  *RewardResult
	)
	err = e.run(ctx, opts, func(u *ledger.Unit) error {
		unit = u
		var err error
		res, err = e.reward(ctx, u, acct, req.Resource, req.Amount, req.Cause)
		return err
	})
	if err != nil {
		return nil, err
	}
	res.confirm(unit)
	e.logReward(acct, req.Cause, res)
	return res, nil
}

// reward checks the idempotency guard and, if the cause is new, issues the
// reward inside u. The recipient row is locked before the guard runs so
// two concurrent grants for one cause serialize on it.
func (e *Engine) reward(ctx context.Context, u *ledger.Unit, acct model.Account, r model.Resource, amount decimal.Decimal, cause model.RewardCause) (*RewardResult, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownCurrency, r)
	}
	if !amount.IsPositive() || !model.FitsScale(amount, model.AmountScale) {
		return nil, fmt.Errorf("%w: reward amount %s must be positive with at most %d decimal places", model.ErrInvalidAmount, amount, model.AmountScale)
	}
	if err := u.LockAccounts(ctx, model.System, acct); err != nil {
		return nil, err
	}

	prior, err := u.FindConfirmedEntry(ctx, model.EntryQuery{
		Kind:          model.KindReward,
		DestinationID: acct.ID(),
		Cause:         cause.String(),
	})
	if err != nil {
		return nil, err
	}
	if prior != nil {
		e.notify(ctx, u, events.Event{
			Type:      events.RewardDeduplicated,
			AccountID: acct.ID(),
			TradeID:   prior.TradeID,
			Resource:  prior.Resource,
			Amount:    prior.Amount,
			Cause:     prior.Cause,
		})
		return &RewardResult{AlreadyProcessed: true, Entry: prior}, nil
	}

	l, err := e.openListing(ctx, u, model.System,
		model.Item{Kind: model.ItemResource, Resource: r, Amount: amount},
		decimal.Zero, r, nil)
	if err != nil {
		return nil, err
	}
	t, err := e.settle(ctx, u, l, acct, "", grant{kind: model.KindReward, cause: cause.String()})
	if err != nil {
		return nil, err
	}

	entries := u.TradeEntries(t.ID)
	if len(entries) != 1 {
		return nil, fmt.Errorf("%w: reward trade %s has %d entries", model.ErrReconciliation, t.ID, len(entries))
	}
	e.notify(ctx, u, events.Event{
		Type:           events.RewardIssued,
		AccountID:      acct.ID(),
		CounterpartyID: model.SystemAccountID,
		ListingID:      l.ID,
		TradeID:        t.ID,
		Resource:       r,
		Amount:         amount,
		Cause:          cause.String(),
	})
	return &RewardResult{Trade: t, Entry: &entries[0]}, nil
}

func (e *Engine) logReward(acct model.Account, cause model.RewardCause, res *RewardResult) {
	if res.AlreadyProcessed {
		e.logger.Info("reward already processed", "account", acct.ID(), "cause", cause.String(), "trade", res.Entry.TradeID)
		return
	}
	e.logger.Info("reward issued",
		"account", acct.ID(), "cause", cause.String(), "trade", res.Trade.ID,
		"resource", res.Entry.Resource, "amount", res.Entry.Amount.String())
}

// confirm refreshes the entry and trade of a reward from the committed
// unit so callers see CONFIRMED state.
func (res *RewardResult) confirm(u *ledger.Unit) {
	if res == nil || res.AlreadyProcessed || res.Trade == nil {
		return
	}
	if t, ok := u.Trade(res.Trade.ID); ok {
		res.Trade = t
	}
	if entries := u.TradeEntries(res.Trade.ID); len(entries) == 1 {
		res.Entry = &entries[0]
	}
}
