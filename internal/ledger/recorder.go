package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/model"
)

// Movement describes one value movement to record.
type Movement struct {
	TradeID    string
	Source     model.Account
	Dest       model.Account
	Amount     decimal.Decimal
	Resource   model.Resource // empty for artifact transfers
	Kind       model.EntryKind
	Cause      string
	ArtifactID string
}

// Append stages a PENDING ledger entry for m. Entries are confirmed, and
// become immutable, only when the unit commits.
func (u *Unit) Append(m Movement) (*model.LedgerEntry, error) {
	if err := u.open(); err != nil {
		return nil, err
	}
	if m.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: entry amount %s is negative", model.ErrInvalidAmount, m.Amount)
	}
	if m.Resource != "" && !m.Resource.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownCurrency, m.Resource)
	}
	e := &model.LedgerEntry{
		ID:            uuid.NewString(),
		TradeID:       m.TradeID,
		SourceID:      m.Source.ID(),
		DestinationID: m.Dest.ID(),
		Amount:        m.Amount,
		Resource:      m.Resource,
		Kind:          m.Kind,
		Status:        model.EntryPending,
		Cause:         m.Cause,
		ArtifactID:    m.ArtifactID,
		CreatedAt:     u.now(),
	}
	u.entries = append(u.entries, e)
	cp := *e
	return &cp, nil
}

// FindConfirmedEntry answers idempotency lookups. Entries staged earlier in
// this unit count as confirmed: they will be, or the unit will not commit.
func (u *Unit) FindConfirmedEntry(ctx context.Context, q model.EntryQuery) (*model.LedgerEntry, error) {
	if err := u.open(); err != nil {
		return nil, err
	}
	for _, e := range u.entries {
		if q.Matches(e) {
			cp := *e
			return &cp, nil
		}
	}
	e, err := u.tx.FindConfirmedEntry(ctx, q)
	if err != nil {
		return nil, model.DBError("find confirmed entry", err)
	}
	return e, nil
}

// TradeEntries returns copies of the entries staged for tradeID.
func (u *Unit) TradeEntries(tradeID string) []model.LedgerEntry {
	var out []model.LedgerEntry
	for _, e := range u.entries {
		if e.TradeID == tradeID {
			out = append(out, *e)
		}
	}
	return out
}

// Trade returns a copy of a trade staged in this unit.
func (u *Unit) Trade(id string) (*model.Trade, bool) {
	t, ok := u.trades.get(id)
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// Listing returns a copy of a listing loaded or staged in this unit.
func (u *Unit) Listing(id string) (*model.Listing, bool) {
	l, ok := u.listings.get(id)
	if !ok {
		return nil, false
	}
	return cloneListing(l), true
}

// holding is one resource counter of one account.
type holding struct {
	account  string
	resource model.Resource
}

// reconcile checks, per trade, that the entries summed by account and
// resource equal the net balance deltas applied for that trade. The System
// side of a notional movement (reward, issuance) has no balance effect and
// is left out of the sum.
func reconcile(entries []*model.LedgerEntry, deltas map[string]map[holding]decimal.Decimal) error {
	sums := make(map[string]map[holding]decimal.Decimal)
	add := func(tradeID string, k holding, v decimal.Decimal) {
		m, ok := sums[tradeID]
		if !ok {
			m = make(map[holding]decimal.Decimal)
			sums[tradeID] = m
		}
		m[k] = m[k].Add(v)
	}
	for _, e := range entries {
		if e.Resource == "" {
			continue
		}
		add(e.TradeID, holding{e.DestinationID, e.Resource}, e.Amount)
		if e.Kind.Notional() && e.SourceID == model.SystemAccountID {
			continue
		}
		add(e.TradeID, holding{e.SourceID, e.Resource}, e.Amount.Neg())
	}

	tradeIDs := make(map[string]bool)
	for id := range sums {
		tradeIDs[id] = true
	}
	for id := range deltas {
		tradeIDs[id] = true
	}
	ids := make([]string, 0, len(tradeIDs))
	for id := range tradeIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var mismatches []string
	for _, id := range ids {
		for _, k := range holdings(sums[id], deltas[id]) {
			recorded, applied := sums[id][k], deltas[id][k]
			if !recorded.Equal(applied) {
				mismatches = append(mismatches, fmt.Sprintf("trade %s %s/%s: ledger %s, balance %s",
					id, k.account, k.resource, recorded, applied))
			}
		}
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("%w: %s", model.ErrReconciliation, strings.Join(mismatches, "; "))
	}
	return nil
}

func holdings(maps ...map[holding]decimal.Decimal) []holding {
	seen := make(map[holding]bool)
	var keys []holding
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].account != keys[j].account {
			return keys[i].account < keys[j].account
		}
		return keys[i].resource < keys[j].resource
	})
	return keys
}
