// Package events carries economy notifications out of the engine after a
// unit of work commits: to WebSocket clients, to Kafka and to metrics.
// Delivery is best effort and never affects the committed state.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/model"
)

// Type names an economy event.
type Type string

const (
	ListingOpened      Type = "listing.opened"
	ListingClosed      Type = "listing.closed"
	TradeCompleted     Type = "trade.completed"
	RewardIssued       Type = "reward.issued"
	RewardDeduplicated Type = "reward.deduplicated"
)

// Event is one committed economy change.
//
// AccountID is the account the event is about: the seller for listing
// events, the buyer for trades and the recipient for rewards.
type Event struct {
	Type           Type            `json:"type"`
	AccountID      string          `json:"account_id"`
	CounterpartyID string          `json:"counterparty_id,omitempty"`
	ListingID      string          `json:"listing_id,omitempty"`
	TradeID        string          `json:"trade_id,omitempty"`
	Status         string          `json:"status,omitempty"`
	ItemKind       model.ItemKind  `json:"item_kind,omitempty"`
	Resource       model.Resource  `json:"resource,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Cause          string          `json:"cause,omitempty"`
	At             time.Time       `json:"at"`
}

// Involves reports whether accountID is either party of the event.
func (e Event) Involves(accountID string) bool {
	return e.AccountID == accountID || e.CounterpartyID == accountID
}

// Notifier receives committed events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Discard drops every event.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier. A failing notifier does not
// stop delivery to the rest.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
