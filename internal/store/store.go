// Package store defines the persistence interface for the economy engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/model"
)

// Store is the persistence interface. Reads outside a transaction see
// committed state only; every mutation goes through a Tx.
type Store interface {
	// Begin opens an atomic unit of work. Cross-row references are checked
	// when the transaction commits, not per statement.
	Begin(ctx context.Context) (Tx, error)

	// --- Committed reads ---

	GetBalance(ctx context.Context, accountID string) (*model.Balance, error)
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	ListActiveListings(ctx context.Context, filter model.ListingFilter) ([]model.Listing, error)
	GetTrade(ctx context.Context, id string) (*model.Trade, error)
	ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error)
	ListEntriesByTrade(ctx context.Context, tradeID string) ([]model.LedgerEntry, error)
	ListEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error)
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)

	// --- Commission rates ---

	// GetCommissionRate returns the persisted rate; found is false when
	// none is stored for the currency.
	GetCommissionRate(ctx context.Context, currency model.Resource) (rate decimal.Decimal, found bool, err error)
	SetCommissionRate(ctx context.Context, rate *model.CommissionRate) error
}

// Tx is one open unit of work. Lock* methods take a row lock held until
// Commit or Rollback; rows that do not exist yield the matching not-found
// error (or nil for optional rows). Writes become visible to other
// transactions only after Commit.
type Tx interface {
	LockBalance(ctx context.Context, accountID string) (*model.Balance, error)
	InsertBalance(ctx context.Context, b *model.Balance) error
	UpdateBalance(ctx context.Context, b *model.Balance) error

	LockListing(ctx context.Context, id string) (*model.Listing, error)
	InsertListing(ctx context.Context, l *model.Listing) error
	UpdateListing(ctx context.Context, l *model.Listing) error

	LockArtifact(ctx context.Context, id string) (*model.Artifact, error)
	InsertArtifact(ctx context.Context, a *model.Artifact) error
	UpdateArtifact(ctx context.Context, a *model.Artifact) error

	InsertTrade(ctx context.Context, t *model.Trade) error
	UpdateTrade(ctx context.Context, t *model.Trade) error

	InsertEntries(ctx context.Context, entries []model.LedgerEntry) error
	// FindConfirmedEntry returns nil when no CONFIRMED entry matches.
	FindConfirmedEntry(ctx context.Context, q model.EntryQuery) (*model.LedgerEntry, error)

	// GetReferral returns nil when the player has no referrer yet.
	GetReferral(ctx context.Context, playerID string) (*model.ReferralEdge, error)
	InsertReferral(ctx context.Context, edge *model.ReferralEdge) error

	// LockDailyBonus returns nil when the account never claimed.
	LockDailyBonus(ctx context.Context, accountID string) (*model.DailyBonusState, error)
	UpsertDailyBonus(ctx context.Context, st *model.DailyBonusState) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
