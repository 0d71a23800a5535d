// Package model defines the core domain types shared across the economy
// engine. All amounts use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Balance holds the five resource counters of one account plus the locked
// mirrors of the lockable resources. Every account has exactly one Balance.
type Balance struct {
	AccountID      string          `json:"account_id" db:"account_id"`
	Coins          decimal.Decimal `json:"coins" db:"coins"`
	Crystals       decimal.Decimal `json:"crystals" db:"crystals"`
	Essence        decimal.Decimal `json:"essence" db:"essence"`
	Stars          decimal.Decimal `json:"stars" db:"stars"`
	TON            decimal.Decimal `json:"ton" db:"ton"`
	LockedCoins    decimal.Decimal `json:"locked_coins" db:"locked_coins"`
	LockedCrystals decimal.Decimal `json:"locked_crystals" db:"locked_crystals"`
	LockedEssence  decimal.Decimal `json:"locked_essence" db:"locked_essence"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// NewBalance returns an all-zero balance for the account.
func NewBalance(acct Account, now time.Time) *Balance {
	return &Balance{AccountID: acct.ID(), UpdatedAt: now}
}

// Amount returns the available quantity of r.
func (b *Balance) Amount(r Resource) decimal.Decimal {
	switch r {
	case Coins:
		return b.Coins
	case Crystals:
		return b.Crystals
	case Essence:
		return b.Essence
	case Stars:
		return b.Stars
	case TON:
		return b.TON
	}
	panic(fmt.Sprintf("model: unmapped resource %q", r))
}

// SetAmount overwrites the available quantity of r.
func (b *Balance) SetAmount(r Resource, v decimal.Decimal) {
	switch r {
	case Coins:
		b.Coins = v
	case Crystals:
		b.Crystals = v
	case Essence:
		b.Essence = v
	case Stars:
		b.Stars = v
	case TON:
		b.TON = v
	default:
		panic(fmt.Sprintf("model: unmapped resource %q", r))
	}
}

// Locked returns the locked quantity of r. ok is false for resources
// without a locked mirror.
func (b *Balance) Locked(r Resource) (v decimal.Decimal, ok bool) {
	switch r {
	case Coins:
		return b.LockedCoins, true
	case Crystals:
		return b.LockedCrystals, true
	case Essence:
		return b.LockedEssence, true
	}
	return decimal.Zero, false
}

// SetLocked overwrites the locked quantity of a lockable resource.
func (b *Balance) SetLocked(r Resource, v decimal.Decimal) {
	switch r {
	case Coins:
		b.LockedCoins = v
	case Crystals:
		b.LockedCrystals = v
	case Essence:
		b.LockedEssence = v
	default:
		panic(fmt.Sprintf("model: resource %q has no locked counter", r))
	}
}

// Clone returns an independent copy.
func (b *Balance) Clone() *Balance {
	c := *b
	return &c
}

// ListingStatus is the lifecycle state of a Listing.
type ListingStatus string

const (
	ListingActive    ListingStatus = "ACTIVE"
	ListingCompleted ListingStatus = "COMPLETED"
	ListingExpired   ListingStatus = "EXPIRED"
	ListingCancelled ListingStatus = "CANCELLED"
)

// ItemKind classifies what a listing moves from seller to buyer.
type ItemKind string

const (
	ItemResource ItemKind = "resource"
	ItemArtifact ItemKind = "artifact"
	ItemPackage  ItemKind = "package"
)

// ResourceAmount is a quantity of one resource.
type ResourceAmount struct {
	Resource Resource        `json:"resource"`
	Amount   decimal.Decimal `json:"amount"`
}

// Item is the thing a listing offers. Exactly one of the kind-specific
// fields is meaningful: Resource/Amount, ArtifactID, or PackageID/Contents.
type Item struct {
	Kind       ItemKind         `json:"kind"`
	Resource   Resource         `json:"resource,omitempty"`
	Amount     decimal.Decimal  `json:"amount"`
	ArtifactID string           `json:"artifact_id,omitempty"`
	PackageID  string           `json:"package_id,omitempty"`
	Contents   []ResourceAmount `json:"contents,omitempty"`
}

// Listing is an offer to move an item from a seller (or System acting as
// issuer) to a buyer at a price in some currency. Listings are never
// deleted.
type Listing struct {
	ID        string          `json:"id" db:"id"`
	SellerID  string          `json:"seller_id" db:"seller_id"`
	BuyerID   string          `json:"buyer_id,omitempty" db:"buyer_id"`
	Item      Item            `json:"item" db:"item"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Currency  Resource        `json:"currency" db:"currency"`
	Status    ListingStatus   `json:"status" db:"status"`
	Locked    bool            `json:"locked" db:"locked"` // backing item held for this listing
	ExpiresAt *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Seller returns the selling account.
func (l *Listing) Seller() Account {
	a, _ := ParseAccount(l.SellerID)
	return a
}

// ExpiredAt reports whether the listing has an expiry at or before now.
func (l *Listing) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// ListingFilter narrows ListActiveListings. Zero fields match anything.
type ListingFilter struct {
	SellerID string   `json:"seller_id,omitempty"`
	Currency Resource `json:"currency,omitempty"`
	ItemKind ItemKind `json:"item_kind,omitempty"`
	Resource Resource `json:"resource,omitempty"`
	// ExpiredBefore selects listings whose expiry is before the instant.
	ExpiredBefore *time.Time `json:"-"`
	Limit         int        `json:"limit,omitempty"`
}

// Matches reports whether an ACTIVE listing passes the filter.
func (f ListingFilter) Matches(l *Listing) bool {
	if l.Status != ListingActive {
		return false
	}
	if f.SellerID != "" && l.SellerID != f.SellerID {
		return false
	}
	if f.Currency != "" && l.Currency != f.Currency {
		return false
	}
	if f.ItemKind != "" && l.Item.Kind != f.ItemKind {
		return false
	}
	if f.Resource != "" && l.Item.Resource != f.Resource {
		return false
	}
	if f.ExpiredBefore != nil && (l.ExpiresAt == nil || !l.ExpiresAt.Before(*f.ExpiredBefore)) {
		return false
	}
	return true
}

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeCompleted TradeStatus = "COMPLETED"
	TradeCancelled TradeStatus = "CANCELLED"
)

// Trade is one accepted match against exactly one Listing.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	ListingID    string          `json:"listing_id" db:"listing_id"`
	BuyerID      string          `json:"buyer_id" db:"buyer_id"`
	SellerID     string          `json:"seller_id" db:"seller_id"`
	Status       TradeStatus     `json:"status" db:"status"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Currency     Resource        `json:"currency" db:"currency"`
	Fee          decimal.Decimal `json:"fee" db:"fee"`
	SellerAmount decimal.Decimal `json:"seller_amount" db:"seller_amount"`
	ExternalRef  string          `json:"external_ref,omitempty" db:"external_ref"`
	Cause        string          `json:"cause,omitempty" db:"cause"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// EntryKind is the movement kind of a ledger entry.
type EntryKind string

const (
	KindBuyerToEscrow  EntryKind = "buyer_to_escrow"
	KindEscrowToSeller EntryKind = "escrow_to_seller"
	KindEscrowToFee    EntryKind = "escrow_to_fee"
	KindReward         EntryKind = "reward"
	KindIssuance       EntryKind = "issuance"
	KindItemTransfer   EntryKind = "item_transfer"
)

// Notional reports whether entries of this kind debit System's unlimited
// notional supply rather than a real balance.
func (k EntryKind) Notional() bool {
	return k == KindReward || k == KindIssuance
}

// EntryStatus is PENDING while staged and CONFIRMED once committed.
type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryConfirmed EntryStatus = "CONFIRMED"
)

// LedgerEntry is an immutable record of one value movement. Once
// CONFIRMED it is never modified or deleted.
type LedgerEntry struct {
	ID            string          `json:"id" db:"id"`
	TradeID       string          `json:"trade_id" db:"trade_id"`
	SourceID      string          `json:"source_id" db:"source_id"`
	DestinationID string          `json:"destination_id" db:"destination_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Resource      Resource        `json:"resource,omitempty" db:"resource"` // empty for item transfers
	Kind          EntryKind       `json:"kind" db:"kind"`
	Status        EntryStatus     `json:"status" db:"status"`
	Cause         string          `json:"cause,omitempty" db:"cause"`
	ArtifactID    string          `json:"artifact_id,omitempty" db:"artifact_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// EntryQuery selects a CONFIRMED entry for idempotency checks.
type EntryQuery struct {
	Kind          EntryKind
	DestinationID string
	Cause         string
}

// Matches reports whether e satisfies q.
func (q EntryQuery) Matches(e *LedgerEntry) bool {
	return e.Kind == q.Kind && e.DestinationID == q.DestinationID && e.Cause == q.Cause
}

// CauseKind names the reward classes that are granted at most once per
// (account, cause).
type CauseKind string

const (
	CauseReferral CauseKind = "referral"
	CauseDaily    CauseKind = "daily"
	CauseTask     CauseKind = "task"
	CauseUpgrade  CauseKind = "upgrade"
	CauseEvent    CauseKind = "event"
)

// RewardCause identifies why a reward is granted, e.g. daily:2026-10-14 or
// task:invite-3-friends.
type RewardCause struct {
	Kind CauseKind `json:"kind"`
	Key  string    `json:"key"`
}

func (c RewardCause) String() string { return string(c.Kind) + ":" + c.Key }

// Validate checks the cause has a known kind and a key.
func (c RewardCause) Validate() error {
	switch c.Kind {
	case CauseReferral, CauseDaily, CauseTask, CauseUpgrade, CauseEvent:
	default:
		return fmt.Errorf("%w: unknown reward cause %q", ErrInvalidAmount, c.Kind)
	}
	if strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("%w: reward cause key is required", ErrInvalidAmount)
	}
	return nil
}

// CommissionRate is the fractional fee charged on trades in a currency.
type CommissionRate struct {
	Currency  Resource        `json:"currency" db:"currency"`
	Rate      decimal.Decimal `json:"rate" db:"rate"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// ReferralEdge records who referred a player. Set at most once.
type ReferralEdge struct {
	PlayerID   string    `json:"player_id" db:"player_id"`
	ReferrerID string    `json:"referrer_id" db:"referrer_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Artifact is a tradeable item instance owned by a player.
type Artifact struct {
	ID         string    `json:"id" db:"id"`
	OwnerID    string    `json:"owner_id" db:"owner_id"`
	TemplateID string    `json:"template_id" db:"template_id"`
	Tradable   bool      `json:"tradable" db:"tradable"`
	ListingID  string    `json:"listing_id,omitempty" db:"listing_id"` // non-empty while held by a listing
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Locked reports whether the artifact is held by an active listing.
func (a *Artifact) Locked() bool { return a.ListingID != "" }

// DailyBonusState tracks an account's daily bonus claims.
type DailyBonusState struct {
	AccountID   string    `json:"account_id" db:"account_id"`
	LastClaimAt time.Time `json:"last_claim_at" db:"last_claim_at"`
	Streak      int       `json:"streak" db:"streak"` // zero-based consecutive-day index
}
