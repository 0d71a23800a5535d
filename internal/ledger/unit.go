// Package ledger implements the unit of work every economy operation runs
// in, and the payment recorder that appends ledger entries to it.
//
// A Unit is a two-phase write buffer over one store transaction. Rows are
// locked and loaded through the unit, mutated as working copies, and staged.
// Nothing is written until Commit, which first validates every cross
// reference and reconciles each trade's entries against the balance deltas
// applied for it, then flushes in dependency order and commits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/balance"
	"github.com/gamehub/economy-engine/internal/model"
	"github.com/gamehub/economy-engine/internal/store"
)

// ErrDanglingReference is returned at commit when a staged row references
// one the unit never loaded or staged.
var ErrDanglingReference = errors.New("ledger: dangling reference")

// ErrNotLoaded is returned when a row is updated without being loaded
// through the unit first.
var ErrNotLoaded = errors.New("ledger: row not loaded in this unit")

// Unit is one atomic unit of work. It is not safe for concurrent use.
type Unit struct {
	tx     store.Tx
	now    func() time.Time
	logger *slog.Logger
	closed bool

	balances  *table[*model.Balance]
	listings  *table[*model.Listing]
	artifacts *table[*model.Artifact]
	trades    *table[*model.Trade]
	daily     *table[*model.DailyBonusState]
	referrals []*model.ReferralEdge
	entries   []*model.LedgerEntry

	// deltas[tradeID] is the net change in total holdings (available plus
	// locked) applied per account and resource on behalf of that trade.
	deltas map[string]map[holding]decimal.Decimal

	hooks []func()
}

// Option configures a Unit.
type Option func(*Unit)

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(u *Unit) { u.now = now }
}

// WithLogger sets the logger used for after-commit hook failures.
func WithLogger(l *slog.Logger) Option {
	return func(u *Unit) { u.logger = l }
}

// Begin opens a store transaction and wraps it in a Unit.
func Begin(ctx context.Context, st store.Store, opts ...Option) (*Unit, error) {
	tx, err := st.Begin(ctx)
	if err != nil {
		return nil, model.DBError("begin unit", err)
	}
	u := &Unit{
		tx:        tx,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
		balances:  newTable[*model.Balance](),
		listings:  newTable[*model.Listing](),
		artifacts: newTable[*model.Artifact](),
		trades:    newTable[*model.Trade](),
		daily:     newTable[*model.DailyBonusState](),
		deltas:    make(map[string]map[holding]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Now returns the unit's clock reading.
func (u *Unit) Now() time.Time { return u.now() }

// Closed reports whether the unit was committed or rolled back.
func (u *Unit) Closed() bool { return u.closed }

func (u *Unit) open() error {
	if u.closed {
		return model.ErrUnitClosed
	}
	return nil
}

// --- Balances ---

// LockAccounts locks the balance rows of accts in ascending id order. The
// System balance is created inside the unit if it does not exist yet; a
// missing player balance is ErrAccountNotFound.
//
// Callers lock every account an operation touches in one call, after the
// listing row and before any artifact, so concurrent units never wait on
// each other in a cycle.
func (u *Unit) LockAccounts(ctx context.Context, accts ...model.Account) error {
	if err := u.open(); err != nil {
		return err
	}
	byID := make(map[string]model.Account, len(accts))
	for _, a := range accts {
		if a.IsZero() {
			return model.ErrAccountNotFound
		}
		byID[a.ID()] = a
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, ok := u.balances.get(id); ok {
			continue
		}
		b, err := u.tx.LockBalance(ctx, id)
		switch {
		case err == nil:
			u.balances.load(id, b)
		case errors.Is(err, model.ErrAccountNotFound) && byID[id].IsSystem():
			u.balances.stage(id, model.NewBalance(model.System, u.now()), true)
		case errors.Is(err, model.ErrAccountNotFound):
			return fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
		default:
			return model.DBError("lock balance "+id, err)
		}
	}
	return nil
}

// CreateAccount stages a zero balance for a player unless one exists.
// created is false when the account was already open.
func (u *Unit) CreateAccount(ctx context.Context, acct model.Account) (created bool, err error) {
	if err := u.open(); err != nil {
		return false, err
	}
	if _, ok := u.balances.get(acct.ID()); ok {
		return false, nil
	}
	b, err := u.tx.LockBalance(ctx, acct.ID())
	switch {
	case err == nil:
		u.balances.load(acct.ID(), b)
		return false, nil
	case errors.Is(err, model.ErrAccountNotFound):
		u.balances.stage(acct.ID(), model.NewBalance(acct, u.now()), true)
		return true, nil
	default:
		return false, model.DBError("lock balance "+acct.ID(), err)
	}
}

// Balance returns a copy of a locked account's working balance.
func (u *Unit) Balance(ctx context.Context, acct model.Account) (*model.Balance, error) {
	b, err := u.working(ctx, acct)
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

func (u *Unit) working(ctx context.Context, acct model.Account) (*model.Balance, error) {
	if err := u.open(); err != nil {
		return nil, err
	}
	if b, ok := u.balances.get(acct.ID()); ok {
		return b, nil
	}
	if err := u.LockAccounts(ctx, acct); err != nil {
		return nil, err
	}
	b, _ := u.balances.get(acct.ID())
	return b, nil
}

// mutate applies op to a copy of the working balance and keeps the result
// only if op succeeds, so a rejected operation leaves the unit unchanged.
func (u *Unit) mutate(ctx context.Context, acct model.Account, op func(*model.Balance) error) error {
	b, err := u.working(ctx, acct)
	if err != nil {
		return err
	}
	next := b.Clone()
	if err := op(next); err != nil {
		return err
	}
	next.UpdatedAt = u.now()
	u.balances.stage(acct.ID(), next, false)
	return nil
}

// Credit adds amount of r to acct on behalf of tradeID.
func (u *Unit) Credit(ctx context.Context, tradeID string, acct model.Account, r model.Resource, amount decimal.Decimal) error {
	if err := u.requireTrade(tradeID); err != nil {
		return err
	}
	if err := u.mutate(ctx, acct, func(b *model.Balance) error { return balance.Credit(b, r, amount) }); err != nil {
		return err
	}
	u.addDelta(tradeID, acct, r, amount)
	return nil
}

// Debit removes amount of r from acct on behalf of tradeID.
func (u *Unit) Debit(ctx context.Context, tradeID string, acct model.Account, r model.Resource, amount decimal.Decimal) error {
	if err := u.requireTrade(tradeID); err != nil {
		return err
	}
	if err := u.mutate(ctx, acct, func(b *model.Balance) error { return balance.Debit(b, r, amount) }); err != nil {
		return err
	}
	u.addDelta(tradeID, acct, r, amount.Neg())
	return nil
}

// SpendLocked consumes a reservation made by Lock when the reserved
// quantity leaves acct on behalf of tradeID.
func (u *Unit) SpendLocked(ctx context.Context, tradeID string, acct model.Account, r model.Resource, amount decimal.Decimal) error {
	if err := u.requireTrade(tradeID); err != nil {
		return err
	}
	if err := u.mutate(ctx, acct, func(b *model.Balance) error { return balance.SpendLocked(b, r, amount) }); err != nil {
		return err
	}
	u.addDelta(tradeID, acct, r, amount.Neg())
	return nil
}

// Lock reserves amount of r on acct. Holdings do not change, so no trade
// or ledger entry is involved.
func (u *Unit) Lock(ctx context.Context, acct model.Account, r model.Resource, amount decimal.Decimal) error {
	return u.mutate(ctx, acct, func(b *model.Balance) error { return balance.Lock(b, r, amount) })
}

// Unlock releases a reservation made by Lock.
func (u *Unit) Unlock(ctx context.Context, acct model.Account, r model.Resource, amount decimal.Decimal) error {
	return u.mutate(ctx, acct, func(b *model.Balance) error { return balance.Unlock(b, r, amount) })
}

func (u *Unit) requireTrade(tradeID string) error {
	if err := u.open(); err != nil {
		return err
	}
	if _, ok := u.trades.get(tradeID); !ok {
		return fmt.Errorf("%w: trade %q", ErrNotLoaded, tradeID)
	}
	return nil
}

func (u *Unit) addDelta(tradeID string, acct model.Account, r model.Resource, amount decimal.Decimal) {
	m, ok := u.deltas[tradeID]
	if !ok {
		m = make(map[holding]decimal.Decimal)
		u.deltas[tradeID] = m
	}
	k := holding{account: acct.ID(), resource: r}
	m[k] = m[k].Add(amount)
}

// --- Listings, artifacts, trades ---

// LockListing locks and returns a copy of the listing.
func (u *Unit) LockListing(ctx context.Context, id string) (*model.Listing, error) {
	if err := u.open(); err != nil {
		return nil, err
	}
	if l, ok := u.listings.get(id); ok {
		return cloneListing(l), nil
	}
	l, err := u.tx.LockListing(ctx, id)
	if err != nil {
		return nil, model.DBError("lock listing "+id, err)
	}
	u.listings.load(id, l)
	return cloneListing(l), nil
}

// InsertListing stages a new listing.
func (u *Unit) InsertListing(l *model.Listing) error {
	if err := u.open(); err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	u.listings.stage(l.ID, cloneListing(l), true)
	return nil
}

// UpdateListing stages a change to a listing loaded or inserted earlier.
func (u *Unit) UpdateListing(l *model.Listing) error {
	if err := u.open(); err != nil {
		return err
	}
	if _, ok := u.listings.get(l.ID); !ok {
		return fmt.Errorf("%w: listing %s", ErrNotLoaded, l.ID)
	}
	l.UpdatedAt = u.now()
	u.listings.stage(l.ID, cloneListing(l), false)
	return nil
}

// LockArtifact locks and returns a copy of the artifact.
func (u *Unit) LockArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	if err := u.open(); err != nil {
		return nil, err
	}
	if a, ok := u.artifacts.get(id); ok {
		cp := *a
		return &cp, nil
	}
	a, err := u.tx.LockArtifact(ctx, id)
	if err != nil {
		return nil, model.DBError("lock artifact "+id, err)
	}
	u.artifacts.load(id, a)
	cp := *a
	return &cp, nil
}

// UpdateArtifact stages a change to an artifact loaded earlier.
func (u *Unit) UpdateArtifact(a *model.Artifact) error {
	if err := u.open(); err != nil {
		return err
	}
	if _, ok := u.artifacts.get(a.ID); !ok {
		return fmt.Errorf("%w: artifact %s", ErrNotLoaded, a.ID)
	}
	a.UpdatedAt = u.now()
	cp := *a
	u.artifacts.stage(a.ID, &cp, false)
	return nil
}

// InsertArtifact stages a new artifact, e.g. one crafted by the game.
func (u *Unit) InsertArtifact(a *model.Artifact) error {
	if err := u.open(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.UpdatedAt = u.now()
	cp := *a
	u.artifacts.stage(a.ID, &cp, true)
	return nil
}

// InsertTrade stages a new trade.
func (u *Unit) InsertTrade(t *model.Trade) error {
	if err := u.open(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = u.now()
	}
	cp := *t
	u.trades.stage(t.ID, &cp, true)
	return nil
}

// UpdateTrade stages a change to a trade inserted earlier in the unit.
func (u *Unit) UpdateTrade(t *model.Trade) error {
	if err := u.open(); err != nil {
		return err
	}
	if _, ok := u.trades.get(t.ID); !ok {
		return fmt.Errorf("%w: trade %s", ErrNotLoaded, t.ID)
	}
	cp := *t
	u.trades.stage(t.ID, &cp, false)
	return nil
}

// --- Referral edges and daily bonus state ---

// Referral returns the player's referral edge, or nil if none is set.
func (u *Unit) Referral(ctx context.Context, playerID string) (*model.ReferralEdge, error) {
	if err := u.open(); err != nil {
		return nil, err
	}
	for _, e := range u.referrals {
		if e.PlayerID == playerID {
			cp := *e
			return &cp, nil
		}
	}
	e, err := u.tx.GetReferral(ctx, playerID)
	if err != nil {
		return nil, model.DBError("get referral "+playerID, err)
	}
	return e, nil
}

// InsertReferral stages a new referral edge.
func (u *Unit) InsertReferral(e *model.ReferralEdge) error {
	if err := u.open(); err != nil {
		return err
	}
	cp := *e
	u.referrals = append(u.referrals, &cp)
	return nil
}

// DailyBonus locks and returns the account's daily bonus state, or nil if
// it never claimed.
func (u *Unit) DailyBonus(ctx context.Context, accountID string) (*model.DailyBonusState, error) {
	if err := u.open(); err != nil {
		return nil, err
	}
	if st, ok := u.daily.get(accountID); ok {
		cp := *st
		return &cp, nil
	}
	st, err := u.tx.LockDailyBonus(ctx, accountID)
	if err != nil {
		return nil, model.DBError("lock daily bonus "+accountID, err)
	}
	if st != nil {
		u.daily.load(accountID, st)
		cp := *st
		return &cp, nil
	}
	return nil, nil
}

// PutDailyBonus stages the account's new daily bonus state.
func (u *Unit) PutDailyBonus(st *model.DailyBonusState) error {
	if err := u.open(); err != nil {
		return err
	}
	cp := *st
	u.daily.stage(st.AccountID, &cp, false)
	return nil
}

// --- Hooks ---

// AfterCommit registers fn to run once the unit commits. Hooks never run
// for a rolled-back unit; a panicking hook is logged and swallowed.
func (u *Unit) AfterCommit(fn func()) {
	u.hooks = append(u.hooks, fn)
}

func (u *Unit) runHooks() {
	for _, fn := range u.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					u.logger.Error("after-commit hook panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
	u.hooks = nil
}

// --- Commit / Rollback ---

// Commit validates, reconciles, confirms and flushes every staged write,
// then commits the transaction. On any failure the transaction is rolled
// back and the unit is closed.
func (u *Unit) Commit(ctx context.Context) error {
	if err := u.open(); err != nil {
		return err
	}
	if err := u.commit(ctx); err != nil {
		_ = u.tx.Rollback(ctx)
		u.closed = true
		return err
	}
	u.closed = true
	u.runHooks()
	return nil
}

func (u *Unit) commit(ctx context.Context) error {
	if err := u.validate(); err != nil {
		return err
	}
	if err := reconcile(u.entries, u.deltas); err != nil {
		return err
	}
	for _, e := range u.entries {
		e.Status = model.EntryConfirmed
	}
	if err := u.flush(ctx); err != nil {
		return err
	}
	return model.DBError("commit", u.tx.Commit(ctx))
}

// Rollback discards every staged write. Rolling back a closed unit is a
// no-op so it can be deferred unconditionally.
func (u *Unit) Rollback(ctx context.Context) error {
	if u.closed {
		return nil
	}
	u.closed = true
	u.hooks = nil
	return model.DBError("rollback", u.tx.Rollback(ctx))
}

func (u *Unit) validate() error {
	hasBalance := func(id string) bool {
		_, ok := u.balances.get(id)
		return ok
	}

	for _, id := range u.listings.order {
		if u.listings.state[id] != rowInserted {
			continue
		}
		if l := u.listings.rows[id]; !hasBalance(l.SellerID) {
			return fmt.Errorf("%w: listing %s seller %s", ErrDanglingReference, l.ID, l.SellerID)
		}
	}
	for _, id := range u.artifacts.order {
		if u.artifacts.state[id] == rowClean {
			continue
		}
		if a := u.artifacts.rows[id]; !hasBalance(a.OwnerID) {
			return fmt.Errorf("%w: artifact %s owner %s", ErrDanglingReference, a.ID, a.OwnerID)
		}
	}
	for _, id := range u.trades.order {
		t := u.trades.rows[id]
		if _, ok := u.listings.get(t.ListingID); !ok {
			return fmt.Errorf("%w: trade %s listing %s", ErrDanglingReference, t.ID, t.ListingID)
		}
		if !hasBalance(t.BuyerID) || !hasBalance(t.SellerID) {
			return fmt.Errorf("%w: trade %s accounts %s/%s", ErrDanglingReference, t.ID, t.BuyerID, t.SellerID)
		}
	}
	for _, e := range u.entries {
		if _, ok := u.trades.get(e.TradeID); !ok {
			return fmt.Errorf("%w: entry %s trade %s", ErrDanglingReference, e.ID, e.TradeID)
		}
		if !hasBalance(e.SourceID) || !hasBalance(e.DestinationID) {
			return fmt.Errorf("%w: entry %s accounts %s/%s", ErrDanglingReference, e.ID, e.SourceID, e.DestinationID)
		}
	}
	for _, e := range u.referrals {
		if !hasBalance(e.PlayerID) || !hasBalance(e.ReferrerID) {
			return fmt.Errorf("%w: referral %s", ErrDanglingReference, e.PlayerID)
		}
	}
	for _, id := range u.daily.order {
		if u.daily.state[id] != rowClean && !hasBalance(id) {
			return fmt.Errorf("%w: daily bonus %s", ErrDanglingReference, id)
		}
	}
	return nil
}

// flush writes staged rows parents first.
func (u *Unit) flush(ctx context.Context) error {
	for _, id := range u.balances.order {
		var err error
		switch u.balances.state[id] {
		case rowInserted:
			err = u.tx.InsertBalance(ctx, u.balances.rows[id])
		case rowUpdated:
			err = u.tx.UpdateBalance(ctx, u.balances.rows[id])
		}
		if err != nil {
			return model.DBError("flush balance "+id, err)
		}
	}
	for _, id := range u.listings.order {
		var err error
		switch u.listings.state[id] {
		case rowInserted:
			err = u.tx.InsertListing(ctx, u.listings.rows[id])
		case rowUpdated:
			err = u.tx.UpdateListing(ctx, u.listings.rows[id])
		}
		if err != nil {
			return model.DBError("flush listing "+id, err)
		}
	}
	for _, id := range u.artifacts.order {
		var err error
		switch u.artifacts.state[id] {
		case rowInserted:
			err = u.tx.InsertArtifact(ctx, u.artifacts.rows[id])
		case rowUpdated:
			err = u.tx.UpdateArtifact(ctx, u.artifacts.rows[id])
		}
		if err != nil {
			return model.DBError("flush artifact "+id, err)
		}
	}
	for _, id := range u.trades.order {
		var err error
		switch u.trades.state[id] {
		case rowInserted:
			err = u.tx.InsertTrade(ctx, u.trades.rows[id])
		case rowUpdated:
			err = u.tx.UpdateTrade(ctx, u.trades.rows[id])
		}
		if err != nil {
			return model.DBError("flush trade "+id, err)
		}
	}
	if len(u.entries) > 0 {
		entries := make([]model.LedgerEntry, len(u.entries))
		for i, e := range u.entries {
			entries[i] = *e
		}
		if err := u.tx.InsertEntries(ctx, entries); err != nil {
			return model.DBError("flush ledger entries", err)
		}
	}
	for _, e := range u.referrals {
		if err := u.tx.InsertReferral(ctx, e); err != nil {
			return model.DBError("flush referral "+e.PlayerID, err)
		}
	}
	for _, id := range u.daily.order {
		if u.daily.state[id] == rowClean {
			continue
		}
		if err := u.tx.UpsertDailyBonus(ctx, u.daily.rows[id]); err != nil {
			return model.DBError("flush daily bonus "+id, err)
		}
	}
	return nil
}

// --- Staging table ---

type rowState uint8

const (
	rowClean rowState = iota
	rowInserted
	rowUpdated
)

// table holds the rows of one kind the unit has loaded or staged.
type table[T any] struct {
	rows  map[string]T
	state map[string]rowState
	order []string
}

func newTable[T any]() *table[T] {
	return &table[T]{rows: make(map[string]T), state: make(map[string]rowState)}
}

func (t *table[T]) load(id string, v T) {
	if _, ok := t.rows[id]; !ok {
		t.order = append(t.order, id)
	}
	t.rows[id] = v
	t.state[id] = rowClean
}

func (t *table[T]) stage(id string, v T, insert bool) {
	prev, seen := t.state[id]
	if _, ok := t.rows[id]; !ok {
		t.order = append(t.order, id)
	}
	t.rows[id] = v
	switch {
	case insert || (seen && prev == rowInserted):
		t.state[id] = rowInserted
	default:
		t.state[id] = rowUpdated
	}
}

func (t *table[T]) get(id string) (T, bool) {
	v, ok := t.rows[id]
	return v, ok
}

func cloneListing(l *model.Listing) *model.Listing {
	cp := *l
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		cp.ExpiresAt = &t
	}
	if l.Item.Contents != nil {
		cp.Item.Contents = append([]model.ResourceAmount(nil), l.Item.Contents...)
	}
	return &cp
}
