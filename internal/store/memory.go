package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/model"
)

var (
	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("store: transaction already committed or rolled back")
	// ErrDuplicateKey is returned when an insert collides with an existing row.
	ErrDuplicateKey = errors.New("store: duplicate key")
	// ErrForeignKey is returned at commit when a row references one that
	// does not exist.
	ErrForeignKey = errors.New("store: foreign key violation")
)

// DefaultLockTimeout bounds how long MemoryStore waits for a row lock.
const DefaultLockTimeout = 5 * time.Second

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Row locks are held from the Lock* call until commit or rollback, and
// transaction writes are buffered and applied in one step on commit, so a
// rolled-back transaction leaves no trace.
type MemoryStore struct {
	mu        sync.RWMutex
	balances  map[string]*model.Balance
	listings  map[string]*model.Listing
	artifacts map[string]*model.Artifact
	trades    map[string]*model.Trade
	entries   []model.LedgerEntry
	referrals map[string]*model.ReferralEdge
	daily     map[string]*model.DailyBonusState
	rates     map[model.Resource]model.CommissionRate

	locks       *lockManager
	lockTimeout time.Duration
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.lockTimeout = d }
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		balances:    make(map[string]*model.Balance),
		listings:    make(map[string]*model.Listing),
		artifacts:   make(map[string]*model.Artifact),
		trades:      make(map[string]*model.Trade),
		referrals:   make(map[string]*model.ReferralEdge),
		daily:       make(map[string]*model.DailyBonusState),
		rates:       make(map[model.Resource]model.CommissionRate),
		locks:       newLockManager(),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	return &memoryTx{
		s:         s,
		held:      make(map[string]bool),
		balances:  newStaged[*model.Balance](),
		listings:  newStaged[*model.Listing](),
		artifacts: newStaged[*model.Artifact](),
		trades:    newStaged[*model.Trade](),
		referrals: newStaged[*model.ReferralEdge](),
		daily:     newStaged[*model.DailyBonusState](),
	}, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, accountID string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[accountID]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, model.ErrListingNotFound
	}
	return cloneListing(l), nil
}

func (s *MemoryStore) ListActiveListings(_ context.Context, filter model.ListingFilter) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Listing
	for _, l := range s.listings {
		if filter.Matches(l) {
			result = append(result, *cloneListing(l))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, model.ErrTradeNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTradesByAccount(_ context.Context, accountID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.BuyerID == accountID || t.SellerID == accountID {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) ListEntriesByTrade(_ context.Context, tradeID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.entries {
		if e.TradeID == tradeID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListEntriesByAccount(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.entries {
		if e.SourceID == accountID || e.DestinationID == accountID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetArtifact(_ context.Context, id string) (*model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[id]
	if !ok {
		return nil, model.ErrArtifactNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetCommissionRate(_ context.Context, currency model.Resource) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rates[currency]
	return r.Rate, ok, nil
}

func (s *MemoryStore) SetCommissionRate(_ context.Context, rate *model.CommissionRate) error {
	if !rate.Currency.Valid() {
		return model.ErrUnknownCurrency
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rates[rate.Currency] = *rate
	return nil
}

// --- Transactions ---

// staged buffers the rows a transaction wrote to one table.
type staged[T any] struct {
	rows   map[string]T
	insert map[string]bool
	order  []string
}

func newStaged[T any]() *staged[T] {
	return &staged[T]{rows: make(map[string]T), insert: make(map[string]bool)}
}

func (st *staged[T]) put(id string, v T, insert bool) {
	if _, ok := st.rows[id]; !ok {
		st.order = append(st.order, id)
	}
	st.rows[id] = v
	if insert {
		st.insert[id] = true
	}
}

func (st *staged[T]) get(id string) (T, bool) {
	v, ok := st.rows[id]
	return v, ok
}

type memoryTx struct {
	s    *MemoryStore
	held map[string]bool
	done bool

	balances  *staged[*model.Balance]
	listings  *staged[*model.Listing]
	artifacts *staged[*model.Artifact]
	trades    *staged[*model.Trade]
	entries   []model.LedgerEntry
	referrals *staged[*model.ReferralEdge]
	daily     *staged[*model.DailyBonusState]
}

func (tx *memoryTx) lock(ctx context.Context, key string) error {
	if tx.done {
		return ErrTxDone
	}
	if tx.held[key] {
		return nil
	}
	if err := tx.s.locks.acquire(ctx, key, tx.s.lockTimeout); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	tx.held[key] = true
	return nil
}

func (tx *memoryTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

func (tx *memoryTx) LockBalance(ctx context.Context, accountID string) (*model.Balance, error) {
	if err := tx.lock(ctx, balanceKey(accountID)); err != nil {
		return nil, err
	}
	if b, ok := tx.balances.get(accountID); ok {
		return b.Clone(), nil
	}
	return tx.s.GetBalance(ctx, accountID)
}

func (tx *memoryTx) InsertBalance(_ context.Context, b *model.Balance) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.balances.get(b.AccountID); ok || tx.committedBalance(b.AccountID) {
		return fmt.Errorf("%w: balance %s", ErrDuplicateKey, b.AccountID)
	}
	tx.balances.put(b.AccountID, b.Clone(), true)
	return nil
}

func (tx *memoryTx) UpdateBalance(_ context.Context, b *model.Balance) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.balances.get(b.AccountID); !ok && !tx.committedBalance(b.AccountID) {
		return model.ErrAccountNotFound
	}
	tx.balances.put(b.AccountID, b.Clone(), false)
	return nil
}

func (tx *memoryTx) LockListing(ctx context.Context, id string) (*model.Listing, error) {
	if err := tx.lock(ctx, listingKey(id)); err != nil {
		return nil, err
	}
	if l, ok := tx.listings.get(id); ok {
		return cloneListing(l), nil
	}
	return tx.s.GetListing(ctx, id)
}

func (tx *memoryTx) InsertListing(_ context.Context, l *model.Listing) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.listings.get(l.ID); ok || tx.committedListing(l.ID) {
		return fmt.Errorf("%w: listing %s", ErrDuplicateKey, l.ID)
	}
	tx.listings.put(l.ID, cloneListing(l), true)
	return nil
}

func (tx *memoryTx) UpdateListing(_ context.Context, l *model.Listing) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.listings.get(l.ID); !ok && !tx.committedListing(l.ID) {
		return model.ErrListingNotFound
	}
	tx.listings.put(l.ID, cloneListing(l), false)
	return nil
}

func (tx *memoryTx) LockArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	if err := tx.lock(ctx, artifactKey(id)); err != nil {
		return nil, err
	}
	if a, ok := tx.artifacts.get(id); ok {
		cp := *a
		return &cp, nil
	}
	return tx.s.GetArtifact(ctx, id)
}

func (tx *memoryTx) InsertArtifact(_ context.Context, a *model.Artifact) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.s.mu.RLock()
	_, exists := tx.s.artifacts[a.ID]
	tx.s.mu.RUnlock()
	if _, ok := tx.artifacts.get(a.ID); ok || exists {
		return fmt.Errorf("%w: artifact %s", ErrDuplicateKey, a.ID)
	}
	cp := *a
	tx.artifacts.put(a.ID, &cp, true)
	return nil
}

func (tx *memoryTx) UpdateArtifact(_ context.Context, a *model.Artifact) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.s.mu.RLock()
	_, exists := tx.s.artifacts[a.ID]
	tx.s.mu.RUnlock()
	if _, ok := tx.artifacts.get(a.ID); !ok && !exists {
		return model.ErrArtifactNotFound
	}
	cp := *a
	tx.artifacts.put(a.ID, &cp, false)
	return nil
}

func (tx *memoryTx) InsertTrade(_ context.Context, t *model.Trade) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.s.mu.RLock()
	_, exists := tx.s.trades[t.ID]
	tx.s.mu.RUnlock()
	if _, ok := tx.trades.get(t.ID); ok || exists {
		return fmt.Errorf("%w: trade %s", ErrDuplicateKey, t.ID)
	}
	cp := *t
	tx.trades.put(t.ID, &cp, true)
	return nil
}

func (tx *memoryTx) UpdateTrade(_ context.Context, t *model.Trade) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.s.mu.RLock()
	_, exists := tx.s.trades[t.ID]
	tx.s.mu.RUnlock()
	if _, ok := tx.trades.get(t.ID); !ok && !exists {
		return model.ErrTradeNotFound
	}
	cp := *t
	tx.trades.put(t.ID, &cp, false)
	return nil
}

func (tx *memoryTx) InsertEntries(_ context.Context, entries []model.LedgerEntry) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.entries = append(tx.entries, entries...)
	return nil
}

func (tx *memoryTx) FindConfirmedEntry(_ context.Context, q model.EntryQuery) (*model.LedgerEntry, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	for i := range tx.entries {
		if e := tx.entries[i]; e.Status == model.EntryConfirmed && q.Matches(&e) {
			return &e, nil
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for i := range tx.s.entries {
		if e := tx.s.entries[i]; e.Status == model.EntryConfirmed && q.Matches(&e) {
			return &e, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) GetReferral(_ context.Context, playerID string) (*model.ReferralEdge, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if e, ok := tx.referrals.get(playerID); ok {
		cp := *e
		return &cp, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	if e, ok := tx.s.referrals[playerID]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (tx *memoryTx) InsertReferral(_ context.Context, edge *model.ReferralEdge) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.s.mu.RLock()
	_, exists := tx.s.referrals[edge.PlayerID]
	tx.s.mu.RUnlock()
	if _, ok := tx.referrals.get(edge.PlayerID); ok || exists {
		return fmt.Errorf("%w: referral %s", ErrDuplicateKey, edge.PlayerID)
	}
	cp := *edge
	tx.referrals.put(edge.PlayerID, &cp, true)
	return nil
}

func (tx *memoryTx) LockDailyBonus(ctx context.Context, accountID string) (*model.DailyBonusState, error) {
	if err := tx.lock(ctx, dailyKey(accountID)); err != nil {
		return nil, err
	}
	if st, ok := tx.daily.get(accountID); ok {
		cp := *st
		return &cp, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	if st, ok := tx.s.daily[accountID]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, nil
}

func (tx *memoryTx) UpsertDailyBonus(_ context.Context, st *model.DailyBonusState) error {
	if err := tx.check(); err != nil {
		return err
	}
	cp := *st
	tx.daily.put(st.AccountID, &cp, false)
	return nil
}

func (tx *memoryTx) Commit(_ context.Context) error {
	if err := tx.check(); err != nil {
		return err
	}
	defer tx.finish()

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := tx.validate(); err != nil {
		return err
	}

	for _, id := range tx.balances.order {
		s.balances[id] = tx.balances.rows[id]
	}
	for _, id := range tx.listings.order {
		s.listings[id] = tx.listings.rows[id]
	}
	for _, id := range tx.artifacts.order {
		s.artifacts[id] = tx.artifacts.rows[id]
	}
	for _, id := range tx.trades.order {
		s.trades[id] = tx.trades.rows[id]
	}
	s.entries = append(s.entries, tx.entries...)
	for _, id := range tx.referrals.order {
		s.referrals[id] = tx.referrals.rows[id]
	}
	for _, id := range tx.daily.order {
		s.daily[id] = tx.daily.rows[id]
	}
	return nil
}

func (tx *memoryTx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.finish()
	return nil
}

func (tx *memoryTx) finish() {
	tx.done = true
	for key := range tx.held {
		tx.s.locks.release(key)
	}
	tx.held = nil
}

// validate runs the deferred checks against the state the commit would
// produce. Caller holds s.mu.
func (tx *memoryTx) validate() error {
	s := tx.s
	for id := range tx.balances.insert {
		if _, ok := s.balances[id]; ok {
			return fmt.Errorf("%w: balance %s", ErrDuplicateKey, id)
		}
	}
	for id := range tx.listings.insert {
		if _, ok := s.listings[id]; ok {
			return fmt.Errorf("%w: listing %s", ErrDuplicateKey, id)
		}
	}
	for id := range tx.trades.insert {
		if _, ok := s.trades[id]; ok {
			return fmt.Errorf("%w: trade %s", ErrDuplicateKey, id)
		}
	}
	for id := range tx.referrals.insert {
		if _, ok := s.referrals[id]; ok {
			return fmt.Errorf("%w: referral %s", ErrDuplicateKey, id)
		}
	}

	hasBalance := func(id string) bool {
		_, staged := tx.balances.get(id)
		_, committed := s.balances[id]
		return staged || committed
	}
	hasListing := func(id string) bool {
		_, staged := tx.listings.get(id)
		_, committed := s.listings[id]
		return staged || committed
	}
	hasTrade := func(id string) bool {
		_, staged := tx.trades.get(id)
		_, committed := s.trades[id]
		return staged || committed
	}

	for _, l := range tx.listings.rows {
		if !hasBalance(l.SellerID) {
			return fmt.Errorf("%w: listing %s seller %s", ErrForeignKey, l.ID, l.SellerID)
		}
	}
	for _, a := range tx.artifacts.rows {
		if !hasBalance(a.OwnerID) {
			return fmt.Errorf("%w: artifact %s owner %s", ErrForeignKey, a.ID, a.OwnerID)
		}
		if a.ListingID != "" && !hasListing(a.ListingID) {
			return fmt.Errorf("%w: artifact %s listing %s", ErrForeignKey, a.ID, a.ListingID)
		}
	}
	for _, t := range tx.trades.rows {
		if !hasListing(t.ListingID) {
			return fmt.Errorf("%w: trade %s listing %s", ErrForeignKey, t.ID, t.ListingID)
		}
		if !hasBalance(t.BuyerID) || !hasBalance(t.SellerID) {
			return fmt.Errorf("%w: trade %s accounts", ErrForeignKey, t.ID)
		}
	}
	for i := range tx.entries {
		e := &tx.entries[i]
		if !hasTrade(e.TradeID) {
			return fmt.Errorf("%w: entry %s trade %s", ErrForeignKey, e.ID, e.TradeID)
		}
		if !hasBalance(e.SourceID) || !hasBalance(e.DestinationID) {
			return fmt.Errorf("%w: entry %s accounts", ErrForeignKey, e.ID)
		}
		if e.Kind == model.KindReward && e.Cause != "" && s.hasReward(e.DestinationID, e.Cause) {
			return fmt.Errorf("%w: reward %s for %s", ErrDuplicateKey, e.Cause, e.DestinationID)
		}
	}
	for _, edge := range tx.referrals.rows {
		if !hasBalance(edge.PlayerID) || !hasBalance(edge.ReferrerID) {
			return fmt.Errorf("%w: referral %s", ErrForeignKey, edge.PlayerID)
		}
	}
	for _, st := range tx.daily.rows {
		if !hasBalance(st.AccountID) {
			return fmt.Errorf("%w: daily bonus %s", ErrForeignKey, st.AccountID)
		}
	}
	return nil
}

func (s *MemoryStore) hasReward(destinationID, cause string) bool {
	for i := range s.entries {
		e := &s.entries[i]
		if e.Kind == model.KindReward && e.DestinationID == destinationID && e.Cause == cause {
			return true
		}
	}
	return false
}

func (tx *memoryTx) committedBalance(id string) bool {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	_, ok := tx.s.balances[id]
	return ok
}

func (tx *memoryTx) committedListing(id string) bool {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	_, ok := tx.s.listings[id]
	return ok
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
