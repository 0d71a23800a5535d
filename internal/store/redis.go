package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of balances and commission rates. Writes go to the primary store and
// invalidate the cache once their transaction commits; reads check Redis
// first then fall back to the primary.
//
// Each cached balance has a version key bumped on every committed write. A
// reader only fills the cache if the version it saw before reading the
// primary is still current, so a read that raced a commit cannot put the
// pre-commit balance back.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.primary.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTx{Tx: tx, s: s, touched: make(map[string]bool)}, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, accountID string) (*model.Balance, error) {
	data, err := s.rdb.Get(ctx, balanceCacheKey(accountID)).Bytes()
	if err == nil {
		var b model.Balance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	// Cache miss: note the version, then read from primary.
	version, err := s.rdb.Get(ctx, balanceVersionKey(accountID)).Result()
	if err != nil {
		version = "0"
	}
	b, err := s.primary.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(b); err == nil {
		fillIfCurrent.Run(ctx, s.rdb,
			[]string{balanceCacheKey(accountID), balanceVersionKey(accountID)},
			version, data, s.ttl.Milliseconds())
	}
	return b, nil
}

// fillIfCurrent sets KEYS[1] to ARGV[2] for ARGV[3] ms (no expiry when not
// positive) only while KEYS[2] still holds version ARGV[1]. A missing
// version reads as "0".
var fillIfCurrent = redis.NewScript(`
local v = redis.call('GET', KEYS[2]) or '0'
if v ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

func (s *CachedStore) GetCommissionRate(ctx context.Context, currency model.Resource) (decimal.Decimal, bool, error) {
	text, err := s.rdb.Get(ctx, rateCacheKey(currency)).Result()
	if err == nil {
		if text == noRate {
			return decimal.Zero, false, nil
		}
		if rate, err := decimal.NewFromString(text); err == nil {
			return rate, true, nil
		}
	}

	rate, found, err := s.primary.GetCommissionRate(ctx, currency)
	if err != nil {
		return decimal.Zero, false, err
	}
	// Absence is cached too so the fallback rate does not hit the primary.
	value := noRate
	if found {
		value = rate.String()
	}
	s.rdb.Set(ctx, rateCacheKey(currency), value, s.ttl)
	return rate, found, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SetCommissionRate(ctx context.Context, rate *model.CommissionRate) error {
	if err := s.primary.SetCommissionRate(ctx, rate); err != nil {
		return err
	}
	s.rdb.Del(ctx, rateCacheKey(rate.Currency))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	return s.primary.GetListing(ctx, id)
}

func (s *CachedStore) ListActiveListings(ctx context.Context, f model.ListingFilter) ([]model.Listing, error) {
	return s.primary.ListActiveListings(ctx, f)
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return s.primary.GetTrade(ctx, id)
}

func (s *CachedStore) ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error) {
	return s.primary.ListTradesByAccount(ctx, accountID)
}

func (s *CachedStore) ListEntriesByTrade(ctx context.Context, tradeID string) ([]model.LedgerEntry, error) {
	return s.primary.ListEntriesByTrade(ctx, tradeID)
}

func (s *CachedStore) ListEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.ListEntriesByAccount(ctx, accountID)
}

func (s *CachedStore) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	return s.primary.GetArtifact(ctx, id)
}

// Ping checks the Redis connection.
func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return model.DBError("redis ping", err)
	}
	return nil
}

// cachedTx records which balances a transaction wrote and drops their
// cache keys after a successful commit. Locked reads always go to the
// primary.
type cachedTx struct {
	Tx
	s       *CachedStore
	touched map[string]bool
}

func (t *cachedTx) InsertBalance(ctx context.Context, b *model.Balance) error {
	t.touched[b.AccountID] = true
	return t.Tx.InsertBalance(ctx, b)
}

func (t *cachedTx) UpdateBalance(ctx context.Context, b *model.Balance) error {
	t.touched[b.AccountID] = true
	return t.Tx.UpdateBalance(ctx, b)
}

func (t *cachedTx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		return err
	}
	if len(t.touched) == 0 {
		return nil
	}
	// Bump versions before dropping entries so no reader that started
	// before the commit can refill them.
	t.s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id := range t.touched {
			pipe.Incr(ctx, balanceVersionKey(id))
			pipe.Expire(ctx, balanceVersionKey(id), versionTTL)
			pipe.Del(ctx, balanceCacheKey(id))
		}
		return nil
	})
	return nil
}

// --- Cache helpers ---

const noRate = "none"

// versionTTL outlives any in-flight read by a wide margin.
const versionTTL = 24 * time.Hour

func balanceCacheKey(id string) string     { return fmt.Sprintf("balance:%s", id) }
func balanceVersionKey(id string) string   { return fmt.Sprintf("balance-version:%s", id) }
func rateCacheKey(c model.Resource) string { return fmt.Sprintf("commission:%s", c) }
