package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision
// and round-tripped as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return model.DBError("migrate", err)
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, model.DBError("begin", err)
	}
	if _, err := tx.Exec(ctx, `SET CONSTRAINTS ALL DEFERRED`); err != nil {
		_ = tx.Rollback(ctx)
		return nil, model.DBError("defer constraints", err)
	}
	return &postgresTx{tx: tx}, nil
}

// --- Column lists ---

const balanceColumns = `account_id,
	coins::TEXT, crystals::TEXT, essence::TEXT, stars::TEXT, ton::TEXT,
	locked_coins::TEXT, locked_crystals::TEXT, locked_essence::TEXT, updated_at`

const listingColumns = `id, seller_id, COALESCE(buyer_id, ''),
	item_kind, item_resource, item_amount::TEXT, artifact_id, package_id, package_contents,
	price::TEXT, currency, status, locked, expires_at, created_at, updated_at`

const tradeColumns = `id, listing_id, buyer_id, seller_id, status,
	price::TEXT, currency, fee::TEXT, seller_amount::TEXT,
	external_ref, cause, created_at, completed_at`

const entryColumns = `id, trade_id, source_id, destination_id, amount::TEXT,
	resource, kind, status, cause, artifact_id, created_at`

const artifactColumns = `id, owner_id, template_id, tradable, COALESCE(listing_id, ''), updated_at`

// --- Committed reads ---

func (s *PostgresStore) GetBalance(ctx context.Context, accountID string) (*model.Balance, error) {
	b, err := scanBalance(s.pool.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE account_id = $1`, accountID))
	return b, notFound(err, model.ErrAccountNotFound, "get balance "+accountID)
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	return l, notFound(err, model.ErrListingNotFound, "get listing "+id)
}

func (s *PostgresStore) ListActiveListings(ctx context.Context, f model.ListingFilter) ([]model.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings
		WHERE status = 'ACTIVE'
		  AND ($1 = '' OR seller_id = $1)
		  AND ($2 = '' OR currency = $2)
		  AND ($3 = '' OR item_kind = $3)
		  AND ($4 = '' OR item_resource = $4)
		  AND ($5::TIMESTAMPTZ IS NULL OR expires_at < $5)
		ORDER BY created_at, id`
	args := []any{f.SellerID, string(f.Currency), string(f.ItemKind), string(f.Resource), f.ExpiredBefore}
	if f.Limit > 0 {
		query += ` LIMIT $6`
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.DBError("list active listings", err)
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, model.DBError("scan listing", err)
		}
		listings = append(listings, *l)
	}
	return listings, model.DBError("list active listings", rows.Err())
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	return t, notFound(err, model.ErrTradeNotFound, "get trade "+id)
}

func (s *PostgresStore) ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE buyer_id = $1 OR seller_id = $1
		 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, model.DBError("list trades", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, model.DBError("scan trade", err)
		}
		trades = append(trades, *t)
	}
	return trades, model.DBError("list trades", rows.Err())
}

func (s *PostgresStore) ListEntriesByTrade(ctx context.Context, tradeID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE trade_id = $1 ORDER BY created_at, id`, tradeID)
	if err != nil {
		return nil, model.DBError("list trade entries", err)
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func (s *PostgresStore) ListEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE source_id = $1 OR destination_id = $1
		 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, model.DBError("list account entries", err)
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := scanArtifact(s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id))
	return a, notFound(err, model.ErrArtifactNotFound, "get artifact "+id)
}

func (s *PostgresStore) GetCommissionRate(ctx context.Context, currency model.Resource) (decimal.Decimal, bool, error) {
	var rateStr string
	err := s.pool.QueryRow(ctx,
		`SELECT rate::TEXT FROM commission_rates WHERE currency = $1`, string(currency)).Scan(&rateStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, model.DBError("get commission rate", err)
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return decimal.Zero, false, model.DBError("parse commission rate", err)
	}
	return rate, true, nil
}

func (s *PostgresStore) SetCommissionRate(ctx context.Context, r *model.CommissionRate) error {
	if !r.Currency.Valid() {
		return model.ErrUnknownCurrency
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO commission_rates (currency, rate, updated_at)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (currency) DO UPDATE SET rate = EXCLUDED.rate, updated_at = EXCLUDED.updated_at`,
		string(r.Currency), r.Rate.String(), r.UpdatedAt)
	return model.DBError("set commission rate", err)
}

// --- Transactions ---

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockBalance(ctx context.Context, accountID string) (*model.Balance, error) {
	b, err := scanBalance(t.tx.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE account_id = $1 FOR UPDATE`, accountID))
	return b, notFound(err, model.ErrAccountNotFound, "lock balance "+accountID)
}

func (t *postgresTx) InsertBalance(ctx context.Context, b *model.Balance) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO balances (account_id, coins, crystals, essence, stars, ton,
		                       locked_coins, locked_crystals, locked_essence, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		b.AccountID, b.Coins.String(), b.Crystals.String(), b.Essence.String(), b.Stars.String(), b.TON.String(),
		b.LockedCoins.String(), b.LockedCrystals.String(), b.LockedEssence.String(), b.UpdatedAt)
	return model.DBError("insert balance "+b.AccountID, err)
}

func (t *postgresTx) UpdateBalance(ctx context.Context, b *model.Balance) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE balances
		 SET coins = $2::NUMERIC, crystals = $3::NUMERIC, essence = $4::NUMERIC,
		     stars = $5::NUMERIC, ton = $6::NUMERIC,
		     locked_coins = $7::NUMERIC, locked_crystals = $8::NUMERIC, locked_essence = $9::NUMERIC,
		     updated_at = $10
		 WHERE account_id = $1`,
		b.AccountID, b.Coins.String(), b.Crystals.String(), b.Essence.String(), b.Stars.String(), b.TON.String(),
		b.LockedCoins.String(), b.LockedCrystals.String(), b.LockedEssence.String(), b.UpdatedAt)
	if err != nil {
		return model.DBError("update balance "+b.AccountID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrAccountNotFound
	}
	return nil
}

func (t *postgresTx) LockListing(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(t.tx.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id))
	return l, notFound(err, model.ErrListingNotFound, "lock listing "+id)
}

func (t *postgresTx) InsertListing(ctx context.Context, l *model.Listing) error {
	contents, err := marshalContents(l.Item.Contents)
	if err != nil {
		return model.DBError("encode package contents", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO listings (id, seller_id, buyer_id, item_kind, item_resource, item_amount,
		                       artifact_id, package_id, package_contents, price, currency, status,
		                       locked, expires_at, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::NUMERIC, $7, $8, $9, $10::NUMERIC, $11, $12,
		         $13, $14, $15, $16)`,
		l.ID, l.SellerID, l.BuyerID, string(l.Item.Kind), string(l.Item.Resource), l.Item.Amount.String(),
		l.Item.ArtifactID, l.Item.PackageID, contents, l.Price.String(), string(l.Currency), string(l.Status),
		l.Locked, l.ExpiresAt, l.CreatedAt, l.UpdatedAt)
	return model.DBError("insert listing "+l.ID, err)
}

func (t *postgresTx) UpdateListing(ctx context.Context, l *model.Listing) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE listings
		 SET buyer_id = NULLIF($2, ''), status = $3, locked = $4, expires_at = $5, updated_at = $6
		 WHERE id = $1`,
		l.ID, l.BuyerID, string(l.Status), l.Locked, l.ExpiresAt, l.UpdatedAt)
	if err != nil {
		return model.DBError("update listing "+l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrListingNotFound
	}
	return nil
}

func (t *postgresTx) LockArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := scanArtifact(t.tx.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = $1 FOR UPDATE`, id))
	return a, notFound(err, model.ErrArtifactNotFound, "lock artifact "+id)
}

func (t *postgresTx) InsertArtifact(ctx context.Context, a *model.Artifact) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO artifacts (id, owner_id, template_id, tradable, listing_id, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
		a.ID, a.OwnerID, a.TemplateID, a.Tradable, a.ListingID, a.UpdatedAt)
	return model.DBError("insert artifact "+a.ID, err)
}

func (t *postgresTx) UpdateArtifact(ctx context.Context, a *model.Artifact) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE artifacts SET owner_id = $2, tradable = $3, listing_id = NULLIF($4, ''), updated_at = $5
		 WHERE id = $1`,
		a.ID, a.OwnerID, a.Tradable, a.ListingID, a.UpdatedAt)
	if err != nil {
		return model.DBError("update artifact "+a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrArtifactNotFound
	}
	return nil
}

func (t *postgresTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, listing_id, buyer_id, seller_id, status, price, currency, fee,
		                     seller_amount, external_ref, cause, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)`,
		tr.ID, tr.ListingID, tr.BuyerID, tr.SellerID, string(tr.Status), tr.Price.String(), string(tr.Currency),
		tr.Fee.String(), tr.SellerAmount.String(), tr.ExternalRef, tr.Cause, tr.CreatedAt, tr.CompletedAt)
	return model.DBError("insert trade "+tr.ID, err)
}

func (t *postgresTx) UpdateTrade(ctx context.Context, tr *model.Trade) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE trades
		 SET status = $2, fee = $3::NUMERIC, seller_amount = $4::NUMERIC, external_ref = $5, completed_at = $6
		 WHERE id = $1`,
		tr.ID, string(tr.Status), tr.Fee.String(), tr.SellerAmount.String(), tr.ExternalRef, tr.CompletedAt)
	if err != nil {
		return model.DBError("update trade "+tr.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrTradeNotFound
	}
	return nil
}

func (t *postgresTx) InsertEntries(ctx context.Context, entries []model.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO ledger_entries (id, trade_id, source_id, destination_id, amount, resource,
			                             kind, status, cause, artifact_id, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.TradeID, e.SourceID, e.DestinationID, e.Amount.String(), string(e.Resource),
			string(e.Kind), string(e.Status), e.Cause, e.ArtifactID, e.CreatedAt)
	}
	return model.DBError("insert ledger entries", t.tx.SendBatch(ctx, batch).Close())
}

func (t *postgresTx) FindConfirmedEntry(ctx context.Context, q model.EntryQuery) (*model.LedgerEntry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE kind = $1 AND destination_id = $2 AND cause = $3 AND status = 'CONFIRMED'
		 LIMIT 1`,
		string(q.Kind), q.DestinationID, q.Cause)
	if err != nil {
		return nil, model.DBError("find confirmed entry", err)
	}
	defer rows.Close()

	entries, err := scanLedgerEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (t *postgresTx) GetReferral(ctx context.Context, playerID string) (*model.ReferralEdge, error) {
	var e model.ReferralEdge
	err := t.tx.QueryRow(ctx,
		`SELECT player_id, referrer_id, created_at FROM referral_edges WHERE player_id = $1`, playerID).
		Scan(&e.PlayerID, &e.ReferrerID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.DBError("get referral "+playerID, err)
	}
	return &e, nil
}

func (t *postgresTx) InsertReferral(ctx context.Context, e *model.ReferralEdge) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO referral_edges (player_id, referrer_id, created_at) VALUES ($1, $2, $3)`,
		e.PlayerID, e.ReferrerID, e.CreatedAt)
	return model.DBError("insert referral "+e.PlayerID, err)
}

func (t *postgresTx) LockDailyBonus(ctx context.Context, accountID string) (*model.DailyBonusState, error) {
	var st model.DailyBonusState
	err := t.tx.QueryRow(ctx,
		`SELECT account_id, last_claim_at, streak FROM daily_bonus WHERE account_id = $1 FOR UPDATE`, accountID).
		Scan(&st.AccountID, &st.LastClaimAt, &st.Streak)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.DBError("lock daily bonus "+accountID, err)
	}
	return &st, nil
}

func (t *postgresTx) UpsertDailyBonus(ctx context.Context, st *model.DailyBonusState) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO daily_bonus (account_id, last_claim_at, streak) VALUES ($1, $2, $3)
		 ON CONFLICT (account_id) DO UPDATE SET last_claim_at = EXCLUDED.last_claim_at, streak = EXCLUDED.streak`,
		st.AccountID, st.LastClaimAt, st.Streak)
	return model.DBError("upsert daily bonus "+st.AccountID, err)
}

func (t *postgresTx) Commit(ctx context.Context) error {
	return model.DBError("commit", t.tx.Commit(ctx))
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return model.DBError("rollback", err)
}

// --- Scanning ---

func notFound(err, sentinel error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return model.DBError(op, err)
}

func num(dst *decimal.Decimal, text string) error {
	v, err := decimal.NewFromString(text)
	if err != nil {
		return fmt.Errorf("parse numeric %q: %w", text, err)
	}
	*dst = v
	return nil
}

func scanBalance(row pgx.Row) (*model.Balance, error) {
	var b model.Balance
	var coins, crystals, essence, stars, ton, lCoins, lCrystals, lEssence string
	if err := row.Scan(&b.AccountID, &coins, &crystals, &essence, &stars, &ton,
		&lCoins, &lCrystals, &lEssence, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if err := errors.Join(
		num(&b.Coins, coins), num(&b.Crystals, crystals), num(&b.Essence, essence),
		num(&b.Stars, stars), num(&b.TON, ton),
		num(&b.LockedCoins, lCoins), num(&b.LockedCrystals, lCrystals), num(&b.LockedEssence, lEssence),
	); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var kind, resource, currency, status, amount, price string
	var contents []byte
	var expiresAt *time.Time
	if err := row.Scan(&l.ID, &l.SellerID, &l.BuyerID,
		&kind, &resource, &amount, &l.Item.ArtifactID, &l.Item.PackageID, &contents,
		&price, &currency, &status, &l.Locked, &expiresAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.Item.Kind = model.ItemKind(kind)
	l.Item.Resource = model.Resource(resource)
	l.Currency = model.Resource(currency)
	l.Status = model.ListingStatus(status)
	l.ExpiresAt = expiresAt
	if err := errors.Join(num(&l.Item.Amount, amount), num(&l.Price, price)); err != nil {
		return nil, err
	}
	if len(contents) > 0 {
		if err := json.Unmarshal(contents, &l.Item.Contents); err != nil {
			return nil, fmt.Errorf("decode package contents: %w", err)
		}
	}
	return &l, nil
}

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var status, currency, price, fee, sellerAmount string
	if err := row.Scan(&t.ID, &t.ListingID, &t.BuyerID, &t.SellerID, &status,
		&price, &currency, &fee, &sellerAmount,
		&t.ExternalRef, &t.Cause, &t.CreatedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Status = model.TradeStatus(status)
	t.Currency = model.Resource(currency)
	if err := errors.Join(num(&t.Price, price), num(&t.Fee, fee), num(&t.SellerAmount, sellerAmount)); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanArtifact(row pgx.Row) (*model.Artifact, error) {
	var a model.Artifact
	if err := row.Scan(&a.ID, &a.OwnerID, &a.TemplateID, &a.Tradable, &a.ListingID, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, resource, kind, status string
		if err := rows.Scan(&e.ID, &e.TradeID, &e.SourceID, &e.DestinationID, &amount,
			&resource, &kind, &status, &e.Cause, &e.ArtifactID, &e.CreatedAt); err != nil {
			return nil, model.DBError("scan ledger entry", err)
		}
		if err := num(&e.Amount, amount); err != nil {
			return nil, model.DBError("scan ledger entry", err)
		}
		e.Resource = model.Resource(resource)
		e.Kind = model.EntryKind(kind)
		e.Status = model.EntryStatus(status)
		entries = append(entries, e)
	}
	return entries, model.DBError("scan ledger entries", rows.Err())
}

func marshalContents(contents []model.ResourceAmount) ([]byte, error) {
	if len(contents) == 0 {
		return nil, nil
	}
	return json.Marshal(contents)
}
