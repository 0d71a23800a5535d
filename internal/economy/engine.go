// Package economy is the transaction engine of the game economy: it opens,
// cancels, expires and settles listings, issues rewards behind the
// idempotency guard, and answers balance and history queries.
//
// Every mutating operation runs inside exactly one ledger.Unit. Callers
// that already hold a unit pass it with WithUnit; the engine then neither
// opens a nested unit nor commits.
package economy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/commission"
	"github.com/gamehub/economy-engine/internal/events"
	"github.com/gamehub/economy-engine/internal/ledger"
	"github.com/gamehub/economy-engine/internal/model"
	"github.com/gamehub/economy-engine/internal/store"
)

// Config holds the tunable economy rules.
type Config struct {
	// FallbackRate is the commission rate for currencies without a
	// persisted rate.
	FallbackRate decimal.Decimal
	// ListingTTL is the default lifetime of a listing opened without an
	// explicit expiry. Zero means listings never expire by default.
	ListingTTL time.Duration
	// Location decides calendar-day boundaries for the daily bonus.
	Location *time.Location

	DailyBonusResource model.Resource
	// DailyBonusSchedule is the reward per streak day; streaks past the
	// end keep the last amount.
	DailyBonusSchedule []decimal.Decimal

	ReferralResource model.Resource
	ReferralReward   decimal.Decimal

	// Offers is the shop catalog players buy from.
	Offers []Offer
}

// DefaultConfig returns the rules used when nothing is configured.
func DefaultConfig() Config {
	schedule := make([]decimal.Decimal, 0, 7)
	for _, v := range []int64{100, 150, 200, 250, 300, 400, 500} {
		schedule = append(schedule, decimal.NewFromInt(v))
	}
	return Config{
		FallbackRate:       commission.DefaultRate,
		ListingTTL:         72 * time.Hour,
		Location:           time.UTC,
		DailyBonusResource: model.Coins,
		DailyBonusSchedule: schedule,
		ReferralResource:   model.Crystals,
		ReferralReward:     decimal.NewFromInt(50),
		Offers: []Offer{
			{
				ID:       "coins-1000",
				Item:     model.Item{Kind: model.ItemResource, Resource: model.Coins, Amount: decimal.NewFromInt(1000)},
				Price:    decimal.NewFromInt(100),
				Currency: model.Stars,
			},
			{
				ID: "starter-pack",
				Item: model.Item{Kind: model.ItemPackage, PackageID: "starter-pack", Contents: []model.ResourceAmount{
					{Resource: model.Coins, Amount: decimal.NewFromInt(5000)},
					{Resource: model.Crystals, Amount: decimal.NewFromInt(100)},
					{Resource: model.Essence, Amount: decimal.NewFromInt(10)},
				}},
				Price:    decimal.NewFromInt(1),
				Currency: model.TON,
			},
		},
	}
}

// Validate checks the rules are usable.
func (c Config) Validate() error {
	if err := commission.ValidateRate(c.FallbackRate); err != nil {
		return fmt.Errorf("fallback commission rate: %w", err)
	}
	if c.ListingTTL < 0 {
		return errors.New("listing ttl must not be negative")
	}
	if !c.DailyBonusResource.Valid() || !c.ReferralResource.Valid() {
		return model.ErrUnknownCurrency
	}
	if len(c.DailyBonusSchedule) == 0 {
		return errors.New("daily bonus schedule must not be empty")
	}
	for i, amt := range c.DailyBonusSchedule {
		if !amt.IsPositive() || !model.FitsScale(amt, model.AmountScale) {
			return fmt.Errorf("daily bonus day %d: %w", i, model.ErrInvalidAmount)
		}
	}
	if !c.ReferralReward.IsPositive() || !model.FitsScale(c.ReferralReward, model.AmountScale) {
		return fmt.Errorf("referral reward: %w", model.ErrInvalidAmount)
	}
	seen := make(map[string]bool, len(c.Offers))
	for _, o := range c.Offers {
		if err := o.validate(); err != nil {
			return err
		}
		if seen[o.ID] {
			return fmt.Errorf("duplicate offer %s", o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}

// Engine runs economy operations against a store.
type Engine struct {
	store    store.Store
	rates    *commission.RateCache
	notifier events.Notifier
	now      func() time.Time
	logger   *slog.Logger
	cfg      Config
	offers   map[string]Offer
}

// Option configures an Engine.
type Option func(*Engine)

// WithRateCache injects the commission rate cache. By default the engine
// builds one over its store with the configured fallback.
func WithRateCache(c *commission.RateCache) Option {
	return func(e *Engine) { e.rates = c }
}

// WithNotifier sets where committed events go.
func WithNotifier(n events.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock sets the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine over st.
func New(st store.Store, cfg Config, opts ...Option) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	e := &Engine{
		store:    st,
		notifier: events.Discard,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
		cfg:      cfg,
		offers:   make(map[string]Offer, len(cfg.Offers)),
	}
	for _, o := range cfg.Offers {
		e.offers[o.ID] = o
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rates == nil {
		e.rates = commission.NewRateCache(st, cfg.FallbackRate)
	}
	return e
}

// Config returns the engine's rules.
func (e *Engine) Config() Config { return e.cfg }

// Rates returns the commission rate cache, e.g. to invalidate it after an
// operator changes a persisted rate.
func (e *Engine) Rates() *commission.RateCache { return e.rates }

// Now reads the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

// Begin opens a unit configured like the engine's own units, for callers
// that want to compose several operations atomically via WithUnit.
func (e *Engine) Begin(ctx context.Context) (*ledger.Unit, error) {
	return ledger.Begin(ctx, e.store, ledger.WithClock(e.now), ledger.WithLogger(e.logger))
}

// UnitOption configures how one call runs.
type UnitOption func(*callOptions)

type callOptions struct {
	unit *ledger.Unit
}

// WithUnit runs the call inside an ambient unit owned by the caller. The
// engine does not commit it; on failure it rolls it back.
func WithUnit(u *ledger.Unit) UnitOption {
	return func(o *callOptions) { o.unit = u }
}

// run executes fn in the ambient unit, or in a fresh unit it commits.
func (e *Engine) run(ctx context.Context, opts []UnitOption, fn func(u *ledger.Unit) error) error {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.unit != nil {
		if err := fn(o.unit); err != nil {
			if rbErr := o.unit.Rollback(ctx); rbErr != nil {
				e.logger.Error("rollback ambient unit failed", "err", rbErr)
			}
			return err
		}
		return nil
	}

	u, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	defer u.Rollback(ctx)

	if err := fn(u); err != nil {
		return err
	}
	return u.Commit(ctx)
}

// notify schedules ev for delivery once u commits. Delivery failures are
// logged; they never affect the committed state.
func (e *Engine) notify(ctx context.Context, u *ledger.Unit, ev events.Event) {
	ev.At = u.Now()
	ctx = context.WithoutCancel(ctx)
	u.AfterCommit(func() {
		if err := e.notifier.Notify(ctx, ev); err != nil {
			e.logger.Warn("event delivery failed", "type", ev.Type, "account", ev.AccountID, "err", err)
		}
	})
}

// player parses a caller-supplied player id. The System id is not a
// player and is rejected as unknown.
func player(id string) (model.Account, error) {
	acct, err := model.ParseAccount(id)
	if err != nil {
		return model.Account{}, err
	}
	if acct.IsSystem() {
		return model.Account{}, fmt.Errorf("%w: %s is reserved", model.ErrAccountNotFound, id)
	}
	return acct, nil
}

// OpenAccount creates a zero balance for playerID. Opening an existing
// account is a no-op; created reports which case applied.
func (e *Engine) OpenAccount(ctx context.Context, playerID string, opts ...UnitOption) (created bool, err error) {
	acct, err := player(playerID)
	if err != nil {
		return false, err
	}
	err = e.run(ctx, opts, func(u *ledger.Unit) error {
		var err error
		created, err = u.CreateAccount(ctx, acct)
		return err
	})
	if err != nil {
		return false, err
	}
	if created {
		e.logger.Info("account opened", "account", playerID)
	}
	return created, nil
}
