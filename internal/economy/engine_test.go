package economy_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/economy"
	"github.com/gamehub/economy-engine/internal/events"
	"github.com/gamehub/economy-engine/internal/model"
	"github.com/gamehub/economy-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Notify(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return nil
}

func (r *recorder) count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.got {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type env struct {
	eng    *economy.Engine
	st     store.Store
	clock  *testClock
	events *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, store.NewMemoryStore(), economy.DefaultConfig())
}

func newEnvWith(t *testing.T, st store.Store, cfg economy.Config) *env {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	eng := economy.New(st, cfg,
		economy.WithClock(clock.Now),
		economy.WithNotifier(rec),
		economy.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return &env{eng: eng, st: st, clock: clock, events: rec}
}

func (e *env) open(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := e.eng.OpenAccount(context.Background(), id); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}
}

// fund grants a one-off task reward so the account holds amount of r.
func (e *env) fund(t *testing.T, id string, r model.Resource, amount string) {
	t.Helper()
	_, err := e.eng.RegisterReward(context.Background(), economy.RewardRequest{
		AccountID: id,
		Resource:  r,
		Amount:    d(amount),
		Cause:     model.RewardCause{Kind: model.CauseTask, Key: "fund-" + uuid.NewString()},
	})
	if err != nil {
		t.Fatalf("fund %s: %v", id, err)
	}
}

func (e *env) balance(t *testing.T, id string) *model.Balance {
	t.Helper()
	b, err := e.eng.GetBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance %s: %v", id, err)
	}
	return b
}

func (e *env) listResource(t *testing.T, seller string, r model.Resource, amount, price string, currency model.Resource) *model.Listing {
	t.Helper()
	l, err := e.eng.OpenListing(context.Background(), economy.OpenListingRequest{
		SellerID: seller,
		Item:     model.Item{Kind: model.ItemResource, Resource: r, Amount: d(amount)},
		Price:    d(price),
		Currency: currency,
	})
	if err != nil {
		t.Fatalf("open listing: %v", err)
	}
	return l
}

func expectAmount(t *testing.T, what string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(d(want)) {
		t.Errorf("%s = %s, want %s", what, got, want)
	}
}

// assertConserved checks that everything held across the accounts,
// System included, equals what System ever issued.
func assertConserved(t *testing.T, e *env, accounts ...string) {
	t.Helper()
	ctx := context.Background()
	held := make(map[model.Resource]decimal.Decimal)
	issued := make(map[model.Resource]decimal.Decimal)

	for _, id := range append(accounts, model.SystemAccountID) {
		b := e.balance(t, id)
		for _, r := range model.Resources {
			total := b.Amount(r)
			if locked, ok := b.Locked(r); ok {
				total = total.Add(locked)
			}
			held[r] = held[r].Add(total)
		}
		entries, err := e.eng.ListAccountLedger(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		for _, en := range entries {
			if en.Kind.Notional() && en.DestinationID == id {
				issued[en.Resource] = issued[en.Resource].Add(en.Amount)
			}
		}
	}
	for _, r := range model.Resources {
		if !held[r].Equal(issued[r]) {
			t.Errorf("%s: held %s, issued %s", r, held[r], issued[r])
		}
	}
}

// --- Rewards ---

func TestRegisterReward_IssuesOnce(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice")
	ctx := context.Background()

	req := economy.RewardRequest{
		AccountID: "alice",
		Resource:  model.Coins,
		Amount:    d("100"),
		Cause:     model.RewardCause{Kind: model.CauseTask, Key: "invite-3-friends"},
	}
	res, err := e.eng.RegisterReward(ctx, req)
	if err != nil {
		t.Fatalf("reward: %v", err)
	}
	if res.AlreadyProcessed {
		t.Fatal("first grant reported as already processed")
	}
	if res.Trade.Status != model.TradeCompleted || res.Trade.SellerID != model.SystemAccountID {
		t.Fatalf("unexpected trade %+v", res.Trade)
	}
	if res.Entry.Kind != model.KindReward || res.Entry.Status != model.EntryConfirmed || res.Entry.Cause != "task:invite-3-friends" {
		t.Fatalf("unexpected entry %+v", res.Entry)
	}
	expectAmount(t, "alice coins", e.balance(t, "alice").Coins, "100")

	trades, err := e.eng.ListAccountTrades(ctx, "alice")
	if err != nil || len(trades) != 1 || trades[0].Status != model.TradeCompleted {
		t.Fatalf("expected one completed trade, got %+v %v", trades, err)
	}
	entries, err := e.eng.GetTradeEntries(ctx, trades[0].ID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one entry, got %+v %v", entries, err)
	}
	expectAmount(t, "entry amount", entries[0].Amount, "100")

	again, err := e.eng.RegisterReward(ctx, req)
	if err != nil {
		t.Fatalf("second reward: %v", err)
	}
	if !again.AlreadyProcessed || again.Entry == nil || again.Entry.TradeID != trades[0].ID {
		t.Fatalf("expected already processed pointing at the first grant, got %+v", again)
	}
	expectAmount(t, "alice coins after duplicate", e.balance(t, "alice").Coins, "100")
	if trades, _ := e.eng.ListAccountTrades(ctx, "alice"); len(trades) != 1 {
		t.Fatalf("duplicate created a trade: %d trades", len(trades))
	}
	if e.events.count(events.RewardIssued) != 1 || e.events.count(events.RewardDeduplicated) != 1 {
		t.Fatalf("unexpected events %+v", e.events.got)
	}
	assertConserved(t, e, "alice")
}

func TestRegisterReward_Validation(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice")
	ctx := context.Background()
	cause := model.RewardCause{Kind: model.CauseEvent, Key: "halloween"}

	cases := []struct {
		name string
		req  economy.RewardRequest
		want error
	}{
		{"unknown account", economy.RewardRequest{AccountID: "ghost", Resource: model.Coins, Amount: d("1"), Cause: cause}, model.ErrAccountNotFound},
		{"system recipient", economy.RewardRequest{AccountID: model.SystemAccountID, Resource: model.Coins, Amount: d("1"), Cause: cause}, model.ErrAccountNotFound},
		{"zero amount", economy.RewardRequest{AccountID: "alice", Resource: model.Coins, Amount: d("0"), Cause: cause}, model.ErrInvalidAmount},
		{"amount past storage scale", economy.RewardRequest{AccountID: "alice", Resource: model.TON, Amount: d("0.000000001"), Cause: cause}, model.ErrInvalidAmount},
		{"unknown resource", economy.RewardRequest{AccountID: "alice", Resource: "gold", Amount: d("1"), Cause: cause}, model.ErrUnknownCurrency},
		{"missing cause key", economy.RewardRequest{AccountID: "alice", Resource: model.Coins, Amount: d("1"), Cause: model.RewardCause{Kind: model.CauseTask}}, model.ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.eng.RegisterReward(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	expectAmount(t, "alice coins", e.balance(t, "alice").Coins, "0")
}

func TestRegisterReward_ConcurrentDuplicatesGrantOnce(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice")
	ctx := context.Background()
	req := economy.RewardRequest{
		AccountID: "alice", Resource: model.Crystals, Amount: d("25"),
		Cause: model.RewardCause{Kind: model.CauseUpgrade, Key: "forge-2"},
	}

	var granted, deduped atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.eng.RegisterReward(ctx, req)
			if err != nil {
				t.Errorf("reward: %v", err)
				return
			}
			if res.AlreadyProcessed {
				deduped.Add(1)
			} else {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 1 || deduped.Load() != 7 {
		t.Fatalf("granted %d, deduped %d", granted.Load(), deduped.Load())
	}
	expectAmount(t, "alice crystals", e.balance(t, "alice").Crystals, "25")
}

// --- Settlement ---

func TestSettleListing_ResourceWithCommission(t *testing.T) {
	e := newEnv(t)
	e.open(t, "sam", "bob")
	e.fund(t, "sam", model.Crystals, "500")
	e.fund(t, "bob", model.Coins, "1000")
	ctx := context.Background()

	l := e.listResource(t, "sam", model.Crystals, "100", "1000", model.Coins)
	if !l.Locked || l.Status != model.ListingActive || l.ExpiresAt == nil {
		t.Fatalf("unexpected listing %+v", l)
	}
	sam := e.balance(t, "sam")
	expectAmount(t, "sam crystals while listed", sam.Crystals, "400")
	expectAmount(t, "sam locked crystals", sam.LockedCrystals, "100")

	res, err := e.eng.SettleListing(ctx, economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Trade.Status != model.TradeCompleted || res.Listing.Status != model.ListingCompleted || res.Listing.BuyerID != "bob" {
		t.Fatalf("unexpected result %+v", res)
	}
	expectAmount(t, "fee", res.Trade.Fee, "50")
	expectAmount(t, "seller amount", res.Trade.SellerAmount, "950")

	kinds := map[model.EntryKind]decimal.Decimal{}
	for _, en := range res.Entries {
		if en.Status != model.EntryConfirmed {
			t.Fatalf("entry %s not confirmed", en.ID)
		}
		kinds[en.Kind] = en.Amount
	}
	if len(res.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %+v", res.Entries)
	}
	expectAmount(t, "buyer_to_escrow", kinds[model.KindBuyerToEscrow], "1000")
	expectAmount(t, "item_transfer", kinds[model.KindItemTransfer], "100")
	expectAmount(t, "escrow_to_seller", kinds[model.KindEscrowToSeller], "950")
	expectAmount(t, "escrow_to_fee", kinds[model.KindEscrowToFee], "50")

	bob, sam, sys := e.balance(t, "bob"), e.balance(t, "sam"), e.balance(t, model.SystemAccountID)
	expectAmount(t, "bob coins", bob.Coins, "0")
	expectAmount(t, "bob crystals", bob.Crystals, "100")
	expectAmount(t, "sam coins", sam.Coins, "950")
	expectAmount(t, "sam crystals", sam.Crystals, "400")
	expectAmount(t, "sam locked crystals", sam.LockedCrystals, "0")
	expectAmount(t, "system coins", sys.Coins, "50")

	if _, err := e.eng.SettleListing(ctx, economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"}); !errors.Is(err, model.ErrListingNotActive) {
		t.Fatalf("expected ErrListingNotActive on second settle, got %v", err)
	}
	if e.events.count(events.TradeCompleted) != 1 {
		t.Fatalf("expected one trade event, got %+v", e.events.got)
	}
	assertConserved(t, e, "sam", "bob")
}

func TestSettleListing_PersistedCommissionRate(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SetCommissionRate(context.Background(), &model.CommissionRate{Currency: model.Coins, Rate: d("0.033")}); err != nil {
		t.Fatal(err)
	}
	e := newEnvWith(t, st, economy.DefaultConfig())
	e.open(t, "sam", "bob")
	e.fund(t, "sam", model.Essence, "10")
	e.fund(t, "bob", model.Coins, "999")

	l := e.listResource(t, "sam", model.Essence, "10", "999", model.Coins)
	res, err := e.eng.SettleListing(context.Background(), economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	expectAmount(t, "fee", res.Trade.Fee, "32.96")
	expectAmount(t, "seller amount", res.Trade.SellerAmount, "966.04")
	expectAmount(t, "sam coins", e.balance(t, "sam").Coins, "966.04")
	assertConserved(t, e, "sam", "bob")
}

func TestSettleListing_InsufficientFundsLeavesEverything(t *testing.T) {
	e := newEnv(t)
	e.open(t, "sam", "bob")
	e.fund(t, "sam", model.Crystals, "100")
	e.fund(t, "bob", model.Coins, "10")
	ctx := context.Background()
	l := e.listResource(t, "sam", model.Crystals, "100", "1000", model.Coins)

	_, err := e.eng.SettleListing(ctx, economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"})
	var insufficient *model.InsufficientFundsError
	if !errors.As(err, &insufficient) || !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	expectAmount(t, "required", insufficient.Required, "1000")
	expectAmount(t, "available", insufficient.Available, "10")

	expectAmount(t, "bob coins", e.balance(t, "bob").Coins, "10")
	expectAmount(t, "sam locked crystals", e.balance(t, "sam").LockedCrystals, "100")
	got, err := e.eng.GetListing(ctx, l.ID)
	if err != nil || got.Status != model.ListingActive || !got.Locked {
		t.Fatalf("listing should stay active and locked: %+v %v", got, err)
	}
	if trades, _ := e.eng.ListAccountTrades(ctx, "sam"); len(trades) != 1 {
		t.Fatalf("failed settle left a trade: %+v", trades)
	}
}

func TestSettleListing_Rejections(t *testing.T) {
	e := newEnv(t)
	e.open(t, "sam", "bob")
	e.fund(t, "sam", model.Coins, "100")
	ctx := context.Background()
	l := e.listResource(t, "sam", model.Coins, "10", "0", model.Crystals)

	cases := []struct {
		name string
		req  economy.SettleRequest
		want error
	}{
		{"self trade", economy.SettleRequest{ListingID: l.ID, BuyerID: "sam"}, model.ErrSelfTrade},
		{"unknown listing", economy.SettleRequest{ListingID: uuid.NewString(), BuyerID: "bob"}, model.ErrListingNotFound},
		{"unknown buyer", economy.SettleRequest{ListingID: l.ID, BuyerID: "ghost"}, model.ErrAccountNotFound},
		{"system buyer", economy.SettleRequest{ListingID: l.ID, BuyerID: model.SystemAccountID}, model.ErrAccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.eng.SettleListing(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	// A free listing settles without commission or payment entries.
	res, err := e.eng.SettleListing(ctx, economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"})
	if err != nil {
		t.Fatalf("settle free listing: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Kind != model.KindItemTransfer {
		t.Fatalf("expected a single item transfer, got %+v", res.Entries)
	}
	expectAmount(t, "bob coins", e.balance(t, "bob").Coins, "10")
	assertConserved(t, e, "sam", "bob")
}

func TestSettleListing_Artifact(t *testing.T) {
	e := newEnv(t)
	e.open(t, "sam", "bob")
	e.fund(t, "bob", model.Coins, "999")
	ctx := context.Background()

	a, err := e.eng.CreateArtifact(ctx, "sam", "sword-of-dawn", true)
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	req := economy.OpenListingRequest{
		SellerID: "sam",
		Item:     model.Item{Kind: model.ItemArtifact, ArtifactID: a.ID},
		Price:    d("999"),
		Currency: model.Coins,
	}
	l, err := e.eng.OpenListing(ctx, req)
	if err != nil {
		t.Fatalf("open listing: %v", err)
	}
	if _, err := e.eng.OpenListing(ctx, req); !errors.Is(err, model.ErrItemNotTradable) {
		t.Fatalf("expected a locked artifact to be untradable, got %v", err)
	}
	held, _ := e.eng.GetArtifact(ctx, a.ID)
	if held.ListingID != l.ID {
		t.Fatalf("artifact not held by listing: %+v", held)
	}

	res, err := e.eng.SettleListing(ctx, economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	expectAmount(t, "fee", res.Trade.Fee, "49.95")
	expectAmount(t, "sam coins", e.balance(t, "sam").Coins, "949.05")

	moved, err := e.eng.GetArtifact(ctx, a.ID)
	if err != nil || moved.OwnerID != "bob" || moved.Locked() {
		t.Fatalf("artifact should belong to bob, unlocked: %+v %v", moved, err)
	}
	var transfer *model.LedgerEntry
	for i := range res.Entries {
		if res.Entries[i].Kind == model.KindItemTransfer {
			transfer = &res.Entries[i]
		}
	}
	if transfer == nil || transfer.ArtifactID != a.ID || transfer.DestinationID != "bob" {
		t.Fatalf("missing artifact transfer entry: %+v", res.Entries)
	}
	assertConserved(t, e, "sam", "bob")
}

func TestOpenListing_ArtifactRules(t *testing.T) {
	e := newEnv(t)
	e.open(t, "sam", "bob")
	ctx := context.Background()

	bound, _ := e.eng.CreateArtifact(ctx, "sam", "soulbound-ring", false)
	bobs, _ := e.eng.CreateArtifact(ctx, "bob", "shield", true)

	for name, id := range map[string]string{"not tradable": bound.ID, "not owned": bobs.ID} {
		t.Run(name, func(t *testing.T) {
			_, err := e.eng.OpenListing(ctx, economy.OpenListingRequest{
				SellerID: "sam",
				Item:     model.Item{Kind: model.ItemArtifact, ArtifactID: id},
				Price:    d("1"),
				Currency: model.Coins,
			})
			if !errors.Is(err, model.ErrItemNotTradable) {
				t.Fatalf("expected ErrItemNotTradable, got %v", err)
			}
		})
	}
	_, err := e.eng.OpenListing(ctx, economy.OpenListingRequest{
		SellerID: "sam",
		Item:     model.Item{Kind: model.ItemArtifact, ArtifactID: uuid.NewString()},
		Price:    d("1"),
		Currency: model.Coins,
	})
	if !errors.Is(err, model.ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
}

func TestOpenListing_Validation(t *testing.T) {
	e := newEnv(t)
	e.open(t, "sam")
	e.fund(t, "sam", model.Crystals, "5")
	e.fund(t, "sam", model.Stars, "5")
	ctx := context.Background()
	past := e.clock.Now().Add(-time.Minute)

	crystals := model.Item{Kind: model.ItemResource, Resource: model.Crystals, Amount: d("5")}
	cases := []struct {
		name string
		req  economy.OpenListingRequest
		want error
	}{
		{"negative price", economy.OpenListingRequest{SellerID: "sam", Item: crystals, Price: d("-1"), Currency: model.Coins}, model.ErrInvalidAmount},
		{"unknown currency", economy.OpenListingRequest{SellerID: "sam", Item: crystals, Price: d("1"), Currency: "gold"}, model.ErrUnknownCurrency},
		{"zero amount", economy.OpenListingRequest{SellerID: "sam", Item: model.Item{Kind: model.ItemResource, Resource: model.Crystals}, Price: d("1"), Currency: model.Coins}, model.ErrInvalidAmount},
		{"unlockable resource", economy.OpenListingRequest{SellerID: "sam", Item: model.Item{Kind: model.ItemResource, Resource: model.Stars, Amount: d("1")}, Price: d("1"), Currency: model.Coins}, model.ErrItemNotTradable},
		{"player package", economy.OpenListingRequest{SellerID: "sam", Item: model.Item{Kind: model.ItemPackage, PackageID: "starter", Contents: []model.ResourceAmount{{Resource: model.Coins, Amount: d("1")}}}, Price: d("1"), Currency: model.Coins}, model.ErrItemNotTradable},
		{"more than held", economy.OpenListingRequest{SellerID: "sam", Item: model.Item{Kind: model.ItemResource, Resource: model.Crystals, Amount: d("6")}, Price: d("1"), Currency: model.Coins}, model.ErrInsufficientFunds},
		{"price past storage scale", economy.OpenListingRequest{SellerID: "sam", Item: crystals, Price: d("0.000000001"), Currency: model.Coins}, model.ErrInvalidAmount},
		{"amount past storage scale", economy.OpenListingRequest{SellerID: "sam", Item: model.Item{Kind: model.ItemResource, Resource: model.Crystals, Amount: d("1.000000001")}, Price: d("1"), Currency: model.Coins}, model.ErrInvalidAmount},
		{"expiry in the past", economy.OpenListingRequest{SellerID: "sam", Item: crystals, Price: d("1"), Currency: model.Coins, ExpiresAt: &past}, model.ErrInvalidAmount},
		{"unknown seller", economy.OpenListingRequest{SellerID: "ghost", Item: crystals, Price: d("1"), Currency: model.Coins}, model.ErrAccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.eng.OpenListing(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	b := e.balance(t, "sam")
	expectAmount(t, "sam crystals", b.Crystals, "5")
	expectAmount(t, "sam locked crystals", b.LockedCrystals, "0")
	if ls, _ := e.eng.ListActiveListings(ctx, model.ListingFilter{SellerID: "sam"}); len(ls) != 0 {
		t.Fatalf("rejected listings were stored: %+v", ls)
	}
}

// --- Cancel and expire ---

func TestCancelListing(t *testing.T) {
	e := newEnv(t)
	e.open(t, "sam", "bob")
	e.fund(t, "sam", model.Essence, "30")
	ctx := context.Background()
	l := e.listResource(t, "sam", model.Essence, "30", "5", model.Stars)

	if _, err := e.eng.CancelListing(ctx, l.ID, "bob"); !errors.Is(err, model.ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
	got, err := e.eng.CancelListing(ctx, l.ID, "sam")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != model.ListingCancelled || got.Locked {
		t.Fatalf("unexpected listing %+v", got)
	}
	b := e.balance(t, "sam")
	expectAmount(t, "sam essence", b.Essence, "30")
	expectAmount(t, "sam locked essence", b.LockedEssence, "0")

	if _, err := e.eng.CancelListing(ctx, l.ID, "sam"); !errors.Is(err, model.ErrListingNotActive) {
		t.Fatalf("expected ErrListingNotActive, got %v", err)
	}
	if _, err := e.eng.SettleListing(ctx, economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"}); !errors.Is(err, model.ErrListingNotActive) {
		t.Fatalf("expected ErrListingNotActive, got %v", err)
	}
	if e.events.count(events.ListingOpened) != 1 || e.events.count(events.ListingClosed) != 1 {
		t.Fatalf("unexpected events %+v", e.events.got)
	}
}

func TestExpireListing(t *testing.T) {
	e := newEnv(t)
	e.open(t, "sam", "bob")
	e.fund(t, "sam", model.Crystals, "50")
	e.fund(t, "bob", model.Coins, "100")
	ctx := context.Background()

	expiry := e.clock.Now().Add(time.Hour)
	l, err := e.eng.OpenListing(ctx, economy.OpenListingRequest{
		SellerID:  "sam",
		Item:      model.Item{Kind: model.ItemResource, Resource: model.Crystals, Amount: d("50")},
		Price:     d("100"),
		Currency:  model.Coins,
		ExpiresAt: &expiry,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.eng.ExpireListing(ctx, l.ID); !errors.Is(err, model.ErrListingNotExpired) {
		t.Fatalf("expected ErrListingNotExpired, got %v", err)
	}

	e.clock.Advance(2 * time.Hour)
	if _, err := e.eng.SettleListing(ctx, economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"}); !errors.Is(err, model.ErrListingNotActive) {
		t.Fatalf("expected an expired listing to refuse settlement, got %v", err)
	}
	got, err := e.eng.ExpireListing(ctx, l.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got.Status != model.ListingExpired {
		t.Fatalf("status = %s", got.Status)
	}
	expectAmount(t, "sam crystals", e.balance(t, "sam").Crystals, "50")
	expectAmount(t, "bob coins", e.balance(t, "bob").Coins, "100")

	if _, err := e.eng.ExpireListing(ctx, l.ID); !errors.Is(err, model.ErrListingNotActive) {
		t.Fatalf("expected ErrListingNotActive, got %v", err)
	}
}

// --- Concurrency and atomicity ---

func TestSettleListing_ConcurrentBuyersOneWins(t *testing.T) {
	e := newEnv(t)
	e.open(t, "sam")
	e.fund(t, "sam", model.Crystals, "100")
	l := e.listResource(t, "sam", model.Crystals, "100", "10", model.Coins)

	buyers := []string{"b1", "b2", "b3", "b4", "b5", "b6"}
	e.open(t, buyers...)
	for _, b := range buyers {
		e.fund(t, b, model.Coins, "10")
	}

	var won, lost atomic.Int32
	var wg sync.WaitGroup
	for _, b := range buyers {
		wg.Add(1)
		go func(buyer string) {
			defer wg.Done()
			_, err := e.eng.SettleListing(context.Background(), economy.SettleRequest{ListingID: l.ID, BuyerID: buyer})
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, model.ErrListingNotActive):
				lost.Add(1)
			default:
				t.Errorf("%s: unexpected error %v", buyer, err)
			}
		}(b)
	}
	// The seller races the buyers.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := e.eng.CancelListing(context.Background(), l.ID, "sam"); err == nil {
			won.Add(1)
		} else if errors.Is(err, model.ErrListingNotActive) {
			lost.Add(1)
		} else {
			t.Errorf("cancel: unexpected error %v", err)
		}
	}()
	wg.Wait()

	if won.Load() != 1 || lost.Load() != int32(len(buyers)) {
		t.Fatalf("won %d, lost %d", won.Load(), lost.Load())
	}
	assertConserved(t, e, append(buyers, "sam")...)
}

// failingStore fails artifact writes on demand, after every balance write
// of the same transaction has already been issued.
type failingStore struct {
	*store.MemoryStore
	fail atomic.Bool
}

func (s *failingStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.MemoryStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, s: s}, nil
}

type failingTx struct {
	store.Tx
	s *failingStore
}

func (t *failingTx) UpdateArtifact(ctx context.Context, a *model.Artifact) error {
	if t.s.fail.Load() {
		return errors.New("disk full")
	}
	return t.Tx.UpdateArtifact(ctx, a)
}

func TestSettleListing_FailureRollsBackWholeUnit(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	e := newEnvWith(t, st, economy.DefaultConfig())
	e.open(t, "sam", "bob")
	e.fund(t, "bob", model.Coins, "100")
	ctx := context.Background()

	a, err := e.eng.CreateArtifact(ctx, "sam", "amulet", true)
	if err != nil {
		t.Fatal(err)
	}
	l, err := e.eng.OpenListing(ctx, economy.OpenListingRequest{
		SellerID: "sam",
		Item:     model.Item{Kind: model.ItemArtifact, ArtifactID: a.ID},
		Price:    d("100"),
		Currency: model.Coins,
	})
	if err != nil {
		t.Fatal(err)
	}

	st.fail.Store(true)
	_, err = e.eng.SettleListing(ctx, economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"})
	if !errors.Is(err, model.ErrDatabase) {
		t.Fatalf("expected ErrDatabase, got %v", err)
	}

	expectAmount(t, "bob coins", e.balance(t, "bob").Coins, "100")
	expectAmount(t, "sam coins", e.balance(t, "sam").Coins, "0")
	expectAmount(t, "system coins", e.balance(t, model.SystemAccountID).Coins, "0")
	got, _ := e.eng.GetListing(ctx, l.ID)
	if got.Status != model.ListingActive || !got.Locked {
		t.Fatalf("listing should stay active and locked: %+v", got)
	}
	art, _ := e.eng.GetArtifact(ctx, a.ID)
	if art.OwnerID != "sam" || art.ListingID != l.ID {
		t.Fatalf("artifact changed hands: %+v", art)
	}
	if trades, _ := e.eng.ListAccountTrades(ctx, "sam"); len(trades) != 0 {
		t.Fatalf("orphaned trade: %+v", trades)
	}
	if e.events.count(events.TradeCompleted) != 0 {
		t.Fatal("a rolled back trade was announced")
	}

	st.fail.Store(false)
	if _, err := e.eng.SettleListing(ctx, economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"}); err != nil {
		t.Fatalf("settle after recovery: %v", err)
	}
	assertConserved(t, e, "sam", "bob")
}

// --- Purchases and ambient units ---

func TestPurchase_Package(t *testing.T) {
	e := newEnv(t)
	e.open(t, "bob")
	e.fund(t, "bob", model.Stars, "100")
	ctx := context.Background()

	res, err := e.eng.Purchase(ctx, economy.PurchaseRequest{
		BuyerID: "bob",
		Item: model.Item{Kind: model.ItemPackage, PackageID: "starter-pack", Contents: []model.ResourceAmount{
			{Resource: model.Coins, Amount: d("500")},
			{Resource: model.Essence, Amount: d("5")},
		}},
		Price:    d("10"),
		Currency: model.Stars,
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if len(res.Entries) != 5 {
		t.Fatalf("expected 5 entries, got %+v", res.Entries)
	}
	expectAmount(t, "fee", res.Trade.Fee, "0.5")

	b := e.balance(t, "bob")
	expectAmount(t, "bob stars", b.Stars, "90")
	expectAmount(t, "bob coins", b.Coins, "500")
	expectAmount(t, "bob essence", b.Essence, "5")
	expectAmount(t, "system stars", e.balance(t, model.SystemAccountID).Stars, "10")
	assertConserved(t, e, "bob")
}

func TestPurchase_TonRecordsExternalRef(t *testing.T) {
	e := newEnv(t)
	e.open(t, "bob")
	e.fund(t, "bob", model.TON, "2")

	res, err := e.eng.Purchase(context.Background(), economy.PurchaseRequest{
		BuyerID:     "bob",
		Item:        model.Item{Kind: model.ItemResource, Resource: model.Crystals, Amount: d("1000")},
		Price:       d("1.5"),
		Currency:    model.TON,
		ExternalRef: "ton-tx-9f2c",
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if res.Trade.ExternalRef != "ton-tx-9f2c" {
		t.Fatalf("external ref = %q", res.Trade.ExternalRef)
	}
	expectAmount(t, "fee", res.Trade.Fee, "0.07")
	expectAmount(t, "bob ton", e.balance(t, "bob").TON, "0.5")
	assertConserved(t, e, "bob")
}

func TestWithUnit_ComposesOperationsAtomically(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice")
	ctx := context.Background()

	u, err := e.eng.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.eng.RegisterReward(ctx, economy.RewardRequest{
		AccountID: "alice", Resource: model.Coins, Amount: d("100"),
		Cause: model.RewardCause{Kind: model.CauseEvent, Key: "launch"},
	}, economy.WithUnit(u))
	if err != nil {
		t.Fatalf("reward: %v", err)
	}
	if _, err := e.eng.Purchase(ctx, economy.PurchaseRequest{
		BuyerID:  "alice",
		Item:     model.Item{Kind: model.ItemResource, Resource: model.Essence, Amount: d("3")},
		Price:    d("50"),
		Currency: model.Coins,
	}, economy.WithUnit(u)); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	if u.Closed() {
		t.Fatal("engine committed the ambient unit")
	}
	expectAmount(t, "alice coins before commit", e.balance(t, "alice").Coins, "0")
	if len(e.events.got) != 0 {
		t.Fatalf("events delivered before commit: %+v", e.events.got)
	}

	if err := u.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b := e.balance(t, "alice")
	expectAmount(t, "alice coins", b.Coins, "50")
	expectAmount(t, "alice essence", b.Essence, "3")
	if e.events.count(events.RewardIssued) != 1 || e.events.count(events.TradeCompleted) != 1 {
		t.Fatalf("unexpected events %+v", e.events.got)
	}
	assertConserved(t, e, "alice")
}

func TestWithUnit_FailureRollsBackAmbientUnit(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice")
	ctx := context.Background()

	u, err := e.eng.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.eng.RegisterReward(ctx, economy.RewardRequest{
		AccountID: "alice", Resource: model.Coins, Amount: d("100"),
		Cause: model.RewardCause{Kind: model.CauseEvent, Key: "launch"},
	}, economy.WithUnit(u)); err != nil {
		t.Fatal(err)
	}
	_, err = e.eng.SettleListing(ctx, economy.SettleRequest{ListingID: uuid.NewString(), BuyerID: "alice"}, economy.WithUnit(u))
	if !errors.Is(err, model.ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
	if !u.Closed() {
		t.Fatal("ambient unit should be rolled back")
	}
	if err := u.Commit(ctx); !errors.Is(err, model.ErrUnitClosed) {
		t.Fatalf("expected ErrUnitClosed, got %v", err)
	}
	expectAmount(t, "alice coins", e.balance(t, "alice").Coins, "0")
}

func TestQueries(t *testing.T) {
	e := newEnv(t)
	e.open(t, "sam")
	e.fund(t, "sam", model.Coins, "30")
	e.fund(t, "sam", model.Crystals, "30")
	ctx := context.Background()

	e.listResource(t, "sam", model.Coins, "10", "1", model.Stars)
	e.listResource(t, "sam", model.Crystals, "10", "1", model.Coins)
	e.listResource(t, "sam", model.Coins, "10", "2", model.Coins)

	all, err := e.eng.ListActiveListings(ctx, model.ListingFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 listings, got %d %v", len(all), err)
	}
	byCurrency, _ := e.eng.ListActiveListings(ctx, model.ListingFilter{Currency: model.Coins})
	if len(byCurrency) != 2 {
		t.Fatalf("expected 2 coin-priced listings, got %d", len(byCurrency))
	}
	byResource, _ := e.eng.ListActiveListings(ctx, model.ListingFilter{Resource: model.Coins, Currency: model.Coins})
	if len(byResource) != 1 {
		t.Fatalf("expected 1 coins-for-coins listing, got %d", len(byResource))
	}
	if _, err := e.eng.ListActiveListings(ctx, model.ListingFilter{Currency: "gold"}); !errors.Is(err, model.ErrUnknownCurrency) {
		t.Fatalf("expected ErrUnknownCurrency, got %v", err)
	}
	if _, err := e.eng.GetTradeEntries(ctx, uuid.NewString()); !errors.Is(err, model.ErrTradeNotFound) {
		t.Fatalf("expected ErrTradeNotFound, got %v", err)
	}
	if _, err := e.eng.GetBalance(ctx, "ghost"); !errors.Is(err, model.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	created, err := e.eng.OpenAccount(ctx, "sam")
	if err != nil || created {
		t.Fatalf("reopening should be a no-op: %v %v", created, err)
	}
}

func TestSetCommissionRate_TakesEffectImmediately(t *testing.T) {
	e := newEnv(t)
	e.open(t, "sam", "bob")
	e.fund(t, "sam", model.Coins, "20")
	e.fund(t, "bob", model.Crystals, "200")
	ctx := context.Background()

	if rate, err := e.eng.CommissionRate(ctx, model.Crystals); err != nil || !rate.Equal(d("0.05")) {
		t.Fatalf("expected the fallback rate, got %s %v", rate, err)
	}
	if _, err := e.eng.SetCommissionRate(ctx, model.Crystals, d("1.2")); !errors.Is(err, model.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := e.eng.SetCommissionRate(ctx, "gold", d("0.1")); !errors.Is(err, model.ErrUnknownCurrency) {
		t.Fatalf("expected ErrUnknownCurrency, got %v", err)
	}
	if _, err := e.eng.SetCommissionRate(ctx, model.Crystals, d("0.1")); err != nil {
		t.Fatalf("set rate: %v", err)
	}

	l := e.listResource(t, "sam", model.Coins, "20", "100", model.Crystals)
	res, err := e.eng.SettleListing(ctx, economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	expectAmount(t, "fee", res.Trade.Fee, "10")
	expectAmount(t, "sam crystals", e.balance(t, "sam").Crystals, "90")
	assertConserved(t, e, "sam", "bob")
}

func TestExpireAndSettleRace(t *testing.T) {
	e := newEnv(t)
	e.open(t, "sam", "bob")
	e.fund(t, "sam", model.Crystals, "10")
	e.fund(t, "bob", model.Coins, "10")
	ctx := context.Background()

	expiry := e.clock.Now().Add(time.Minute)
	l, err := e.eng.OpenListing(ctx, economy.OpenListingRequest{
		SellerID:  "sam",
		Item:      model.Item{Kind: model.ItemResource, Resource: model.Crystals, Amount: d("10")},
		Price:     d("10"),
		Currency:  model.Coins,
		ExpiresAt: &expiry,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(time.Hour)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = e.eng.ExpireListing(ctx, l.ID)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = e.eng.SettleListing(ctx, economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"})
	}()
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, model.ErrListingNotActive):
			t.Fatalf("loser should observe ErrListingNotActive, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %v", errs)
	}
	got, _ := e.eng.GetListing(ctx, l.ID)
	if got.Status != model.ListingExpired {
		t.Fatalf("status = %s", got.Status)
	}
	expectAmount(t, "sam crystals", e.balance(t, "sam").Crystals, "10")
	assertConserved(t, e, "sam", "bob")
}

type brokenNotifier struct{ calls atomic.Int32 }

func (n *brokenNotifier) Notify(context.Context, events.Event) error {
	n.calls.Add(1)
	return errors.New("broker unavailable")
}

func TestNotifierFailureDoesNotFailOperations(t *testing.T) {
	st := store.NewMemoryStore()
	notifier := &brokenNotifier{}
	eng := economy.New(st, economy.DefaultConfig(),
		economy.WithNotifier(notifier),
		economy.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	e := &env{eng: eng, st: st, events: &recorder{}}
	e.open(t, "sam", "bob")
	ctx := context.Background()

	res, err := eng.RegisterReward(ctx, economy.RewardRequest{
		AccountID: "bob",
		Resource:  model.Coins,
		Amount:    d("300"),
		Cause:     model.RewardCause{Kind: model.CauseTask, Key: "tutorial"},
	})
	if err != nil || res.AlreadyProcessed {
		t.Fatalf("reward: %+v %v", res, err)
	}
	e.fund(t, "sam", model.Crystals, "10")

	l := e.listResource(t, "sam", model.Crystals, "10", "200", model.Coins)
	settled, err := eng.SettleListing(ctx, economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Trade.Status != model.TradeCompleted {
		t.Fatalf("unexpected trade %+v", settled.Trade)
	}

	expectAmount(t, "bob coins", e.balance(t, "bob").Coins, "100")
	expectAmount(t, "bob crystals", e.balance(t, "bob").Crystals, "10")
	expectAmount(t, "sam coins", e.balance(t, "sam").Coins, "190")
	got, err := eng.GetListing(ctx, l.ID)
	if err != nil || got.Status != model.ListingCompleted {
		t.Fatalf("listing after settle: %+v %v", got, err)
	}
	if notifier.calls.Load() == 0 {
		t.Fatal("notifier was never called")
	}
	assertConserved(t, e, "sam", "bob")
}

func TestZeroFallbackRateChargesNoCommission(t *testing.T) {
	cfg := economy.DefaultConfig()
	cfg.FallbackRate = decimal.Zero
	e := newEnvWith(t, store.NewMemoryStore(), cfg)
	e.open(t, "sam", "bob")
	e.fund(t, "sam", model.Essence, "4")
	e.fund(t, "bob", model.Coins, "1000")

	l := e.listResource(t, "sam", model.Essence, "4", "1000", model.Coins)
	res, err := e.eng.SettleListing(context.Background(), economy.SettleRequest{ListingID: l.ID, BuyerID: "bob"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	expectAmount(t, "fee", res.Trade.Fee, "0")
	expectAmount(t, "seller amount", res.Trade.SellerAmount, "1000")
	expectAmount(t, "system coins", e.balance(t, model.SystemAccountID).Coins, "0")
	for _, en := range res.Entries {
		if en.Kind == model.KindEscrowToFee {
			t.Fatalf("unexpected fee entry %+v", en)
		}
	}
	assertConserved(t, e, "sam", "bob")
}

func TestBuyOffer_ChargesCatalogPrice(t *testing.T) {
	e := newEnv(t)
	e.open(t, "p1")
	e.fund(t, "p1", model.TON, "2.5")
	ctx := context.Background()

	res, err := e.eng.BuyOffer(ctx, "p1", "starter-pack", "ton-tx-77")
	if err != nil {
		t.Fatalf("buy offer: %v", err)
	}
	expectAmount(t, "price", res.Trade.Price, "1")
	if res.Trade.Currency != model.TON || res.Trade.ExternalRef != "ton-tx-77" {
		t.Fatalf("unexpected trade %+v", res.Trade)
	}
	b := e.balance(t, "p1")
	expectAmount(t, "p1 ton", b.TON, "1.5")
	expectAmount(t, "p1 coins", b.Coins, "5000")
	expectAmount(t, "p1 crystals", b.Crystals, "100")
	expectAmount(t, "p1 essence", b.Essence, "10")

	if _, err := e.eng.BuyOffer(ctx, "p1", "free-stars", ""); !errors.Is(err, model.ErrOfferNotFound) {
		t.Fatalf("expected ErrOfferNotFound, got %v", err)
	}
	if _, err := e.eng.BuyOffer(ctx, model.SystemAccountID, "starter-pack", ""); !errors.Is(err, model.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound for System as buyer, got %v", err)
	}
	assertConserved(t, e, "p1")
}

func TestConfigValidate_Offers(t *testing.T) {
	if err := economy.DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	coins := model.Item{Kind: model.ItemResource, Resource: model.Coins, Amount: d("10")}
	cases := map[string][]economy.Offer{
		"missing id":       {{Item: coins, Price: d("1"), Currency: model.Stars}},
		"unknown currency": {{ID: "a", Item: coins, Price: d("1"), Currency: "gold"}},
		"negative price":   {{ID: "a", Item: coins, Price: d("-1"), Currency: model.Stars}},
		"artifact offer":   {{ID: "a", Item: model.Item{Kind: model.ItemArtifact, ArtifactID: "x"}, Price: d("1"), Currency: model.Stars}},
		"duplicate id":     {{ID: "a", Item: coins, Price: d("1"), Currency: model.Stars}, {ID: "a", Item: coins, Price: d("2"), Currency: model.Stars}},
	}
	for name, offers := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := economy.DefaultConfig()
			cfg.Offers = offers
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}
