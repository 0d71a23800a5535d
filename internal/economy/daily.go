package economy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/events"
	"github.com/gamehub/economy-engine/internal/ledger"
	"github.com/gamehub/economy-engine/internal/model"
)

// DailyBonusResult adds the streak position to a reward result.
type DailyBonusResult struct {
	RewardResult
	// Streak is the zero-based consecutive-day index of this claim.
	Streak int    `json:"streak"`
	Day    string `json:"day"`
}

// ClaimDailyBonus grants the daily bonus once per calendar day in the
// configured location. A claim on the day after the previous one extends
// the streak; skipping a day resets it to zero.
func (e *Engine) ClaimDailyBonus(ctx context.Context, accountID string, opts ...UnitOption) (*DailyBonusResult, error) {
	acct, err := player(accountID)
	if err != nil {
		return nil, err
	}

	var (
		unit *ledger.Unit
		res  *DailyBonusResult
	)
	err = e.run(ctx, opts, func(u *ledger.Unit) error {
		unit = u
		var err error
		res, err = e.claimDaily(ctx, u, acct)
		return err
	})
	if err != nil {
		return nil, err
	}
	res.confirm(unit)
	if res.AlreadyProcessed {
		e.logger.Info("daily bonus already claimed", "account", acct.ID(), "day", res.Day, "streak", res.Streak)
	} else {
		e.logger.Info("daily bonus claimed",
			"account", acct.ID(), "day", res.Day, "streak", res.Streak, "amount", res.Entry.Amount.String())
	}
	return res, nil
}

func (e *Engine) claimDaily(ctx context.Context, u *ledger.Unit, acct model.Account) (*DailyBonusResult, error) {
	if err := u.LockAccounts(ctx, model.System, acct); err != nil {
		return nil, err
	}
	st, err := u.DailyBonus(ctx, acct.ID())
	if err != nil {
		return nil, err
	}

	now := u.Now()
	today := now.In(e.cfg.Location).Format(time.DateOnly)
	streak := 0
	if st != nil {
		switch gap := daysBetween(st.LastClaimAt, now, e.cfg.Location); {
		case gap <= 0:
			return e.dailyClaimed(ctx, u, acct, st, today)
		case gap == 1:
			streak = st.Streak + 1
		}
	}

	cause := model.RewardCause{Kind: model.CauseDaily, Key: today}
	rr, err := e.reward(ctx, u, acct, e.cfg.DailyBonusResource, e.dailyAmount(streak), cause)
	if err != nil {
		return nil, err
	}
	if rr.AlreadyProcessed {
		// The ledger already holds today's grant; the stored state is
		// left as it is.
		prev := 0
		if st != nil {
			prev = st.Streak
		}
		return &DailyBonusResult{RewardResult: *rr, Streak: prev, Day: today}, nil
	}

	if err := u.PutDailyBonus(&model.DailyBonusState{
		AccountID:   acct.ID(),
		LastClaimAt: now,
		Streak:      streak,
	}); err != nil {
		return nil, err
	}
	return &DailyBonusResult{RewardResult: *rr, Streak: streak, Day: today}, nil
}

// dailyClaimed answers a second claim on the same calendar day with the
// earlier grant.
func (e *Engine) dailyClaimed(ctx context.Context, u *ledger.Unit, acct model.Account, st *model.DailyBonusState, today string) (*DailyBonusResult, error) {
	day := st.LastClaimAt.In(e.cfg.Location).Format(time.DateOnly)
	cause := model.RewardCause{Kind: model.CauseDaily, Key: day}.String()
	prior, err := u.FindConfirmedEntry(ctx, model.EntryQuery{
		Kind:          model.KindReward,
		DestinationID: acct.ID(),
		Cause:         cause,
	})
	if err != nil {
		return nil, err
	}
	ev := events.Event{Type: events.RewardDeduplicated, AccountID: acct.ID(), Cause: cause}
	if prior != nil {
		ev.TradeID, ev.Resource, ev.Amount = prior.TradeID, prior.Resource, prior.Amount
	}
	e.notify(ctx, u, ev)
	return &DailyBonusResult{
		RewardResult: RewardResult{AlreadyProcessed: true, Entry: prior},
		Streak:       st.Streak,
		Day:          today,
	}, nil
}

func (e *Engine) dailyAmount(streak int) decimal.Decimal {
	s := e.cfg.DailyBonusSchedule
	if streak >= len(s) {
		streak = len(s) - 1
	}
	return s[streak]
}

// daysBetween counts calendar days from a to b in loc.
func daysBetween(a, b time.Time, loc *time.Location) int {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
