package economy

import (
	"context"
	"fmt"

	"github.com/gamehub/economy-engine/internal/ledger"
	"github.com/gamehub/economy-engine/internal/model"
)

// ReferralResult reports the referral edge and the referrer's reward.
// AlreadyProcessed is set when the player already had a referrer; the
// existing edge is returned and nothing changes.
type ReferralResult struct {
	AlreadyProcessed bool                `json:"already_processed"`
	Edge             *model.ReferralEdge `json:"edge"`
	Reward           *RewardResult       `json:"reward,omitempty"`
}

// RegisterReferral records that referrerID invited playerID and grants
// the configured referral reward to the referrer with cause
// referral:<playerID>. A player's referrer is set at most once.
func (e *Engine) RegisterReferral(ctx context.Context, playerID, referrerID string, opts ...UnitOption) (*ReferralResult, error) {
	p, err := player(playerID)
	if err != nil {
		return nil, err
	}
	ref, err := player(referrerID)
	if err != nil {
		return nil, err
	}
	if p.ID() == ref.ID() {
		return nil, fmt.Errorf("%w: %s", model.ErrSelfReferral, playerID)
	}

	var (
		unit *ledger.Unit
		res  *ReferralResult
	)
	err = e.run(ctx, opts, func(u *ledger.Unit) error {
		unit = u
		var err error
		res, err = e.referral(ctx, u, p, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		e.logger.Info("referral already registered", "account", playerID, "referrer", res.Edge.ReferrerID)
		return res, nil
	}
	res.Reward.confirm(unit)
	e.logger.Info("referral registered", "account", playerID, "referrer", referrerID,
		"reward_processed", res.Reward.AlreadyProcessed)
	return res, nil
}

func (e *Engine) referral(ctx context.Context, u *ledger.Unit, p, ref model.Account) (*ReferralResult, error) {
	if err := u.LockAccounts(ctx, model.System, p, ref); err != nil {
		return nil, err
	}
	existing, err := u.Referral(ctx, p.ID())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &ReferralResult{AlreadyProcessed: true, Edge: existing}, nil
	}

	edge := &model.ReferralEdge{PlayerID: p.ID(), ReferrerID: ref.ID(), CreatedAt: u.Now()}
	if err := u.InsertReferral(edge); err != nil {
		return nil, err
	}
	rr, err := e.reward(ctx, u, ref, e.cfg.ReferralResource, e.cfg.ReferralReward,
		model.RewardCause{Kind: model.CauseReferral, Key: p.ID()})
	if err != nil {
		return nil, err
	}
	return &ReferralResult{Edge: edge, Reward: rr}, nil
}
