package httpapi

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/economy"
	"github.com/gamehub/economy-engine/internal/model"
)

type rewardRequest struct {
	AccountID string            `json:"account_id"`
	Resource  model.Resource    `json:"resource"`
	Amount    decimal.Decimal   `json:"amount"`
	Cause     model.RewardCause `json:"cause"`
}

// RegisterReward handles POST /internal/rewards. Game services call it when a
// player completes a task, an upgrade or an event. A repeated cause answers
// 200 with already_processed set; a fresh grant answers 201.
func (h *Handler) RegisterReward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.RegisterReward(r.Context(), economy.RewardRequest{
		AccountID: req.AccountID,
		Resource:  req.Resource,
		Amount:    req.Amount,
		Cause:     req.Cause,
	})
	if err != nil {
		h.fail(w, r, err, "account", req.AccountID, "cause", req.Cause.String())
		return
	}
	writeJSON(w, grantStatus(res.AlreadyProcessed), res)
}

// ClaimDailyBonus handles POST /daily-bonus for the caller.
func (h *Handler) ClaimDailyBonus(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.ClaimDailyBonus(r.Context(), caller(r))
	if err != nil {
		h.fail(w, r, err, "account", caller(r))
		return
	}
	writeJSON(w, grantStatus(res.AlreadyProcessed), res)
}

type referralRequest struct {
	ReferrerID string `json:"referrer_id"`
}

// RegisterReferral handles POST /referrals: the caller names who invited
// them.
func (h *Handler) RegisterReferral(w http.ResponseWriter, r *http.Request) {
	var req referralRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.RegisterReferral(r.Context(), caller(r), req.ReferrerID)
	if err != nil {
		h.fail(w, r, err, "account", caller(r), "referrer", req.ReferrerID)
		return
	}
	writeJSON(w, grantStatus(res.AlreadyProcessed), res)
}

func grantStatus(alreadyProcessed bool) int {
	if alreadyProcessed {
		return http.StatusOK
	}
	return http.StatusCreated
}
