package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/model"
)

type openAccountRequest struct {
	AccountID string `json:"account_id"`
}

// OpenAccount handles POST /accounts. Opening an existing account is a
// no-op answered with 200.
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if !decode(w, r, &req) {
		return
	}
	created, err := h.engine.OpenAccount(r.Context(), req.AccountID)
	if err != nil {
		h.fail(w, r, err, "account", req.AccountID)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"account_id": req.AccountID, "created": created})
}

// GetBalance handles GET /accounts/{accountID}/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	b, err := h.engine.GetBalance(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "account", id)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ListTrades handles GET /accounts/{accountID}/trades.
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	ts, err := h.engine.ListAccountTrades(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "account", id)
		return
	}
	if ts == nil {
		ts = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, ts)
}

// ListLedger handles GET /accounts/{accountID}/ledger.
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	es, err := h.engine.ListAccountLedger(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "account", id)
		return
	}
	if es == nil {
		es = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, es)
}

// GetTradeEntries handles GET /trades/{tradeID}/entries.
func (h *Handler) GetTradeEntries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tradeID")
	es, err := h.engine.GetTradeEntries(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "trade", id)
		return
	}
	writeJSON(w, http.StatusOK, es)
}

type createArtifactRequest struct {
	OwnerID    string `json:"owner_id"`
	TemplateID string `json:"template_id"`
	Tradable   bool   `json:"tradable"`
}

// CreateArtifact handles POST /internal/artifacts, minting an artifact for
// owner_id.
func (h *Handler) CreateArtifact(w http.ResponseWriter, r *http.Request) {
	var req createArtifactRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.engine.CreateArtifact(r.Context(), req.OwnerID, req.TemplateID, req.Tradable)
	if err != nil {
		h.fail(w, r, err, "account", req.OwnerID)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetArtifact handles GET /artifacts/{artifactID}.
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "artifactID")
	a, err := h.engine.GetArtifact(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "artifact", id)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetCommissionRate handles GET /commission-rates/{currency}.
func (h *Handler) GetCommissionRate(w http.ResponseWriter, r *http.Request) {
	currency := model.Resource(chi.URLParam(r, "currency"))
	rate, err := h.engine.CommissionRate(r.Context(), currency)
	if err != nil {
		h.fail(w, r, err, "currency", string(currency))
		return
	}
	writeJSON(w, http.StatusOK, model.CommissionRate{Currency: currency, Rate: rate})
}

type setRateRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

// SetCommissionRate handles PUT /internal/commission-rates/{currency}.
func (h *Handler) SetCommissionRate(w http.ResponseWriter, r *http.Request) {
	var req setRateRequest
	if !decode(w, r, &req) {
		return
	}
	currency := model.Resource(chi.URLParam(r, "currency"))
	cr, err := h.engine.SetCommissionRate(r.Context(), currency, req.Rate)
	if err != nil {
		h.fail(w, r, err, "currency", string(currency))
		return
	}
	writeJSON(w, http.StatusOK, cr)
}
