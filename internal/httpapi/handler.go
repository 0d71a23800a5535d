// Package httpapi exposes the economy engine over HTTP. Handlers only
// decode, call the engine and map results; every rule lives in the engine.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gamehub/economy-engine/internal/economy"
	"github.com/gamehub/economy-engine/internal/metrics"
	"github.com/gamehub/economy-engine/internal/model"
)

const (
	// CallerHeader carries the authenticated player id, set by the gateway
	// in front of this service.
	CallerHeader = "X-Account-ID"
	// ServiceHeader carries the shared token of trusted game services.
	ServiceHeader = "X-Service-Token"
)

// Handler serves the economy API.
type Handler struct {
	engine       *economy.Engine
	logger       *slog.Logger
	serviceToken string
}

// Option configures a Handler.
type Option func(*Handler)

// WithServiceToken enables the /internal routes for requests carrying
// token in ServiceHeader. Without it those routes answer 403.
func WithServiceToken(token string) Option {
	return func(h *Handler) { h.serviceToken = token }
}

// NewHandler creates a handler over engine.
func NewHandler(engine *economy.Engine, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{engine: engine, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	// Account and read-side queries.
	r.Post("/accounts", h.OpenAccount)
	r.Get("/accounts/{accountID}/balance", h.GetBalance)
	r.Get("/accounts/{accountID}/trades", h.ListTrades)
	r.Get("/accounts/{accountID}/ledger", h.ListLedger)
	r.Get("/trades/{tradeID}/entries", h.GetTradeEntries)
	r.Get("/listings", h.ListListings)
	r.Get("/listings/{listingID}", h.GetListing)
	r.Get("/shop", h.ListOffers)
	r.Get("/artifacts/{artifactID}", h.GetArtifact)
	r.Get("/commission-rates/{currency}", h.GetCommissionRate)

	// Player actions.
	r.Group(func(r chi.Router) {
		r.Use(requireCaller)
		r.Post("/listings", h.OpenListing)
		r.Post("/listings/{listingID}/buy", h.BuyListing)
		r.Post("/listings/{listingID}/cancel", h.CancelListing)
		r.Post("/purchases", h.BuyOffer)
		r.Post("/daily-bonus", h.ClaimDailyBonus)
		r.Post("/referrals", h.RegisterReferral)
	})

	// Game services: grants, System issuance, expiry and rates.
	r.Route("/internal", func(r chi.Router) {
		r.Use(h.requireService)
		r.Post("/rewards", h.RegisterReward)
		r.Post("/listings", h.OpenServiceListing)
		r.Post("/listings/{listingID}/expire", h.ExpireListing)
		r.Post("/purchases", h.Purchase)
		r.Post("/artifacts", h.CreateArtifact)
		r.Put("/commission-rates/{currency}", h.SetCommissionRate)
	})
}

type callerKey struct{}

// requireCaller rejects requests without a player id. The System account
// never acts through the public API.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(CallerHeader))
		if id == "" {
			writeError(w, CallerHeader+" header is required", http.StatusUnauthorized)
			return
		}
		if id == model.SystemAccountID {
			writeError(w, "the system account cannot act as a caller", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, id)))
	})
}

// requireService admits requests carrying the configured service token.
func (h *Handler) requireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.serviceToken == "" {
			writeError(w, "internal routes are disabled", http.StatusForbidden)
			return
		}
		token := r.Header.Get(ServiceHeader)
		if token == "" {
			writeError(w, ServiceHeader+" header is required", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.serviceToken)) != 1 {
			writeError(w, "invalid service token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) string {
	id, _ := r.Context().Value(callerKey{}).(string)
	return id
}

// fail maps an engine error onto a status code. Client errors are echoed;
// server errors are logged with the ids involved and hidden.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, attrs ...any) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		metrics.EngineErrors.WithLabelValues("server").Inc()
		h.logger.Error("engine call failed",
			append([]any{"path", r.URL.Path, "caller", r.Header.Get(CallerHeader), "error", err}, attrs...)...)
		writeError(w, "internal error", status)
		return
	}
	metrics.EngineErrors.WithLabelValues("client").Inc()
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrDatabase):
		return http.StatusInternalServerError
	case errors.Is(err, model.ErrAccountNotFound),
		errors.Is(err, model.ErrListingNotFound),
		errors.Is(err, model.ErrTradeNotFound),
		errors.Is(err, model.ErrArtifactNotFound),
		errors.Is(err, model.ErrOfferNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrNotSeller):
		return http.StatusForbidden
	case errors.Is(err, model.ErrItemNotTradable),
		errors.Is(err, model.ErrListingNotActive),
		errors.Is(err, model.ErrListingNotExpired):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrUnknownCurrency),
		errors.Is(err, model.ErrSelfTrade),
		errors.Is(err, model.ErrSelfReferral):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
