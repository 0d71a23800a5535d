package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/economy"
	"github.com/gamehub/economy-engine/internal/model"
)

type openListingRequest struct {
	SellerID  string          `json:"seller_id,omitempty"`
	Item      model.Item      `json:"item"`
	Price     decimal.Decimal `json:"price"`
	Currency  model.Resource  `json:"currency"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

type buyRequest struct {
	ExternalRef string `json:"external_ref,omitempty"`
}

// OpenListing handles POST /listings. The caller is the seller; a
// seller_id in the body is ignored.
func (h *Handler) OpenListing(w http.ResponseWriter, r *http.Request) {
	var req openListingRequest
	if !decode(w, r, &req) {
		return
	}
	req.SellerID = caller(r)
	h.openListing(w, r, req)
}

// OpenServiceListing handles POST /internal/listings, where the body names
// the seller. System-issued listings are opened this way.
func (h *Handler) OpenServiceListing(w http.ResponseWriter, r *http.Request) {
	var req openListingRequest
	if !decode(w, r, &req) {
		return
	}
	h.openListing(w, r, req)
}

func (h *Handler) openListing(w http.ResponseWriter, r *http.Request, req openListingRequest) {
	l, err := h.engine.OpenListing(r.Context(), economy.OpenListingRequest{
		SellerID:  req.SellerID,
		Item:      req.Item,
		Price:     req.Price,
		Currency:  req.Currency,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.fail(w, r, err, "account", req.SellerID)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// GetListing handles GET /listings/{listingID}.
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "listingID")
	l, err := h.engine.GetListing(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "listing", id)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ListListings handles GET /listings?currency=&resource=&item_kind=&seller_id=&limit=.
func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.ListingFilter{
		SellerID: q.Get("seller_id"),
		Currency: model.Resource(q.Get("currency")),
		ItemKind: model.ItemKind(q.Get("item_kind")),
		Resource: model.Resource(q.Get("resource")),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	ls, err := h.engine.ListActiveListings(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ls == nil {
		ls = []model.Listing{}
	}
	writeJSON(w, http.StatusOK, ls)
}

// BuyListing handles POST /listings/{listingID}/buy. The caller is the buyer.
func (h *Handler) BuyListing(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "listingID")
	res, err := h.engine.SettleListing(r.Context(), economy.SettleRequest{
		ListingID:   id,
		BuyerID:     caller(r),
		ExternalRef: req.ExternalRef,
	})
	if err != nil {
		h.fail(w, r, err, "listing", id, "account", caller(r))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelListing handles POST /listings/{listingID}/cancel.
func (h *Handler) CancelListing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "listingID")
	l, err := h.engine.CancelListing(r.Context(), id, caller(r))
	if err != nil {
		h.fail(w, r, err, "listing", id, "account", caller(r))
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ExpireListing handles POST /internal/listings/{listingID}/expire for
// operators and schedulers outside this process.
func (h *Handler) ExpireListing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "listingID")
	l, err := h.engine.ExpireListing(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "listing", id)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ListOffers handles GET /shop.
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Offers())
}

type buyOfferRequest struct {
	OfferID     string `json:"offer_id"`
	ExternalRef string `json:"external_ref,omitempty"`
}

// BuyOffer handles POST /purchases: the caller buys a shop offer at its
// catalog price, e.g. a package paid in stars or TON.
func (h *Handler) BuyOffer(w http.ResponseWriter, r *http.Request) {
	var req buyOfferRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.BuyOffer(r.Context(), caller(r), req.OfferID, req.ExternalRef)
	if err != nil {
		h.fail(w, r, err, "account", caller(r), "offer", req.OfferID)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type purchaseRequest struct {
	BuyerID     string          `json:"buyer_id"`
	Item        model.Item      `json:"item"`
	Price       decimal.Decimal `json:"price"`
	Currency    model.Resource  `json:"currency"`
	ExternalRef string          `json:"external_ref,omitempty"`
}

// Purchase handles POST /internal/purchases. Game services sell items
// outside the catalog here, at a price they set.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.Purchase(r.Context(), economy.PurchaseRequest{
		BuyerID:     req.BuyerID,
		Item:        req.Item,
		Price:       req.Price,
		Currency:    req.Currency,
		ExternalRef: req.ExternalRef,
	})
	if err != nil {
		h.fail(w, r, err, "account", req.BuyerID)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
