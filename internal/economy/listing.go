package economy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/events"
	"github.com/gamehub/economy-engine/internal/ledger"
	"github.com/gamehub/economy-engine/internal/model"
)

// OpenListingRequest describes a new offer. SellerID is a player id or
// model.SystemAccountID for System-issued items.
type OpenListingRequest struct {
	SellerID  string
	Item      model.Item
	Price     decimal.Decimal
	Currency  model.Resource
	ExpiresAt *time.Time
}

// OpenListing validates the offer, reserves the backing item of a player
// seller and stages an ACTIVE listing.
func (e *Engine) OpenListing(ctx context.Context, req OpenListingRequest, opts ...UnitOption) (*model.Listing, error) {
	seller, err := model.ParseAccount(req.SellerID)
	if err != nil {
		return nil, err
	}

	var listing *model.Listing
	err = e.run(ctx, opts, func(u *ledger.Unit) error {
		expiresAt := req.ExpiresAt
		if expiresAt == nil && e.cfg.ListingTTL > 0 {
			t := u.Now().Add(e.cfg.ListingTTL)
			expiresAt = &t
		}
		if expiresAt != nil && !expiresAt.After(u.Now()) {
			return fmt.Errorf("%w: expiry %s is not in the future", model.ErrInvalidAmount, expiresAt.Format(time.RFC3339))
		}
		l, err := e.openListing(ctx, u, seller, req.Item, req.Price, req.Currency, expiresAt)
		if err != nil {
			return err
		}
		listing = l
		e.notify(ctx, u, events.Event{
			Type:      events.ListingOpened,
			AccountID: l.SellerID,
			ListingID: l.ID,
			Status:    string(l.Status),
			ItemKind:  l.Item.Kind,
			Resource:  l.Currency,
			Amount:    l.Price,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("listing opened",
		"listing", listing.ID, "account", listing.SellerID,
		"item_kind", listing.Item.Kind, "price", listing.Price.String(), "currency", listing.Currency)
	return listing, nil
}

func (e *Engine) openListing(ctx context.Context, u *ledger.Unit, seller model.Account, item model.Item, price decimal.Decimal, currency model.Resource, expiresAt *time.Time) (*model.Listing, error) {
	if !currency.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownCurrency, currency)
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("%w: price %s is negative", model.ErrInvalidAmount, price)
	}
	if !model.FitsScale(price, model.AmountScale) {
		return nil, fmt.Errorf("%w: price %s has more than %d decimal places", model.ErrInvalidAmount, price, model.AmountScale)
	}
	if err := validateItem(seller, item); err != nil {
		return nil, err
	}

	now := u.Now()
	l := &model.Listing{
		SellerID:  seller.ID(),
		Item:      item,
		Price:     price,
		Currency:  currency,
		Status:    model.ListingActive,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := u.InsertListing(l); err != nil {
		return nil, err
	}

	if err := u.LockAccounts(ctx, seller); err != nil {
		return nil, err
	}
	if !seller.IsSystem() {
		if err := e.reserve(ctx, u, seller, l); err != nil {
			return nil, err
		}
		l.Locked = true
		if err := u.UpdateListing(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// validateItem checks the item's shape. Player sellers can offer lockable
// resources and artifacts; packages and unlockable resources are only
// issued by System.
func validateItem(seller model.Account, item model.Item) error {
	switch item.Kind {
	case model.ItemResource:
		if !item.Resource.Valid() {
			return fmt.Errorf("%w: %q", model.ErrUnknownCurrency, item.Resource)
		}
		if !item.Amount.IsPositive() || !model.FitsScale(item.Amount, model.AmountScale) {
			return fmt.Errorf("%w: item amount %s must be positive with at most %d decimal places", model.ErrInvalidAmount, item.Amount, model.AmountScale)
		}
		if !seller.IsSystem() && !item.Resource.Lockable() {
			return fmt.Errorf("%w: %s cannot be listed by players", model.ErrItemNotTradable, item.Resource)
		}
	case model.ItemArtifact:
		if item.ArtifactID == "" {
			return fmt.Errorf("%w: artifact id is required", model.ErrArtifactNotFound)
		}
		if seller.IsSystem() {
			return fmt.Errorf("%w: System does not own artifacts", model.ErrItemNotTradable)
		}
	case model.ItemPackage:
		if !seller.IsSystem() {
			return fmt.Errorf("%w: packages are sold by System only", model.ErrItemNotTradable)
		}
		if len(item.Contents) == 0 {
			return fmt.Errorf("%w: package %s is empty", model.ErrInvalidAmount, item.PackageID)
		}
		for _, c := range item.Contents {
			if !c.Resource.Valid() {
				return fmt.Errorf("%w: %q", model.ErrUnknownCurrency, c.Resource)
			}
			if !c.Amount.IsPositive() || !model.FitsScale(c.Amount, model.AmountScale) {
				return fmt.Errorf("%w: package %s %s amount must be positive", model.ErrInvalidAmount, item.PackageID, c.Resource)
			}
		}
	default:
		return fmt.Errorf("%w: unknown item kind %q", model.ErrItemNotTradable, item.Kind)
	}
	return nil
}

// reserve locks the seller's backing item for listing l.
func (e *Engine) reserve(ctx context.Context, u *ledger.Unit, seller model.Account, l *model.Listing) error {
	switch l.Item.Kind {
	case model.ItemResource:
		return u.Lock(ctx, seller, l.Item.Resource, l.Item.Amount)
	case model.ItemArtifact:
		a, err := u.LockArtifact(ctx, l.Item.ArtifactID)
		if err != nil {
			return err
		}
		if a.OwnerID != seller.ID() {
			return fmt.Errorf("%w: artifact %s is not owned by %s", model.ErrItemNotTradable, a.ID, seller)
		}
		if !a.Tradable || a.Locked() {
			return fmt.Errorf("%w: artifact %s", model.ErrItemNotTradable, a.ID)
		}
		a.ListingID = l.ID
		return u.UpdateArtifact(a)
	}
	return fmt.Errorf("%w: %s", model.ErrItemNotTradable, l.Item.Kind)
}

// release returns a listing's reserved item to its seller.
func (e *Engine) release(ctx context.Context, u *ledger.Unit, l *model.Listing) error {
	if !l.Locked {
		return nil
	}
	seller := l.Seller()
	switch l.Item.Kind {
	case model.ItemResource:
		if err := u.LockAccounts(ctx, seller); err != nil {
			return err
		}
		if err := u.Unlock(ctx, seller, l.Item.Resource, l.Item.Amount); err != nil {
			return err
		}
	case model.ItemArtifact:
		if err := u.LockAccounts(ctx, seller); err != nil {
			return err
		}
		a, err := u.LockArtifact(ctx, l.Item.ArtifactID)
		if err != nil {
			return err
		}
		if a.ListingID == l.ID {
			a.ListingID = ""
			if err := u.UpdateArtifact(a); err != nil {
				return err
			}
		}
	}
	l.Locked = false
	return nil
}

// CancelListing withdraws an ACTIVE listing on behalf of its seller and
// releases the reserved item.
func (e *Engine) CancelListing(ctx context.Context, listingID, callerID string, opts ...UnitOption) (*model.Listing, error) {
	var listing *model.Listing
	err := e.run(ctx, opts, func(u *ledger.Unit) error {
		l, err := u.LockListing(ctx, listingID)
		if err != nil {
			return err
		}
		if l.Status != model.ListingActive {
			return fmt.Errorf("%w: listing %s is %s", model.ErrListingNotActive, l.ID, l.Status)
		}
		if l.SellerID != callerID {
			return fmt.Errorf("%w: listing %s", model.ErrNotSeller, l.ID)
		}
		listing, err = e.close(ctx, u, l, model.ListingCancelled)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("listing cancelled", "listing", listing.ID, "account", listing.SellerID)
	return listing, nil
}

// ExpireListing closes an ACTIVE listing whose expiry has passed. The
// sweep treats ErrListingNotActive as a no-op: a trade may have completed
// the listing between its read and this call.
func (e *Engine) ExpireListing(ctx context.Context, listingID string, opts ...UnitOption) (*model.Listing, error) {
	var listing *model.Listing
	err := e.run(ctx, opts, func(u *ledger.Unit) error {
		l, err := u.LockListing(ctx, listingID)
		if err != nil {
			return err
		}
		if l.Status != model.ListingActive {
			return fmt.Errorf("%w: listing %s is %s", model.ErrListingNotActive, l.ID, l.Status)
		}
		if !l.ExpiredAt(u.Now()) {
			return fmt.Errorf("%w: listing %s", model.ErrListingNotExpired, l.ID)
		}
		listing, err = e.close(ctx, u, l, model.ListingExpired)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("listing expired", "listing", listing.ID, "account", listing.SellerID)
	return listing, nil
}

func (e *Engine) close(ctx context.Context, u *ledger.Unit, l *model.Listing, status model.ListingStatus) (*model.Listing, error) {
	if err := e.release(ctx, u, l); err != nil {
		return nil, err
	}
	l.Status = status
	if err := u.UpdateListing(l); err != nil {
		return nil, err
	}
	e.notify(ctx, u, events.Event{
		Type:      events.ListingClosed,
		AccountID: l.SellerID,
		ListingID: l.ID,
		Status:    string(status),
		ItemKind:  l.Item.Kind,
	})
	return l, nil
}
