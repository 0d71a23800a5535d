package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound   = errors.New("economy: account not found")
	ErrListingNotFound   = errors.New("economy: listing not found")
	ErrTradeNotFound     = errors.New("economy: trade not found")
	ErrListingNotActive  = errors.New("economy: listing not active")
	ErrListingNotExpired = errors.New("economy: listing not expired")
	ErrItemNotTradable   = errors.New("economy: item not tradable")
	ErrInsufficientFunds = errors.New("economy: insufficient funds")
	ErrInvalidAmount     = errors.New("economy: invalid amount")
	ErrUnknownCurrency   = errors.New("economy: unknown currency")
	ErrArtifactNotFound  = errors.New("economy: artifact not found")
	ErrOfferNotFound     = errors.New("economy: offer not found")
	ErrNotSeller         = errors.New("economy: caller is not the seller")
	ErrSelfTrade         = errors.New("economy: buyer and seller are the same account")
	ErrSelfReferral      = errors.New("economy: player cannot refer themselves")
	ErrDatabase          = errors.New("economy: database error")

	// ErrUnitClosed is returned when a unit of work is used after it was
	// committed or rolled back.
	ErrUnitClosed = errors.New("economy: unit of work closed")

	// ErrReconciliation is returned at commit when the staged ledger entries
	// of a trade do not match the balance deltas applied for it.
	ErrReconciliation = errors.New("economy: ledger does not reconcile with balances")
)

// InsufficientFundsError carries the amounts involved in a rejected debit.
type InsufficientFundsError struct {
	Account   Account
	Resource  Resource
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("economy: insufficient %s for %s: required %s, available %s",
		e.Resource, e.Account, e.Required, e.Available)
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// DatabaseError wraps any failure from the storage layer.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string { return fmt.Sprintf("economy: database: %s: %v", e.Op, e.Err) }

func (e *DatabaseError) Unwrap() error { return e.Err }

func (e *DatabaseError) Is(target error) bool { return target == ErrDatabase }

// DBError wraps err as a DatabaseError unless it is nil or already belongs
// to the taxonomy.
func DBError(op string, err error) error {
	if err == nil || IsDomainError(err) {
		return err
	}
	return &DatabaseError{Op: op, Err: err}
}

// IsDomainError reports whether err is one of the client-facing failures:
// anything in the taxonomy except ErrDatabase.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrAccountNotFound, ErrListingNotFound, ErrTradeNotFound, ErrListingNotActive, ErrListingNotExpired,
		ErrItemNotTradable, ErrInsufficientFunds, ErrInvalidAmount, ErrUnknownCurrency,
		ErrArtifactNotFound, ErrNotSeller, ErrSelfTrade, ErrSelfReferral,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
