// Package balance implements the Balance Store arithmetic: credits, debits
// and locks applied to a balance row already loaded inside the caller's
// unit of work. Nothing here touches the ledger; callers pair every
// mutation with a ledger entry.
//
// A rejected operation never modifies the balance.
package balance

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/model"
)

// Credit adds amount of r to the available counter.
func Credit(b *model.Balance, r model.Resource, amount decimal.Decimal) error {
	if err := check(r, amount); err != nil {
		return err
	}
	b.SetAmount(r, b.Amount(r).Add(amount))
	return nil
}

// Debit removes amount of r from the available counter. A debit that would
// take the counter negative is rejected, not clamped.
func Debit(b *model.Balance, r model.Resource, amount decimal.Decimal) error {
	if err := check(r, amount); err != nil {
		return err
	}
	current := b.Amount(r)
	if current.LessThan(amount) {
		return insufficient(b, r, amount, current)
	}
	b.SetAmount(r, current.Sub(amount))
	return nil
}

// Lock moves amount of r from available into the locked mirror, reserving
// it while a listing is active.
func Lock(b *model.Balance, r model.Resource, amount decimal.Decimal) error {
	if err := check(r, amount); err != nil {
		return err
	}
	locked, ok := b.Locked(r)
	if !ok {
		return fmt.Errorf("%w: %s cannot be locked", model.ErrItemNotTradable, r)
	}
	current := b.Amount(r)
	if current.LessThan(amount) {
		return insufficient(b, r, amount, current)
	}
	b.SetAmount(r, current.Sub(amount))
	b.SetLocked(r, locked.Add(amount))
	return nil
}

// Unlock reverses Lock, returning amount of r to available.
func Unlock(b *model.Balance, r model.Resource, amount decimal.Decimal) error {
	locked, err := lockedFor(b, r, amount)
	if err != nil {
		return err
	}
	b.SetLocked(r, locked.Sub(amount))
	b.SetAmount(r, b.Amount(r).Add(amount))
	return nil
}

// SpendLocked consumes amount of r from the locked mirror when the reserved
// quantity is delivered to a buyer.
func SpendLocked(b *model.Balance, r model.Resource, amount decimal.Decimal) error {
	locked, err := lockedFor(b, r, amount)
	if err != nil {
		return err
	}
	b.SetLocked(r, locked.Sub(amount))
	return nil
}

func lockedFor(b *model.Balance, r model.Resource, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := check(r, amount); err != nil {
		return decimal.Zero, err
	}
	locked, ok := b.Locked(r)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s cannot be locked", model.ErrItemNotTradable, r)
	}
	if locked.LessThan(amount) {
		return decimal.Zero, insufficient(b, r, amount, locked)
	}
	return locked, nil
}

func check(r model.Resource, amount decimal.Decimal) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %q", model.ErrUnknownCurrency, r)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", model.ErrInvalidAmount, amount)
	}
	if !model.FitsScale(amount, model.AmountScale) {
		return fmt.Errorf("%w: %s has more than %d decimal places", model.ErrInvalidAmount, amount, model.AmountScale)
	}
	return nil
}

func insufficient(b *model.Balance, r model.Resource, required, available decimal.Decimal) error {
	acct, _ := model.ParseAccount(b.AccountID)
	return &model.InsufficientFundsError{
		Account:   acct,
		Resource:  r,
		Required:  required,
		Available: available,
	}
}
