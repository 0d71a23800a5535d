package model

import "strings"

// SystemAccountID is the reserved storage id of the synthetic System
// account. It never collides with player ids issued by the identity layer.
const SystemAccountID = "00000000-0000-0000-0000-000000000000"

type accountKind uint8

const (
	playerAccount accountKind = iota + 1
	systemAccount
)

// Account identifies either a player or the System escrow/issuer account.
// The zero value is invalid; build accounts with Player or use System.
type Account struct {
	kind accountKind
	id   string
}

// System is the single synthetic account that holds escrowed payments,
// parks commission fees and issues rewards.
var System = Account{kind: systemAccount, id: SystemAccountID}

// Player returns the account of a player.
func Player(id string) Account {
	return Account{kind: playerAccount, id: id}
}

// ParseAccount maps a stored id back to an Account. The System sentinel id
// resolves to System; any other non-empty id is a player.
func ParseAccount(id string) (Account, error) {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return Account{}, ErrAccountNotFound
	case id == SystemAccountID:
		return System, nil
	default:
		return Player(id), nil
	}
}

// IsSystem reports whether a is the System account.
func (a Account) IsSystem() bool { return a.kind == systemAccount }

// IsZero reports whether a was never set.
func (a Account) IsZero() bool { return a.kind == 0 }

// ID is the storage key of the account.
func (a Account) ID() string { return a.id }

func (a Account) String() string {
	if a.IsSystem() {
		return "system"
	}
	return a.id
}
