package model

import (
	"fmt"
	"strings"
)

// Resource is one of the five fungible counters an account holds. The set
// is closed: every switch over Resource must name all five.
type Resource string

const (
	// Coins is the primary soft resource earned through play.
	Coins Resource = "coins"
	// Crystals is the secondary soft resource.
	Crystals Resource = "crystals"
	// Essence is the meta-resource spent on upgrades.
	Essence Resource = "essence"
	// Stars is the premium currency bought with real money.
	Stars Resource = "stars"
	// TON is the blockchain token currency. Settlement happens off-engine;
	// only the external transaction id is recorded.
	TON Resource = "ton"
)

// Resources lists every resource in display order.
var Resources = []Resource{Coins, Crystals, Essence, Stars, TON}

// ParseResource validates a resource name coming from a caller.
func ParseResource(s string) (Resource, error) {
	r := Resource(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
	return r, nil
}

// Valid reports whether r is a member of the closed enumeration.
func (r Resource) Valid() bool {
	switch r {
	case Coins, Crystals, Essence, Stars, TON:
		return true
	}
	return false
}

// Lockable reports whether r has a mirrored locked counter. Only these
// resources can back a player-created listing.
func (r Resource) Lockable() bool {
	switch r {
	case Coins, Crystals, Essence:
		return true
	}
	return false
}

func (r Resource) String() string { return string(r) }
