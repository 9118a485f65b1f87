// Package model defines the core domain types shared across the energy market.
// Quantities and prices are unsigned integers in the smallest unit; every
// arithmetic step on them goes through package safe.
package model

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// IdentitySize is the length in bytes of a participant identity.
const IdentitySize = 32

var (
	ErrInvalidIdentity = errors.New("model: identity must be 64 hex characters")
	ErrInvalidRole     = errors.New("model: role must be producer, consumer or prosumer")
)

// Identity is an opaque fixed-size participant key supplied by the host.
type Identity [IdentitySize]byte

// ParseIdentity decodes the 64-character hex form of an identity.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	s = strings.TrimSpace(s)
	if len(s) != hex.EncodedLen(IdentitySize) {
		return id, fmt.Errorf("%w: got %d characters", ErrInvalidIdentity, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return id, nil
}

func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the identity is all zero bytes.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Identity) UnmarshalText(b []byte) error {
	parsed, err := ParseIdentity(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Role is informational; it does not restrict which instructions a
// participant may submit.
type Role uint8

const (
	RoleProducer Role = iota
	RoleConsumer
	RoleProsumer
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	case RoleProsumer:
		return "prosumer"
	default:
		return "unknown"
	}
}

// ParseRole accepts the lowercase or capitalised role name.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "producer":
		return RoleProducer, nil
	case "consumer":
		return RoleConsumer, nil
	case "prosumer":
		return RoleProsumer, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

func (r Role) MarshalText() ([]byte, error) {
	if r > RoleProsumer {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, r)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Participant is a registered market identity with its wallet.
type Participant struct {
	ID      Identity `json:"id"`
	Role    Role     `json:"role"`
	Balance uint64   `json:"balance"`

	// EnergyBalance is net energy received: consumers go up, producers go
	// down. It never gates matching.
	EnergyBalance int64 `json:"energy_balance"`
}

// ProductionLot is energy a producer offers at a fixed unit price.
// Amount is the remaining quantity and shrinks as the lot is matched.
type ProductionLot struct {
	Producer Identity `json:"producer"`
	Amount   uint64   `json:"amount"`
	Price    uint64   `json:"price"`
}

// DemandRequest is energy a consumer wants at or below PriceLimit.
// Amount is the remaining quantity.
type DemandRequest struct {
	Consumer   Identity `json:"consumer"`
	Amount     uint64   `json:"amount"`
	PriceLimit uint64   `json:"price_limit"`
}

// Trade is an immutable settlement record. Once appended to the ledger it
// is never modified or removed.
type Trade struct {
	ID        string    `json:"id"`
	From      Identity  `json:"from"` // consumer
	To        Identity  `json:"to"`   // producer
	Amount    uint64    `json:"amount"`
	Price     uint64    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}
