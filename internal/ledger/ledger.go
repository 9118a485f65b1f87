// Package ledger holds the market's root aggregate: participants, open
// production lots, open demand requests and the settlement log.
//
// Ledger is a value. Every operation takes the current Ledger and returns a
// new one; on error the returned Ledger is the input, untouched. Callers must
// serialise operations against one Ledger and persist each result before
// applying the next.
package ledger

import (
	"errors"

	"github.com/atmx/energy-market/internal/model"
	"github.com/atmx/energy-market/internal/safe"
)

var (
	// ErrUnknownParticipant is returned when a referenced identity is not
	// registered.
	ErrUnknownParticipant = errors.New("ledger: unknown participant")

	// ErrDuplicateParticipant is returned when an identity registers twice.
	ErrDuplicateParticipant = errors.New("ledger: participant already registered")

	// ErrInsufficientFunds is returned when a withdrawal exceeds the balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInvalidAccountData is returned when settlement references a
	// participant that is missing from the ledger.
	ErrInvalidAccountData = errors.New("ledger: invalid account data")

	// ErrUnauthorized is returned by the host layer when the caller does
	// not own the account it acts on.
	ErrUnauthorized = errors.New("ledger: unauthorized")

	ErrArithmeticOverflow  = safe.ErrOverflow
	ErrArithmeticUnderflow = safe.ErrUnderflow
)

// Ledger is the single root aggregate. The four collections keep insertion
// order; matching reorders lots and demands deterministically.
type Ledger struct {
	Participants []model.Participant   `json:"participants"`
	Lots         []model.ProductionLot `json:"lots"`
	Demands      []model.DemandRequest `json:"demands"`
	Trades       []model.Trade         `json:"trades"`
}

// Initialize returns an empty ledger. It does not merge with prior state.
func Initialize() Ledger {
	return Ledger{
		Participants: []model.Participant{},
		Lots:         []model.ProductionLot{},
		Demands:      []model.DemandRequest{},
		Trades:       []model.Trade{},
	}
}

// Clone returns a deep copy that shares no backing arrays with l.
func (l Ledger) Clone() Ledger {
	return Ledger{
		Participants: append(make([]model.Participant, 0, len(l.Participants)), l.Participants...),
		Lots:         append(make([]model.ProductionLot, 0, len(l.Lots)), l.Lots...),
		Demands:      append(make([]model.DemandRequest, 0, len(l.Demands)), l.Demands...),
		Trades:       append(make([]model.Trade, 0, len(l.Trades)), l.Trades...),
	}
}

// Register appends a participant with zero balance.
func (l Ledger) Register(id model.Identity, role model.Role) (Ledger, error) {
	if _, ok := l.indexOf(id); ok {
		return l, ErrDuplicateParticipant
	}
	next := l.Clone()
	next.Participants = append(next.Participants, model.Participant{ID: id, Role: role})
	return next, nil
}

// Find returns the participant registered under id.
func (l Ledger) Find(id model.Identity) (model.Participant, error) {
	i, ok := l.indexOf(id)
	if !ok {
		return model.Participant{}, ErrUnknownParticipant
	}
	return l.Participants[i], nil
}

// ParticipantIndex maps each identity to its position in Participants.
// If an identity appears more than once the first position wins, matching
// Find.
func (l Ledger) ParticipantIndex() map[model.Identity]int {
	idx := make(map[model.Identity]int, len(l.Participants))
	for i := len(l.Participants) - 1; i >= 0; i-- {
		idx[l.Participants[i].ID] = i
	}
	return idx
}

func (l Ledger) indexOf(id model.Identity) (int, bool) {
	for i := range l.Participants {
		if l.Participants[i].ID == id {
			return i, true
		}
	}
	return -1, false
}
