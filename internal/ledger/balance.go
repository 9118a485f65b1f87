package ledger

import (
	"fmt"

	"github.com/atmx/energy-market/internal/model"
	"github.com/atmx/energy-market/internal/safe"
)

// Credit adds amount to p's wallet. p is left unchanged on overflow.
func Credit(p *model.Participant, amount uint64) error {
	next, err := safe.Add(p.Balance, amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", p.ID, err)
	}
	p.Balance = next
	return nil
}

// Debit removes amount from p's wallet. It fails with ErrInsufficientFunds
// rather than letting the balance go below zero.
func Debit(p *model.Participant, amount uint64) error {
	if p.Balance < amount {
		return fmt.Errorf("debit %s: %w", p.ID, ErrInsufficientFunds)
	}
	next, err := safe.Sub(p.Balance, amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", p.ID, err)
	}
	p.Balance = next
	return nil
}

// Deposit credits amount to a registered participant.
func (l Ledger) Deposit(id model.Identity, amount uint64) (Ledger, error) {
	return l.mutateParticipant(id, func(p *model.Participant) error {
		return Credit(p, amount)
	})
}

// Withdraw debits amount from a registered participant.
func (l Ledger) Withdraw(id model.Identity, amount uint64) (Ledger, error) {
	return l.mutateParticipant(id, func(p *model.Participant) error {
		return Debit(p, amount)
	})
}

func (l Ledger) mutateParticipant(id model.Identity, fn func(*model.Participant) error) (Ledger, error) {
	i, ok := l.indexOf(id)
	if !ok {
		return l, ErrUnknownParticipant
	}
	next := l.Clone()
	if err := fn(&next.Participants[i]); err != nil {
		return l, err
	}
	return next, nil
}
