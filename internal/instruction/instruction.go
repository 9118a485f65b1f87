// Package instruction is the boundary between the host and the ledger core.
// It defines the closed set of operations a caller may request, decodes them
// from JSON and applies exactly one per call.
package instruction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atmx/energy-market/internal/ledger"
	"github.com/atmx/energy-market/internal/matching"
	"github.com/atmx/energy-market/internal/model"
)

var (
	ErrUnknownKind = errors.New("instruction: unknown kind")
	ErrMissingRole = errors.New("instruction: register_participant requires a role")
)

// Kind names one operation of the instruction set.
type Kind string

const (
	KindInitialize   Kind = "initialize"
	KindRegister     Kind = "register_participant"
	KindSubmitOffer  Kind = "submit_offer"
	KindSubmitDemand Kind = "submit_demand"
	KindMatch        Kind = "match"
	KindDeposit      Kind = "deposit"
	KindWithdraw     Kind = "withdraw"
)

var kinds = map[Kind]bool{
	KindInitialize:   true,
	KindRegister:     true,
	KindSubmitOffer:  true,
	KindSubmitDemand: true,
	KindMatch:        true,
	KindDeposit:      true,
	KindWithdraw:     true,
}

// Instruction is one decoded request. Fields a kind does not use are ignored.
// Price holds the unit price for offers and the price limit for demands.
type Instruction struct {
	Kind        Kind           `json:"kind"`
	Role        model.Role     `json:"role,omitempty"`
	Participant model.Identity `json:"participant,omitempty"`
	Amount      uint64         `json:"amount,omitempty"`
	Price       uint64         `json:"price,omitempty"`
}

// Decode parses a JSON instruction and checks its kind. A registration must
// name its role; the zero Role is a valid producer and cannot stand in for
// an absent field.
func Decode(data []byte) (Instruction, error) {
	var wire struct {
		Instruction
		Role *model.Role `json:"role"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Instruction{}, fmt.Errorf("decode instruction: %w", err)
	}
	in := wire.Instruction
	in.Kind = Kind(strings.ToLower(strings.TrimSpace(string(in.Kind))))
	if !kinds[in.Kind] {
		return Instruction{}, fmt.Errorf("%w: %q", ErrUnknownKind, in.Kind)
	}
	if wire.Role != nil {
		in.Role = *wire.Role
	} else if in.Kind == KindRegister {
		return Instruction{}, ErrMissingRole
	}
	return in, nil
}

// Caller is the authenticated identity the host attaches to a request.
// Operators may initialize the ledger and trigger clearing passes.
type Caller struct {
	Identity model.Identity
	Operator bool
}

// Outcome carries what an applied instruction produced besides the ledger.
type Outcome struct {
	Kind   Kind
	Report *matching.Report // set for KindMatch
}

// Processor applies instructions against a ledger.
type Processor struct {
	engine *matching.Engine
	now    func() time.Time
}

// NewProcessor creates a processor. A nil clock defaults to UTC wall time.
func NewProcessor(engine *matching.Engine, now func() time.Time) *Processor {
	if engine == nil {
		engine = matching.NewEngine()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{engine: engine, now: now}
}

// Apply runs one instruction. On error the input ledger is returned as is.
func (p *Processor) Apply(l ledger.Ledger, in Instruction, caller Caller) (ledger.Ledger, Outcome, error) {
	out := Outcome{Kind: in.Kind}

	if err := authorize(in, caller); err != nil {
		return l, out, err
	}

	var (
		next ledger.Ledger
		err  error
	)
	switch in.Kind {
	case KindInitialize:
		next = ledger.Initialize()
	case KindRegister:
		next, err = l.Register(caller.Identity, in.Role)
	case KindSubmitOffer:
		next, err = l.SubmitProduction(in.Participant, in.Amount, in.Price)
	case KindSubmitDemand:
		next, err = l.SubmitDemand(in.Participant, in.Amount, in.Price)
	case KindDeposit:
		next, err = l.Deposit(in.Participant, in.Amount)
	case KindWithdraw:
		next, err = l.Withdraw(in.Participant, in.Amount)
	case KindMatch:
		var report matching.Report
		next, report, err = p.engine.Run(l, p.now())
		out.Report = &report
	default:
		return l, out, fmt.Errorf("%w: %q", ErrUnknownKind, in.Kind)
	}
	if err != nil {
		return l, Outcome{Kind: in.Kind}, fmt.Errorf("%s: %w", in.Kind, err)
	}
	return next, out, nil
}

func authorize(in Instruction, caller Caller) error {
	switch in.Kind {
	case KindInitialize, KindMatch:
		if !caller.Operator {
			return fmt.Errorf("%s requires an operator: %w", in.Kind, ledger.ErrUnauthorized)
		}
	case KindSubmitOffer, KindSubmitDemand, KindDeposit, KindWithdraw:
		if caller.Identity.IsZero() || in.Participant != caller.Identity {
			return fmt.Errorf("%s on behalf of %s: %w", in.Kind, in.Participant, ledger.ErrUnauthorized)
		}
	case KindRegister:
		if caller.Identity.IsZero() {
			return fmt.Errorf("register without identity: %w", ledger.ErrUnauthorized)
		}
	}
	return nil
}
