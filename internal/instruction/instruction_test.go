package instruction

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/energy-market/internal/ledger"
	"github.com/atmx/energy-market/internal/model"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func id(b byte) model.Identity {
	var out model.Identity
	out[0] = b
	out[model.IdentitySize-1] = b
	return out
}

func newProcessor() *Processor {
	return NewProcessor(nil, func() time.Time { return fixedNow })
}

func apply(t *testing.T, p *Processor, l ledger.Ledger, in Instruction, c Caller) ledger.Ledger {
	t.Helper()
	next, _, err := p.Apply(l, in, c)
	require.NoError(t, err, "apply %s", in.Kind)
	return next
}

func TestDecode(t *testing.T) {
	raw := fmt.Sprintf(`{"kind":"Submit_Demand","participant":"%s","amount":50,"price":6}`, id(7))

	in, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, KindSubmitDemand, in.Kind)
	assert.Equal(t, id(7), in.Participant)
	assert.Equal(t, uint64(50), in.Amount)
	assert.Equal(t, uint64(6), in.Price)
}

func TestDecode_Role(t *testing.T) {
	in, err := Decode([]byte(`{"kind":"register_participant","role":"Prosumer"}`))
	require.NoError(t, err)
	assert.Equal(t, model.RoleProsumer, in.Role)
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown kind":     `{"kind":"cancel"}`,
		"missing kind":     `{}`,
		"bad identity":     `{"kind":"deposit","participant":"abc"}`,
		"bad role":         `{"kind":"register_participant","role":"miner"}`,
		"negative amount":  `{"kind":"deposit","amount":-1}`,
		"not json":         `deposit 10`,
		"amount overflows": `{"kind":"deposit","amount":18446744073709551616}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestDecode_RegisterRequiresRole(t *testing.T) {
	for _, raw := range []string{
		`{"kind":"register_participant"}`,
		`{"kind":"register_participant","role":null}`,
	} {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMissingRole, raw)
	}

	// Producer is the zero Role; naming it explicitly must still work.
	in, err := Decode([]byte(`{"kind":"register_participant","role":"producer"}`))
	require.NoError(t, err)
	assert.Equal(t, model.RoleProducer, in.Role)

	// Other kinds do not need a role.
	_, err = Decode([]byte(`{"kind":"match"}`))
	assert.NoError(t, err)
}

func TestDecode_UnknownKindSentinel(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"cancel"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestApply_FullFlow(t *testing.T) {
	p := newProcessor()
	op := Caller{Identity: id(99), Operator: true}
	prod := Caller{Identity: id(1)}
	cons := Caller{Identity: id(2)}

	l := apply(t, p, ledger.Ledger{}, Instruction{Kind: KindInitialize}, op)
	l = apply(t, p, l, Instruction{Kind: KindRegister, Role: model.RoleProducer}, prod)
	l = apply(t, p, l, Instruction{Kind: KindRegister, Role: model.RoleConsumer}, cons)
	l = apply(t, p, l, Instruction{Kind: KindDeposit, Participant: id(2), Amount: 1000}, cons)
	l = apply(t, p, l, Instruction{Kind: KindSubmitOffer, Participant: id(1), Amount: 100, Price: 5}, prod)
	l = apply(t, p, l, Instruction{Kind: KindSubmitDemand, Participant: id(2), Amount: 50, Price: 6}, cons)

	l, out, err := p.Apply(l, Instruction{Kind: KindMatch}, op)
	require.NoError(t, err)
	require.NotNil(t, out.Report)
	require.Len(t, out.Report.Trades, 1)

	tr := out.Report.Trades[0]
	assert.Equal(t, id(2), tr.From)
	assert.Equal(t, id(1), tr.To)
	assert.Equal(t, uint64(50), tr.Amount)
	assert.Equal(t, uint64(5), tr.Price)
	assert.Equal(t, fixedNow, tr.Timestamp)

	buyer, err := l.Find(id(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(750), buyer.Balance)

	l = apply(t, p, l, Instruction{Kind: KindWithdraw, Participant: id(1), Amount: 250}, prod)
	seller, err := l.Find(id(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seller.Balance)
}

func TestApply_RegisterUsesCallerIdentity(t *testing.T) {
	p := newProcessor()
	// Participant in the body is ignored for registration.
	l := apply(t, p, ledger.Initialize(),
		Instruction{Kind: KindRegister, Role: model.RoleConsumer, Participant: id(5)},
		Caller{Identity: id(3)})

	_, err := l.Find(id(3))
	assert.NoError(t, err)
	_, err = l.Find(id(5))
	assert.ErrorIs(t, err, ledger.ErrUnknownParticipant)
}

func TestApply_Unauthorized(t *testing.T) {
	p := newProcessor()
	l := ledger.Initialize()
	l = apply(t, p, l, Instruction{Kind: KindRegister, Role: model.RoleProsumer}, Caller{Identity: id(1)})
	l = apply(t, p, l, Instruction{Kind: KindDeposit, Participant: id(1), Amount: 10}, Caller{Identity: id(1)})

	cases := []struct {
		name string
		in   Instruction
		c    Caller
	}{
		{"initialize by participant", Instruction{Kind: KindInitialize}, Caller{Identity: id(1)}},
		{"match by participant", Instruction{Kind: KindMatch}, Caller{Identity: id(1)}},
		{"withdraw for someone else", Instruction{Kind: KindWithdraw, Participant: id(1), Amount: 1}, Caller{Identity: id(2)}},
		{"offer for someone else", Instruction{Kind: KindSubmitOffer, Participant: id(1), Amount: 1}, Caller{Identity: id(2)}},
		{"demand for someone else", Instruction{Kind: KindSubmitDemand, Participant: id(1), Amount: 1}, Caller{Identity: id(2)}},
		{"deposit for someone else", Instruction{Kind: KindDeposit, Participant: id(1), Amount: 1}, Caller{Identity: id(2)}},
		{"register anonymous", Instruction{Kind: KindRegister}, Caller{}},
		{"anonymous offer", Instruction{Kind: KindSubmitOffer, Amount: 1}, Caller{Operator: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, _, err := p.Apply(l, tc.in, tc.c)
			assert.ErrorIs(t, err, ledger.ErrUnauthorized)
			assert.Equal(t, l, next)
		})
	}
}

func TestApply_OperatorCannotActForParticipant(t *testing.T) {
	p := newProcessor()
	l := apply(t, p, ledger.Initialize(), Instruction{Kind: KindRegister}, Caller{Identity: id(1)})

	_, _, err := p.Apply(l, Instruction{Kind: KindDeposit, Participant: id(1), Amount: 5},
		Caller{Identity: id(99), Operator: true})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}

func TestApply_ErrorReturnsInputLedger(t *testing.T) {
	p := newProcessor()
	l := apply(t, p, ledger.Initialize(), Instruction{Kind: KindRegister}, Caller{Identity: id(1)})

	next, out, err := p.Apply(l, Instruction{Kind: KindWithdraw, Participant: id(1), Amount: 1}, Caller{Identity: id(1)})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, l, next)
	assert.Nil(t, out.Report)
}

func TestApply_DuplicateRegistration(t *testing.T) {
	p := newProcessor()
	c := Caller{Identity: id(1)}
	l := apply(t, p, ledger.Initialize(), Instruction{Kind: KindRegister}, c)

	_, _, err := p.Apply(l, Instruction{Kind: KindRegister}, c)
	assert.ErrorIs(t, err, ledger.ErrDuplicateParticipant)
}

func TestApply_InitializeResets(t *testing.T) {
	p := newProcessor()
	l := apply(t, p, ledger.Initialize(), Instruction{Kind: KindRegister}, Caller{Identity: id(1)})

	l = apply(t, p, l, Instruction{Kind: KindInitialize}, Caller{Operator: true})
	assert.Empty(t, l.Participants)
	assert.NotNil(t, l.Trades)
}

func TestApply_UnknownKind(t *testing.T) {
	_, _, err := newProcessor().Apply(ledger.Initialize(), Instruction{Kind: "cancel"}, Caller{Operator: true})
	assert.ErrorIs(t, err, ErrUnknownKind)
}
