package ledger

import (
	"github.com/atmx/energy-market/internal/model"
)

// SubmitProduction appends a production lot. The producer must be
// registered so that matching can later credit it. Amount and price are not
// bounded here.
func (l Ledger) SubmitProduction(producer model.Identity, amount, price uint64) (Ledger, error) {
	if _, ok := l.indexOf(producer); !ok {
		return l, ErrUnknownParticipant
	}
	next := l.Clone()
	next.Lots = append(next.Lots, model.ProductionLot{
		Producer: producer,
		Amount:   amount,
		Price:    price,
	})
	return next, nil
}

// SubmitDemand appends a demand request under the same registration
// precondition as SubmitProduction.
func (l Ledger) SubmitDemand(consumer model.Identity, amount, priceLimit uint64) (Ledger, error) {
	if _, ok := l.indexOf(consumer); !ok {
		return l, ErrUnknownParticipant
	}
	next := l.Clone()
	next.Demands = append(next.Demands, model.DemandRequest{
		Consumer:   consumer,
		Amount:     amount,
		PriceLimit: priceLimit,
	})
	return next, nil
}

// LotsBy returns the open lots submitted by producer, in book order.
func (l Ledger) LotsBy(producer model.Identity) []model.ProductionLot {
	var out []model.ProductionLot
	for _, lot := range l.Lots {
		if lot.Producer == producer {
			out = append(out, lot)
		}
	}
	return out
}

// DemandsBy returns the open demand requests submitted by consumer.
func (l Ledger) DemandsBy(consumer model.Identity) []model.DemandRequest {
	var out []model.DemandRequest
	for _, d := range l.Demands {
		if d.Consumer == consumer {
			out = append(out, d)
		}
	}
	return out
}

// TradesOf returns settled trades where id is either counterparty.
func (l Ledger) TradesOf(id model.Identity) []model.Trade {
	var out []model.Trade
	for _, t := range l.Trades {
		if t.From == id || t.To == id {
			out = append(out, t)
		}
	}
	return out
}

// Prune drops, in place, lots and demands with nothing left to match, keeping the
// relative order of the rest. It reports how many of each were removed.
func (l *Ledger) Prune() (lots, demands int) {
	keptLots := l.Lots[:0]
	for _, lot := range l.Lots {
		if lot.Amount > 0 {
			keptLots = append(keptLots, lot)
		}
	}
	lots = len(l.Lots) - len(keptLots)
	l.Lots = keptLots

	keptDemands := l.Demands[:0]
	for _, d := range l.Demands {
		if d.Amount > 0 {
			keptDemands = append(keptDemands, d)
		}
	}
	demands = len(l.Demands) - len(keptDemands)
	l.Demands = keptDemands
	return lots, demands
}
