package market

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-market/internal/ledger"
	"github.com/atmx/energy-market/internal/limits"
)

// Stats summarises a ledger. Aggregates are decimal because sums and
// products of uint64 amounts and prices do not fit in uint64.
type Stats struct {
	Market       string `json:"market"`
	Version      int64  `json:"version"`
	Participants int    `json:"participants"`

	OpenLots       int             `json:"open_lots"`
	OpenDemands    int             `json:"open_demands"`
	OfferedEnergy  decimal.Decimal `json:"offered_energy"`
	DemandedEnergy decimal.Decimal `json:"demanded_energy"`
	BestAsk        *uint64         `json:"best_ask,omitempty"` // cheapest open lot price
	BestBid        *uint64         `json:"best_bid,omitempty"` // highest open demand limit

	Trades      int             `json:"trades"`
	Volume      decimal.Decimal `json:"volume"`
	Notional    decimal.Decimal `json:"notional"`
	VWAP        decimal.Decimal `json:"vwap"`
	MoneySupply decimal.Decimal `json:"money_supply"`
}

// ComputeStats walks l once per collection.
func ComputeStats(market string, version int64, l ledger.Ledger) Stats {
	st := Stats{
		Market:         market,
		Version:        version,
		Participants:   len(l.Participants),
		OpenLots:       len(l.Lots),
		OpenDemands:    len(l.Demands),
		OfferedEnergy:  decimal.Zero,
		DemandedEnergy: decimal.Zero,
		Trades:         len(l.Trades),
		Volume:         decimal.Zero,
		Notional:       decimal.Zero,
		VWAP:           decimal.Zero,
		MoneySupply:    decimal.Zero,
	}

	for _, p := range l.Participants {
		st.MoneySupply = st.MoneySupply.Add(limits.Units(p.Balance))
	}

	for _, lot := range l.Lots {
		st.OfferedEnergy = st.OfferedEnergy.Add(limits.Units(lot.Amount))
		if st.BestAsk == nil || lot.Price < *st.BestAsk {
			price := lot.Price
			st.BestAsk = &price
		}
	}
	for _, d := range l.Demands {
		st.DemandedEnergy = st.DemandedEnergy.Add(limits.Units(d.Amount))
		if st.BestBid == nil || d.PriceLimit > *st.BestBid {
			limit := d.PriceLimit
			st.BestBid = &limit
		}
	}

	for _, t := range l.Trades {
		amount := limits.Units(t.Amount)
		st.Volume = st.Volume.Add(amount)
		st.Notional = st.Notional.Add(amount.Mul(limits.Units(t.Price)))
	}
	if st.Volume.IsPositive() {
		st.VWAP = st.Notional.DivRound(st.Volume, 6)
	}
	return st
}
