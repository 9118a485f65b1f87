// Package matching implements the clearing pass that settles demand requests
// against production lots.
//
// A pass is deterministic: given the same ledger and clearing time every
// replica produces the same trades, balances and trade IDs.
//
// Rules for one pass:
//   - demands are visited by remaining amount, largest first; lots by unit
//     price, cheapest first; both sorts are stable
//   - a pair clears only when the lot covers the whole remaining demand and
//     the lot price is within the demand's price limit
//   - the trade settles at the lot price
//   - a consumer that cannot pay for a pair is skipped for that pair only
//   - any other failure aborts the pass and the input ledger is returned
package matching

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/energy-market/internal/ledger"
	"github.com/atmx/energy-market/internal/model"
	"github.com/atmx/energy-market/internal/safe"
)

// tradeNamespace seeds deterministic trade IDs.
var tradeNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("energy-market/trade"))

// Report summarises one clearing pass.
type Report struct {
	Trades        []model.Trade `json:"trades"`
	Underfunded   int           `json:"underfunded"`    // pairs skipped for lack of consumer funds
	LotsPruned    int           `json:"lots_pruned"`    // exhausted lots removed
	DemandsPruned int           `json:"demands_pruned"` // satisfied demands removed
}

// Engine runs clearing passes. It holds no ledger state between calls.
type Engine struct{}

// NewEngine creates a matching engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Run performs one clearing pass over l, stamping trades with at.
// On error the returned ledger is l and nothing from the pass is kept.
func (e *Engine) Run(l ledger.Ledger, at time.Time) (ledger.Ledger, Report, error) {
	work := l.Clone()

	slices.SortStableFunc(work.Demands, func(a, b model.DemandRequest) int {
		return cmp.Compare(b.Amount, a.Amount)
	})
	slices.SortStableFunc(work.Lots, func(a, b model.ProductionLot) int {
		return cmp.Compare(a.Price, b.Price)
	})

	index := work.ParticipantIndex()
	seq := len(work.Trades)
	var report Report

	for di := range work.Demands {
		d := &work.Demands[di]
		for li := range work.Lots {
			if d.Amount == 0 {
				break
			}
			lot := &work.Lots[li]
			if d.Amount > lot.Amount || d.PriceLimit < lot.Price {
				continue
			}

			amount := min(d.Amount, lot.Amount)
			price := lot.Price
			cost, err := safe.Mul(amount, price)
			if err != nil {
				return l, Report{}, fmt.Errorf("trade cost %d x %d: %w", amount, price, err)
			}

			ci, ok := index[d.Consumer]
			if !ok {
				return l, Report{}, fmt.Errorf("consumer %s: %w", d.Consumer, ledger.ErrInvalidAccountData)
			}
			pi, ok := index[lot.Producer]
			if !ok {
				return l, Report{}, fmt.Errorf("producer %s: %w", lot.Producer, ledger.ErrInvalidAccountData)
			}
			consumer := &work.Participants[ci]
			producer := &work.Participants[pi]

			if consumer.Balance < cost {
				report.Underfunded++
				continue
			}

			if err := settle(consumer, producer, amount, cost); err != nil {
				return l, Report{}, err
			}
			if d.Amount, err = safe.Sub(d.Amount, amount); err != nil {
				return l, Report{}, err
			}
			if lot.Amount, err = safe.Sub(lot.Amount, amount); err != nil {
				return l, Report{}, err
			}

			trade := model.Trade{
				From:      d.Consumer,
				To:        lot.Producer,
				Amount:    amount,
				Price:     price,
				Timestamp: at,
			}
			trade.ID = tradeID(seq+len(report.Trades), trade)
			report.Trades = append(report.Trades, trade)
		}
	}

	report.LotsPruned, report.DemandsPruned = work.Prune()
	work.Trades = append(work.Trades, report.Trades...)
	return work, report, nil
}

// settle moves cost from consumer to producer and amount of energy the other
// way. consumer and producer may be the same participant.
func settle(consumer, producer *model.Participant, amount, cost uint64) error {
	energy, err := safe.ToInt64(amount)
	if err != nil {
		return fmt.Errorf("energy amount %d: %w", amount, err)
	}
	if err := ledger.Debit(consumer, cost); err != nil {
		return err
	}
	if err := ledger.Credit(producer, cost); err != nil {
		return err
	}
	if consumer.EnergyBalance, err = safe.AddInt64(consumer.EnergyBalance, energy); err != nil {
		return fmt.Errorf("energy balance %s: %w", consumer.ID, err)
	}
	if producer.EnergyBalance, err = safe.SubInt64(producer.EnergyBalance, energy); err != nil {
		return fmt.Errorf("energy balance %s: %w", producer.ID, err)
	}
	return nil
}

// tradeID derives a stable identifier from the trade's position in the
// settlement log and its contents.
func tradeID(seq int, t model.Trade) string {
	key := fmt.Sprintf("%d|%s|%s|%d|%d|%d", seq, t.From, t.To, t.Amount, t.Price, t.Timestamp.UnixNano())
	return uuid.NewSHA1(tradeNamespace, []byte(key)).String()
}
