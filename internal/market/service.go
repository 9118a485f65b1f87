// Package market hosts the ledger core behind HTTP. It applies one
// instruction per request under a mutex, persists every resulting ledger
// before acknowledging it, queues settled trades for Kafka and pushes
// settlement events to WebSocket clients.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/energy-market/internal/instruction"
	"github.com/atmx/energy-market/internal/ledger"
	"github.com/atmx/energy-market/internal/limits"
	"github.com/atmx/energy-market/internal/metrics"
	"github.com/atmx/energy-market/internal/outbox"
	"github.com/atmx/energy-market/internal/store"
)

// Result is what a successfully executed instruction produced.
type Result struct {
	Ledger  ledger.Ledger
	Outcome instruction.Outcome
	Version int64
}

// Service executes instructions against one market's ledger. Uses a mutex
// for serialized execution within the process; the store's version check
// catches writers in other processes.
type Service struct {
	store   store.Store
	market  string
	proc    *instruction.Processor
	limiter *limits.SubmissionLimiter
	outbox  *outbox.Outbox // optional durable trade queue
	wsHub   *WSHub         // optional WebSocket hub for real-time broadcasts
	now     func() time.Time
	mu      sync.Mutex
}

// NewService creates a market service.
// Pass nil for limiter, ob or hub to disable the corresponding feature.
func NewService(st store.Store, market string, proc *instruction.Processor, limiter *limits.SubmissionLimiter, ob *outbox.Outbox, hub *WSHub) *Service {
	if proc == nil {
		proc = instruction.NewProcessor(nil, nil)
	}
	return &Service{
		store:   st,
		market:  market,
		proc:    proc,
		limiter: limiter,
		outbox:  ob,
		wsHub:   hub,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Market returns the name of the served ledger.
func (s *Service) Market() string {
	return s.market
}

// Snapshot returns the current persisted ledger without taking the
// execution lock.
func (s *Service) Snapshot(ctx context.Context) (store.Snapshot, error) {
	return store.LoadOrInit(ctx, s.store, s.market)
}

// Execute applies one instruction on behalf of caller and persists the
// result. Nothing is written when any step fails.
func (s *Service) Execute(ctx context.Context, in instruction.Instruction, caller instruction.Caller) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.InstructionLatency.WithLabelValues(string(in.Kind)).Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.execute(ctx, in, caller)
	if err != nil {
		metrics.InstructionsTotal.WithLabelValues(string(in.Kind), "error").Inc()
		return Result{}, err
	}
	metrics.InstructionsTotal.WithLabelValues(string(in.Kind), "ok").Inc()
	return res, nil
}

func (s *Service) execute(ctx context.Context, in instruction.Instruction, caller instruction.Caller) (Result, error) {
	snap, err := store.LoadOrInit(ctx, s.store, s.market)
	if err != nil {
		return Result{}, fmt.Errorf("load ledger: %w", err)
	}

	next, out, err := s.proc.Apply(snap.Ledger, in, caller)
	if err != nil {
		return Result{}, err
	}

	if err := s.checkLimits(snap.Ledger, in); err != nil {
		return Result{}, err
	}

	version, err := s.store.Save(ctx, s.market, next, snap.Version)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.VersionConflicts.Inc()
		}
		return Result{}, fmt.Errorf("save ledger: %w", err)
	}

	s.afterCommit(next, out)
	return Result{Ledger: next, Outcome: out, Version: version}, nil
}

// checkLimits applies the optional submission bounds against the ledger the
// instruction was applied to.
func (s *Service) checkLimits(before ledger.Ledger, in instruction.Instruction) error {
	if s.limiter == nil {
		return nil
	}
	if in.Kind != instruction.KindSubmitOffer && in.Kind != instruction.KindSubmitDemand {
		return nil
	}
	open := len(before.LotsBy(in.Participant)) + len(before.DemandsBy(in.Participant))
	if err := s.limiter.CheckSubmission(in.Amount, in.Price, open); err != nil {
		metrics.LimitRejections.WithLabelValues(limitReason(err)).Inc()
		return err
	}
	return nil
}

func limitReason(err error) string {
	switch {
	case errors.Is(err, limits.ErrAmountLimitExceeded):
		return "amount"
	case errors.Is(err, limits.ErrPriceLimitExceeded):
		return "price"
	case errors.Is(err, limits.ErrNotionalLimitExceeded):
		return "notional"
	case errors.Is(err, limits.ErrOpenEntryLimitExceeded):
		return "open_entries"
	default:
		return "other"
	}
}

// afterCommit runs the side effects of a persisted ledger. Failures here are
// logged; the ledger already holds the trades.
func (s *Service) afterCommit(l ledger.Ledger, out instruction.Outcome) {
	metrics.OpenLots.Set(float64(len(l.Lots)))
	metrics.OpenDemands.Set(float64(len(l.Demands)))
	metrics.Participants.Set(float64(len(l.Participants)))

	switch out.Kind {
	case instruction.KindSubmitOffer, instruction.KindSubmitDemand:
		s.broadcast(WSMessage{Type: MsgBookUpdated, OpenLots: len(l.Lots), OpenDemands: len(l.Demands)})
		return
	case instruction.KindMatch:
	default:
		return
	}

	report := out.Report
	if report == nil {
		return
	}
	metrics.TradesTotal.Add(float64(len(report.Trades)))
	metrics.UnderfundedPairs.Add(float64(report.Underfunded))
	for _, t := range report.Trades {
		metrics.EnergyVolume.Add(float64(t.Amount))
	}

	if s.outbox != nil && len(report.Trades) > 0 {
		if err := s.outbox.Enqueue(s.market, report.Trades, s.now()); err != nil {
			slog.Error("outbox enqueue failed", "market", s.market, "trades", len(report.Trades), "err", err)
		}
	}

	for i := range report.Trades {
		s.broadcast(WSMessage{Type: MsgTradeSettled, Trade: &report.Trades[i], OpenLots: len(l.Lots), OpenDemands: len(l.Demands)})
	}
	s.broadcast(WSMessage{
		Type:        MsgClearingPass,
		Trades:      len(report.Trades),
		Underfunded: report.Underfunded,
		OpenLots:    len(l.Lots),
		OpenDemands: len(l.Demands),
	})

	slog.Info("clearing pass",
		"market", s.market,
		"trades", len(report.Trades),
		"underfunded", report.Underfunded,
		"lots_pruned", report.LotsPruned,
		"demands_pruned", report.DemandsPruned,
	)
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub == nil {
		return
	}
	msg.Market = s.market
	s.wsHub.Broadcast(msg)
}

// operator is the identity the clearing ticker acts as.
var operator = instruction.Caller{Operator: true}

// Match runs one clearing pass as the operator.
func (s *Service) Match(ctx context.Context, trigger string) (Result, error) {
	metrics.ClearingPasses.WithLabelValues(trigger).Inc()
	return s.Execute(ctx, instruction.Instruction{Kind: instruction.KindMatch}, operator)
}

// RunClearing runs a clearing pass every interval until ctx is cancelled.
func (s *Service) RunClearing(ctx context.Context, interval time.Duration) {
	slog.Info("clearing ticker started", "market", s.market, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("clearing ticker stopped", "market", s.market)
			return
		case <-ticker.C:
			if _, err := s.Match(ctx, "ticker"); err != nil && ctx.Err() == nil {
				slog.Error("scheduled clearing failed", "market", s.market, "err", err)
			}
		}
	}
}
