// Package detection implements the DetectionService: it reacts to
// BookRegistry's market-update stream, re-evaluates the touched symbol
// across every registered venue via the OpportunityCalculator, and
// publishes any accepted opportunity onto the ChannelHub signal stream.
// Every evaluation also runs a second, lower-bar pass against the absolute
// floor and publishes that candidate onto the passive-rebalance stream for
// InventoryController, regardless of whether the first pass found anything.
package detection

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/s2ungeda/arbit/arbit/book"
	"github.com/s2ungeda/arbit/arbit/calculator"
	"github.com/s2ungeda/arbit/arbit/channels"
	"github.com/s2ungeda/arbit/arbit/clockwork"
	"github.com/s2ungeda/arbit/arbit/settings"
	"github.com/s2ungeda/arbit/arbit/types"
	"github.com/s2ungeda/arbit/arbit/venue"
)

// SymbolSpec names one monitored trading pair and its asset split, needed
// for balance-cap lookups (e.g. "BTCUSDT" -> base "BTC", quote "USDT").
type SymbolSpec struct {
	Symbol string
	Base   string
	Quote  string
}

// Service is the concrete DetectionService.
type Service struct {
	registry *book.Registry
	store    *settings.Store
	calc     *calculator.Calculator
	hub      *channels.Hub
	clock    clockwork.Clock
	logger   *logrus.Entry

	mu      sync.RWMutex
	venues  map[string]venue.Adapter
	symbols map[string]SymbolSpec // Symbol -> spec

	evaluated int64
	accepted  int64
	statsMu   sync.Mutex
}

// New builds a Service. Venues and symbols are registered after
// construction via RegisterVenue/RegisterSymbol so the wiring code can
// build them up incrementally.
func New(registry *book.Registry, store *settings.Store, hub *channels.Hub, clock clockwork.Clock, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logrus.WithField("component", "detection")
	}
	return &Service{
		registry: registry,
		store:    store,
		calc:     calculator.New(),
		hub:      hub,
		clock:    clock,
		logger:   logger,
		venues:   make(map[string]venue.Adapter),
		symbols:  make(map[string]SymbolSpec),
	}
}

// RegisterVenue makes adapter's cached fees and balances available to every
// symbol evaluation.
func (s *Service) RegisterVenue(adapter venue.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.venues[adapter.VenueID()] = adapter
}

// RegisterSymbol adds symbol to the monitored set.
func (s *Service) RegisterSymbol(spec SymbolSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[spec.Symbol] = spec
}

// Run blocks, evaluating symbols as BookRegistry reports updates, until ctx
// is cancelled. Intended to be run in its own goroutine by the caller.
func (s *Service) Run(ctx context.Context) {
	updates := s.registry.MarketUpdateStream()
	for {
		select {
		case <-ctx.Done():
			return
		case symbol, ok := <-updates:
			if !ok {
				return
			}
			s.evaluate(symbol)
		}
	}
}

func (s *Service) evaluate(symbol string) {
	s.mu.RLock()
	spec, known := s.symbols[symbol]
	venueIDs := make([]string, 0, len(s.venues))
	venuesCopy := make(map[string]venue.Adapter, len(s.venues))
	for id, v := range s.venues {
		venueIDs = append(venueIDs, id)
		venuesCopy[id] = v
	}
	s.mu.RUnlock()
	if !known {
		return
	}

	now := s.clock.Now()
	books := s.registry.AllFresh(symbol, venueIDs, now)
	if len(books) < 2 {
		return
	}

	fees := make(map[string]types.FeeSchedule, len(venuesCopy))
	balances := make(map[string][]types.Balance, len(venuesCopy))
	for id, v := range venuesCopy {
		if _, ok := books[id]; !ok {
			continue
		}
		sched := v.CachedFees()
		if sched.Stale(now) {
			continue
		}
		fees[id] = sched
		balances[id] = v.CachedBalances()
	}
	if len(fees) < 2 {
		return
	}

	// The kill-switch gates dispatch and execution, not detection: observers
	// keep receiving opportunities while tripped, the dispatcher discards them.
	snap := s.store.Snapshot()

	in := calculator.Input{
		Symbol:                symbol,
		Books:                 books,
		Fees:                  fees,
		Balances:              balances,
		UseTakerFees:          snap.UseTakerFees,
		GlobalMinProfitPct:    snap.GlobalMinProfitPct,
		PairMinProfitPct:      snap.PairMinProfitPct,
		SafeBalanceMultiplier: snap.SafeBalanceMultiplier,
		IsSandbox:             snap.SandboxMode,
	}

	s.statsMu.Lock()
	s.evaluated++
	s.statsMu.Unlock()

	op, ok := s.calc.Best(in, spec.Base, spec.Quote)
	if ok {
		op.ID = uuid.NewString()
		op.Timestamp = now

		s.statsMu.Lock()
		s.accepted++
		s.statsMu.Unlock()

		s.logger.WithFields(logrus.Fields{
			"symbol":  op.Symbol,
			"buy":     op.BuyVenue,
			"sell":    op.SellVenue,
			"net_pct": op.NetPct.String(),
		}).Info("opportunity detected")

		s.hub.PublishSignal(op)
	}

	// Always also evaluate the lower-bar candidate — the best pair clearing
	// only the absolute floor, not the configured profit threshold — and
	// publish it on the passive-rebalance stream regardless of whether the
	// normal pass above found anything.
	lowIn := in
	lowIn.ThresholdOverride = &types.AbsoluteFloorPct
	lowOp, ok := s.calc.Best(lowIn, spec.Base, spec.Quote)
	if !ok {
		return
	}
	lowOp.ID = uuid.NewString()
	lowOp.Timestamp = now
	s.hub.PublishPassiveSignal(lowOp)
}

// Stats returns (symbols evaluated, opportunities accepted) counters for
// observability.
func (s *Service) Stats() (evaluated, accepted int64) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.evaluated, s.accepted
}
