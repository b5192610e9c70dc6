// Package strategy implements SmartStrategy: an optional control loop that
// adapts AppSettings.GlobalMinProfitPct to the signalled net percentages of
// recent successful trades instead of leaving it a static operator-set
// constant.
package strategy

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/s2ungeda/arbit/arbit/channels"
	"github.com/s2ungeda/arbit/arbit/clockwork"
	"github.com/s2ungeda/arbit/arbit/settings"
	"github.com/s2ungeda/arbit/arbit/types"
)

// windowSize bounds how many recent successful trades inform the
// recommendation; older trades age out.
const windowSize = 50

// minFloorPct and maxCeilingPct bound any recommendation SmartStrategy ever
// applies, so it can never disable trading (floor) or demand an
// unreachable margin (ceiling) on its own.
var (
	minFloorPct   = decimal.NewFromFloat(0.02)
	maxCeilingPct = decimal.NewFromFloat(2.0)
)

// Recommender computes a recommended GlobalMinProfitPct from a window of
// the signalled net-profit percentages of recent successful trades.
type Recommender interface {
	Recommend(window []decimal.Decimal, current decimal.Decimal) decimal.Decimal
}

// HalfOfRecentMean recommends half the mean of the window's net
// percentages: conservative enough to keep trading selective while still
// tracking where the market has actually been paying out.
type HalfOfRecentMean struct{}

func (HalfOfRecentMean) Recommend(window []decimal.Decimal, current decimal.Decimal) decimal.Decimal {
	if len(window) == 0 {
		return current
	}
	sum := decimal.Zero
	for _, v := range window {
		sum = sum.Add(v)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(window))))
	rec := mean.Div(decimal.NewFromInt(2))
	if rec.LessThan(minFloorPct) {
		rec = minFloorPct
	}
	if rec.GreaterThan(maxCeilingPct) {
		rec = maxCeilingPct
	}
	return rec.RoundBank(4)
}

// Strategy is the concrete SmartStrategy control loop.
type Strategy struct {
	store     *settings.Store
	hub       *channels.Hub
	clock     clockwork.Clock
	recommend Recommender
	logger    *logrus.Entry

	mu        sync.Mutex
	window    []decimal.Decimal
	manualPct decimal.Decimal // GlobalMinProfitPct before the first adjustment
	adjusted  bool
}

// New builds a Strategy using HalfOfRecentMean as the default recommender.
func New(store *settings.Store, hub *channels.Hub, clock clockwork.Clock, logger *logrus.Entry) *Strategy {
	if logger == nil {
		logger = logrus.WithField("component", "smart-strategy")
	}
	return &Strategy{store: store, hub: hub, clock: clock, recommend: HalfOfRecentMean{}, logger: logger}
}

// SetRecommender overrides the recommendation algorithm.
func (s *Strategy) SetRecommender(r Recommender) { s.recommend = r }

// Run blocks, folding each successful transaction's signalled net
// percentage into the rolling window and re-applying a recommended
// threshold, until ctx is cancelled. When SmartStrategyEnabled is false in
// the settings snapshot at the time a result arrives, the result is not
// recorded and a threshold this strategy adjusted is restored to the
// operator-set value.
func (s *Strategy) Run(ctx context.Context) {
	// A subscription, not the primary stream: app-level result logging is
	// the primary consumer and must also see every transaction.
	results := s.hub.SubscribeResults()
	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-results:
			if !ok {
				return
			}
			s.observe(ctx, tx)
		}
	}
}

func (s *Strategy) observe(ctx context.Context, tx types.Transaction) {
	snap := s.store.Snapshot()
	if !snap.SmartStrategyEnabled {
		s.restoreManual(ctx)
		return
	}
	if tx.Status != types.TransactionStatusSuccess {
		return
	}

	s.mu.Lock()
	s.window = append(s.window, tx.Opportunity.NetPct)
	if len(s.window) > windowSize {
		s.window = s.window[len(s.window)-windowSize:]
	}
	windowCopy := make([]decimal.Decimal, len(s.window))
	copy(windowCopy, s.window)
	s.mu.Unlock()

	rec := s.recommend.Recommend(windowCopy, snap.GlobalMinProfitPct)
	if rec.Equal(snap.GlobalMinProfitPct) {
		return
	}

	s.mu.Lock()
	if !s.adjusted {
		s.manualPct = snap.GlobalMinProfitPct
		s.adjusted = true
	}
	s.mu.Unlock()

	if _, err := s.store.Apply(func(v types.AppSettings) types.AppSettings {
		v.GlobalMinProfitPct = rec
		return v
	}); err != nil {
		s.logger.WithError(err).Warn("failed to apply recommended threshold")
		return
	}
	s.logger.WithField("global_min_profit_pct", rec.String()).Info("smart strategy adjusted threshold")
	if err := s.hub.PublishStrategyUpdate(ctx, channels.StrategyUpdate{
		ThresholdPct: rec,
		Reason:       "recent realized spread average",
		Timestamp:    s.clock.Now(),
	}); err != nil {
		s.logger.WithError(err).Warn("failed to publish strategy update")
	}
}

// restoreManual puts back the operator-set threshold once the smart strategy
// is observed disabled after having adjusted it. A no-op otherwise.
func (s *Strategy) restoreManual(ctx context.Context) {
	s.mu.Lock()
	if !s.adjusted {
		s.mu.Unlock()
		return
	}
	manual := s.manualPct
	s.adjusted = false
	s.window = nil
	s.mu.Unlock()

	if _, err := s.store.Apply(func(v types.AppSettings) types.AppSettings {
		v.GlobalMinProfitPct = manual
		return v
	}); err != nil {
		s.logger.WithError(err).Warn("failed to restore manual threshold")
		return
	}
	s.logger.WithField("global_min_profit_pct", manual.String()).Info("smart strategy disabled, manual threshold restored")
	if err := s.hub.PublishStrategyUpdate(ctx, channels.StrategyUpdate{
		ThresholdPct: manual,
		Reason:       "smart strategy disabled, manual threshold restored",
		Timestamp:    s.clock.Now(),
	}); err != nil {
		s.logger.WithError(err).Warn("failed to publish strategy update")
	}
}
