// Package safety implements the SafetyMonitor: a kill-switch that trips
// AutoTradeEnabled off when either a consecutive-loss streak or a rolling
// 24h drawdown reaches the configured ceiling, and that only a manual Reset
// can clear.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/s2ungeda/arbit/arbit/channels"
	"github.com/s2ungeda/arbit/arbit/clockwork"
	"github.com/s2ungeda/arbit/arbit/settings"
	"github.com/s2ungeda/arbit/arbit/types"
)

const drawdownWindow = 24 * time.Hour

// DefaultCheckInterval is how often the timer loop re-evaluates the trip
// conditions between transaction results.
const DefaultCheckInterval = 15 * time.Second

type lossEvent struct {
	at     time.Time
	profit decimal.Decimal
}

// Monitor is the concrete SafetyMonitor.
type Monitor struct {
	store  *settings.Store
	hub    *channels.Hub
	clock  clockwork.Clock
	logger *logrus.Entry

	mu                sync.Mutex
	consecutiveLosses int
	window            []lossEvent
}

// New builds a Monitor.
func New(store *settings.Store, hub *channels.Hub, clock clockwork.Clock, logger *logrus.Entry) *Monitor {
	if logger == nil {
		logger = logrus.WithField("component", "safety")
	}
	return &Monitor{store: store, hub: hub, clock: clock, logger: logger}
}

// RecordResult updates the monitor's loss tracking for a terminal
// transaction and trips the kill-switch if either ceiling is now reached.
// Already-tripped is idempotent: a tripped monitor keeps recording (so the
// drawdown figure stays accurate for operators) but never re-trips or
// changes the recorded reason.
func (m *Monitor) RecordResult(ctx context.Context, tx types.Transaction) error {
	if !tx.Status.Terminal() {
		return nil
	}

	m.mu.Lock()
	now := m.clock.Now()
	m.window = append(m.window, lossEvent{at: now, profit: tx.RealizedProfit})
	m.window = trimWindow(m.window, now)

	// The streak counts terminal statuses, not profit signs: Failed and
	// Partial extend it, a Success resets it even when its realized profit
	// came out negative (that loss still counts toward drawdown below).
	isLoss := tx.Status == types.TransactionStatusFailed || tx.Status == types.TransactionStatusPartial
	if isLoss {
		m.consecutiveLosses++
	} else {
		m.consecutiveLosses = 0
	}
	streak := m.consecutiveLosses
	drawdown := netDrawdown(m.window)
	m.mu.Unlock()

	return m.evaluate(ctx, streak, drawdown)
}

// evaluate trips the kill-switch if either ceiling is reached by the given
// streak/drawdown figures. A no-op while already tripped.
func (m *Monitor) evaluate(ctx context.Context, streak int, drawdown decimal.Decimal) error {
	snap := m.store.Snapshot()
	if snap.SafetyKillSwitchActive {
		return nil
	}

	var reason string
	switch {
	case snap.MaxConsecutiveLosses > 0 && streak >= snap.MaxConsecutiveLosses:
		reason = fmt.Sprintf("Consecutive failures: %d losing trades in a row", streak)
	case snap.MaxDrawdownQuote.IsPositive() && drawdown.GreaterThanOrEqual(snap.MaxDrawdownQuote):
		reason = fmt.Sprintf("Max daily drawdown: %s lost in 24h, ceiling %s", drawdown.String(), snap.MaxDrawdownQuote.String())
	default:
		return nil
	}

	return m.trip(ctx, reason)
}

// Run blocks, re-evaluating the trip conditions on a timer until ctx is
// cancelled. RecordResult already checks on every settled transaction; the
// timer catches a ceiling lowered by a settings change between results.
func (m *Monitor) Run(ctx context.Context) {
	m.RunWithInterval(ctx, DefaultCheckInterval)
}

// RunWithInterval is Run with an explicit check period, exposed for tests.
func (m *Monitor) RunWithInterval(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.mu.Lock()
			m.window = trimWindow(m.window, m.clock.Now())
			streak := m.consecutiveLosses
			drawdown := netDrawdown(m.window)
			m.mu.Unlock()
			if err := m.evaluate(ctx, streak, drawdown); err != nil {
				m.logger.WithError(err).Warn("periodic safety check failed")
			}
		}
	}
}

func trimWindow(window []lossEvent, now time.Time) []lossEvent {
	cutoff := now.Add(-drawdownWindow)
	i := 0
	for i < len(window) && window[i].at.Before(cutoff) {
		i++
	}
	return window[i:]
}

// netDrawdown is the negated net realized profit over the window: wins
// offset losses, so only a window that is net-negative produces a positive
// drawdown figure.
func netDrawdown(window []lossEvent) decimal.Decimal {
	total := decimal.Zero
	for _, ev := range window {
		total = total.Sub(ev.profit)
	}
	return total
}

func (m *Monitor) trip(ctx context.Context, reason string) error {
	_, err := m.store.Apply(func(s types.AppSettings) types.AppSettings {
		s.PreTripAutoTradeEnabled = s.AutoTradeEnabled
		s.SafetyKillSwitchActive = true
		s.SafetyKillSwitchReason = reason
		s.AutoTradeEnabled = false
		return s
	})
	if err != nil {
		return fmt.Errorf("safety: trip: %w", err)
	}
	m.logger.WithField("reason", reason).Warn("kill-switch tripped")
	return m.hub.PublishSafetyEvent(ctx, channels.SafetyEvent{
		Tripped:   true,
		Reason:    reason,
		Timestamp: m.clock.Now(),
	})
}

// Reset clears the kill-switch and loss history, and reinstates whatever
// AutoTradeEnabled was set to at the moment of the trip. Only an explicit
// operator action calls this — nothing in the monitor resets itself.
func (m *Monitor) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.consecutiveLosses = 0
	m.window = nil
	m.mu.Unlock()

	_, err := m.store.Apply(func(s types.AppSettings) types.AppSettings {
		s.SafetyKillSwitchActive = false
		s.SafetyKillSwitchReason = ""
		s.AutoTradeEnabled = s.PreTripAutoTradeEnabled
		return s
	})
	if err != nil {
		return fmt.Errorf("safety: reset: %w", err)
	}
	m.logger.Info("kill-switch reset")
	return m.hub.PublishSafetyEvent(ctx, channels.SafetyEvent{
		Tripped:   false,
		Timestamp: m.clock.Now(),
	})
}

// Tripped reports the current kill-switch state.
func (m *Monitor) Tripped() bool {
	return m.store.Snapshot().SafetyKillSwitchActive
}

// ConsecutiveLosses returns the current streak length, for diagnostics and
// tests.
func (m *Monitor) ConsecutiveLosses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveLosses
}

// Drawdown returns the current rolling-window net drawdown (negated net
// realized profit; negative when the window is net-profitable), for
// diagnostics and tests.
func (m *Monitor) Drawdown() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return netDrawdown(trimWindow(m.window, m.clock.Now()))
}
