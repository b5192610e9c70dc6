// Package dispatch implements the TradeDispatcher: it consumes accepted
// opportunities off the ChannelHub signal stream, runs the pre-execution
// gate chain (safety, auto-trade switch, concurrency cap, slippage
// re-check), and hands survivors to the Executor — at most one in-flight
// execution per symbol via the singleflight package. It also owns the
// bounded ring of recent transactions.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/s2ungeda/arbit/arbit/book"
	"github.com/s2ungeda/arbit/arbit/channels"
	"github.com/s2ungeda/arbit/arbit/clockwork"
	"github.com/s2ungeda/arbit/arbit/errs"
	"github.com/s2ungeda/arbit/arbit/executor"
	"github.com/s2ungeda/arbit/arbit/inventory"
	"github.com/s2ungeda/arbit/arbit/safety"
	"github.com/s2ungeda/arbit/arbit/settings"
	"github.com/s2ungeda/arbit/arbit/singleflight"
	"github.com/s2ungeda/arbit/arbit/types"
)

// DefaultMaxSlippagePct is the maximum adverse price move, as a percentage
// of the signalled price, tolerated between detection and dispatch before
// an opportunity is abandoned rather than executed stale.
var DefaultMaxSlippagePct = decimal.NewFromFloat(0.5)

// DefaultRingSize bounds the dispatcher-owned ring of recent transactions
// that SafetyMonitor and external readers inspect.
const DefaultRingSize = 256

// Dispatcher is the concrete TradeDispatcher.
type Dispatcher struct {
	hub      *channels.Hub
	store    *settings.Store
	registry *book.Registry
	exec     *executor.Executor
	monitor  *safety.Monitor
	inv      *inventory.Controller
	sf       *singleflight.Group
	clock    clockwork.Clock
	logger   *logrus.Entry

	maxSlippagePct decimal.Decimal
	maxConcurrent  int
	inFlight       int64

	ringMu  sync.Mutex
	ring    []types.Transaction // append-only within the window, oldest first
	ringCap int

	pendingMu sync.Mutex
	pending   map[string]types.Opportunity // symbol -> latest signal awaiting its turn
	draining  map[string]bool              // symbol -> a drain goroutine is active

	skipped    int64
	dispatched int64
}

// New builds a Dispatcher. maxConcurrent caps the total number of
// simultaneously executing transactions across all symbols, on top of the
// per-symbol single-flight guarantee; 0 means unlimited.
func New(hub *channels.Hub, store *settings.Store, registry *book.Registry, exec *executor.Executor, monitor *safety.Monitor, clock clockwork.Clock, maxConcurrent int, logger *logrus.Entry) *Dispatcher {
	if logger == nil {
		logger = logrus.WithField("component", "dispatch")
	}
	return &Dispatcher{
		hub:            hub,
		store:          store,
		registry:       registry,
		exec:           exec,
		monitor:        monitor,
		sf:             singleflight.New(),
		clock:          clock,
		logger:         logger,
		maxSlippagePct: DefaultMaxSlippagePct,
		maxConcurrent:  maxConcurrent,
		ringCap:        DefaultRingSize,
		pending:        make(map[string]types.Opportunity),
		draining:       make(map[string]bool),
	}
}

// SetMaxSlippagePct overrides the default slippage tolerance.
func (d *Dispatcher) SetMaxSlippagePct(pct decimal.Decimal) { d.maxSlippagePct = pct }

// SetInventoryController wires in the InventoryController so the gate chain
// can accept an opportunity that clears only the absolute floor, when doing
// so would passively correct a detected balance skew.
func (d *Dispatcher) SetInventoryController(inv *inventory.Controller) { d.inv = inv }

// Run blocks, dispatching signalled opportunities, until ctx is cancelled.
// Signals for a busy symbol coalesce rather than drop or queue: the latest
// one waits in a per-symbol slot (replacing any earlier waiter) and runs as
// soon as the in-flight execution for that symbol finishes. Distinct
// symbols execute concurrently; the consumer loop itself never blocks on an
// execution.
func (d *Dispatcher) Run(ctx context.Context) {
	signals := d.hub.Signals()
	for {
		select {
		case <-ctx.Done():
			return
		case op, ok := <-signals:
			if !ok {
				return
			}
			d.enqueue(ctx, op)
		}
	}
}

// enqueue records op as its symbol's pending signal — last writer wins —
// and starts a drain goroutine for the symbol unless one is already
// running it down.
func (d *Dispatcher) enqueue(ctx context.Context, op types.Opportunity) {
	d.pendingMu.Lock()
	d.pending[op.Symbol] = op
	if d.draining[op.Symbol] {
		d.pendingMu.Unlock()
		return
	}
	d.draining[op.Symbol] = true
	d.pendingMu.Unlock()

	go d.drain(ctx, op.Symbol)
}

// drain executes the symbol's pending signal, then loops in case a newer
// one arrived while it ran, exiting once the slot is empty. The keyed lock
// serializes it with ExecuteNow calls for the same symbol.
func (d *Dispatcher) drain(ctx context.Context, symbol string) {
	for {
		d.pendingMu.Lock()
		op, ok := d.pending[symbol]
		if !ok {
			delete(d.draining, symbol)
			d.pendingMu.Unlock()
			return
		}
		delete(d.pending, symbol)
		d.pendingMu.Unlock()

		d.sf.Run(symbol, func() {
			d.handle(ctx, op)
		})
	}
}

// gate returns a non-nil error naming the first failing precondition, or
// nil if op clears every gate and may proceed to execution.
func (d *Dispatcher) gate(ctx context.Context, op types.Opportunity, snap types.AppSettings) error {
	// The kill-switch and the master trade switch gate everything, including
	// passive-rebalance candidates; the passive path only bypasses the
	// profit threshold, never the safety gates.
	if snap.SafetyKillSwitchActive {
		return errs.ErrSafetyTripped
	}
	if !snap.AutoTradeEnabled {
		return errs.ErrAutoTradeDisabled
	}
	if d.maxConcurrent > 0 && atomic.LoadInt64(&d.inFlight) >= int64(d.maxConcurrent) {
		return errs.ErrBelowThreshold // concurrency ceiling: treat as "not now", same retry semantics
	}
	threshold := snap.EffectiveThreshold(op.Symbol)
	if !op.PassiveOnly && op.NetPct.LessThan(threshold) {
		if d.inv != nil && d.inv.PassiveOnlyAccept(ctx, op) {
			return nil
		}
		return errs.ErrBelowThreshold
	}
	return nil
}

// slippageCheck re-reads the current best prices for op's two legs and
// rejects if either has moved against the trade by more than
// maxSlippagePct since the signal was generated.
func (d *Dispatcher) slippageCheck(op types.Opportunity) error {
	now := d.clock.Now()
	buyBook, ok := d.registry.Get(op.BuyVenue, op.Symbol, now)
	if !ok {
		return errs.ErrStaleData
	}
	sellBook, ok := d.registry.Get(op.SellVenue, op.Symbol, now)
	if !ok {
		return errs.ErrStaleData
	}
	ask, ok := buyBook.BestAsk()
	if !ok {
		return errs.ErrStaleData
	}
	bid, ok := sellBook.BestBid()
	if !ok {
		return errs.ErrStaleData
	}

	tolerance := d.maxSlippagePct.Div(decimal.NewFromInt(100))
	maxAsk := op.BuyPrice.Mul(decimal.NewFromInt(1).Add(tolerance))
	minBid := op.SellPrice.Mul(decimal.NewFromInt(1).Sub(tolerance))
	if ask.Price.GreaterThan(maxAsk) || bid.Price.LessThan(minBid) {
		return errs.ErrSlippage
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, op types.Opportunity) {
	snap := d.store.Snapshot()
	if err := d.gate(ctx, op, snap); err != nil {
		atomic.AddInt64(&d.skipped, 1)
		d.logger.WithFields(logrus.Fields{"symbol": op.Symbol, "reason": err}).Debug("opportunity gated")
		return
	}
	if err := d.slippageCheck(op); err != nil {
		atomic.AddInt64(&d.skipped, 1)
		d.logger.WithFields(logrus.Fields{"symbol": op.Symbol, "reason": err}).Debug("opportunity skipped")
		return
	}

	d.execute(ctx, op, snap)
}

// execute runs the executor and settles the outcome: ring append, safety
// recording, result publication. Callers have already cleared the gates.
func (d *Dispatcher) execute(ctx context.Context, op types.Opportunity, snap types.AppSettings) types.Transaction {
	atomic.AddInt64(&d.inFlight, 1)
	defer atomic.AddInt64(&d.inFlight, -1)

	tx := d.exec.Execute(ctx, op, snap.ExecutionMode)
	atomic.AddInt64(&d.dispatched, 1)
	d.record(tx)

	if err := d.monitor.RecordResult(ctx, tx); err != nil {
		d.logger.WithError(err).Warn("safety monitor record failed")
	}
	if err := d.hub.PublishResult(ctx, tx); err != nil {
		d.logger.WithError(err).Warn("publish result failed")
	}
	return tx
}

// ExecuteNow runs op through the gate chain once, on the caller's goroutine,
// skipping only the profit-threshold re-check — the seam a manual
// "execute this opportunity" command calls. The kill-switch and auto-trade
// gates, the per-symbol single-flight discipline and the slippage re-check
// all still apply; if another execution is in progress for the same symbol,
// the call waits for it to finish.
func (d *Dispatcher) ExecuteNow(ctx context.Context, op types.Opportunity) (types.Transaction, error) {
	var tx types.Transaction
	var gateErr error
	d.sf.Run(op.Symbol, func() {
		snap := d.store.Snapshot()
		if snap.SafetyKillSwitchActive {
			gateErr = errs.ErrSafetyTripped
			return
		}
		if !snap.AutoTradeEnabled {
			gateErr = errs.ErrAutoTradeDisabled
			return
		}
		if err := d.slippageCheck(op); err != nil {
			gateErr = err
			return
		}
		tx = d.execute(ctx, op, snap)
	})
	if gateErr != nil {
		atomic.AddInt64(&d.skipped, 1)
		return types.Transaction{}, gateErr
	}
	return tx, nil
}

func (d *Dispatcher) record(tx types.Transaction) {
	d.ringMu.Lock()
	defer d.ringMu.Unlock()
	d.ring = append(d.ring, tx)
	if len(d.ring) > d.ringCap {
		d.ring = d.ring[len(d.ring)-d.ringCap:]
	}
}

// Recent returns up to n of the most recent transactions, oldest first. With
// n <= 0 the whole retained window is returned.
func (d *Dispatcher) Recent(n int) []types.Transaction {
	d.ringMu.Lock()
	defer d.ringMu.Unlock()
	if n <= 0 || n > len(d.ring) {
		n = len(d.ring)
	}
	out := make([]types.Transaction, n)
	copy(out, d.ring[len(d.ring)-n:])
	return out
}

// Stats returns (skipped, dispatched) counters for observability.
func (d *Dispatcher) Stats() (skipped, dispatched int64) {
	return atomic.LoadInt64(&d.skipped), atomic.LoadInt64(&d.dispatched)
}
