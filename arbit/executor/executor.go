// Package executor implements the Executor: it places the two legs of an
// accepted opportunity, sequentially or concurrently, and performs
// compensating undo when only one leg fills — cancel if unfilled, else an
// opposite market order to flatten. It is the only component that places or
// cancels orders.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/s2ungeda/arbit/arbit/clockwork"
	"github.com/s2ungeda/arbit/arbit/errs"
	"github.com/s2ungeda/arbit/arbit/types"
	"github.com/s2ungeda/arbit/arbit/venue"
)

// RollbackTimeout bounds how long a compensating undo is allowed to run
// once the primary legs have already settled.
const RollbackTimeout = 10 * time.Second

// LegTimeout bounds each primary leg's place call. An expired leg is not
// assumed failed: its status is polled up to statusPollAttempts times before
// it is classified, so a cancellation never leaks an unreconciled order.
const LegTimeout = 10 * time.Second

const (
	statusPollAttempts = 3
	statusPollDelay    = 500 * time.Millisecond
)

// Executor owns all order placement for the pipeline.
type Executor struct {
	venues     map[string]venue.Adapter
	clock      clockwork.Clock
	logger     *logrus.Entry
	legTimeout time.Duration

	seenMu sync.Mutex
	seen   map[string]types.Transaction // opportunity ID -> its settled transaction
}

// New builds an Executor. Venues are registered after construction.
func New(clock clockwork.Clock, logger *logrus.Entry) *Executor {
	if logger == nil {
		logger = logrus.WithField("component", "executor")
	}
	return &Executor{
		venues:     make(map[string]venue.Adapter),
		clock:      clock,
		logger:     logger,
		legTimeout: LegTimeout,
		seen:       make(map[string]types.Transaction),
	}
}

// SetLegTimeout overrides the per-leg placement timeout, e.g. to
// min(2·venue_latency_p95, 10s) when a latency estimate is available.
func (e *Executor) SetLegTimeout(d time.Duration) {
	if d > 0 {
		e.legTimeout = d
	}
}

// RegisterVenue makes adapter available as an execution leg.
func (e *Executor) RegisterVenue(adapter venue.Adapter) {
	e.venues[adapter.VenueID()] = adapter
}

// leg is one side's outcome during execution, tracked so rollback can
// decide between cancel-if-unfilled and flatten-if-filled.
type leg struct {
	adapter venue.Adapter
	req     venue.OrderRequest
	resp    venue.OrderResponse
	err     error
}

func filled(r venue.OrderResponse) bool {
	return r.Status == types.OrderStatusFilled || r.Status == types.OrderStatusPartiallyFilled
}

// Execute places both legs of op per mode and returns the resulting
// Transaction. It never panics and never returns a Go error for a trading
// failure — every outcome is encoded in the returned Transaction's Status,
// matching the venue.Adapter convention that runtime failures are data, not
// exceptions.
//
// Execute is idempotent per opportunity ID: replaying the same op.ID — e.g.
// a signal redelivered after a coalesced retry — returns the transaction
// already recorded for it rather than placing a second set of orders. An
// empty op.ID (callers that never went through DetectionService) always
// executes fresh and is never cached.
func (e *Executor) Execute(ctx context.Context, op types.Opportunity, mode types.ExecutionMode) types.Transaction {
	if op.ID != "" {
		e.seenMu.Lock()
		prior, ok := e.seen[op.ID]
		e.seenMu.Unlock()
		if ok {
			return prior
		}
	}

	txID := uuid.NewString()
	now := e.clock.Now()
	tx := types.Transaction{ID: txID, Opportunity: op, CreatedAt: now}

	buyAdapter, okBuy := e.venues[op.BuyVenue]
	sellAdapter, okSell := e.venues[op.SellVenue]
	if !okBuy || !okSell {
		tx.Status = types.TransactionStatusFailed
		tx.Notes = "venue adapter not registered"
		return tx
	}

	buyReq := venue.OrderRequest{
		ClientOrderID: txID + "-buy",
		Symbol:        op.Symbol,
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      op.Volume,
	}
	sellReq := venue.OrderRequest{
		ClientOrderID: txID + "-sell",
		Symbol:        op.Symbol,
		Side:          types.OrderSideSell,
		Type:          types.OrderTypeMarket,
		Quantity:      op.Volume,
	}

	var buyLeg, sellLeg leg
	if mode == types.ExecutionModeConcurrent {
		buyLeg, sellLeg = e.placeConcurrent(ctx, buyAdapter, buyReq, sellAdapter, sellReq)
	} else {
		buyLeg, sellLeg = e.placeSequential(ctx, buyAdapter, buyReq, sellAdapter, sellReq)
	}

	result := e.reconcile(ctx, txID, now, op, buyLeg, sellLeg)

	if op.ID != "" {
		e.seenMu.Lock()
		e.seen[op.ID] = result
		e.seenMu.Unlock()
	}

	return result
}

func (e *Executor) placeSequential(ctx context.Context, buyAdapter venue.Adapter, buyReq venue.OrderRequest, sellAdapter venue.Adapter, sellReq venue.OrderRequest) (leg, leg) {
	buyResp, buyErr := e.placeLeg(ctx, buyAdapter, types.OrderSideBuy, buyReq)
	buyLeg := leg{adapter: buyAdapter, req: buyReq, resp: buyResp, err: buyErr}
	if buyErr != nil || !filled(buyResp) {
		return buyLeg, leg{adapter: sellAdapter, req: sellReq}
	}

	sellReq.Quantity = buyResp.ExecutedQty
	sellResp, sellErr := e.placeLeg(ctx, sellAdapter, types.OrderSideSell, sellReq)
	sellLeg := leg{adapter: sellAdapter, req: sellReq, resp: sellResp, err: sellErr}
	return buyLeg, sellLeg
}

func (e *Executor) placeConcurrent(ctx context.Context, buyAdapter venue.Adapter, buyReq venue.OrderRequest, sellAdapter venue.Adapter, sellReq venue.OrderRequest) (leg, leg) {
	var buyLeg, sellLeg leg
	buyLeg.adapter, buyLeg.req = buyAdapter, buyReq
	sellLeg.adapter, sellLeg.req = sellAdapter, sellReq

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resp, err := e.placeLeg(gctx, buyAdapter, types.OrderSideBuy, buyReq)
		buyLeg.resp, buyLeg.err = resp, err
		return nil // errors are carried on the leg, never fail the group
	})
	g.Go(func() error {
		resp, err := e.placeLeg(gctx, sellAdapter, types.OrderSideSell, sellReq)
		sellLeg.resp, sellLeg.err = resp, err
		return nil
	})
	_ = g.Wait()
	return buyLeg, sellLeg
}

// placeLeg places one market leg under the per-leg timeout. If the call
// times out or the surrounding context is cancelled mid-flight, the order is
// not assumed failed: its status is polled before classification, against a
// fresh context so an in-flight order is reconciled even during shutdown.
func (e *Executor) placeLeg(ctx context.Context, a venue.Adapter, side types.OrderSide, req venue.OrderRequest) (venue.OrderResponse, error) {
	legCtx, cancel := context.WithTimeout(ctx, e.legTimeout)
	defer cancel()

	var resp venue.OrderResponse
	var err error
	if side == types.OrderSideBuy {
		resp, err = a.PlaceMarketBuy(legCtx, req)
	} else {
		resp, err = a.PlaceMarketSell(legCtx, req)
	}
	if err == nil || (!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)) {
		return resp, err
	}

	if resp.OrderID == "" {
		resp.Status = types.OrderStatusFailed
		resp.Message = "leg timed out before the venue returned an order id"
		return resp, err
	}
	for i := 0; i < statusPollAttempts; i++ {
		pollCtx, pollCancel := context.WithTimeout(context.Background(), e.legTimeout)
		polled, perr := a.OrderStatus(pollCtx, resp.OrderID)
		pollCancel()
		if perr == nil {
			return polled, nil
		}
		e.clock.Sleep(statusPollDelay)
	}
	resp.Status = types.OrderStatusFailed
	resp.Message = "leg timed out and status could not be confirmed"
	return resp, err
}

// reconcile compares the two legs, runs compensating undo if needed, and
// produces the final Transaction.
func (e *Executor) reconcile(ctx context.Context, txID string, createdAt time.Time, op types.Opportunity, buyLeg, sellLeg leg) types.Transaction {
	tx := types.Transaction{ID: txID, Opportunity: op, CreatedAt: createdAt}

	buyOK := buyLeg.err == nil && filled(buyLeg.resp)
	sellOK := sellLeg.err == nil && filled(sellLeg.resp)

	switch {
	case buyOK && sellOK:
		matched := decimal.Min(buyLeg.resp.ExecutedQty, sellLeg.resp.ExecutedQty)
		if matched.LessThan(decimal.Max(buyLeg.resp.ExecutedQty, sellLeg.resp.ExecutedQty)) {
			// Unequal fills: flatten the overfilled side back to the matched
			// quantity before declaring an outcome.
			recovered := e.flattenExcess(ctx, buyLeg, sellLeg, matched)
			tx.RealizedProfit = realizedProfit(buyLeg.resp, sellLeg.resp, matched, op)
			if recovered {
				tx.Status = types.TransactionStatusPartial
				tx.Notes = "legs filled unequal quantities; excess flattened"
			} else {
				tx.Status = types.TransactionStatusPartial
				tx.Notes = "legs filled unequal quantities; excess flatten failed"
			}
			return tx
		}
		tx.Status = types.TransactionStatusSuccess
		tx.RealizedProfit = realizedProfit(buyLeg.resp, sellLeg.resp, matched, op)
		return tx

	case buyOK && !sellOK:
		ok := e.rollbackLeg(ctx, buyLeg, types.OrderSideSell)
		tx.RealizedProfit = decimal.Zero
		if ok {
			tx.Status = types.TransactionStatusRecovered
			tx.Notes = "sell leg failed, buy leg unwound"
		} else {
			tx.Status = types.TransactionStatusFailed
			tx.Notes = fmt.Sprintf("sell leg failed and undo failed: %v", errs.ErrStrandedPosition)
		}
		return tx

	case sellOK && !buyOK:
		ok := e.rollbackLeg(ctx, sellLeg, types.OrderSideBuy)
		tx.RealizedProfit = decimal.Zero
		if ok {
			tx.Status = types.TransactionStatusRecovered
			tx.Notes = "buy leg failed, sell leg unwound"
		} else {
			tx.Status = types.TransactionStatusFailed
			tx.Notes = fmt.Sprintf("buy leg failed and undo failed: %v", errs.ErrStrandedPosition)
		}
		return tx

	default:
		tx.Status = types.TransactionStatusFailed
		tx.Notes = "both legs failed"
		return tx
	}
}

// rollbackLeg undoes a filled leg whose counterpart failed: cancel if
// somehow still unfilled, otherwise place the opposite order to flatten the
// resulting position. Returns true if the position is believed flat again.
func (e *Executor) rollbackLeg(ctx context.Context, filledLeg leg, reverseSide types.OrderSide) bool {
	rbCtx, cancel := context.WithTimeout(ctx, RollbackTimeout)
	defer cancel()

	if filledLeg.resp.ExecutedQty.IsZero() {
		if filledLeg.resp.OrderID != "" {
			_, _ = filledLeg.adapter.Cancel(rbCtx, filledLeg.resp.OrderID)
		}
		return true
	}

	reverseReq := venue.OrderRequest{
		ClientOrderID: "rollback-" + filledLeg.req.ClientOrderID,
		Symbol:        filledLeg.req.Symbol,
		Type:          types.OrderTypeMarket,
		Quantity:      filledLeg.resp.ExecutedQty,
		Side:          reverseSide,
	}

	var resp venue.OrderResponse
	var err error
	if reverseSide == types.OrderSideSell {
		resp, err = filledLeg.adapter.PlaceMarketSell(rbCtx, reverseReq)
	} else {
		resp, err = filledLeg.adapter.PlaceMarketBuy(rbCtx, reverseReq)
	}
	if err != nil || !filled(resp) {
		e.logger.WithError(err).Warn("rollback order failed, position stranded")
		return false
	}
	return true
}

// flattenExcess sells (or buys back) the difference between unequal leg
// fills so the net position returns to zero after an uneven fill.
func (e *Executor) flattenExcess(ctx context.Context, buyLeg, sellLeg leg, matched decimal.Decimal) bool {
	rbCtx, cancel := context.WithTimeout(ctx, RollbackTimeout)
	defer cancel()

	excessBase := buyLeg.resp.ExecutedQty.Sub(matched)
	if excessBase.IsPositive() {
		req := venue.OrderRequest{
			ClientOrderID: "flatten-" + buyLeg.req.ClientOrderID,
			Symbol:        buyLeg.req.Symbol,
			Type:          types.OrderTypeMarket,
			Quantity:      excessBase,
			Side:          types.OrderSideSell,
		}
		resp, err := buyLeg.adapter.PlaceMarketSell(rbCtx, req)
		if err != nil || !filled(resp) {
			return false
		}
	}

	excessQuoteSide := sellLeg.resp.ExecutedQty.Sub(matched)
	if excessQuoteSide.IsPositive() {
		req := venue.OrderRequest{
			ClientOrderID: "flatten-" + sellLeg.req.ClientOrderID,
			Symbol:        sellLeg.req.Symbol,
			Type:          types.OrderTypeMarket,
			Quantity:      excessQuoteSide,
			Side:          types.OrderSideBuy,
		}
		resp, err := sellLeg.adapter.PlaceMarketBuy(rbCtx, req)
		if err != nil || !filled(resp) {
			return false
		}
	}
	return true
}

// realizedProfit computes net profit in quote terms over matched volume,
// using the opportunity's signalled fee rates against actual fill prices.
func realizedProfit(buyResp, sellResp venue.OrderResponse, matched decimal.Decimal, op types.Opportunity) decimal.Decimal {
	gross := matched.Mul(sellResp.AvgPrice.Sub(buyResp.AvgPrice))
	fees := matched.Mul(buyResp.AvgPrice).Mul(op.BuyFee).Add(matched.Mul(sellResp.AvgPrice).Mul(op.SellFee))
	return gross.Sub(fees).RoundBank(12)
}
