// Package sandbox implements a deterministic, simulated venue adapter used
// by --sandbox mode and by every test in this repository that needs a fake
// exchange. It fills orders immediately against its own in-memory balances
// at the book price, adjusted by a configurable slippage, without touching
// the network.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/s2ungeda/arbit/arbit/clockwork"
	"github.com/s2ungeda/arbit/arbit/errs"
	"github.com/s2ungeda/arbit/arbit/types"
	"github.com/s2ungeda/arbit/arbit/venue"
)

// Outcome lets a test force the result of the next place-order call for a
// given side, so sequential/concurrent execution and rollback paths can be
// exercised deterministically.
type Outcome struct {
	Status      types.OrderStatus
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
	Err         error
}

// Adapter is the sandbox VenueAdapter implementation.
type Adapter struct {
	venueID string
	clock   clockwork.Clock
	logger  *logrus.Entry

	mu           sync.Mutex
	fees         types.FeeSchedule
	balances     map[string]*types.Balance
	books        map[string]*types.OrderBook
	orders       map[string]venue.OrderResponse
	withdrawFees map[string]decimal.Decimal
	depositAddrs map[string]string
	forced       map[types.OrderSide][]Outcome
	slippageBps  decimal.Decimal
}

// New builds a sandbox adapter for venueID with default zero fees and no
// balances — callers seed both before use.
func New(venueID string, clock clockwork.Clock, logger *logrus.Entry) *Adapter {
	if logger == nil {
		logger = logrus.WithField("component", "sandbox-venue")
	}
	return &Adapter{
		venueID:      venueID,
		clock:        clock,
		logger:       logger.WithField("venue", venueID),
		balances:     make(map[string]*types.Balance),
		books:        make(map[string]*types.OrderBook),
		orders:       make(map[string]venue.OrderResponse),
		withdrawFees: make(map[string]decimal.Decimal),
		depositAddrs: make(map[string]string),
		forced:       make(map[types.OrderSide][]Outcome),
		slippageBps:  decimal.Zero,
	}
}

func (a *Adapter) VenueID() string { return a.venueID }

// SeedBalance sets the free/locked balance for asset.
func (a *Adapter) SeedBalance(asset string, free, locked decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[asset] = &types.Balance{Asset: asset, Free: free, Locked: locked}
}

// SetFees sets the maker/taker schedule returned by CachedFees.
func (a *Adapter) SetFees(maker, taker decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fees = types.FeeSchedule{Venue: a.venueID, Maker: maker, Taker: taker, FetchedAt: a.clock.Now()}
}

// SetSlippageBps sets the basis-point price drift applied to market fills.
func (a *Adapter) SetSlippageBps(bps decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slippageBps = bps
}

// SetWithdrawalFee fixes the simulated withdrawal fee for an asset.
func (a *Adapter) SetWithdrawalFee(asset string, fee decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.withdrawFees[asset] = fee
}

// SetDepositAddress fixes the simulated deposit address for an asset.
func (a *Adapter) SetDepositAddress(asset, address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.depositAddrs[asset] = address
}

// IngestBook stores ob as this venue's current book for ob.Symbol. A real
// adapter would call BookRegistry.Update directly from its WS handler; the
// sandbox keeps its own copy too so OrderBook() can serve it back without a
// registry dependency.
func (a *Adapter) IngestBook(ob *types.OrderBook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *ob
	a.books[ob.Symbol] = &cp
}

// ForceNext queues a forced outcome for the next place-order call on side.
// Outcomes are consumed one-shot, in FIFO order.
func (a *Adapter) ForceNext(side types.OrderSide, outcome Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forced[side] = append(a.forced[side], outcome)
}

func (a *Adapter) popForced(side types.OrderSide) (Outcome, bool) {
	q := a.forced[side]
	if len(q) == 0 {
		return Outcome{}, false
	}
	out := q[0]
	a.forced[side] = q[1:]
	return out, true
}

func (a *Adapter) CachedFees() types.FeeSchedule {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fees
}

func (a *Adapter) OrderBook(_ context.Context, symbol string, depth int) (*types.OrderBook, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ob, ok := a.books[symbol]
	if !ok {
		return nil, false
	}
	cp := *ob
	if depth > 0 {
		if len(cp.Bids) > depth {
			cp.Bids = cp.Bids[:depth]
		}
		if len(cp.Asks) > depth {
			cp.Asks = cp.Asks[:depth]
		}
	}
	return &cp, true
}

func (a *Adapter) CachedBalances() []types.Balance {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Balance, 0, len(a.balances))
	for _, b := range a.balances {
		out = append(out, *b)
	}
	return out
}

func (a *Adapter) Balances(ctx context.Context) ([]types.Balance, error) {
	return a.CachedBalances(), nil
}

func (a *Adapter) place(side types.OrderSide, req venue.OrderRequest) (venue.OrderResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if forced, ok := a.popForced(side); ok {
		resp := venue.OrderResponse{
			OrderID:       uuid.NewString(),
			ClientOrderID: req.ClientOrderID,
			Status:        forced.Status,
			ExecutedQty:   forced.ExecutedQty,
			AvgPrice:      forced.AvgPrice,
			PlacedAt:      a.clock.Now(),
		}
		if forced.Err != nil {
			resp.Status = types.OrderStatusFailed
			resp.Message = forced.Err.Error()
		}
		a.orders[resp.OrderID] = resp
		if forced.Err != nil {
			return resp, forced.Err
		}
		a.applyFill(side, req.Symbol, resp.ExecutedQty, resp.AvgPrice)
		return resp, nil
	}

	price := req.Price
	if price.IsZero() {
		ob, ok := a.books[req.Symbol]
		if !ok {
			resp := venue.OrderResponse{Status: types.OrderStatusFailed, Message: "no book for symbol"}
			return resp, nil
		}
		if side == types.OrderSideBuy {
			if len(ob.Asks) == 0 {
				return venue.OrderResponse{Status: types.OrderStatusFailed, Message: "no ask liquidity"}, nil
			}
			price = ob.Asks[0].Price
		} else {
			if len(ob.Bids) == 0 {
				return venue.OrderResponse{Status: types.OrderStatusFailed, Message: "no bid liquidity"}, nil
			}
			price = ob.Bids[0].Price
		}
	}
	drift := price.Mul(a.slippageBps).Div(decimal.NewFromInt(10000))
	if side == types.OrderSideBuy {
		price = price.Add(drift)
	} else {
		price = price.Sub(drift)
	}

	resp := venue.OrderResponse{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Status:        types.OrderStatusFilled,
		ExecutedQty:   req.Quantity,
		AvgPrice:      price,
		PlacedAt:      a.clock.Now(),
	}
	a.orders[resp.OrderID] = resp
	a.applyFill(side, req.Symbol, resp.ExecutedQty, resp.AvgPrice)
	return resp, nil
}

// applyFill adjusts simulated balances for a filled order. Callers hold a.mu.
func (a *Adapter) applyFill(side types.OrderSide, symbol string, qty, price decimal.Decimal) {
	base, quote := splitSymbol(symbol)
	if base == "" {
		return
	}
	notional := qty.Mul(price)
	if side == types.OrderSideBuy {
		a.adjust(quote, notional.Neg())
		a.adjust(base, qty)
	} else {
		a.adjust(base, qty.Neg())
		a.adjust(quote, notional)
	}
}

func (a *Adapter) adjust(asset string, delta decimal.Decimal) {
	b, ok := a.balances[asset]
	if !ok {
		b = &types.Balance{Asset: asset}
		a.balances[asset] = b
	}
	b.Free = b.Free.Add(delta)
}

// splitSymbol is a best-effort split used only for simulated balance
// bookkeeping; real venues report balances authoritatively instead.
func splitSymbol(symbol string) (base, quote string) {
	for _, q := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if len(symbol) > len(q) && symbol[len(symbol)-len(q):] == q {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	return "", ""
}

func (a *Adapter) PlaceMarketBuy(_ context.Context, req venue.OrderRequest) (venue.OrderResponse, error) {
	req.Type = types.OrderTypeMarket
	return a.place(types.OrderSideBuy, req)
}

func (a *Adapter) PlaceMarketSell(_ context.Context, req venue.OrderRequest) (venue.OrderResponse, error) {
	req.Type = types.OrderTypeMarket
	return a.place(types.OrderSideSell, req)
}

func (a *Adapter) PlaceLimitBuy(_ context.Context, req venue.OrderRequest) (venue.OrderResponse, error) {
	req.Type = types.OrderTypeLimit
	return a.place(types.OrderSideBuy, req)
}

func (a *Adapter) PlaceLimitSell(_ context.Context, req venue.OrderRequest) (venue.OrderResponse, error) {
	req.Type = types.OrderTypeLimit
	return a.place(types.OrderSideSell, req)
}

func (a *Adapter) OrderStatus(_ context.Context, orderID string) (venue.OrderResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	resp, ok := a.orders[orderID]
	if !ok {
		return venue.OrderResponse{}, fmt.Errorf("sandbox: unknown order %s", orderID)
	}
	return resp, nil
}

func (a *Adapter) Cancel(_ context.Context, orderID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	resp, ok := a.orders[orderID]
	if !ok {
		return false, nil
	}
	if resp.Status == types.OrderStatusFilled {
		return false, nil
	}
	resp.Status = types.OrderStatusCancelled
	a.orders[orderID] = resp
	return true, nil
}

func (a *Adapter) WithdrawalFee(_ context.Context, asset string) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fee, ok := a.withdrawFees[asset]
	if !ok {
		return decimal.Zero, errs.ErrNotSupported
	}
	return fee, nil
}

func (a *Adapter) DepositAddress(_ context.Context, asset string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr, ok := a.depositAddrs[asset]
	return addr, ok
}

func (a *Adapter) Withdraw(_ context.Context, asset string, amount decimal.Decimal, address, network string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.balances[asset]
	if !ok || b.Free.LessThan(amount) {
		return "", errs.ErrVenueReject
	}
	b.Free = b.Free.Sub(amount)
	return fmt.Sprintf("sandbox-withdraw-%s-%d", asset, a.clock.Now().UnixNano()), nil
}

var _ venue.Adapter = (*Adapter)(nil)
