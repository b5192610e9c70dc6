// Package venue defines the venue adapter contract: the abstract access
// point to one exchange that every other component programs against.
// Concrete adapters (sandbox, binance, ...) live in subpackages; this
// package only specifies the interface and its shared value types.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/s2ungeda/arbit/arbit/types"
)

// OrderRequest is the input to a place-order call.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          types.OrderSide
	Type          types.OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // ignored for market orders
}

// OrderResponse is what every place/cancel/status call returns. Adapters
// MUST return OrderStatusFailed (never an error) for non-terminal runtime
// exceptions — transport errors become failed orders carrying a
// diagnostic Message.
type OrderResponse struct {
	OrderID       string
	ClientOrderID string
	Status        types.OrderStatus
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	Message       string
	PlacedAt      time.Time
}

// Adapter is the full per-exchange contract every component programs against.
type Adapter interface {
	VenueID() string

	CachedFees() types.FeeSchedule
	OrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, bool)

	CachedBalances() []types.Balance
	Balances(ctx context.Context) ([]types.Balance, error)

	PlaceMarketBuy(ctx context.Context, req OrderRequest) (OrderResponse, error)
	PlaceMarketSell(ctx context.Context, req OrderRequest) (OrderResponse, error)
	PlaceLimitBuy(ctx context.Context, req OrderRequest) (OrderResponse, error)
	PlaceLimitSell(ctx context.Context, req OrderRequest) (OrderResponse, error)

	OrderStatus(ctx context.Context, orderID string) (OrderResponse, error)
	Cancel(ctx context.Context, orderID string) (bool, error)

	WithdrawalFee(ctx context.Context, asset string) (decimal.Decimal, error)
	DepositAddress(ctx context.Context, asset string) (string, bool)
	Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address, network string) (string, error)
}
