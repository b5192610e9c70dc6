// Package types defines the core data model shared by every arbitrage
// component: price levels, order books, fee schedules, balances,
// opportunities, transactions, rebalance proposals and settings.
//
// All money, price and quantity fields use decimal.Decimal. Binary floating
// point is never used for anything that represents value.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide identifies which side of the book an order rests on.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType identifies the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the terminal or non-terminal state of a placed order.
//
// Adapters must never return an error from a place/cancel/status call for a
// non-terminal exception; they return OrderStatusFailed instead with a
// diagnostic message attached to OrderResponse.Message.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFailed          OrderStatus = "FAILED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusNotSupported    OrderStatus = "NOT_SUPPORTED"
)

// PriceLevel is one level of an order book side.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook is a venue's current view of one symbol. Bids are sorted
// descending by price, Asks ascending. A crossed book (best bid >= best ask)
// is rejected on intake by BookRegistry, never stored.
type OrderBook struct {
	Venue      string
	Symbol     string
	Bids       []PriceLevel
	Asks       []PriceLevel
	LastUpdate time.Time
}

// BestBid returns the highest bid, or the zero value and false if the book
// has no bid side.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, or the zero value and false if the book
// has no ask side.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Crossed reports whether the book is internally inconsistent: best bid at
// or above best ask.
func (b *OrderBook) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// FeeSchedule is a venue's maker/taker fee rates, each expressed as a
// fraction in [0,1) of notional (not a percentage).
type FeeSchedule struct {
	Venue     string
	Maker     decimal.Decimal
	Taker     decimal.Decimal
	FetchedAt time.Time
	TTL       time.Duration
}

// Stale reports whether the schedule should be refreshed.
func (f FeeSchedule) Stale(now time.Time) bool {
	if f.TTL <= 0 {
		return false
	}
	return now.Sub(f.FetchedAt) > f.TTL
}

// Balance is a venue's view of one asset for the account in use.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total is free plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Opportunity is a candidate cross-venue arbitrage trade produced by the
// OpportunityCalculator.
type Opportunity struct {
	ID          string
	Symbol      string
	Base        string
	Quote       string
	BuyVenue    string
	SellVenue   string
	BuyPrice    decimal.Decimal // VWAP
	SellPrice   decimal.Decimal // VWAP
	Volume      decimal.Decimal // base units
	BuyFee      decimal.Decimal // fraction of notional
	SellFee     decimal.Decimal // fraction of notional
	GrossPct    decimal.Decimal
	NetPct      decimal.Decimal
	Timestamp   time.Time
	IsSandbox   bool
	PassiveOnly bool // bypassed the global min-profit gate via passive rebalance
}

// TransactionStatus is the terminal (or in-flight) status of a dispatched
// opportunity once handed to the Executor.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusSuccess   TransactionStatus = "SUCCESS"
	TransactionStatusPartial   TransactionStatus = "PARTIAL"
	TransactionStatusFailed    TransactionStatus = "FAILED"
	TransactionStatusRecovered TransactionStatus = "RECOVERED"
)

// Terminal reports whether the status will never change again.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TransactionStatusSuccess, TransactionStatusPartial, TransactionStatusFailed, TransactionStatusRecovered:
		return true
	default:
		return false
	}
}

// Transaction records the outcome of one Executor call. Immutable once
// Status is terminal.
type Transaction struct {
	ID             string
	Opportunity    Opportunity
	CreatedAt      time.Time
	Status         TransactionStatus
	RealizedProfit decimal.Decimal
	Notes          string
}

// RebalanceProposal is a recommendation to move an asset between venues to
// reduce inventory skew.
type RebalanceProposal struct {
	Asset        string
	SourceVenue  string
	TargetVenue  string
	Amount       decimal.Decimal
	EstimatedFee decimal.Decimal
	CostPct      decimal.Decimal
	TrendLabel   string
	IsViable     bool
	GeneratedAt  time.Time
}

// ExecutionMode selects how the Executor places the two legs of a trade.
type ExecutionMode string

const (
	ExecutionModeSequential ExecutionMode = "SEQUENTIAL"
	ExecutionModeConcurrent ExecutionMode = "CONCURRENT"
)

// AppSettings is the full set of durable, mutable configuration. It is
// always handled as an immutable value — mutation means
// constructing a new AppSettings and swapping it into the SettingsStore.
type AppSettings struct {
	AutoTradeEnabled          bool
	PreTripAutoTradeEnabled   bool // AutoTradeEnabled at the moment the kill-switch last tripped; Reset restores it
	SafetyKillSwitchActive    bool
	SafetyKillSwitchReason    string
	AutoRebalanceEnabled      bool
	GlobalMinProfitPct        decimal.Decimal
	PairMinProfitPct          map[string]decimal.Decimal
	UseTakerFees              bool
	SafeBalanceMultiplier     decimal.Decimal
	ExecutionMode             ExecutionMode
	SmartStrategyEnabled      bool
	MaxDrawdownQuote          decimal.Decimal
	MaxConsecutiveLosses      int
	MinRebalanceSkewThreshold decimal.Decimal
	WalletOverrides           map[string]map[string]string // asset -> venue -> address
	SandboxMode               bool
}

// Clone returns a deep copy so callers can safely mutate the result without
// affecting the snapshot they read it from.
func (s AppSettings) Clone() AppSettings {
	out := s
	out.PairMinProfitPct = make(map[string]decimal.Decimal, len(s.PairMinProfitPct))
	for k, v := range s.PairMinProfitPct {
		out.PairMinProfitPct[k] = v
	}
	out.WalletOverrides = make(map[string]map[string]string, len(s.WalletOverrides))
	for asset, venues := range s.WalletOverrides {
		inner := make(map[string]string, len(venues))
		for venue, addr := range venues {
			inner[venue] = addr
		}
		out.WalletOverrides[asset] = inner
	}
	return out
}

// EffectiveThreshold returns the per-symbol override if present, else the
// global minimum profit percentage.
func (s AppSettings) EffectiveThreshold(symbol string) decimal.Decimal {
	if pct, ok := s.PairMinProfitPct[symbol]; ok {
		return pct
	}
	return s.GlobalMinProfitPct
}

// AbsoluteFloorPct is the sanity floor applied to every accepted opportunity
// regardless of configured thresholds.
var AbsoluteFloorPct = decimal.NewFromFloat(0.01)

// DefaultSettings returns the stock defaults a fresh installation starts with.
func DefaultSettings() AppSettings {
	return AppSettings{
		AutoTradeEnabled:          false,
		AutoRebalanceEnabled:      false,
		GlobalMinProfitPct:        decimal.NewFromFloat(0.1),
		PairMinProfitPct:          map[string]decimal.Decimal{},
		UseTakerFees:              true,
		SafeBalanceMultiplier:     decimal.NewFromFloat(0.3),
		ExecutionMode:             ExecutionModeSequential,
		SmartStrategyEnabled:      false,
		MaxDrawdownQuote:          decimal.NewFromInt(1000),
		MaxConsecutiveLosses:      3,
		MinRebalanceSkewThreshold: decimal.NewFromFloat(0.1),
		WalletOverrides:           map[string]map[string]string{},
		SandboxMode:               true,
	}
}

// ViabilityCeilingPct is the default maximum cost-as-percent-of-amount a
// rebalance transfer may carry and still be considered viable.
var ViabilityCeilingPct = decimal.NewFromFloat(1.0)
