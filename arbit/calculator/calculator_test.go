package calculator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/s2ungeda/arbit/arbit/types"
)

func book(venue, symbol string, bids, asks []types.PriceLevel) *types.OrderBook {
	return &types.OrderBook{Venue: venue, Symbol: symbol, Bids: bids, Asks: asks, LastUpdate: time.Now()}
}

func level(price, qty float64) types.PriceLevel {
	return types.PriceLevel{Price: decimal.NewFromFloat(price), Quantity: decimal.NewFromFloat(qty)}
}

func feeSchedule(venue string, maker, taker float64) types.FeeSchedule {
	return types.FeeSchedule{Venue: venue, Maker: decimal.NewFromFloat(maker), Taker: decimal.NewFromFloat(taker)}
}

func TestBest_FindsProfitableCrossVenuePair(t *testing.T) {
	in := Input{
		Symbol: "BTCUSDT",
		Books: map[string]*types.OrderBook{
			"alpha": book("alpha", "BTCUSDT", nil, []types.PriceLevel{level(100, 2)}),
			"beta":  book("beta", "BTCUSDT", []types.PriceLevel{level(105, 2)}, nil),
		},
		Fees: map[string]types.FeeSchedule{
			"alpha": feeSchedule("alpha", 0, 0),
			"beta":  feeSchedule("beta", 0, 0),
		},
		UseTakerFees:       true,
		GlobalMinProfitPct: decimal.NewFromFloat(0.1),
	}

	op, ok := New().Best(in, "BTC", "USDT")
	assert.True(t, ok)
	assert.Equal(t, "alpha", op.BuyVenue)
	assert.Equal(t, "beta", op.SellVenue)
	assert.True(t, op.Volume.Equal(decimal.NewFromInt(2)))
	assert.True(t, op.NetPct.GreaterThan(decimal.Zero))
}

func TestBest_RejectsBelowThreshold(t *testing.T) {
	in := Input{
		Symbol: "BTCUSDT",
		Books: map[string]*types.OrderBook{
			"alpha": book("alpha", "BTCUSDT", nil, []types.PriceLevel{level(100, 1)}),
			"beta":  book("beta", "BTCUSDT", []types.PriceLevel{level(100.05, 1)}, nil),
		},
		Fees: map[string]types.FeeSchedule{
			"alpha": feeSchedule("alpha", 0, 0),
			"beta":  feeSchedule("beta", 0, 0),
		},
		GlobalMinProfitPct: decimal.NewFromFloat(0.5),
	}

	_, ok := New().Best(in, "BTC", "USDT")
	assert.False(t, ok)
}

func TestBest_RejectsBelowAbsoluteFloorEvenWithZeroThreshold(t *testing.T) {
	in := Input{
		Symbol: "BTCUSDT",
		Books: map[string]*types.OrderBook{
			"alpha": book("alpha", "BTCUSDT", nil, []types.PriceLevel{level(100, 1)}),
			"beta":  book("beta", "BTCUSDT", []types.PriceLevel{level(100.001, 1)}, nil),
		},
		Fees: map[string]types.FeeSchedule{
			"alpha": feeSchedule("alpha", 0, 0),
			"beta":  feeSchedule("beta", 0, 0),
		},
		GlobalMinProfitPct: decimal.Zero,
	}

	_, ok := New().Best(in, "BTC", "USDT")
	assert.False(t, ok)
}

func TestBest_AppliesBalanceCap(t *testing.T) {
	in := Input{
		Symbol: "BTCUSDT",
		Books: map[string]*types.OrderBook{
			"alpha": book("alpha", "BTCUSDT", nil, []types.PriceLevel{level(100, 10)}),
			"beta":  book("beta", "BTCUSDT", []types.PriceLevel{level(105, 10)}, nil),
		},
		Fees: map[string]types.FeeSchedule{
			"alpha": feeSchedule("alpha", 0, 0),
			"beta":  feeSchedule("beta", 0, 0),
		},
		Balances: map[string][]types.Balance{
			"alpha": {{Asset: "USDT", Free: decimal.NewFromInt(100)}},
			"beta":  {{Asset: "BTC", Free: decimal.NewFromInt(10)}},
		},
		SafeBalanceMultiplier: decimal.NewFromFloat(1.0),
		GlobalMinProfitPct:    decimal.NewFromFloat(0.1),
	}

	op, ok := New().Best(in, "BTC", "USDT")
	assert.True(t, ok)
	// quote cap: 100 USDT / 100 price = 1 BTC, well under the 10 BTC liquidity cap.
	assert.True(t, op.Volume.LessThanOrEqual(decimal.NewFromInt(1)))
}

func TestBest_TieBreakPrefersHigherNetPct(t *testing.T) {
	in := Input{
		Symbol: "BTCUSDT",
		Books: map[string]*types.OrderBook{
			"a": book("a", "BTCUSDT", nil, []types.PriceLevel{level(100, 1)}),
			"b": book("b", "BTCUSDT", []types.PriceLevel{level(110, 1)}, nil),
			"c": book("c", "BTCUSDT", []types.PriceLevel{level(101, 1)}, nil),
		},
		Fees: map[string]types.FeeSchedule{
			"a": feeSchedule("a", 0, 0),
			"b": feeSchedule("b", 0, 0),
			"c": feeSchedule("c", 0, 0),
		},
		GlobalMinProfitPct: decimal.NewFromFloat(0.1),
	}

	op, ok := New().Best(in, "BTC", "USDT")
	assert.True(t, ok)
	assert.Equal(t, "b", op.SellVenue) // 110 beats 101
}

func TestBest_SingleLevelCrossVenueSpreadWithFees(t *testing.T) {
	in := Input{
		Symbol: "BTCUSDT",
		Books: map[string]*types.OrderBook{
			"a": book("a", "BTCUSDT", []types.PriceLevel{level(49000, 1)}, []types.PriceLevel{level(49500, 1)}),
			"b": book("b", "BTCUSDT", []types.PriceLevel{level(51000, 1)}, []types.PriceLevel{level(51500, 1)}),
		},
		Fees: map[string]types.FeeSchedule{
			"a": feeSchedule("a", 0.001, 0.001),
			"b": feeSchedule("b", 0.001, 0.001),
		},
		UseTakerFees:       true,
		GlobalMinProfitPct: decimal.NewFromFloat(0.1),
	}

	op, ok := New().Best(in, "BTC", "USDT")
	assert.True(t, ok)
	assert.Equal(t, "a", op.BuyVenue)
	assert.Equal(t, "b", op.SellVenue)
	assert.True(t, op.BuyPrice.Equal(decimal.NewFromInt(49500)), "buy VWAP %s", op.BuyPrice)
	assert.True(t, op.SellPrice.Equal(decimal.NewFromInt(51000)), "sell VWAP %s", op.SellPrice)
	assert.True(t, op.Volume.Equal(decimal.NewFromInt(1)))
	// (51000-49500)/49500*100 = 3.0303...%; net is 0.1% lower per leg.
	assert.True(t, op.GrossPct.Sub(decimal.NewFromFloat(3.0303)).Abs().LessThan(decimal.NewFromFloat(0.001)), "gross %s", op.GrossPct)
	assert.True(t, op.NetPct.Sub(decimal.NewFromFloat(2.8303)).Abs().LessThan(decimal.NewFromFloat(0.001)), "net %s", op.NetPct)
}

func TestBest_WalksMultipleAskLevelsForVWAP(t *testing.T) {
	in := Input{
		Symbol: "BTCUSDT",
		Books: map[string]*types.OrderBook{
			"a": book("a", "BTCUSDT", nil, []types.PriceLevel{level(50000, 0.5), level(51000, 0.5)}),
			"b": book("b", "BTCUSDT", []types.PriceLevel{level(52000, 1.0)}, nil),
		},
		Fees: map[string]types.FeeSchedule{
			"a": feeSchedule("a", 0, 0),
			"b": feeSchedule("b", 0, 0),
		},
		GlobalMinProfitPct: decimal.NewFromFloat(0.1),
	}

	op, ok := New().Best(in, "BTC", "USDT")
	assert.True(t, ok)
	assert.True(t, op.BuyPrice.Equal(decimal.NewFromInt(50500)), "buy VWAP %s", op.BuyPrice)
	assert.True(t, op.SellPrice.Equal(decimal.NewFromInt(52000)), "sell VWAP %s", op.SellPrice)
	assert.True(t, op.Volume.Equal(decimal.NewFromFloat(1.0)), "volume %s", op.Volume)
}

func TestBest_VolumeLimitedByThinnerSide(t *testing.T) {
	in := Input{
		Symbol: "BTCUSDT",
		Books: map[string]*types.OrderBook{
			"a": book("a", "BTCUSDT", nil, []types.PriceLevel{level(50000, 0.1)}),
			"b": book("b", "BTCUSDT", []types.PriceLevel{level(52000, 1.0)}, nil),
		},
		Fees: map[string]types.FeeSchedule{
			"a": feeSchedule("a", 0, 0),
			"b": feeSchedule("b", 0, 0),
		},
		GlobalMinProfitPct: decimal.NewFromFloat(0.1),
	}

	op, ok := New().Best(in, "BTC", "USDT")
	assert.True(t, ok)
	assert.True(t, op.Volume.Equal(decimal.NewFromFloat(0.1)), "volume %s", op.Volume)
}

func TestBest_QuoteBalanceCapsVolumeAtUsableFraction(t *testing.T) {
	in := Input{
		Symbol: "BTCUSDT",
		Books: map[string]*types.OrderBook{
			"a": book("a", "BTCUSDT", nil, []types.PriceLevel{level(50000, 5)}),
			"b": book("b", "BTCUSDT", []types.PriceLevel{level(52000, 5)}, nil),
		},
		Fees: map[string]types.FeeSchedule{
			"a": feeSchedule("a", 0, 0),
			"b": feeSchedule("b", 0, 0),
		},
		Balances: map[string][]types.Balance{
			"a": {{Asset: "USDT", Free: decimal.NewFromInt(10000)}},
			"b": {{Asset: "BTC", Free: decimal.NewFromInt(10)}},
		},
		SafeBalanceMultiplier: decimal.NewFromFloat(0.1),
		GlobalMinProfitPct:    decimal.NewFromFloat(0.1),
	}

	op, ok := New().Best(in, "BTC", "USDT")
	assert.True(t, ok)
	// 10000 USDT * 0.1 usable = 1000, which buys 0.02 BTC at 50000.
	assert.True(t, op.Volume.Equal(decimal.NewFromFloat(0.02)), "volume %s", op.Volume)
}

func TestBest_PairThresholdOverridesGlobal(t *testing.T) {
	in := Input{
		Symbol: "BTCUSDT",
		Books: map[string]*types.OrderBook{
			"a": book("a", "BTCUSDT", nil, []types.PriceLevel{level(100, 1)}),
			"b": book("b", "BTCUSDT", []types.PriceLevel{level(100.4, 1)}, nil),
		},
		Fees: map[string]types.FeeSchedule{
			"a": feeSchedule("a", 0, 0),
			"b": feeSchedule("b", 0, 0),
		},
		GlobalMinProfitPct: decimal.NewFromFloat(0.1),
		PairMinProfitPct:   map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromFloat(0.5)},
	}

	// Net 0.4% clears the global 0.1% but not the pair override of 0.5%.
	_, ok := New().Best(in, "BTC", "USDT")
	assert.False(t, ok)

	in.PairMinProfitPct = nil
	op, ok := New().Best(in, "BTC", "USDT")
	assert.True(t, ok)
	assert.True(t, op.NetPct.Sub(decimal.NewFromFloat(0.4)).Abs().LessThan(decimal.NewFromFloat(0.001)))
}

func TestBest_ZeroSafeMultiplierNeverProducesExecutableVolume(t *testing.T) {
	in := Input{
		Symbol: "BTCUSDT",
		Books: map[string]*types.OrderBook{
			"a": book("a", "BTCUSDT", nil, []types.PriceLevel{level(100, 1)}),
			"b": book("b", "BTCUSDT", []types.PriceLevel{level(105, 1)}, nil),
		},
		Fees: map[string]types.FeeSchedule{
			"a": feeSchedule("a", 0, 0),
			"b": feeSchedule("b", 0, 0),
		},
		Balances: map[string][]types.Balance{
			"a": {{Asset: "USDT", Free: decimal.NewFromInt(100000)}},
			"b": {{Asset: "BTC", Free: decimal.NewFromInt(100)}},
		},
		SafeBalanceMultiplier: decimal.Zero,
		GlobalMinProfitPct:    decimal.NewFromFloat(0.1),
	}

	_, ok := New().Best(in, "BTC", "USDT")
	assert.False(t, ok)
}

func TestBest_NoOpportunityWhenBookEmpty(t *testing.T) {
	in := Input{
		Symbol: "BTCUSDT",
		Books: map[string]*types.OrderBook{
			"alpha": book("alpha", "BTCUSDT", nil, nil),
			"beta":  book("beta", "BTCUSDT", nil, nil),
		},
		Fees: map[string]types.FeeSchedule{
			"alpha": feeSchedule("alpha", 0, 0),
			"beta":  feeSchedule("beta", 0, 0),
		},
	}
	_, ok := New().Best(in, "BTC", "USDT")
	assert.False(t, ok)
}
