package binance

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/s2ungeda/arbit/arbit/clockwork"
	"github.com/s2ungeda/arbit/arbit/types"
)

func TestMapStatus_TranslatesBinanceStatusStrings(t *testing.T) {
	assert.Equal(t, types.OrderStatusFilled, mapStatus("FILLED"))
	assert.Equal(t, types.OrderStatusPartiallyFilled, mapStatus("PARTIALLY_FILLED"))
	assert.Equal(t, types.OrderStatusCancelled, mapStatus("CANCELED"))
	assert.Equal(t, types.OrderStatusCancelled, mapStatus("EXPIRED"))
	assert.Equal(t, types.OrderStatusCancelled, mapStatus("REJECTED"))
	assert.Equal(t, types.OrderStatusPending, mapStatus("NEW"))
}

func TestIngestBookAndOrderBook_RoundTripsAndTrimsToDepth(t *testing.T) {
	a := New("binance", "key", "secret", true, clockwork.Real{}, nil)
	a.IngestBook(&types.OrderBook{
		Symbol:     "BTCUSDT",
		LastUpdate: time.Now(),
		Bids: []types.PriceLevel{
			{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)},
			{Price: decimal.NewFromInt(99), Quantity: decimal.NewFromInt(1)},
		},
		Asks: []types.PriceLevel{
			{Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(1)},
			{Price: decimal.NewFromInt(102), Quantity: decimal.NewFromInt(1)},
		},
	})

	ob, ok := a.OrderBook(context.Background(), "BTCUSDT", 1)
	assert.True(t, ok)
	assert.Len(t, ob.Bids, 1)
	assert.Len(t, ob.Asks, 1)
	assert.True(t, ob.Bids[0].Price.Equal(decimal.NewFromInt(100)))
}

func TestOrderBook_MissingSymbolReportsNotFound(t *testing.T) {
	a := New("binance", "key", "secret", true, clockwork.Real{}, nil)
	_, ok := a.OrderBook(context.Background(), "ETHUSDT", 0)
	assert.False(t, ok)
}

func TestRefreshFees_PopulatesCachedFeesWithTTL(t *testing.T) {
	a := New("binance", "key", "secret", true, clockwork.Real{}, nil)
	a.RefreshFees(context.Background(), decimal.NewFromFloat(0.001), decimal.NewFromFloat(0.001))
	fees := a.CachedFees()
	assert.True(t, fees.Maker.Equal(decimal.NewFromFloat(0.001)))
	assert.Equal(t, feeTTL, fees.TTL)
	assert.False(t, fees.Stale(fees.FetchedAt))
	assert.True(t, fees.Stale(fees.FetchedAt.Add(2*feeTTL)))
}

func TestNew_UsesTestnetBaseURLWhenSandbox(t *testing.T) {
	a := New("binance", "key", "secret", true, clockwork.Real{}, nil)
	assert.Equal(t, "https://testnet.binance.vision/api", a.client.BaseURL)
}
