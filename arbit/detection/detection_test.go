package detection

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s2ungeda/arbit/arbit/book"
	"github.com/s2ungeda/arbit/arbit/channels"
	"github.com/s2ungeda/arbit/arbit/clockwork"
	"github.com/s2ungeda/arbit/arbit/settings"
	"github.com/s2ungeda/arbit/arbit/types"
	"github.com/s2ungeda/arbit/arbit/venue/sandbox"
)

func newService(t *testing.T) (*Service, *book.Registry, *channels.Hub) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	store, err := settings.Open(path, nil)
	require.NoError(t, err)
	registry := book.New(5000, 16)
	hub := channels.New(nil)
	s := New(registry, store, hub, clockwork.Real{}, nil)
	return s, registry, hub
}

func seedVenue(id string, bid, ask int64) *sandbox.Adapter {
	a := sandbox.New(id, clockwork.Real{}, nil)
	a.SeedBalance("USDT", decimal.NewFromInt(100000), decimal.Zero)
	a.SeedBalance("BTC", decimal.NewFromInt(100), decimal.Zero)
	a.SetFees(decimal.Zero, decimal.Zero)
	return a
}

func TestEvaluate_PublishesSignalWhenTwoVenuesDiverge(t *testing.T) {
	s, registry, hub := newService(t)
	alpha := seedVenue("alpha", 100, 100)
	beta := seedVenue("beta", 105, 105)
	s.RegisterVenue(alpha)
	s.RegisterVenue(beta)
	s.RegisterSymbol(SymbolSpec{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT"})

	require.NoError(t, registry.Update(&types.OrderBook{Venue: "alpha", Symbol: "BTCUSDT", LastUpdate: time.Now(),
		Bids: []types.PriceLevel{{Price: decimal.NewFromInt(99), Quantity: decimal.NewFromInt(10)}},
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(10)}},
	}))
	require.NoError(t, registry.Update(&types.OrderBook{Venue: "beta", Symbol: "BTCUSDT", LastUpdate: time.Now(),
		Bids: []types.PriceLevel{{Price: decimal.NewFromInt(105), Quantity: decimal.NewFromInt(10)}},
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(106), Quantity: decimal.NewFromInt(10)}},
	}))

	s.evaluate("BTCUSDT")
	evaluated, accepted := s.Stats()
	assert.EqualValues(t, 1, evaluated)
	assert.EqualValues(t, 1, accepted)

	select {
	case op := <-hub.Signals():
		assert.Equal(t, "BTCUSDT", op.Symbol)
		assert.Equal(t, "alpha", op.BuyVenue)
		assert.Equal(t, "beta", op.SellVenue)
		assert.NotEmpty(t, op.ID, "a published opportunity must carry a stable dedupe id")
	case <-time.After(time.Second):
		t.Fatal("expected a signal to be published")
	}
}

func TestEvaluate_AlwaysAlsoPublishesLowerBarCandidateOnPassiveStream(t *testing.T) {
	s, registry, hub := newService(t)
	alpha := seedVenue("alpha", 100, 100)
	beta := seedVenue("beta", 105, 105)
	s.RegisterVenue(alpha)
	s.RegisterVenue(beta)
	s.RegisterSymbol(SymbolSpec{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT"})

	require.NoError(t, registry.Update(&types.OrderBook{Venue: "alpha", Symbol: "BTCUSDT", LastUpdate: time.Now(),
		Bids: []types.PriceLevel{{Price: decimal.NewFromInt(99), Quantity: decimal.NewFromInt(10)}},
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(10)}},
	}))
	require.NoError(t, registry.Update(&types.OrderBook{Venue: "beta", Symbol: "BTCUSDT", LastUpdate: time.Now(),
		Bids: []types.PriceLevel{{Price: decimal.NewFromInt(105), Quantity: decimal.NewFromInt(10)}},
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(106), Quantity: decimal.NewFromInt(10)}},
	}))

	s.evaluate("BTCUSDT")

	select {
	case op := <-hub.PassiveSignals():
		assert.Equal(t, "BTCUSDT", op.Symbol)
		assert.NotEmpty(t, op.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a lower-bar candidate to be published on the passive stream")
	}
}

func TestEvaluate_NoOpForUnregisteredSymbol(t *testing.T) {
	s, registry, _ := newService(t)
	require.NoError(t, registry.Update(&types.OrderBook{Venue: "alpha", Symbol: "ETHUSDT", LastUpdate: time.Now(),
		Bids: []types.PriceLevel{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}},
	}))
	s.evaluate("ETHUSDT")
	evaluated, accepted := s.Stats()
	assert.EqualValues(t, 0, evaluated)
	assert.EqualValues(t, 0, accepted)
}

func TestEvaluate_NoOpWithFewerThanTwoFreshBooks(t *testing.T) {
	s, registry, _ := newService(t)
	alpha := seedVenue("alpha", 100, 100)
	s.RegisterVenue(alpha)
	s.RegisterSymbol(SymbolSpec{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT"})

	require.NoError(t, registry.Update(&types.OrderBook{Venue: "alpha", Symbol: "BTCUSDT", LastUpdate: time.Now(),
		Bids: []types.PriceLevel{{Price: decimal.NewFromInt(99), Quantity: decimal.NewFromInt(10)}},
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(10)}},
	}))

	s.evaluate("BTCUSDT")
	evaluated, _ := s.Stats()
	assert.EqualValues(t, 0, evaluated)
}

func TestEvaluate_KeepsPublishingWhileSafetyKillSwitchTripped(t *testing.T) {
	s, registry, hub := newService(t)
	alpha := seedVenue("alpha", 100, 100)
	beta := seedVenue("beta", 105, 105)
	s.RegisterVenue(alpha)
	s.RegisterVenue(beta)
	s.RegisterSymbol(SymbolSpec{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT"})

	_, err := s.store.Apply(func(v types.AppSettings) types.AppSettings {
		v.SafetyKillSwitchActive = true
		return v
	})
	require.NoError(t, err)

	require.NoError(t, registry.Update(&types.OrderBook{Venue: "alpha", Symbol: "BTCUSDT", LastUpdate: time.Now(),
		Bids: []types.PriceLevel{{Price: decimal.NewFromInt(99), Quantity: decimal.NewFromInt(10)}},
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(10)}},
	}))
	require.NoError(t, registry.Update(&types.OrderBook{Venue: "beta", Symbol: "BTCUSDT", LastUpdate: time.Now(),
		Bids: []types.PriceLevel{{Price: decimal.NewFromInt(105), Quantity: decimal.NewFromInt(10)}},
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(106), Quantity: decimal.NewFromInt(10)}},
	}))

	// The kill-switch gates dispatch, not detection: opportunities keep
	// flowing to observers, the dispatcher is what discards them.
	s.evaluate("BTCUSDT")
	evaluated, accepted := s.Stats()
	assert.EqualValues(t, 1, evaluated)
	assert.EqualValues(t, 1, accepted)

	select {
	case op := <-hub.Signals():
		assert.Equal(t, "BTCUSDT", op.Symbol)
	case <-time.After(time.Second):
		t.Fatal("detection must keep publishing while the kill switch is tripped")
	}
}
