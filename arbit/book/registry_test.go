package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/s2ungeda/arbit/arbit/errs"
	"github.com/s2ungeda/arbit/arbit/types"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestUpdateAndGet_RoundTrip(t *testing.T) {
	r := New(2000, 8)
	now := time.Now()
	ob := &types.OrderBook{Venue: "alpha", Symbol: "BTCUSDT", LastUpdate: now,
		Bids: []types.PriceLevel{{Price: dec(100), Quantity: dec(1)}},
		Asks: []types.PriceLevel{{Price: dec(101), Quantity: dec(1)}},
	}
	mustUpdate(t, r.Update(ob))

	got, ok := r.Get("alpha", "BTCUSDT", now)
	assert.True(t, ok)
	assert.Equal(t, ob, got)
}

func TestUpdate_RejectsCrossedBook(t *testing.T) {
	r := New(2000, 8)
	ob := &types.OrderBook{Venue: "alpha", Symbol: "BTCUSDT", LastUpdate: time.Now(),
		Bids: []types.PriceLevel{{Price: dec(102), Quantity: dec(1)}},
		Asks: []types.PriceLevel{{Price: dec(101), Quantity: dec(1)}},
	}
	err := r.Update(ob)
	assert.ErrorIs(t, err, errs.ErrCrossedBook)
	assert.EqualValues(t, 1, r.CrossedRejections())

	_, ok := r.Get("alpha", "BTCUSDT", time.Now())
	assert.False(t, ok, "a rejected crossed book must never be stored")
}

func TestGet_TreatsStaleBookAsAbsent(t *testing.T) {
	r := New(100, 8)
	now := time.Now()
	ob := &types.OrderBook{Venue: "alpha", Symbol: "BTCUSDT", LastUpdate: now,
		Asks: []types.PriceLevel{{Price: dec(101), Quantity: dec(1)}},
	}
	mustUpdate(t, r.Update(ob))

	_, ok := r.Get("alpha", "BTCUSDT", now.Add(200*time.Millisecond))
	assert.False(t, ok)
}

func TestMarketUpdateStream_DropsOldestWhenFull(t *testing.T) {
	r := New(2000, 1)
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		ob := &types.OrderBook{Venue: "alpha", Symbol: sym, LastUpdate: time.Now(),
			Asks: []types.PriceLevel{{Price: dec(1), Quantity: dec(1)}},
		}
		mustUpdate(t, r.Update(ob))
	}

	select {
	case sym := <-r.MarketUpdateStream():
		assert.Equal(t, "ETHUSDT", sym, "oldest update should have been dropped to admit the newest")
	default:
		t.Fatal("expected a pending update")
	}
}

func TestAllFresh_OnlyIncludesFreshRequestedVenues(t *testing.T) {
	r := New(2000, 8)
	now := time.Now()
	mustUpdate(t, r.Update(&types.OrderBook{Venue: "alpha", Symbol: "BTCUSDT", LastUpdate: now,
		Asks: []types.PriceLevel{{Price: dec(1), Quantity: dec(1)}}}))
	mustUpdate(t, r.Update(&types.OrderBook{Venue: "beta", Symbol: "BTCUSDT", LastUpdate: now,
		Asks: []types.PriceLevel{{Price: dec(1), Quantity: dec(1)}}}))

	got := r.AllFresh("BTCUSDT", []string{"alpha", "beta", "gamma"}, now)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "alpha")
	assert.Contains(t, got, "beta")
}

func mustUpdate(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
