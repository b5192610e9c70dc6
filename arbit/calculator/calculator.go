// Package calculator implements the OpportunityCalculator: a pure function
// of books, fees, balances and settings that finds the best cross-venue
// arbitrage opportunity for one symbol by walking both books.
//
// Nothing in this package performs I/O or touches a clock beyond the
// timestamp supplied in Input. It is deterministic and safe to call from
// any number of goroutines concurrently, since it never mutates its inputs.
package calculator

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/s2ungeda/arbit/arbit/types"
)

// dustVolume is the floor below which a capped volume is treated as zero —
// there is no meaningful trade smaller than this.
var dustVolume = decimal.New(1, -12)

// Input bundles everything the calculator needs to evaluate one symbol
// across every registered venue.
type Input struct {
	Symbol string

	// Books maps venue name to its current order book for Symbol. Venues
	// missing from this map, or present with an empty relevant side, are
	// skipped for that leg.
	Books map[string]*types.OrderBook

	// Fees maps venue name to its cached fee schedule. A venue absent here
	// is skipped entirely — it cannot be priced.
	Fees map[string]types.FeeSchedule

	// Balances optionally maps venue name to that venue's balances. When
	// nil, no balance cap is applied (useful for passive-rebalance scans
	// that only care about liquidity-limited volume).
	Balances map[string][]types.Balance

	UseTakerFees bool

	// GlobalMinProfitPct and PairMinProfitPct mirror AppSettings; the
	// effective threshold for Symbol is PairMinProfitPct[Symbol] if present
	// else GlobalMinProfitPct — unless ThresholdOverride is set, in which
	// case it wins outright (used by DetectionService's passive-rebalance
	// lower-bar pass, which always evaluates at the absolute floor).
	GlobalMinProfitPct decimal.Decimal
	PairMinProfitPct   map[string]decimal.Decimal
	ThresholdOverride  *decimal.Decimal

	SafeBalanceMultiplier decimal.Decimal

	IsSandbox bool

	// base/quote are populated internally by Calculator.Best from its
	// explicit parameters; Input has no public way to set them so every
	// caller goes through Best's signature instead of risking a mismatched
	// symbol/asset split.
	base, quote string
}

func balanceFree(balances []types.Balance, asset string) decimal.Decimal {
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free
		}
	}
	return decimal.Zero
}

// walkCross simultaneously consumes asks (ascending) and bids (descending)
// until the next pair of levels would cross (ask price > bid price),
// returning total crossable volume and the weighted price sums on each side.
func walkCross(asks, bids []types.PriceLevel) (volume, askWeighted, bidWeighted decimal.Decimal) {
	i, j := 0, 0
	askRemain := decimal.Zero
	bidRemain := decimal.Zero
	for i < len(asks) && j < len(bids) {
		if askRemain.IsZero() {
			askRemain = asks[i].Quantity
		}
		if bidRemain.IsZero() {
			bidRemain = bids[j].Quantity
		}
		if asks[i].Price.GreaterThan(bids[j].Price) {
			break
		}
		inc := decimal.Min(askRemain, bidRemain)
		if inc.LessThanOrEqual(decimal.Zero) {
			break
		}
		volume = volume.Add(inc)
		askWeighted = askWeighted.Add(asks[i].Price.Mul(inc))
		bidWeighted = bidWeighted.Add(bids[j].Price.Mul(inc))
		askRemain = askRemain.Sub(inc)
		bidRemain = bidRemain.Sub(inc)
		if askRemain.IsZero() {
			i++
		}
		if bidRemain.IsZero() {
			j++
		}
	}
	return volume, askWeighted, bidWeighted
}

// walkToVolume consumes levels (already ordered best-first) up to target
// volume and returns the weighted price sum and the volume actually filled
// (min of target and total available liquidity in levels).
func walkToVolume(levels []types.PriceLevel, target decimal.Decimal) (weighted, filled decimal.Decimal) {
	remaining := target
	for _, lvl := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(remaining, lvl.Quantity)
		weighted = weighted.Add(lvl.Price.Mul(take))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
	}
	return weighted, filled
}

// round12 rounds to 12 fractional digits using round-half-even, the scale
// every derived price and percentage in this package settles at.
func round12(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(12)
}

// candidate is one evaluated (buy,sell) pair, kept only if it passes every
// acceptance filter.
type candidate struct {
	buyVenue, sellVenue string
	buyVWAP, sellVWAP   decimal.Decimal
	volume              decimal.Decimal
	buyFee, sellFee     decimal.Decimal
	grossPct, netPct    decimal.Decimal
}

func (c *Input) effectiveThreshold() decimal.Decimal {
	if c.ThresholdOverride != nil {
		return *c.ThresholdOverride
	}
	if pct, ok := c.PairMinProfitPct[c.Symbol]; ok {
		return pct
	}
	return c.GlobalMinProfitPct
}

// evaluatePair walks buyVenue's asks against sellVenue's bids and returns a
// candidate if (and only if) it clears every acceptance rule.
func evaluatePair(in Input, buyVenue, sellVenue string) (candidate, bool) {
	buyBook, ok := in.Books[buyVenue]
	if !ok || len(buyBook.Asks) == 0 {
		return candidate{}, false
	}
	sellBook, ok := in.Books[sellVenue]
	if !ok || len(sellBook.Bids) == 0 {
		return candidate{}, false
	}
	buyFeeSched, ok := in.Fees[buyVenue]
	if !ok {
		return candidate{}, false
	}
	sellFeeSched, ok := in.Fees[sellVenue]
	if !ok {
		return candidate{}, false
	}

	volume, askWeighted, bidWeighted := walkCross(buyBook.Asks, sellBook.Bids)
	if volume.LessThanOrEqual(decimal.Zero) {
		return candidate{}, false
	}

	buyVWAP := round12(askWeighted.Div(volume))
	sellVWAP := round12(bidWeighted.Div(volume))

	if in.Balances != nil {
		buyVenueBalances := in.Balances[buyVenue]
		sellVenueBalances := in.Balances[sellVenue]
		// The buy leg spends quote on buyVenue, the sell leg spends base on
		// sellVenue; both asset names come from Best's explicit parameters.
		quoteFree := balanceFree(buyVenueBalances, in.quoteAsset())
		baseFree := balanceFree(sellVenueBalances, in.baseAsset())

		buyCap := decimal.Zero
		if !buyVWAP.IsZero() {
			buyCap = quoteFree.Mul(in.SafeBalanceMultiplier).Div(buyVWAP)
		}
		sellCap := baseFree.Mul(in.SafeBalanceMultiplier)

		capped := decimal.Min(decimal.Min(buyCap, sellCap), volume)
		if capped.LessThanOrEqual(decimal.Zero) || capped.LessThan(dustVolume) {
			return candidate{}, false
		}
		if capped.LessThan(volume) {
			volume = capped
			askW, _ := walkToVolume(buyBook.Asks, volume)
			bidW, _ := walkToVolume(sellBook.Bids, volume)
			buyVWAP = round12(askW.Div(volume))
			sellVWAP = round12(bidW.Div(volume))
		}
	}

	grossPct := round12(sellVWAP.Sub(buyVWAP).Div(buyVWAP).Mul(decimal.NewFromInt(100)))

	buyFee := buyFeeSched.Maker
	sellFee := sellFeeSched.Maker
	if in.UseTakerFees {
		buyFee = buyFeeSched.Taker
		sellFee = sellFeeSched.Taker
	}

	netPct := round12(grossPct.Sub(buyFee.Mul(decimal.NewFromInt(100))).Sub(sellFee.Mul(decimal.NewFromInt(100))))

	threshold := in.effectiveThreshold()
	if netPct.LessThan(threshold) || netPct.LessThan(types.AbsoluteFloorPct) {
		return candidate{}, false
	}

	return candidate{
		buyVenue:  buyVenue,
		sellVenue: sellVenue,
		buyVWAP:   buyVWAP,
		sellVWAP:  sellVWAP,
		volume:    volume,
		buyFee:    buyFee,
		sellFee:   sellFee,
		grossPct:  grossPct,
		netPct:    netPct,
	}, true
}

// quoteAsset / baseAsset return the asset names Best stored on the Input
// from its base and quote parameters.
func (c Input) quoteAsset() string { return c.quote }
func (c Input) baseAsset() string  { return c.base }

// Calculator is the stateless entry point; it carries no fields because the
// algorithm has no state of its own — Best is a pure function.
type Calculator struct{}

// New returns a Calculator. It exists mainly so call sites read naturally
// (calculator.New().Best(...)) and so a future stateful variant (e.g. one
// that caches per-symbol scratch buffers) can be introduced without
// breaking callers.
func New() *Calculator { return &Calculator{} }

// Best walks every ordered venue pair for in.Symbol and returns the single
// best accepted opportunity, or ok=false if none clears the filters.
// base and quote are the symbol's asset legs (e.g. "BTC", "USDT" for
// "BTCUSDT"), required only when in.Balances is non-nil.
func (c *Calculator) Best(in Input, base, quote string) (types.Opportunity, bool) {
	in.base, in.quote = base, quote

	venues := make([]string, 0, len(in.Books))
	for v := range in.Books {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	var best candidate
	haveBest := false
	for _, b := range venues {
		for _, s := range venues {
			if b == s {
				continue
			}
			cand, ok := evaluatePair(in, b, s)
			if !ok {
				continue
			}
			if !haveBest || isBetter(cand, best) {
				best = cand
				haveBest = true
			}
		}
	}
	if !haveBest {
		return types.Opportunity{}, false
	}

	return types.Opportunity{
		Symbol:    in.Symbol,
		Base:      base,
		Quote:     quote,
		BuyVenue:  best.buyVenue,
		SellVenue: best.sellVenue,
		BuyPrice:  best.buyVWAP,
		SellPrice: best.sellVWAP,
		Volume:    best.volume,
		BuyFee:    best.buyFee,
		SellFee:   best.sellFee,
		GrossPct:  best.grossPct,
		NetPct:    best.netPct,
		IsSandbox: in.IsSandbox,
	}, true
}

// isBetter implements the tie-break order: maximum netPct, then larger
// volume, then lexicographic (buyVenue, sellVenue).
func isBetter(a, b candidate) bool {
	if !a.netPct.Equal(b.netPct) {
		return a.netPct.GreaterThan(b.netPct)
	}
	if !a.volume.Equal(b.volume) {
		return a.volume.GreaterThan(b.volume)
	}
	if a.buyVenue != b.buyVenue {
		return a.buyVenue < b.buyVenue
	}
	return a.sellVenue < b.sellVenue
}
