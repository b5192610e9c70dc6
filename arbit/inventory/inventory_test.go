package inventory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s2ungeda/arbit/arbit/channels"
	"github.com/s2ungeda/arbit/arbit/clockwork"
	"github.com/s2ungeda/arbit/arbit/settings"
	"github.com/s2ungeda/arbit/arbit/types"
	"github.com/s2ungeda/arbit/arbit/venue/sandbox"
)

func newStore(t *testing.T) *settings.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	s, err := settings.Open(path, nil)
	require.NoError(t, err)
	return s
}

func setSkewThreshold(t *testing.T, s *settings.Store, pct float64) {
	t.Helper()
	_, err := s.Apply(func(v types.AppSettings) types.AppSettings {
		v.MinRebalanceSkewThreshold = decimal.NewFromFloat(pct)
		return v
	})
	require.NoError(t, err)
}

func TestAnalyze_ProposesTransferFromExcessToDeficit(t *testing.T) {
	store := newStore(t)
	setSkewThreshold(t, store, 0.1)
	c := New(store, channels.New(nil), clockwork.Real{}, nil)

	alpha := sandbox.New("alpha", clockwork.Real{}, nil)
	alpha.SeedBalance("BTC", decimal.NewFromInt(10), decimal.Zero)
	alpha.SetWithdrawalFee("BTC", decimal.NewFromFloat(0.0001))
	beta := sandbox.New("beta", clockwork.Real{}, nil)
	beta.SeedBalance("BTC", decimal.NewFromInt(1), decimal.Zero)
	c.RegisterVenue(alpha)
	c.RegisterVenue(beta)

	proposal, ok := c.Analyze(context.Background(), "BTC")
	require.True(t, ok)
	assert.Equal(t, "alpha", proposal.SourceVenue)
	assert.Equal(t, "beta", proposal.TargetVenue)
	assert.True(t, proposal.Amount.IsPositive())
	assert.True(t, proposal.IsViable)
}

func TestAnalyze_NoProposalBelowSkewThreshold(t *testing.T) {
	store := newStore(t)
	setSkewThreshold(t, store, 0.5)
	c := New(store, channels.New(nil), clockwork.Real{}, nil)

	alpha := sandbox.New("alpha", clockwork.Real{}, nil)
	alpha.SeedBalance("BTC", decimal.NewFromInt(10), decimal.Zero)
	beta := sandbox.New("beta", clockwork.Real{}, nil)
	beta.SeedBalance("BTC", decimal.NewFromInt(9), decimal.Zero)
	c.RegisterVenue(alpha)
	c.RegisterVenue(beta)

	_, ok := c.Analyze(context.Background(), "BTC")
	assert.False(t, ok)
}

func TestAnalyze_NoProposalWithFewerThanTwoVenues(t *testing.T) {
	store := newStore(t)
	c := New(store, channels.New(nil), clockwork.Real{}, nil)
	alpha := sandbox.New("alpha", clockwork.Real{}, nil)
	alpha.SeedBalance("BTC", decimal.NewFromInt(10), decimal.Zero)
	c.RegisterVenue(alpha)

	_, ok := c.Analyze(context.Background(), "BTC")
	assert.False(t, ok)
}

func TestPassiveOnlyAccept_RequiresAutoRebalanceEnabled(t *testing.T) {
	store := newStore(t)
	setSkewThreshold(t, store, 0.1)
	c := New(store, channels.New(nil), clockwork.Real{}, nil)

	alpha := sandbox.New("alpha", clockwork.Real{}, nil)
	alpha.SeedBalance("BTC", decimal.NewFromInt(10), decimal.Zero)
	alpha.SetWithdrawalFee("BTC", decimal.NewFromFloat(0.0001))
	beta := sandbox.New("beta", clockwork.Real{}, nil)
	beta.SeedBalance("BTC", decimal.NewFromInt(1), decimal.Zero)
	c.RegisterVenue(alpha)
	c.RegisterVenue(beta)

	op := types.Opportunity{Base: "BTC", SellVenue: "alpha", BuyVenue: "beta"}
	assert.False(t, c.PassiveOnlyAccept(context.Background(), op), "disabled by default")

	_, err := store.Apply(func(v types.AppSettings) types.AppSettings {
		v.AutoRebalanceEnabled = true
		return v
	})
	require.NoError(t, err)

	assert.True(t, c.PassiveOnlyAccept(context.Background(), op))
}

func TestAnalyze_DeviationMeasuredAgainstTotalNotMean(t *testing.T) {
	// Two venues hold 10 and 0 of an asset: mean is 5, total is 10, so the
	// true |balance-mean|/total deviation is 0.5, not 1.0 (what dividing by
	// the mean instead of the total would have produced).
	store := newStore(t)
	c := New(store, channels.New(nil), clockwork.Real{}, nil)

	alpha := sandbox.New("alpha", clockwork.Real{}, nil)
	alpha.SeedBalance("BTC", decimal.NewFromInt(10), decimal.Zero)
	alpha.SetWithdrawalFee("BTC", decimal.NewFromFloat(0.0001))
	beta := sandbox.New("beta", clockwork.Real{}, nil)
	beta.SeedBalance("BTC", decimal.Zero, decimal.Zero)
	c.RegisterVenue(alpha)
	c.RegisterVenue(beta)

	setSkewThreshold(t, store, 0.4)
	proposal, ok := c.Analyze(context.Background(), "BTC")
	require.True(t, ok, "0.5 deviation must clear a 0.4 threshold")
	assert.Equal(t, "alpha", proposal.SourceVenue)
	assert.Equal(t, "beta", proposal.TargetVenue)

	setSkewThreshold(t, store, 0.6)
	_, ok = c.Analyze(context.Background(), "BTC")
	assert.False(t, ok, "0.5 deviation must not clear a 0.6 threshold; the old mean-denominator bug would have reported 1.0 and wrongly cleared it")
}

func TestScanAll_PublishesRebalanceProposalToHub(t *testing.T) {
	store := newStore(t)
	setSkewThreshold(t, store, 0.1)
	hub := channels.New(nil)
	c := New(store, hub, clockwork.Real{}, nil)

	alpha := sandbox.New("alpha", clockwork.Real{}, nil)
	alpha.SeedBalance("BTC", decimal.NewFromInt(10), decimal.Zero)
	alpha.SetWithdrawalFee("BTC", decimal.NewFromFloat(0.0001))
	beta := sandbox.New("beta", clockwork.Real{}, nil)
	beta.SeedBalance("BTC", decimal.NewFromInt(1), decimal.Zero)
	c.RegisterVenue(alpha)
	c.RegisterVenue(beta)

	c.scanAll(context.Background())

	select {
	case p := <-hub.RebalanceProposals():
		assert.Equal(t, "BTC", p.Asset)
		assert.Equal(t, "alpha", p.SourceVenue)
		assert.Equal(t, "beta", p.TargetVenue)
	case <-time.After(time.Second):
		t.Fatal("expected a rebalance proposal to be published")
	}
}

func TestConsiderPassive_ForwardsAcceptedCandidateWithPassiveOnlyFlag(t *testing.T) {
	store := newStore(t)
	setSkewThreshold(t, store, 0.1)
	_, err := store.Apply(func(v types.AppSettings) types.AppSettings {
		v.AutoRebalanceEnabled = true
		return v
	})
	require.NoError(t, err)

	hub := channels.New(nil)
	c := New(store, hub, clockwork.Real{}, nil)

	alpha := sandbox.New("alpha", clockwork.Real{}, nil)
	alpha.SeedBalance("BTC", decimal.NewFromInt(10), decimal.Zero)
	alpha.SetWithdrawalFee("BTC", decimal.NewFromFloat(0.0001))
	beta := sandbox.New("beta", clockwork.Real{}, nil)
	beta.SeedBalance("BTC", decimal.NewFromInt(1), decimal.Zero)
	c.RegisterVenue(alpha)
	c.RegisterVenue(beta)

	op := types.Opportunity{Symbol: "BTCUSDT", Base: "BTC", SellVenue: "alpha", BuyVenue: "beta"}
	c.considerPassive(context.Background(), op)

	select {
	case forwarded := <-hub.Signals():
		assert.True(t, forwarded.PassiveOnly)
		assert.Equal(t, "alpha", forwarded.SellVenue)
	case <-time.After(time.Second):
		t.Fatal("expected the accepted passive candidate to be forwarded onto the signal stream")
	}
}

func TestConsiderPassive_DropsCandidateWhenNotAccepted(t *testing.T) {
	store := newStore(t)
	hub := channels.New(nil)
	c := New(store, hub, clockwork.Real{}, nil) // AutoRebalanceEnabled stays false

	op := types.Opportunity{Symbol: "BTCUSDT", Base: "BTC", SellVenue: "alpha", BuyVenue: "beta"}
	c.considerPassive(context.Background(), op)

	select {
	case forwarded := <-hub.Signals():
		t.Fatalf("did not expect a rejected passive candidate to be forwarded: %+v", forwarded)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPassiveOnlyAccept_FalseWhenDirectionDoesNotMatchSkew(t *testing.T) {
	store := newStore(t)
	setSkewThreshold(t, store, 0.1)
	_, err := store.Apply(func(v types.AppSettings) types.AppSettings {
		v.AutoRebalanceEnabled = true
		return v
	})
	require.NoError(t, err)

	c := New(store, channels.New(nil), clockwork.Real{}, nil)
	alpha := sandbox.New("alpha", clockwork.Real{}, nil)
	alpha.SeedBalance("BTC", decimal.NewFromInt(10), decimal.Zero)
	alpha.SetWithdrawalFee("BTC", decimal.NewFromFloat(0.0001))
	beta := sandbox.New("beta", clockwork.Real{}, nil)
	beta.SeedBalance("BTC", decimal.NewFromInt(1), decimal.Zero)
	c.RegisterVenue(alpha)
	c.RegisterVenue(beta)

	// Reversed direction from the actual skew (alpha is excess, beta is deficit).
	op := types.Opportunity{Base: "BTC", SellVenue: "beta", BuyVenue: "alpha"}
	assert.False(t, c.PassiveOnlyAccept(context.Background(), op))
}

func TestExecuteProposal_PrefersWalletOverrideAddress(t *testing.T) {
	store := newStore(t)
	_, err := store.Apply(func(v types.AppSettings) types.AppSettings {
		v.WalletOverrides = map[string]map[string]string{
			"BTC": {"beta": "override-addr-1"},
		}
		return v
	})
	require.NoError(t, err)

	c := New(store, channels.New(nil), clockwork.Real{}, nil)
	alpha := sandbox.New("alpha", clockwork.Real{}, nil)
	alpha.SeedBalance("BTC", decimal.NewFromInt(10), decimal.Zero)
	beta := sandbox.New("beta", clockwork.Real{}, nil)
	beta.SetDepositAddress("BTC", "deposit-addr-should-not-be-used")
	c.RegisterVenue(alpha)
	c.RegisterVenue(beta)

	ref, err := c.ExecuteProposal(context.Background(), types.RebalanceProposal{
		Asset: "BTC", SourceVenue: "alpha", TargetVenue: "beta",
		Amount: decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	// The withdrawal must have debited the source venue.
	for _, b := range alpha.CachedBalances() {
		if b.Asset == "BTC" {
			assert.True(t, b.Free.Equal(decimal.NewFromInt(8)))
		}
	}
}

func TestExecuteProposal_FallsBackToTargetDepositAddress(t *testing.T) {
	store := newStore(t)
	c := New(store, channels.New(nil), clockwork.Real{}, nil)
	alpha := sandbox.New("alpha", clockwork.Real{}, nil)
	alpha.SeedBalance("BTC", decimal.NewFromInt(10), decimal.Zero)
	beta := sandbox.New("beta", clockwork.Real{}, nil)
	beta.SetDepositAddress("BTC", "beta-deposit-addr")
	c.RegisterVenue(alpha)
	c.RegisterVenue(beta)

	ref, err := c.ExecuteProposal(context.Background(), types.RebalanceProposal{
		Asset: "BTC", SourceVenue: "alpha", TargetVenue: "beta",
		Amount: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
}

func TestExecuteProposal_ErrorsWithoutAnyDestinationAddress(t *testing.T) {
	store := newStore(t)
	c := New(store, channels.New(nil), clockwork.Real{}, nil)
	alpha := sandbox.New("alpha", clockwork.Real{}, nil)
	alpha.SeedBalance("BTC", decimal.NewFromInt(10), decimal.Zero)
	beta := sandbox.New("beta", clockwork.Real{}, nil) // no deposit address configured
	c.RegisterVenue(alpha)
	c.RegisterVenue(beta)

	_, err := c.ExecuteProposal(context.Background(), types.RebalanceProposal{
		Asset: "BTC", SourceVenue: "alpha", TargetVenue: "beta",
		Amount: decimal.NewFromInt(1),
	})
	assert.Error(t, err)
}
