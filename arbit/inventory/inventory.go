// Package inventory implements the InventoryController: it measures
// per-asset balance skew across venues relative to the cross-venue mean,
// proposes rebalancing transfers, and recognizes when an already-detected
// arbitrage opportunity would passively correct a skew on its own — letting
// it through below the normal profit threshold (the absolute floor still
// applies).
package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/s2ungeda/arbit/arbit/channels"
	"github.com/s2ungeda/arbit/arbit/clockwork"
	"github.com/s2ungeda/arbit/arbit/errs"
	"github.com/s2ungeda/arbit/arbit/settings"
	"github.com/s2ungeda/arbit/arbit/types"
	"github.com/s2ungeda/arbit/arbit/venue"
)

// DefaultScanInterval is how often Run re-scans every tracked asset for
// skew.
const DefaultScanInterval = 30 * time.Second

// Controller is the concrete InventoryController.
type Controller struct {
	venues map[string]venue.Adapter
	store  *settings.Store
	hub    *channels.Hub
	clock  clockwork.Clock
	logger *logrus.Entry
}

// New builds a Controller.
func New(store *settings.Store, hub *channels.Hub, clock clockwork.Clock, logger *logrus.Entry) *Controller {
	if logger == nil {
		logger = logrus.WithField("component", "inventory")
	}
	return &Controller{venues: make(map[string]venue.Adapter), store: store, hub: hub, clock: clock, logger: logger}
}

// RegisterVenue makes adapter's balances part of the skew calculation.
func (c *Controller) RegisterVenue(adapter venue.Adapter) {
	c.venues[adapter.VenueID()] = adapter
}

type venueBalance struct {
	venue string
	total decimal.Decimal
}

// Analyze reports, for asset, the single largest-skew rebalance proposal:
// the venue furthest above the cross-venue mean as source, and the venue
// furthest below as target, deviation measured as |balance-mean|/total. No
// proposal is returned if there are fewer than two venues holding the asset
// or if the largest deviation does not clear
// AppSettings.MinRebalanceSkewThreshold.
func (c *Controller) Analyze(ctx context.Context, asset string) (types.RebalanceProposal, bool) {
	var balances []venueBalance
	for id, v := range c.venues {
		for _, b := range v.CachedBalances() {
			if b.Asset == asset {
				balances = append(balances, venueBalance{venue: id, total: b.Total()})
			}
		}
	}
	if len(balances) < 2 {
		return types.RebalanceProposal{}, false
	}

	sort.Slice(balances, func(i, j int) bool { return balances[i].venue < balances[j].venue })

	sum := decimal.Zero
	for _, b := range balances {
		sum = sum.Add(b.total)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(balances))))
	if mean.IsZero() {
		return types.RebalanceProposal{}, false
	}

	var source, target venueBalance
	maxExcess := decimal.Zero
	maxDeficit := decimal.Zero
	for _, b := range balances {
		dev := b.total.Sub(mean).Div(sum)
		if dev.GreaterThan(maxExcess) {
			maxExcess = dev
			source = b
		}
		if dev.Neg().GreaterThan(maxDeficit) {
			maxDeficit = dev.Neg()
			target = b
		}
	}
	if source.venue == "" || target.venue == "" || source.venue == target.venue {
		return types.RebalanceProposal{}, false
	}

	snap := c.store.Snapshot()
	deviation := decimal.Max(maxExcess, maxDeficit)
	if deviation.LessThan(snap.MinRebalanceSkewThreshold) {
		return types.RebalanceProposal{}, false
	}

	amount := decimal.Min(source.total.Sub(mean), mean.Sub(target.total))
	if !amount.IsPositive() {
		return types.RebalanceProposal{}, false
	}

	proposal := types.RebalanceProposal{
		Asset:       asset,
		SourceVenue: source.venue,
		TargetVenue: target.venue,
		Amount:      amount,
		TrendLabel:  source.venue + " accumulating, " + target.venue + " depleting",
		GeneratedAt: c.clock.Now(),
	}

	if src, ok := c.venues[source.venue]; ok {
		if fee, err := src.WithdrawalFee(ctx, asset); err == nil {
			proposal.EstimatedFee = fee
			if amount.IsPositive() {
				proposal.CostPct = fee.Div(amount).Mul(decimal.NewFromInt(100))
			}
			proposal.IsViable = proposal.CostPct.LessThanOrEqual(types.ViabilityCeilingPct)
		}
	}

	return proposal, true
}

// PassiveOnlyAccept reports whether executing op would, on its own, move
// the base asset in the direction Analyze would otherwise recommend moving
// it explicitly: op.SellVenue (base decreases there) should be the current
// excess venue, and op.BuyVenue (base increases there) the deficient one.
// When true, DetectionService/TradeDispatcher may accept op even though its
// net profit falls below the configured threshold, as long as it still
// clears the absolute floor the calculator always enforces.
func (c *Controller) PassiveOnlyAccept(ctx context.Context, op types.Opportunity) bool {
	if !c.store.Snapshot().AutoRebalanceEnabled {
		return false
	}
	proposal, ok := c.Analyze(ctx, op.Base)
	if !ok || !proposal.IsViable {
		return false
	}
	return proposal.SourceVenue == op.SellVenue && proposal.TargetVenue == op.BuyVenue
}

// Run blocks, periodically re-scanning every tracked asset for skew and
// consuming DetectionService's passive-rebalance candidates as they arrive,
// until ctx is cancelled. Intended to be run in its own goroutine by the
// caller.
func (c *Controller) Run(ctx context.Context) {
	c.RunWithInterval(ctx, DefaultScanInterval)
}

// RunWithInterval is Run with an explicit scan period, exposed so tests can
// drive a fast loop without waiting on DefaultScanInterval.
func (c *Controller) RunWithInterval(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	passive := c.hub.PassiveSignals()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.scanAll(ctx)
		case op, ok := <-passive:
			if !ok {
				return
			}
			c.considerPassive(ctx, op)
		}
	}
}

// scanAll re-runs Analyze for every asset currently held on a registered
// venue and publishes every viable proposal found, for operator visibility
// and downstream consumers (e.g. a manual-transfer workflow).
func (c *Controller) scanAll(ctx context.Context) {
	// Refresh authoritative balances first; a venue that cannot answer keeps
	// serving its last-known cached values.
	for _, v := range c.venues {
		if _, err := v.Balances(ctx); err != nil {
			c.logger.WithError(err).WithField("venue", v.VenueID()).Warn("balance refresh failed, using cached values")
		}
	}

	assets := make(map[string]bool)
	for _, v := range c.venues {
		for _, b := range v.CachedBalances() {
			assets[b.Asset] = true
		}
	}
	for asset := range assets {
		proposal, ok := c.Analyze(ctx, asset)
		if !ok {
			continue
		}
		if err := c.hub.PublishRebalanceProposal(ctx, proposal); err != nil {
			c.logger.WithError(err).Warn("publish rebalance proposal failed")
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"asset":  asset,
			"source": proposal.SourceVenue,
			"target": proposal.TargetVenue,
			"amount": proposal.Amount.String(),
		}).Info("rebalance proposal published")

		if proposal.IsViable && c.store.Snapshot().AutoRebalanceEnabled {
			ref, err := c.ExecuteProposal(ctx, proposal)
			if err != nil {
				c.logger.WithError(err).WithField("asset", asset).Warn("rebalance transfer failed")
				continue
			}
			c.logger.WithFields(logrus.Fields{"asset": asset, "tx_ref": ref}).Info("rebalance transfer submitted")
		}
	}
}

// ExecuteProposal carries out a rebalance transfer: it resolves the
// destination address (operator wallet override first, then the target
// venue's deposit address) and withdraws the proposed amount from the
// source venue. Callers gate on viability and AutoRebalanceEnabled.
func (c *Controller) ExecuteProposal(ctx context.Context, p types.RebalanceProposal) (string, error) {
	src, ok := c.venues[p.SourceVenue]
	if !ok {
		return "", fmt.Errorf("inventory: source venue %s not registered: %w", p.SourceVenue, errs.ErrNotSupported)
	}
	tgt, ok := c.venues[p.TargetVenue]
	if !ok {
		return "", fmt.Errorf("inventory: target venue %s not registered: %w", p.TargetVenue, errs.ErrNotSupported)
	}

	snap := c.store.Snapshot()
	address := ""
	if byVenue, ok := snap.WalletOverrides[p.Asset]; ok {
		address = byVenue[p.TargetVenue]
	}
	if address == "" {
		addr, ok := tgt.DepositAddress(ctx, p.Asset)
		if !ok {
			return "", fmt.Errorf("inventory: no deposit address for %s on %s: %w", p.Asset, p.TargetVenue, errs.ErrNotSupported)
		}
		address = addr
	}

	ref, err := src.Withdraw(ctx, p.Asset, p.Amount, address, "")
	if err != nil {
		return "", fmt.Errorf("inventory: withdraw %s %s from %s: %w", p.Amount.String(), p.Asset, p.SourceVenue, err)
	}
	return ref, nil
}

// considerPassive decides whether op — DetectionService's lower-bar
// candidate for a symbol, already cleared down to the absolute floor but
// not necessarily the configured profit threshold — would passively correct
// a detected skew. If so it is forwarded to TradeDispatcher by republishing
// it onto the trade-signal stream with PassiveOnly set, the one flag that
// lets the dispatcher's gate chain admit it below threshold.
func (c *Controller) considerPassive(ctx context.Context, op types.Opportunity) {
	if !c.PassiveOnlyAccept(ctx, op) {
		return
	}
	op.PassiveOnly = true
	c.logger.WithFields(logrus.Fields{
		"symbol": op.Symbol,
		"buy":    op.BuyVenue,
		"sell":   op.SellVenue,
	}).Info("passive rebalance candidate accepted, forwarding to dispatcher")
	c.hub.PublishSignal(op)
}
