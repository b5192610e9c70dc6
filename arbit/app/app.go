// Package app wires every component into the running pipeline: this is the
// shared body behind both cmd/arbit-server and cmd/arbit-sandbox, which
// differ only in whether sandbox mode is forced.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/s2ungeda/arbit/arbit/book"
	"github.com/s2ungeda/arbit/arbit/channels"
	"github.com/s2ungeda/arbit/arbit/clockwork"
	"github.com/s2ungeda/arbit/arbit/detection"
	"github.com/s2ungeda/arbit/arbit/dispatch"
	"github.com/s2ungeda/arbit/arbit/errs"
	"github.com/s2ungeda/arbit/arbit/executor"
	"github.com/s2ungeda/arbit/arbit/inventory"
	"github.com/s2ungeda/arbit/arbit/metrics"
	"github.com/s2ungeda/arbit/arbit/safety"
	"github.com/s2ungeda/arbit/arbit/settings"
	"github.com/s2ungeda/arbit/arbit/strategy"
	"github.com/s2ungeda/arbit/arbit/venue"
	"github.com/s2ungeda/arbit/arbit/venue/binance"
	"github.com/s2ungeda/arbit/arbit/venue/keysource"
	"github.com/s2ungeda/arbit/arbit/venue/sandbox"
)

// Exit codes: 0 clean, 2 invalid configuration, 3 corrupt persisted state.
const (
	ExitOK            = 0
	ExitConfigInvalid = 2
	ExitStateCorrupt  = 3
)

// Options are the command-line-derived inputs Run needs; cmd/arbit-server
// parses these from real flags, cmd/arbit-sandbox hardcodes ForceSandbox.
type Options struct {
	ConfigPath   string
	ForceSandbox bool
	SettingsPath string
}

// Run loads configuration, builds every component, and blocks until
// SIGINT/SIGTERM, returning the process exit code to use.
func Run(opts Options) int {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	log := logger.WithField("component", "arbit-server")

	v := viper.New()
	v.SetConfigFile(opts.ConfigPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.ReadInConfig(); err != nil {
		log.WithError(err).Error("failed to read configuration")
		return ExitConfigInvalid
	}
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.WithField("file", e.Name).Info("configuration file changed on disk")
	})

	if !v.IsSet("symbols") || len(v.GetStringSlice("symbols")) == 0 {
		log.Error(`configuration must list at least one symbol under "symbols"`)
		return ExitConfigInvalid
	}

	sp := opts.SettingsPath
	if sp == "" {
		sp = v.GetString("settings_path")
	}
	if sp == "" {
		sp = "./data/settings.json"
	}
	store, err := settings.Open(sp, log)
	if err != nil {
		if errors.Is(err, errs.ErrPersistentStateCorrupt) {
			log.WithError(err).Error("persisted settings file is corrupt")
			return ExitStateCorrupt
		}
		log.WithError(err).Error("failed to open settings store")
		return ExitConfigInvalid
	}

	clock := clockwork.Real{}
	registry := book.New(v.GetInt("book.staleness_ms"), v.GetInt("book.update_buffer"))
	hub := channels.New(log)
	if v.GetBool("nats.enabled") {
		if err := hub.AttachNATS(channels.NATSConfig{
			URL:      v.GetString("nats.url"),
			ClientID: "arbit-server",
		}); err != nil {
			log.WithError(err).Warn("nats mirror unavailable, continuing without it")
		} else {
			defer hub.Close()
		}
	}

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)

	detectionSvc := detection.New(registry, store, hub, clock, log)
	execSvc := executor.New(clock, log)
	safetyMon := safety.New(store, hub, clock, log)
	invCtrl := inventory.New(store, hub, clock, log)
	dispatcher := dispatch.New(hub, store, registry, execSvc, safetyMon, clock, v.GetInt("dispatch.max_concurrent"), log)
	dispatcher.SetInventoryController(invCtrl)
	strategySvc := strategy.New(store, hub, clock, log)

	venues, err := buildVenues(v, opts.ForceSandbox, clock, log)
	if err != nil {
		log.WithError(err).Error("failed to construct venue adapters")
		return ExitConfigInvalid
	}
	for _, adapter := range venues {
		detectionSvc.RegisterVenue(adapter)
		execSvc.RegisterVenue(adapter)
		invCtrl.RegisterVenue(adapter)
	}

	for _, raw := range v.GetStringSlice("symbols") {
		spec, ok := parseSymbolSpec(raw)
		if !ok {
			log.WithField("symbol", raw).Error(`symbol entries must be "SYMBOL:BASE:QUOTE"`)
			return ExitConfigInvalid
		}
		detectionSvc.RegisterSymbol(spec)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go detectionSvc.Run(ctx)
	go dispatcher.Run(ctx)
	go strategySvc.Run(ctx)
	go invCtrl.Run(ctx)
	go safetyMon.Run(ctx)
	go observeResults(ctx, hub, metricsReg, log)
	go observeCrossedBooks(ctx, registry, metricsReg, clock)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.WithFields(logrus.Fields{
		"sandbox": opts.ForceSandbox,
		"venues":  len(venues),
	}).Info("arbit-server started")

	<-sigCh
	log.Info("shutdown signal received, stopping")
	cancel()
	time.Sleep(200 * time.Millisecond) // let in-flight goroutines observe ctx.Done()
	log.Info("arbit-server stopped")
	return ExitOK
}

// observeResults feeds completed transactions and safety events into the
// Prometheus registry. Run as its own goroutine so metrics never add
// latency to the dispatch path.
func observeResults(ctx context.Context, hub *channels.Hub, m *metrics.Registry, log *logrus.Entry) {
	results := hub.Results()
	events := hub.SafetyEvents()
	updates := hub.StrategyUpdates()
	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-results:
			if !ok {
				return
			}
			m.ObserveTransaction(tx)
			log.WithFields(logrus.Fields{
				"symbol": tx.Opportunity.Symbol,
				"status": tx.Status,
				"profit": tx.RealizedProfit.String(),
			}).Info("transaction settled")
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.ObserveSafetyEvent(ev.Tripped)
		case u, ok := <-updates:
			if !ok {
				return
			}
			log.WithFields(logrus.Fields{
				"threshold_pct": u.ThresholdPct.String(),
				"reason":        u.Reason,
			}).Info("global profit threshold changed")
		}
	}
}

// crossedBooksPollInterval is how often observeCrossedBooks samples
// BookRegistry's rejection counter to feed the Prometheus metric.
const crossedBooksPollInterval = 5 * time.Second

// observeCrossedBooks bridges BookRegistry's internal crossed-book rejection
// counter into the Prometheus registry. BookRegistry has no dependency on
// metrics itself — this poller is the one place the two are wired together,
// since app.Run already has both objects in scope.
func observeCrossedBooks(ctx context.Context, registry *book.Registry, m *metrics.Registry, clock clockwork.Clock) {
	ticker := clock.NewTicker(crossedBooksPollInterval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			total := registry.CrossedRejections()
			if delta := total - last; delta > 0 {
				m.CrossedBooksRejected.Add(float64(delta))
			}
			last = total
		}
	}
}

// parseSymbolSpec parses a "SYMBOL:BASE:QUOTE" config entry, e.g.
// "BTCUSDT:BTC:USDT".
func parseSymbolSpec(raw string) (detection.SymbolSpec, bool) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return detection.SymbolSpec{}, false
	}
	return detection.SymbolSpec{Symbol: parts[0], Base: parts[1], Quote: parts[2]}, true
}

// buildVenues constructs one VenueAdapter per entry under "venues" in
// config. forceSandbox overrides every venue's connection mode to the
// deterministic sandbox.Adapter regardless of its configured credentials,
// so the whole pipeline is runnable with no network access and no secrets.
func buildVenues(v *viper.Viper, forceSandbox bool, clock clockwork.Clock, log *logrus.Entry) (map[string]venue.Adapter, error) {
	names := v.GetStringSlice("venues.enabled")
	out := make(map[string]venue.Adapter, len(names))

	var keySrc keysource.Source = keysource.EnvSource{}
	if v.GetBool("vault.enabled") {
		vs, err := keysource.NewVaultSource(
			v.GetString("vault.address"),
			os.Getenv("VAULT_TOKEN"),
			v.GetString("vault.mount_path"),
			keysource.EnvSource{},
			log,
		)
		if err != nil {
			log.WithError(err).Warn("vault key source unavailable, falling back to environment variables")
		} else {
			keySrc = vs
		}
	}

	for _, name := range names {
		if forceSandbox || v.GetBool(fmt.Sprintf("venues.%s.sandbox", name)) {
			adapter := sandbox.New(name, clock, log)
			seedSandbox(v, name, adapter)
			out[name] = adapter
			continue
		}

		creds, err := keySrc.Resolve(context.Background(), name)
		if err != nil {
			return nil, fmt.Errorf("resolve credentials for venue %s: %w", name, err)
		}

		switch name {
		case "binance":
			out[name] = binance.New(name, creds.APIKey, creds.Secret, creds.Sandbox, clock, log)
		default:
			return nil, fmt.Errorf("no real adapter implementation for venue %q: %w", name, errs.ErrNotSupported)
		}
	}
	return out, nil
}

// seedSandbox applies venues.<name>.seed_balances (asset -> amount string)
// and venues.<name>.fees (maker/taker) from config to a sandbox adapter, so
// --sandbox runs start with a realistic, reproducible inventory.
func seedSandbox(v *viper.Viper, name string, adapter *sandbox.Adapter) {
	prefix := "venues." + name + "."
	balances := v.GetStringMapString(prefix + "seed_balances")
	for asset, amountStr := range balances {
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			continue
		}
		adapter.SeedBalance(asset, amount, decimal.Zero)
	}

	maker := decimal.NewFromFloat(v.GetFloat64(prefix + "fees.maker"))
	taker := decimal.NewFromFloat(v.GetFloat64(prefix + "fees.taker"))
	adapter.SetFees(maker, taker)

	if v.IsSet(prefix + "slippage_bps") {
		adapter.SetSlippageBps(decimal.NewFromFloat(v.GetFloat64(prefix + "slippage_bps")))
	}
}
