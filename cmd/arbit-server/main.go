// Command arbit-server runs the full arbitrage pipeline: BookRegistry,
// SettingsStore, DetectionService, TradeDispatcher, Executor,
// InventoryController, SafetyMonitor and SmartStrategy wired together and
// driven by real or sandbox VenueAdapters. The wiring itself lives in
// arbit/app so cmd/arbit-sandbox can reuse it in-process.
package main

import (
	"flag"
	"os"

	"github.com/s2ungeda/arbit/arbit/app"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	sandboxFlag := flag.Bool("sandbox", false, "force every configured venue to run against the deterministic sandbox adapter")
	settingsPath := flag.String("settings", "", "override the durable settings.json path from config")
	flag.Parse()
	// Accept the subcommand form: arbit-server serve [--config <path>] [--sandbox].
	if flag.NArg() > 0 && flag.Arg(0) == "serve" {
		_ = flag.CommandLine.Parse(flag.Args()[1:])
	}

	os.Exit(app.Run(app.Options{
		ConfigPath:   *configPath,
		ForceSandbox: *sandboxFlag,
		SettingsPath: *settingsPath,
	}))
}
