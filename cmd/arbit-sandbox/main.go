// Command arbit-sandbox is a convenience entrypoint for local runs and demos
// where no exchange credentials exist: it runs the same pipeline as
// arbit-server with every venue forced onto the deterministic sandbox
// adapter, regardless of what configs/config.yaml says.
package main

import (
	"flag"
	"os"

	"github.com/s2ungeda/arbit/arbit/app"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	settingsPath := flag.String("settings", "", "override the durable settings.json path from config")
	flag.Parse()

	os.Exit(app.Run(app.Options{
		ConfigPath:   *configPath,
		ForceSandbox: true,
		SettingsPath: *settingsPath,
	}))
}
