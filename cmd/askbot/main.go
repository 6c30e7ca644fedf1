// Command askbot runs a WhatsApp assistant bot with AI answers, shared
// memory and per-user credits.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/askbot/internal/config"
	. "github.com/roelfdiedericks/askbot/internal/logging"
	"github.com/roelfdiedericks/askbot/internal/paths"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// CLI is the command line. Global flags override the config file and
// environment.
type CLI struct {
	Config   string `help:"Path to askbot.json (default ./askbot.json, then <data-dir>/askbot.json)." short:"c" type:"path"`
	DataDir  string `help:"Data directory (default ~/.askbot)." name:"data-dir" type:"path"`
	Port     int    `help:"Status page port."`
	LogLevel string `help:"Log level: trace, debug, info, warn or error." name:"log-level"`

	Run     RunCmd     `cmd:"" default:"1" help:"Run the bot (default)."`
	Link    LinkCmd    `cmd:"" help:"Pair a WhatsApp account interactively and exit."`
	Unlink  UnlinkCmd  `cmd:"" help:"Remove the stored WhatsApp session."`
	Status  StatusCmd  `cmd:"" help:"Show pairing, supervisor and ledger state."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("askbot"),
		kong.Description("WhatsApp AI assistant bot with credits and memory."),
		kong.UsageOnError(),
	)
	err := kctx.Run(&cli)
	kctx.FatalIfErrorf(err)
}

// setup loads and validates the configuration, initializes logging and
// makes sure the data directory exists. It returns the resolved data dir.
func (cli *CLI) setup() (*config.Config, string, error) {
	cfgPath := cli.Config
	if cfgPath == "" && cli.DataDir != "" {
		found, err := paths.ConfigPath(cli.DataDir)
		if err != nil {
			return nil, "", err
		}
		cfgPath = found
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	if cli.DataDir != "" {
		cfg.DataDir = cli.DataDir
	}
	if cli.Port != 0 {
		cfg.HTTP.Port = cli.Port
		cfg.HTTP.Listen = ""
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}

	logCfg := DefaultConfig()
	logCfg.Level = ParseLevel(cfg.LogLevel)
	logCfg.ShowCaller = logCfg.Level >= LevelDebug
	Init(logCfg)

	dataDir, err := paths.Resolve(cfg.DataDir)
	if err != nil {
		return nil, "", err
	}
	if err := paths.EnsureDir(dataDir); err != nil {
		return nil, "", fmt.Errorf("failed to create data dir %s: %w", dataDir, err)
	}
	L_debug("config loaded", "dataDir", dataDir, "driver", cfg.LLM.Driver, "listen", cfg.ListenAddr())
	return cfg, dataDir, nil
}

// VersionCmd prints the version
type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Fprintf(os.Stdout, "askbot %s\n", version)
	return nil
}
