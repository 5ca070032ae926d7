// Copyright 2024-2026 Aiku AI

// Command vkteams-telegram-bridge relays messages between VK Teams users and
// the Telegram bots they pair with. Each VK Teams user sends the bridge a
// Telegram bot token once; afterwards messages to that bot show up in VK
// Teams and VK Teams messages go to the selected Telegram chat.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/subosito/gotenv"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/vkteams-telegram-bridge/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const name = "vkteams-telegram-bridge"

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var noSave = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
var generateExample = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var showVersion = flag.MakeFull("v", "version", "View bridge version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		name+" - A VK Teams to Telegram relay bridge.",
		name+" [-hnev] [-c <path>]",
	)
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *showVersion {
		fmt.Printf("%s %s (commit %s, built %s)\n", name, Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *generateExample {
		if err = os.WriteFile(*configPath, []byte(connector.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(10)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	if err = gotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load .env:", err)
		os.Exit(10)
	}
	cfg, err := connector.LoadConfig(*configPath, !*noSave)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(log)

	os.Exit(run(*log, cfg))
}

func run(log zerolog.Logger, cfg *connector.Config) int {
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Str("state_backend", cfg.State.Backend).
		Msg("Initializing bridge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	bridge, err := connector.Open(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start bridge")
		return 12
	}
	defer func() {
		if err := bridge.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close state backend")
		}
	}()

	log.Info().Msg("Bridge started")
	if err = bridge.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Bridge stopped with an error")
		return 1
	}
	log.Info().Msg("Bridge stopped")
	return 0
}
