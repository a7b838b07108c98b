package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/common"
	"github.com/ternarybob/nexo/internal/worker"
)

var (
	configPath  = flag.String("config", "", "Configuration file path (default: nexo.toml if present)")
	runOnce     = flag.Bool("once", false, "Process a single batch and exit")
	taskLimit   = flag.Int("limit", 0, "Max tasks per poll (overrides config)")
	pollSeconds = flag.Int("poll-interval", 0, "Seconds between polls (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Nexo version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	var configFiles []string
	if *configPath != "" {
		configFiles = append(configFiles, *configPath)
	} else if _, err := os.Stat("nexo.toml"); err == nil {
		configFiles = append(configFiles, "nexo.toml")
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if *pollSeconds > 0 {
		config.Worker.PollInterval = *pollSeconds
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Str("worker_id", config.Worker.ID).
		Str("coordinator", config.Coordinator.BaseURL).
		Bool("shadow_mode", config.ShadowMode.Enabled).
		Msg("Worker configuration loaded")

	if config.Metrics.Enabled {
		worker.Serve(config.Metrics, logger)
	}

	w, err := worker.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize worker")
		os.Exit(1)
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx, *runOnce, *taskLimit); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("Worker stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Worker shut down")
}
