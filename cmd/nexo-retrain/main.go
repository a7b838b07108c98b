package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/common"
	"github.com/ternarybob/nexo/internal/coordinator"
	"github.com/ternarybob/nexo/internal/ml/features"
	"github.com/ternarybob/nexo/internal/ml/feedback"
	"github.com/ternarybob/nexo/internal/ml/registry"
	"github.com/ternarybob/nexo/internal/ml/train"
	"github.com/ternarybob/nexo/internal/worker"
)

var (
	configPath  = flag.String("config", "", "Configuration file path (default: nexo.toml if present)")
	backend     = flag.String("backend", "gbdt", "Model backend: gbdt or forest")
	useSMOTE    = flag.Bool("smote", false, "Oversample minority classes before training")
	tune        = flag.Bool("tune", false, "Random-search hyperparameters on the validation split")
	sinceDays   = flag.Int("since-days", 30, "Feedback ingestion window in days")
	schedule    = flag.String("schedule", "", "Cron expression for recurring retraining (empty runs once)")
	rollback    = flag.Bool("rollback", false, "Redeploy the previously deployed model version and exit")
	showVersion = flag.Bool("version", false, "Print version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Nexo retrain version %s\n", common.GetFullVersion())
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
	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	dataRoot := config.ML.DataRoot
	reg := registry.New(filepath.Join(dataRoot, "registry"), config.ML.ModelPath, logger)

	if *rollback {
		version, err := reg.Rollback()
		if err != nil {
			logger.Fatal().Err(err).Msg("Rollback failed")
			os.Exit(1)
		}
		logger.Info().Str("version", version).Msg("Rolled back to previous model")
		return
	}

	collector := feedback.NewCollector(dataRoot, *sinceDays, logger)
	workflow := registry.NewWorkflow(reg, collector, dataRoot, logger)
	if config.ML.FetchCacheDir != "" {
		extractor, err := features.NewExtractor(config.ML.FetchCacheDir, config.FetchCacheTTL(), "", logger)
		if err != nil {
			logger.Warn().Err(err).Str("dir", config.ML.FetchCacheDir).Msg("Fetch cache unavailable, capability enrichment disabled")
		} else {
			defer extractor.Close()
			workflow.UseExtractor(extractor)
		}
	}
	client := coordinator.NewClient(
		config.Coordinator.BaseURL,
		config.Coordinator.Token,
		config.CoordinatorTimeout(),
		logger,
	)

	opts := registry.WorkflowOptions{
		Train: train.Options{
			Backend:  *backend,
			UseSMOTE: *useSMOTE,
			Tune:     *tune,
			Seed:     42,
		},
		AcceptanceDelta: config.ML.AcceptanceDelta,
		Sources: feedback.Sources{
			OutcomeLogPath: filepath.Join(config.OutcomeLog.Dir, worker.OutcomeFileName(config.OutcomeLog.Format)),
			ShadowLogPath:  filepath.Join(config.ShadowMode.Dir, worker.ShadowFileName(config.ShadowMode.Format)),
			Client:         client,
		},
		RawDatasetPath: filepath.Join(dataRoot, "raw_backlinks.csv"),
	}

	runCycle := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		result, err := workflow.Run(ctx, opts)
		if err != nil {
			logger.Error().Err(err).Msg("Retraining cycle failed")
			return
		}
		logger.Info().
			Str("version", result.Version).
			Bool("deployed", result.Deployed).
			Float64("test_accuracy", result.TestAccuracy).
			Float64("prod_accuracy", result.ProdAccuracy).
			Int("rows_ingested", result.RowsIngested).
			Msg("Retraining cycle complete")
	}

	if *schedule == "" {
		runCycle()
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, runCycle); err != nil {
		logger.Fatal().Err(err).Str("schedule", *schedule).Msg("Invalid cron schedule")
		os.Exit(1)
	}
	c.Start()
	logger.Info().Str("schedule", *schedule).Msg("Retraining scheduler started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	<-c.Stop().Done()
	logger.Info().Msg("Retraining scheduler stopped")
}
