package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/api"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/cache"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/config"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/extractor"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/keypool"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/scheduler"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/sink"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/source"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/ocrbatch/pkg/models"
)

func main() {
	// .env is optional, real environment takes precedence
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if _, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}

	if cfg.Tracing.Enabled {
		_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			defer closer.Close()
		}
	}

	// Key pool from the canonical key file, falling back to environment
	store := keypool.NewStore(cfg.Keys.File, cfg.Keys.EnvPrefix)
	records, err := store.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load API keys")
	}

	pool := keypool.New(records, keypool.Options{
		Strategy:     models.RotationStrategy(cfg.Keys.RotationStrategy),
		DailyCap:     cfg.RateLimit.RequestsPerDay,
		Cooldown:     cfg.Keys.Cooldown(),
		AutoRecovery: cfg.Keys.AutoRecovery,
	}, store)
	if pool.Len() == 0 {
		log.Fatal().Msg("No API keys configured, nothing to do")
	}

	sched := scheduler.New(cfg.Schedule, cfg.RateLimit)
	client := extractor.NewClient(cfg.Extractor)

	src, err := source.New(cfg.Source, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize image source")
	}

	snk, err := sink.New(cfg.Sink)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize output sink")
	}

	var resultCache *cache.Cache
	if cfg.Cache.Enabled {
		resultCache, err = cache.NewCache(cfg.Cache)
		if err != nil {
			log.Warn().Err(err).Msg("Result cache unavailable, continuing without it")
		} else {
			defer resultCache.Close()
		}
	}

	proc := pipeline.New(cfg, pool, sched, client, src, snk, resultCache, store)

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port)
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Warn().Err(err).Msg("Metrics server failed")
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	if cfg.API.Enabled {
		statusServer := api.NewServer(cfg.API.Port, pool, sched, proc)
		statusServer.Start()
		defer statusServer.Shutdown(context.Background())
	}

	// First Ctrl-C stops after the in-flight image, second kills
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, finishing current image")
		proc.Stop()
		<-sigChan
		log.Warn().Msg("Forced shutdown")
		os.Exit(1)
	}()

	start := time.Now()
	report, err := proc.Run(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Batch run failed")
	}

	if err := snk.WriteReport(report); err != nil {
		log.Error().Err(err).Msg("Failed to write processing report")
	}
	if cfg.Keys.StatsFile != "" {
		if err := store.WriteStats(cfg.Keys.StatsFile, pool.Snapshot()); err != nil {
			log.Error().Err(err).Msg("Failed to write key statistics")
		}
	}

	log.Info().
		Int("processed", report.Processed).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Dur("elapsed", time.Since(start)).
		Msg("Done")

	if code := exitCode(report); code != 0 {
		os.Exit(code)
	}
}

// exitCode maps the final report to the process exit status: any failed
// image makes the run nonzero.
func exitCode(report *models.RunReport) int {
	if report.Failed > 0 {
		return 1
	}
	return 0
}
