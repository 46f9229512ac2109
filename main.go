package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"schoolbus/backend/config"
	"schoolbus/backend/driver"
	"schoolbus/backend/jobs"
	"schoolbus/backend/optimize"
	"schoolbus/backend/progress"
	"schoolbus/backend/server"
	"schoolbus/backend/travel"
)

const sharedCacheSize = 100_000

func main() {
	batch := flag.Bool("batch", false, "run one optimization headless and exit")
	input := flag.String("input", "", "request file for batch mode")
	report := flag.String("report", "", "CSV report path or directory (batch mode)")
	day := flag.String("day", "", "day code override (batch mode)")
	validate := flag.Bool("validate", false, "run Monte Carlo validation (batch mode)")
	seed := flag.Int64("seed", 0, "deterministic seed override (batch mode)")
	budget := flag.Int("time_budget", 0, "local search time budget in seconds (batch mode)")
	quiet := flag.Bool("quiet", false, "suppress phase progress output (batch mode)")
	pretty := flag.Bool("pretty", true, "human-readable log output")
	flag.Parse()

	var out = os.Stderr
	log := zerolog.New(out).With().Timestamp().Logger()
	if *pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}).
			With().Timestamp().Logger()
	}

	if *batch {
		if *input == "" {
			log.Error().Msg("batch mode requires -input")
			os.Exit(driver.ExitInfeasible)
		}
		os.Exit(driver.Run(driver.Options{
			InputPath:     *input,
			ReportPath:    *report,
			Day:           *day,
			Validate:      *validate,
			Seed:          *seed,
			TimeBudgetSec: *budget,
			Quiet:         *quiet,
		}, log))
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	var provider travel.Provider
	switch cfg.TravelTimeProvider {
	case "remote":
		provider = travel.NewRemoteProvider(cfg.RemoteRoutingURL, cfg.RemoteRoutingTableURL, cfg.ProviderTimeout, log)
	default:
		provider = travel.NewHaversineProvider(cfg.HaversineSpeedKmph)
	}
	shared, err := travel.NewSharedCache(sharedCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("shared cache")
	}

	store, err := jobs.OpenStore(cfg.StorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("job store")
	}
	defer store.Close()

	var mgr *jobs.Manager
	broker := progress.NewBroker(progress.Options{
		Known:       func(id string) bool { return mgr.Known(id) },
		MinInterval: cfg.ProgressMinInterval,
		MinDeltaPct: cfg.ProgressMinDeltaPct,
		Logger:      log,
	})
	defer broker.Close()

	var runner jobs.Runner
	if cfg.QueueEnabled {
		runner = jobs.NewPooledRunner(cfg.WorkerConcurrency, 4*cfg.WorkerConcurrency, log)
	} else {
		runner = jobs.NewInlineRunner()
	}

	mgr = jobs.NewManager(jobs.ManagerOptions{
		Store:  store,
		Broker: broker,
		Runner: runner,
		Optimizer: &optimize.Optimizer{
			Provider:      provider,
			Shared:        shared,
			FallbackSpeed: cfg.HaversineSpeedKmph,
			DetourFactor:  cfg.FallbackDetourFactor,
			Defaults:      cfg.OptimizerDefaults(),
			Log:           log,
		},
		TimeLimit:     cfg.JobTimeLimit,
		RetryAttempts: cfg.WorkerRetryAttempts,
		RetryBase:     cfg.WorkerRetryBase,
		Logger:        log,
	})

	srv := server.New(mgr, broker, server.Options{
		Addr:             cfg.HTTPAddr,
		WebsocketEnabled: cfg.WebsocketEnabled,
		Logger:           log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
	mgr.Close()
}
