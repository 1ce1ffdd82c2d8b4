package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/peepmetrics/internal/repository/postgres"
	"github.com/splax/peepmetrics/internal/service/aggregate"
	"github.com/splax/peepmetrics/pkg/config"
	"github.com/splax/peepmetrics/pkg/logger"
)

func main() {
	schedule := flag.String("schedule", "", "cron schedule; run once and exit when empty (overrides AGGREGATE_SCHEDULE)")
	dryRun := flag.Bool("dry-run", false, "report pending buckets without writing")
	flag.Parse()

	cfg, err := config.LoadAggregateConfig()
	log := logger.NewWithWriter(os.Stderr, "aggregate", logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(aggregate.ExitLogicFailure)
	}
	if strings.TrimSpace(*schedule) != "" {
		cfg.Schedule = *schedule
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(aggregate.ExitStoreFailure)
	}
	defer pool.Close()

	job := aggregate.NewJob(postgres.New(pool), aggregate.Options{
		RawRetention:       cfg.RawRetention,
		AggregateRetention: cfg.AggregateRetention,
		DryRun:             *dryRun,
	}, log)

	runOnce := func(ctx context.Context) int {
		runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
		result, runErr := job.Run(runCtx)
		code := aggregate.ExitCode(runErr)
		if runErr != nil {
			log.Error("aggregation run failed", "run_id", result.RunID, "exit_code", code, "error", runErr)
		}
		if url := strings.TrimSpace(cfg.PushgatewayURL); url != "" {
			pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := aggregate.PushSummary(pushCtx, url, result, runErr); err != nil {
				log.Warn("failed to push run summary", "error", err)
			}
		}
		return code
	}

	if strings.TrimSpace(cfg.Schedule) == "" {
		code := runOnce(ctx)
		pool.Close()
		os.Exit(code)
	}

	scheduler, err := aggregate.NewScheduler(ctx, cfg.Schedule, func(ctx context.Context) { runOnce(ctx) }, log)
	if err != nil {
		log.Error("invalid schedule", "error", err)
		os.Exit(aggregate.ExitLogicFailure)
	}
	log.Info("aggregation scheduler started", "schedule", cfg.Schedule)
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	log.Info("aggregation scheduler stopped")
}
