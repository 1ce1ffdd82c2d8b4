package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/splax/peepmetrics/internal/app/migrate"
	httpx "github.com/splax/peepmetrics/internal/http"
	"github.com/splax/peepmetrics/internal/repository/postgres"
	"github.com/splax/peepmetrics/internal/service/admin"
	"github.com/splax/peepmetrics/internal/service/auth"
	"github.com/splax/peepmetrics/internal/service/ingest"
	"github.com/splax/peepmetrics/internal/service/query"
	"github.com/splax/peepmetrics/pkg/config"
	jwtpkg "github.com/splax/peepmetrics/pkg/jwt"
	"github.com/splax/peepmetrics/pkg/logger"
	"github.com/splax/peepmetrics/pkg/retry"
)

func main() {
	cfg, err := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Error("invalid database url", "error", err)
		os.Exit(1)
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = cfg.DBMaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	repo := postgres.New(pool)
	clock := quartz.NewReal()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := httpx.NewMetrics(reg)

	recorder := ingest.NewRecorder(repo, ingest.RecorderOptions{
		QueueSize:        cfg.RecorderQueueSize,
		Workers:          cfg.RecorderWorkers,
		WriteTimeout:     cfg.RecorderWriteTimeout,
		FailureThreshold: cfg.RecorderFailureThreshold,
		Probe: retry.Policy{
			BaseDelay:  cfg.RecorderBackoffInitial,
			Multiplier: 2,
			MaxDelay:   cfg.RecorderBackoffMax,
		},
		Clock:   clock,
		Metrics: metrics,
	}, log)
	recorder.Start()

	events := ingest.NewEventService(repo, ingest.EventOptions{
		QueueSize:    cfg.EventQueueSize,
		Workers:      cfg.EventWorkers,
		WriteTimeout: cfg.EventWriteTimeout,
		RawRetention: cfg.RawRetention,
		Clock:        clock,
		Metrics:      metrics,
	}, log)
	events.Start()

	querySvc := query.NewService(repo, query.Options{
		RawRetention:       cfg.RawRetention,
		AggregateRetention: cfg.AggregateRetention,
		SoftTimeout:        cfg.QuerySoftTimeout,
		HardTimeout:        cfg.QueryHardTimeout,
		ResultTTL:          cfg.QueryResultTTL,
		Clock:              clock,
		Metrics:            metrics,
	}, log)

	gate, err := admin.New(admin.Options{
		BaseURL: cfg.IdentityURL,
		TTL:     cfg.AdminCacheTTL,
		Timeout: cfg.IdentityTimeout,
		Metrics: metrics,
	}, log)
	if err != nil {
		log.Error("failed to configure admin gate", "error", err)
		os.Exit(1)
	}

	authSvc := auth.New(jwtpkg.NewVerifier(cfg.JWTSecret, 30*time.Second))

	limiter := httpx.NewMemoryRateLimiter(clock)
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, clock, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Dependencies{
		Auth:     authSvc,
		Admin:    gate,
		Recorder: recorder,
		Events:   events,
		Query:    querySvc,
		Limiter:  limiter,
		Metrics:  metrics,
		Clock:    clock,
		DBHealth: pool.Ping,
	}, httpx.Limits{
		MaxBatchSize:    cfg.MaxBatchSize,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		EventsRateLimit: cfg.EventsRateLimit,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := events.Close(shutdownCtx); err != nil {
			log.Warn("usage events not fully drained", "error", err)
		}
		if err := recorder.Close(shutdownCtx); err != nil {
			log.Warn("performance metrics not fully drained", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
