package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/r3e-network/qkd-kme/internal/config"
	"github.com/r3e-network/qkd-kme/internal/identity"
	"github.com/r3e-network/qkd-kme/internal/localkm"
	"github.com/r3e-network/qkd-kme/internal/logging"
	"github.com/r3e-network/qkd-kme/internal/metrics"
	"github.com/r3e-network/qkd-kme/internal/migrations"
	"github.com/r3e-network/qkd-kme/internal/ratelimit"
	"github.com/r3e-network/qkd-kme/internal/resilience"
	"github.com/r3e-network/qkd-kme/internal/userpool"
)

func main() {
	envFile := flag.String("env", ".env", "path to an optional dotenv file layered under the environment")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup")
	flag.Parse()

	cfg, err := config.LoadLocalKMConfig(*envFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("local-km", cfg.LogLevel, cfg.LogFormat)
	reg := metrics.New()

	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()

	if *runMigrations {
		if err := migrations.Apply(db.DB); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}

	repo := userpool.NewSQLRepository(db)
	pool := userpool.New(repo, logger).WithLowThreshold(cfg.LowThresholdPercent)
	audit := localkm.NewSQLAuditLogger(db)

	manager := localkm.NewManager(cfg, pool, logger, audit,
		resilience.New(resilience.DefaultConfig()), nil, reg)

	rootCtx := context.Background()
	if lastSync, err := audit.LastSyncTime(rootCtx); err != nil {
		logger.WithError(err).Warn("could not read last_sync_time; starting with a fresh sync clock")
	} else {
		manager.RestoreSyncState(lastSync)
	}

	var scheduler *localkm.Scheduler
	if cfg.SyncSchedule != "" {
		scheduler, err = localkm.NewScheduler(cfg.SyncSchedule, manager, logger)
		if err != nil {
			log.Fatalf("parse SYNC_SCHEDULE: %v", err)
		}
	}

	router := localkm.NewRouter(localkm.RouterConfig{
		Manager:   manager,
		Resolver:  identity.New(),
		JWTSecret: cfg.JWTSecret,
		RateLimit: ratelimit.DefaultConfig(),
		Logger:    logger,
		Metrics:   reg,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.Start(ctx)
	defer manager.Stop()
	if scheduler != nil {
		scheduler.Start()
		defer scheduler.Stop()
	}

	metricsServer := startMetricsServer(cfg.MetricsPort, reg, logger)

	go func() {
		logger.WithFields(map[string]interface{}{
			"addr": cfg.ListenAddr, "local_km_id": cfg.LocalKMID, "upstream": cfg.UpstreamURL,
		}).Info("local-km listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server exited")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown incomplete")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}

func startMetricsServer(port int, reg *metrics.Registry, logger *logging.Logger) *http.Server {
	if port <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Warn("metrics server exited")
		}
	}()
	return server
}
