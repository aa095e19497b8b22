/**
 * @description
 * This is the main entry point for the replicator. It is a non-HTTP, long-running process
 * that copies new location samples from the source database into `locate_info` on a
 * cron schedule.
 */
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/pointsmint/mint-service/internal/config"
	"github.com/pointsmint/mint-service/internal/logging"
	"github.com/pointsmint/mint-service/internal/metrics"
	"github.com/pointsmint/mint-service/internal/replication"
	"github.com/pointsmint/mint-service/internal/scheduler"
	"github.com/pointsmint/mint-service/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, closeLog := logging.NewJSONLogger(logging.Options{File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSizeMB, MaxBackups: cfg.LogMaxBackups})
	defer closeLog()

	if cfg.SourceDatabaseURL == "" {
		logger.Error("source database url must be configured", "env", "SOURCE_DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()

	destPool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to connect to destination database", "error", err)
		os.Exit(1)
	}
	defer destPool.Close()

	sourcePool, err := openPool(ctx, cfg.SourceDatabaseURL)
	if err != nil {
		logger.Error("unable to connect to source database", "error", err)
		os.Exit(1)
	}
	defer sourcePool.Close()
	logger.Info("database connections established")

	replicator := replication.NewReplicator(
		store.NewPostgresLocateSource(sourcePool),
		store.NewPostgresReplicationRepository(destPool),
		cfg.ReplicationTraceID,
		cfg.ReplicationBatchSize,
		metrics.Mint(),
		logger,
	)

	cron := scheduler.New(logger)
	if err := cron.Register(scheduler.Job{
		Name:     "locate_info_replication",
		Schedule: cfg.ReplicationSchedule,
		Run:      replicator.RunScheduled,
	}); err != nil {
		logger.Error("invalid replication schedule", "error", err)
		os.Exit(1)
	}

	cron.Start()
	logger.Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	<-cron.Stop().Done()
	logger.Info("scheduler stopped gracefully")
}

func openPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	return pgxpool.NewWithConfig(ctx, poolConfig)
}
