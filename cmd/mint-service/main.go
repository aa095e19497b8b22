/**
 * @description
 * This is the main entry point for the mint-service. It wires configuration, the database
 * pool, the rate limiter, the ledger client, the event producer and the replay consumer,
 * the reconciliation sweep schedule and the HTTP server.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared rate-limit counters.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store, internal/scheduler.
 * - pkg/ledgerclient, pkg/rabbitmq.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/pointsmint/mint-service/internal/api"
	"github.com/pointsmint/mint-service/internal/app"
	"github.com/pointsmint/mint-service/internal/config"
	"github.com/pointsmint/mint-service/internal/logging"
	"github.com/pointsmint/mint-service/internal/metrics"
	"github.com/pointsmint/mint-service/internal/scheduler"
	"github.com/pointsmint/mint-service/internal/store"
	"github.com/pointsmint/mint-service/pkg/ledgerclient"
	rmrabbit "github.com/pointsmint/mint-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	closeLog := logging.SetupStd(logging.Options{File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSizeMB, MaxBackups: cfg.LogMaxBackups})
	defer closeLog()

	if strings.TrimSpace(cfg.PrivateKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"minter key must be configured\" env=PRIVATE_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting mint-service\" port=%s", cfg.ServerPort)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	var limiter app.MintRateLimiter = app.NewLocalMintRateLimiter(cfg.MintRateLimitPerMin)
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-process mint rate limiter\" env=REDIS_URL")
	} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process mint rate limiter\" err=%v", parseErr)
	} else {
		redisClient := redis.NewClient(redisOptions)
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-process mint rate limiter\" err=%v", pingErr)
			redisClient.Close()
		} else {
			defer redisClient.Close()
			limiter = app.NewRedisMintRateLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.MintRateLimitPerMin, time.Minute)
			log.Println("level=info component=bootstrap msg=\"redis connected\"")
		}
	}

	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer producer.Close()

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 15*time.Second)
	ledger, err := ledgerclient.Dial(dialCtx, ledgerclient.Config{
		RPCURL:              cfg.EthereumRPCURL,
		PrivateKeyHex:       cfg.PrivateKey,
		ContractAddress:     cfg.PointsContractAddress,
		ConfirmationTimeout: cfg.MintConfirmationTimeout(),
		PollInterval:        cfg.MintReceiptPollInterval(),
	})
	cancelDial()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"ledger client init failed\" err=%v", err)
	}
	if minter, err := ledgerclient.SignerAddress(cfg.PrivateKey); err == nil {
		log.Printf("level=info component=bootstrap msg=\"ledger client ready\" minter=%s contract=%s", minter.Hex(), cfg.PointsContractAddress)
	}

	repository := store.NewPostgresRepository(dbpool)

	mintService := app.NewService(repository, ledger, limiter, producer, metrics.Mint(), app.ServiceConfig{
		PointsDecimals: int32(cfg.PointsDecimals),
		EventsExchange: cfg.MintEventsExchange,
		MintTimeout:    cfg.MintConfirmationTimeout() + 30*time.Second,
	})
	reconciler := app.NewReconciler(repository, ledger, cfg.ReconciliationSweepLimit, cfg.ReconciliationSweepMinAge()).
		WithPendingGrace(cfg.MintConfirmationTimeout() + 2*time.Minute)

	// The replay consumer is optional: the sweep covers the same records when the broker is down.
	if rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; relying on sweep\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		replay := app.NewReconciliationReplayConsumer(reconciler)
		replayOpts := rmrabbit.ConsumerOptions{Prefetch: cfg.ReplayPrefetch, DeadLetterExchange: cfg.ReplayDeadLetterExchange}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.MintEventsExchange, cfg.ReconciliationQueue, replay.Bindings(), replayOpts); err != nil {
			log.Printf("level=warn component=bootstrap msg=\"reconciliation replay consumer start failed\" err=%v", err)
		}
	}

	jobLogger, closeJobLog := logging.NewJSONLogger(logging.Options{File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSizeMB, MaxBackups: cfg.LogMaxBackups})
	defer closeJobLog()
	cron := scheduler.New(jobLogger)
	if err := cron.Register(scheduler.Job{
		Name:     "reconciliation_sweep",
		Schedule: cfg.ReconciliationSweepSchedule,
		Run:      reconciler.RunScheduledSweep,
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"sweep schedule invalid\" err=%v", err)
	}
	cron.Start()

	handlers := api.NewMintHandlers(mintService, reconciler)
	router := api.MintRoutes(handlers, api.RouterConfig{
		AllowedOrigins:    cfg.AllowedOrigins(),
		OperatorJWTSecret: cfg.OperatorJWTSecret,
		RequestTimeout:    cfg.MintConfirmationTimeout() + time.Minute,
	})
	if strings.TrimSpace(cfg.OperatorJWTSecret) == "" {
		log.Println("level=warn component=bootstrap msg=\"operator endpoints disabled\" env=OPERATOR_JWT_SECRET")
	}

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-cron.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
