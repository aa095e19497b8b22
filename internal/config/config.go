/**
 * @description
 * This package handles the configuration management for the mint-service and the
 * replicator. It uses the Viper library to read configuration from environment variables
 * and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultPointsContractAddress = "0xAD32172b6B8860d3015FAeAbF289823453201568"
	defaultRateLimitPrefix       = "ptmint:rate_limit"
)

// Config holds all the configuration variables shared by both binaries.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	SourceDatabaseURL        string `mapstructure:"SOURCE_DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	MintRateLimitPerMin      int    `mapstructure:"MINT_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	MintEventsExchange       string `mapstructure:"MINT_EVENTS_EXCHANGE"`
	ReconciliationQueue      string `mapstructure:"RECONCILIATION_QUEUE"`
	ReplayPrefetch           int    `mapstructure:"RECONCILIATION_REPLAY_PREFETCH"`
	ReplayDeadLetterExchange string `mapstructure:"RECONCILIATION_DEAD_LETTER_EXCHANGE"`

	EthereumRPCURL             string `mapstructure:"ETHEREUM_RPC_URL"`
	PrivateKey                 string `mapstructure:"PRIVATE_KEY"`
	PointsContractAddress      string `mapstructure:"POINTS_CONTRACT_ADDRESS"`
	PointsDecimals             int    `mapstructure:"POINTS_DECIMALS"`
	MintConfirmationTimeoutSec int    `mapstructure:"MINT_CONFIRMATION_TIMEOUT_SECONDS"`
	MintReceiptPollIntervalMS  int    `mapstructure:"MINT_RECEIPT_POLL_INTERVAL_MS"`

	OperatorJWTSecret  string `mapstructure:"OPERATOR_JWT_SECRET"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	ReconciliationSweepSchedule   string `mapstructure:"RECONCILIATION_SWEEP_SCHEDULE"`
	ReconciliationSweepLimit      int    `mapstructure:"RECONCILIATION_SWEEP_LIMIT"`
	ReconciliationSweepMinAgeSecs int    `mapstructure:"RECONCILIATION_SWEEP_MIN_AGE_SECONDS"`

	ReplicationSchedule  string `mapstructure:"REPLICATION_SCHEDULE"`
	ReplicationBatchSize int    `mapstructure:"REPLICATION_BATCH_SIZE"`
	ReplicationTraceID   int64  `mapstructure:"REPLICATION_TRACE_ID"`

	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "3000")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("MINT_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("MINT_EVENTS_EXCHANGE", "ptmint.events")
	viper.SetDefault("RECONCILIATION_QUEUE", "mint_service.reconciliation_replay")
	viper.SetDefault("RECONCILIATION_REPLAY_PREFETCH", 1)
	viper.SetDefault("POINTS_CONTRACT_ADDRESS", defaultPointsContractAddress)
	viper.SetDefault("POINTS_DECIMALS", 21)
	viper.SetDefault("MINT_CONFIRMATION_TIMEOUT_SECONDS", 120)
	viper.SetDefault("MINT_RECEIPT_POLL_INTERVAL_MS", 1000)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("RECONCILIATION_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("RECONCILIATION_SWEEP_LIMIT", 50)
	viper.SetDefault("RECONCILIATION_SWEEP_MIN_AGE_SECONDS", 300)
	viper.SetDefault("REPLICATION_SCHEDULE", "* * * * *")
	viper.SetDefault("REPLICATION_BATCH_SIZE", 100)
	viper.SetDefault("REPLICATION_TRACE_ID", 2)
	viper.SetDefault("LOG_MAX_SIZE_MB", 100)
	viper.SetDefault("LOG_MAX_BACKUPS", 5)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("SOURCE_DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("MINT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("MINT_EVENTS_EXCHANGE")
	_ = viper.BindEnv("RECONCILIATION_QUEUE")
	_ = viper.BindEnv("RECONCILIATION_REPLAY_PREFETCH")
	_ = viper.BindEnv("RECONCILIATION_DEAD_LETTER_EXCHANGE")
	_ = viper.BindEnv("ETHEREUM_RPC_URL")
	_ = viper.BindEnv("PRIVATE_KEY", "PRIVATE_KEY", "MINTER_PRIVATE_KEY")
	_ = viper.BindEnv("POINTS_CONTRACT_ADDRESS")
	_ = viper.BindEnv("POINTS_DECIMALS")
	_ = viper.BindEnv("MINT_CONFIRMATION_TIMEOUT_SECONDS")
	_ = viper.BindEnv("MINT_RECEIPT_POLL_INTERVAL_MS")
	_ = viper.BindEnv("OPERATOR_JWT_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("RECONCILIATION_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RECONCILIATION_SWEEP_LIMIT")
	_ = viper.BindEnv("RECONCILIATION_SWEEP_MIN_AGE_SECONDS")
	_ = viper.BindEnv("REPLICATION_SCHEDULE")
	_ = viper.BindEnv("REPLICATION_BATCH_SIZE")
	_ = viper.BindEnv("REPLICATION_TRACE_ID")
	_ = viper.BindEnv("LOG_FILE")
	_ = viper.BindEnv("LOG_MAX_SIZE_MB")
	_ = viper.BindEnv("LOG_MAX_BACKUPS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.PrivateKey = strings.TrimSpace(config.PrivateKey)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.PointsContractAddress = strings.TrimSpace(config.PointsContractAddress)
	if config.PointsContractAddress == "" {
		config.PointsContractAddress = defaultPointsContractAddress
	}

	config.MintRateLimitPerMin = positiveOrDefault("MINT_RATE_LIMIT_PER_MINUTE", config.MintRateLimitPerMin, 10)
	config.PointsDecimals = positiveOrDefault("POINTS_DECIMALS", config.PointsDecimals, 21)
	config.MintConfirmationTimeoutSec = positiveOrDefault("MINT_CONFIRMATION_TIMEOUT_SECONDS", config.MintConfirmationTimeoutSec, 120)
	config.MintReceiptPollIntervalMS = positiveOrDefault("MINT_RECEIPT_POLL_INTERVAL_MS", config.MintReceiptPollIntervalMS, 1000)
	config.ReconciliationSweepLimit = positiveOrDefault("RECONCILIATION_SWEEP_LIMIT", config.ReconciliationSweepLimit, 50)
	if config.ReconciliationSweepMinAgeSecs < 0 {
		log.Printf("level=warn component=config msg=\"invalid RECONCILIATION_SWEEP_MIN_AGE_SECONDS; using default\" value=%d", config.ReconciliationSweepMinAgeSecs)
		config.ReconciliationSweepMinAgeSecs = 300
	}
	config.ReplicationBatchSize = positiveOrDefault("REPLICATION_BATCH_SIZE", config.ReplicationBatchSize, 100)
	if config.ReplicationTraceID <= 0 {
		log.Printf("level=warn component=config msg=\"invalid REPLICATION_TRACE_ID; using default\" value=%d", config.ReplicationTraceID)
		config.ReplicationTraceID = 2
	}
	config.LogMaxSizeMB = positiveOrDefault("LOG_MAX_SIZE_MB", config.LogMaxSizeMB, 100)
	if config.LogMaxBackups < 0 {
		config.LogMaxBackups = 0
	}

	return
}

func positiveOrDefault(key string, value, fallback int) int {
	if value > 0 {
		return value
	}
	log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%d default=%d", key, value, fallback)
	return fallback
}

// MintConfirmationTimeout is how long a broadcast mint may wait for its receipt.
func (c Config) MintConfirmationTimeout() time.Duration {
	return time.Duration(c.MintConfirmationTimeoutSec) * time.Second
}

// MintReceiptPollInterval is the delay between receipt lookups.
func (c Config) MintReceiptPollInterval() time.Duration {
	return time.Duration(c.MintReceiptPollIntervalMS) * time.Millisecond
}

// ReconciliationSweepMinAge keeps the sweep away from mints that are still in flight.
func (c Config) ReconciliationSweepMinAge() time.Duration {
	return time.Duration(c.ReconciliationSweepMinAgeSecs) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
