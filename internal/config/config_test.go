package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "POINTS_CONTRACT_ADDRESS", "POINTS_DECIMALS", "REPLICATION_TRACE_ID", "REPLICATION_BATCH_SIZE", "MINT_CONFIRMATION_TIMEOUT_SECONDS"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "3000" {
		t.Fatalf("expected default port 3000, got %q", cfg.ServerPort)
	}
	if cfg.PointsContractAddress != defaultPointsContractAddress {
		t.Fatalf("expected default contract address, got %q", cfg.PointsContractAddress)
	}
	if cfg.PointsDecimals != 21 {
		t.Fatalf("expected 21 decimals, got %d", cfg.PointsDecimals)
	}
	if cfg.ReplicationTraceID != 2 || cfg.ReplicationBatchSize != 100 {
		t.Fatalf("unexpected replication defaults: trace=%d batch=%d", cfg.ReplicationTraceID, cfg.ReplicationBatchSize)
	}
	if cfg.MintConfirmationTimeout() != 2*time.Minute {
		t.Fatalf("expected 2m confirmation timeout, got %s", cfg.MintConfirmationTimeout())
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8080")
	setEnvWithCleanup(t, "PORT", "9090")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_UsesMinterPrivateKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PRIVATE_KEY")
	setEnvWithCleanup(t, "MINTER_PRIVATE_KEY", " 0xabc ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PrivateKey != "0xabc" {
		t.Fatalf("expected PrivateKey from alias env var, got %q", cfg.PrivateKey)
	}
}

func TestLoadConfig_InvalidNumbersFallBackToDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "REPLICATION_BATCH_SIZE", "0")
	setEnvWithCleanup(t, "MINT_RATE_LIMIT_PER_MINUTE", "-4")
	setEnvWithCleanup(t, "REPLICATION_TRACE_ID", "-1")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ReplicationBatchSize != 100 {
		t.Fatalf("expected batch size default, got %d", cfg.ReplicationBatchSize)
	}
	if cfg.MintRateLimitPerMin != 10 {
		t.Fatalf("expected rate limit default, got %d", cfg.MintRateLimitPerMin)
	}
	if cfg.ReplicationTraceID != 2 {
		t.Fatalf("expected trace id default, got %d", cfg.ReplicationTraceID)
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: " https://a.example , ,https://b.example"}
	got := cfg.AllowedOrigins()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", got)
	}
	if got := (Config{}).AllowedOrigins(); len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected wildcard fallback, got %v", got)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
