// Package config holds the immutable runtime configuration for the fiscal
// submission core. All environment-sensitive switches (network, storage
// writes, production gate) live here and are injected at the top of a worker
// invocation rather than read from deep inside the pipeline.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment identifies which regulator environment a profile targets.
type Environment string

const (
	EnvDevelopment   Environment = "DEV"
	EnvCertification Environment = "ESSAI"
	EnvProduction    Environment = "PROD"
)

// Valid reports whether e is one of the known environment tags.
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvCertification, EnvProduction:
		return true
	}
	return false
}

// Config is the process configuration record.
type Config struct {
	BaseURL        string
	Environment    Environment
	NetworkEnabled bool
	StorageWrites  bool
	Production     bool

	// EncryptionKey is the 32-byte key for the secret store. Exactly one of
	// EncryptionKey / Passphrase must be set.
	EncryptionKey []byte
	Passphrase    string

	DatabasePath   string // SQLite file for queue/receipts/audit/breakers/profiles
	PostgresDSN    string // optional Postgres target for the "storage" receipt sink
	ReceiptsDir    string
	RedisAddr      string // optional tenant rate limiter
	AdminSecret    string // HS256 secret for admin tokens
	RequestTimeout time.Duration
	BatchLimit     int
	LogLevel       string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL:        getenv("FISCAL_BASE_URL", "https://cnfr.api.rq/srm/v1"),
		Environment:    Environment(getenv("FISCAL_ENV", string(EnvDevelopment))),
		NetworkEnabled: getenv("FISCAL_NETWORK_ENABLED", "false") == "true",
		StorageWrites:  getenv("FISCAL_STORAGE_WRITES", "false") == "true",
		Production:     getenv("FISCAL_PRODUCTION", "false") == "true",
		Passphrase:     os.Getenv("FISCAL_ENCRYPTION_PASSPHRASE"),
		DatabasePath:   getenv("FISCAL_DB_PATH", "fiscal.db"),
		PostgresDSN:    os.Getenv("FISCAL_POSTGRES_DSN"),
		ReceiptsDir:    getenv("FISCAL_RECEIPTS_DIR", "receipts"),
		RedisAddr:      os.Getenv("FISCAL_REDIS_ADDR"),
		AdminSecret:    os.Getenv("FISCAL_ADMIN_SECRET"),
		RequestTimeout: 30 * time.Second,
		BatchLimit:     20,
		LogLevel:       getenv("LOG_LEVEL", "INFO"),
	}

	if raw := os.Getenv("FISCAL_ENCRYPTION_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("config: FISCAL_ENCRYPTION_KEY is not hex: %w", err)
		}
		cfg.EncryptionKey = key
	}

	if v := os.Getenv("FISCAL_REQUEST_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("config: invalid FISCAL_REQUEST_TIMEOUT_SECONDS %q", v)
		}
		cfg.RequestTimeout = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("FISCAL_BATCH_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return nil, fmt.Errorf("config: FISCAL_BATCH_LIMIT must be 1..100, got %q", v)
		}
		cfg.BatchLimit = n
	}

	if !cfg.Environment.Valid() {
		return nil, fmt.Errorf("config: unknown environment %q", cfg.Environment)
	}

	// The production gate overrides operator intent: no live traffic from an
	// instance flagged production until the admin surface is disabled.
	if cfg.Production {
		cfg.NetworkEnabled = false
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
