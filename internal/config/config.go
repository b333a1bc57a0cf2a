// Package config provides configuration management for the estate ledger
// services. It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Settlement SettlementConfig
	Payout     PayoutConfig
	Notifier   NotifierConfig
	Ledger     LedgerConfig
	Dividend   DividendConfig
	Monitor    MonitorConfig
	Cache      CacheConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds all storage backend configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ClickHouseConfig holds the settlement archive configuration.
// The archive is optional; an empty host disables it.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// Enabled reports whether the archive backend is configured.
func (c *ClickHouseConfig) Enabled() bool {
	return c.Host != ""
}

// SettlementConfig holds the external consensus collaborator configuration
type SettlementConfig struct {
	RPCURL        string
	PrivateKey    string // hex-encoded anchoring key
	AnchorAddress string
	Timeout       time.Duration
}

// PayoutConfig holds the payout collaborator configuration
type PayoutConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NotifierConfig holds the notification collaborator configuration
type NotifierConfig struct {
	BaseURL string
	Timeout time.Duration
}

// LedgerConfig holds ledger engine parameters
type LedgerConfig struct {
	WithholdingRateBps int // dividend withholding, basis points
}

// DividendConfig holds payout fan-out parameters
type DividendConfig struct {
	Workers int // bounded payout concurrency
}

// MonitorConfig holds transaction monitor parameters
type MonitorConfig struct {
	PollInterval time.Duration
	BatchSize    int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// CacheConfig holds depth read-model cache parameters
type CacheConfig struct {
	DepthTTL time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "estate_ledger"),
				User:           getEnv("POSTGRES_USER", "ledger"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "estate_ledger"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
		},
		Settlement: SettlementConfig{
			RPCURL:        getEnv("SETTLEMENT_RPC_URL", ""),
			PrivateKey:    getEnv("SETTLEMENT_PRIVATE_KEY", ""),
			AnchorAddress: getEnv("SETTLEMENT_ANCHOR_ADDRESS", ""),
			Timeout:       getEnvAsDuration("SETTLEMENT_TIMEOUT", 10*time.Second),
		},
		Payout: PayoutConfig{
			BaseURL: getEnv("PAYOUT_BASE_URL", ""),
			APIKey:  getEnv("PAYOUT_API_KEY", ""),
			Timeout: getEnvAsDuration("PAYOUT_TIMEOUT", 15*time.Second),
		},
		Notifier: NotifierConfig{
			BaseURL: getEnv("NOTIFIER_BASE_URL", ""),
			Timeout: getEnvAsDuration("NOTIFIER_TIMEOUT", 5*time.Second),
		},
		Ledger: LedgerConfig{
			WithholdingRateBps: getEnvAsInt("WITHHOLDING_RATE_BPS", 1000),
		},
		Dividend: DividendConfig{
			Workers: getEnvAsInt("DIVIDEND_WORKERS", 8),
		},
		Monitor: MonitorConfig{
			PollInterval: getEnvAsDuration("MONITOR_POLL_INTERVAL", 30*time.Second),
			BatchSize:    getEnvAsInt("MONITOR_BATCH_SIZE", 100),
			BackoffBase:  getEnvAsDuration("MONITOR_BACKOFF_BASE", 30*time.Second),
			BackoffMax:   getEnvAsDuration("MONITOR_BACKOFF_MAX", 30*time.Minute),
		},
		Cache: CacheConfig{
			DepthTTL: getEnvAsDuration("DEPTH_CACHE_TTL", 20*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 50),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks parameters that cannot be defaulted into a sane state.
func (c *Config) validate() error {
	if c.Ledger.WithholdingRateBps < 0 || c.Ledger.WithholdingRateBps > 10000 {
		return fmt.Errorf("WITHHOLDING_RATE_BPS must be between 0 and 10000, got %d", c.Ledger.WithholdingRateBps)
	}
	if c.Dividend.Workers <= 0 {
		return fmt.Errorf("DIVIDEND_WORKERS must be positive, got %d", c.Dividend.Workers)
	}
	if c.Monitor.PollInterval < time.Second {
		return fmt.Errorf("MONITOR_POLL_INTERVAL must be at least 1s, got %v", c.Monitor.PollInterval)
	}
	if c.Database.Postgres.MaxConnections <= 0 {
		return fmt.Errorf("POSTGRES_MAX_CONNECTIONS must be positive, got %d", c.Database.Postgres.MaxConnections)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
