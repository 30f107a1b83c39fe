package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port      int
	LogLevel  string
	LogFormat string
	DataDir   string

	// Model roster file (TOML)
	ModelsConfigPath string

	// Arena defaults
	DefaultBudget   float64
	MaxPositions    int
	RevisionRetries int
	ModelTimeout    time.Duration
	MaxToolRounds   int

	// Market data providers
	FMPAPIKey          string
	AlphaVantageAPIKey string

	// Brokerage (Alpaca)
	AlpacaAPIKey    string
	AlpacaAPISecret string
	AlpacaBaseURL   string
	AlpacaDataWSURL string

	// Execution step-up auth
	TOTPSecret string

	// Ledger backups (S3-compatible storage)
	BackupEnabled   bool
	BackupEndpoint  string
	BackupRegion    string
	BackupBucket    string
	BackupAccessKey string
	BackupSecretKey string
	BackupKeep      int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnvAsInt("PORT", 8010),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
		DataDir:   getEnv("DATA_DIR", "./data"),

		ModelsConfigPath: getEnv("MODELS_CONFIG", "./models.toml"),

		DefaultBudget:   getEnvAsFloat("ARENA_DEFAULT_BUDGET", 1000),
		MaxPositions:    getEnvAsInt("ARENA_MAX_POSITIONS", 3),
		RevisionRetries: getEnvAsInt("ARENA_REVISION_RETRIES", 1),
		ModelTimeout:    time.Duration(getEnvAsInt("ARENA_MODEL_TIMEOUT_SECONDS", 60)) * time.Second,
		MaxToolRounds:   getEnvAsInt("ARENA_MAX_TOOL_ROUNDS", 8),

		FMPAPIKey:          getEnv("FMP_API_KEY", ""),
		AlphaVantageAPIKey: getEnv("ALPHAVANTAGE_API_KEY", ""),

		AlpacaAPIKey:    getEnv("ALPACA_API_KEY", ""),
		AlpacaAPISecret: getEnv("ALPACA_API_SECRET", ""),
		AlpacaBaseURL:   getEnv("ALPACA_BASE_URL", "https://paper-api.alpaca.markets"),
		AlpacaDataWSURL: getEnv("ALPACA_DATA_WS_URL", "wss://stream.data.alpaca.markets/v2/iex"),

		TOTPSecret: getEnv("TOTP_SECRET", ""),

		BackupEnabled:   getEnvAsBool("BACKUP_ENABLED", false),
		BackupEndpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
		BackupRegion:    getEnv("BACKUP_S3_REGION", "auto"),
		BackupBucket:    getEnv("BACKUP_S3_BUCKET", ""),
		BackupAccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		BackupSecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
		BackupKeep:      getEnvAsInt("BACKUP_KEEP", 14),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.MaxPositions < 1 {
		return fmt.Errorf("ARENA_MAX_POSITIONS must be at least 1")
	}
	if c.BackupEnabled && c.BackupBucket == "" {
		return fmt.Errorf("BACKUP_S3_BUCKET is required when backups are enabled")
	}

	// Note: provider and brokerage credentials are optional; the service
	// degrades to cached data and blocked execution without them.

	return nil
}

// LedgerDBPath returns the path of the append-only ledger database.
func (c *Config) LedgerDBPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// AppDBPath returns the path of the application settings database.
func (c *Config) AppDBPath() string {
	return filepath.Join(c.DataDir, "app.db")
}

// HistoryDBPath returns the path of the price history database.
func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

// CacheDBPath returns the path of the volatile cache database.
func (c *Config) CacheDBPath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
