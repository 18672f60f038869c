// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// StorageBackend represents the storage implementation type.
type StorageBackend string

const (
	// StorageMemory uses in-memory storage (for development/testing).
	StorageMemory StorageBackend = "memory"
	// StoragePostgres uses PostgreSQL storage (for production).
	StoragePostgres StorageBackend = "postgres"
)

// Base contains common configuration shared by all services.
type Base struct {
	// Service identification
	ServiceName string
	Environment string // development, staging, production
	Version     string

	// Server
	HTTPHost string
	HTTPPort int

	// Storage backend
	StorageBackend StorageBackend

	// Database (used when StorageBackend is "postgres")
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (empty RedisAddr disables redis-backed features)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Rate limiting (requests per client per minute; 0 disables)
	RateLimitPerMinute int

	// Observability
	OTLPEndpoint string
	LogLevel     string
	LogFormat    string // json, text

	// Tracing
	TracingEnabled  bool
	TracingSampling float64

	// Budget ceilings
	MonthlyBudgetUSD   float64
	DailyBudgetUSD     float64
	UsageRetentionDays int

	// Response cache
	CacheMaxEntries          int
	CacheTTL                 time.Duration
	CacheSimilarityThreshold float64

	// Backend retry policy
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// S3 export destination (empty values fall back to the ambient AWS
	// environment; Endpoint set enables S3-compatible stores)
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// Optional YAML file with per-backend overrides
	BackendsFile string
}

// Load loads base configuration from environment variables.
func Load(serviceName string) (*Base, error) {
	monthly := getEnvFloat("KOS_MONTHLY_BUDGET_USD", 100.0)

	cfg := &Base{
		ServiceName: serviceName,
		Environment: getEnv("KOS_ENV", "development"),
		Version:     getEnv("KOS_VERSION", "dev"),

		HTTPHost: getEnv("KOS_HTTP_HOST", "0.0.0.0"),
		HTTPPort: getEnvInt("KOS_HTTP_PORT", 8080),

		StorageBackend: parseStorageBackend(getEnv("KOS_STORAGE_BACKEND", "memory")),

		DBHost:     getEnv("KOS_DB_HOST", "localhost"),
		DBPort:     getEnvInt("KOS_DB_PORT", 5432),
		DBUser:     getEnv("KOS_DB_USER", "kos"),
		DBPassword: getEnv("KOS_DB_PASSWORD", ""),
		DBName:     getEnv("KOS_DB_NAME", "kos"),
		DBSSLMode:  getEnv("KOS_DB_SSLMODE", "disable"),

		RedisAddr:     getEnv("KOS_REDIS_ADDR", ""),
		RedisPassword: getEnv("KOS_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("KOS_REDIS_DB", 0),

		RateLimitPerMinute: getEnvInt("KOS_RATE_LIMIT_PER_MINUTE", 0),

		OTLPEndpoint: getEnv("KOS_OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:     getEnv("KOS_LOG_LEVEL", "info"),
		LogFormat:    getEnv("KOS_LOG_FORMAT", "json"),

		TracingEnabled:  getEnvBool("KOS_TRACING_ENABLED", true),
		TracingSampling: getEnvFloat("KOS_TRACING_SAMPLING", 1.0),

		MonthlyBudgetUSD:   monthly,
		DailyBudgetUSD:     getEnvFloat("KOS_DAILY_BUDGET_USD", monthly/30.0),
		UsageRetentionDays: getEnvInt("KOS_USAGE_RETENTION_DAYS", 90),

		CacheMaxEntries:          getEnvInt("KOS_CACHE_MAX_ENTRIES", 1000),
		CacheTTL:                 getEnvDuration("KOS_CACHE_TTL", 24*time.Hour),
		CacheSimilarityThreshold: getEnvFloat("KOS_CACHE_SIMILARITY_THRESHOLD", 0.8),

		RetryMaxAttempts: getEnvInt("KOS_RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   getEnvDuration("KOS_RETRY_BASE_DELAY", 1*time.Second),
		RetryMaxDelay:    getEnvDuration("KOS_RETRY_MAX_DELAY", 30*time.Second),

		S3Region:          getEnv("KOS_S3_REGION", ""),
		S3Endpoint:        getEnv("KOS_S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("KOS_S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("KOS_S3_SECRET_ACCESS_KEY", ""),

		BackendsFile: getEnv("KOS_BACKENDS_FILE", ""),
	}

	return cfg, nil
}

// DatabaseDSN returns the PostgreSQL connection string.
func (c *Base) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// IsDevelopment returns true if running in development mode.
func (c *Base) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Base) IsProduction() bool {
	return c.Environment == "production"
}

// UseMemoryStorage returns true if using in-memory storage.
func (c *Base) UseMemoryStorage() bool {
	return c.StorageBackend == StorageMemory
}

// UsePostgresStorage returns true if using PostgreSQL storage.
func (c *Base) UsePostgresStorage() bool {
	return c.StorageBackend == StoragePostgres
}

// RedisEnabled returns true if a redis address is configured.
func (c *Base) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// Helper functions

func parseStorageBackend(s string) StorageBackend {
	switch s {
	case "postgres", "postgresql", "pg":
		return StoragePostgres
	default:
		return StorageMemory
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
