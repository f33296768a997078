package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the engagement analytics service.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Geo        GeoConfig
	Cache      CacheConfig
	Retention  RetentionConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// ClickHouseConfig configures the event log store.
type ClickHouseConfig struct {
	Enabled  bool
	Addr     string
	Database string
	User     string
	Password string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

// GeoConfig configures GeoIP enrichment.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
	CacheSize    int
	CacheTTL     time.Duration
}

// CacheConfig configures the query result cache.
type CacheConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

// RetentionConfig bounds how long raw events are kept.
type RetentionConfig struct {
	Days            int
	CleanupInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("ENGAGE_HTTP_ADDR", ":8080"),
			Env:             getEnv("ENGAGE_ENV", "development"),
			ShutdownTimeout: getDurationEnv("ENGAGE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("ENGAGE_DB_HOST", "localhost"),
			Port:     getIntEnv("ENGAGE_DB_PORT", 5432),
			User:     getEnv("ENGAGE_DB_USER", "engage"),
			Password: getEnv("ENGAGE_DB_PASSWORD", "engage_secret"),
			DBName:   getEnv("ENGAGE_DB_NAME", "engage"),
			SSLMode:  getEnv("ENGAGE_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("ENGAGE_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("ENGAGE_DB_MIN_CONNS", 5),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getBoolEnv("ENGAGE_CLICKHOUSE_ENABLED", false),
			Addr:     getEnv("ENGAGE_CLICKHOUSE_ADDR", "localhost:9000"),
			Database: getEnv("ENGAGE_CLICKHOUSE_DB", "engage"),
			User:     getEnv("ENGAGE_CLICKHOUSE_USER", "default"),
			Password: getEnv("ENGAGE_CLICKHOUSE_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("ENGAGE_REDIS_ENABLED", false),
			Addr:     getEnv("ENGAGE_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("ENGAGE_REDIS_PASSWORD", ""),
			DB:       getIntEnv("ENGAGE_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("ENGAGE_AUTH_ENABLED", true),
			MasterKey: getEnv("ENGAGE_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("ENGAGE_AUTH_SKIP_PATHS", []string{"/health", "/metrics", "/track/event"}),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("ENGAGE_RATE_LIMIT_ENABLED", true),
			RPS:     getFloatEnv("ENGAGE_RATE_LIMIT_RPS", 500),
			Burst:   getIntEnv("ENGAGE_RATE_LIMIT_BURST", 100),
		},
		Log: LogConfig{
			Level:  getEnv("ENGAGE_LOG_LEVEL", "info"),
			Format: getEnv("ENGAGE_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("ENGAGE_METRICS_ENABLED", true),
			Path:      getEnv("ENGAGE_METRICS_PATH", "/metrics"),
			Namespace: getEnv("ENGAGE_METRICS_NAMESPACE", "engage"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("ENGAGE_GEO_ENABLED", false),
			DatabasePath: getEnv("ENGAGE_GEO_DB_PATH", "/app/data/GeoLite2-City.mmdb"),
			CacheSize:    getIntEnv("ENGAGE_GEO_CACHE_SIZE", 10000),
			CacheTTL:     getDurationEnv("ENGAGE_GEO_CACHE_TTL", 1*time.Hour),
		},
		Cache: CacheConfig{
			TTL:             getDurationEnv("ENGAGE_CACHE_TTL", 60*time.Second),
			CleanupInterval: getDurationEnv("ENGAGE_CACHE_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Retention: RetentionConfig{
			Days:            getIntEnv("ENGAGE_RETENTION_DAYS", 730),
			CleanupInterval: getDurationEnv("ENGAGE_RETENTION_CLEANUP_INTERVAL", 24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("ENGAGE_API_KEY_MASTER is required when auth is enabled")
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("ENGAGE_RETENTION_DAYS must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
