// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EventLogPostgres   = "postgres"
	EventLogClickHouse = "clickhouse"

	RegistryShared = "shared"
	RegistryLocal  = "local"
)

type ClickHouseConfig struct {
	Host       string
	NativePort int
	Database   string
	Username   string
	Password   string
}

type Config struct {
	Port      string
	GinMode   string
	LogLevel  string
	LogFormat string

	RedisURL     string
	StoreTimeout time.Duration

	EventLogBackend string
	DatabaseURL     string
	ClickHouse      ClickHouseConfig
	EventLogWorkers int
	EventLogBuffer  int

	JWTSecret     string
	APIKey        string
	AllowedOrigin string

	SessionTick   time.Duration
	AnomalyTick   time.Duration
	AnomalyWindow int

	RegistryMode string
	// DashboardTTL is how long a dashboard id survives in the shared registry without a heartbeat.
	DashboardTTL time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int

	GeoIPPath string
}

// Load reads .env (if present) and then the process environment.
// The returned bool reports whether a .env file was loaded.
func Load() (*Config, bool, error) {
	loaded := godotenv.Load() == nil
	cfg, err := FromEnv()
	return cfg, loaded, err
}

// FromEnv builds a Config from the current process environment only.
func FromEnv() (*Config, error) {
	var errs []error

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		GinMode:         os.Getenv("GIN_MODE"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		RedisURL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		EventLogBackend: strings.ToLower(getEnv("EVENT_LOG_BACKEND", EventLogPostgres)),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ClickHouse: ClickHouseConfig{
			Host:     os.Getenv("CLICKHOUSE_HOST"),
			Database: os.Getenv("CLICKHOUSE_DB_NAME"),
			Username: os.Getenv("CLICKHOUSE_USERNAME"),
			Password: os.Getenv("CLICKHOUSE_PASSWORD"),
		},
		JWTSecret:     os.Getenv("JWT_SECRET_KEY"),
		APIKey:        os.Getenv("AUTH_DEFAULT"),
		AllowedOrigin: getEnv("FE_ORIGIN", "http://localhost:3000"),
		RegistryMode:  strings.ToLower(getEnv("REGISTRY_MODE", RegistryShared)),
		GeoIPPath:     os.Getenv("GEOIP_DB_PATH"),
	}

	cfg.StoreTimeout = getDuration("STORE_TIMEOUT", 2*time.Second, &errs)
	cfg.SessionTick = getDuration("SESSION_TICK", 30*time.Second, &errs)
	cfg.AnomalyTick = getDuration("ANOMALY_TICK", time.Minute, &errs)
	cfg.DashboardTTL = getDuration("DASHBOARD_TTL", 90*time.Second, &errs)
	cfg.AnomalyWindow = getInt("ANOMALY_WINDOW_MINUTES", 10, &errs)
	cfg.EventLogWorkers = getInt("EVENT_LOG_WORKERS", 4, &errs)
	cfg.EventLogBuffer = getInt("EVENT_LOG_BUFFER", 1024, &errs)
	cfg.RateLimitPerMinute = getInt("RATE_LIMIT_PER_MINUTE", 600, &errs)
	cfg.RateLimitBurst = getInt("RATE_LIMIT_BURST", 50, &errs)
	if v := os.Getenv("CLICKHOUSE_NATIVE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid CLICKHOUSE_NATIVE_PORT: %w", err))
		}
		cfg.ClickHouse.NativePort = port
	}

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	switch c.EventLogBackend {
	case EventLogPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres event log"))
		}
	case EventLogClickHouse:
		if c.ClickHouse.Host == "" || c.ClickHouse.NativePort == 0 || c.ClickHouse.Database == "" {
			errs = append(errs, errors.New("CLICKHOUSE_HOST, CLICKHOUSE_NATIVE_PORT and CLICKHOUSE_DB_NAME are required for the clickhouse event log"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EVENT_LOG_BACKEND %q", c.EventLogBackend))
	}
	switch c.RegistryMode {
	case RegistryShared, RegistryLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown REGISTRY_MODE %q", c.RegistryMode))
	}
	if c.JWTSecret == "" && c.APIKey == "" {
		errs = append(errs, errors.New("one of JWT_SECRET_KEY or AUTH_DEFAULT must be set"))
	}
	if c.AnomalyWindow < 2 {
		errs = append(errs, errors.New("ANOMALY_WINDOW_MINUTES must be at least 2"))
	}
	if c.SessionTick <= 0 || c.AnomalyTick <= 0 || c.StoreTimeout <= 0 || c.DashboardTTL <= 0 {
		errs = append(errs, errors.New("tick intervals, STORE_TIMEOUT and DASHBOARD_TTL must be positive"))
	}
	if c.EventLogWorkers <= 0 || c.EventLogBuffer <= 0 {
		errs = append(errs, errors.New("EVENT_LOG_WORKERS and EVENT_LOG_BUFFER must be positive"))
	}
	if c.RateLimitPerMinute <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}
