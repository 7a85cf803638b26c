package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRemote   = "remote"
)

// Config holds the environment configuration shared by the binaries.
type Config struct {
	Port         string
	Env          string
	LogLevel     string
	DatabaseURL  string
	RedisURL     string
	SQLitePath   string
	StoreBackend string
	RelayURL     string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations

	PurgeInterval time.Duration // receipt expiry sweep on the relay
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// It panics on invalid values and on a backend without its URL.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		SQLitePath:       getEnv("SQLITE_PATH", "roomrelay.db"),
		RelayURL:         os.Getenv("RELAY_URL"),
		AutoBlockEnabled: getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", defaultBackend(cfg)))

	interval, err := time.ParseDuration(getEnv("PURGE_INTERVAL", "1m"))
	if err != nil || interval <= 0 {
		panic("PURGE_INTERVAL must be a positive duration")
	}
	cfg.PurgeInterval = interval

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	switch cfg.StoreBackend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required for the redis backend")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required for the postgres backend")
		}
	case BackendRemote:
		if cfg.RelayURL == "" {
			panic("RELAY_URL is required for the remote backend")
		}
	default:
		panic("unknown STORE_BACKEND " + cfg.StoreBackend)
	}

	return cfg
}

// defaultBackend picks the backend implied by the configured URLs.
func defaultBackend(cfg *Config) string {
	switch {
	case cfg.DatabaseURL != "":
		return BackendPostgres
	case cfg.RedisURL != "":
		return BackendRedis
	default:
		return BackendMemory
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Logger builds the process logger on stdout.
func (c *Config) Logger() zerolog.Logger {
	return c.LoggerTo(os.Stdout)
}

// LoggerTo builds a logger writing to w: console output in development, JSON
// otherwise. LOG_LEVEL sets the global level.
func (c *Config) LoggerTo(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(w).
		With().
		Timestamp().
		Logger()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
