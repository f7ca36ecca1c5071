// Package config loads server configuration from flags, the environment and
// an optional .env file.
//
// Precedence: command-line flag > environment variable > .env > default.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port     int
	Database DatabaseConfig

	// RedisAddr enables Idempotency-Key handling when set.
	RedisAddr string
	// RabbitMQURL enables event publishing when set.
	RabbitMQURL string

	StoreTimeout  time.Duration
	AuditInterval time.Duration

	LogLevel  string
	LogFormat string // "console" or "json"

	CORSOrigins []string
}

// DatabaseConfig selects and locates the store.
type DatabaseConfig struct {
	Driver string
	Path   string // sqlite
	URL    string // postgres
}

// Load reads .env files (if present) and parses args. Pass os.Args[1:].
func Load(args []string, envFiles ...string) (*Config, error) {
	// Missing .env is fine: in containers the real environment is used.
	_ = godotenv.Load(envFiles...)

	fs := flag.NewFlagSet("fiado", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cfg := &Config{}
	var cors string
	fs.IntVar(&cfg.Port, "port", getEnvInt("PORT", 8080), "HTTP server port")
	fs.StringVar(&cfg.Database.Driver, "driver", getEnv("DB_DRIVER", DriverSQLite), "store driver: sqlite, postgres or memory")
	fs.StringVar(&cfg.Database.Path, "db", getEnv("DB_PATH", "fiado.db"), "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&cfg.Database.URL, "database-url", getEnv("DATABASE_URL", ""), "PostgreSQL connection URL")
	fs.StringVar(&cfg.RedisAddr, "redis", getEnv("REDIS_ADDR", ""), "Redis address for idempotency keys")
	fs.StringVar(&cfg.RabbitMQURL, "rabbitmq", getEnv("RABBITMQ_URL", ""), "RabbitMQ URL for sale events")
	fs.DurationVar(&cfg.StoreTimeout, "store-timeout", getEnvDuration("STORE_TIMEOUT", 5*time.Second), "timeout for each store call")
	fs.DurationVar(&cfg.AuditInterval, "audit-interval", getEnvDuration("AUDIT_INTERVAL", time.Hour), "balance verification interval (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "console"), "log format: console or json")
	fs.StringVar(&cors, "cors", getEnv("CORS_ORIGINS", "*"), "comma-separated allowed CORS origins")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	cfg.CORSOrigins = splitList(cors)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.AuditInterval < 0 {
		return fmt.Errorf("AUDIT_INTERVAL must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return nil
}

// Logger builds the root logger writing to w.
func (c *Config) Logger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if c.LogFormat != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
