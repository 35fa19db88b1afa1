// Package config provides centralized configuration management for the pipeline.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Source   SourceConfig
	Target   TargetConfig
	Pipeline PipelineConfig
	Retry    RetryConfig
	Query    QueryConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 0, exports stream)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for non-refresh requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// SourceConfig describes the operational database the pipeline reads from.
type SourceConfig struct {
	// Driver selects the store implementation: postgres, sqlserver or csv (default: sqlserver)
	Driver string `env:"SOURCE_DRIVER" default:"sqlserver"`

	// URL is the source connection string, or the export directory for csv (required)
	URL string `env:"SOURCE_URL" required:"true"`

	// MaxConns caps open connections to the source (default: 4)
	MaxConns int `env:"SOURCE_MAX_CONNS" default:"4"`
}

// TargetConfig describes the analytical store holding dimensions and facts.
type TargetConfig struct {
	// Driver selects the store implementation: postgres or sqlserver (default: postgres)
	Driver string `env:"TARGET_DRIVER" default:"postgres"`

	// URL is the target connection string (required)
	// Supports both TARGET_URL and DATABASE_URL env vars for compatibility
	URL string `env:"TARGET_URL" envAlt:"DATABASE_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"TARGET_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"TARGET_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"TARGET_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"TARGET_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate prepares the target schema at startup: migrations on postgres, the schema script on sqlserver (default: true)
	Migrate bool `env:"TARGET_MIGRATE" default:"true"`
}

// PipelineConfig holds run settings.
type PipelineConfig struct {
	// Mode is the default run mode: reset or incremental (default: incremental)
	Mode string `env:"PIPELINE_MODE" default:"incremental"`

	// Parallel runs independent dimension loaders concurrently (default: true)
	Parallel bool `env:"PIPELINE_PARALLEL" default:"true"`

	// BatchSize is the number of rows written per insert batch (default: 1000)
	BatchSize int `env:"PIPELINE_BATCH_SIZE" default:"1000"`

	// Timeout bounds a single run (default: 30m)
	Timeout time.Duration `env:"PIPELINE_TIMEOUT" default:"30m"`

	// Schedule is a cron spec for automatic incremental runs; empty disables
	Schedule string `env:"PIPELINE_SCHEDULE"`

	// RulesFile is an optional YAML file with additional cleansing rules
	RulesFile string `env:"PIPELINE_RULES_FILE"`

	// Staging writes cleansed relations to stg_* tables (default: false)
	Staging bool `env:"PIPELINE_STAGING" default:"false"`

	// GapSample is how many referential gaps are kept per run report (default: 50)
	GapSample int `env:"PIPELINE_GAP_SAMPLE" default:"50"`

	// MaxWait is how long a refresh waits for a running pipeline (default: 5s)
	MaxWait time.Duration `env:"PIPELINE_MAX_WAIT" default:"5s"`

	// History is the number of run reports kept in memory (default: 20)
	History int `env:"PIPELINE_HISTORY" default:"20"`
}

// RetryConfig controls connection establishment retries.
type RetryConfig struct {
	MaxRetries   int           `env:"RETRY_MAX" default:"5"`
	InitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" default:"500ms"`
	MaxDelay     time.Duration `env:"RETRY_MAX_DELAY" default:"10s"`
}

// QueryConfig bounds the ad-hoc fact query endpoint.
type QueryConfig struct {
	// MaxRows caps rows returned by a single query (default: 5000)
	MaxRows int `env:"QUERY_MAX_ROWS" default:"5000"`

	// Timeout bounds a single query (default: 30s)
	Timeout time.Duration `env:"QUERY_TIMEOUT" default:"30s"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// RefreshLimit is requests per minute for the refresh endpoint (default: 5)
	RefreshLimit int `env:"RATE_LIMIT_REFRESH" default:"5"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey enables X-API-Key checks on /api routes (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
