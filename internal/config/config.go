// Package config provides centralized configuration management for the
// import wizard. It loads configuration from environment variables with
// sensible defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server        ServerConfig
	ImportService ImportServiceConfig
	Wizard        WizardConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Rate          RateLimitConfig
	Security      SecurityConfig
	Logging       LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout covers reading the request including uploaded files (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing a response (default: 5m)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"5m"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including running imports (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 5m).
	// Full-file validation can take minutes on large files.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"5m"`
}

// ImportServiceConfig describes the remote Import Service.
type ImportServiceConfig struct {
	// URL is the service base URL (required)
	URL string `env:"IMPORT_SERVICE_URL" required:"true"`

	// APIKey is sent as X-API-Key on every call
	APIKey string `env:"IMPORT_SERVICE_API_KEY"`

	// Timeout bounds ordinary calls (default: 30s)
	Timeout time.Duration `env:"IMPORT_SERVICE_TIMEOUT" default:"30s"`

	// ExecuteTimeout bounds full-file validation and execution (default: 30m)
	ExecuteTimeout time.Duration `env:"IMPORT_SERVICE_EXECUTE_TIMEOUT" default:"30m"`
}

// WizardConfig holds wizard defaults and batch planning policy.
type WizardConfig struct {
	// DefaultBatchSize seeds new wizards (default: 1000)
	DefaultBatchSize int `env:"WIZARD_DEFAULT_BATCH_SIZE" envAlt:"IMPORT_BATCH_SIZE" default:"1000"`

	// MinBatchSize and MaxBatchSize apply when the service declares no bounds
	MinBatchSize int `env:"WIZARD_MIN_BATCH_SIZE" default:"100"`
	MaxBatchSize int `env:"WIZARD_MAX_BATCH_SIZE" default:"10000"`

	// RowsPerSecond is the assumed service throughput (default: 50)
	RowsPerSecond float64 `env:"WIZARD_ROWS_PER_SECOND" default:"50"`

	// SmallFileRows is the largest file imported in a single batch (default: 1000)
	SmallFileRows int `env:"WIZARD_SMALL_FILE_ROWS" default:"1000"`

	// BatchTiers are "below:batch_size" recommendation steps, ascending
	BatchTiers []string `env:"WIZARD_BATCH_TIERS" default:"10000:2000,50000:5000"`

	// MaxRecommendedBatchSize applies above the last tier (default: 10000)
	MaxRecommendedBatchSize int `env:"WIZARD_MAX_RECOMMENDED_BATCH_SIZE" default:"10000"`

	// LongRunningMinutes triggers the background-processing advice (default: 30)
	LongRunningMinutes float64 `env:"WIZARD_LONG_RUNNING_MINUTES" default:"30"`

	// SuggestionThreshold is the confidence a suggestion must exceed (default: 0.5)
	SuggestionThreshold float64 `env:"WIZARD_SUGGESTION_THRESHOLD" default:"0.5"`

	// SessionTTL is how long an idle wizard is kept (default: 24h)
	SessionTTL time.Duration `env:"WIZARD_SESSION_TTL" default:"24h"`

	// SweepInterval is how often idle wizards are evicted (default: 5m)
	SweepInterval time.Duration `env:"WIZARD_SWEEP_INTERVAL" default:"5m"`

	// MaxConcurrentExecutions caps imports running at once (default: 4)
	MaxConcurrentExecutions int `env:"WIZARD_MAX_CONCURRENT_EXECUTIONS" default:"4"`

	// MaxWaitTime is how long an execution waits for a slot (default: 10s)
	MaxWaitTime time.Duration `env:"WIZARD_MAX_WAIT_TIME" default:"10s"`

	// MaxFileSize is the local upload limit in bytes (default: 100MB)
	MaxFileSize int64 `env:"WIZARD_MAX_FILE_SIZE" default:"104857600"`

	// SupportedFormats are the accepted file extensions
	SupportedFormats []string `env:"WIZARD_SUPPORTED_FORMATS" default:"csv,xlsx,json"`
}

// DatabaseConfig holds the optional PostgreSQL store settings.
type DatabaseConfig struct {
	// URL enables the PostgreSQL store when set.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool { return c.URL != "" }

// RedisConfig holds the optional metadata cache settings.
type RedisConfig struct {
	// URL enables the Redis cache when set, e.g. redis://localhost:6379/0
	URL string `env:"REDIS_URL"`

	// CacheTTL is how long model metadata and import config are cached (default: 10m)
	CacheTTL time.Duration `env:"CACHE_TTL" default:"10m"`
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 120)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"120"`

	// UploadLimit is requests per minute for upload and execute endpoints (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey enables X-API-Key authentication on /api (default: false)
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
	return c.Host + ":" + strconv.Itoa(c.Port)
}
