// Package serverconfig loads the broker's configuration from defaults,
// an optional TOML file, environment variables, and CLI flags, applied
// in that order. Every value remembers which source set it, so startup
// logs can say where a setting came from.
package serverconfig

import (
	"fmt"
	"net"
	"time"
)

// Config is the complete broker configuration from all sources.
type Config struct {
	// Server contains the HTTP listener and auth settings.
	Server ServerConfig `toml:"server"`

	// Store contains the DynamoDB table settings.
	Store StoreConfig `toml:"store"`

	// Pool contains allocation tuning.
	Pool PoolConfig `toml:"pool"`

	// Jobs contains the background job schedules.
	Jobs JobsConfig `toml:"jobs"`

	// CSP contains the upstream provider settings.
	CSP CSPConfig `toml:"csp"`

	// Log contains logging settings.
	Log LogConfig `toml:"log"`
}

// ServerConfig contains the HTTP listener and auth settings.
type ServerConfig struct {
	ListenAddr     string  `toml:"listen_addr" env:"BROKER_LISTEN_ADDR"`
	APIToken       string  `toml:"api_token" env:"BROKER_API_TOKEN"`
	AdminToken     string  `toml:"admin_token" env:"BROKER_ADMIN_TOKEN"`
	RateLimitRPS   float64 `toml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `toml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// StoreConfig contains the DynamoDB settings. An empty Endpoint means
// the real AWS endpoint for the region; setting it points the broker
// at dynamodb-local.
type StoreConfig struct {
	Region   string `toml:"region" env:"AWS_REGION"`
	Endpoint string `toml:"endpoint" env:"DDB_ENDPOINT_URL"`
	Table    string `toml:"table" env:"DDB_TABLE_NAME"`
}

// PoolConfig contains allocation tuning.
type PoolConfig struct {
	// LabDurationHours is the lease length. Zero is legal and means
	// leases expire immediately, which load tests use.
	LabDurationHours int `toml:"lab_duration_hours" env:"LAB_DURATION_HOURS"`

	// KCandidates bounds how many available rows one allocation
	// attempt considers.
	KCandidates int `toml:"k_candidates" env:"K_CANDIDATES"`

	// BackoffBaseMS and BackoffMaxMS bound the jitter between claim
	// attempts when the pool is contended.
	BackoffBaseMS int `toml:"backoff_base_ms" env:"BACKOFF_BASE_MS"`
	BackoffMaxMS  int `toml:"backoff_max_ms" env:"BACKOFF_MAX_MS"`
}

// JobsConfig contains the background job schedules.
type JobsConfig struct {
	SyncIntervalSeconds    int `toml:"sync_interval_seconds" env:"SYNC_INTERVAL_SECONDS"`
	CleanupIntervalSeconds int `toml:"cleanup_interval_seconds" env:"CLEANUP_INTERVAL_SECONDS"`
	DeletionTimeoutSeconds int `toml:"deletion_timeout_seconds" env:"DELETION_TIMEOUT_SECONDS"`
	CleanupBatchSize       int `toml:"cleanup_batch_size" env:"CLEANUP_BATCH_SIZE"`
}

// CSPConfig contains the upstream provider settings. An empty APIToken
// switches the broker to the built-in mock provider.
type CSPConfig struct {
	BaseURL  string `toml:"base_url" env:"CSP_BASE_URL"`
	APIToken string `toml:"api_token" env:"CSP_API_TOKEN"`
}

// MockMode reports whether the broker should run against the built-in
// fixture provider instead of the real CSP API.
func (c *CSPConfig) MockMode() bool {
	return c.APIToken == ""
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `toml:"level" env:"LOG_LEVEL"`
	Format string `toml:"format" env:"LOG_FORMAT"`
}

// ConfigSource tracks where a configuration value came from.
type ConfigSource string

const (
	SourceDefault ConfigSource = "default"
	SourceFile    ConfigSource = "file"
	SourceEnv     ConfigSource = "environment"
	SourceCLI     ConfigSource = "cli"
)

// SourcedConfig wraps Config with source tracking for debugging.
type SourcedConfig struct {
	Config  Config
	Sources map[string]ConfigSource
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}
	if err := c.Jobs.Validate(); err != nil {
		return fmt.Errorf("jobs config: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", c.ListenAddr, err)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("rate_limit_rps must not be negative, got %v", c.RateLimitRPS)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("rate_limit_burst must be at least 1 when limiting is on, got %d", c.RateLimitBurst)
	}
	return nil
}

func (c *StoreConfig) Validate() error {
	if c.Table == "" {
		return fmt.Errorf("table must be set")
	}
	if c.Region == "" && c.Endpoint == "" {
		return fmt.Errorf("region must be set when no endpoint override is given")
	}
	return nil
}

func (c *PoolConfig) Validate() error {
	if c.LabDurationHours < 0 {
		return fmt.Errorf("lab_duration_hours must not be negative, got %d", c.LabDurationHours)
	}
	if c.KCandidates < 1 {
		return fmt.Errorf("k_candidates must be at least 1, got %d", c.KCandidates)
	}
	if c.BackoffBaseMS < 0 || c.BackoffMaxMS < 0 {
		return fmt.Errorf("backoff bounds must not be negative")
	}
	if c.BackoffMaxMS < c.BackoffBaseMS {
		return fmt.Errorf("backoff_max_ms %d below backoff_base_ms %d", c.BackoffMaxMS, c.BackoffBaseMS)
	}
	return nil
}

func (c *JobsConfig) Validate() error {
	if c.SyncIntervalSeconds < 1 {
		return fmt.Errorf("sync_interval_seconds must be at least 1, got %d", c.SyncIntervalSeconds)
	}
	if c.CleanupIntervalSeconds < 1 {
		return fmt.Errorf("cleanup_interval_seconds must be at least 1, got %d", c.CleanupIntervalSeconds)
	}
	if c.DeletionTimeoutSeconds < 1 {
		return fmt.Errorf("deletion_timeout_seconds must be at least 1, got %d", c.DeletionTimeoutSeconds)
	}
	if c.CleanupBatchSize < 1 {
		return fmt.Errorf("cleanup_batch_size must be at least 1, got %d", c.CleanupBatchSize)
	}
	return nil
}

func (c *LogConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid level %q: must be debug, info, warn or error", c.Level)
	}
	switch c.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid format %q: must be json or text", c.Format)
	}
	return nil
}

func (c *PoolConfig) LeaseDuration() time.Duration {
	return time.Duration(c.LabDurationHours) * time.Hour
}

func (c *PoolConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

func (c *PoolConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

func (c *JobsConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

func (c *JobsConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

func (c *JobsConfig) DeletionTimeout() time.Duration {
	return time.Duration(c.DeletionTimeoutSeconds) * time.Second
}
