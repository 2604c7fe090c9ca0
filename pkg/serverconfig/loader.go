package serverconfig

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// CLIFlags carries the command-line flags that override configuration.
// SetFlags records which flags were explicitly passed, so an untouched
// flag never masks a file or environment value.
type CLIFlags struct {
	ListenAddr string
	Table      string
	Endpoint   string
	LogLevel   string
	LogFormat  string

	SetFlags map[string]bool
}

// Load builds the configuration with the precedence
// CLI flags > environment variables > config file > defaults.
func Load(configPath string, flags *CLIFlags, log *slog.Logger) (*SourcedConfig, error) {
	if log == nil {
		log = slog.Default()
	}

	cfg := DefaultConfig()
	sources := make(map[string]ConfigSource)
	setDefaultSources(sources)

	filePath := findConfigFile(configPath)
	if filePath != "" {
		log.Info("loading config file", "path", filePath)
		if err := loadConfigFile(filePath, cfg, sources); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else if configPath != "" {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	} else {
		log.Debug("no config file found, using defaults")
	}

	if err := applyEnvironmentVariables(cfg, sources, log); err != nil {
		return nil, fmt.Errorf("failed to apply environment variables: %w", err)
	}

	if flags != nil {
		applyCLIFlags(cfg, flags, sources)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logConfigSources(log, cfg, sources)

	return &SourcedConfig{
		Config:  *cfg,
		Sources: sources,
	}, nil
}

// findConfigFile resolves the config file path: an explicit path wins,
// otherwise the standard location is probed.
func findConfigFile(explicitPath string) string {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err == nil {
			return explicitPath
		}
		return ""
	}

	searchPaths := []string{
		"/etc/broker/broker.toml",
		"broker.toml",
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

func loadConfigFile(path string, cfg *Config, sources map[string]ConfigSource) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fileCfg Config
	if err := toml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("failed to parse TOML: %w", err)
	}

	mergeConfig(cfg, &fileCfg, sources, SourceFile)

	return nil
}

// mergeConfig merges src into dst, updating sources for non-zero values.
func mergeConfig(dst, src *Config, sources map[string]ConfigSource, source ConfigSource) {
	if src.Server.ListenAddr != "" {
		dst.Server.ListenAddr = src.Server.ListenAddr
		sources["server.listen_addr"] = source
	}
	if src.Server.APIToken != "" {
		dst.Server.APIToken = src.Server.APIToken
		sources["server.api_token"] = source
	}
	if src.Server.AdminToken != "" {
		dst.Server.AdminToken = src.Server.AdminToken
		sources["server.admin_token"] = source
	}
	if src.Server.RateLimitRPS != 0 {
		dst.Server.RateLimitRPS = src.Server.RateLimitRPS
		sources["server.rate_limit_rps"] = source
	}
	if src.Server.RateLimitBurst != 0 {
		dst.Server.RateLimitBurst = src.Server.RateLimitBurst
		sources["server.rate_limit_burst"] = source
	}

	if src.Store.Region != "" {
		dst.Store.Region = src.Store.Region
		sources["store.region"] = source
	}
	if src.Store.Endpoint != "" {
		dst.Store.Endpoint = src.Store.Endpoint
		sources["store.endpoint"] = source
	}
	if src.Store.Table != "" {
		dst.Store.Table = src.Store.Table
		sources["store.table"] = source
	}

	if src.Pool.LabDurationHours != 0 {
		dst.Pool.LabDurationHours = src.Pool.LabDurationHours
		sources["pool.lab_duration_hours"] = source
	}
	if src.Pool.KCandidates != 0 {
		dst.Pool.KCandidates = src.Pool.KCandidates
		sources["pool.k_candidates"] = source
	}
	if src.Pool.BackoffBaseMS != 0 {
		dst.Pool.BackoffBaseMS = src.Pool.BackoffBaseMS
		sources["pool.backoff_base_ms"] = source
	}
	if src.Pool.BackoffMaxMS != 0 {
		dst.Pool.BackoffMaxMS = src.Pool.BackoffMaxMS
		sources["pool.backoff_max_ms"] = source
	}

	if src.Jobs.SyncIntervalSeconds != 0 {
		dst.Jobs.SyncIntervalSeconds = src.Jobs.SyncIntervalSeconds
		sources["jobs.sync_interval_seconds"] = source
	}
	if src.Jobs.CleanupIntervalSeconds != 0 {
		dst.Jobs.CleanupIntervalSeconds = src.Jobs.CleanupIntervalSeconds
		sources["jobs.cleanup_interval_seconds"] = source
	}
	if src.Jobs.DeletionTimeoutSeconds != 0 {
		dst.Jobs.DeletionTimeoutSeconds = src.Jobs.DeletionTimeoutSeconds
		sources["jobs.deletion_timeout_seconds"] = source
	}
	if src.Jobs.CleanupBatchSize != 0 {
		dst.Jobs.CleanupBatchSize = src.Jobs.CleanupBatchSize
		sources["jobs.cleanup_batch_size"] = source
	}

	if src.CSP.BaseURL != "" {
		dst.CSP.BaseURL = src.CSP.BaseURL
		sources["csp.base_url"] = source
	}
	if src.CSP.APIToken != "" {
		dst.CSP.APIToken = src.CSP.APIToken
		sources["csp.api_token"] = source
	}

	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
		sources["log.level"] = source
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
		sources["log.format"] = source
	}
}

// setDefaultSources marks all fields as coming from defaults.
func setDefaultSources(sources map[string]ConfigSource) {
	defaultFields := []string{
		"server.listen_addr",
		"server.api_token",
		"server.admin_token",
		"server.rate_limit_rps",
		"server.rate_limit_burst",
		"store.region",
		"store.endpoint",
		"store.table",
		"pool.lab_duration_hours",
		"pool.k_candidates",
		"pool.backoff_base_ms",
		"pool.backoff_max_ms",
		"jobs.sync_interval_seconds",
		"jobs.cleanup_interval_seconds",
		"jobs.deletion_timeout_seconds",
		"jobs.cleanup_batch_size",
		"csp.base_url",
		"csp.api_token",
		"log.level",
		"log.format",
	}

	for _, field := range defaultFields {
		sources[field] = SourceDefault
	}
}

func applyCLIFlags(cfg *Config, flags *CLIFlags, sources map[string]ConfigSource) {
	if flags.SetFlags == nil {
		flags.SetFlags = make(map[string]bool)
	}

	wasSet := func(name string) bool {
		return flags.SetFlags[name]
	}

	if wasSet("listen") && flags.ListenAddr != "" {
		cfg.Server.ListenAddr = flags.ListenAddr
		sources["server.listen_addr"] = SourceCLI
	}
	if wasSet("table") && flags.Table != "" {
		cfg.Store.Table = flags.Table
		sources["store.table"] = SourceCLI
	}
	if wasSet("endpoint") && flags.Endpoint != "" {
		cfg.Store.Endpoint = flags.Endpoint
		sources["store.endpoint"] = SourceCLI
	}
	if wasSet("log-level") && flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
		sources["log.level"] = SourceCLI
	}
	if wasSet("log-format") && flags.LogFormat != "" {
		cfg.Log.Format = flags.LogFormat
		sources["log.format"] = SourceCLI
	}
}

// logConfigSources logs where each configuration value came from.
// Secrets are logged as sources only, never as values.
func logConfigSources(log *slog.Logger, cfg *Config, sources map[string]ConfigSource) {
	importantSources := []struct {
		path   string
		value  interface{}
		source ConfigSource
	}{
		{"server.listen_addr", cfg.Server.ListenAddr, sources["server.listen_addr"]},
		{"store.table", cfg.Store.Table, sources["store.table"]},
		{"store.endpoint", cfg.Store.Endpoint, sources["store.endpoint"]},
		{"csp.base_url", cfg.CSP.BaseURL, sources["csp.base_url"]},
	}

	for _, item := range importantSources {
		if item.source != SourceDefault {
			log.Info("config value", "key", item.path, "value", item.value, "source", item.source)
		}
	}

	if log.Enabled(context.TODO(), slog.LevelDebug) {
		for path, source := range sources {
			log.Debug("config source", "key", path, "source", source)
		}
	}
}
