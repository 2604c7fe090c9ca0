package serverconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

func applyEnvironmentVariables(cfg *Config, sources map[string]ConfigSource, log *slog.Logger) error {
	appliedVars := []string{}

	if err := applyServerEnvVars(&cfg.Server, sources, &appliedVars); err != nil {
		return err
	}
	applyStoreEnvVars(&cfg.Store, sources, &appliedVars)
	if err := applyPoolEnvVars(&cfg.Pool, sources, &appliedVars); err != nil {
		return err
	}
	if err := applyJobsEnvVars(&cfg.Jobs, sources, &appliedVars); err != nil {
		return err
	}
	applyCSPEnvVars(&cfg.CSP, sources, &appliedVars)
	applyLogEnvVars(&cfg.Log, sources, &appliedVars)

	if len(appliedVars) > 0 {
		log.Debug("applied environment variables", "count", len(appliedVars), "vars", appliedVars)
	}

	return nil
}

func applyServerEnvVars(cfg *ServerConfig, sources map[string]ConfigSource, applied *[]string) error {
	if val := os.Getenv("BROKER_LISTEN_ADDR"); val != "" {
		cfg.ListenAddr = val
		sources["server.listen_addr"] = SourceEnv
		*applied = append(*applied, "BROKER_LISTEN_ADDR")
	}

	if val := os.Getenv("BROKER_API_TOKEN"); val != "" {
		cfg.APIToken = val
		sources["server.api_token"] = SourceEnv
		*applied = append(*applied, "BROKER_API_TOKEN")
	}

	if val := os.Getenv("BROKER_ADMIN_TOKEN"); val != "" {
		cfg.AdminToken = val
		sources["server.admin_token"] = SourceEnv
		*applied = append(*applied, "BROKER_ADMIN_TOKEN")
	}

	if val := os.Getenv("RATE_LIMIT_RPS"); val != "" {
		floatVal, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for RATE_LIMIT_RPS: %s", val)
		}
		cfg.RateLimitRPS = floatVal
		sources["server.rate_limit_rps"] = SourceEnv
		*applied = append(*applied, "RATE_LIMIT_RPS")
	}

	if val := os.Getenv("RATE_LIMIT_BURST"); val != "" {
		intVal, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid integer value for RATE_LIMIT_BURST: %s", val)
		}
		cfg.RateLimitBurst = intVal
		sources["server.rate_limit_burst"] = SourceEnv
		*applied = append(*applied, "RATE_LIMIT_BURST")
	}

	return nil
}

func applyStoreEnvVars(cfg *StoreConfig, sources map[string]ConfigSource, applied *[]string) {
	if val := os.Getenv("AWS_REGION"); val != "" {
		cfg.Region = val
		sources["store.region"] = SourceEnv
		*applied = append(*applied, "AWS_REGION")
	}

	if val := os.Getenv("DDB_ENDPOINT_URL"); val != "" {
		cfg.Endpoint = val
		sources["store.endpoint"] = SourceEnv
		*applied = append(*applied, "DDB_ENDPOINT_URL")
	}

	if val := os.Getenv("DDB_TABLE_NAME"); val != "" {
		cfg.Table = val
		sources["store.table"] = SourceEnv
		*applied = append(*applied, "DDB_TABLE_NAME")
	}
}

func applyPoolEnvVars(cfg *PoolConfig, sources map[string]ConfigSource, applied *[]string) error {
	// LAB_DURATION_HOURS=0 is meaningful (immediate expiry), so the
	// zero value cannot be used to detect "unset" here.
	if val, ok := os.LookupEnv("LAB_DURATION_HOURS"); ok && val != "" {
		intVal, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid integer value for LAB_DURATION_HOURS: %s", val)
		}
		cfg.LabDurationHours = intVal
		sources["pool.lab_duration_hours"] = SourceEnv
		*applied = append(*applied, "LAB_DURATION_HOURS")
	}

	if val := os.Getenv("K_CANDIDATES"); val != "" {
		intVal, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid integer value for K_CANDIDATES: %s", val)
		}
		cfg.KCandidates = intVal
		sources["pool.k_candidates"] = SourceEnv
		*applied = append(*applied, "K_CANDIDATES")
	}

	if val := os.Getenv("BACKOFF_BASE_MS"); val != "" {
		intVal, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid integer value for BACKOFF_BASE_MS: %s", val)
		}
		cfg.BackoffBaseMS = intVal
		sources["pool.backoff_base_ms"] = SourceEnv
		*applied = append(*applied, "BACKOFF_BASE_MS")
	}

	if val := os.Getenv("BACKOFF_MAX_MS"); val != "" {
		intVal, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid integer value for BACKOFF_MAX_MS: %s", val)
		}
		cfg.BackoffMaxMS = intVal
		sources["pool.backoff_max_ms"] = SourceEnv
		*applied = append(*applied, "BACKOFF_MAX_MS")
	}

	return nil
}

func applyJobsEnvVars(cfg *JobsConfig, sources map[string]ConfigSource, applied *[]string) error {
	if val := os.Getenv("SYNC_INTERVAL_SECONDS"); val != "" {
		intVal, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid integer value for SYNC_INTERVAL_SECONDS: %s", val)
		}
		cfg.SyncIntervalSeconds = intVal
		sources["jobs.sync_interval_seconds"] = SourceEnv
		*applied = append(*applied, "SYNC_INTERVAL_SECONDS")
	}

	if val := os.Getenv("CLEANUP_INTERVAL_SECONDS"); val != "" {
		intVal, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid integer value for CLEANUP_INTERVAL_SECONDS: %s", val)
		}
		cfg.CleanupIntervalSeconds = intVal
		sources["jobs.cleanup_interval_seconds"] = SourceEnv
		*applied = append(*applied, "CLEANUP_INTERVAL_SECONDS")
	}

	if val := os.Getenv("DELETION_TIMEOUT_SECONDS"); val != "" {
		intVal, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid integer value for DELETION_TIMEOUT_SECONDS: %s", val)
		}
		cfg.DeletionTimeoutSeconds = intVal
		sources["jobs.deletion_timeout_seconds"] = SourceEnv
		*applied = append(*applied, "DELETION_TIMEOUT_SECONDS")
	}

	if val := os.Getenv("CLEANUP_BATCH_SIZE"); val != "" {
		intVal, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid integer value for CLEANUP_BATCH_SIZE: %s", val)
		}
		cfg.CleanupBatchSize = intVal
		sources["jobs.cleanup_batch_size"] = SourceEnv
		*applied = append(*applied, "CLEANUP_BATCH_SIZE")
	}

	return nil
}

func applyCSPEnvVars(cfg *CSPConfig, sources map[string]ConfigSource, applied *[]string) {
	if val := os.Getenv("CSP_BASE_URL"); val != "" {
		cfg.BaseURL = val
		sources["csp.base_url"] = SourceEnv
		*applied = append(*applied, "CSP_BASE_URL")
	}

	if val := os.Getenv("CSP_API_TOKEN"); val != "" {
		cfg.APIToken = val
		sources["csp.api_token"] = SourceEnv
		*applied = append(*applied, "CSP_API_TOKEN")
	}
}

func applyLogEnvVars(cfg *LogConfig, sources map[string]ConfigSource, applied *[]string) {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Level = val
		sources["log.level"] = SourceEnv
		*applied = append(*applied, "LOG_LEVEL")
	}

	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Format = val
		sources["log.format"] = SourceEnv
		*applied = append(*applied, "LOG_FORMAT")
	}
}
