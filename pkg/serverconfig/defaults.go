package serverconfig

// DefaultConfig returns a Config with all default values set.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":8080",
			APIToken:       "", // required in production; dev mode generates one
			AdminToken:     "",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Store: StoreConfig{
			Region:   "us-east-1",
			Endpoint: "", // empty means the real AWS endpoint
			Table:    "SandboxPool",
		},
		Pool: PoolConfig{
			LabDurationHours: 4,
			KCandidates:      15,
			BackoffBaseMS:    100,
			BackoffMaxMS:     5000,
		},
		Jobs: JobsConfig{
			SyncIntervalSeconds:    300,
			CleanupIntervalSeconds: 60,
			DeletionTimeoutSeconds: 3600,
			CleanupBatchSize:       10,
		},
		CSP: CSPConfig{
			BaseURL:  "https://csp.example.com/v2",
			APIToken: "", // empty means mock mode
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
