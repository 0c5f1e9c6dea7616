package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Agent:     DefaultAgentConfig(),
		Authority: DefaultAuthorityConfig(),
		Store:     DefaultStoreConfig(),
		Backends:  DefaultBackendsConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Archive:   DefaultArchiveConfig(),
		Compat:    DefaultCompatConfig(),
		Log:       DefaultLogConfig(),
		Metrics:   DefaultMetricsConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxConns:        1024,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultAgentConfig returns agent defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ID:         "default-agent",
		Mode:       ModeDisconnected,
		Maintainer: false,
	}
}

// DefaultAuthorityConfig returns authority client defaults.
func DefaultAuthorityConfig() AuthorityConfig {
	return AuthorityConfig{
		BaseURL:      "",
		Timeout:      30 * time.Second,
		RetryCount:   3,
		RetryDelay:   time.Second,
		SessionTTL:   15 * time.Minute,
		ProbeTTL:     5 * time.Second,
		ProbeTimeout: 2 * time.Second,
	}
}

// DefaultStoreConfig returns store defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:        "memory",
		RedisPrefix: "gitswarm",
	}
}

// DefaultBackendsConfig returns merge engine defaults. The remote-api
// engine stays off until a hosting base URL is configured.
func DefaultBackendsConfig() BackendsConfig {
	return BackendsConfig{
		CascadeRoot: "./repos",
		Hosting: HostingConfig{
			Timeout:    30 * time.Second,
			RetryCount: 3,
			RetryDelay: time.Second,
		},
	}
}

// DefaultDatabaseConfig returns database defaults.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "gitswarm",
		Password:        "",
		Name:            "gitswarm",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig returns redis defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultArchiveConfig returns archiver defaults. Archiving stays off
// until a MongoDB URI is configured.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:        false,
		URI:            "",
		Database:       "gitswarm",
		Collection:     "merge_records",
		ConnectTimeout: 5 * time.Second,
	}
}

// DefaultCompatConfig returns compatibility signaling defaults.
func DefaultCompatConfig() CompatConfig {
	return CompatConfig{
		Enabled:  true,
		Handlers: nil,
	}
}

// DefaultLogConfig returns logging defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultMetricsConfig returns metrics defaults.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: true,
		Path:    "/metrics",
	}
}

// DefaultTelemetryConfig returns telemetry defaults.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "gitswarm",
		SampleRate:   0.1,
	}
}
