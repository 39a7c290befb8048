// =============================================================================
// 📦 AgentTeam 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Node:        DefaultNodeConfig(),
		Server:      DefaultServerConfig(),
		Distributed: DefaultDistributedConfig(),
		Redis:       DefaultRedisConfig(),
		Journal:     JournalConfig{Enabled: false},
		Database:    DefaultDatabaseConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultNodeConfig 返回默认节点配置（单节点，同时承担 host 与 worker）
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ID:                     "node-local",
		Roles:                  []string{RoleHost, RoleWorker},
		BaseURL:                "http://localhost:8080",
		SupportsAgentExecution: true,
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    200,
		RateLimitBurst:  400,
	}
}

// DefaultDistributedConfig 返回默认分布式配置
func DefaultDistributedConfig() DistributedConfig {
	return DistributedConfig{
		Security: SecurityConfig{
			Mode:         "trusted_lan",
			MaxClockSkew: 5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			JitterRatio:  0.2,
		},
		Degradation: DegradationConfig{
			CoordinatorFailureThreshold: 3,
			GlobalFailureThreshold:      5,
			GlobalFailureWindow:         time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Backend:    IdempotencyBackendMemory,
			TTL:        24 * time.Hour,
			MaxEntries: 100_000,
		},
		Worker: WorkerConfig{
			ProcessedTTL:        24 * time.Hour,
			ProcessedMaxEntries: 100_000,
			EventBuffer:         256,
		},
		Directory: DirectoryConfig{
			HeartbeatTimeout: 30 * time.Second,
			SweepInterval:    10 * time.Second,
		},
		RequestTimeout: 10 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "agentteam:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "agentteam",
		Password:        "",
		Name:            "agentteam.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentteam",
		SampleRate:   0.1,
		Insecure:     true,
	}
}
