package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEmpty(t, cfg.Node.ID)
	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEmpty(t, cfg.Log.Level)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.False(t, cfg.Journal.Enabled)
}

// --- Individual Default*Config functions ---

func TestDefaultNodeConfig(t *testing.T) {
	cfg := DefaultNodeConfig()
	assert.Equal(t, "node-local", cfg.ID)
	assert.True(t, cfg.HasRole(RoleHost))
	assert.True(t, cfg.HasRole(RoleWorker))
	assert.True(t, cfg.SupportsAgentExecution)
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.InDelta(t, 200, cfg.RateLimitRPS, 1e-9)
	assert.Equal(t, 400, cfg.RateLimitBurst)
}

func TestDefaultDistributedConfig(t *testing.T) {
	cfg := DefaultDistributedConfig()
	assert.Equal(t, "trusted_lan", cfg.Security.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Security.MaxClockSkew)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.Retry.MaxDelay)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 1e-9)
	assert.InDelta(t, 0.2, cfg.Retry.JitterRatio, 1e-9)

	assert.Equal(t, 3, cfg.Degradation.CoordinatorFailureThreshold)
	assert.Equal(t, 5, cfg.Degradation.GlobalFailureThreshold)
	assert.Equal(t, time.Minute, cfg.Degradation.GlobalFailureWindow)

	assert.Equal(t, IdempotencyBackendMemory, cfg.Idempotency.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 100_000, cfg.Idempotency.MaxEntries)

	assert.Equal(t, 24*time.Hour, cfg.Worker.ProcessedTTL)
	assert.Equal(t, 256, cfg.Worker.EventBuffer)
	assert.Equal(t, 30*time.Second, cfg.Directory.HeartbeatTimeout)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Empty(t, cfg.StaticNodes)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2, cfg.MinIdleConns)
	assert.Equal(t, "agentteam:", cfg.KeyPrefix)
}

func TestDefaultDatabaseConfig(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, "agentteam.db", cfg.Name)
	assert.Equal(t, "agentteam.db", cfg.DSN())
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "agentteam", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
	assert.True(t, cfg.Insecure)
}
