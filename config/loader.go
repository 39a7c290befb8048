// =============================================================================
// 📦 AgentTeam 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("teamnode.yaml").
//	    WithEnvPrefix("AGENTTEAM").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是团队节点的完整配置结构
type Config struct {
	// Node 本节点身份与角色
	Node NodeConfig `yaml:"node" env:"NODE"`

	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Distributed 分布式协调配置
	Distributed DistributedConfig `yaml:"distributed" env:"DISTRIBUTED"`

	// Redis 缓存配置（Redis 幂等窗口后端）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Journal 运行生命周期日志
	Journal JournalConfig `yaml:"journal" env:"JOURNAL"`

	// Database 数据库配置（journal 存储）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// 节点角色
const (
	RoleHost   = "host"
	RoleWorker = "worker"
)

// NodeConfig 节点配置
type NodeConfig struct {
	// 节点 ID（全局唯一）
	ID string `yaml:"id" env:"ID"`
	// 角色: host, worker（可同时具备）
	Roles []string `yaml:"roles" env:"ROLES"`
	// 对外公布的基础 URL，写入本地目录条目
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 是否可执行 Agent
	SupportsAgentExecution bool `yaml:"supports_agent_execution" env:"SUPPORTS_AGENT_EXECUTION"`
}

// HasRole reports whether the node is configured with role.
func (n NodeConfig) HasRole(role string) bool {
	return slices.Contains(n.Roles, role)
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个调用节点的限流速率（请求/秒）
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// DistributedConfig 分布式协调配置
type DistributedConfig struct {
	// 内部请求签名
	Security SecurityConfig `yaml:"security" env:"SECURITY"`
	// 命令投递重试
	Retry RetryConfig `yaml:"retry" env:"RETRY"`
	// 运行降级阈值
	Degradation DegradationConfig `yaml:"degradation" env:"DEGRADATION"`
	// 远端事件幂等窗口
	Idempotency IdempotencyConfig `yaml:"idempotency" env:"IDEMPOTENCY"`
	// worker 侧配置
	Worker WorkerConfig `yaml:"worker" env:"WORKER"`
	// 节点目录维护
	Directory DirectoryConfig `yaml:"directory" env:"DIRECTORY"`
	// 静态节点列表（仅 YAML）
	StaticNodes []StaticNodeConfig `yaml:"static_nodes" env:"-"`
	// 目录缺失 host 时的事件上行回退地址
	DiscoveryRegistryURL string `yaml:"discovery_registry_url" env:"DISCOVERY_REGISTRY_URL"`
	// 目录中为回环地址时改写使用的上行地址
	UplinkBaseURL string `yaml:"uplink_base_url" env:"UPLINK_BASE_URL"`
	// 成员无放置提示时的默认节点，空则为本节点
	DefaultNodeID string `yaml:"default_node_id" env:"DEFAULT_NODE_ID"`
	// 单次节点间 HTTP 请求超时
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// 节点间 HTTP 客户端 CA 证书文件（可选）
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
	// 团队定义文件（YAML/JSON，按团队 ID 索引，仅 host 使用）
	TeamsFile string `yaml:"teams_file" env:"TEAMS_FILE"`
}

// SecurityConfig 内部请求签名配置
type SecurityConfig struct {
	// 模式: strict_signed, trusted_lan
	Mode string `yaml:"mode" env:"MODE"`
	// 共享密钥，节点密钥由其派生
	SharedSecret string `yaml:"shared_secret" env:"SHARED_SECRET"`
	// 显式节点密钥（仅 YAML）
	NodeSecrets map[string]string `yaml:"node_secrets" env:"-"`
	// 允许的调用方节点，空表示不限制
	AllowedCallerNodeIDs []string `yaml:"allowed_caller_node_ids" env:"ALLOWED_CALLER_NODE_IDS"`
	// 签名时间戳允许的偏差
	MaxClockSkew time.Duration `yaml:"max_clock_skew" env:"MAX_CLOCK_SKEW"`
}

// RetryConfig 命令投递重试配置
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Multiplier   float64       `yaml:"multiplier" env:"MULTIPLIER"`
	JitterRatio  float64       `yaml:"jitter_ratio" env:"JITTER_RATIO"`
}

// DegradationConfig 运行降级配置
type DegradationConfig struct {
	CoordinatorFailureThreshold int           `yaml:"coordinator_failure_threshold" env:"COORDINATOR_FAILURE_THRESHOLD"`
	GlobalFailureThreshold      int           `yaml:"global_failure_threshold" env:"GLOBAL_FAILURE_THRESHOLD"`
	GlobalFailureWindow         time.Duration `yaml:"global_failure_window" env:"GLOBAL_FAILURE_WINDOW"`
}

// 幂等窗口后端
const (
	IdempotencyBackendMemory = "memory"
	IdempotencyBackendRedis  = "redis"
)

// IdempotencyConfig 幂等窗口配置
type IdempotencyConfig struct {
	// 后端: memory, redis
	Backend    string        `yaml:"backend" env:"BACKEND"`
	TTL        time.Duration `yaml:"ttl" env:"TTL"`
	MaxEntries int           `yaml:"max_entries" env:"MAX_ENTRIES"`
}

// WorkerConfig worker 侧配置
type WorkerConfig struct {
	// 已处理信封窗口
	ProcessedTTL        time.Duration `yaml:"processed_ttl" env:"PROCESSED_TTL"`
	ProcessedMaxEntries int           `yaml:"processed_max_entries" env:"PROCESSED_MAX_ENTRIES"`
	// 团队事件流缓冲
	EventBuffer int `yaml:"event_buffer" env:"EVENT_BUFFER"`
}

// DirectoryConfig 节点目录维护配置
type DirectoryConfig struct {
	// 心跳超时，超过即标记不健康
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	// 清扫间隔，0 表示不清扫
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// StaticNodeConfig 静态节点
type StaticNodeConfig struct {
	ID                     string `yaml:"id"`
	BaseURL                string `yaml:"base_url"`
	SupportsAgentExecution bool   `yaml:"supports_agent_execution"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// JournalConfig 运行生命周期日志配置
type JournalConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 根 span 采样率；带上游 trace 的请求沿用上游的采样决定
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 以明文 gRPC 连接 OTLP 端点
	Insecure bool `yaml:"insecure" env:"INSECURE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTTEAM",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置，汇总所有错误
func (c *Config) Validate() error {
	var errs []string

	if c.Node.ID == "" {
		errs = append(errs, "node.id is required")
	}
	if len(c.Node.Roles) == 0 {
		errs = append(errs, "node.roles must not be empty")
	}
	for _, r := range c.Node.Roles {
		if r != RoleHost && r != RoleWorker {
			errs = append(errs, fmt.Sprintf("unknown node role %q", r))
		}
	}
	if c.Node.BaseURL != "" && !validHTTPURL(c.Node.BaseURL) {
		errs = append(errs, "node.base_url must be an http(s) URL")
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	d := c.Distributed
	switch d.Security.Mode {
	case "strict_signed":
		if d.Security.SharedSecret == "" && len(d.Security.NodeSecrets) == 0 {
			errs = append(errs, "strict_signed mode requires shared_secret or node_secrets")
		}
	case "trusted_lan":
	default:
		errs = append(errs, fmt.Sprintf("unknown security mode %q", d.Security.Mode))
	}
	if d.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	if d.Retry.JitterRatio < 0 || d.Retry.JitterRatio >= 1 {
		errs = append(errs, "retry.jitter_ratio must be in [0, 1)")
	}
	if d.Degradation.CoordinatorFailureThreshold < 1 || d.Degradation.GlobalFailureThreshold < 1 {
		errs = append(errs, "degradation thresholds must be positive")
	}
	if d.Degradation.GlobalFailureWindow <= 0 {
		errs = append(errs, "degradation.global_failure_window must be positive")
	}
	switch d.Idempotency.Backend {
	case IdempotencyBackendMemory:
	case IdempotencyBackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis idempotency backend requires redis.addr")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown idempotency backend %q", d.Idempotency.Backend))
	}
	if d.DiscoveryRegistryURL != "" && !validHTTPURL(d.DiscoveryRegistryURL) {
		errs = append(errs, "distributed.discovery_registry_url must be an http(s) URL")
	}
	if d.UplinkBaseURL != "" && !validHTTPURL(d.UplinkBaseURL) {
		errs = append(errs, "distributed.uplink_base_url must be an http(s) URL")
	}
	seen := make(map[string]struct{}, len(d.StaticNodes))
	for i, n := range d.StaticNodes {
		if n.ID == "" {
			errs = append(errs, fmt.Sprintf("static_nodes[%d].id is required", i))
			continue
		}
		if _, dup := seen[n.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate static node %q", n.ID))
		}
		seen[n.ID] = struct{}{}
		if !validHTTPURL(n.BaseURL) {
			errs = append(errs, fmt.Sprintf("static node %q has invalid base_url", n.ID))
		}
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, "telemetry.otlp_endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, "telemetry.sample_rate must be in [0, 1]")
		}
	}

	if c.Journal.Enabled {
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// EffectiveDefaultNodeID 返回默认放置节点，未配置时为本节点
func (c *Config) EffectiveDefaultNodeID() string {
	if c.Distributed.DefaultNodeID != "" {
		return c.Distributed.DefaultNodeID
	}
	return c.Node.ID
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
