// =============================================================================
// 📦 Chimera 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CHIMERA").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/chimera/governance/judge"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 Chimera 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Scheduler 任务调度配置
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// Breaker 熔断器配置
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`

	// Retry 重试策略
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Judge 置信度路由配置
	Judge JudgeConfig `yaml:"judge" env:"JUDGE"`

	// Budget 预算治理配置
	Budget BudgetConfig `yaml:"budget" env:"BUDGET"`

	// HITL 人工升级队列配置
	HITL HITLConfig `yaml:"hitl" env:"HITL"`

	// Storage 各组件的存储后端
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// JWT 认证配置
	JWT JWTConfig `yaml:"jwt" env:"JWT"`

	// Capabilities 远端能力端点
	Capabilities CapabilitiesConfig `yaml:"capabilities" env:"CAPABILITIES"`
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
	// 每个客户端每秒请求数
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	// 并发执行的 worker 数
	Workers int `yaml:"workers" env:"WORKERS"`
	// 调度循环间隔
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	// 饥饿提升阈值，0 表示关闭
	StarvationCeiling time.Duration `yaml:"starvation_ceiling" env:"STARVATION_CEILING"`
	// 允许的发布平台
	AllowedPlatforms []string `yaml:"allowed_platforms" env:"ALLOWED_PLATFORMS"`
	// 各类任务的能力调用超时
	Timeouts KindTimeouts `yaml:"timeouts" env:"TIMEOUTS"`
	// 支付依赖名
	WalletDependency string `yaml:"wallet_dependency" env:"WALLET_DEPENDENCY"`
}

// KindTimeouts 各类任务的默认调用超时
type KindTimeouts struct {
	ContentCreation     time.Duration `yaml:"content_creation" env:"CONTENT_CREATION"`
	TrendAnalysis       time.Duration `yaml:"trend_analysis" env:"TREND_ANALYSIS"`
	SocialEngagement    time.Duration `yaml:"social_engagement" env:"SOCIAL_ENGAGEMENT"`
	EconomicTransaction time.Duration `yaml:"economic_transaction" env:"ECONOMIC_TRANSACTION"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// 连续失败阈值
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// 单次调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Open → HalfOpen 等待时间
	ResetTimeout time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
	// 半开状态允许的探测调用数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`
	// 资金类依赖的恢复等待时间
	FinancialResetTimeout time.Duration `yaml:"financial_reset_timeout" env:"FINANCIAL_RESET_TIMEOUT"`
	// 按依赖名覆盖，只能通过 YAML 配置
	Dependencies map[string]BreakerOverride `yaml:"dependencies" env:"-"`
}

// BreakerOverride 单个依赖的熔断配置，零值字段沿用默认值
type BreakerOverride struct {
	Threshold        int           `yaml:"threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// RetryConfig 重试策略
type RetryConfig struct {
	// 瞬时错误最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 基准延迟
	BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	// 延迟上限
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 退避倍数
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// 抖动上限
	JitterMax time.Duration `yaml:"jitter_max" env:"JITTER_MAX"`
	// 限流错误最大重试次数
	RateLimitMaxRetries int `yaml:"rate_limit_max_retries" env:"RATE_LIMIT_MAX_RETRIES"`
	// 限流等待缓冲
	RateLimitBuffer time.Duration `yaml:"rate_limit_buffer" env:"RATE_LIMIT_BUFFER"`
}

// JudgeConfig 置信度路由配置
type JudgeConfig struct {
	// 自动通过阈值
	AutoApprove float64 `yaml:"auto_approve" env:"AUTO_APPROVE"`
	// 人工审核阈值
	Review float64 `yaml:"review" env:"REVIEW"`
	// 必须人工审核的标记
	MandatoryFlags []string `yaml:"mandatory_flags" env:"MANDATORY_FLAGS"`
	// 直接进入最高审核级别的标记
	CriticalFlags []string `yaml:"critical_flags" env:"CRITICAL_FLAGS"`
	// 拒绝后的重新执行次数
	MaxReattempts int `yaml:"max_reattempts" env:"MAX_REATTEMPTS"`
	// CEL 升级规则，只能通过 YAML 配置
	Rules []judge.Rule `yaml:"rules" env:"-"`
}

// BudgetConfig 预算治理配置，金额单位为美元
type BudgetConfig struct {
	// 默认每日上限
	DefaultDailyCeiling float64 `yaml:"default_daily_ceiling" env:"DEFAULT_DAILY_CEILING"`
	// 单笔交易全局上限
	GlobalMaxTransaction float64 `yaml:"global_max_transaction" env:"GLOBAL_MAX_TRANSACTION"`
	// 按主体的每日上限
	ActorCeilings map[string]float64 `yaml:"actor_ceilings" env:"-"`
	// 按分类的单笔上限
	CategoryCaps map[string]float64 `yaml:"category_caps" env:"-"`
	// 窗口内允许的授权次数，0 表示关闭
	VelocityBurst int `yaml:"velocity_burst" env:"VELOCITY_BURST"`
	// 速率窗口
	VelocityWindow time.Duration `yaml:"velocity_window" env:"VELOCITY_WINDOW"`
	// 告警比例
	AlertThreshold float64 `yaml:"alert_threshold" env:"ALERT_THRESHOLD"`
	// 超限时创建人工覆盖升级
	EscalateRejections bool `yaml:"escalate_rejections" env:"ESCALATE_REJECTIONS"`
	// Redis 账本键过期时间
	LedgerTTL time.Duration `yaml:"ledger_ttl" env:"LEDGER_TTL"`
}

// HITLConfig 人工升级队列配置
type HITLConfig struct {
	// 各级别响应时限
	SLACritical time.Duration `yaml:"sla_critical" env:"SLA_CRITICAL"`
	SLAHigh     time.Duration `yaml:"sla_high" env:"SLA_HIGH"`
	SLAMedium   time.Duration `yaml:"sla_medium" env:"SLA_MEDIUM"`
	SLALow      time.Duration `yaml:"sla_low" env:"SLA_LOW"`
	// SLA 检查间隔
	MonitorInterval time.Duration `yaml:"monitor_interval" env:"MONITOR_INTERVAL"`
}

// StorageConfig 各组件的存储后端
type StorageConfig struct {
	// 任务、升级项、审计、交易记录: memory, database
	Backend string `yaml:"backend" env:"BACKEND"`
	// 预算账本: memory, redis, database
	Ledger string `yaml:"ledger" env:"LEDGER"`
	// 熔断器状态: memory, redis
	Breakers string `yaml:"breakers" env:"BREAKERS"`
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
	// 启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
	// TLS 私有 CA 证书（PEM）
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
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
	// 数据库名，sqlite 时为文件路径
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
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 指标导出间隔，0 使用 SDK 默认值
	ExportInterval time.Duration `yaml:"export_interval" env:"EXPORT_INTERVAL"`
	// collector 的 CA 证书，为空时使用明文 gRPC
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
}

// JWTConfig JWT 认证配置。Secret 为空时关闭认证，
// 此时解决升级项的请求必须自带 resolved_by。
type JWTConfig struct {
	// HMAC 签名密钥
	Secret string `yaml:"secret" env:"SECRET"`
	// 签发者
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// 受众
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// CapabilitiesConfig 远端能力端点。能力名到 URL 的映射只能通过 YAML 配置
type CapabilitiesConfig struct {
	// 能力名 → HTTP 端点
	Endpoints map[string]string `yaml:"endpoints" env:"-"`
	// 钱包端点，为空时不执行经济类任务
	WalletURL string `yaml:"wallet_url" env:"WALLET_URL"`
	// 单次 HTTP 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 以 Bearer 形式附带的访问令牌
	AuthToken string `yaml:"auth_token" env:"AUTH_TOKEN"`
	// 私有 CA 证书（PEM），为空时使用系统根证书
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
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
		envPrefix:  "CHIMERA",
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
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
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

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
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
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
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
