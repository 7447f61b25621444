// =============================================================================
// 📦 Chimera 默认配置
// =============================================================================
// 默认值与各组件包自身的 DefaultConfig 保持一致
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/chimera/governance/judge"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Scheduler:    DefaultSchedulerConfig(),
		Breaker:      DefaultBreakerConfig(),
		Retry:        DefaultRetryConfig(),
		Judge:        DefaultJudgeConfig(),
		Budget:       DefaultBudgetConfig(),
		HITL:         DefaultHITLConfig(),
		Storage:      DefaultStorageConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
		JWT:          JWTConfig{Issuer: "chimera"},
		Capabilities: DefaultCapabilitiesConfig(),
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
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultSchedulerConfig 返回默认调度配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:           8,
		TickInterval:      time.Second,
		StarvationCeiling: 5 * time.Minute,
		AllowedPlatforms:  []string{"twitter", "instagram", "tiktok", "youtube_shorts"},
		Timeouts: KindTimeouts{
			ContentCreation:     45 * time.Second,
			TrendAnalysis:       15 * time.Second,
			SocialEngagement:    5 * time.Second,
			EconomicTransaction: 30 * time.Second,
		},
		WalletDependency: "wallet",
	}
}

// DefaultBreakerConfig 返回默认熔断配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:             5,
		Timeout:               30 * time.Second,
		ResetTimeout:          60 * time.Second,
		HalfOpenMaxCalls:      1,
		FinancialResetTimeout: 300 * time.Second,
	}
}

// DefaultRetryConfig 返回默认重试策略
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:          3,
		BaseDelay:           time.Second,
		MaxDelay:            30 * time.Second,
		Multiplier:          2.0,
		JitterMax:           500 * time.Millisecond,
		RateLimitMaxRetries: 1,
		RateLimitBuffer:     time.Second,
	}
}

// DefaultJudgeConfig 返回默认路由配置
func DefaultJudgeConfig() JudgeConfig {
	d := judge.DefaultConfig()
	return JudgeConfig{
		AutoApprove:    d.Thresholds.AutoApprove,
		Review:         d.Thresholds.Review,
		MandatoryFlags: d.Thresholds.MandatoryFlags,
		CriticalFlags:  d.CriticalFlags,
		MaxReattempts:  d.MaxReattempts,
	}
}

// DefaultBudgetConfig 返回默认预算配置：每日 $50，单笔 $20
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		DefaultDailyCeiling:  50,
		GlobalMaxTransaction: 20,
		VelocityBurst:        20,
		VelocityWindow:       time.Hour,
		AlertThreshold:       0.8,
		EscalateRejections:   true,
		LedgerTTL:            48 * time.Hour,
	}
}

// DefaultHITLConfig 返回默认升级队列配置
func DefaultHITLConfig() HITLConfig {
	return HITLConfig{
		SLACritical:     5 * time.Minute,
		SLAHigh:         30 * time.Minute,
		SLAMedium:       4 * time.Hour,
		SLALow:          24 * time.Hour,
		MonitorInterval: time.Minute,
	}
}

// DefaultStorageConfig 默认全部使用内存存储
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:  "memory",
		Ledger:   "memory",
		Breakers: "memory",
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
		KeyPrefix:    "chimera:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "chimera",
		Password:        "",
		Name:            "chimera",
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
		ServiceName:  "chimera",
		SampleRate:   0.1,
	}
}

// DefaultCapabilitiesConfig 默认不注册任何远端能力
func DefaultCapabilitiesConfig() CapabilitiesConfig {
	return CapabilitiesConfig{
		Endpoints: map[string]string{},
		Timeout:   60 * time.Second,
	}
}
