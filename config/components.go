package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/BaSui01/chimera/governance/budget"
	"github.com/BaSui01/chimera/governance/hitl"
	"github.com/BaSui01/chimera/governance/judge"
	"github.com/BaSui01/chimera/resilience/circuitbreaker"
	"github.com/BaSui01/chimera/resilience/retry"
	"github.com/BaSui01/chimera/scheduler"
	"github.com/BaSui01/chimera/types"
)

// =============================================================================
// 🔄 转换为各组件配置
// =============================================================================

// SchedulerConfig 转换为 scheduler.Config
func (c *Config) SchedulerConfig() *scheduler.Config {
	s := c.Scheduler
	return &scheduler.Config{
		TickInterval:      s.TickInterval,
		StarvationCeiling: s.StarvationCeiling,
		AllowedPlatforms:  slices.Clone(s.AllowedPlatforms),
		KindTimeouts: map[scheduler.Kind]time.Duration{
			scheduler.KindContentCreation:     s.Timeouts.ContentCreation,
			scheduler.KindTrendAnalysis:       s.Timeouts.TrendAnalysis,
			scheduler.KindSocialEngagement:    s.Timeouts.SocialEngagement,
			scheduler.KindEconomicTransaction: s.Timeouts.EconomicTransaction,
		},
		WalletDependency: s.WalletDependency,
	}
}

// BreakerDefaults 返回默认熔断配置
func (c *Config) BreakerDefaults() *circuitbreaker.Config {
	b := c.Breaker
	return &circuitbreaker.Config{
		Threshold:        b.Threshold,
		Timeout:          b.Timeout,
		ResetTimeout:     b.ResetTimeout,
		HalfOpenMaxCalls: b.HalfOpenMaxCalls,
	}
}

// BreakerOverrides 返回按依赖覆盖的熔断配置。支付依赖总是使用资金类恢复时间，
// 除非显式覆盖。
func (c *Config) BreakerOverrides() map[string]*circuitbreaker.Config {
	out := make(map[string]*circuitbreaker.Config, len(c.Breaker.Dependencies)+1)

	wallet := c.BreakerDefaults()
	wallet.ResetTimeout = c.Breaker.FinancialResetTimeout
	out[c.Scheduler.WalletDependency] = wallet

	for name, o := range c.Breaker.Dependencies {
		base, ok := out[name]
		if !ok {
			base = c.BreakerDefaults()
		}
		if o.Threshold > 0 {
			base.Threshold = o.Threshold
		}
		if o.Timeout > 0 {
			base.Timeout = o.Timeout
		}
		if o.ResetTimeout > 0 {
			base.ResetTimeout = o.ResetTimeout
		}
		if o.HalfOpenMaxCalls > 0 {
			base.HalfOpenMaxCalls = o.HalfOpenMaxCalls
		}
		out[name] = base
	}
	return out
}

// RetryPolicy 转换为 retry.RetryPolicy
func (c *Config) RetryPolicy() *retry.RetryPolicy {
	r := c.Retry
	return &retry.RetryPolicy{
		MaxRetries:          r.MaxRetries,
		BaseDelay:           r.BaseDelay,
		MaxDelay:            r.MaxDelay,
		Multiplier:          r.Multiplier,
		JitterMax:           r.JitterMax,
		RateLimitMaxRetries: r.RateLimitMaxRetries,
		RateLimitBuffer:     r.RateLimitBuffer,
	}
}

// JudgeConfig 转换为 judge.Config
func (c *Config) JudgeConfig() *judge.Config {
	j := c.Judge
	return &judge.Config{
		Thresholds: judge.Thresholds{
			AutoApprove:    j.AutoApprove,
			Review:         j.Review,
			MandatoryFlags: slices.Clone(j.MandatoryFlags),
		},
		MaxReattempts: j.MaxReattempts,
		CriticalFlags: slices.Clone(j.CriticalFlags),
		Rules:         slices.Clone(j.Rules),
	}
}

// BudgetConfig 转换为 budget.Config，美元换算为美分
func (c *Config) BudgetConfig() *budget.Config {
	b := c.Budget
	out := &budget.Config{
		DefaultDailyCeiling:  budget.Dollars(b.DefaultDailyCeiling),
		GlobalMaxTransaction: budget.Dollars(b.GlobalMaxTransaction),
		VelocityBurst:        b.VelocityBurst,
		VelocityWindow:       b.VelocityWindow,
		AlertThreshold:       b.AlertThreshold,
		EscalateRejections:   b.EscalateRejections,
	}
	if len(b.ActorCeilings) > 0 {
		out.ActorCeilings = make(map[string]budget.Amount, len(b.ActorCeilings))
		for actor, v := range b.ActorCeilings {
			out.ActorCeilings[actor] = budget.Dollars(v)
		}
	}
	if len(b.CategoryCaps) > 0 {
		out.CategoryCaps = make(map[string]budget.Amount, len(b.CategoryCaps))
		for cat, v := range b.CategoryCaps {
			out.CategoryCaps[cat] = budget.Dollars(v)
		}
	}
	return out
}

// SLA 转换为 hitl.SLA
func (c *Config) SLA() hitl.SLA {
	h := c.HITL
	return hitl.SLA{
		types.SeverityCritical: h.SLACritical,
		types.SeverityHigh:     h.SLAHigh,
		types.SeverityMedium:   h.SLAMedium,
		types.SeverityLow:      h.SLALow,
	}
}

// =============================================================================
// ✅ 配置验证
// =============================================================================

var (
	storageBackends = []string{"memory", "database"}
	ledgerBackends  = []string{"memory", "redis", "database"}
	breakerBackends = []string{"memory", "redis"}
	logFormats      = []string{"json", "console"}
)

// Validate 验证配置，汇总所有问题后一并返回
func (c *Config) Validate() error {
	var errs []string

	// 服务器
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, "rate limit must not be negative")
	}

	// 调度
	if c.Scheduler.Workers <= 0 {
		errs = append(errs, "scheduler.workers must be positive")
	}
	if c.Scheduler.WalletDependency == "" {
		errs = append(errs, "scheduler.wallet_dependency must not be empty")
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	// 熔断与重试
	if c.Breaker.Threshold <= 0 {
		errs = append(errs, "breaker.threshold must be positive")
	}
	if c.Breaker.ResetTimeout <= 0 || c.Breaker.FinancialResetTimeout <= 0 {
		errs = append(errs, "breaker reset timeouts must be positive")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.RateLimitMaxRetries < 0 {
		errs = append(errs, "retry counts must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, "retry.max_delay must not be less than retry.base_delay")
	}

	// 路由
	if c.Judge.AutoApprove < 0 || c.Judge.AutoApprove > 1 || c.Judge.Review < 0 || c.Judge.Review > 1 {
		errs = append(errs, "judge thresholds must be within [0,1]")
	}
	if c.Judge.Review > c.Judge.AutoApprove {
		errs = append(errs, "judge.review must not exceed judge.auto_approve")
	}
	if c.Judge.MaxReattempts < 0 {
		errs = append(errs, "judge.max_reattempts must not be negative")
	}

	// 预算
	if err := c.BudgetConfig().Validate(); err != nil {
		errs = append(errs, "budget: "+err.Error())
	}

	// 升级队列
	for sev, d := range c.SLA() {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("hitl sla for %s must be positive", sev))
		}
	}

	// 存储
	if !slices.Contains(storageBackends, c.Storage.Backend) {
		errs = append(errs, fmt.Sprintf("unknown storage.backend %q", c.Storage.Backend))
	}
	if !slices.Contains(ledgerBackends, c.Storage.Ledger) {
		errs = append(errs, fmt.Sprintf("unknown storage.ledger %q", c.Storage.Ledger))
	}
	if !slices.Contains(breakerBackends, c.Storage.Breakers) {
		errs = append(errs, fmt.Sprintf("unknown storage.breakers %q", c.Storage.Breakers))
	}
	if c.UsesDatabase() && c.Database.DSN() == "" {
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	// 远端能力
	for name, u := range c.Capabilities.Endpoints {
		if !validEndpoint(u) {
			errs = append(errs, fmt.Sprintf("capabilities.endpoints.%s: invalid URL %q", name, u))
		}
	}
	if c.Capabilities.WalletURL != "" && !validEndpoint(c.Capabilities.WalletURL) {
		errs = append(errs, fmt.Sprintf("capabilities.wallet_url: invalid URL %q", c.Capabilities.WalletURL))
	}
	if c.Capabilities.Timeout < 0 {
		errs = append(errs, "capabilities.timeout must not be negative")
	}

	// 日志
	if !slices.Contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return errors.New("config validation errors: " + strings.Join(errs, "; "))
	}
	return nil
}

// UsesDatabase 是否有组件使用数据库存储
func (c *Config) UsesDatabase() bool {
	return c.Storage.Backend == "database" || c.Storage.Ledger == "database"
}

// UsesRedis 是否有组件使用 Redis 存储
func (c *Config) UsesRedis() bool {
	return c.Storage.Ledger == "redis" || c.Storage.Breakers == "redis"
}

func validEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
