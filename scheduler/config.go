package scheduler

import (
	"fmt"
	"slices"
	"time"
)

// 支持的发布平台
const (
	PlatformTwitter       = "twitter"
	PlatformInstagram     = "instagram"
	PlatformTikTok        = "tiktok"
	PlatformYouTubeShorts = "youtube_shorts"
)

// Config 调度器配置
type Config struct {
	// TickInterval 调度循环间隔，提交与状态变化也会立即唤醒
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`
	// StarvationCeiling 等待超过该时长的任务提升一级优先级，0 表示关闭
	StarvationCeiling time.Duration `yaml:"starvation_ceiling" json:"starvation_ceiling"`
	// AllowedPlatforms 允许的目标平台
	AllowedPlatforms []string `yaml:"allowed_platforms" json:"allowed_platforms"`
	// KindTimeouts 每类任务单次能力调用的默认超时
	KindTimeouts map[Kind]time.Duration `yaml:"kind_timeouts" json:"kind_timeouts"`
	// WalletDependency 支付调用在熔断器中的依赖名
	WalletDependency string `yaml:"wallet_dependency" json:"wallet_dependency"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		TickInterval:      time.Second,
		StarvationCeiling: 5 * time.Minute,
		AllowedPlatforms: []string{
			PlatformTwitter,
			PlatformInstagram,
			PlatformTikTok,
			PlatformYouTubeShorts,
		},
		KindTimeouts: map[Kind]time.Duration{
			KindContentCreation:     45 * time.Second,
			KindTrendAnalysis:       15 * time.Second,
			KindSocialEngagement:    5 * time.Second,
			KindEconomicTransaction: 30 * time.Second,
		},
		WalletDependency: "wallet",
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("scheduler: tick_interval must be positive")
	}
	if c.StarvationCeiling < 0 {
		return fmt.Errorf("scheduler: starvation_ceiling must not be negative")
	}
	if len(c.AllowedPlatforms) == 0 {
		return fmt.Errorf("scheduler: allowed_platforms must not be empty")
	}
	for k, d := range c.KindTimeouts {
		if !k.Valid() {
			return fmt.Errorf("scheduler: unknown task kind %q in kind_timeouts", k)
		}
		if d <= 0 {
			return fmt.Errorf("scheduler: timeout for %s must be positive", k)
		}
	}
	return nil
}

func (c *Config) platformAllowed(p string) bool {
	return slices.Contains(c.AllowedPlatforms, p)
}

// timeoutFor 任务自带超时优先，否则按任务类型
func (c *Config) timeoutFor(spec Spec) time.Duration {
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	return c.KindTimeouts[spec.Kind]
}
