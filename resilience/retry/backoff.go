// Package retry 按错误分类决定外部调用是否、何时重试，以及失败后的升级与挂起。
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/BaSui01/chimera/types"
)

// RetryPolicy 定义重试策略配置
type RetryPolicy struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"` // 瞬时错误最大重试次数（0 表示不重试）
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`   // 首次重试的基准延迟
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`     // 延迟上限
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`   // 指数退避倍数
	JitterMax  time.Duration `yaml:"jitter_max" json:"jitter_max"`   // 随机抖动上限，0 表示不抖动

	// 限流错误单独计数：等待依赖报告的时长再加缓冲。
	// RateLimitMaxRetries 是首次之后的重试次数，默认 1 即最多尝试 2 次
	RateLimitMaxRetries int           `yaml:"rate_limit_max_retries" json:"rate_limit_max_retries"`
	RateLimitBuffer     time.Duration `yaml:"rate_limit_buffer" json:"rate_limit_buffer"`

	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultRetryPolicy 返回默认的重试策略
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:          3,
		BaseDelay:           1 * time.Second,
		MaxDelay:            30 * time.Second,
		Multiplier:          2.0,
		JitterMax:           500 * time.Millisecond,
		RateLimitMaxRetries: 1,
		RateLimitBuffer:     1 * time.Second,
	}
}

func (p *RetryPolicy) normalize() {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.JitterMax < 0 {
		p.JitterMax = 0
	}
	if p.RateLimitMaxRetries < 0 {
		p.RateLimitMaxRetries = 0
	}
	if p.RateLimitBuffer < 0 {
		p.RateLimitBuffer = 0
	}
}

// BackoffDelay 不含抖动的第 attempt 次重试延迟（attempt 从 0 开始）：
// min(base × multiplier^attempt, max)
func (p *RetryPolicy) BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay 带抖动的延迟：min(backoff + random(0, jitter), max)
func (p *RetryPolicy) Delay(attempt int, jitter func(limit time.Duration) time.Duration) time.Duration {
	d := p.BackoffDelay(attempt)
	if p.JitterMax > 0 && jitter != nil {
		d += jitter(p.JitterMax)
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// RateLimitDelay 限流等待：依赖报告的时长加缓冲；未报告时退化为指数退避
func (p *RetryPolicy) RateLimitDelay(err error, attempt int) time.Duration {
	if e, ok := types.AsError(err); ok && e.RetryAfter > 0 {
		return e.RetryAfter + p.RateLimitBuffer
	}
	return p.BackoffDelay(attempt) + p.RateLimitBuffer
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}
