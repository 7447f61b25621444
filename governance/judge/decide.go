// Package judge 根据置信度与安全标记决定任务结果的去向。
//
// Decide 是纯函数；升级、审计等副作用由 Router 负责。
package judge

import "slices"

// Decision 路由结果
type Decision string

const (
	DecisionAutoApproved Decision = "auto_approved"
	DecisionHumanReview  Decision = "human_review"
	DecisionRejected     Decision = "rejected"
)

// 结果标记
const (
	FlagSensitiveTopic      = "sensitive_topic"
	FlagUnverifiedRecipient = "unverified_recipient"
	FlagBrandSafety         = "brand_safety"
	FlagSecurity            = "security"
	FlagFinancial           = "financial"
)

// Thresholds 决策阈值
type Thresholds struct {
	// AutoApprove 不低于该值自动通过
	AutoApprove float64 `yaml:"auto_approve" json:"auto_approve"`
	// Review 不低于该值进入人工审核，低于则拒绝
	Review float64 `yaml:"review" json:"review"`
	// MandatoryFlags 出现任一标记必须人工审核
	MandatoryFlags []string `yaml:"mandatory_flags" json:"mandatory_flags"`
}

// DefaultThresholds 返回默认阈值
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoApprove: 0.90,
		Review:      0.70,
		MandatoryFlags: []string{
			FlagSensitiveTopic,
			FlagUnverifiedRecipient,
			FlagBrandSafety,
			FlagSecurity,
			FlagFinancial,
		},
	}
}

// Decide 按顺序应用决策规则：强制标记 > 自动通过 > 人工审核 > 拒绝
func Decide(confidence float64, flags []string, th Thresholds) Decision {
	if HasMandatoryFlag(flags, th) {
		return DecisionHumanReview
	}
	switch {
	case confidence >= th.AutoApprove:
		return DecisionAutoApproved
	case confidence >= th.Review:
		return DecisionHumanReview
	default:
		return DecisionRejected
	}
}

// HasMandatoryFlag reports whether any flag forces human review.
func HasMandatoryFlag(flags []string, th Thresholds) bool {
	for _, f := range flags {
		if slices.Contains(th.MandatoryFlags, f) {
			return true
		}
	}
	return false
}
