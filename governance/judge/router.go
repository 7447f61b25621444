package judge

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/BaSui01/chimera/governance/audit"
	"github.com/BaSui01/chimera/governance/hitl"
	"github.com/BaSui01/chimera/types"
)

// Config 路由器配置
type Config struct {
	Thresholds Thresholds `yaml:"thresholds" json:"thresholds"`

	// MaxReattempts 拒绝后允许的重新执行次数，用尽后任务失败
	MaxReattempts int `yaml:"max_reattempts" json:"max_reattempts"`

	// CriticalFlags 命中即进入最高审核级别
	CriticalFlags []string `yaml:"critical_flags" json:"critical_flags"`

	Rules []Rule `yaml:"rules" json:"rules"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Thresholds:    DefaultThresholds(),
		MaxReattempts: 3,
		CriticalFlags: []string{FlagSecurity, FlagFinancial, FlagUnverifiedRecipient},
	}
}

// Input 待评估的任务结果。Payload 只供规则读取，不会被保留。
type Input struct {
	TaskID     string
	ActorID    string
	Kind       string
	Platform   string
	Priority   types.Priority
	Confidence float64
	Flags      []string
	Attempt    int
	Summary    string
	Payload    map[string]any
}

// Feedback 拒绝时返回给调度器的结构化反馈
type Feedback struct {
	Confidence        float64  `json:"confidence"`
	Required          float64  `json:"required"`
	Attempt           int      `json:"attempt"`
	RemainingAttempts int      `json:"remaining_attempts"`
	Flags             []string `json:"flags,omitempty"`
	Message           string   `json:"message"`
}

// Outcome 路由结果
type Outcome struct {
	Decision   Decision       `json:"decision"`
	Flags      []string       `json:"flags,omitempty"`
	Severity   types.Severity `json:"severity"`
	Escalation *hitl.Item     `json:"escalation,omitempty"`
	Feedback   *Feedback      `json:"feedback,omitempty"`
	// Retry 为真表示任务应带着反馈重新执行
	Retry bool `json:"retry"`
}

// Observer 接收路由事件
type Observer interface {
	RoutingDecided(decision string)
}

// Router 置信度路由器
type Router struct {
	cfg       Config
	rules     *RuleSet
	escalator hitl.Escalator
	audit     audit.Recorder
	observer  Observer
	logger    *zap.Logger
}

// Option 配置 Router
type Option func(*Router)

// WithAudit 设置审计记录器
func WithAudit(rec audit.Recorder) Option {
	return func(r *Router) { r.audit = rec }
}

// WithObserver 设置事件观察者
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

// NewRouter 创建路由器并编译规则
func NewRouter(cfg *Config, escalator hitl.Escalator, logger *zap.Logger, opts ...Option) (*Router, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if escalator == nil {
		return nil, fmt.Errorf("judge: escalator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := *cfg
	if c.MaxReattempts < 0 {
		c.MaxReattempts = 0
	}
	if c.Thresholds.Review > c.Thresholds.AutoApprove {
		return nil, fmt.Errorf("judge: review threshold %.2f exceeds auto-approve threshold %.2f",
			c.Thresholds.Review, c.Thresholds.AutoApprove)
	}

	rules, err := CompileRules(c.Rules)
	if err != nil {
		return nil, err
	}

	r := &Router{
		cfg:       c,
		rules:     rules,
		escalator: escalator,
		audit:     audit.Discard,
		logger:    logger.With(zap.String("component", "judge")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Evaluate 评估任务结果并执行路由副作用（人工审核升级、审计）
func (r *Router) Evaluate(ctx context.Context, in Input) (*Outcome, error) {
	if in.Confidence < 0 || in.Confidence > 1 {
		return nil, types.NewError(types.ErrSchemaValidation,
			fmt.Sprintf("confidence %.3f outside [0,1]", in.Confidence))
	}
	if in.Attempt < 1 {
		in.Attempt = 1
	}

	flags := r.effectiveFlags(in)
	out := &Outcome{
		Decision: Decide(in.Confidence, flags, r.cfg.Thresholds),
		Flags:    flags,
	}

	switch out.Decision {
	case DecisionHumanReview:
		out.Severity = r.severity(in.Priority, flags)
		reason := hitl.ReasonConfidenceReview
		if HasMandatoryFlag(flags, r.cfg.Thresholds) {
			reason = hitl.ReasonMandatoryFlag
		}
		item, err := r.escalator.Escalate(ctx, hitl.Request{
			TaskID:   in.TaskID,
			ActorID:  in.ActorID,
			Severity: out.Severity,
			Reason:   reason,
			Summary:  reviewSummary(in, flags),
			Context: map[string]any{
				"kind":       in.Kind,
				"platform":   in.Platform,
				"confidence": in.Confidence,
				"flags":      flags,
				"attempt":    in.Attempt,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("judge: escalate task %s: %w", in.TaskID, err)
		}
		out.Escalation = item

	case DecisionRejected:
		remaining := r.cfg.MaxReattempts - (in.Attempt - 1)
		if remaining < 0 {
			remaining = 0
		}
		out.Retry = remaining > 0
		out.Feedback = &Feedback{
			Confidence:        in.Confidence,
			Required:          r.cfg.Thresholds.Review,
			Attempt:           in.Attempt,
			RemainingAttempts: remaining,
			Flags:             flags,
			Message: fmt.Sprintf("confidence %.2f below review threshold %.2f",
				in.Confidence, r.cfg.Thresholds.Review),
		}
		if out.Retry {
			out.Feedback.RemainingAttempts = remaining - 1
		}
	}

	r.logger.Info("routing decided",
		zap.String("task_id", in.TaskID),
		zap.String("decision", string(out.Decision)),
		zap.Float64("confidence", in.Confidence),
		zap.Strings("flags", flags),
		zap.Int("attempt", in.Attempt),
	)
	if r.observer != nil {
		r.observer.RoutingDecided(string(out.Decision))
	}

	details := map[string]any{
		"decision":   string(out.Decision),
		"confidence": in.Confidence,
		"attempt":    in.Attempt,
	}
	if len(flags) > 0 {
		details["flags"] = flags
	}
	if out.Escalation != nil {
		details["escalation_id"] = out.Escalation.ID
	}
	if _, err := r.audit.Record(ctx, audit.Entry{
		Category: audit.CategoryRouting,
		Action:   "routing.decided",
		TaskID:   in.TaskID,
		ActorID:  in.ActorID,
		Details:  details,
	}); err != nil {
		r.logger.Error("audit write failed", zap.String("task_id", in.TaskID), zap.Error(err))
	}

	return out, nil
}

func (r *Router) effectiveFlags(in Input) []string {
	flags := slices.Clone(in.Flags)
	if r.rules.Len() == 0 {
		return flags
	}

	hits, errs := r.rules.Evaluate(RuleInput{
		Confidence: in.Confidence,
		Flags:      in.Flags,
		Kind:       in.Kind,
		Platform:   in.Platform,
		Priority:   in.Priority.String(),
		Attempt:    in.Attempt,
		Payload:    in.Payload,
	})
	for _, err := range errs {
		r.logger.Warn("escalation rule failed, treating as matched", zap.String("task_id", in.TaskID), zap.Error(err))
	}
	for _, f := range hits {
		if !slices.Contains(flags, f) {
			flags = append(flags, f)
		}
	}
	return flags
}

// severity 审核级别：任务优先级为基准，强制标记至少 high，安全/资金类标记为 critical
func (r *Router) severity(p types.Priority, flags []string) types.Severity {
	sev := types.SeverityForPriority(p)
	for _, f := range flags {
		if slices.Contains(r.cfg.CriticalFlags, f) {
			return types.SeverityCritical
		}
		if slices.Contains(r.cfg.Thresholds.MandatoryFlags, f) {
			sev = sev.Max(types.SeverityHigh)
		}
	}
	return sev
}

func reviewSummary(in Input, flags []string) string {
	if in.Summary != "" {
		return in.Summary
	}
	if len(flags) > 0 {
		return fmt.Sprintf("%s result flagged %v (confidence %.2f)", in.Kind, flags, in.Confidence)
	}
	return fmt.Sprintf("%s result needs review (confidence %.2f)", in.Kind, in.Confidence)
}
