package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chimera/governance/audit"
	"github.com/BaSui01/chimera/governance/hitl"
	"github.com/BaSui01/chimera/resilience/circuitbreaker"
	"github.com/BaSui01/chimera/types"
)

// Call 描述一次受控的外部调用
type Call struct {
	Dependency string
	TaskID     string
	ActorID    string
	Priority   types.Priority
	// Economic 为真时瞬时错误重试耗尽也会升级人工处理
	Economic bool
	// Timeout 单次尝试的超时，0 表示只受熔断器超时约束
	Timeout time.Duration
	Summary string
}

// ActorSuspender 挂起经济主体，由预算治理器实现
type ActorSuspender interface {
	SuspendActor(ctx context.Context, actorID, reason string) error
}

// Observer 接收重试事件
type Observer interface {
	RetryAttempted(dependency string, kind types.ErrorKind)
	RetryExhausted(dependency string)
}

// Failure 是 Controller 放弃调用时返回的错误，包装最后一次的原始错误。
type Failure struct {
	Dependency string
	Kind       types.ErrorKind
	Attempts   int
	// Escalation 若已创建人工升级则非空
	Escalation *hitl.Item
	// SuspendTask 为真时调用方必须挂起发起任务
	SuspendTask bool
	Err         error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure calling %s after %d attempt(s): %v", f.Kind, f.Dependency, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from the chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Controller 重试控制器：所有尝试都经过熔断器管理器
type Controller struct {
	policy    RetryPolicy
	breakers  *circuitbreaker.Manager
	escalator hitl.Escalator
	suspender ActorSuspender
	audit     audit.Recorder
	observer  Observer
	logger    *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration
}

// Option 配置 Controller
type Option func(*Controller)

// WithEscalator 设置人工升级入口
func WithEscalator(e hitl.Escalator) Option {
	return func(c *Controller) { c.escalator = e }
}

// WithActorSuspender 设置主体挂起器
func WithActorSuspender(s ActorSuspender) Option {
	return func(c *Controller) { c.suspender = s }
}

// WithAudit 设置审计记录器
func WithAudit(rec audit.Recorder) Option {
	return func(c *Controller) { c.audit = rec }
}

// WithObserver 设置事件观察者
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithSleep 替换等待函数，测试用
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithJitter 替换抖动源，测试用
func WithJitter(fn func(limit time.Duration) time.Duration) Option {
	return func(c *Controller) { c.jitter = fn }
}

// NewController 创建重试控制器。breakers 为 nil 时直接调用依赖。
func NewController(policy *RetryPolicy, breakers *circuitbreaker.Manager, logger *zap.Logger, opts ...Option) *Controller {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	p := *policy
	p.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		policy:   p,
		breakers: breakers,
		audit:    audit.Discard,
		logger:   logger.With(zap.String("component", "retry")),
		sleep:    sleepContext,
		jitter:   randomJitter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy 返回生效的策略副本
func (c *Controller) Policy() RetryPolicy {
	return c.policy
}

// Do 执行调用，失败时按错误分类处理
func (c *Controller) Do(ctx context.Context, call Call, fn func(ctx context.Context) error) error {
	_, err := c.DoWithResult(ctx, call, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// DoWithResult 核心循环：瞬时错误退避重试，限流错误等待上报时长，
// 永久与严重错误立即返回并按类别升级或挂起。
func (c *Controller) DoWithResult(ctx context.Context, call Call, fn func(ctx context.Context) (any, error)) (any, error) {
	var (
		retries     int
		rateRetries int
		attempts    int
	)

	for {
		attempts++
		result, err := c.invoke(ctx, call, fn)
		if err == nil {
			if attempts > 1 {
				c.logger.Info("retry succeeded",
					zap.String("dependency", call.Dependency),
					zap.String("task_id", call.TaskID),
					zap.Int("attempts", attempts),
				)
			}
			return result, nil
		}

		// 调用方取消：不再重试，也不升级
		if ctx.Err() != nil {
			return nil, err
		}

		kind := types.KindOf(err)
		switch kind {
		case types.KindCritical:
			return nil, c.handleCritical(ctx, call, attempts, err)
		case types.KindPermanent:
			return nil, c.handlePermanent(ctx, call, attempts, err)
		}

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, c.exhausted(ctx, call, attempts, err)
		}

		var delay time.Duration
		if types.GetErrorCode(err).IsRateLimit() {
			if rateRetries >= c.policy.RateLimitMaxRetries {
				return nil, c.exhausted(ctx, call, attempts, err)
			}
			delay = c.policy.RateLimitDelay(err, rateRetries)
			rateRetries++
		} else {
			if retries >= c.policy.MaxRetries {
				return nil, c.exhausted(ctx, call, attempts, err)
			}
			delay = c.policy.Delay(retries, c.jitter)
			retries++
		}

		c.logger.Debug("retrying",
			zap.String("dependency", call.Dependency),
			zap.String("task_id", call.TaskID),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if c.policy.OnRetry != nil {
			c.policy.OnRetry(attempts, err, delay)
		}
		if c.observer != nil {
			c.observer.RetryAttempted(call.Dependency, kind)
		}

		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, fmt.Errorf("retry of %s cancelled: %w", call.Dependency, serr)
		}
	}
}

func (c *Controller) invoke(ctx context.Context, call Call, fn func(ctx context.Context) (any, error)) (any, error) {
	callCtx := ctx
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	if c.breakers != nil && call.Dependency != "" {
		return c.breakers.CallWithResult(callCtx, call.Dependency, fn)
	}

	result, err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		if _, tagged := types.AsError(err); !tagged {
			err = types.NewTimeoutError(fmt.Sprintf("call to %s exceeded %s", call.Dependency, call.Timeout)).
				WithDependency(call.Dependency).
				WithCause(err)
		}
	}
	return result, err
}

// handleCritical 挂起主体并同步创建最高级别升级后返回
func (c *Controller) handleCritical(ctx context.Context, call Call, attempts int, err error) error {
	f := &Failure{
		Dependency:  call.Dependency,
		Kind:        types.KindCritical,
		Attempts:    attempts,
		SuspendTask: true,
		Err:         err,
	}

	c.logger.Error("critical failure",
		zap.String("dependency", call.Dependency),
		zap.String("task_id", call.TaskID),
		zap.String("actor_id", call.ActorID),
		zap.Error(err),
	)

	reason := fmt.Sprintf("critical %s from %s", types.GetErrorCode(err), call.Dependency)
	if call.ActorID != "" && c.suspender != nil {
		if serr := c.suspender.SuspendActor(ctx, call.ActorID, reason); serr != nil {
			c.logger.Error("actor suspension failed", zap.String("actor_id", call.ActorID), zap.Error(serr))
		}
	}

	f.Escalation = c.escalate(ctx, call, types.SeverityCritical, hitl.ReasonCriticalFailure, attempts, err)
	c.record(ctx, call, "retry.critical", attempts, err)
	return f
}

// handlePermanent 永久错误不重试；鉴权失败挂起主体，预算与内容策略类升级
func (c *Controller) handlePermanent(ctx context.Context, call Call, attempts int, err error) error {
	f := &Failure{
		Dependency: call.Dependency,
		Kind:       types.KindPermanent,
		Attempts:   attempts,
		Err:        err,
	}

	base := types.SeverityForPriority(call.Priority)
	switch code := types.GetErrorCode(err); code {
	case types.ErrAuthentication, types.ErrUnauthorized:
		if call.ActorID != "" && c.suspender != nil {
			if serr := c.suspender.SuspendActor(ctx, call.ActorID, "authentication failure at "+call.Dependency); serr != nil {
				c.logger.Error("actor suspension failed", zap.String("actor_id", call.ActorID), zap.Error(serr))
			}
		}
		f.Escalation = c.escalate(ctx, call, base.Max(types.SeverityHigh), hitl.ReasonAuthentication, attempts, err)
	case types.ErrBudgetExceeded:
		f.Escalation = c.escalate(ctx, call, base.Max(types.SeverityHigh), hitl.ReasonBudgetLimit, attempts, err)
	case types.ErrContentPolicy, types.ErrContentSafetyViolation:
		f.Escalation = c.escalate(ctx, call, base.Max(types.SeverityMedium), hitl.ReasonContentPolicy, attempts, err)
	}

	c.logger.Warn("permanent failure",
		zap.String("dependency", call.Dependency),
		zap.String("task_id", call.TaskID),
		zap.Error(err),
	)
	c.record(ctx, call, "retry.permanent", attempts, err)
	return f
}

// exhausted 瞬时错误重试耗尽（或熔断打开）；仅经济类调用升级
func (c *Controller) exhausted(ctx context.Context, call Call, attempts int, err error) error {
	f := &Failure{
		Dependency: call.Dependency,
		Kind:       types.KindTransient,
		Attempts:   attempts,
		Err:        err,
	}

	c.logger.Warn("retries exhausted",
		zap.String("dependency", call.Dependency),
		zap.String("task_id", call.TaskID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	if c.observer != nil {
		c.observer.RetryExhausted(call.Dependency)
	}
	if call.Economic {
		sev := types.SeverityForPriority(call.Priority).Max(types.SeverityHigh)
		f.Escalation = c.escalate(ctx, call, sev, hitl.ReasonRetryExhausted, attempts, err)
	}
	c.record(ctx, call, "retry.exhausted", attempts, err)
	return f
}

func (c *Controller) escalate(ctx context.Context, call Call, sev types.Severity, reason hitl.Reason, attempts int, err error) *hitl.Item {
	if c.escalator == nil {
		c.logger.Warn("no escalator configured, escalation dropped",
			zap.String("task_id", call.TaskID),
			zap.String("reason", string(reason)),
		)
		return nil
	}

	summary := call.Summary
	if summary == "" {
		summary = fmt.Sprintf("%s calling %s", reason, call.Dependency)
	}
	item, eerr := c.escalator.Escalate(context.WithoutCancel(ctx), hitl.Request{
		TaskID:   call.TaskID,
		ActorID:  call.ActorID,
		Severity: sev,
		Reason:   reason,
		Summary:  summary,
		Context: map[string]any{
			"dependency": call.Dependency,
			"code":       string(types.GetErrorCode(err)),
			"kind":       string(types.KindOf(err)),
			"error":      err.Error(),
			"attempts":   attempts,
		},
	})
	if eerr != nil {
		c.logger.Error("escalation failed",
			zap.String("task_id", call.TaskID),
			zap.String("reason", string(reason)),
			zap.Error(eerr),
		)
		return nil
	}
	return item
}

func (c *Controller) record(ctx context.Context, call Call, action string, attempts int, err error) {
	if _, aerr := c.audit.Record(context.WithoutCancel(ctx), audit.Entry{
		Category:  audit.CategoryRetry,
		Action:    action,
		TaskID:    call.TaskID,
		ActorID:   call.ActorID,
		Subject:   call.Dependency,
		Exception: action != "retry.exhausted",
		Details: map[string]any{
			"code":     string(types.GetErrorCode(err)),
			"attempts": attempts,
		},
	}); aerr != nil {
		c.logger.Error("audit write failed", zap.String("task_id", call.TaskID), zap.Error(aerr))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
