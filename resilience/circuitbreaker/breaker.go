package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chimera/types"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int `yaml:"threshold" json:"threshold"`

	// Timeout 调用方未设置 deadline 时的单次调用超时
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// ResetTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`

	// HalfOpenMaxCalls 半开状态下允许的最大请求数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls"`

	// OnStateChange 状态变更回调
	OnStateChange func(name string, from State, to State) `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Threshold:        5,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// FinancialConfig 返回资金类依赖的配置，恢复等待更长。
func FinancialConfig() *Config {
	cfg := DefaultConfig()
	cfg.ResetTimeout = 300 * time.Second
	return cfg
}

func (c *Config) normalize() {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
}

// CircuitBreaker 熔断器接口
type CircuitBreaker interface {
	// Call 执行调用，如果熔断器打开则返回 *CircuitOpenError 且不调用 fn
	Call(ctx context.Context, fn func(ctx context.Context) error) error

	// CallWithResult 执行调用并返回结果
	CallWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error)

	// Snapshot 获取当前状态
	Snapshot(ctx context.Context) (Snapshot, error)

	// Reset 重置熔断器（手动恢复）
	Reset(ctx context.Context) error
}

// maxSwapAttempts bounds the CAS retry loop under heavy contention.
const maxSwapAttempts = 64

// breaker 熔断器实现。自身不持有状态，所有读写经由 StateStore。
type breaker struct {
	name   string
	config *Config
	store  StateStore
	now    func() time.Time
	logger *zap.Logger
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(name string, config *Config, store StateStore, logger *zap.Logger) CircuitBreaker {
	return newBreaker(name, config, store, time.Now, logger)
}

func newBreaker(name string, config *Config, store StateStore, now func() time.Time, logger *zap.Logger) *breaker {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	cfg.normalize()

	if store == nil {
		store = NewMemoryStateStore()
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &breaker{
		name:   name,
		config: &cfg,
		store:  store,
		now:    now,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("dependency", name)),
	}
}

// Call 实现 CircuitBreaker.Call
func (b *breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// CallWithResult 实现 CircuitBreaker.CallWithResult
// 核心逻辑：状态机转换 + 失败计数 + 超时控制。
// 调用方 ctx 已带 deadline 时以调用方为准，不再叠加 Config.Timeout。
func (b *breaker) CallWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := b.beforeCall(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := b.callContext(ctx)
	defer cancel()

	// 调用结束后的状态写入不受调用方 ctx 取消影响
	stateCtx := context.WithoutCancel(ctx)

	resultCh := make(chan callResult, 1)
	go func() {
		result, err := fn(callCtx)
		resultCh <- callResult{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		// 调用方主动取消不计入失败
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			b.release(stateCtx)
			return nil, ctx.Err()
		}
		err := types.NewTimeoutError(fmt.Sprintf("call to %s timed out", b.name)).
			WithDependency(b.name).
			WithCause(callCtx.Err())
		b.afterCall(stateCtx, false)
		return nil, err

	case res := <-resultCh:
		if res.err != nil && !countsAsFailure(res.err) {
			// 非依赖故障（参数校验、鉴权等）不影响熔断状态
			b.release(stateCtx)
			return nil, res.err
		}
		b.afterCall(stateCtx, res.err == nil)
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	}
}

type callResult struct {
	result any
	err    error
}

func (b *breaker) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.config.Timeout)
}

// countsAsFailure 瞬时与严重错误代表依赖异常；永久错误是调用方的问题。
func countsAsFailure(err error) bool {
	switch types.KindOf(err) {
	case types.KindTransient, types.KindCritical:
		return true
	}
	return false
}

// update 以 CAS 方式读改写状态。mutate 返回 false 表示无需写入。
func (b *breaker) update(ctx context.Context, mutate func(cur Snapshot) (Snapshot, bool, error)) (Snapshot, error) {
	for i := 0; i < maxSwapAttempts; i++ {
		cur, err := b.store.Load(ctx, b.name)
		if err != nil {
			return Snapshot{}, err
		}
		next, write, err := mutate(cur)
		if err != nil || !write {
			return cur, err
		}
		ok, err := b.store.CompareAndSwap(ctx, b.name, cur.Version, next)
		if err != nil {
			return Snapshot{}, err
		}
		if ok {
			next.Version = cur.Version + 1
			if cur.State != next.State {
				b.notify(cur.State, next.State)
			}
			return next, nil
		}
	}
	return Snapshot{}, fmt.Errorf("breaker %s: state contention", b.name)
}

// beforeCall 调用前检查
func (b *breaker) beforeCall(ctx context.Context) error {
	_, err := b.update(ctx, func(cur Snapshot) (Snapshot, bool, error) {
		now := b.now()
		switch cur.State {
		case StateClosed:
			return cur, false, nil

		case StateOpen:
			retryAt := cur.TransitionedAt.Add(b.config.ResetTimeout)
			if now.Before(retryAt) {
				return cur, false, newCircuitOpenError(b.name, retryAt)
			}
			next := cur
			next.State = StateHalfOpen
			next.TransitionedAt = now
			next.HalfOpenCalls = 1
			return next, true, nil

		case StateHalfOpen:
			if cur.HalfOpenCalls >= b.config.HalfOpenMaxCalls {
				// 探测调用长时间未回报（如进程崩溃）时重新放行
				if now.Sub(cur.TransitionedAt) < b.config.ResetTimeout+b.config.Timeout {
					return cur, false, newCircuitOpenError(b.name, cur.TransitionedAt.Add(b.config.Timeout))
				}
				next := cur
				next.TransitionedAt = now
				next.HalfOpenCalls = 1
				return next, true, nil
			}
			next := cur
			next.HalfOpenCalls++
			return next, true, nil

		default:
			return cur, false, fmt.Errorf("未知的熔断器状态: %v", cur.State)
		}
	})
	if err != nil {
		var openErr *CircuitOpenError
		if !errors.As(err, &openErr) {
			// 状态存储不可用时放行
			b.logger.Warn("熔断器状态读取失败，放行调用", zap.Error(err))
			return nil
		}
	}
	return err
}

// afterCall 调用后处理
func (b *breaker) afterCall(ctx context.Context, success bool) {
	var err error
	if success {
		_, err = b.update(ctx, b.onSuccess)
	} else {
		_, err = b.update(ctx, b.onFailure)
	}
	if err != nil {
		b.logger.Warn("熔断器状态更新失败", zap.Bool("success", success), zap.Error(err))
	}
}

// release 归还半开探测名额，不改变状态
func (b *breaker) release(ctx context.Context) {
	_, err := b.update(ctx, func(cur Snapshot) (Snapshot, bool, error) {
		if cur.State != StateHalfOpen || cur.HalfOpenCalls == 0 {
			return cur, false, nil
		}
		next := cur
		next.HalfOpenCalls--
		return next, true, nil
	})
	if err != nil {
		b.logger.Warn("熔断器状态更新失败", zap.Error(err))
	}
}

// onSuccess 处理成功调用
func (b *breaker) onSuccess(cur Snapshot) (Snapshot, bool, error) {
	switch cur.State {
	case StateClosed:
		if cur.Failures == 0 {
			return cur, false, nil
		}
		next := cur
		next.Failures = 0
		return next, true, nil

	case StateHalfOpen:
		b.logger.Info("熔断器恢复正常", zap.Int("half_open_calls", cur.HalfOpenCalls))
		return Snapshot{State: StateClosed, TransitionedAt: b.now()}, true, nil

	default:
		// 打开之前已放行的调用，结果不改变状态
		return cur, false, nil
	}
}

// onFailure 处理失败调用
func (b *breaker) onFailure(cur Snapshot) (Snapshot, bool, error) {
	next := cur
	switch cur.State {
	case StateClosed:
		next.Failures++
		if next.Failures >= b.config.Threshold {
			b.logger.Warn("熔断器打开",
				zap.Int("failure_count", next.Failures),
				zap.Int("threshold", b.config.Threshold),
			)
			next.State = StateOpen
			next.TransitionedAt = b.now()
		}
		return next, true, nil

	case StateHalfOpen:
		b.logger.Warn("熔断器半开状态失败，重新打开", zap.Int("half_open_calls", cur.HalfOpenCalls))
		next.Failures++
		next.State = StateOpen
		next.TransitionedAt = b.now()
		next.HalfOpenCalls = 0
		return next, true, nil

	default:
		return cur, false, nil
	}
}

func (b *breaker) notify(from, to State) {
	b.logger.Info("熔断器状态变更", zap.String("from", from.String()), zap.String("to", to.String()))
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, from, to)
	}
}

// Snapshot 实现 CircuitBreaker.Snapshot
func (b *breaker) Snapshot(ctx context.Context) (Snapshot, error) {
	return b.store.Load(ctx, b.name)
}

// Reset 实现 CircuitBreaker.Reset
func (b *breaker) Reset(ctx context.Context) error {
	_, err := b.update(ctx, func(cur Snapshot) (Snapshot, bool, error) {
		return Snapshot{State: StateClosed, TransitionedAt: b.now()}, true, nil
	})
	if err != nil {
		return err
	}
	b.logger.Info("熔断器已重置")
	return nil
}

// ErrCircuitOpen 可用 errors.Is 匹配所有 *CircuitOpenError
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError 熔断器拒绝调用时返回，依赖未被调用。
type CircuitOpenError struct {
	Dependency string
	RetryAt    time.Time
	tagged     *types.Error
}

func newCircuitOpenError(name string, retryAt time.Time) *CircuitOpenError {
	return &CircuitOpenError{
		Dependency: name,
		RetryAt:    retryAt,
		tagged: types.NewError(types.ErrCircuitOpen, "circuit open for "+name).
			WithDependency(name).
			WithCause(ErrCircuitOpen),
	}
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Dependency, e.RetryAt.Format(time.RFC3339))
}

// Unwrap exposes the tagged *types.Error so classification sees CIRCUIT_OPEN.
func (e *CircuitOpenError) Unwrap() error {
	return e.tagged
}
