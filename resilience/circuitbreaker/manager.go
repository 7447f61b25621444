package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager 按依赖名称管理熔断器。同名依赖共享同一份存储状态。
type Manager struct {
	defaults  *Config
	overrides map[string]*Config
	store     StateStore
	now       func() time.Time
	logger    *zap.Logger

	onStateChange func(name string, from, to State)

	mu       sync.Mutex
	breakers map[string]*breaker
}

// ManagerOption 配置 Manager
type ManagerOption func(*Manager)

// WithStore 设置共享状态存储（默认进程内存储）
func WithStore(store StateStore) ManagerOption {
	return func(m *Manager) { m.store = store }
}

// WithDependencyConfig 为指定依赖设置独立配置
func WithDependencyConfig(name string, cfg *Config) ManagerOption {
	return func(m *Manager) { m.overrides[name] = cfg }
}

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithStateChangeHook 注册状态变更回调，对所有依赖生效
func WithStateChangeHook(fn func(name string, from, to State)) ManagerOption {
	return func(m *Manager) { m.onStateChange = fn }
}

// NewManager 创建熔断器管理器
func NewManager(defaults *Config, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if defaults == nil {
		defaults = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		defaults:  defaults,
		overrides: make(map[string]*Config),
		now:       time.Now,
		logger:    logger,
		breakers:  make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryStateStore()
	}
	return m
}

// Breaker 返回依赖对应的熔断器，首次访问时创建
func (m *Manager) Breaker(name string) CircuitBreaker {
	return m.get(name)
}

func (m *Manager) get(name string) *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}

	cfg := m.defaults
	if o, ok := m.overrides[name]; ok && o != nil {
		cfg = o
	}
	c := *cfg
	userHook := c.OnStateChange
	c.OnStateChange = func(n string, from, to State) {
		if userHook != nil {
			userHook(n, from, to)
		}
		if m.onStateChange != nil {
			m.onStateChange(n, from, to)
		}
	}

	b := newBreaker(name, &c, m.store, m.now, m.logger)
	m.breakers[name] = b
	return b
}

// Call 通过指定依赖的熔断器执行 fn
func (m *Manager) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return m.get(name).Call(ctx, fn)
}

// CallWithResult 通过指定依赖的熔断器执行 fn 并返回结果
func (m *Manager) CallWithResult(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	return m.get(name).CallWithResult(ctx, fn)
}

// Snapshot 返回依赖当前状态
func (m *Manager) Snapshot(ctx context.Context, name string) (Snapshot, error) {
	return m.get(name).Snapshot(ctx)
}

// Reset 将依赖熔断器重置为 closed
func (m *Manager) Reset(ctx context.Context, name string) error {
	return m.get(name).Reset(ctx)
}

// Names 返回已访问过的依赖名称
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.breakers))
	for n := range m.breakers {
		names = append(names, n)
	}
	return names
}
