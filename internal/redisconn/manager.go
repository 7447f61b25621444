package redisconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 🔌 Redis 连接管理器
// =============================================================================

// ErrClosed 管理器已关闭
var ErrClosed = errors.New("redis connection manager is closed")

// Manager 持有进程内共享的 Redis 客户端。熔断器状态与预算账本共用同一个连接池。
type Manager struct {
	client   *redis.Client
	config   Config
	reporter func(Stats)
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// Config 连接配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 健康检查间隔，0 表示 Run 只等待 ctx 结束
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	// 非 nil 时使用 TLS 连接
	TLS *tls.Config `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认连接配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Option 管理器选项
type Option func(*Manager)

// WithStatsReporter 每次健康检查成功后上报连接池统计
func WithStatsReporter(fn func(Stats)) Option {
	return func(m *Manager) { m.reporter = fn }
}

// NewManager 创建客户端并确认连接可用
func NewManager(ctx context.Context, config Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		TLSConfig:    config.TLS,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "redis")),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.logger.Info("redis connected",
		zap.String("addr", config.Addr),
		zap.Int("db", config.DB),
		zap.Bool("tls", config.TLS != nil),
		zap.Int("pool_size", config.PoolSize),
	)
	return m, nil
}

// Client 返回底层客户端，供各 Redis 存储使用
func (m *Manager) Client() *redis.Client {
	return m.client
}

// Ping 检查连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	return m.client.Ping(ctx).Err()
}

// Close 关闭连接池，重复调用无副作用
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("closing redis connection")
	return m.client.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// Run 周期性健康检查，直到 ctx 结束或管理器关闭
func (m *Manager) Run(ctx context.Context) error {
	if m.config.HealthCheckInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.checkHealth(ctx); errors.Is(err, ErrClosed) {
				return nil
			}
		}
	}
}

func (m *Manager) checkHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := m.Ping(ctx); err != nil {
		if !errors.Is(err, ErrClosed) {
			m.logger.Error("redis health check failed", zap.Error(err))
		}
		return err
	}
	if m.reporter != nil {
		m.reporter(m.GetStats())
	}
	return nil
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// Stats 连接池统计
type Stats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
	StaleConns uint32 `json:"stale_conns"`
}

// GetStats 返回连接池统计
func (m *Manager) GetStats() Stats {
	ps := m.client.PoolStats()
	return Stats{
		Hits:       ps.Hits,
		Misses:     ps.Misses,
		Timeouts:   ps.Timeouts,
		TotalConns: ps.TotalConns,
		IdleConns:  ps.IdleConns,
		StaleConns: ps.StaleConns,
	}
}
