package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("pool is closed")

// =============================================================================
// 🗄️ 存储连接池
// =============================================================================

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// 后台检查间隔，0 表示不检查
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	// 连续失败多少次后标记为不健康
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        10,
		MaxOpenConns:        100,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		FailureThreshold:    3,
	}
}

// Validate 校验连接池配置
func (c PoolConfig) Validate() error {
	switch {
	case c.MaxOpenConns <= 0:
		return fmt.Errorf("max_open_conns must be positive")
	case c.MaxIdleConns <= 0:
		return fmt.Errorf("max_idle_conns must be positive")
	case c.MaxIdleConns > c.MaxOpenConns:
		return fmt.Errorf("max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns)
	case c.ConnMaxLifetime < 0, c.ConnMaxIdleTime < 0, c.HealthCheckInterval < 0:
		return fmt.Errorf("durations must not be negative")
	case c.FailureThreshold < 0:
		return fmt.Errorf("failure_threshold must not be negative")
	}
	return nil
}

// PoolManager 持有任务、升级、账本与审计存储共用的 *sql.DB，
// 后台周期检查连通性并上报连接数。
type PoolManager struct {
	sqlDB    *sql.DB
	config   PoolConfig
	reporter func(PoolStats)
	logger   *zap.Logger

	mu       sync.RWMutex
	closed   bool
	failures int
	lastErr  error
}

// PoolOption 连接池选项
type PoolOption func(*PoolManager)

// WithStatsReporter 每次检查成功后上报统计信息
func WithStatsReporter(fn func(PoolStats)) PoolOption {
	return func(pm *PoolManager) { pm.reporter = fn }
}

// NewPoolManager 按配置设置 db 的连接池参数。后台检查由 Run 驱动。
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger, opts ...PoolOption) (*PoolManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pm := &PoolManager{
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "db_pool")),
	}
	for _, opt := range opts {
		opt(pm)
	}

	pm.logger.Info("database pool configured",
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Duration("conn_max_lifetime", config.ConnMaxLifetime),
	)
	return pm, nil
}

// Ping 直接探测数据库，供就绪检查使用
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Healthy 后台检查的结论。连续失败未达到阈值前仍视为健康。
func (pm *PoolManager) Healthy() (bool, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return false, ErrPoolClosed
	}
	if pm.failures >= pm.config.FailureThreshold {
		return false, pm.lastErr
	}
	return true, nil
}

// Close 关闭连接池，可重复调用
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil
	}
	pm.closed = true
	pm.logger.Info("closing database pool")
	return pm.sqlDB.Close()
}

// =============================================================================
// 🏥 后台检查
// =============================================================================

// Run 周期检查，直到 ctx 结束或连接池关闭
func (pm *PoolManager) Run(ctx context.Context) error {
	if pm.config.HealthCheckInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := pm.checkHealth(ctx); errors.Is(err, ErrPoolClosed) {
				return nil
			}
		}
	}
}

func (pm *PoolManager) checkHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := pm.Ping(ctx)
	if errors.Is(err, ErrPoolClosed) {
		return err
	}

	pm.mu.Lock()
	prev := pm.failures
	if err != nil {
		pm.failures++
		pm.lastErr = err
	} else {
		pm.failures = 0
		pm.lastErr = nil
	}
	failures, threshold := pm.failures, pm.config.FailureThreshold
	pm.mu.Unlock()

	if err != nil {
		if failures == threshold {
			pm.logger.Error("database marked unhealthy", zap.Int("consecutive_failures", failures), zap.Error(err))
		} else {
			pm.logger.Warn("database health check failed", zap.Int("consecutive_failures", failures), zap.Error(err))
		}
		return err
	}
	if prev >= threshold {
		pm.logger.Info("database recovered", zap.Int("failed_checks", prev))
	}

	stats := pm.Stats()
	pm.logger.Debug("database health check passed",
		zap.Int("open_connections", stats.OpenConnections),
		zap.Int("in_use", stats.InUse),
		zap.Int("idle", stats.Idle),
	)
	if pm.reporter != nil {
		pm.reporter(stats)
	}
	return nil
}

// =============================================================================
// 📊 统计
// =============================================================================

// PoolStats 连接池统计
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// Stats 返回当前连接池统计
func (pm *PoolManager) Stats() PoolStats {
	s := pm.sqlDB.Stats()
	return PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
	}
}
