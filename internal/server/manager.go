package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAlreadyRun Run 只能调用一次
var ErrAlreadyRun = errors.New("server already run")

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// Manager 负责单个 http.Server 从监听到排空关闭的完整生命周期。
// serve 进程里 API 与 /metrics 各用一个 Manager，均由 errgroup 驱动。
type Manager struct {
	srv    *http.Server
	config Config
	logger *zap.Logger

	once     sync.Once
	ready    chan struct{}
	mu       sync.RWMutex
	listener net.Listener
}

// Config 服务器配置
type Config struct {
	// 名称，仅用于日志区分 api / metrics
	Name string `yaml:"name" json:"name"`
	Addr string `yaml:"addr" json:"addr"`

	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 排空进行中请求的上限，超时后强制关闭连接
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Name:            "http",
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 15 * time.Second,
	}
}

// NewManager 创建服务器，监听在 Run 中进行
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "http"
	}
	return &Manager{
		srv: &http.Server{
			Addr:           config.Addr,
			Handler:        handler,
			ReadTimeout:    config.ReadTimeout,
			WriteTimeout:   config.WriteTimeout,
			IdleTimeout:    config.IdleTimeout,
			MaxHeaderBytes: config.MaxHeaderBytes,
		},
		config: config,
		ready:  make(chan struct{}),
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", config.Name)),
	}
}

// Run 监听并服务，阻塞到 ctx 结束或服务异常退出，随后排空关闭。
// ctx 取消导致的正常退出返回 nil。
func (m *Manager) Run(ctx context.Context) error {
	err := ErrAlreadyRun
	m.once.Do(func() { err = m.run(ctx) })
	return err
}

func (m *Manager) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("%s server: failed to listen on %s: %w", m.config.Name, m.config.Addr, err)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()
	close(m.ready)
	m.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var failure error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			m.logger.Error("HTTP server failed", zap.Error(err))
			failure = fmt.Errorf("%s server: %w", m.config.Name, err)
		}
	}
	return errors.Join(failure, m.drain())
}

// drain ctx 已取消，使用独立的超时上下文
func (m *Manager) drain() error {
	ctx := context.Background()
	if m.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()
	}

	m.logger.Info("draining HTTP server")
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Warn("drain timed out, closing connections", zap.Error(err))
		_ = m.srv.Close()
		return fmt.Errorf("%s server shutdown: %w", m.config.Name, err)
	}
	m.logger.Info("HTTP server stopped")
	return nil
}

// Ready 开始监听后关闭
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Addr 实际监听地址；未监听时返回配置地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}
