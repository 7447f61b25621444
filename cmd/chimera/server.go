package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/BaSui01/chimera/api/handlers"
	"github.com/BaSui01/chimera/capability"
	"github.com/BaSui01/chimera/config"
	"github.com/BaSui01/chimera/governance/audit"
	"github.com/BaSui01/chimera/governance/budget"
	"github.com/BaSui01/chimera/governance/hitl"
	"github.com/BaSui01/chimera/governance/judge"
	"github.com/BaSui01/chimera/internal/database"
	"github.com/BaSui01/chimera/internal/metrics"
	"github.com/BaSui01/chimera/internal/pool"
	"github.com/BaSui01/chimera/internal/redisconn"
	"github.com/BaSui01/chimera/internal/server"
	"github.com/BaSui01/chimera/internal/telemetry"
	"github.com/BaSui01/chimera/internal/tlsutil"
	"github.com/BaSui01/chimera/resilience/circuitbreaker"
	"github.com/BaSui01/chimera/resilience/retry"
	"github.com/BaSui01/chimera/scheduler"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装治理引擎的全部组件，并在一个 errgroup 中运行
// 调度循环、SLA 监控、连接池健康检查、API 与 Metrics 服务器。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	promReg   *prometheus.Registry
	collector *metrics.Collector

	// 存储
	db     *gorm.DB
	dbPool *database.PoolManager
	redis  *redisconn.Manager

	// 引擎组件
	audit     *audit.Log
	breakers  *circuitbreaker.Manager
	queue     *hitl.Queue
	governor  *budget.Governor
	router    *judge.Router
	retry     *retry.Controller
	workers   *pool.WorkerPool
	registry  *capability.Registry
	scheduler *scheduler.Scheduler

	mux            *http.ServeMux
	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer 创建服务器，组件在 Build 中初始化
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Server{cfg: cfg, logger: logger, promReg: reg}
}

// =============================================================================
// 🔧 组装
// =============================================================================

// Build 按配置初始化存储与全部组件。失败时已打开的连接由 Close 释放。
func (s *Server) Build(ctx context.Context) error {
	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers
	s.collector = metrics.NewCollectorWith(s.promReg, "chimera", s.logger)

	if err := s.openStorage(ctx); err != nil {
		return err
	}
	if err := s.buildEngine(); err != nil {
		return err
	}

	recovered, err := s.scheduler.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("recovered unfinished tasks", zap.Int("count", recovered))
	}
	suspended, err := s.governor.Suspensions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load actor suspensions: %w", err)
	}
	for _, sus := range suspended {
		s.logger.Warn("actor remains suspended",
			zap.String("actor_id", sus.ActorID),
			zap.String("reason", sus.Reason),
			zap.Time("since", sus.SuspendedAt),
		)
	}

	s.buildHTTP()
	return nil
}

// openStorage 打开配置中用到的数据库与 Redis 连接
func (s *Server) openStorage(ctx context.Context) error {
	if s.cfg.UsesDatabase() {
		db, err := database.Open(s.cfg.Database.Driver, s.cfg.Database.DSN(), s.logger)
		if err != nil {
			return err
		}
		s.db = db

		poolCfg := database.DefaultPoolConfig()
		poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
		poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
		poolCfg.ConnMaxLifetime = s.cfg.Database.ConnMaxLifetime
		s.dbPool, err = database.NewPoolManager(db, poolCfg, s.logger,
			database.WithStatsReporter(func(st database.PoolStats) {
				s.collector.RecordDBConnections(s.cfg.Database.Driver, st.OpenConnections, st.Idle)
			}),
		)
		if err != nil {
			return err
		}
		if err := s.dbPool.Ping(ctx); err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
	}

	if s.cfg.UsesRedis() {
		rc := redisconn.DefaultConfig()
		rc.Addr = s.cfg.Redis.Addr
		rc.Password = s.cfg.Redis.Password
		rc.DB = s.cfg.Redis.DB
		rc.PoolSize = s.cfg.Redis.PoolSize
		rc.MinIdleConns = s.cfg.Redis.MinIdleConns
		if s.cfg.Redis.TLS {
			tlsCfg, err := tlsutil.ClientConfig(s.cfg.Redis.CAFile)
			if err != nil {
				return fmt.Errorf("redis tls: %w", err)
			}
			rc.TLS = tlsCfg
		}
		m, err := redisconn.NewManager(ctx, rc, s.logger,
			redisconn.WithStatsReporter(func(st redisconn.Stats) {
				s.collector.RecordDBConnections("redis", int(st.TotalConns), int(st.IdleConns))
			}),
		)
		if err != nil {
			return err
		}
		s.redis = m
	}
	return nil
}

// migrator 是各 GORM 存储共有的建表方法
type migrator interface {
	AutoMigrate() error
}

func (s *Server) buildEngine() error {
	cfg := s.cfg
	useDB := cfg.Storage.Backend == "database"

	var migrators []migrator

	// 审计日志
	var auditStore audit.Store = audit.NewMemoryStore()
	if useDB {
		st := audit.NewGormStore(s.db)
		auditStore, migrators = st, append(migrators, st)
	}
	s.audit = audit.NewLog(auditStore, s.logger)

	// 熔断器
	breakerOpts := []circuitbreaker.ManagerOption{
		circuitbreaker.WithStateChangeHook(s.collector.BreakerStateChanged),
	}
	if cfg.Storage.Breakers == "redis" {
		breakerOpts = append(breakerOpts,
			circuitbreaker.WithStore(circuitbreaker.NewRedisStateStore(s.redis.Client(), cfg.Redis.KeyPrefix+"breaker:")))
	}
	for name, dc := range cfg.BreakerOverrides() {
		breakerOpts = append(breakerOpts, circuitbreaker.WithDependencyConfig(name, dc))
	}
	s.breakers = circuitbreaker.NewManager(cfg.BreakerDefaults(), s.logger, breakerOpts...)

	// 人工升级队列
	var hitlStore hitl.Store = hitl.NewMemoryStore()
	if useDB {
		st := hitl.NewGormStore(s.db)
		hitlStore, migrators = st, append(migrators, st)
	}
	s.queue = hitl.NewQueue(hitlStore, s.logger,
		hitl.WithSLA(cfg.SLA()),
		hitl.WithAudit(s.audit),
		hitl.WithObserver(s.collector),
	)

	// 预算治理
	// 挂起登记与账本同一后端，内存账本配合数据库存储时落库
	var (
		ledger      budget.LedgerStore
		suspensions budget.SuspensionStore
	)
	switch cfg.Storage.Ledger {
	case "redis":
		ledger = budget.NewRedisLedgerStore(s.redis.Client(), cfg.Redis.KeyPrefix, cfg.Budget.LedgerTTL)
		suspensions = budget.NewRedisSuspensionStore(s.redis.Client(), cfg.Redis.KeyPrefix)
	case "database":
		st := budget.NewGormLedgerStore(s.db)
		ledger, migrators = st, append(migrators, st)
	default:
		ledger = budget.NewMemoryLedgerStore()
	}
	if suspensions == nil && s.db != nil {
		st := budget.NewGormSuspensionStore(s.db)
		suspensions, migrators = st, append(migrators, st)
	}
	budgetOpts := []budget.Option{
		budget.WithEscalator(s.queue),
		budget.WithAudit(s.audit),
		budget.WithObserver(s.collector),
	}
	if suspensions != nil {
		budgetOpts = append(budgetOpts, budget.WithSuspensionStore(suspensions))
	}
	if useDB {
		st := budget.NewGormTransactionStore(s.db)
		budgetOpts, migrators = append(budgetOpts, budget.WithTransactionStore(st)), append(migrators, st)
	}
	governor, err := budget.NewGovernor(cfg.BudgetConfig(), ledger, s.logger, budgetOpts...)
	if err != nil {
		return fmt.Errorf("failed to create budget governor: %w", err)
	}
	s.governor = governor

	// 置信度路由
	router, err := judge.NewRouter(cfg.JudgeConfig(), s.queue, s.logger,
		judge.WithAudit(s.audit),
		judge.WithObserver(s.collector),
	)
	if err != nil {
		return fmt.Errorf("failed to create judge router: %w", err)
	}
	s.router = router

	// 重试控制
	s.retry = retry.NewController(cfg.RetryPolicy(), s.breakers, s.logger,
		retry.WithEscalator(s.queue),
		retry.WithActorSuspender(s.governor),
		retry.WithAudit(s.audit),
		retry.WithObserver(s.collector),
	)

	s.workers = pool.NewWorkerPool(pool.WorkerPoolConfig{MaxWorkers: cfg.Scheduler.Workers}, s.logger)

	// 远端能力
	s.registry = capability.NewRegistry()
	wallet, err := s.registerCapabilities()
	if err != nil {
		return err
	}

	// 调度器
	var schedOpts []scheduler.Option
	if useDB {
		st := scheduler.NewGormStore(s.db)
		schedOpts, migrators = append(schedOpts, scheduler.WithStore(st)), append(migrators, st)
	}
	schedOpts = append(schedOpts,
		scheduler.WithAudit(s.audit),
		scheduler.WithObserver(s.collector),
	)

	for _, m := range migrators {
		if err := m.AutoMigrate(); err != nil {
			return fmt.Errorf("database auto-migrate failed: %w", err)
		}
	}

	deps := scheduler.Deps{
		Capabilities: s.registry,
		Router:       s.router,
		Retry:        s.retry,
		Workers:      s.workers,
		Governor:     s.governor,
		Queue:        s.queue,
	}
	if wallet != nil {
		deps.Wallet = wallet
	}
	sched, err := scheduler.New(cfg.SchedulerConfig(), deps, s.logger, schedOpts...)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.scheduler = sched
	return nil
}

// registerCapabilities 注册配置中的远端能力，返回钱包（未配置时为 nil）
func (s *Server) registerCapabilities() (*capability.RemoteWallet, error) {
	cc := s.cfg.Capabilities
	client, err := tlsutil.HTTPClient(cc.Timeout, cc.CAFile)
	if err != nil {
		return nil, fmt.Errorf("capability tls: %w", err)
	}
	opts := []capability.RemoteOption{capability.WithHTTPClient(client)}
	if cc.AuthToken != "" {
		opts = append(opts, capability.WithHeader("Authorization", "Bearer "+cc.AuthToken))
	}

	names := make([]string, 0, len(cc.Endpoints))
	for name := range cc.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.registry.Register(capability.NewRemote(name, cc.Endpoints[name], opts...)); err != nil {
			return nil, fmt.Errorf("failed to register capability %s: %w", name, err)
		}
	}
	if len(names) == 0 {
		s.logger.Warn("no capabilities configured, every submitted task will be rejected")
	} else {
		s.logger.Info("capabilities registered", zap.Strings("names", names))
	}

	if cc.WalletURL == "" {
		s.logger.Info("wallet not configured, economic transactions will fail")
		return nil, nil
	}
	return capability.NewRemoteWallet(cc.WalletURL, opts...), nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) buildHTTP() {
	mux := http.NewServeMux()
	s.mux = mux

	health := handlers.NewHealthHandler(s.logger)
	if s.dbPool != nil {
		health.RegisterCheck(handlers.NewCheck("database", func(ctx context.Context) error {
			// 后台检查已判定不健康时不再额外探测
			if ok, err := s.dbPool.Healthy(); !ok {
				return err
			}
			return s.dbPool.Ping(ctx)
		}))
	}
	if s.redis != nil {
		health.RegisterCheck(handlers.NewCheck("redis", s.redis.Ping))
	}
	health.Register(mux, handlers.VersionInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit})

	handlers.NewTaskHandler(s.scheduler, s.logger).Register(mux)
	handlers.NewEscalationHandler(s.queue, s.logger).Register(mux)
	handlers.NewBreakerHandler(s.breakers, s.logger).Register(mux)
	handlers.NewBudgetHandler(s.governor, s.logger).Register(mux)

	if s.cfg.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{Registry: s.promReg}))
		s.metricsManager = server.NewManager(metricsMux, server.Config{
			Name:            "metrics",
			Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			ReadTimeout:     s.cfg.Server.ReadTimeout,
			WriteTimeout:    s.cfg.Server.WriteTimeout,
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		}, s.logger)
	}
}

// handler 构建中间件链。JWT 未配置时不做认证，限流按 IP 计数。
func (s *Server) handler(ctx context.Context, mux http.Handler) http.Handler {
	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
	}
	if s.cfg.JWT.Secret != "" {
		skip := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
		chain = append(chain, JWTAuth(s.cfg.JWT, skip, s.logger))
	} else {
		s.logger.Warn("jwt.secret not set, API authentication disabled")
	}
	chain = append(chain, RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	return Chain(mux, chain...)
}

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run 运行全部后台循环与服务器，直到 ctx 取消或任一组件失败
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	s.httpManager = server.NewManager(s.handler(gctx, s.mux), server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	g.Go(func() error { return s.scheduler.Run(gctx) })
	g.Go(func() error { return s.queue.MonitorSLA(gctx, s.cfg.HITL.MonitorInterval) })
	if s.dbPool != nil {
		g.Go(func() error { return s.dbPool.Run(gctx) })
	}
	if s.redis != nil {
		g.Go(func() error { return s.redis.Run(gctx) })
	}
	g.Go(func() error { return s.httpManager.Run(gctx) })
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Run(gctx) })
	}

	s.logger.Info("chimera started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("storage", s.cfg.Storage.Backend),
		zap.String("ledger", s.cfg.Storage.Ledger),
		zap.String("breakers", s.cfg.Storage.Breakers),
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Close 依次排空 worker、关闭遥测与存储连接
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.workers != nil {
		if err := s.workers.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("workers: %w", err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
