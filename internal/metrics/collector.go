// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/chimera/resilience/circuitbreaker"
	"github.com/BaSui01/chimera/types"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。同时实现 scheduler、judge、retry、budget、hitl 的 Observer
// 接口，以及熔断器状态变更回调。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 任务指标
	tasksSubmitted   *prometheus.CounterVec
	taskTransitions  *prometheus.CounterVec
	routingDecisions *prometheus.CounterVec

	// 韧性指标
	retriesTotal       *prometheus.CounterVec
	retriesExhausted   *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	// 预算指标
	authorizations *prometheus.CounterVec
	spendDollars   *prometheus.CounterVec

	// 升级队列指标
	escalationsCreated  *prometheus.CounterVec
	escalationsResolved *prometheus.CounterVec
	escalationWait      *prometheus.HistogramVec
	escalationsPending  *prometheus.GaugeVec
	escalationsOverdue  *prometheus.GaugeVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，指标注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith 在指定 Registerer 上创建指标收集器
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 任务指标
	c.tasksSubmitted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of submitted tasks",
		},
		[]string{"kind"},
	)

	c.taskTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_state_transitions_total",
			Help:      "Total number of task state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.routingDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Total number of confidence routing decisions",
		},
		[]string{"decision"},
	)

	// 韧性指标
	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retried dependency calls",
		},
		[]string{"dependency", "kind"},
	)

	c.retriesExhausted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_exhausted_total",
			Help:      "Total number of dependency calls that exhausted retries",
		},
		[]string{"dependency"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half_open)",
		},
		[]string{"dependency"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"dependency", "from_state", "to_state"},
	)

	// 预算指标
	c.authorizations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_authorizations_total",
			Help:      "Total number of budget authorization decisions",
		},
		[]string{"category", "outcome"},
	)

	c.spendDollars = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_spend_dollars_total",
			Help:      "Total authorized spend in USD",
		},
		[]string{"category"},
	)

	// 升级队列指标
	c.escalationsCreated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_created_total",
			Help:      "Total number of created escalations",
		},
		[]string{"severity", "reason"},
	)

	c.escalationsResolved = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_resolved_total",
			Help:      "Total number of resolved escalations",
		},
		[]string{"severity", "outcome"},
	)

	c.escalationWait = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "escalation_wait_seconds",
			Help:      "Time from escalation creation to resolution",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 4 * 3600, 24 * 3600},
		},
		[]string{"severity"},
	)

	c.escalationsPending = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escalations_pending",
			Help:      "Number of pending escalations observed by this process",
		},
		[]string{"severity"},
	)

	c.escalationsOverdue = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escalations_overdue",
			Help:      "Number of pending escalations past their SLA target",
		},
		[]string{"severity"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 📋 任务与路由
// =============================================================================

// TaskSubmitted 实现 scheduler.Observer
func (c *Collector) TaskSubmitted(kind string) {
	c.tasksSubmitted.WithLabelValues(kind).Inc()
}

// TaskTransitioned 实现 scheduler.Observer
func (c *Collector) TaskTransitioned(from, to string) {
	c.taskTransitions.WithLabelValues(from, to).Inc()
}

// RoutingDecided 实现 judge.Observer
func (c *Collector) RoutingDecided(decision string) {
	c.routingDecisions.WithLabelValues(decision).Inc()
}

// =============================================================================
// 🛡️ 重试与熔断
// =============================================================================

// RetryAttempted 实现 retry.Observer
func (c *Collector) RetryAttempted(dependency string, kind types.ErrorKind) {
	c.retriesTotal.WithLabelValues(dependency, string(kind)).Inc()
}

// RetryExhausted 实现 retry.Observer
func (c *Collector) RetryExhausted(dependency string) {
	c.retriesExhausted.WithLabelValues(dependency).Inc()
}

// BreakerStateChanged 作为 circuitbreaker.WithStateChangeHook 的回调
func (c *Collector) BreakerStateChanged(name string, from, to circuitbreaker.State) {
	c.breakerState.WithLabelValues(name).Set(float64(to))
	c.breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
	if to == circuitbreaker.StateOpen {
		c.logger.Warn("circuit opened", zap.String("dependency", name))
	}
}

// =============================================================================
// 💰 预算
// =============================================================================

// AuthorizationDecided 实现 budget.Observer
func (c *Collector) AuthorizationDecided(category, outcome string) {
	c.authorizations.WithLabelValues(category, outcome).Inc()
}

// SpendRecorded 实现 budget.Observer
func (c *Collector) SpendRecorded(category string, dollars float64) {
	c.spendDollars.WithLabelValues(category).Add(dollars)
}

// =============================================================================
// 🙋 人工升级
// =============================================================================

// EscalationCreated 实现 hitl.Observer
func (c *Collector) EscalationCreated(severity types.Severity, reason string) {
	c.escalationsCreated.WithLabelValues(severity.String(), reason).Inc()
	c.escalationsPending.WithLabelValues(severity.String()).Inc()
}

// EscalationResolved 实现 hitl.Observer
func (c *Collector) EscalationResolved(severity types.Severity, outcome string, wait time.Duration) {
	c.escalationsResolved.WithLabelValues(severity.String(), outcome).Inc()
	c.escalationWait.WithLabelValues(severity.String()).Observe(wait.Seconds())
	c.escalationsPending.WithLabelValues(severity.String()).Dec()
}

// EscalationsOverdue 实现 hitl.Observer，每轮 SLA 检查覆盖写入
func (c *Collector) EscalationsOverdue(severity types.Severity, count int) {
	c.escalationsOverdue.WithLabelValues(severity.String()).Set(float64(count))
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
