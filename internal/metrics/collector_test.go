package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chimera/governance/budget"
	"github.com/BaSui01/chimera/governance/hitl"
	"github.com/BaSui01/chimera/governance/judge"
	"github.com/BaSui01/chimera/resilience/circuitbreaker"
	"github.com/BaSui01/chimera/resilience/retry"
	"github.com/BaSui01/chimera/scheduler"
	"github.com/BaSui01/chimera/types"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func newTestCollector() *Collector {
	return NewCollectorWith(prometheus.NewRegistry(), nextTestNamespace(), zap.NewNop())
}

// 编译期确认 Collector 满足各组件的观察者接口
var (
	_ scheduler.Observer = (*Collector)(nil)
	_ judge.Observer     = (*Collector)(nil)
	_ retry.Observer     = (*Collector)(nil)
	_ budget.Observer    = (*Collector)(nil)
	_ hitl.Observer      = (*Collector)(nil)
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.taskTransitions)
	assert.NotNil(t, collector.breakerState)
	assert.NotNil(t, collector.escalationsOverdue)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := newTestCollector()

	collector.RecordHTTPRequest("GET", "/api/v1/tasks", 200, 100*time.Millisecond, 1024, 2048)
	collector.RecordHTTPRequest("GET", "/api/v1/tasks", 204, 50*time.Millisecond, 512, 0)
	collector.RecordHTTPRequest("POST", "/api/v1/tasks", 422, 5*time.Millisecond, 128, 64)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/api/v1/tasks", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/v1/tasks", "4xx")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.httpRequestDuration))
}

func TestCollector_TaskMetrics(t *testing.T) {
	collector := newTestCollector()

	collector.TaskSubmitted("content_creation")
	collector.TaskSubmitted("content_creation")
	collector.TaskTransitioned("pending", "assigned")
	collector.RoutingDecided(string(judge.DecisionHumanReview))

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.tasksSubmitted.WithLabelValues("content_creation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.taskTransitions.WithLabelValues("pending", "assigned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.routingDecisions.WithLabelValues(string(judge.DecisionHumanReview))))
}

func TestCollector_ResilienceMetrics(t *testing.T) {
	collector := newTestCollector()

	collector.RetryAttempted("trend-api", types.KindTransient)
	collector.RetryExhausted("trend-api")
	collector.BreakerStateChanged("wallet", circuitbreaker.StateClosed, circuitbreaker.StateOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.retriesTotal.WithLabelValues("trend-api", string(types.KindTransient))))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.retriesExhausted.WithLabelValues("trend-api")))
	assert.Equal(t, float64(circuitbreaker.StateOpen), testutil.ToFloat64(collector.breakerState.WithLabelValues("wallet")))

	collector.BreakerStateChanged("wallet", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	assert.Equal(t, float64(circuitbreaker.StateHalfOpen), testutil.ToFloat64(collector.breakerState.WithLabelValues("wallet")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.breakerTransitions))
}

func TestCollector_BudgetMetrics(t *testing.T) {
	collector := newTestCollector()

	collector.AuthorizationDecided("ads", "approved")
	collector.SpendRecorded("ads", 12.5)
	collector.SpendRecorded("ads", 2.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.authorizations.WithLabelValues("ads", "approved")))
	assert.InDelta(t, 15.0, testutil.ToFloat64(collector.spendDollars.WithLabelValues("ads")), 1e-9)
}

func TestCollector_EscalationMetrics(t *testing.T) {
	collector := newTestCollector()

	collector.EscalationCreated(types.SeverityHigh, "budget_limit")
	collector.EscalationCreated(types.SeverityHigh, "low_confidence")
	collector.EscalationResolved(types.SeverityHigh, "approve", 3*time.Minute)
	collector.EscalationsOverdue(types.SeverityCritical, 4)
	collector.EscalationsOverdue(types.SeverityCritical, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.escalationsPending.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.escalationsResolved.WithLabelValues("high", "approve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.escalationsOverdue.WithLabelValues("critical")))
}

func TestCollector_UpdateConnectionPool(t *testing.T) {
	collector := newTestCollector()

	collector.RecordDBConnections("postgres", 10, 5)

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := newTestCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("GET", "/health", 200, time.Millisecond, 0, 2)
			collector.TaskTransitioned("executing", "evaluating")
			collector.SpendRecorded("ads", 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "2xx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.taskTransitions.WithLabelValues("executing", "evaluating")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.spendDollars.WithLabelValues("ads")))
}

func TestCollector_MetricsRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	ns := nextTestNamespace()
	collector := NewCollectorWith(registry, ns, zap.NewNop())

	collector.TaskSubmitted("trend_analysis")

	n, err := testutil.GatherAndCount(registry, ns+"_tasks_submitted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 同一 registry 上重复注册同名指标会 panic
	assert.Panics(t, func() { NewCollectorWith(registry, ns, zap.NewNop()) })
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{302, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.code))
	}
}
