package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chimera/governance/audit"
	"github.com/BaSui01/chimera/governance/hitl"
	"github.com/BaSui01/chimera/resilience/circuitbreaker"
	"github.com/BaSui01/chimera/types"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

type fakeSuspender struct {
	mu        sync.Mutex
	suspended map[string]string
}

func (s *fakeSuspender) SuspendActor(_ context.Context, actorID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended == nil {
		s.suspended = map[string]string{}
	}
	s.suspended[actorID] = reason
	return nil
}

type harness struct {
	ctrl      *Controller
	queue     *hitl.Queue
	sleeps    *recordedSleeps
	suspender *fakeSuspender
	log       *audit.Log
}

func newHarness(t *testing.T, policy *RetryPolicy, breakers *circuitbreaker.Manager) *harness {
	t.Helper()
	h := &harness{
		queue:     hitl.NewQueue(hitl.NewMemoryStore(), zap.NewNop()),
		sleeps:    &recordedSleeps{},
		suspender: &fakeSuspender{},
		log:       audit.NewLog(audit.NewMemoryStore(), zap.NewNop()),
	}
	if policy == nil {
		policy = &RetryPolicy{
			MaxRetries:          3,
			BaseDelay:           10 * time.Millisecond,
			MaxDelay:            50 * time.Millisecond,
			Multiplier:          2,
			RateLimitMaxRetries: 1,
			RateLimitBuffer:     5 * time.Millisecond,
		}
	}
	h.ctrl = NewController(policy, breakers, zap.NewNop(),
		WithEscalator(h.queue),
		WithActorSuspender(h.suspender),
		WithAudit(h.log),
		WithSleep(h.sleeps.sleep),
		WithJitter(func(time.Duration) time.Duration { return 0 }),
	)
	return h
}

func (h *harness) pending(t *testing.T) []*hitl.Item {
	t.Helper()
	items, err := h.queue.ListPending(context.Background(), nil)
	require.NoError(t, err)
	return items
}

// =============================================================================
// 🧪 Transient
// =============================================================================

func TestController_TransientRetriedThenSucceeds(t *testing.T) {
	h := newHarness(t, nil, nil)
	calls := 0

	v, err := DoTyped(h.ctrl, context.Background(), Call{Dependency: "trends"}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", types.NewError(types.ErrNetwork, "reset by peer")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, h.sleeps.delays)
}

func TestController_TransientExhaustedNotEscalated(t *testing.T) {
	h := newHarness(t, nil, nil)
	calls := 0

	err := h.ctrl.Do(context.Background(), Call{Dependency: "trends", TaskID: "t1"}, func(context.Context) error {
		calls++
		return errors.New("flaky")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)

	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, types.KindTransient, f.Kind)
	assert.Equal(t, 4, f.Attempts)
	assert.Nil(t, f.Escalation)
	assert.Empty(t, h.pending(t))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, h.sleeps.delays)
}

func TestController_EconomicExhaustionEscalates(t *testing.T) {
	h := newHarness(t, nil, nil)

	err := h.ctrl.Do(context.Background(), Call{Dependency: "wallet", TaskID: "t2", ActorID: "a1", Economic: true},
		func(context.Context) error { return types.NewError(types.ErrServiceUnavailable, "down") })

	f, ok := AsFailure(err)
	require.True(t, ok)
	require.NotNil(t, f.Escalation)
	assert.Equal(t, hitl.ReasonRetryExhausted, f.Escalation.Reason)
	assert.Equal(t, types.SeverityHigh, f.Escalation.Severity)
}

func TestController_RateLimitWaitsReportedDuration(t *testing.T) {
	h := newHarness(t, nil, nil)
	calls := 0

	err := h.ctrl.Do(context.Background(), Call{Dependency: "social"}, func(context.Context) error {
		calls++
		return types.NewRateLimitError("429", 2*time.Second)
	})
	require.Error(t, err)
	// 限流最多尝试 2 次：首次 + 1 次等待后重试
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{2005 * time.Millisecond}, h.sleeps.delays)
	assert.True(t, types.IsErrorCode(err, types.ErrRateLimit))
}

func TestController_CancelledDuringWait(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := h.ctrl.Do(ctx, Call{Dependency: "trends"}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("flaky")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, h.sleeps.delays)
}

func TestController_TimeoutClassifiedTransient(t *testing.T) {
	h := newHarness(t, &RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}, nil)

	err := h.ctrl.Do(context.Background(), Call{Dependency: "slow", Timeout: 5 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrTimeout))
	assert.Equal(t, types.KindTransient, types.KindOf(err))
	assert.Len(t, h.sleeps.delays, 1)
}

// =============================================================================
// 🧪 Permanent / Critical
// =============================================================================

func TestController_CallTimeoutLongerThanBreakerTimeout(t *testing.T) {
	breakers := circuitbreaker.NewManager(&circuitbreaker.Config{Threshold: 1, Timeout: 50 * time.Millisecond, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1}, zap.NewNop())
	h := newHarness(t, nil, breakers)

	got, err := DoTyped(h.ctrl, context.Background(), Call{Dependency: "writer", Timeout: 2 * time.Second},
		func(ctx context.Context) (string, error) {
			select {
			case <-time.After(150 * time.Millisecond):
				return "draft", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
	require.NoError(t, err)
	assert.Equal(t, "draft", got)
	assert.Empty(t, h.sleeps.delays)
}

func TestController_PermanentPolicies(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantReason    hitl.Reason
		wantSeverity  types.Severity
		wantSuspended bool
	}{
		{"validation rejected only", types.NewValidationError("bad input"), "", 0, false},
		{"schema rejected only", types.NewError(types.ErrSchemaValidation, "bad result"), "", 0, false},
		{"auth suspends and escalates", types.NewError(types.ErrAuthentication, "token revoked"), hitl.ReasonAuthentication, types.SeverityHigh, true},
		{"budget escalates", types.NewError(types.ErrBudgetExceeded, "quota"), hitl.ReasonBudgetLimit, types.SeverityHigh, false},
		{"content policy escalates", types.NewError(types.ErrContentSafetyViolation, "nsfw"), hitl.ReasonContentPolicy, types.SeverityMedium, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil)
			calls := 0
			err := h.ctrl.Do(context.Background(), Call{Dependency: "content", TaskID: "t3", ActorID: "a3"}, func(context.Context) error {
				calls++
				return tt.err
			})

			assert.Equal(t, 1, calls, "permanent errors are never retried")
			assert.Empty(t, h.sleeps.delays)
			f, ok := AsFailure(err)
			require.True(t, ok)
			assert.Equal(t, types.KindPermanent, f.Kind)
			assert.False(t, f.SuspendTask)

			if tt.wantReason == "" {
				assert.Nil(t, f.Escalation)
				assert.Empty(t, h.pending(t))
			} else {
				require.NotNil(t, f.Escalation)
				assert.Equal(t, tt.wantReason, f.Escalation.Reason)
				assert.Equal(t, tt.wantSeverity, f.Escalation.Severity)
			}
			_, suspended := h.suspender.suspended["a3"]
			assert.Equal(t, tt.wantSuspended, suspended)
		})
	}
}

func TestController_CriticalSuspendsAndEscalatesSynchronously(t *testing.T) {
	h := newHarness(t, nil, nil)
	calls := 0

	err := h.ctrl.Do(context.Background(), Call{Dependency: "wallet", TaskID: "t4", ActorID: "a4", Economic: true}, func(context.Context) error {
		calls++
		return types.NewError(types.ErrSecurityViolation, "signature mismatch")
	})

	assert.Equal(t, 1, calls)
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, types.KindCritical, f.Kind)
	assert.True(t, f.SuspendTask)
	require.NotNil(t, f.Escalation)
	assert.Equal(t, types.SeverityCritical, f.Escalation.Severity)
	assert.Contains(t, h.suspender.suspended, "a4")

	// 返回前升级项已入队
	pending := h.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, f.Escalation.ID, pending[0].ID)

	entries, lerr := h.log.List(context.Background(), audit.Filter{TaskID: "t4"})
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.Equal(t, "retry.critical", entries[0].Action)
	assert.True(t, entries[0].Exception)
}

// =============================================================================
// 🧪 Circuit breaker integration
// =============================================================================

func TestController_CircuitOpenNotRetried(t *testing.T) {
	breakers := circuitbreaker.NewManager(&circuitbreaker.Config{
		Threshold:        2,
		Timeout:          time.Second,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop())
	h := newHarness(t, &RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond}, breakers)
	calls := 0

	err := h.ctrl.Do(context.Background(), Call{Dependency: "market"}, func(context.Context) error {
		calls++
		return types.NewError(types.ErrServiceUnavailable, "down")
	})
	require.Error(t, err)

	// 两次失败打开熔断，第三次尝试被熔断器直接拒绝且不再重试
	assert.Equal(t, 2, calls)
	assert.Len(t, h.sleeps.delays, 2)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)

	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, types.KindTransient, f.Kind)
	assert.Equal(t, 3, f.Attempts)
}

func TestController_PermanentDoesNotTripBreaker(t *testing.T) {
	breakers := circuitbreaker.NewManager(&circuitbreaker.Config{Threshold: 1, Timeout: time.Second, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1}, zap.NewNop())
	h := newHarness(t, nil, breakers)

	for i := 0; i < 3; i++ {
		err := h.ctrl.Do(context.Background(), Call{Dependency: "content"}, func(context.Context) error {
			return types.NewValidationError("bad")
		})
		require.Error(t, err)
	}
	snap, err := breakers.Snapshot(context.Background(), "content")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, snap.State)
}
