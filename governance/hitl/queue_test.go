package hitl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chimera/governance/audit"
	"github.com/BaSui01/chimera/types"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func approve(by string) Decision {
	return Decision{Outcome: OutcomeApprove, ResolvedBy: by}
}

// =============================================================================
// 🧪 Ordering
// =============================================================================

func TestQueue_OrderBySeverityThenFIFO(t *testing.T) {
	clock := newStepClock()
	q := NewQueue(NewMemoryStore(), zap.NewNop(), WithClock(clock.Now))
	ctx := context.Background()

	enqueue := func(task string, sev types.Severity) {
		_, err := q.Escalate(ctx, Request{TaskID: task, Severity: sev, Reason: ReasonConfidenceReview})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	enqueue("low-1", types.SeverityLow)
	enqueue("high-1", types.SeverityHigh)
	enqueue("crit-1", types.SeverityCritical)
	enqueue("high-2", types.SeverityHigh)
	enqueue("medium-1", types.SeverityMedium)
	enqueue("crit-2", types.SeverityCritical)

	pending, err := q.ListPending(ctx, nil)
	require.NoError(t, err)

	var order []string
	for _, it := range pending {
		order = append(order, it.TaskID)
	}
	assert.Equal(t, []string{"crit-1", "crit-2", "high-1", "high-2", "medium-1", "low-1"}, order)

	tier := types.SeverityHigh
	highs, err := q.ListPending(ctx, &tier)
	require.NoError(t, err)
	require.Len(t, highs, 2)
	assert.Equal(t, "high-1", highs[0].TaskID)
}

func TestQueue_SameTimestampKeepsEnqueueOrder(t *testing.T) {
	clock := newStepClock()
	q := NewQueue(nil, nil, WithClock(clock.Now))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Escalate(ctx, Request{TaskID: id, Severity: types.SeverityMedium, Reason: ReasonBudgetLimit})
		require.NoError(t, err)
	}
	pending, err := q.ListPending(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "a", pending[0].TaskID)
	assert.Equal(t, "c", pending[2].TaskID)
}

// =============================================================================
// 🧪 Resolve
// =============================================================================

func TestQueue_ResolveIsIdempotent(t *testing.T) {
	q := NewQueue(nil, zap.NewNop())
	ctx := context.Background()

	var calls atomic.Int32
	q.OnResolved(func(context.Context, *Item) error {
		calls.Add(1)
		return nil
	})

	item, err := q.Escalate(ctx, Request{TaskID: "t1", Severity: types.SeverityHigh, Reason: ReasonMandatoryFlag})
	require.NoError(t, err)

	resolved, err := q.Resolve(ctx, item.ID, approve("alice"))
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, OutcomeApprove, resolved.Resolution.Outcome)

	_, err = q.Resolve(ctx, item.ID, Decision{Outcome: OutcomeReject, ResolvedBy: "bob"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	var already *AlreadyResolvedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, "alice", already.Resolution.ResolvedBy)
	assert.Equal(t, types.ErrAlreadyResolved, types.GetErrorCode(err))

	assert.Equal(t, int32(1), calls.Load())

	stored, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprove, stored.Resolution.Outcome)

	pending, err := q.ListPending(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueue_ConcurrentResolveSingleWinner(t *testing.T) {
	q := NewQueue(nil, nil)
	ctx := context.Background()

	var calls atomic.Int32
	q.OnResolved(func(context.Context, *Item) error {
		calls.Add(1)
		return nil
	})
	item, err := q.Escalate(ctx, Request{Severity: types.SeverityCritical, Reason: ReasonCriticalFailure})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Resolve(ctx, item.ID, approve("op"))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyResolved):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), conflicts.Load())
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_ResolveValidation(t *testing.T) {
	q := NewQueue(nil, nil)
	ctx := context.Background()

	_, err := q.Resolve(ctx, "missing", approve("op"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	item, err := q.Escalate(ctx, Request{Severity: types.SeverityLow, Reason: ReasonRetryExhausted})
	require.NoError(t, err)

	_, err = q.Resolve(ctx, item.ID, Decision{Outcome: "maybe", ResolvedBy: "op"})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = q.Resolve(ctx, item.ID, Decision{Outcome: OutcomeReject})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	// 操作者身份可以来自 context
	resolved, err := q.Resolve(types.WithUserID(ctx, "carol"), item.ID, Decision{Outcome: OutcomeAbandon})
	require.NoError(t, err)
	assert.Equal(t, "carol", resolved.Resolution.ResolvedBy)
}

func TestQueue_HandlerErrorDoesNotFailResolve(t *testing.T) {
	q := NewQueue(nil, nil)
	ctx := context.Background()
	q.OnResolved(func(context.Context, *Item) error { return errors.New("downstream") })

	item, err := q.Escalate(ctx, Request{Severity: types.SeverityHigh, Reason: ReasonBudgetLimit})
	require.NoError(t, err)
	_, err = q.Resolve(ctx, item.ID, approve("op"))
	assert.NoError(t, err)
}

func TestQueue_EscalateValidationAndRedaction(t *testing.T) {
	q := NewQueue(nil, nil)
	ctx := context.Background()

	_, err := q.Escalate(ctx, Request{Severity: types.Severity(9), Reason: ReasonBudgetLimit})
	assert.Error(t, err)
	_, err = q.Escalate(ctx, Request{Severity: types.SeverityLow})
	assert.Error(t, err)

	item, err := q.Escalate(ctx, Request{
		Severity: types.SeverityHigh,
		Reason:   ReasonBudgetLimit,
		Summary:  "payment to ops@example.com rejected",
		Context: map[string]any{
			"api_key":   "sk-live-123",
			"recipient": "0x52908400098527886E0F7030069857D2E4169EE7",
			"amount":    2000,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "payment to o***@example.com rejected", item.Summary)
	assert.Equal(t, "[REDACTED]", item.Context["api_key"])
	assert.Equal(t, "0x5290…9EE7", item.Context["recipient"])
	assert.Equal(t, 2000, item.Context["amount"])
}

func TestQueue_WritesAudit(t *testing.T) {
	log := audit.NewLog(nil, nil)
	q := NewQueue(nil, nil, WithAudit(log))
	ctx := context.Background()

	item, err := q.Escalate(ctx, Request{TaskID: "t9", Severity: types.SeverityHigh, Reason: ReasonMandatoryFlag})
	require.NoError(t, err)
	_, err = q.Resolve(ctx, item.ID, approve("op"))
	require.NoError(t, err)

	entries, err := log.List(ctx, audit.Filter{TaskID: "t9"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "escalation.created", entries[0].Action)
	assert.Equal(t, "escalation.resolved", entries[1].Action)
}

// =============================================================================
// 🧪 SLA
// =============================================================================

type recordingObserver struct {
	mu      sync.Mutex
	overdue map[types.Severity]int
	created int
}

func (o *recordingObserver) EscalationCreated(types.Severity, string) {
	o.mu.Lock()
	o.created++
	o.mu.Unlock()
}

func (o *recordingObserver) EscalationResolved(types.Severity, string, time.Duration) {}

func (o *recordingObserver) EscalationsOverdue(sev types.Severity, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.overdue == nil {
		o.overdue = make(map[types.Severity]int)
	}
	o.overdue[sev] = n
}

func TestQueue_OverdueNeverExpires(t *testing.T) {
	clock := newStepClock()
	obs := &recordingObserver{}
	q := NewQueue(nil, nil, WithClock(clock.Now), WithObserver(obs))
	ctx := context.Background()

	crit, err := q.Escalate(ctx, Request{Severity: types.SeverityCritical, Reason: ReasonCriticalFailure})
	require.NoError(t, err)
	_, err = q.Escalate(ctx, Request{Severity: types.SeverityLow, Reason: ReasonRetryExhausted})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)

	overdue, err := q.Overdue(ctx)
	require.NoError(t, err)
	require.Len(t, overdue[types.SeverityCritical], 1)
	assert.Equal(t, crit.ID, overdue[types.SeverityCritical][0].ID)
	assert.Empty(t, overdue[types.SeverityLow])

	q.reportOverdue(ctx)
	assert.Equal(t, 1, obs.overdue[types.SeverityCritical])
	assert.Equal(t, 0, obs.overdue[types.SeverityLow])
	assert.Equal(t, 2, obs.created)

	// 超时项仍然可以解决
	clock.Advance(48 * time.Hour)
	_, err = q.Resolve(ctx, crit.ID, approve("op"))
	assert.NoError(t, err)
}

func TestQueue_MonitorSLAStopsOnCancel(t *testing.T) {
	q := NewQueue(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.MonitorSLA(ctx, 5*time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
