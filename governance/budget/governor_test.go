package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/chimera/governance/audit"
	"github.com/BaSui01/chimera/governance/hitl"
	"github.com/BaSui01/chimera/types"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
	spent    float64
}

func (o *recordingObserver) AuthorizationDecided(_, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string]int{}
	}
	o.outcomes[outcome]++
}

func (o *recordingObserver) SpendRecorded(_ string, dollars float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spent += dollars
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.VelocityBurst = 0
	return cfg
}

func newTestGovernor(t *testing.T, cfg *Config, ledger LedgerStore, opts ...Option) (*Governor, *hitl.Queue) {
	t.Helper()
	q := hitl.NewQueue(hitl.NewMemoryStore(), zap.NewNop())
	opts = append([]Option{WithEscalator(q), WithClock(fixedNow)}, opts...)
	g, err := NewGovernor(cfg, ledger, zap.NewNop(), opts...)
	require.NoError(t, err)
	return g, q
}

// =============================================================================
// 🧪 Ceiling semantics
// =============================================================================

func TestGovernor_DailyCeilingExample(t *testing.T) {
	g, q := newTestGovernor(t, testConfig(), nil)
	ctx := context.Background()

	// 已花费 $35
	for _, amt := range []Amount{Dollars(20), Dollars(15)} {
		d, err := g.Authorize(ctx, Request{ActorID: "persona-1", Category: "tip", Amount: amt})
		require.NoError(t, err)
		require.True(t, d.Authorized)
	}

	d, err := g.Authorize(ctx, Request{ActorID: "persona-1", TaskID: "t-20", Category: "tip", Amount: Dollars(20)})
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, Dollars(35), d.Ledger.Spent, "rejection must not mutate the ledger")
	assert.Contains(t, d.Reason, "$55.00")
	require.NotNil(t, d.Escalation)
	assert.Equal(t, hitl.ReasonBudgetLimit, d.Escalation.Reason)
	assert.True(t, types.IsErrorCode(d.Err(), types.ErrBudgetExceeded))

	d, err = g.Authorize(ctx, Request{ActorID: "persona-1", TaskID: "t-15", Category: "tip", Amount: Dollars(15)})
	require.NoError(t, err)
	assert.True(t, d.Authorized)
	assert.Equal(t, Dollars(50), d.Ledger.Spent)
	assert.NoError(t, d.Err())

	entry, err := g.Spent(ctx, "persona-1")
	require.NoError(t, err)
	assert.Equal(t, Dollars(50), entry.Spent)
	assert.Equal(t, int64(3), entry.Count)

	pending, err := q.ListPending(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestGovernor_SingleTransactionCap(t *testing.T) {
	cfg := testConfig()
	cfg.CategoryCaps = map[string]Amount{"gift": Dollars(5)}
	g, _ := newTestGovernor(t, cfg, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		category string
		amount   Amount
		want     bool
	}{
		{"global cap", "tip", Dollars(20), true},
		{"over global cap", "tip", Dollars(20.01), false},
		{"category cap", "gift", Dollars(5), true},
		{"over category cap", "gift", Dollars(6), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, err := g.Spent(ctx, tt.name)
			require.NoError(t, err)

			d, err := g.Authorize(ctx, Request{ActorID: tt.name, Category: tt.category, Amount: tt.amount})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Authorized)

			after, err := g.Spent(ctx, tt.name)
			require.NoError(t, err)
			if !tt.want {
				assert.Equal(t, before, after, "cap rejection must not touch the ledger")
				assert.NotNil(t, d.Escalation)
			}
		})
	}
}

func TestGovernor_ValidationErrors(t *testing.T) {
	g, _ := newTestGovernor(t, testConfig(), nil)
	ctx := context.Background()

	d, err := g.Authorize(ctx, Request{Amount: Dollars(1)})
	require.Error(t, err)
	assert.False(t, d.Authorized)
	assert.Equal(t, types.KindPermanent, types.KindOf(err))

	_, err = g.Authorize(ctx, Request{ActorID: "a", Amount: 0})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestGovernor_PerActorCeilingAndDateKey(t *testing.T) {
	cfg := testConfig()
	cfg.ActorCeilings = map[string]Amount{"vip": Dollars(100)}
	now := testNow
	g, _ := newTestGovernor(t, cfg, nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := g.Authorize(ctx, Request{ActorID: "vip", Amount: Dollars(20)})
		require.NoError(t, err)
		assert.True(t, d.Authorized, "payment %d", i)
		assert.Equal(t, Dollars(100), d.Ceiling)
	}
	d, err := g.Authorize(ctx, Request{ActorID: "vip", Amount: Dollars(1)})
	require.NoError(t, err)
	assert.False(t, d.Authorized)

	// 新的一天使用新的账本键
	now = now.Add(24 * time.Hour)
	d, err = g.Authorize(ctx, Request{ActorID: "vip", Amount: Dollars(1)})
	require.NoError(t, err)
	assert.True(t, d.Authorized)
	assert.Equal(t, Dollars(1), d.Ledger.Spent)
}

// =============================================================================
// 🧪 Failure modes
// =============================================================================

type brokenLedger struct{ *MemoryLedgerStore }

func (brokenLedger) IncrementWithCeiling(context.Context, string, string, Amount, Amount) (LedgerEntry, bool, error) {
	return LedgerEntry{}, false, assert.AnError
}

func TestGovernor_FailsClosed(t *testing.T) {
	g, _ := newTestGovernor(t, testConfig(), brokenLedger{NewMemoryLedgerStore()})

	d, err := g.Authorize(context.Background(), Request{ActorID: "a", Amount: Dollars(1)})
	require.Error(t, err)
	assert.False(t, d.Authorized)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, types.KindTransient, types.KindOf(err))
}

func TestGovernor_SuspendedActorRejected(t *testing.T) {
	g, _ := newTestGovernor(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, g.SuspendActor(ctx, "a1", "auth failure"))
	d, err := g.Authorize(ctx, Request{ActorID: "a1", Amount: Dollars(1)})
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Contains(t, d.Reason, "suspended")
	assert.Nil(t, d.Escalation)

	require.NoError(t, g.ResumeActor(ctx, "a1"))
	d, err = g.Authorize(ctx, Request{ActorID: "a1", Amount: Dollars(1)})
	require.NoError(t, err)
	assert.True(t, d.Authorized)
}

func TestGovernor_VelocityAnomalyIsCritical(t *testing.T) {
	cfg := testConfig()
	cfg.VelocityBurst = 3
	cfg.VelocityWindow = time.Hour
	g, q := newTestGovernor(t, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := g.Authorize(ctx, Request{ActorID: "bot", Amount: Dollars(1)})
		require.NoError(t, err)
		require.True(t, d.Authorized)
	}

	d, err := g.Authorize(ctx, Request{ActorID: "bot", TaskID: "t9", Amount: Dollars(1)})
	require.Error(t, err)
	assert.False(t, d.Authorized)
	assert.True(t, types.IsErrorCode(err, types.ErrAnomalousSpend))
	assert.Equal(t, types.KindCritical, types.KindOf(err))

	_, suspended, err := g.Suspended(ctx, "bot")
	require.NoError(t, err)
	assert.True(t, suspended)

	require.NotNil(t, d.Escalation)
	assert.Equal(t, types.SeverityCritical, d.Escalation.Severity)
	pending, err := q.ListPending(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	entry, err := g.Spent(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, Dollars(3), entry.Spent)
}

// =============================================================================
// 🧪 Overrides
// =============================================================================

func TestGovernor_OverrideIncrementsAndIsFlagged(t *testing.T) {
	log := audit.NewLog(audit.NewMemoryStore(), zap.NewNop())
	obs := &recordingObserver{}
	g, _ := newTestGovernor(t, testConfig(), nil, WithAudit(log), WithObserver(obs))
	ctx := context.Background()

	_, err := g.Authorize(ctx, Request{ActorID: "a", Amount: Dollars(20)})
	require.NoError(t, err)
	_, err = g.Authorize(ctx, Request{ActorID: "a", Amount: Dollars(20)})
	require.NoError(t, err)
	rejected, err := g.Authorize(ctx, Request{ActorID: "a", TaskID: "t1", Amount: Dollars(15)})
	require.NoError(t, err)
	require.False(t, rejected.Authorized)

	d, err := g.ApplyOverride(ctx, rejected.Transaction.ID, "ops@example.com")
	require.NoError(t, err)
	assert.True(t, d.Authorized)
	assert.Equal(t, OutcomeHumanApproved, d.Outcome)
	assert.True(t, d.Transaction.Override)
	assert.Equal(t, rejected.Transaction.ID, d.Transaction.OverrideOf)
	assert.Equal(t, Dollars(55), d.Ledger.Spent)

	// 不能重复覆盖
	_, err = g.ApplyOverride(ctx, rejected.Transaction.ID, "ops@example.com")
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyResolved))

	// 只能覆盖被拒绝的交易
	_, err = g.ApplyOverride(ctx, d.Transaction.ID, "ops@example.com")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))

	_, err = g.ApplyOverride(ctx, "missing", "ops")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	overrides, err := log.List(ctx, audit.Filter{Action: "budget.override"})
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.True(t, overrides[0].Exception)
	require.NoError(t, log.Verify(ctx))

	assert.Equal(t, 3, obs.outcomes[string(OutcomeAutonomous)]+obs.outcomes[string(OutcomeHumanApproved)])
	assert.InDelta(t, 55.0, obs.spent, 0.001)

	txs, err := g.Transactions(ctx, TransactionFilter{ActorID: "a"})
	require.NoError(t, err)
	assert.Len(t, txs, 4)
}

// flakyOverrideLedger 前 failures 次无条件累加失败
type flakyOverrideLedger struct {
	*MemoryLedgerStore
	mu       sync.Mutex
	failures int
}

func (l *flakyOverrideLedger) Increment(ctx context.Context, actorID, date string, amount Amount) (LedgerEntry, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return LedgerEntry{}, assert.AnError
	}
	l.mu.Unlock()
	return l.MemoryLedgerStore.Increment(ctx, actorID, date, amount)
}

func TestGovernor_OverrideLedgerFailureRecordsNothing(t *testing.T) {
	ledger := &flakyOverrideLedger{MemoryLedgerStore: NewMemoryLedgerStore(), failures: 1}
	log := audit.NewLog(audit.NewMemoryStore(), zap.NewNop())
	g, _ := newTestGovernor(t, testConfig(), ledger, WithAudit(log))
	ctx := context.Background()

	_, err := g.Authorize(ctx, Request{ActorID: "a", Amount: Dollars(20)})
	require.NoError(t, err)
	_, err = g.Authorize(ctx, Request{ActorID: "a", Amount: Dollars(20)})
	require.NoError(t, err)
	rejected, err := g.Authorize(ctx, Request{ActorID: "a", TaskID: "t1", Amount: Dollars(15)})
	require.NoError(t, err)
	require.False(t, rejected.Authorized)

	_, err = g.ApplyOverride(ctx, rejected.Transaction.ID, "ops")
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, types.IsErrorCode(err, types.ErrServiceUnavailable))

	approved, err := g.Transactions(ctx, TransactionFilter{ActorID: "a", Outcome: OutcomeHumanApproved})
	require.NoError(t, err)
	assert.Empty(t, approved)
	entries, err := log.List(ctx, audit.Filter{Action: "budget.override"})
	require.NoError(t, err)
	assert.Empty(t, entries)
	spent, err := g.Spent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, Dollars(40), spent.Spent)

	// 账本恢复后可以重新覆盖
	d, err := g.ApplyOverride(ctx, rejected.Transaction.ID, "ops")
	require.NoError(t, err)
	assert.True(t, d.Authorized)
	assert.Equal(t, Dollars(55), d.Ledger.Spent)

	approved, err = g.Transactions(ctx, TransactionFilter{ActorID: "a", Outcome: OutcomeHumanApproved})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.True(t, approved[0].Override)
}

func TestGovernor_ConcurrentOverridesApplyOnce(t *testing.T) {
	g, _ := newTestGovernor(t, testConfig(), nil)
	ctx := context.Background()

	for _, amount := range []float64{20, 20} {
		_, err := g.Authorize(ctx, Request{ActorID: "a", Amount: Dollars(amount)})
		require.NoError(t, err)
	}
	rejected, err := g.Authorize(ctx, Request{ActorID: "a", Amount: Dollars(15)})
	require.NoError(t, err)
	require.False(t, rejected.Authorized)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.ApplyOverride(ctx, rejected.Transaction.ID, "ops"); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	spent, err := g.Spent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, Dollars(55), spent.Spent)
}

// =============================================================================
// 🧪 Properties
// =============================================================================

// 顺序授权：通过的交易恰好是贪心能放下的那些
func TestGovernor_SequentialPrefixProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := testConfig()
		cfg.EscalateRejections = false
		cfg.DefaultDailyCeiling = Amount(rapid.Int64Range(0, 10_000).Draw(t, "ceiling"))
		g, err := NewGovernor(cfg, nil, zap.NewNop(), WithClock(fixedNow))
		if err != nil {
			t.Fatal(err)
		}
		amounts := rapid.SliceOfN(rapid.Int64Range(1, int64(cfg.GlobalMaxTransaction)), 1, 30).Draw(t, "amounts")

		var expected Amount
		for i, a := range amounts {
			d, err := g.Authorize(context.Background(), Request{ActorID: "p", Amount: Amount(a)})
			if err != nil {
				t.Fatal(err)
			}
			fits := expected+Amount(a) <= cfg.DefaultDailyCeiling
			if d.Authorized != fits {
				t.Fatalf("payment %d of %d: authorized=%v, expected %v (spent %d)", i, a, d.Authorized, fits, expected)
			}
			if fits {
				expected += Amount(a)
			}
		}
		entry, _ := g.Spent(context.Background(), "p")
		if entry.Spent != expected {
			t.Fatalf("ledger %d != expected %d", entry.Spent, expected)
		}
	})
}

// 并发授权：总额不超上限，且每笔被拒的交易在最终余额下也放不下
func TestGovernor_ConcurrentCeilingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := testConfig()
		cfg.EscalateRejections = false
		cfg.DefaultDailyCeiling = Amount(rapid.Int64Range(100, 5_000).Draw(t, "ceiling"))
		g, err := NewGovernor(cfg, nil, zap.NewNop(), WithClock(fixedNow))
		if err != nil {
			t.Fatal(err)
		}
		amounts := rapid.SliceOfN(rapid.Int64Range(1, int64(cfg.GlobalMaxTransaction)), 2, 40).Draw(t, "amounts")

		results := make([]bool, len(amounts))
		var wg sync.WaitGroup
		for i, a := range amounts {
			wg.Add(1)
			go func(i int, a int64) {
				defer wg.Done()
				d, err := g.Authorize(context.Background(), Request{ActorID: "p", Amount: Amount(a)})
				results[i] = err == nil && d.Authorized
			}(i, a)
		}
		wg.Wait()

		var total Amount
		for i, ok := range results {
			if ok {
				total += Amount(amounts[i])
			}
		}
		if total > cfg.DefaultDailyCeiling {
			t.Fatalf("authorized %d exceeds ceiling %d", total, cfg.DefaultDailyCeiling)
		}
		for i, ok := range results {
			if !ok && total+Amount(amounts[i]) <= cfg.DefaultDailyCeiling {
				t.Fatalf("payment %d of %d rejected although it fits (total %d)", i, amounts[i], total)
			}
		}
		entry, _ := g.Spent(context.Background(), "p")
		if entry.Spent != total {
			t.Fatalf("ledger %d != authorized total %d", entry.Spent, total)
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"negative ceiling", func(c *Config) { c.DefaultDailyCeiling = -1 }},
		{"zero global max", func(c *Config) { c.GlobalMaxTransaction = 0 }},
		{"category above global", func(c *Config) { c.CategoryCaps = map[string]Amount{"x": Dollars(21)} }},
		{"negative actor ceiling", func(c *Config) { c.ActorCeilings = map[string]Amount{"a": -5} }},
		{"velocity without window", func(c *Config) { c.VelocityBurst = 2; c.VelocityWindow = 0 }},
		{"threshold above one", func(c *Config) { c.AlertThreshold = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestAmount(t *testing.T) {
	assert.Equal(t, Amount(5000), Dollars(50))
	assert.Equal(t, Amount(2001), Dollars(20.01))
	assert.Equal(t, "$35.07", Amount(3507).String())
	assert.Equal(t, "-$0.05", Amount(-5).String())
	assert.InDelta(t, 12.34, Amount(1234).Dollars(), 1e-9)
}
