package hitl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/chimera/types"
)

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "hitl.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewGormStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func TestGormStore_QueueSemantics(t *testing.T) {
	clock := newStepClock()
	q := NewQueue(newGormStore(t), nil, WithClock(clock.Now))
	ctx := context.Background()

	low, err := q.Escalate(ctx, Request{TaskID: "a", Severity: types.SeverityLow, Reason: ReasonRetryExhausted,
		Context: map[string]any{"dependency": "trends"}})
	require.NoError(t, err)
	clock.Advance(time.Second)
	crit, err := q.Escalate(ctx, Request{TaskID: "b", Severity: types.SeverityCritical, Reason: ReasonCriticalFailure})
	require.NoError(t, err)

	pending, err := q.ListPending(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, crit.ID, pending[0].ID)
	assert.Equal(t, "trends", pending[1].Context["dependency"])

	resolved, err := q.Resolve(ctx, low.ID, Decision{Outcome: OutcomeReject, ResolvedBy: "op", Comment: "stale"})
	require.NoError(t, err)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, "stale", resolved.Resolution.Comment)

	_, err = q.Resolve(ctx, low.ID, approve("other"))
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = q.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := q.List(ctx, Filter{TaskID: "a"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, StatusResolved, all[0].Status)
}
