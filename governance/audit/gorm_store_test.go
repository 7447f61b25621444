package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "audit.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestGormStore_RoundTripAndVerify(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	require.NoError(t, store.AutoMigrate())

	log := NewLog(store, zap.NewNop())
	ctx := context.Background()

	_, err := log.Record(ctx, Entry{Category: CategoryTask, Action: "task.submitted", TaskID: "t1"})
	require.NoError(t, err)
	_, err = log.Record(ctx, Entry{
		Category: CategoryBudget,
		Action:   "budget.authorized",
		TaskID:   "t1",
		ActorID:  "persona-1",
		Details:  map[string]any{"amount_cents": 1500, "category": "ads"},
	})
	require.NoError(t, err)

	entries, err := log.List(ctx, Filter{TaskID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "budget.authorized", entries[1].Action)
	assert.Equal(t, float64(1500), entries[1].Details["amount_cents"])

	require.NoError(t, log.Verify(ctx))
}

func TestGormStore_SequenceConflict(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	require.NoError(t, store.AutoMigrate())
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Entry{ID: "a", Sequence: 1, PrevHash: GenesisHash, Hash: "h1"}))
	err := store.Append(ctx, &Entry{ID: "b", Sequence: 1, PrevHash: GenesisHash, Hash: "h2"})
	assert.ErrorIs(t, err, ErrSequenceConflict)

	last, err := store.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", last.ID)
}

func TestGormStore_LastEmpty(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	require.NoError(t, store.AutoMigrate())

	last, err := store.Last(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}
