package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/chimera/types"
)

func openSuspensionDB(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestSuspensionStores_Semantics(t *testing.T) {
	stores := map[string]func(t *testing.T) SuspensionStore{
		"memory": func(t *testing.T) SuspensionStore { return NewMemorySuspensionStore() },
		"redis": func(t *testing.T) SuspensionStore {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisSuspensionStore(client, "test:")
		},
		"gorm": func(t *testing.T) SuspensionStore {
			s := NewGormSuspensionStore(openSuspensionDB(t, filepath.Join(t.TempDir(), "suspensions.db")))
			require.NoError(t, s.AutoMigrate())
			return s
		},
	}

	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			_, ok, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.False(t, ok)

			added, err := s.Suspend(ctx, "a", "anomalous spend", testNow)
			require.NoError(t, err)
			assert.True(t, added)

			// 重复挂起保留第一次的原因
			added, err = s.Suspend(ctx, "a", "auth failure", testNow.Add(time.Minute))
			require.NoError(t, err)
			assert.False(t, added)

			sus, ok, err := s.Get(ctx, "a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "anomalous spend", sus.Reason)

			_, err = s.Suspend(ctx, "b", "security violation", testNow.Add(time.Second))
			require.NoError(t, err)
			all, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "a", all[0].ActorID)
			assert.Equal(t, "b", all[1].ActorID)

			removed, err := s.Resume(ctx, "a")
			require.NoError(t, err)
			assert.True(t, removed)
			removed, err = s.Resume(ctx, "a")
			require.NoError(t, err)
			assert.False(t, removed)

			_, ok, err = s.Get(ctx, "a")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

// 挂起写入数据库，新建的 Governor 仍然拒绝该主体
func TestGovernor_SuspensionSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.db")
	ctx := context.Background()

	db := openSuspensionDB(t, path)
	store := NewGormSuspensionStore(db)
	require.NoError(t, store.AutoMigrate())
	first, _ := newTestGovernor(t, testConfig(), nil, WithSuspensionStore(store))
	require.NoError(t, first.SuspendActor(ctx, "persona-3", "ledger mismatch"))

	second, _ := newTestGovernor(t, testConfig(), nil,
		WithSuspensionStore(NewGormSuspensionStore(openSuspensionDB(t, path))))

	reason, suspended, err := second.Suspended(ctx, "persona-3")
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.Equal(t, "ledger mismatch", reason)

	d, err := second.Authorize(ctx, Request{ActorID: "persona-3", Amount: Dollars(1)})
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Contains(t, d.Reason, "actor suspended")

	listed, err := second.Suspensions(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "persona-3", listed[0].ActorID)

	require.NoError(t, second.ResumeActor(ctx, "persona-3"))
	d, err = first.Authorize(ctx, Request{ActorID: "persona-3", Amount: Dollars(1)})
	require.NoError(t, err)
	assert.True(t, d.Authorized)
}

type brokenSuspensions struct{ *MemorySuspensionStore }

func (brokenSuspensions) Get(context.Context, string) (Suspension, bool, error) {
	return Suspension{}, false, assert.AnError
}

func TestGovernor_SuspensionLookupFailsClosed(t *testing.T) {
	g, _ := newTestGovernor(t, testConfig(), nil,
		WithSuspensionStore(brokenSuspensions{NewMemorySuspensionStore()}))

	d, err := g.Authorize(context.Background(), Request{ActorID: "a", Amount: Dollars(1)})
	require.Error(t, err)
	assert.False(t, d.Authorized)
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, types.IsErrorCode(err, types.ErrServiceUnavailable))

	entry, err := g.Spent(context.Background(), "a")
	require.NoError(t, err)
	assert.Zero(t, entry.Spent)
}
