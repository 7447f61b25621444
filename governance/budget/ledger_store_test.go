package budget

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newRedisLedger(t *testing.T) (*RedisLedgerStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLedgerStore(client, "test:", time.Hour), mr
}

func newGormLedger(t *testing.T) (*GormLedgerStore, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewGormLedgerStore(db)
	require.NoError(t, store.AutoMigrate())
	return store, db
}

// 三种账本实现共享同一组语义用例
func TestLedgerStores_Semantics(t *testing.T) {
	stores := map[string]func(t *testing.T) LedgerStore{
		"memory": func(t *testing.T) LedgerStore { return NewMemoryLedgerStore() },
		"redis": func(t *testing.T) LedgerStore {
			s, _ := newRedisLedger(t)
			return s
		},
		"gorm": func(t *testing.T) LedgerStore {
			s, _ := newGormLedger(t)
			return s
		},
	}

	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			empty, err := s.Get(ctx, "a", "2026-03-14")
			require.NoError(t, err)
			assert.Equal(t, Amount(0), empty.Spent)

			e, ok, err := s.IncrementWithCeiling(ctx, "a", "2026-03-14", Dollars(35), Dollars(50))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, Dollars(35), e.Spent)

			e, ok, err = s.IncrementWithCeiling(ctx, "a", "2026-03-14", Dollars(20), Dollars(50))
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, Dollars(35), e.Spent)
			assert.Equal(t, int64(1), e.Count)

			e, ok, err = s.IncrementWithCeiling(ctx, "a", "2026-03-14", Dollars(15), Dollars(50))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, Dollars(50), e.Spent)

			e, err = s.Increment(ctx, "a", "2026-03-14", Dollars(5))
			require.NoError(t, err)
			assert.Equal(t, Dollars(55), e.Spent)
			assert.Equal(t, int64(3), e.Count)

			// 日期是键的一部分
			other, err := s.Get(ctx, "a", "2026-03-15")
			require.NoError(t, err)
			assert.Equal(t, Amount(0), other.Spent)
		})
	}
}

func TestLedgerStores_ConcurrentIncrementNeverExceedsCeiling(t *testing.T) {
	stores := map[string]LedgerStore{
		"memory": NewMemoryLedgerStore(),
	}
	rs, _ := newRedisLedger(t)
	stores["redis"] = rs

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			var mu sync.Mutex
			succeeded := 0
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := s.IncrementWithCeiling(ctx, "c", "2026-03-14", Dollars(3), Dollars(50))
					if err == nil && ok {
						mu.Lock()
						succeeded++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 16, succeeded)
			e, err := s.Get(ctx, "c", "2026-03-14")
			require.NoError(t, err)
			assert.Equal(t, Dollars(48), e.Spent)
		})
	}
}

func TestRedisLedgerStore_KeyExpires(t *testing.T) {
	s, mr := newRedisLedger(t)
	ctx := context.Background()

	_, ok, err := s.IncrementWithCeiling(ctx, "a", "2026-03-14", 100, 1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("test:ledger:a:2026-03-14"))
	assert.Equal(t, time.Hour, mr.TTL("test:ledger:a:2026-03-14"))

	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists("test:ledger:a:2026-03-14"))
}

func TestGormTransactionStore(t *testing.T) {
	_, db := newGormLedger(t)
	s := NewGormTransactionStore(db)
	ctx := context.Background()

	tx := &Transaction{
		ID: "tx-1", ActorID: "a", TaskID: "t", Category: "tip", Amount: Dollars(3),
		Date: "2026-03-14", Outcome: OutcomeRejected, Reason: "over", CreatedAt: testNow,
	}
	require.NoError(t, s.Save(ctx, tx))
	assert.ErrorIs(t, s.Save(ctx, tx), ErrTransactionExists)

	got, err := s.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, Dollars(3), got.Amount)
	assert.Equal(t, OutcomeRejected, got.Outcome)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	require.NoError(t, s.Save(ctx, &Transaction{
		ID: "tx-2", ActorID: "a", Amount: 1, Date: "2026-03-14", Outcome: OutcomeAutonomous, CreatedAt: testNow.Add(time.Second),
	}))
	list, err := s.List(ctx, TransactionFilter{ActorID: "a", Outcome: OutcomeAutonomous})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "tx-2", list[0].ID)
}

func TestGovernor_WithGormStores(t *testing.T) {
	ledger, db := newGormLedger(t)
	g, _ := newTestGovernor(t, testConfig(), ledger, WithTransactionStore(NewGormTransactionStore(db)))
	ctx := context.Background()

	d, err := g.Authorize(ctx, Request{ActorID: "a", Amount: Dollars(20)})
	require.NoError(t, err)
	assert.True(t, d.Authorized)

	stored, err := g.Transactions(ctx, TransactionFilter{ActorID: "a"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, d.Transaction.ID, stored[0].ID)
}
