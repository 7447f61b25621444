package budget

import (
	"context"
	"sync"
	"time"
)

// DateLayout 账本日期键格式（UTC 自然日）
const DateLayout = "2006-01-02"

// LedgerEntry 主体某日的累计支出
type LedgerEntry struct {
	ActorID   string    `json:"actor_id"`
	Date      string    `json:"date"`
	Spent     Amount    `json:"spent"`
	Count     int64     `json:"count"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// LedgerStore 账本存储。所有写操作必须对同一 (actor, date) 原子。
type LedgerStore interface {
	// IncrementWithCeiling 当 spent+amount <= ceiling 时累加并返回 true；
	// 否则不修改账本，返回当前值与 false。
	IncrementWithCeiling(ctx context.Context, actorID, date string, amount, ceiling Amount) (LedgerEntry, bool, error)

	// Increment 无条件累加，仅用于人工批准的超额交易。
	Increment(ctx context.Context, actorID, date string, amount Amount) (LedgerEntry, error)

	// Get 读取账本，不存在时返回零值条目。
	Get(ctx context.Context, actorID, date string) (LedgerEntry, error)
}

type ledgerCell struct {
	mu    sync.Mutex
	entry LedgerEntry
}

// MemoryLedgerStore 进程内账本，每个键独立加锁
type MemoryLedgerStore struct {
	mu    sync.Mutex
	cells map[string]*ledgerCell
	now   func() time.Time
}

// NewMemoryLedgerStore 创建内存账本
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		cells: make(map[string]*ledgerCell),
		now:   time.Now,
	}
}

func (s *MemoryLedgerStore) cell(actorID, date string) *ledgerCell {
	key := actorID + "|" + date
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[key]
	if !ok {
		c = &ledgerCell{entry: LedgerEntry{ActorID: actorID, Date: date}}
		s.cells[key] = c
	}
	return c
}

// IncrementWithCeiling 实现 LedgerStore.IncrementWithCeiling
func (s *MemoryLedgerStore) IncrementWithCeiling(_ context.Context, actorID, date string, amount, ceiling Amount) (LedgerEntry, bool, error) {
	c := s.cell(actorID, date)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry.Spent+amount > ceiling {
		return c.entry, false, nil
	}
	c.entry.Spent += amount
	c.entry.Count++
	c.entry.UpdatedAt = s.now()
	return c.entry, true, nil
}

// Increment 实现 LedgerStore.Increment
func (s *MemoryLedgerStore) Increment(_ context.Context, actorID, date string, amount Amount) (LedgerEntry, error) {
	c := s.cell(actorID, date)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entry.Spent += amount
	c.entry.Count++
	c.entry.UpdatedAt = s.now()
	return c.entry, nil
}

// Get 实现 LedgerStore.Get
func (s *MemoryLedgerStore) Get(_ context.Context, actorID, date string) (LedgerEntry, error) {
	c := s.cell(actorID, date)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry, nil
}
