package circuitbreaker

import (
	"context"
	"sync"
	"time"
)

// Snapshot 是单个依赖的熔断器持久化状态。
// Version 每次成功写入递增一次，用于 compare-and-swap。
type Snapshot struct {
	State          State     `json:"state"`
	Failures       int       `json:"failures"`
	TransitionedAt time.Time `json:"transitioned_at"`
	HalfOpenCalls  int       `json:"half_open_calls"`
	Version        int64     `json:"version"`
}

// StateStore 是熔断器状态的唯一权威存储。
// 所有 worker 通过它共享同一依赖的状态。
type StateStore interface {
	// Load 读取依赖状态；不存在时返回零值快照（closed，version 0）
	Load(ctx context.Context, name string) (Snapshot, error)

	// CompareAndSwap 仅当当前 version 等于 expected 时写入 next，
	// 写入后的 version 为 expected+1
	CompareAndSwap(ctx context.Context, name string, expected int64, next Snapshot) (bool, error)
}

// MemoryStateStore 进程内状态存储
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]Snapshot
}

// NewMemoryStateStore 创建进程内状态存储
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]Snapshot)}
}

// Load 实现 StateStore.Load
func (s *MemoryStateStore) Load(_ context.Context, name string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[name], nil
}

// CompareAndSwap 实现 StateStore.CompareAndSwap
func (s *MemoryStateStore) CompareAndSwap(_ context.Context, name string, expected int64, next Snapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[name].Version != expected {
		return false, nil
	}
	next.Version = expected + 1
	s.states[name] = next
	return true, nil
}
