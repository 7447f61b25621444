package budget

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Suspension 被挂起的主体
type Suspension struct {
	ActorID     string    `json:"actor_id"`
	Reason      string    `json:"reason"`
	SuspendedAt time.Time `json:"suspended_at"`
}

// SuspensionStore 主体挂起登记。挂起必须在进程重启后保持，
// 多实例部署时所有实例共享同一份登记。
type SuspensionStore interface {
	// Suspend 登记挂起。主体已被挂起时返回 false，原因保持不变。
	Suspend(ctx context.Context, actorID, reason string, at time.Time) (bool, error)

	// Resume 解除挂起。主体未被挂起时返回 false。
	Resume(ctx context.Context, actorID string) (bool, error)

	// Get 读取挂起记录
	Get(ctx context.Context, actorID string) (Suspension, bool, error)

	// List 按挂起时间升序返回所有挂起记录
	List(ctx context.Context) ([]Suspension, error)
}

// MemorySuspensionStore 进程内挂起登记
type MemorySuspensionStore struct {
	mu   sync.RWMutex
	byID map[string]Suspension
}

// NewMemorySuspensionStore 创建内存挂起登记
func NewMemorySuspensionStore() *MemorySuspensionStore {
	return &MemorySuspensionStore{byID: make(map[string]Suspension)}
}

// Suspend 实现 SuspensionStore.Suspend
func (s *MemorySuspensionStore) Suspend(_ context.Context, actorID, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[actorID]; ok {
		return false, nil
	}
	s.byID[actorID] = Suspension{ActorID: actorID, Reason: reason, SuspendedAt: at}
	return true, nil
}

// Resume 实现 SuspensionStore.Resume
func (s *MemorySuspensionStore) Resume(_ context.Context, actorID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[actorID]; !ok {
		return false, nil
	}
	delete(s.byID, actorID)
	return true, nil
}

// Get 实现 SuspensionStore.Get
func (s *MemorySuspensionStore) Get(_ context.Context, actorID string) (Suspension, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sus, ok := s.byID[actorID]
	return sus, ok, nil
}

// List 实现 SuspensionStore.List
func (s *MemorySuspensionStore) List(_ context.Context) ([]Suspension, error) {
	s.mu.RLock()
	out := make([]Suspension, 0, len(s.byID))
	for _, sus := range s.byID {
		out = append(out, sus)
	}
	s.mu.RUnlock()
	sortSuspensions(out)
	return out, nil
}

func sortSuspensions(out []Suspension) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].SuspendedAt.Equal(out[j].SuspendedAt) {
			return out[i].ActorID < out[j].ActorID
		}
		return out[i].SuspendedAt.Before(out[j].SuspendedAt)
	})
}
