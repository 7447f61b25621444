package hitl

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/chimera/types"
)

// Filter 查询条件
type Filter struct {
	Status   Status
	Severity *types.Severity
	TaskID   string
}

func (f Filter) matches(it *Item) bool {
	if f.Status != "" && it.Status != f.Status {
		return false
	}
	if f.Severity != nil && it.Severity != *f.Severity {
		return false
	}
	if f.TaskID != "" && it.TaskID != f.TaskID {
		return false
	}
	return true
}

// Store 升级项持久化存储
type Store interface {
	Save(ctx context.Context, item *Item) error
	Load(ctx context.Context, id string) (*Item, error)
	// List 按队列顺序返回
	List(ctx context.Context, f Filter) ([]*Item, error)
	// Resolve 仅当升级项仍为 pending 时原子写入决定
	Resolve(ctx context.Context, id string, res Resolution) (*Item, error)
}

// MemoryStore 进程内升级项存储
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewMemoryStore 创建进程内存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

func cloneItem(it *Item) *Item {
	cp := *it
	if it.Resolution != nil {
		r := *it.Resolution
		cp.Resolution = &r
	}
	return &cp
}

// Save 实现 Store.Save
func (s *MemoryStore) Save(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = cloneItem(item)
	return nil
}

// Load 实现 Store.Load
func (s *MemoryStore) Load(_ context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneItem(it), nil
}

// List 实现 Store.List
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Item, 0)
	for _, it := range s.items {
		if f.matches(it) {
			out = append(out, cloneItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

// Resolve 实现 Store.Resolve
func (s *MemoryStore) Resolve(_ context.Context, id string, res Resolution) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, notFound(id)
	}
	if it.Status != StatusPending {
		return nil, newAlreadyResolvedError(id, *it.Resolution)
	}
	it.Status = StatusResolved
	r := res
	it.Resolution = &r
	return cloneItem(it), nil
}
