package audit

import (
	"context"
	"sync"
)

// MemoryStore 进程内审计存储
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore 创建进程内审计存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append 实现 Store.Append
func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.entries); n > 0 && s.entries[n-1].Sequence >= e.Sequence {
		return ErrSequenceConflict
	}
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

// Last 实现 Store.Last
func (s *MemoryStore) Last(_ context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return nil, nil
	}
	cp := *s.entries[len(s.entries)-1]
	return &cp, nil
}

// List 实现 Store.List
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0)
	for _, e := range s.entries {
		if !f.matches(e) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (f Filter) matches(e *Entry) bool {
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	return true
}
