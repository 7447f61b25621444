package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Outcome 交易授权结果
type Outcome string

const (
	OutcomeAutonomous    Outcome = "autonomous"
	OutcomeHumanApproved Outcome = "human_approved"
	OutcomeRejected      Outcome = "rejected"
)

// Transaction 一次经济行为。记录结果后不可修改。
type Transaction struct {
	ID        string  `json:"id"`
	ActorID   string  `json:"actor_id"`
	TaskID    string  `json:"task_id,omitempty"`
	Category  string  `json:"category"`
	Recipient string  `json:"recipient,omitempty"`
	Amount    Amount  `json:"amount"`
	Date      string  `json:"date"`
	Outcome   Outcome `json:"outcome"`
	// Override 人工批准的超额交易
	Override bool `json:"override,omitempty"`
	// OverrideOf 被覆盖的原拒绝交易
	OverrideOf   string    `json:"override_of,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	EscalationID string    `json:"escalation_id,omitempty"`
	ApprovedBy   string    `json:"approved_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TransactionFilter 交易查询条件
type TransactionFilter struct {
	ActorID string
	TaskID  string
	Date    string
	Outcome Outcome
}

func (f TransactionFilter) matches(tx *Transaction) bool {
	if f.ActorID != "" && tx.ActorID != f.ActorID {
		return false
	}
	if f.TaskID != "" && tx.TaskID != f.TaskID {
		return false
	}
	if f.Date != "" && tx.Date != f.Date {
		return false
	}
	if f.Outcome != "" && tx.Outcome != f.Outcome {
		return false
	}
	return true
}

// ErrTransactionNotFound 交易不存在
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrTransactionExists 交易 ID 已存在，交易不可覆盖
var ErrTransactionExists = errors.New("transaction already recorded")

// TransactionStore 交易存储，只插入
type TransactionStore interface {
	Save(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	List(ctx context.Context, f TransactionFilter) ([]*Transaction, error)
}

// MemoryTransactionStore 内存交易存储
type MemoryTransactionStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

// NewMemoryTransactionStore 创建内存交易存储
func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{txs: make(map[string]*Transaction)}
}

// Save 实现 TransactionStore.Save
func (s *MemoryTransactionStore) Save(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTransactionExists, tx.ID)
	}
	cp := *tx
	s.txs[tx.ID] = &cp
	return nil
}

// Get 实现 TransactionStore.Get
func (s *MemoryTransactionStore) Get(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	cp := *tx
	return &cp, nil
}

// List 实现 TransactionStore.List，按创建时间升序
func (s *MemoryTransactionStore) List(_ context.Context, f TransactionFilter) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, tx := range s.txs {
		if f.matches(tx) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
