// Package audit 提供引擎的追加写审计日志。
//
// 每条记录保存上一条记录的哈希，哈希基于 RFC 8785 规范化 JSON 计算，
// Verify 可以检测任何对历史记录的篡改或删除。
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"github.com/BaSui01/chimera/types"
)

// Category 审计分类
type Category string

const (
	CategoryTask       Category = "task"
	CategoryRouting    Category = "routing"
	CategoryBudget     Category = "budget"
	CategoryEscalation Category = "escalation"
	CategoryBreaker    Category = "breaker"
	CategoryRetry      Category = "retry"
)

// GenesisHash is the PrevHash of the first entry.
const GenesisHash = "genesis"

var (
	// ErrSequenceConflict 另一个写入者已占用该序号
	ErrSequenceConflict = errors.New("audit sequence already taken")
)

// Entry 单条审计记录，写入后不可修改。
type Entry struct {
	ID        string         `json:"id"`
	Sequence  int64          `json:"sequence"`
	Category  Category       `json:"category"`
	Action    string         `json:"action"`
	TaskID    string         `json:"task_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Exception bool           `json:"exception,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// Filter 查询条件，零值字段不参与过滤
type Filter struct {
	TaskID   string
	ActorID  string
	Category Category
	Action   string
	Limit    int
}

// Store 审计存储，只允许追加。
type Store interface {
	// Append 写入新记录；序号已存在时返回 ErrSequenceConflict
	Append(ctx context.Context, e *Entry) error
	// Last 返回序号最大的记录，空日志返回 nil
	Last(ctx context.Context) (*Entry, error)
	// List 按序号升序返回记录
	List(ctx context.Context, f Filter) ([]*Entry, error)
}

// Recorder 是其他组件写审计的唯一入口
type Recorder interface {
	Record(ctx context.Context, e Entry) (*Entry, error)
}

// Discard 丢弃所有记录
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(_ context.Context, e Entry) (*Entry, error) { return &e, nil }

// Log 哈希链审计日志
type Log struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger

	mu sync.Mutex
}

// Option 配置 Log
type Option func(*Log)

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog 创建审计日志
func NewLog(store Store, logger *zap.Logger, opts ...Option) *Log {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{
		store:  store,
		now:    time.Now,
		logger: logger.With(zap.String("component", "audit")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

const maxAppendAttempts = 5

// Record 追加一条记录并返回带序号和哈希的副本
func (l *Log) Record(ctx context.Context, e Entry) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		last, err := l.store.Last(ctx)
		if err != nil {
			return nil, fmt.Errorf("audit: load chain head: %w", err)
		}

		entry := e
		entry.ID = uuid.New().String()
		entry.Sequence = 1
		entry.PrevHash = GenesisHash
		if last != nil {
			entry.Sequence = last.Sequence + 1
			entry.PrevHash = last.Hash
		}
		entry.CreatedAt = l.now().UTC().Truncate(time.Microsecond)
		entry.Hash, err = ComputeHash(&entry)
		if err != nil {
			return nil, err
		}

		if err := l.store.Append(ctx, &entry); err != nil {
			if errors.Is(err, ErrSequenceConflict) {
				continue
			}
			return nil, fmt.Errorf("audit: append: %w", err)
		}

		l.logger.Debug("audit recorded",
			zap.Int64("sequence", entry.Sequence),
			zap.String("category", string(entry.Category)),
			zap.String("action", entry.Action),
			zap.String("task_id", entry.TaskID),
		)
		return &entry, nil
	}
	return nil, fmt.Errorf("audit: append: %w", ErrSequenceConflict)
}

// List 查询记录
func (l *Log) List(ctx context.Context, f Filter) ([]*Entry, error) {
	return l.store.List(ctx, f)
}

// Verify 校验整条哈希链，发现断链或篡改时返回 DATA_INTEGRITY 错误
func (l *Log) Verify(ctx context.Context) error {
	entries, err := l.store.List(ctx, Filter{})
	if err != nil {
		return err
	}

	prev := GenesisHash
	for i, e := range entries {
		if e.Sequence != int64(i+1) {
			return integrityError(e, fmt.Sprintf("sequence gap: expected %d", i+1))
		}
		if e.PrevHash != prev {
			return integrityError(e, "previous hash mismatch")
		}
		h, err := ComputeHash(e)
		if err != nil {
			return err
		}
		if h != e.Hash {
			return integrityError(e, "entry hash mismatch")
		}
		prev = e.Hash
	}
	return nil
}

func integrityError(e *Entry, msg string) error {
	return types.NewError(types.ErrDataIntegrity,
		fmt.Sprintf("audit chain broken at sequence %d: %s", e.Sequence, msg))
}

// ComputeHash 计算记录哈希：sha256(JCS(记录去掉 Hash 字段))
func ComputeHash(e *Entry) (string, error) {
	hashable := struct {
		ID        string         `json:"id"`
		Sequence  int64          `json:"sequence"`
		Category  Category       `json:"category"`
		Action    string         `json:"action"`
		TaskID    string         `json:"task_id"`
		ActorID   string         `json:"actor_id"`
		Subject   string         `json:"subject"`
		Exception bool           `json:"exception"`
		Details   map[string]any `json:"details"`
		CreatedAt string         `json:"created_at"`
		PrevHash  string         `json:"prev_hash"`
	}{
		ID:        e.ID,
		Sequence:  e.Sequence,
		Category:  e.Category,
		Action:    e.Action,
		TaskID:    e.TaskID,
		ActorID:   e.ActorID,
		Subject:   e.Subject,
		Exception: e.Exception,
		Details:   e.Details,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		PrevHash:  e.PrevHash,
	}

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
