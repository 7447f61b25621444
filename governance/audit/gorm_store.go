package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// entryRow audit_entries 表映射
type entryRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Sequence  int64     `gorm:"uniqueIndex;not null"`
	Category  string    `gorm:"size:32;index"`
	Action    string    `gorm:"size:64"`
	TaskID    string    `gorm:"size:64;index"`
	ActorID   string    `gorm:"size:128;index"`
	Subject   string    `gorm:"size:255"`
	Exception bool      `gorm:"not null;default:false"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null"`
	PrevHash  string    `gorm:"size:64;not null"`
	Hash      string    `gorm:"size:64;not null"`
}

func (entryRow) TableName() string { return "audit_entries" }

// GormStore 基于 GORM 的审计存储
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 GORM 审计存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 创建表结构，生产环境使用 migration 包
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&entryRow{})
}

// Append 实现 Store.Append
func (s *GormStore) Append(ctx context.Context, e *Entry) error {
	details := ""
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = string(b)
	}

	row := entryRow{
		ID:        e.ID,
		Sequence:  e.Sequence,
		Category:  string(e.Category),
		Action:    e.Action,
		TaskID:    e.TaskID,
		ActorID:   e.ActorID,
		Subject:   e.Subject,
		Exception: e.Exception,
		Details:   details,
		CreatedAt: e.CreatedAt,
		PrevHash:  e.PrevHash,
		Hash:      e.Hash,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		var count int64
		if cerr := s.db.WithContext(ctx).Model(&entryRow{}).
			Where("sequence = ?", e.Sequence).Count(&count).Error; cerr == nil && count > 0 {
			return ErrSequenceConflict
		}
		return err
	}
	return nil
}

// Last 实现 Store.Last
func (s *GormStore) Last(ctx context.Context) (*Entry, error) {
	var row entryRow
	err := s.db.WithContext(ctx).Order("sequence DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toEntry()
}

// List 实现 Store.List
func (s *GormStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	q := s.db.WithContext(ctx).Model(&entryRow{}).Order("sequence ASC")
	if f.TaskID != "" {
		q = q.Where("task_id = ?", f.TaskID)
	}
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.Category != "" {
		q = q.Where("category = ?", string(f.Category))
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []entryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *entryRow) toEntry() (*Entry, error) {
	e := &Entry{
		ID:        r.ID,
		Sequence:  r.Sequence,
		Category:  Category(r.Category),
		Action:    r.Action,
		TaskID:    r.TaskID,
		ActorID:   r.ActorID,
		Subject:   r.Subject,
		Exception: r.Exception,
		CreatedAt: r.CreatedAt.UTC(),
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
	}
	if r.Details != "" {
		if err := json.Unmarshal([]byte(r.Details), &e.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details for sequence %d: %w", r.Sequence, err)
		}
	}
	return e, nil
}
