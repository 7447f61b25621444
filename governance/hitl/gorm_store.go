package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/chimera/types"
)

// escalationRow escalations 表映射
type escalationRow struct {
	ID         string     `gorm:"primaryKey;size:36"`
	TaskID     string     `gorm:"size:64;index"`
	ActorID    string     `gorm:"size:128"`
	Severity   int        `gorm:"not null;index:idx_escalations_queue,priority:2"`
	Reason     string     `gorm:"size:32;not null"`
	Summary    string     `gorm:"type:text"`
	Context    string     `gorm:"type:text"`
	Status     string     `gorm:"size:16;not null;index:idx_escalations_queue,priority:1"`
	Sequence   int64      `gorm:"not null;index:idx_escalations_queue,priority:3"`
	CreatedAt  time.Time  `gorm:"not null"`
	Outcome    string     `gorm:"size:16"`
	ResolvedBy string     `gorm:"size:128"`
	Comment    string     `gorm:"type:text"`
	ResolvedAt *time.Time
}

func (escalationRow) TableName() string { return "escalations" }

// GormStore 基于 GORM 的持久化升级队列存储
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 GORM 存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 创建表结构，生产环境使用 migration 包
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&escalationRow{})
}

// Save 实现 Store.Save
func (s *GormStore) Save(ctx context.Context, item *Item) error {
	row, err := toRow(item)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(row).Error
}

// Load 实现 Store.Load
func (s *GormStore) Load(ctx context.Context, id string) (*Item, error) {
	var row escalationRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	return row.toItem()
}

// List 实现 Store.List
func (s *GormStore) List(ctx context.Context, f Filter) ([]*Item, error) {
	q := s.db.WithContext(ctx).Model(&escalationRow{}).Order("severity DESC").Order("sequence ASC")
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Severity != nil {
		q = q.Where("severity = ?", int(*f.Severity))
	}
	if f.TaskID != "" {
		q = q.Where("task_id = ?", f.TaskID)
	}

	var rows []escalationRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Item, 0, len(rows))
	for i := range rows {
		it, err := rows[i].toItem()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// Resolve 实现 Store.Resolve，条件更新保证只有一个解决者成功
func (s *GormStore) Resolve(ctx context.Context, id string, res Resolution) (*Item, error) {
	resolvedAt := res.ResolvedAt
	result := s.db.WithContext(ctx).Model(&escalationRow{}).
		Where("id = ? AND status = ?", id, string(StatusPending)).
		Updates(map[string]any{
			"status":      string(StatusResolved),
			"outcome":     string(res.Outcome),
			"resolved_by": res.ResolvedBy,
			"comment":     res.Comment,
			"resolved_at": &resolvedAt,
		})
	if result.Error != nil {
		return nil, result.Error
	}

	item, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		if item.Resolution == nil {
			return nil, fmt.Errorf("escalation %s in unexpected state %s", id, item.Status)
		}
		return nil, newAlreadyResolvedError(id, *item.Resolution)
	}
	return item, nil
}

func toRow(it *Item) (*escalationRow, error) {
	row := &escalationRow{
		ID:        it.ID,
		TaskID:    it.TaskID,
		ActorID:   it.ActorID,
		Severity:  int(it.Severity),
		Reason:    string(it.Reason),
		Summary:   it.Summary,
		Status:    string(it.Status),
		Sequence:  it.Sequence,
		CreatedAt: it.CreatedAt,
	}
	if len(it.Context) > 0 {
		b, err := json.Marshal(it.Context)
		if err != nil {
			return nil, fmt.Errorf("marshal escalation context: %w", err)
		}
		row.Context = string(b)
	}
	if it.Resolution != nil {
		at := it.Resolution.ResolvedAt
		row.Outcome = string(it.Resolution.Outcome)
		row.ResolvedBy = it.Resolution.ResolvedBy
		row.Comment = it.Resolution.Comment
		row.ResolvedAt = &at
	}
	return row, nil
}

func (r *escalationRow) toItem() (*Item, error) {
	it := &Item{
		ID:        r.ID,
		TaskID:    r.TaskID,
		ActorID:   r.ActorID,
		Severity:  types.Severity(r.Severity),
		Reason:    Reason(r.Reason),
		Summary:   r.Summary,
		Status:    Status(r.Status),
		Sequence:  r.Sequence,
		CreatedAt: r.CreatedAt,
	}
	if r.Context != "" {
		if err := json.Unmarshal([]byte(r.Context), &it.Context); err != nil {
			return nil, fmt.Errorf("unmarshal escalation context: %w", err)
		}
	}
	if r.ResolvedAt != nil {
		it.Resolution = &Resolution{
			Decision: Decision{
				Outcome:    Outcome(r.Outcome),
				ResolvedBy: r.ResolvedBy,
				Comment:    r.Comment,
			},
			ResolvedAt: *r.ResolvedAt,
		}
	}
	return it, nil
}
