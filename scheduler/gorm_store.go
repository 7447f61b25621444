package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// taskRow tasks 表映射。完整快照存放在 data 列，其余列用于查询。
type taskRow struct {
	ID                string    `gorm:"primaryKey;size:36"`
	Kind              string    `gorm:"size:32;not null"`
	State             string    `gorm:"size:16;not null;index"`
	Priority          int       `gorm:"not null"`
	EffectivePriority int       `gorm:"not null"`
	ActorID           string    `gorm:"size:128;index"`
	Seq               int64     `gorm:"not null"`
	EscalationID      string    `gorm:"size:36"`
	Data              string    `gorm:"type:text;not null"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (taskRow) TableName() string { return "tasks" }

var terminalStates = []string{string(StateCompleted), string(StateFailed), string(StateCancelled)}

// GormStore 基于 GORM 的任务存储
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 GORM 任务存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 创建表结构，生产环境使用 migration 包
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&taskRow{})
}

// Save 实现 Store.Save
func (s *GormStore) Save(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	row := &taskRow{
		ID:                t.ID,
		Kind:              string(t.Spec.Kind),
		State:             string(t.State),
		Priority:          int(t.Spec.Priority),
		EffectivePriority: int(t.EffectivePriority),
		ActorID:           t.Spec.ActorID,
		Seq:               t.Seq,
		EscalationID:      t.EscalationID,
		Data:              string(data),
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
	return s.db.WithContext(ctx).Save(row).Error
}

// Load 实现 Store.Load
func (s *GormStore) Load(ctx context.Context, id string) (*Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, taskNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return row.toTask()
}

// ListActive 实现 Store.ListActive
func (s *GormStore) ListActive(ctx context.Context) ([]*Task, error) {
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("state NOT IN ?", terminalStates).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *taskRow) toTask() (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(r.Data), &t); err != nil {
		return nil, err
	}
	return &t, nil
}
