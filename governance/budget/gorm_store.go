package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ledgerRow budget_ledger 表映射，(actor_id, date) 为主键
type ledgerRow struct {
	ActorID   string    `gorm:"primaryKey;size:128"`
	Date      string    `gorm:"primaryKey;size:10"`
	Spent     int64     `gorm:"not null;default:0"`
	TxCount   int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (ledgerRow) TableName() string { return "budget_ledger" }

// transactionRow budget_transactions 表映射
type transactionRow struct {
	ID           string    `gorm:"primaryKey;size:36"`
	ActorID      string    `gorm:"size:128;index"`
	TaskID       string    `gorm:"size:64;index"`
	Category     string    `gorm:"size:64"`
	Recipient    string    `gorm:"size:255"`
	Amount       int64     `gorm:"not null"`
	Date         string    `gorm:"size:10;index"`
	Outcome      string    `gorm:"size:32;not null"`
	Override     bool      `gorm:"not null;default:false"`
	OverrideOf   string    `gorm:"size:36"`
	Reason       string    `gorm:"type:text"`
	EscalationID string    `gorm:"size:36"`
	ApprovedBy   string    `gorm:"size:128"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime:false"`
}

func (transactionRow) TableName() string { return "budget_transactions" }

// GormLedgerStore 基于 GORM 的账本。上限检查放在 UPDATE 的 WHERE 中，
// 由数据库行锁保证同一 (actor, date) 串行。
type GormLedgerStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormLedgerStore 创建 GORM 账本
func NewGormLedgerStore(db *gorm.DB) *GormLedgerStore {
	return &GormLedgerStore{db: db, now: time.Now}
}

// AutoMigrate 创建表结构，生产环境使用 migration 包
func (s *GormLedgerStore) AutoMigrate() error {
	return s.db.AutoMigrate(&ledgerRow{}, &transactionRow{})
}

func (s *GormLedgerStore) ensureRow(ctx context.Context, actorID, date string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ledgerRow{ActorID: actorID, Date: date, UpdatedAt: s.now()}).Error
}

// IncrementWithCeiling 实现 LedgerStore.IncrementWithCeiling
func (s *GormLedgerStore) IncrementWithCeiling(ctx context.Context, actorID, date string, amount, ceiling Amount) (LedgerEntry, bool, error) {
	if err := s.ensureRow(ctx, actorID, date); err != nil {
		return LedgerEntry{}, false, fmt.Errorf("ledger init %s/%s: %w", actorID, date, err)
	}

	result := s.db.WithContext(ctx).Model(&ledgerRow{}).
		Where("actor_id = ? AND date = ? AND spent + ? <= ?", actorID, date, int64(amount), int64(ceiling)).
		Updates(map[string]any{
			"spent":      gorm.Expr("spent + ?", int64(amount)),
			"tx_count":   gorm.Expr("tx_count + 1"),
			"updated_at": s.now(),
		})
	if result.Error != nil {
		return LedgerEntry{}, false, fmt.Errorf("ledger increment %s/%s: %w", actorID, date, result.Error)
	}

	entry, err := s.Get(ctx, actorID, date)
	if err != nil {
		return LedgerEntry{}, false, err
	}
	return entry, result.RowsAffected == 1, nil
}

// Increment 实现 LedgerStore.Increment
func (s *GormLedgerStore) Increment(ctx context.Context, actorID, date string, amount Amount) (LedgerEntry, error) {
	if err := s.ensureRow(ctx, actorID, date); err != nil {
		return LedgerEntry{}, fmt.Errorf("ledger init %s/%s: %w", actorID, date, err)
	}
	err := s.db.WithContext(ctx).Model(&ledgerRow{}).
		Where("actor_id = ? AND date = ?", actorID, date).
		Updates(map[string]any{
			"spent":      gorm.Expr("spent + ?", int64(amount)),
			"tx_count":   gorm.Expr("tx_count + 1"),
			"updated_at": s.now(),
		}).Error
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("ledger increment %s/%s: %w", actorID, date, err)
	}
	return s.Get(ctx, actorID, date)
}

// Get 实现 LedgerStore.Get
func (s *GormLedgerStore) Get(ctx context.Context, actorID, date string) (LedgerEntry, error) {
	var row ledgerRow
	err := s.db.WithContext(ctx).Where("actor_id = ? AND date = ?", actorID, date).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LedgerEntry{ActorID: actorID, Date: date}, nil
	}
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("ledger get %s/%s: %w", actorID, date, err)
	}
	return LedgerEntry{
		ActorID:   row.ActorID,
		Date:      row.Date,
		Spent:     Amount(row.Spent),
		Count:     row.TxCount,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// GormTransactionStore 基于 GORM 的交易存储
type GormTransactionStore struct {
	db *gorm.DB
}

// NewGormTransactionStore 创建 GORM 交易存储
func NewGormTransactionStore(db *gorm.DB) *GormTransactionStore {
	return &GormTransactionStore{db: db}
}

// AutoMigrate 创建交易表
func (s *GormTransactionStore) AutoMigrate() error {
	return s.db.AutoMigrate(&transactionRow{})
}

// Save 实现 TransactionStore.Save
func (s *GormTransactionStore) Save(ctx context.Context, tx *Transaction) error {
	row := transactionRow{
		ID:           tx.ID,
		ActorID:      tx.ActorID,
		TaskID:       tx.TaskID,
		Category:     tx.Category,
		Recipient:    tx.Recipient,
		Amount:       int64(tx.Amount),
		Date:         tx.Date,
		Outcome:      string(tx.Outcome),
		Override:     tx.Override,
		OverrideOf:   tx.OverrideOf,
		Reason:       tx.Reason,
		EscalationID: tx.EscalationID,
		ApprovedBy:   tx.ApprovedBy,
		CreatedAt:    tx.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		var count int64
		if cerr := s.db.WithContext(ctx).Model(&transactionRow{}).
			Where("id = ?", tx.ID).Count(&count).Error; cerr == nil && count > 0 {
			return fmt.Errorf("%w: %s", ErrTransactionExists, tx.ID)
		}
		return err
	}
	return nil
}

// Get 实现 TransactionStore.Get
func (s *GormTransactionStore) Get(ctx context.Context, id string) (*Transaction, error) {
	var row transactionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return row.toTransaction(), nil
}

// List 实现 TransactionStore.List
func (s *GormTransactionStore) List(ctx context.Context, f TransactionFilter) ([]*Transaction, error) {
	q := s.db.WithContext(ctx).Model(&transactionRow{}).Order("created_at ASC, id ASC")
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.TaskID != "" {
		q = q.Where("task_id = ?", f.TaskID)
	}
	if f.Date != "" {
		q = q.Where("date = ?", f.Date)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", string(f.Outcome))
	}

	var rows []transactionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Transaction, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toTransaction())
	}
	return out, nil
}

func (r *transactionRow) toTransaction() *Transaction {
	return &Transaction{
		ID:           r.ID,
		ActorID:      r.ActorID,
		TaskID:       r.TaskID,
		Category:     r.Category,
		Recipient:    r.Recipient,
		Amount:       Amount(r.Amount),
		Date:         r.Date,
		Outcome:      Outcome(r.Outcome),
		Override:     r.Override,
		OverrideOf:   r.OverrideOf,
		Reason:       r.Reason,
		EscalationID: r.EscalationID,
		ApprovedBy:   r.ApprovedBy,
		CreatedAt:    r.CreatedAt,
	}
}

// suspensionRow budget_suspensions 表映射
type suspensionRow struct {
	ActorID     string    `gorm:"primaryKey;size:128"`
	Reason      string    `gorm:"type:text"`
	SuspendedAt time.Time `gorm:"not null"`
}

func (suspensionRow) TableName() string { return "budget_suspensions" }

// GormSuspensionStore 基于 GORM 的挂起登记，主键冲突即已挂起
type GormSuspensionStore struct {
	db *gorm.DB
}

// NewGormSuspensionStore 创建 GORM 挂起登记
func NewGormSuspensionStore(db *gorm.DB) *GormSuspensionStore {
	return &GormSuspensionStore{db: db}
}

// AutoMigrate 创建挂起表
func (s *GormSuspensionStore) AutoMigrate() error {
	return s.db.AutoMigrate(&suspensionRow{})
}

// Suspend 实现 SuspensionStore.Suspend
func (s *GormSuspensionStore) Suspend(ctx context.Context, actorID, reason string, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&suspensionRow{ActorID: actorID, Reason: reason, SuspendedAt: at})
	if result.Error != nil {
		return false, fmt.Errorf("suspend %s: %w", actorID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Resume 实现 SuspensionStore.Resume
func (s *GormSuspensionStore) Resume(ctx context.Context, actorID string) (bool, error) {
	result := s.db.WithContext(ctx).Where("actor_id = ?", actorID).Delete(&suspensionRow{})
	if result.Error != nil {
		return false, fmt.Errorf("resume %s: %w", actorID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Get 实现 SuspensionStore.Get
func (s *GormSuspensionStore) Get(ctx context.Context, actorID string) (Suspension, bool, error) {
	var row suspensionRow
	err := s.db.WithContext(ctx).Where("actor_id = ?", actorID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Suspension{}, false, nil
	}
	if err != nil {
		return Suspension{}, false, fmt.Errorf("suspension get %s: %w", actorID, err)
	}
	return Suspension{ActorID: row.ActorID, Reason: row.Reason, SuspendedAt: row.SuspendedAt}, true, nil
}

// List 实现 SuspensionStore.List
func (s *GormSuspensionStore) List(ctx context.Context) ([]Suspension, error) {
	var rows []suspensionRow
	if err := s.db.WithContext(ctx).Order("suspended_at ASC, actor_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Suspension, 0, len(rows))
	for _, r := range rows {
		out = append(out, Suspension{ActorID: r.ActorID, Reason: r.Reason, SuspendedAt: r.SuspendedAt})
	}
	return out, nil
}
