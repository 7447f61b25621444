package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/chimera/governance/audit"
	"github.com/BaSui01/chimera/governance/hitl"
	"github.com/BaSui01/chimera/types"
)

// Config 预算治理配置
type Config struct {
	// DefaultDailyCeiling 未单独配置的主体使用的每日上限
	DefaultDailyCeiling Amount            `yaml:"default_daily_ceiling" json:"default_daily_ceiling"`
	ActorCeilings       map[string]Amount `yaml:"actor_ceilings" json:"actor_ceilings,omitempty"`
	// CategoryCaps 分类单笔上限，不得超过 GlobalMaxTransaction
	CategoryCaps         map[string]Amount `yaml:"category_caps" json:"category_caps,omitempty"`
	GlobalMaxTransaction Amount            `yaml:"global_max_transaction" json:"global_max_transaction"`

	// VelocityBurst 窗口内允许的授权次数，0 表示关闭速率检测
	VelocityBurst  int           `yaml:"velocity_burst" json:"velocity_burst"`
	VelocityWindow time.Duration `yaml:"velocity_window" json:"velocity_window"`

	// AlertThreshold 当日支出达到上限该比例时告警（0-1）
	AlertThreshold float64 `yaml:"alert_threshold" json:"alert_threshold"`

	// EscalateRejections 超限拒绝时创建人工覆盖升级
	EscalateRejections bool `yaml:"escalate_rejections" json:"escalate_rejections"`
}

// DefaultConfig 返回默认配置：每日 $50，单笔 $20
func DefaultConfig() *Config {
	return &Config{
		DefaultDailyCeiling:  Dollars(50),
		GlobalMaxTransaction: Dollars(20),
		VelocityBurst:        20,
		VelocityWindow:       time.Hour,
		AlertThreshold:       0.8,
		EscalateRejections:   true,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.DefaultDailyCeiling < 0 {
		return fmt.Errorf("default_daily_ceiling must be non-negative")
	}
	if c.GlobalMaxTransaction <= 0 {
		return fmt.Errorf("global_max_transaction must be positive")
	}
	for actor, v := range c.ActorCeilings {
		if v < 0 {
			return fmt.Errorf("ceiling for actor %s must be non-negative", actor)
		}
	}
	for cat, v := range c.CategoryCaps {
		if v <= 0 || v > c.GlobalMaxTransaction {
			return fmt.Errorf("cap for category %s must be in (0, %s]", cat, c.GlobalMaxTransaction)
		}
	}
	if c.VelocityBurst < 0 {
		return fmt.Errorf("velocity_burst must be non-negative")
	}
	if c.VelocityBurst > 0 && c.VelocityWindow <= 0 {
		return fmt.Errorf("velocity_window must be positive when velocity_burst is set")
	}
	if c.AlertThreshold < 0 || c.AlertThreshold > 1 {
		return fmt.Errorf("alert_threshold must be within [0,1]")
	}
	return nil
}

// Request 授权请求
type Request struct {
	ActorID   string `json:"actor_id"`
	TaskID    string `json:"task_id,omitempty"`
	Category  string `json:"category"`
	Recipient string `json:"recipient,omitempty"`
	Amount    Amount `json:"amount"`
}

// Decision 授权结果
type Decision struct {
	Authorized  bool         `json:"authorized"`
	Outcome     Outcome      `json:"outcome"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Ledger      LedgerEntry  `json:"ledger"`
	Ceiling     Amount       `json:"ceiling"`
	Reason      string       `json:"reason,omitempty"`
	Escalation  *hitl.Item   `json:"escalation,omitempty"`
}

// Err 将拒绝转换为永久错误，授权通过时返回 nil
func (d *Decision) Err() error {
	if d == nil || d.Authorized {
		return nil
	}
	return types.NewError(types.ErrBudgetExceeded, d.Reason)
}

// Observer 接收预算事件
type Observer interface {
	AuthorizationDecided(category, outcome string)
	SpendRecorded(category string, dollars float64)
}

// Governor 经济治理器。账本读-检查-累加由 LedgerStore 原子完成，
// 任何存储错误都拒绝交易。
type Governor struct {
	cfg       Config
	ledger    LedgerStore
	txs       TransactionStore
	escalator hitl.Escalator
	audit     audit.Recorder
	observer  Observer
	now       func() time.Time
	logger    *zap.Logger

	suspensions SuspensionStore

	// overrideMu 串行化人工覆盖，检查与入账之间不会插入另一次覆盖
	overrideMu sync.Mutex

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option 配置 Governor
type Option func(*Governor)

// WithTransactionStore 设置交易存储（默认内存）
func WithTransactionStore(s TransactionStore) Option {
	return func(g *Governor) { g.txs = s }
}

// WithSuspensionStore 设置挂起登记（默认内存）
func WithSuspensionStore(s SuspensionStore) Option {
	return func(g *Governor) { g.suspensions = s }
}

// WithEscalator 设置人工升级入口
func WithEscalator(e hitl.Escalator) Option {
	return func(g *Governor) { g.escalator = e }
}

// WithAudit 设置审计记录器
func WithAudit(rec audit.Recorder) Option {
	return func(g *Governor) { g.audit = rec }
}

// WithObserver 设置事件观察者
func WithObserver(o Observer) Option {
	return func(g *Governor) { g.observer = o }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// NewGovernor 创建预算治理器
func NewGovernor(cfg *Config, ledger LedgerStore, logger *zap.Logger, opts ...Option) (*Governor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget config: %w", err)
	}
	if ledger == nil {
		ledger = NewMemoryLedgerStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Governor{
		cfg:       *cfg,
		ledger:    ledger,
		txs:       NewMemoryTransactionStore(),
		audit:     audit.Discard,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "budget")),
		suspensions: NewMemorySuspensionStore(),
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// CeilingFor 返回主体的每日上限
func (g *Governor) CeilingFor(actorID string) Amount {
	if v, ok := g.cfg.ActorCeilings[actorID]; ok {
		return v
	}
	return g.cfg.DefaultDailyCeiling
}

// TransactionCap 返回分类的单笔上限
func (g *Governor) TransactionCap(category string) Amount {
	if v, ok := g.cfg.CategoryCaps[category]; ok && v < g.cfg.GlobalMaxTransaction {
		return v
	}
	return g.cfg.GlobalMaxTransaction
}

// Authorize 授权一笔交易。拒绝不是错误：返回 Authorized=false 的 Decision。
// 返回错误时交易一定未被授权（参数非法、账本不可用或支出异常）。
func (g *Governor) Authorize(ctx context.Context, req Request) (*Decision, error) {
	d := &Decision{Outcome: OutcomeRejected}
	if req.ActorID == "" {
		d.Reason = "actor_id is required"
		return d, types.NewValidationError(d.Reason)
	}
	if req.Amount <= 0 {
		d.Reason = fmt.Sprintf("amount must be positive, got %s", req.Amount)
		return d, types.NewValidationError(d.Reason)
	}

	now := g.now()
	date := now.UTC().Format(DateLayout)
	d.Ceiling = g.CeilingFor(req.ActorID)

	reason, suspended, err := g.Suspended(ctx, req.ActorID)
	if err != nil {
		d.Reason = "suspension registry unavailable"
		g.logger.Error("suspension lookup failed, denying transaction",
			zap.String("actor_id", req.ActorID),
			zap.String("task_id", req.TaskID),
			zap.Error(err),
		)
		g.observe(req.Category, OutcomeRejected, 0)
		return d, types.NewError(types.ErrServiceUnavailable, d.Reason).
			WithDependency("budget_suspensions").
			WithCause(err)
	}
	if suspended {
		d.Reason = "actor suspended: " + reason
		g.reject(ctx, req, d, date, now, false)
		return d, nil
	}

	if !g.allowVelocity(req.ActorID, now) {
		return d, g.anomaly(ctx, req, d, date, now)
	}

	if limit := g.TransactionCap(req.Category); req.Amount > limit {
		d.Reason = fmt.Sprintf("amount %s exceeds single-transaction cap %s for %q", req.Amount, limit, req.Category)
		g.reject(ctx, req, d, date, now, g.cfg.EscalateRejections)
		return d, nil
	}

	entry, ok, err := g.ledger.IncrementWithCeiling(ctx, req.ActorID, date, req.Amount, d.Ceiling)
	if err != nil {
		d.Reason = "budget ledger unavailable"
		g.logger.Error("ledger increment failed, denying transaction",
			zap.String("actor_id", req.ActorID),
			zap.String("task_id", req.TaskID),
			zap.Error(err),
		)
		g.observe(req.Category, OutcomeRejected, 0)
		return d, types.NewError(types.ErrServiceUnavailable, d.Reason).
			WithDependency("budget_ledger").
			WithCause(err)
	}
	d.Ledger = entry

	if !ok {
		d.Reason = fmt.Sprintf("would total %s, exceeding daily ceiling %s", entry.Spent+req.Amount, d.Ceiling)
		g.reject(ctx, req, d, date, now, g.cfg.EscalateRejections)
		return d, nil
	}

	d.Authorized = true
	d.Outcome = OutcomeAutonomous
	d.Transaction = g.newTransaction(req, date, now, OutcomeAutonomous)
	g.saveTransaction(ctx, d.Transaction)
	g.record(ctx, audit.Entry{
		Category: audit.CategoryBudget,
		Action:   "budget.authorized",
		TaskID:   req.TaskID,
		ActorID:  req.ActorID,
		Subject:  d.Transaction.ID,
		Details: map[string]any{
			"amount":   int64(req.Amount),
			"category": req.Category,
			"spent":    int64(entry.Spent),
			"ceiling":  int64(d.Ceiling),
		},
	})
	g.observe(req.Category, OutcomeAutonomous, req.Amount)
	g.checkAlert(req.ActorID, entry.Spent-req.Amount, entry.Spent, d.Ceiling)

	g.logger.Info("transaction authorized",
		zap.String("actor_id", req.ActorID),
		zap.String("task_id", req.TaskID),
		zap.Stringer("amount", req.Amount),
		zap.Stringer("spent", entry.Spent),
	)
	return d, nil
}

// ApplyOverride 人工批准一笔被拒绝的交易。账本先无条件累加，成功后才写入
// 覆盖交易，交易记录不会声称账本未发生的支出。同一笔交易只能覆盖一次。
func (g *Governor) ApplyOverride(ctx context.Context, transactionID, approvedBy string) (*Decision, error) {
	orig, err := g.txs.Get(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, types.NewNotFoundError(err.Error()).WithCause(err)
		}
		return nil, err
	}
	if orig.Outcome != OutcomeRejected {
		return nil, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("transaction %s is %s, only rejected transactions can be overridden", orig.ID, orig.Outcome))
	}

	g.overrideMu.Lock()
	defer g.overrideMu.Unlock()

	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte("override:"+orig.ID)).String()
	switch _, err := g.txs.Get(ctx, id); {
	case err == nil:
		return nil, types.NewError(types.ErrAlreadyResolved,
			fmt.Sprintf("transaction %s already overridden", orig.ID))
	case !errors.Is(err, ErrTransactionNotFound):
		return nil, fmt.Errorf("lookup override: %w", err)
	}

	now := g.now()
	tx := &Transaction{
		ID:         id,
		ActorID:    orig.ActorID,
		TaskID:     orig.TaskID,
		Category:   orig.Category,
		Recipient:  orig.Recipient,
		Amount:     orig.Amount,
		Date:       now.UTC().Format(DateLayout),
		Outcome:    OutcomeHumanApproved,
		Override:   true,
		OverrideOf: orig.ID,
		Reason:     orig.Reason,
		ApprovedBy: approvedBy,
		CreatedAt:  now,
	}

	entry, err := g.ledger.Increment(ctx, tx.ActorID, tx.Date, tx.Amount)
	if err != nil {
		g.logger.Error("override ledger increment failed, nothing recorded",
			zap.String("transaction_id", orig.ID),
			zap.String("actor_id", tx.ActorID),
			zap.Error(err),
		)
		return nil, types.NewError(types.ErrServiceUnavailable, "budget ledger unavailable").
			WithDependency("budget_ledger").
			WithCause(err)
	}

	if err := g.txs.Save(ctx, tx); err != nil {
		if errors.Is(err, ErrTransactionExists) {
			return nil, types.NewError(types.ErrAlreadyResolved,
				fmt.Sprintf("transaction %s already overridden", orig.ID)).WithCause(err)
		}
		// 账本已累加：多计支出，不会少计
		g.logger.Error("override applied to ledger but transaction not recorded",
			zap.String("transaction_id", tx.ID),
			zap.String("actor_id", tx.ActorID),
			zap.Stringer("spent", entry.Spent),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record override: %w", err)
	}

	g.record(ctx, audit.Entry{
		Category:  audit.CategoryBudget,
		Action:    "budget.override",
		TaskID:    tx.TaskID,
		ActorID:   tx.ActorID,
		Subject:   tx.ID,
		Exception: true,
		Details: map[string]any{
			"override_of": orig.ID,
			"amount":      int64(tx.Amount),
			"approved_by": approvedBy,
			"spent":       int64(entry.Spent),
		},
	})
	g.observe(tx.Category, OutcomeHumanApproved, tx.Amount)

	g.logger.Warn("budget override applied",
		zap.String("actor_id", tx.ActorID),
		zap.String("transaction_id", tx.ID),
		zap.String("approved_by", approvedBy),
		zap.Stringer("spent", entry.Spent),
	)
	return &Decision{
		Authorized:  true,
		Outcome:     OutcomeHumanApproved,
		Transaction: tx,
		Ledger:      entry,
		Ceiling:     g.CeilingFor(tx.ActorID),
	}, nil
}

// Spent 返回主体当日账本
func (g *Governor) Spent(ctx context.Context, actorID string) (LedgerEntry, error) {
	return g.ledger.Get(ctx, actorID, g.now().UTC().Format(DateLayout))
}

// Transactions 查询交易记录
func (g *Governor) Transactions(ctx context.Context, f TransactionFilter) ([]*Transaction, error) {
	return g.txs.List(ctx, f)
}

// SuspendActor 挂起主体，之后的授权全部拒绝。挂起登记在存储中，重启后仍然有效。
func (g *Governor) SuspendActor(ctx context.Context, actorID, reason string) error {
	if actorID == "" {
		return types.NewValidationError("actor_id is required")
	}
	added, err := g.suspensions.Suspend(ctx, actorID, reason, g.now())
	if err != nil {
		return types.NewError(types.ErrServiceUnavailable, "suspension registry unavailable").
			WithDependency("budget_suspensions").
			WithCause(err)
	}
	if !added {
		return nil
	}

	g.logger.Warn("actor suspended", zap.String("actor_id", actorID), zap.String("reason", reason))
	g.record(ctx, audit.Entry{
		Category:  audit.CategoryBudget,
		Action:    "budget.actor_suspended",
		ActorID:   actorID,
		Exception: true,
		Details:   map[string]any{"reason": reason},
	})
	return nil
}

// ResumeActor 解除挂起
func (g *Governor) ResumeActor(ctx context.Context, actorID string) error {
	removed, err := g.suspensions.Resume(ctx, actorID)
	if err != nil {
		return types.NewError(types.ErrServiceUnavailable, "suspension registry unavailable").
			WithDependency("budget_suspensions").
			WithCause(err)
	}
	if !removed {
		return nil
	}

	g.limMu.Lock()
	delete(g.limiters, actorID)
	g.limMu.Unlock()

	g.logger.Info("actor resumed", zap.String("actor_id", actorID))
	g.record(ctx, audit.Entry{
		Category: audit.CategoryBudget,
		Action:   "budget.actor_resumed",
		ActorID:  actorID,
	})
	return nil
}

// Suspended 返回主体是否被挂起及原因
func (g *Governor) Suspended(ctx context.Context, actorID string) (string, bool, error) {
	sus, ok, err := g.suspensions.Get(ctx, actorID)
	if err != nil || !ok {
		return "", false, err
	}
	return sus.Reason, true, nil
}

// Suspensions 返回当前所有挂起的主体
func (g *Governor) Suspensions(ctx context.Context) ([]Suspension, error) {
	return g.suspensions.List(ctx)
}

func (g *Governor) allowVelocity(actorID string, now time.Time) bool {
	if g.cfg.VelocityBurst <= 0 {
		return true
	}
	g.limMu.Lock()
	lim, ok := g.limiters[actorID]
	if !ok {
		every := g.cfg.VelocityWindow / time.Duration(g.cfg.VelocityBurst)
		lim = rate.NewLimiter(rate.Every(every), g.cfg.VelocityBurst)
		g.limiters[actorID] = lim
	}
	g.limMu.Unlock()
	return lim.AllowN(now, 1)
}

// anomaly 支出速率异常：挂起主体、创建最高级别升级，返回严重错误
func (g *Governor) anomaly(ctx context.Context, req Request, d *Decision, date string, now time.Time) error {
	d.Reason = fmt.Sprintf("more than %d authorizations within %s", g.cfg.VelocityBurst, g.cfg.VelocityWindow)

	if err := g.SuspendActor(ctx, req.ActorID, "anomalous spend: "+d.Reason); err != nil {
		g.logger.Error("actor suspension failed", zap.String("actor_id", req.ActorID), zap.Error(err))
	}
	d.Escalation = g.escalate(ctx, req, d, types.SeverityCritical, hitl.ReasonCriticalFailure)

	d.Transaction = g.newTransaction(req, date, now, OutcomeRejected)
	d.Transaction.Reason = d.Reason
	if d.Escalation != nil {
		d.Transaction.EscalationID = d.Escalation.ID
	}
	g.saveTransaction(ctx, d.Transaction)
	g.record(ctx, audit.Entry{
		Category:  audit.CategoryBudget,
		Action:    "budget.anomaly",
		TaskID:    req.TaskID,
		ActorID:   req.ActorID,
		Subject:   d.Transaction.ID,
		Exception: true,
		Details: map[string]any{
			"amount": int64(req.Amount),
			"reason": d.Reason,
		},
	})
	g.observe(req.Category, OutcomeRejected, 0)

	return types.NewError(types.ErrAnomalousSpend, d.Reason).WithDependency("budget")
}

func (g *Governor) reject(ctx context.Context, req Request, d *Decision, date string, now time.Time, escalate bool) {
	if escalate {
		d.Escalation = g.escalate(ctx, req, d, types.SeverityHigh, hitl.ReasonBudgetLimit)
	}

	d.Transaction = g.newTransaction(req, date, now, OutcomeRejected)
	d.Transaction.Reason = d.Reason
	if d.Escalation != nil {
		d.Transaction.EscalationID = d.Escalation.ID
	}
	g.saveTransaction(ctx, d.Transaction)

	g.record(ctx, audit.Entry{
		Category: audit.CategoryBudget,
		Action:   "budget.rejected",
		TaskID:   req.TaskID,
		ActorID:  req.ActorID,
		Subject:  d.Transaction.ID,
		Details: map[string]any{
			"amount":   int64(req.Amount),
			"category": req.Category,
			"reason":   d.Reason,
		},
	})
	g.observe(req.Category, OutcomeRejected, 0)

	g.logger.Info("transaction rejected",
		zap.String("actor_id", req.ActorID),
		zap.String("task_id", req.TaskID),
		zap.Stringer("amount", req.Amount),
		zap.String("reason", d.Reason),
	)
}

func (g *Governor) escalate(ctx context.Context, req Request, d *Decision, sev types.Severity, reason hitl.Reason) *hitl.Item {
	if g.escalator == nil {
		return nil
	}
	item, err := g.escalator.Escalate(context.WithoutCancel(ctx), hitl.Request{
		TaskID:   req.TaskID,
		ActorID:  req.ActorID,
		Severity: sev,
		Reason:   reason,
		Summary:  fmt.Sprintf("%s %s payment rejected: %s", req.Amount, req.Category, d.Reason),
		Context: map[string]any{
			"amount":    req.Amount.String(),
			"category":  req.Category,
			"recipient": req.Recipient,
			"ceiling":   d.Ceiling.String(),
			"spent":     d.Ledger.Spent.String(),
		},
	})
	if err != nil {
		g.logger.Error("budget escalation failed",
			zap.String("actor_id", req.ActorID),
			zap.String("task_id", req.TaskID),
			zap.Error(err),
		)
		return nil
	}
	return item
}

func (g *Governor) newTransaction(req Request, date string, now time.Time, outcome Outcome) *Transaction {
	return &Transaction{
		ID:        uuid.NewString(),
		ActorID:   req.ActorID,
		TaskID:    req.TaskID,
		Category:  req.Category,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Date:      date,
		Outcome:   outcome,
		CreatedAt: now,
	}
}

func (g *Governor) saveTransaction(ctx context.Context, tx *Transaction) {
	if err := g.txs.Save(context.WithoutCancel(ctx), tx); err != nil {
		g.logger.Error("transaction record failed",
			zap.String("transaction_id", tx.ID),
			zap.String("outcome", string(tx.Outcome)),
			zap.Error(err),
		)
	}
}

func (g *Governor) checkAlert(actorID string, before, after, ceiling Amount) {
	if g.cfg.AlertThreshold <= 0 || ceiling <= 0 {
		return
	}
	limit := float64(ceiling) * g.cfg.AlertThreshold
	if float64(before) < limit && float64(after) >= limit {
		g.logger.Warn("daily budget threshold reached",
			zap.String("actor_id", actorID),
			zap.Stringer("spent", after),
			zap.Stringer("ceiling", ceiling),
			zap.Float64("threshold", g.cfg.AlertThreshold),
		)
	}
}

func (g *Governor) observe(category string, outcome Outcome, amount Amount) {
	if g.observer == nil {
		return
	}
	g.observer.AuthorizationDecided(category, string(outcome))
	if amount > 0 {
		g.observer.SpendRecorded(category, amount.Dollars())
	}
}

func (g *Governor) record(ctx context.Context, e audit.Entry) {
	if _, err := g.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		g.logger.Error("audit write failed", zap.String("action", e.Action), zap.Error(err))
	}
}
