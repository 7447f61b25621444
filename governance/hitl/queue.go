package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/chimera/governance/audit"
	"github.com/BaSui01/chimera/types"
)

// ResolutionHandler 在升级项被解决后同步调用，每个升级项只触发一次
type ResolutionHandler func(ctx context.Context, item *Item) error

// Escalator 是各组件创建升级项的入口，*Queue 实现该接口
type Escalator interface {
	Escalate(ctx context.Context, req Request) (*Item, error)
}

var _ Escalator = (*Queue)(nil)

// Observer 接收队列事件，通常由指标采集器实现
type Observer interface {
	EscalationCreated(severity types.Severity, reason string)
	EscalationResolved(severity types.Severity, outcome string, wait time.Duration)
	EscalationsOverdue(severity types.Severity, count int)
}

// Queue 人工审核升级队列
type Queue struct {
	store    Store
	audit    audit.Recorder
	observer Observer
	sla      SLA
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers []ResolutionHandler
	lastSeq  int64
}

// QueueOption 配置 Queue
type QueueOption func(*Queue)

// WithAudit 设置审计记录器
func WithAudit(rec audit.Recorder) QueueOption {
	return func(q *Queue) { q.audit = rec }
}

// WithObserver 设置事件观察者
func WithObserver(o Observer) QueueOption {
	return func(q *Queue) { q.observer = o }
}

// WithSLA 设置各级别响应时限
func WithSLA(sla SLA) QueueOption {
	return func(q *Queue) { q.sla = sla }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue 创建升级队列
func NewQueue(store Store, logger *zap.Logger, opts ...QueueOption) *Queue {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		store:  store,
		audit:  audit.Discard,
		sla:    DefaultSLA(),
		now:    time.Now,
		logger: logger.With(zap.String("component", "hitl_queue")),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// OnResolved 注册解决回调
func (q *Queue) OnResolved(h ResolutionHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, h)
}

// nextSequence 返回单调递增的入队序号，跨进程时以纳秒时间戳近似
func (q *Queue) nextSequence(now time.Time) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq := now.UnixNano()
	if seq <= q.lastSeq {
		seq = q.lastSeq + 1
	}
	q.lastSeq = seq
	return seq
}

// Escalate 创建升级项并持久化。上下文在入库前脱敏。
func (q *Queue) Escalate(ctx context.Context, req Request) (*Item, error) {
	if !req.Severity.Valid() {
		return nil, types.NewValidationError(fmt.Sprintf("invalid severity %d", req.Severity))
	}
	if req.Reason == "" {
		return nil, types.NewValidationError("escalation reason is required")
	}

	now := q.now()
	item := &Item{
		ID:        uuid.New().String(),
		TaskID:    req.TaskID,
		ActorID:   req.ActorID,
		Severity:  req.Severity,
		Reason:    req.Reason,
		Summary:   RedactString(req.Summary),
		Context:   Redact(req.Context),
		Status:    StatusPending,
		Sequence:  q.nextSequence(now),
		CreatedAt: now,
	}

	if err := q.store.Save(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to save escalation: %w", err)
	}

	q.logger.Info("escalation created",
		zap.String("escalation_id", item.ID),
		zap.String("task_id", item.TaskID),
		zap.String("severity", item.Severity.String()),
		zap.String("reason", string(item.Reason)),
	)
	if q.observer != nil {
		q.observer.EscalationCreated(item.Severity, string(item.Reason))
	}
	q.record(ctx, audit.Entry{
		Category: audit.CategoryEscalation,
		Action:   "escalation.created",
		TaskID:   item.TaskID,
		ActorID:  item.ActorID,
		Subject:  item.ID,
		Details: map[string]any{
			"severity": item.Severity.String(),
			"reason":   string(item.Reason),
		},
	})
	return item, nil
}

// ListPending 返回待处理升级项，tier 为 nil 时返回所有级别
func (q *Queue) ListPending(ctx context.Context, tier *types.Severity) ([]*Item, error) {
	return q.store.List(ctx, Filter{Status: StatusPending, Severity: tier})
}

// List 按条件查询升级项，包括已解决的
func (q *Queue) List(ctx context.Context, f Filter) ([]*Item, error) {
	return q.store.List(ctx, f)
}

// Get 返回单个升级项
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	return q.store.Load(ctx, id)
}

// Resolve 记录人工决定。对已解决的升级项返回 *AlreadyResolvedError 且不触发回调。
func (q *Queue) Resolve(ctx context.Context, id string, d Decision) (*Item, error) {
	if !d.Outcome.Valid() {
		return nil, types.NewValidationError(fmt.Sprintf("invalid outcome %q", d.Outcome))
	}
	if d.ResolvedBy == "" {
		if uid, ok := types.UserID(ctx); ok {
			d.ResolvedBy = uid
		} else {
			return nil, types.NewValidationError("resolved_by is required")
		}
	}

	item, err := q.store.Resolve(ctx, id, Resolution{Decision: d, ResolvedAt: q.now()})
	if err != nil {
		return nil, err
	}

	wait := item.Resolution.ResolvedAt.Sub(item.CreatedAt)
	q.logger.Info("escalation resolved",
		zap.String("escalation_id", item.ID),
		zap.String("task_id", item.TaskID),
		zap.String("outcome", string(d.Outcome)),
		zap.String("resolved_by", d.ResolvedBy),
		zap.Duration("wait", wait),
	)
	if q.observer != nil {
		q.observer.EscalationResolved(item.Severity, string(d.Outcome), wait)
	}
	q.record(ctx, audit.Entry{
		Category: audit.CategoryEscalation,
		Action:   "escalation.resolved",
		TaskID:   item.TaskID,
		ActorID:  item.ActorID,
		Subject:  item.ID,
		Details: map[string]any{
			"outcome":     string(d.Outcome),
			"resolved_by": d.ResolvedBy,
			"reason":      string(item.Reason),
		},
	})

	q.mu.RLock()
	handlers := append([]ResolutionHandler(nil), q.handlers...)
	q.mu.RUnlock()
	for _, h := range handlers {
		if err := h(ctx, item); err != nil {
			q.logger.Error("resolution handler failed",
				zap.String("escalation_id", item.ID),
				zap.Error(err),
			)
		}
	}
	return item, nil
}

func (q *Queue) record(ctx context.Context, e audit.Entry) {
	if _, err := q.audit.Record(ctx, e); err != nil {
		q.logger.Error("audit write failed", zap.String("action", e.Action), zap.Error(err))
	}
}
