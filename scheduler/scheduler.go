package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/chimera/capability"
	"github.com/BaSui01/chimera/governance/audit"
	"github.com/BaSui01/chimera/governance/budget"
	"github.com/BaSui01/chimera/governance/hitl"
	"github.com/BaSui01/chimera/governance/judge"
	"github.com/BaSui01/chimera/internal/pool"
	"github.com/BaSui01/chimera/resilience/retry"
	"github.com/BaSui01/chimera/types"
)

const instrumentationName = "github.com/BaSui01/chimera/scheduler"

// Observer 接收调度事件，由 internal/metrics 实现
type Observer interface {
	TaskSubmitted(kind string)
	TaskTransitioned(from, to string)
}

// Deps 调度器依赖的组件
type Deps struct {
	Capabilities *capability.Registry
	Router       *judge.Router
	Retry        *retry.Controller
	Workers      *pool.WorkerPool
	// Validator 为空时使用默认结果 schema
	Validator *capability.Validator
	// 以下为经济行为所需，缺失时带支付提议的任务会失败
	Governor *budget.Governor
	Wallet   capability.Wallet
	// Queue 非空时调度器订阅人工决定
	Queue *hitl.Queue
}

// Scheduler 任务调度器与状态机。
//
// 单个任务的状态转换严格串行：任务被 worker 持有期间（busy）其他 worker
// 不会处理它；人工决定在任务释放后才生效。
type Scheduler struct {
	cfg       *Config
	caps      *capability.Registry
	validator *capability.Validator
	router    *judge.Router
	retry     *retry.Controller
	workers   *pool.WorkerPool
	governor  *budget.Governor
	wallet    capability.Wallet
	escalator hitl.Escalator

	store    Store
	audit    audit.Recorder
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
	meters   metric.MeterProvider
	inst     instruments
	now      func() time.Time

	mu           sync.Mutex
	tasks        map[string]*Task
	byEscalation map[string]string
	early        map[string]*hitl.Item
	seq          int64

	wake chan struct{}
}

// Option 调度器选项
type Option func(*Scheduler)

// WithStore 持久化每次状态转换
func WithStore(st Store) Option {
	return func(s *Scheduler) { s.store = st }
}

// WithAudit 设置审计记录器
func WithAudit(rec audit.Recorder) Option {
	return func(s *Scheduler) { s.audit = rec }
}

// WithObserver 设置指标观察者
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithMeterProvider 替换全局 MeterProvider，测试用
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Scheduler) { s.meters = mp }
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New 创建调度器
func New(cfg *Config, deps Deps, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Capabilities == nil || deps.Router == nil || deps.Retry == nil || deps.Workers == nil {
		return nil, errors.New("scheduler: capabilities, router, retry and workers are required")
	}
	if deps.Validator == nil {
		v, err := capability.NewValidator()
		if err != nil {
			return nil, err
		}
		deps.Validator = v
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		cfg:          cfg,
		caps:         deps.Capabilities,
		validator:    deps.Validator,
		router:       deps.Router,
		retry:        deps.Retry,
		workers:      deps.Workers,
		governor:     deps.Governor,
		wallet:       deps.Wallet,
		audit:        audit.Discard,
		logger:       logger.With(zap.String("component", "scheduler")),
		tracer:       otel.Tracer(instrumentationName),
		meters:       otel.GetMeterProvider(),
		now:          time.Now,
		tasks:        make(map[string]*Task),
		byEscalation: make(map[string]string),
		early:        make(map[string]*hitl.Item),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.inst = newInstruments(s.meters, s.logger)
	if deps.Queue != nil {
		s.escalator = deps.Queue
		deps.Queue.OnResolved(s.HandleResolution)
	}
	return s, nil
}

// ============================================================
// 提交与查询
// ============================================================

// Submit 校验并登记任务，返回任务 ID。校验失败返回 *ValidationError。
func (s *Scheduler) Submit(ctx context.Context, spec Spec) (string, error) {
	fields := s.validateSpec(spec)

	now := s.now()
	t := &Task{
		ID:                uuid.NewString(),
		Spec:              spec,
		State:             StatePending,
		EffectivePriority: spec.Priority,
		CreatedAt:         now,
		UpdatedAt:         now,
		PendingSince:      now,
	}
	t.Spec.DependsOn = dedupe(spec.DependsOn)

	s.mu.Lock()
	for _, dep := range t.Spec.DependsOn {
		if _, ok := s.tasks[dep]; !ok {
			fields["depends_on"] = fmt.Sprintf("unknown task %s", dep)
			break
		}
	}
	if len(fields) > 0 {
		s.mu.Unlock()
		return "", newValidationError(fields)
	}
	s.seq++
	t.Seq = s.seq
	s.tasks[t.ID] = t
	snap := t.clone()
	s.mu.Unlock()

	s.persist(ctx, snap)
	s.logger.Info("task submitted",
		zap.String("task_id", snap.ID),
		zap.String("kind", string(snap.Spec.Kind)),
		zap.String("priority", snap.Spec.Priority.String()),
		zap.Int("dependencies", len(snap.Spec.DependsOn)),
	)
	if s.observer != nil {
		s.observer.TaskSubmitted(string(snap.Spec.Kind))
	}
	s.record(ctx, audit.Entry{
		Category: audit.CategoryTask,
		Action:   "task.submitted",
		TaskID:   snap.ID,
		ActorID:  snap.Spec.ActorID,
		Details: map[string]any{
			"kind":       string(snap.Spec.Kind),
			"priority":   snap.Spec.Priority.String(),
			"capability": snap.Spec.Capability,
		},
	})
	s.notify()
	return snap.ID, nil
}

func (s *Scheduler) validateSpec(spec Spec) map[string]string {
	fields := make(map[string]string)
	if !spec.Kind.Valid() {
		fields["kind"] = fmt.Sprintf("unknown kind %q", spec.Kind)
	}
	if !spec.Priority.Valid() {
		fields["priority"] = fmt.Sprintf("unknown priority %d", int(spec.Priority))
	}
	if strings.TrimSpace(spec.Goal) == "" {
		fields["goal"] = "required"
	}
	switch {
	case spec.Capability == "":
		fields["capability"] = "required"
	case !s.caps.Has(spec.Capability):
		fields["capability"] = fmt.Sprintf("capability %q is not registered", spec.Capability)
	}
	if spec.BudgetCeilingCents < 0 {
		fields["budget_ceiling_cents"] = "must not be negative"
	}
	switch {
	case spec.Platform != "" && !s.cfg.platformAllowed(spec.Platform):
		fields["platform"] = fmt.Sprintf("platform %q is not allowed", spec.Platform)
	case spec.Platform == "" && (spec.Kind == KindContentCreation || spec.Kind == KindSocialEngagement):
		fields["platform"] = "required for " + string(spec.Kind)
	}
	if spec.Kind == KindEconomicTransaction && spec.ActorID == "" {
		fields["actor_id"] = "required for economic_transaction"
	}
	if spec.Timeout < 0 {
		fields["timeout"] = "must not be negative"
	}
	return fields
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Get 返回任务当前状态
func (s *Scheduler) Get(_ context.Context, id string) (*TaskView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, taskNotFound(id)
	}
	return t.view(), nil
}

// ListFilter 任务查询条件，零值字段不参与过滤
type ListFilter struct {
	State   State
	Kind    Kind
	ActorID string
}

// List 按创建顺序返回任务
func (s *Scheduler) List(_ context.Context, f ListFilter) []*TaskView {
	s.mu.Lock()
	var tasks []*Task
	for _, t := range s.tasks {
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.Kind != "" && t.Spec.Kind != f.Kind {
			continue
		}
		if f.ActorID != "" && t.Spec.ActorID != f.ActorID {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	out := make([]*TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.view())
	}
	s.mu.Unlock()
	return out
}

// ============================================================
// 取消与推进
// ============================================================

// Cancel 取消任务。pending/assigned 直接取消；executing 只记录取消请求，
// 调用结束后结果被丢弃，任务以 failed 结束。
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(t *Task) error {
		switch t.State {
		case StateCancelled:
			return nil
		case StatePending, StateAssigned:
			return s.move(t, StateCancelled, "cancelled by request")
		case StateExecuting:
			if !t.CancelRequested {
				t.CancelRequested = true
				s.logger.Info("cancellation requested for executing task", zap.String("task_id", t.ID))
			}
			return nil
		default:
			return types.NewError(types.ErrInvalidTransition,
				fmt.Sprintf("task %s cannot be cancelled while %s", t.ID, t.State))
		}
	})
	return err
}

// Advance 推进单个任务一步。任务不处于等待推进的状态时什么也不做。
func (s *Scheduler) Advance(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return taskNotFound(id)
	}
	if t.busy {
		s.mu.Unlock()
		return nil
	}
	state := t.State
	settle := t.SettlePending
	deps, failedDep := s.checkDeps(t)
	s.mu.Unlock()

	switch {
	case state == StatePending && deps == depsFailed:
		s.failDependent(ctx, id, failedDep)
	case state == StatePending && deps == depsMet:
		s.dispatch(ctx, id)
	case state == StateRejected:
		_, err := s.update(ctx, id, func(t *Task) error {
			if t.State != StateRejected || t.busy {
				return nil
			}
			return s.move(t, StatePending, "re-attempt with feedback")
		})
		return err
	case settle:
		s.dispatchSettlement(ctx, id)
	}
	return nil
}

// Tick 执行一轮调度：提升饥饿任务、传播依赖失败、按顺序占用空闲 worker。
// 返回本轮派发的任务数。
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	promoted := s.promoteStarving(now)
	blocked := s.blockedByFailure()
	s.mu.Unlock()

	for _, id := range promoted {
		s.logger.Info("task promoted after waiting too long", zap.String("task_id", id))
		s.record(ctx, audit.Entry{Category: audit.CategoryTask, Action: "task.promoted", TaskID: id})
	}
	for id, dep := range blocked {
		s.failDependent(ctx, id, dep)
	}

	s.mu.Lock()
	var settle []string
	for _, t := range s.tasks {
		if t.SettlePending && !t.busy {
			settle = append(settle, t.ID)
		}
	}
	ready := s.readyTasks()
	readyIDs := make([]string, len(ready))
	for i, t := range ready {
		readyIDs[i] = t.ID
	}
	s.mu.Unlock()

	dispatched := 0
	for _, id := range settle {
		if !s.dispatchSettlement(ctx, id) {
			return dispatched
		}
		dispatched++
	}
	for _, id := range readyIDs {
		if !s.dispatch(ctx, id) {
			break
		}
		dispatched++
	}
	return dispatched
}

// Run 调度循环，直到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("tick_interval", s.cfg.TickInterval))
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) failDependent(ctx context.Context, id, dep string) {
	_, err := s.update(ctx, id, func(t *Task) error {
		if t.State != StatePending || t.busy {
			return nil
		}
		t.Error = &ErrorRecord{Code: types.ErrValidation, Kind: types.KindPermanent,
			Message: "dependency " + dep + " failed"}
		return s.move(t, StateFailed, "dependency "+dep+" failed")
	})
	if err != nil {
		s.logger.Error("failed to propagate dependency failure", zap.String("task_id", id), zap.Error(err))
	}
}

// ============================================================
// 状态转换
// ============================================================

// update 在锁内修改任务，锁外持久化快照并发布新的状态转换
func (s *Scheduler) update(ctx context.Context, id string, fn func(t *Task) error) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, taskNotFound(id)
	}
	before := len(t.History)
	err := fn(t)
	snap := t.clone()
	s.mu.Unlock()

	if len(snap.History) > before {
		s.publish(ctx, snap, snap.History[before:])
	} else {
		s.persist(ctx, snap)
	}
	return snap, err
}

// move 按转换表修改状态。调用方持有 s.mu。
func (s *Scheduler) move(t *Task, to State, reason string) error {
	if !CanTransition(t.State, to) {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("task %s: transition %s -> %s not allowed", t.ID, t.State, to))
	}
	now := s.now()
	t.History = append(t.History, Transition{From: t.State, To: to, At: now, Reason: reason})
	t.State = to
	t.UpdatedAt = now
	if reason != "" {
		t.Reason = reason
	}
	switch to {
	case StatePending:
		t.PendingSince = now
		t.Review = ReviewNone
		t.EscalationID = ""
	case StateCompleted, StateFailed, StateCancelled:
		t.SettlePending = false
		if t.EscalationID != "" {
			delete(s.byEscalation, t.EscalationID)
		}
	}
	return nil
}

// park 任务等待人工决定。调用方持有 s.mu。
func (s *Scheduler) park(t *Task, review ReviewKind, item *hitl.Item) {
	t.Review = review
	t.EscalationID = ""
	if item != nil {
		t.EscalationID = item.ID
		s.byEscalation[item.ID] = t.ID
	}
}

func (s *Scheduler) publish(ctx context.Context, snap *Task, trs []Transition) {
	s.persist(ctx, snap)
	terminalFailure := false
	for _, tr := range trs {
		s.logger.Info("task transitioned",
			zap.String("task_id", snap.ID),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.String("reason", tr.Reason),
		)
		if s.observer != nil {
			s.observer.TaskTransitioned(string(tr.From), string(tr.To))
		}
		details := map[string]any{"from": string(tr.From), "to": string(tr.To)}
		if tr.Reason != "" {
			details["reason"] = tr.Reason
		}
		s.record(ctx, audit.Entry{
			Category: audit.CategoryTask,
			Action:   "task.transition",
			TaskID:   snap.ID,
			ActorID:  snap.Spec.ActorID,
			Details:  details,
		})
		if tr.To == StateFailed || tr.To == StateCancelled {
			terminalFailure = true
		}
	}
	if terminalFailure {
		s.propagateFailure(ctx, snap.ID)
	}
	s.notify()
}

// propagateFailure 依赖失败的 pending 任务随之失败
func (s *Scheduler) propagateFailure(ctx context.Context, id string) {
	s.mu.Lock()
	var dependents []string
	for _, t := range s.tasks {
		if t.State == StatePending && !t.busy && slices.Contains(t.Spec.DependsOn, id) {
			dependents = append(dependents, t.ID)
		}
	}
	s.mu.Unlock()
	for _, dep := range dependents {
		s.failDependent(ctx, dep, id)
	}
}

func (s *Scheduler) persist(ctx context.Context, snap *Task) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(context.WithoutCancel(ctx), snap); err != nil {
		s.logger.Error("task persist failed", zap.String("task_id", snap.ID), zap.Error(err))
	}
}

func (s *Scheduler) record(ctx context.Context, e audit.Entry) {
	if _, err := s.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Error("audit write failed", zap.String("action", e.Action), zap.Error(err))
	}
}
