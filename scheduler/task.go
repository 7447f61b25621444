package scheduler

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/chimera/capability"
	"github.com/BaSui01/chimera/governance/judge"
	"github.com/BaSui01/chimera/types"
)

// Kind 任务类型
type Kind string

const (
	KindContentCreation     Kind = "content_creation"
	KindTrendAnalysis       Kind = "trend_analysis"
	KindSocialEngagement    Kind = "social_engagement"
	KindEconomicTransaction Kind = "economic_transaction"
)

// Valid reports whether k is a known task kind.
func (k Kind) Valid() bool {
	switch k {
	case KindContentCreation, KindTrendAnalysis, KindSocialEngagement, KindEconomicTransaction:
		return true
	}
	return false
}

// State 任务状态
type State string

const (
	StatePending      State = "pending"
	StateAssigned     State = "assigned"
	StateExecuting    State = "executing"
	StateEvaluating   State = "evaluating"
	StateAutoApproved State = "auto_approved"
	StateHumanReview  State = "human_review"
	StateRejected     State = "rejected"
	StateSuspended    State = "suspended"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// IsTerminal 终态不再转换
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// transitions 合法状态转换表
var transitions = map[State][]State{
	StatePending:      {StateAssigned, StateCancelled, StateFailed},
	StateAssigned:     {StateExecuting, StatePending, StateCancelled},
	StateExecuting:    {StateEvaluating, StateFailed, StateSuspended, StatePending},
	StateEvaluating:   {StateAutoApproved, StateHumanReview, StateRejected, StateFailed},
	StateAutoApproved: {StateCompleted, StateFailed, StateHumanReview, StateSuspended},
	StateHumanReview:  {StateCompleted, StateFailed, StateSuspended},
	StateRejected:     {StatePending, StateFailed},
	StateSuspended:    {StatePending, StateFailed, StateCompleted},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// ReviewKind 任务处于 human_review / suspended 时等待的人工决策类型
type ReviewKind string

const (
	ReviewNone       ReviewKind = ""
	ReviewContent    ReviewKind = "content"
	ReviewBudget     ReviewKind = "budget"
	ReviewSuspension ReviewKind = "suspension"
	// ReviewSettlement 已记账但钱包结果不确定，等待人工确认结算
	ReviewSettlement ReviewKind = "settlement"
)

// Spec 任务提交参数
type Spec struct {
	Kind       Kind           `json:"kind"`
	Priority   types.Priority `json:"priority"`
	ActorID    string         `json:"actor_id,omitempty"`
	Goal       string         `json:"goal"`
	Capability string         `json:"capability"`
	Platform   string         `json:"platform,omitempty"`
	// BudgetCeilingCents 单个任务允许的最大支出，0 表示任务不可支出
	BudgetCeilingCents int64          `json:"budget_ceiling_cents"`
	DependsOn          []string       `json:"depends_on,omitempty"`
	Timeout            time.Duration  `json:"timeout,omitempty"`
	Params             map[string]any `json:"params,omitempty"`
}

// Attempt 一次执行尝试。Confidence 只在 evaluating 状态写入一次。
type Attempt struct {
	Number     int             `json:"number"`
	Confidence *float64        `json:"confidence,omitempty"`
	Flags      []string        `json:"flags,omitempty"`
	Decision   judge.Decision  `json:"decision,omitempty"`
	Feedback   *judge.Feedback `json:"feedback,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// ErrorRecord 任务失败时记录的错误
type ErrorRecord struct {
	Code    types.ErrorCode `json:"code,omitempty"`
	Kind    types.ErrorKind `json:"kind,omitempty"`
	Message string          `json:"message"`
}

func newErrorRecord(err error) *ErrorRecord {
	return &ErrorRecord{
		Code:    types.GetErrorCode(err),
		Kind:    types.KindOf(err),
		Message: err.Error(),
	}
}

// Transition 状态转换记录
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Task 调度器内部的任务记录，只由调度器修改
type Task struct {
	ID                string         `json:"id"`
	Spec              Spec           `json:"spec"`
	State             State          `json:"state"`
	EffectivePriority types.Priority `json:"effective_priority"`
	Seq               int64          `json:"seq"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	// PendingSince 进入（或最近一次提升后）等待的起点，用于防饿死
	PendingSince time.Time `json:"pending_since"`

	Attempts []Attempt          `json:"attempts,omitempty"`
	Result   map[string]any     `json:"result,omitempty"`
	Payment  *capability.Payment `json:"payment,omitempty"`

	Review          ReviewKind   `json:"review,omitempty"`
	EscalationID    string       `json:"escalation_id,omitempty"`
	TransactionID   string       `json:"transaction_id,omitempty"`
	TxHash          string       `json:"tx_hash,omitempty"`
	SettlePending   bool         `json:"settle_pending,omitempty"`
	ApprovedBy      string       `json:"approved_by,omitempty"`
	CancelRequested bool         `json:"cancel_requested,omitempty"`
	Error           *ErrorRecord `json:"error,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	History         []Transition `json:"history,omitempty"`

	// busy 为真时任务正被某个 worker 处理
	busy bool
}

func (t *Task) currentAttempt() *Attempt {
	if len(t.Attempts) == 0 {
		return nil
	}
	return &t.Attempts[len(t.Attempts)-1]
}

// setConfidence 写入当前尝试的置信度。只允许在 evaluating 状态写一次。
func (t *Task) setConfidence(c float64) error {
	if t.State != StateEvaluating {
		return fmt.Errorf("task %s: confidence can only be set while evaluating, state is %s", t.ID, t.State)
	}
	a := t.currentAttempt()
	if a == nil {
		return fmt.Errorf("task %s: no attempt in progress", t.ID)
	}
	if a.Confidence != nil {
		return fmt.Errorf("task %s: confidence already set for attempt %d", t.ID, a.Number)
	}
	a.Confidence = &c
	return nil
}

// Confidence 当前尝试的置信度
func (t *Task) Confidence() *float64 {
	if a := t.currentAttempt(); a != nil {
		return a.Confidence
	}
	return nil
}

func (t *Task) clone() *Task {
	cp := *t
	cp.Spec.DependsOn = slices.Clone(t.Spec.DependsOn)
	cp.Spec.Params = maps.Clone(t.Spec.Params)
	cp.Attempts = make([]Attempt, len(t.Attempts))
	for i, a := range t.Attempts {
		cp.Attempts[i] = a
		if a.Confidence != nil {
			v := *a.Confidence
			cp.Attempts[i].Confidence = &v
		}
		cp.Attempts[i].Flags = slices.Clone(a.Flags)
	}
	cp.Result = maps.Clone(t.Result)
	if t.Payment != nil {
		p := *t.Payment
		cp.Payment = &p
	}
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	cp.History = slices.Clone(t.History)
	return &cp
}

// TaskView 对外暴露的任务状态
type TaskView struct {
	ID                string         `json:"id"`
	Kind              Kind           `json:"kind"`
	State             State          `json:"state"`
	Priority          types.Priority `json:"priority"`
	EffectivePriority types.Priority `json:"effective_priority"`
	ActorID           string         `json:"actor_id,omitempty"`
	Capability        string         `json:"capability"`
	Platform          string         `json:"platform,omitempty"`
	DependsOn         []string       `json:"depends_on,omitempty"`
	Confidence        *float64       `json:"confidence,omitempty"`
	Attempts          int            `json:"attempts"`
	Result            map[string]any `json:"result,omitempty"`
	EscalationID      string         `json:"escalation_id,omitempty"`
	Review            ReviewKind     `json:"review,omitempty"`
	TransactionID     string         `json:"transaction_id,omitempty"`
	TxHash            string         `json:"tx_hash,omitempty"`
	Error             *ErrorRecord   `json:"error,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (t *Task) view() *TaskView {
	c := t.clone()
	v := &TaskView{
		ID:                c.ID,
		Kind:              c.Spec.Kind,
		State:             c.State,
		Priority:          c.Spec.Priority,
		EffectivePriority: c.EffectivePriority,
		ActorID:           c.Spec.ActorID,
		Capability:        c.Spec.Capability,
		Platform:          c.Spec.Platform,
		DependsOn:         c.Spec.DependsOn,
		Confidence:        c.Confidence(),
		Attempts:          len(c.Attempts),
		Result:            c.Result,
		EscalationID:      c.EscalationID,
		Review:            c.Review,
		TransactionID:     c.TransactionID,
		TxHash:            c.TxHash,
		Error:             c.Error,
		Reason:            c.Reason,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
	return v
}

// ErrValidation 可用 errors.Is 匹配所有 *ValidationError
var ErrValidation = errors.New("task validation failed")

// ErrTaskNotFound 任务不存在
var ErrTaskNotFound = errors.New("task not found")

// ValidationError 提交参数校验失败，Fields 为字段到原因的映射
type ValidationError struct {
	Fields map[string]string
	tagged *types.Error
}

func newValidationError(fields map[string]string) *ValidationError {
	return &ValidationError{
		Fields: fields,
		tagged: types.NewValidationError("invalid task spec").WithCause(ErrValidation),
	}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid task spec: " + strings.Join(parts, "; ")
}

// Unwrap exposes the tagged *types.Error so classification sees VALIDATION.
func (e *ValidationError) Unwrap() error { return e.tagged }

func taskNotFound(id string) error {
	return types.NewNotFoundError("task " + id + " not found").WithCause(ErrTaskNotFound)
}
