package hitl

import (
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/chimera/types"
)

// Reason 升级原因分类
type Reason string

const (
	ReasonConfidenceReview Reason = "confidence_review"
	ReasonMandatoryFlag    Reason = "mandatory_flag"
	ReasonBudgetLimit      Reason = "budget_limit"
	ReasonContentPolicy    Reason = "content_policy"
	ReasonAuthentication   Reason = "authentication"
	ReasonCriticalFailure  Reason = "critical_failure"
	ReasonRetryExhausted   Reason = "retry_exhausted"
)

// Status 升级项状态
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Outcome 人工决定
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
	OutcomeAbandon Outcome = "abandon"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApprove, OutcomeReject, OutcomeAbandon:
		return true
	}
	return false
}

// Decision 人工提交的决定
type Decision struct {
	Outcome    Outcome `json:"outcome"`
	ResolvedBy string  `json:"resolved_by"`
	Comment    string  `json:"comment,omitempty"`
}

// Resolution 已记录的决定
type Resolution struct {
	Decision
	ResolvedAt time.Time `json:"resolved_at"`
}

// Item 升级项。解决后保留用于审计。
type Item struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Severity   types.Severity `json:"severity"`
	Reason     Reason         `json:"reason"`
	Summary    string         `json:"summary"`
	Context    map[string]any `json:"context,omitempty"`
	Status     Status         `json:"status"`
	Sequence   int64          `json:"sequence"`
	CreatedAt  time.Time      `json:"created_at"`
	Resolution *Resolution    `json:"resolution,omitempty"`
}

// Request 创建升级项的输入
type Request struct {
	TaskID   string
	ActorID  string
	Severity types.Severity
	Reason   Reason
	Summary  string
	Context  map[string]any
}

// less 队列顺序：级别高者优先，同级别按入队序号
func less(a, b *Item) bool {
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	return a.Sequence < b.Sequence
}

var (
	// ErrAlreadyResolved 可用 errors.Is 匹配 *AlreadyResolvedError
	ErrAlreadyResolved = errors.New("escalation already resolved")
	// ErrNotFound 升级项不存在
	ErrNotFound = errors.New("escalation not found")
)

// AlreadyResolvedError 对已解决的升级项再次 Resolve 时返回
type AlreadyResolvedError struct {
	ID         string
	Resolution Resolution
	tagged     *types.Error
}

func newAlreadyResolvedError(id string, res Resolution) *AlreadyResolvedError {
	return &AlreadyResolvedError{
		ID:         id,
		Resolution: res,
		tagged: types.NewError(types.ErrAlreadyResolved, "escalation "+id+" already resolved").
			WithCause(ErrAlreadyResolved),
	}
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("escalation %s already resolved (%s by %s)", e.ID, e.Resolution.Outcome, e.Resolution.ResolvedBy)
}

func (e *AlreadyResolvedError) Unwrap() error { return e.tagged }

func notFound(id string) error {
	return types.NewNotFoundError("escalation " + id + " not found").WithCause(ErrNotFound)
}
