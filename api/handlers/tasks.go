package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/BaSui01/chimera/scheduler"
	"github.com/BaSui01/chimera/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📋 任务 Handler
// =============================================================================

// TaskService 任务操作，由 *scheduler.Scheduler 实现
type TaskService interface {
	Submit(ctx context.Context, spec scheduler.Spec) (string, error)
	Get(ctx context.Context, id string) (*scheduler.TaskView, error)
	List(ctx context.Context, f scheduler.ListFilter) []*scheduler.TaskView
	Cancel(ctx context.Context, id string) error
}

var _ TaskService = (*scheduler.Scheduler)(nil)

// TaskHandler 任务处理器
type TaskHandler struct {
	tasks  TaskService
	logger *zap.Logger
}

// SubmitTaskRequest 提交任务请求
type SubmitTaskRequest struct {
	Kind               scheduler.Kind `json:"kind"`
	Priority           types.Priority `json:"priority"`
	ActorID            string         `json:"actor_id,omitempty"`
	Goal               string         `json:"goal"`
	Capability         string         `json:"capability"`
	Platform           string         `json:"platform,omitempty"`
	BudgetCeilingCents int64          `json:"budget_ceiling_cents,omitempty"`
	DependsOn          []string       `json:"depends_on,omitempty"`
	// Timeout Go duration 字符串，如 "30s"
	Timeout string         `json:"timeout,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

func (req *SubmitTaskRequest) spec() (scheduler.Spec, error) {
	spec := scheduler.Spec{
		Kind:               req.Kind,
		Priority:           req.Priority,
		ActorID:            req.ActorID,
		Goal:               req.Goal,
		Capability:         req.Capability,
		Platform:           req.Platform,
		BudgetCeilingCents: req.BudgetCeilingCents,
		DependsOn:          req.DependsOn,
		Params:             req.Params,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			return spec, types.NewValidationError("timeout must be a non-negative duration such as \"30s\"")
		}
		spec.Timeout = d
	}
	return spec, nil
}

// SubmitTaskResponse 提交结果
type SubmitTaskResponse struct {
	TaskID string          `json:"task_id"`
	State  scheduler.State `json:"state"`
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(tasks TaskService, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{tasks: tasks, logger: logger.With(zap.String("handler", "tasks"))}
}

// Register 注册路由
func (h *TaskHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/tasks", h.HandleSubmit)
	mux.HandleFunc("GET /api/v1/tasks", h.HandleList)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", h.HandleCancel)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleSubmit 提交任务，成功返回 202 与任务 ID
// @Router /api/v1/tasks [post]
func (h *TaskHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	spec, err := req.spec()
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	id, err := h.tasks.Submit(r.Context(), spec)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, SubmitTaskResponse{TaskID: id, State: scheduler.StatePending})
}

// HandleGet 查询任务状态
// @Router /api/v1/tasks/{id} [get]
func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	view, err := h.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, view)
}

// HandleList 按 state / kind / actor_id 过滤任务
// @Router /api/v1/tasks [get]
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := scheduler.ListFilter{
		State:   scheduler.State(q.Get("state")),
		Kind:    scheduler.Kind(q.Get("kind")),
		ActorID: q.Get("actor_id"),
	}
	if f.Kind != "" && !f.Kind.Valid() {
		WriteError(w, types.NewValidationError("unknown task kind "+string(f.Kind)), h.logger)
		return
	}
	WriteSuccess(w, h.tasks.List(r.Context(), f))
}

// HandleCancel 取消任务。执行中的任务只登记取消请求，返回当前状态。
// @Router /api/v1/tasks/{id}/cancel [post]
func (h *TaskHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.tasks.Cancel(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	view, err := h.tasks.Get(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, view)
}
