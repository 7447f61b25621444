package handlers

import (
	"net/http"

	"github.com/BaSui01/chimera/capability"
	"github.com/BaSui01/chimera/governance/hitl"
	"github.com/BaSui01/chimera/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🙋 人工升级 Handler
// =============================================================================

// EscalationHandler 人工审核队列的 HTTP 入口
type EscalationHandler struct {
	queue  capability.HumanDecisionInterface
	logger *zap.Logger
}

// ResolveRequest 人工决定
type ResolveRequest struct {
	Outcome hitl.Outcome `json:"outcome"`
	// ResolvedBy 未启用 JWT 时必填；启用时以令牌主体为准
	ResolvedBy string `json:"resolved_by,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// NewEscalationHandler 创建处理器
func NewEscalationHandler(queue capability.HumanDecisionInterface, logger *zap.Logger) *EscalationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EscalationHandler{queue: queue, logger: logger.With(zap.String("handler", "escalations"))}
}

// Register 注册路由
func (h *EscalationHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/escalations", h.HandleListPending)
	mux.HandleFunc("POST /api/v1/escalations/{id}/resolve", h.HandleResolve)
}

// HandleListPending 按队列顺序列出待处理项，?tier=critical|high|medium|low
// @Router /api/v1/escalations [get]
func (h *EscalationHandler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	var tier *types.Severity
	if v := r.URL.Query().Get("tier"); v != "" {
		sev, err := types.ParseSeverity(v)
		if err != nil {
			WriteError(w, types.NewValidationError(err.Error()), h.logger)
			return
		}
		tier = &sev
	}

	items, err := h.queue.ListPending(r.Context(), tier)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if items == nil {
		items = []*hitl.Item{}
	}
	WriteSuccess(w, items)
}

// HandleResolve 提交人工决定。重复提交返回 409 ALREADY_RESOLVED。
// @Router /api/v1/escalations/{id}/resolve [post]
func (h *EscalationHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	d := hitl.Decision{Outcome: req.Outcome, ResolvedBy: req.ResolvedBy, Comment: req.Comment}
	if uid, ok := types.UserID(r.Context()); ok && uid != "" {
		d.ResolvedBy = uid
	}

	item, err := h.queue.Resolve(r.Context(), r.PathValue("id"), d)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, item)
}
