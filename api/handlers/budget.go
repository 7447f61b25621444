package handlers

import (
	"net/http"

	"github.com/BaSui01/chimera/governance/budget"
	"go.uber.org/zap"
)

// BudgetHandler 只读的预算查询
type BudgetHandler struct {
	governor *budget.Governor
	logger   *zap.Logger
}

// ActorBudget 主体当日预算概况，金额单位为美元
type ActorBudget struct {
	ActorID          string  `json:"actor_id"`
	Date             string  `json:"date"`
	Spent            float64 `json:"spent"`
	Ceiling          float64 `json:"ceiling"`
	Remaining        float64 `json:"remaining"`
	Transactions     int64   `json:"transactions"`
	Suspended        bool    `json:"suspended"`
	SuspensionReason string  `json:"suspension_reason,omitempty"`
}

// NewBudgetHandler 创建处理器
func NewBudgetHandler(governor *budget.Governor, logger *zap.Logger) *BudgetHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BudgetHandler{governor: governor, logger: logger.With(zap.String("handler", "budget"))}
}

// Register 注册路由
func (h *BudgetHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/actors/{id}/budget", h.HandleActorBudget)
	mux.HandleFunc("GET /api/v1/actors/{id}/transactions", h.HandleTransactions)
}

// HandleActorBudget 当日账本与上限
// @Router /api/v1/actors/{id}/budget [get]
func (h *BudgetHandler) HandleActorBudget(w http.ResponseWriter, r *http.Request) {
	actorID := r.PathValue("id")
	entry, err := h.governor.Spent(r.Context(), actorID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	ceiling := h.governor.CeilingFor(actorID)
	remaining := ceiling - entry.Spent
	if remaining < 0 {
		remaining = 0
	}
	reason, suspended, err := h.governor.Suspended(r.Context(), actorID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteSuccess(w, ActorBudget{
		ActorID:          actorID,
		Date:             entry.Date,
		Spent:            entry.Spent.Dollars(),
		Ceiling:          ceiling.Dollars(),
		Remaining:        remaining.Dollars(),
		Transactions:     entry.Count,
		Suspended:        suspended,
		SuspensionReason: reason,
	})
}

// HandleTransactions 主体的交易记录，可按 ?date=YYYY-MM-DD 与 ?outcome= 过滤
// @Router /api/v1/actors/{id}/transactions [get]
func (h *BudgetHandler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	txs, err := h.governor.Transactions(r.Context(), budget.TransactionFilter{
		ActorID: r.PathValue("id"),
		Date:    q.Get("date"),
		Outcome: budget.Outcome(q.Get("outcome")),
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if txs == nil {
		txs = []*budget.Transaction{}
	}
	WriteSuccess(w, txs)
}
