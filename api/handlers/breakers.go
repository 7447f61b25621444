package handlers

import (
	"net/http"
	"slices"

	"github.com/BaSui01/chimera/resilience/circuitbreaker"
	"go.uber.org/zap"
)

// BreakerHandler 熔断器查询与手动复位
type BreakerHandler struct {
	breakers *circuitbreaker.Manager
	logger   *zap.Logger
}

// BreakerStatus 单个依赖的熔断状态
type BreakerStatus struct {
	Dependency string                  `json:"dependency"`
	State      string                  `json:"state"`
	Snapshot   circuitbreaker.Snapshot `json:"snapshot"`
}

// NewBreakerHandler 创建处理器
func NewBreakerHandler(breakers *circuitbreaker.Manager, logger *zap.Logger) *BreakerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerHandler{breakers: breakers, logger: logger.With(zap.String("handler", "breakers"))}
}

// Register 注册路由
func (h *BreakerHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/breakers", h.HandleList)
	mux.HandleFunc("GET /api/v1/breakers/{name}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/breakers/{name}/reset", h.HandleReset)
}

func (h *BreakerHandler) status(r *http.Request, name string) (*BreakerStatus, error) {
	snap, err := h.breakers.Snapshot(r.Context(), name)
	if err != nil {
		return nil, err
	}
	return &BreakerStatus{Dependency: name, State: snap.State.String(), Snapshot: snap}, nil
}

// HandleList 列出已使用过的依赖
// @Router /api/v1/breakers [get]
func (h *BreakerHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	names := h.breakers.Names()
	slices.Sort(names)
	out := make([]*BreakerStatus, 0, len(names))
	for _, name := range names {
		st, err := h.status(r, name)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		out = append(out, st)
	}
	WriteSuccess(w, out)
}

// HandleGet 单个依赖的状态，未使用过的依赖返回 closed
// @Router /api/v1/breakers/{name} [get]
func (h *BreakerHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	st, err := h.status(r, r.PathValue("name"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, st)
}

// HandleReset 手动复位为 closed
// @Router /api/v1/breakers/{name}/reset [post]
func (h *BreakerHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.breakers.Reset(r.Context(), name); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.logger.Warn("circuit breaker reset by operator", zap.String("dependency", name))
	st, err := h.status(r, name)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, st)
}
