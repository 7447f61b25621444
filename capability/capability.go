// Package capability 定义引擎调用（而非实现）的外部能力契约：
// 内容生成、趋势分析、社交互动等 Capability，执行支付的 Wallet，
// 以及人工决策接口。
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/chimera/governance/hitl"
	"github.com/BaSui01/chimera/types"
)

// Request 传给能力的任务上下文
type Request struct {
	TaskID   string         `json:"task_id"`
	ActorID  string         `json:"actor_id,omitempty"`
	Kind     string         `json:"kind"`
	Goal     string         `json:"goal"`
	Platform string         `json:"platform,omitempty"`
	Attempt  int            `json:"attempt"`
	Params   map[string]any `json:"params,omitempty"`
	// Feedback 上一次被拒绝时路由器给出的反馈
	Feedback any `json:"feedback,omitempty"`
}

// Payment 能力提议的经济行为，经预算授权后才会执行
type Payment struct {
	Recipient   string `json:"recipient"`
	AmountCents int64  `json:"amount_cents"`
	Category    string `json:"category"`
}

// Result 能力执行结果
type Result struct {
	Payload    map[string]any `json:"payload"`
	Confidence float64        `json:"confidence"`
	Flags      []string       `json:"flags"`
	Payment    *Payment       `json:"payment,omitempty"`
}

// Capability 外部能力。错误必须使用 types 中的错误码，以便重试控制器分类。
type Capability interface {
	Name() string
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Func 将函数适配为 Capability
type Func struct {
	name string
	fn   func(ctx context.Context, req Request) (*Result, error)
}

// NewFunc 创建函数式能力
func NewFunc(name string, fn func(ctx context.Context, req Request) (*Result, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Execute(ctx context.Context, req Request) (*Result, error) {
	return f.fn(ctx, req)
}

// Wallet 经济副作用执行器，只在预算授权之后调用
type Wallet interface {
	Pay(ctx context.Context, actorID string, amountCents int64, recipient, category string) (txHash string, err error)
}

// HumanDecisionInterface 人工决策接口，由 hitl.Queue 实现
type HumanDecisionInterface interface {
	ListPending(ctx context.Context, tier *types.Severity) ([]*hitl.Item, error)
	Resolve(ctx context.Context, id string, d hitl.Decision) (*hitl.Item, error)
}

var _ HumanDecisionInterface = (*hitl.Queue)(nil)

// Registry 按名称注册能力
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register 注册能力，同名重复注册返回错误
func (r *Registry) Register(c Capability) error {
	if c == nil || c.Name() == "" {
		return fmt.Errorf("capability name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[c.Name()]; ok {
		return fmt.Errorf("capability %q already registered", c.Name())
	}
	r.caps[c.Name()] = c
	return nil
}

// Get 查找能力
func (r *Registry) Get(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return nil, types.NewNotFoundError(fmt.Sprintf("capability %q not registered", name))
	}
	return c, nil
}

// Has 能力是否已注册
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

// Names 返回已注册能力名（排序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
