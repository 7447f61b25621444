package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/chimera/capability"
	"github.com/BaSui01/chimera/governance/budget"
	"github.com/BaSui01/chimera/governance/hitl"
	"github.com/BaSui01/chimera/types"
)

// Store 任务快照持久化。每次状态转换后保存一次。
type Store interface {
	Save(ctx context.Context, t *Task) error
	Load(ctx context.Context, id string) (*Task, error)
	// ListActive 返回所有非终态任务
	ListActive(ctx context.Context) ([]*Task, error)
}

// Recover 从存储恢复未结束的任务。
// assigned/executing/evaluating 的尝试已丢失，任务回到 pending；
// 等待人工决定的任务重新挂到对应升级项上；
// 结算中断的任务（auto_approved 或已批准待结算）交给 recoverSettlement。
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list active tasks: %w", err)
	}

	loaded := make(map[string]*Task, len(active))
	for _, t := range active {
		loaded[t.ID] = t
	}
	// 依赖可能已经结束，终态任务按需加载
	for _, t := range active {
		for _, dep := range t.Spec.DependsOn {
			if _, ok := loaded[dep]; ok {
				continue
			}
			d, err := s.store.Load(ctx, dep)
			if err != nil {
				s.logger.Warn("dependency not found during recovery",
					zap.String("task_id", t.ID), zap.String("dependency", dep), zap.Error(err))
				continue
			}
			loaded[dep] = d
		}
	}

	var (
		reset    []*Task
		settling []string
	)
	s.mu.Lock()
	for id, t := range loaded {
		if _, exists := s.tasks[id]; exists {
			continue
		}
		t.busy = false
		switch t.State {
		case StateAssigned, StateExecuting, StateEvaluating:
			now := s.now()
			t.History = append(t.History, Transition{From: t.State, To: StatePending, At: now, Reason: "recovered after restart"})
			t.State = StatePending
			t.PendingSince = now
			t.UpdatedAt = now
			t.CancelRequested = false
			reset = append(reset, t.clone())
		case StateHumanReview, StateSuspended:
			if t.EscalationID != "" {
				s.byEscalation[t.EscalationID] = t.ID
			}
		}
		if t.State == StateAutoApproved || (t.SettlePending && t.State == StateHumanReview) {
			settling = append(settling, id)
		}
		if t.Seq > s.seq {
			s.seq = t.Seq
		}
		s.tasks[id] = t
	}
	s.mu.Unlock()

	for _, snap := range reset {
		s.persist(ctx, snap)
	}
	for _, id := range settling {
		s.recoverSettlement(ctx, id)
	}
	s.logger.Info("tasks recovered",
		zap.Int("active", len(active)),
		zap.Int("reset", len(reset)),
		zap.Int("settling", len(settling)))
	s.notify()
	return len(active), nil
}

// recoverSettlement 处理重启前正在结算的任务。
// 账本中没有该任务的扣减记录说明钱包从未被调用，重新结算；
// 有记录（或无法查询）时支付结果未知，挂起并创建 critical 升级项等待人工确认。
func (s *Scheduler) recoverSettlement(ctx context.Context, id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	spec := t.Spec
	var payment capability.Payment
	if t.Payment != nil {
		payment = *t.Payment
	}
	s.mu.Unlock()

	txID, err := s.chargedTransaction(ctx, id)
	if err != nil {
		s.logger.Error("cannot check ledger for interrupted settlement, treating as charged",
			zap.String("task_id", id), zap.Error(err))
	}
	if err == nil && txID == "" {
		_, uerr := s.update(ctx, id, func(t *Task) error {
			t.SettlePending = true
			t.Reason = "settlement resumed after restart"
			return nil
		})
		if uerr != nil {
			s.logger.Error("failed to resume settlement", zap.String("task_id", id), zap.Error(uerr))
		}
		return
	}

	var item *hitl.Item
	if s.escalator != nil {
		item, err = s.escalator.Escalate(ctx, hitl.Request{
			TaskID:   id,
			ActorID:  spec.ActorID,
			Severity: types.SeverityCritical,
			Reason:   hitl.ReasonCriticalFailure,
			Summary: fmt.Sprintf("settlement of %s to %s interrupted by restart, confirm whether the payment was made",
				budget.Amount(payment.AmountCents), payment.Recipient),
			Context: map[string]any{
				"transaction_id": txID,
				"amount_cents":   payment.AmountCents,
				"recipient":      payment.Recipient,
			},
		})
		if err != nil {
			s.logger.Error("failed to escalate interrupted settlement", zap.String("task_id", id), zap.Error(err))
		}
	}

	_, err = s.update(ctx, id, func(t *Task) error {
		if txID != "" {
			t.TransactionID = txID
		}
		if t.EscalationID != "" {
			delete(s.byEscalation, t.EscalationID)
		}
		t.SettlePending = false
		if err := s.move(t, StateSuspended, "settlement interrupted by restart, awaiting confirmation"); err != nil {
			return err
		}
		s.park(t, ReviewSettlement, item)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to suspend interrupted settlement", zap.String("task_id", id), zap.Error(err))
	}
}

// chargedTransaction 返回账本中该任务最近一笔已授权交易的 ID，没有时返回空串
func (s *Scheduler) chargedTransaction(ctx context.Context, taskID string) (string, error) {
	if s.governor == nil {
		return "", nil
	}
	txs, err := s.governor.Transactions(ctx, budget.TransactionFilter{TaskID: taskID})
	if err != nil {
		return "", err
	}
	var id string
	for _, tx := range txs {
		if tx.Outcome != budget.OutcomeRejected {
			id = tx.ID
		}
	}
	return id, nil
}
