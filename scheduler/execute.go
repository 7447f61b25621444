package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/chimera/capability"
	"github.com/BaSui01/chimera/governance/budget"
	"github.com/BaSui01/chimera/governance/hitl"
	"github.com/BaSui01/chimera/governance/judge"
	"github.com/BaSui01/chimera/resilience/retry"
	"github.com/BaSui01/chimera/types"
)

// dispatch 占用一个 worker 执行 pending 任务。worker 已满时返回 false。
func (s *Scheduler) dispatch(ctx context.Context, id string) bool {
	if !s.claim(id, func(t *Task) bool { return t.State == StatePending }) {
		return true
	}
	ok := s.workers.TryGo(ctx, func(ctx context.Context) error {
		defer s.release(ctx, id)
		s.execute(ctx, id)
		return nil
	})
	if !ok {
		s.unclaim(id)
	}
	return ok
}

// dispatchSettlement 占用一个 worker 完成人工批准后（或重启恢复后）的经济结算
func (s *Scheduler) dispatchSettlement(ctx context.Context, id string) bool {
	if !s.claim(id, func(t *Task) bool { return t.SettlePending }) {
		return true
	}
	ok := s.workers.TryGo(ctx, func(ctx context.Context) error {
		defer s.release(ctx, id)
		s.mu.Lock()
		t, exists := s.tasks[id]
		pending := exists && t.SettlePending
		if pending {
			t.SettlePending = false
		}
		s.mu.Unlock()
		if pending {
			s.settle(ctx, id)
		}
		return nil
	})
	if !ok {
		s.unclaim(id)
	}
	return ok
}

func (s *Scheduler) claim(id string, eligible func(t *Task) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.busy || !eligible(t) {
		return false
	}
	t.busy = true
	return true
}

func (s *Scheduler) unclaim(id string) {
	s.mu.Lock()
	if t, ok := s.tasks[id]; ok {
		t.busy = false
	}
	s.mu.Unlock()
}

// release 释放任务，并应用任务被持有期间到达的人工决定
func (s *Scheduler) release(ctx context.Context, id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	var apply []*hitl.Item
	if ok {
		t.busy = false
		for escID, item := range s.early {
			if item.TaskID != id {
				continue
			}
			delete(s.early, escID)
			if t.EscalationID == escID {
				apply = append(apply, item)
			}
		}
	}
	s.mu.Unlock()

	for _, item := range apply {
		if err := s.HandleResolution(ctx, item); err != nil {
			s.logger.Error("deferred resolution failed",
				zap.String("task_id", id),
				zap.String("escalation_id", item.ID),
				zap.Error(err),
			)
		}
	}
	s.notify()
}

// ============================================================
// 执行与评估
// ============================================================

func (s *Scheduler) execute(ctx context.Context, id string) {
	// 获得 worker：pending → assigned。取消的任务在这里止步。
	assigned := false
	_, err := s.update(ctx, id, func(t *Task) error {
		if t.State != StatePending {
			return nil
		}
		assigned = true
		return s.move(t, StateAssigned, "")
	})
	if err != nil || !assigned {
		return
	}

	var (
		req    capability.Request
		spec   Spec
		target capability.Capability
	)
	started := false
	_, err = s.update(ctx, id, func(t *Task) error {
		if t.State != StateAssigned {
			return nil
		}
		if err := s.move(t, StateExecuting, ""); err != nil {
			return err
		}
		c, err := s.caps.Get(t.Spec.Capability)
		if err != nil {
			t.Error = newErrorRecord(err)
			return s.fail(t, StateExecuting, errorMessage(err))
		}
		var feedback *judge.Feedback
		if prev := t.currentAttempt(); prev != nil {
			feedback = prev.Feedback
		}
		t.Attempts = append(t.Attempts, Attempt{Number: len(t.Attempts) + 1, StartedAt: s.now()})
		req = capability.Request{
			TaskID:   t.ID,
			ActorID:  t.Spec.ActorID,
			Kind:     string(t.Spec.Kind),
			Goal:     t.Spec.Goal,
			Platform: t.Spec.Platform,
			Attempt:  len(t.Attempts),
			Params:   t.Spec.Params,
		}
		if feedback != nil {
			req.Feedback = feedback
		}
		spec = t.Spec
		target = c
		started = true
		return nil
	})
	if err != nil {
		s.logger.Error("task start failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	if !started {
		return
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.execute",
		trace.WithAttributes(
			attribute.String("task.id", id),
			attribute.String("task.kind", string(spec.Kind)),
			attribute.String("task.capability", spec.Capability),
			attribute.Int("task.attempt", req.Attempt),
		))
	defer span.End()

	callStart := time.Now()
	res, err := retry.DoTyped(s.retry, ctx, retry.Call{
		Dependency: spec.Capability,
		TaskID:     id,
		ActorID:    spec.ActorID,
		Priority:   spec.Priority,
		Economic:   spec.Kind == KindEconomicTransaction,
		Timeout:    s.cfg.timeoutFor(spec),
		Summary:    spec.Goal,
	}, func(ctx context.Context) (*capability.Result, error) {
		return target.Execute(ctx, req)
	})
	s.inst.recordCall(ctx, spec, callStart, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.executionFailed(ctx, id, err)
		return
	}

	if !s.evaluate(ctx, id, req.Attempt, spec, res) {
		return
	}
	s.inst.recordConfidence(ctx, spec, res.Confidence)
	span.SetAttributes(attribute.Float64("task.confidence", res.Confidence))
	s.route(ctx, id, req.Attempt, spec, res)
}

// executionFailed 能力调用最终失败后的状态处理
func (s *Scheduler) executionFailed(ctx context.Context, id string, err error) {
	_, uerr := s.update(ctx, id, func(t *Task) error {
		if t.State != StateExecuting {
			return nil
		}
		if a := t.currentAttempt(); a != nil {
			a.Error = err.Error()
			a.FinishedAt = s.now()
		}
		if t.CancelRequested {
			return s.move(t, StateFailed, "cancelled during execution")
		}
		// 调度器自身停止时任务回到 pending，等待下次运行
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return s.move(t, StatePending, "interrupted: "+ctx.Err().Error())
		}

		t.Error = newErrorRecord(err)
		if f, ok := retry.AsFailure(err); ok && f.SuspendTask {
			if err := s.move(t, StateSuspended, "suspended after critical failure: "+errorMessage(err)); err != nil {
				return err
			}
			s.park(t, ReviewSuspension, f.Escalation)
			return nil
		}
		return s.fail(t, StateExecuting, errorMessage(err))
	})
	if uerr != nil {
		s.logger.Error("failed to record execution failure", zap.String("task_id", id), zap.Error(uerr))
	}
}

// evaluate executing → evaluating：丢弃已取消任务的结果，校验结果并写入置信度
func (s *Scheduler) evaluate(ctx context.Context, id string, attempt int, spec Spec, res *capability.Result) bool {
	verr := s.validator.Validate(spec.Capability, res)
	ok := false
	_, err := s.update(ctx, id, func(t *Task) error {
		if t.State != StateExecuting {
			return nil
		}
		a := t.currentAttempt()
		a.FinishedAt = s.now()
		if t.CancelRequested {
			return s.move(t, StateFailed, "cancelled during execution")
		}
		if err := s.move(t, StateEvaluating, ""); err != nil {
			return err
		}
		if verr != nil {
			a.Error = verr.Error()
			t.Error = newErrorRecord(verr)
			return s.move(t, StateFailed, "invalid capability result: "+errorMessage(verr))
		}
		if err := t.setConfidence(res.Confidence); err != nil {
			return err
		}
		a.Flags = append([]string(nil), res.Flags...)
		t.Result = res.Payload
		t.Payment = nil
		if res.Payment != nil {
			p := *res.Payment
			t.Payment = &p
		}
		ok = true
		return nil
	})
	if err != nil {
		s.logger.Error("task evaluation failed", zap.String("task_id", id), zap.Int("attempt", attempt), zap.Error(err))
		return false
	}
	return ok
}

// route 交给置信度路由器决定去向
func (s *Scheduler) route(ctx context.Context, id string, attempt int, spec Spec, res *capability.Result) {
	out, rerr := s.router.Evaluate(ctx, judge.Input{
		TaskID:     id,
		ActorID:    spec.ActorID,
		Kind:       string(spec.Kind),
		Platform:   spec.Platform,
		Priority:   spec.Priority,
		Confidence: res.Confidence,
		Flags:      res.Flags,
		Attempt:    attempt,
		Summary:    spec.Goal,
		Payload:    res.Payload,
	})

	settle := false
	_, err := s.update(ctx, id, func(t *Task) error {
		if t.State != StateEvaluating {
			return nil
		}
		if rerr != nil {
			t.Error = newErrorRecord(rerr)
			return s.move(t, StateFailed, "routing failed: "+errorMessage(rerr))
		}
		a := t.currentAttempt()
		a.Decision = out.Decision
		a.Flags = out.Flags

		switch out.Decision {
		case judge.DecisionAutoApproved:
			reason := fmt.Sprintf("auto-approved with confidence %.2f", res.Confidence)
			if err := s.move(t, StateAutoApproved, reason); err != nil {
				return err
			}
			if needsSettlement(t) {
				settle = true
				return nil
			}
			return s.move(t, StateCompleted, reason)

		case judge.DecisionHumanReview:
			reason := fmt.Sprintf("awaiting human review (confidence %.2f)", res.Confidence)
			if len(out.Flags) > 0 {
				reason = fmt.Sprintf("awaiting human review (confidence %.2f, flags %v)", res.Confidence, out.Flags)
			}
			if err := s.move(t, StateHumanReview, reason); err != nil {
				return err
			}
			s.park(t, ReviewContent, out.Escalation)
			return nil

		default:
			a.Feedback = out.Feedback
			msg := "rejected"
			if out.Feedback != nil {
				msg = "rejected: " + out.Feedback.Message
			}
			if err := s.move(t, StateRejected, msg); err != nil {
				return err
			}
			if out.Retry {
				return s.move(t, StatePending, fmt.Sprintf("re-attempt %d with feedback", attempt+1))
			}
			t.Error = &ErrorRecord{Kind: types.KindPermanent, Message: msg}
			return s.move(t, StateFailed, fmt.Sprintf("%s after %d attempts", msg, attempt))
		}
	})
	if err != nil {
		s.logger.Error("failed to apply routing decision", zap.String("task_id", id), zap.Error(err))
		return
	}
	if settle {
		s.settle(ctx, id)
	}
}

func needsSettlement(t *Task) bool {
	return t.Payment != nil
}

// ============================================================
// 经济结算
// ============================================================

// settle 授权并执行支付。任务处于 auto_approved 或已获批准的 human_review。
func (s *Scheduler) settle(ctx context.Context, id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Payment == nil {
		s.mu.Unlock()
		return
	}
	spec := t.Spec
	payment := *t.Payment
	override := t.Review == ReviewBudget
	txID := t.TransactionID
	approvedBy := t.ApprovedBy
	s.mu.Unlock()

	if s.governor == nil || s.wallet == nil {
		s.settleFailed(ctx, id, types.NewError(types.ErrServiceUnavailable, "economic actions are not configured"))
		return
	}
	if payment.AmountCents > spec.BudgetCeilingCents {
		s.settleFailed(ctx, id, types.NewError(types.ErrBudgetExceeded,
			fmt.Sprintf("payment %s exceeds task budget ceiling %s",
				budget.Amount(payment.AmountCents), budget.Amount(spec.BudgetCeilingCents))))
		return
	}

	var (
		d   *budget.Decision
		err error
	)
	if override {
		d, err = s.governor.ApplyOverride(ctx, txID, approvedBy)
	} else {
		d, err = s.governor.Authorize(ctx, budget.Request{
			ActorID:   spec.ActorID,
			TaskID:    id,
			Category:  payment.Category,
			Recipient: payment.Recipient,
			Amount:    budget.Amount(payment.AmountCents),
		})
	}
	if err != nil {
		if types.KindOf(err) == types.KindCritical {
			var item *hitl.Item
			if d != nil {
				item = d.Escalation
			}
			s.suspendForSettlement(ctx, id, err, item, ReviewSuspension)
			return
		}
		s.settleFailed(ctx, id, err)
		return
	}

	if !d.Authorized {
		if d.Escalation == nil {
			s.settleFailed(ctx, id, types.NewError(types.ErrBudgetExceeded, d.Reason))
			return
		}
		_, uerr := s.update(ctx, id, func(t *Task) error {
			if d.Transaction != nil {
				t.TransactionID = d.Transaction.ID
			}
			reason := "awaiting budget override: " + d.Reason
			if t.State == StateHumanReview {
				t.Reason = reason
			} else if err := s.move(t, StateHumanReview, reason); err != nil {
				return err
			}
			s.park(t, ReviewBudget, d.Escalation)
			return nil
		})
		if uerr != nil {
			s.logger.Error("failed to park task for budget override", zap.String("task_id", id), zap.Error(uerr))
		}
		return
	}

	s.mu.Lock()
	if t, ok := s.tasks[id]; ok && d.Transaction != nil {
		t.TransactionID = d.Transaction.ID
	}
	s.mu.Unlock()

	hash, err := retry.DoTyped(s.retry, ctx, retry.Call{
		Dependency: s.cfg.WalletDependency,
		TaskID:     id,
		ActorID:    spec.ActorID,
		Priority:   spec.Priority,
		Economic:   true,
		Timeout:    s.cfg.KindTimeouts[KindEconomicTransaction],
		Summary:    fmt.Sprintf("pay %s to %s", budget.Amount(payment.AmountCents), payment.Recipient),
	}, func(ctx context.Context) (string, error) {
		return s.wallet.Pay(ctx, spec.ActorID, payment.AmountCents, payment.Recipient, payment.Category)
	})
	if err != nil {
		if f, ok := retry.AsFailure(err); ok && f.SuspendTask {
			s.suspendForSettlement(ctx, id, err, f.Escalation, ReviewSettlement)
			return
		}
		s.settleFailed(ctx, id, fmt.Errorf("payment failed: %w", err))
		return
	}

	_, err = s.update(ctx, id, func(t *Task) error {
		t.TxHash = hash
		t.Review = ReviewNone
		return s.move(t, StateCompleted, fmt.Sprintf("settled %s to %s (tx %s)",
			budget.Amount(payment.AmountCents), payment.Recipient, hash))
	})
	if err != nil {
		s.logger.Error("failed to complete settled task", zap.String("task_id", id), zap.Error(err))
	}
}

func (s *Scheduler) settleFailed(ctx context.Context, id string, cause error) {
	_, err := s.update(ctx, id, func(t *Task) error {
		t.Error = newErrorRecord(cause)
		return s.move(t, StateFailed, "settlement failed: "+errorMessage(cause))
	})
	if err != nil {
		s.logger.Error("failed to record settlement failure", zap.String("task_id", id), zap.Error(err))
	}
}

// suspendForSettlement 严重错误：支付视为未结算，等待人工确认。
// 授权阶段失败时尚未记账，用 ReviewSuspension；钱包阶段失败时账本已扣减，
// 用 ReviewSettlement，批准只确认结算，不会再次授权或支付。
func (s *Scheduler) suspendForSettlement(ctx context.Context, id string, cause error, item *hitl.Item, kind ReviewKind) {
	_, err := s.update(ctx, id, func(t *Task) error {
		t.Error = newErrorRecord(cause)
		if err := s.move(t, StateSuspended, "payment not settled, suspended: "+errorMessage(cause)); err != nil {
			return err
		}
		s.park(t, kind, item)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to suspend task", zap.String("task_id", id), zap.Error(err))
	}
}

// fail 从 from 状态进入 failed。调用方持有 s.mu。
func (s *Scheduler) fail(t *Task, from State, reason string) error {
	if t.State != from {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("task %s: expected state %s, got %s", t.ID, from, t.State))
	}
	return s.move(t, StateFailed, reason)
}

// errorMessage 取出最内层的可读信息
func errorMessage(err error) string {
	if e, ok := types.AsError(err); ok {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return err.Error()
}
