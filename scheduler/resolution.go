package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/chimera/governance/hitl"
)

// HandleResolution 应用人工决定，注册为 hitl.Queue 的解决回调。
//
// 审核通过：无支付的任务 completed，有支付的任务进入结算；
// 预算覆盖通过：按覆盖结算；挂起确认通过：恢复主体，任务回到 pending；
// 结算确认通过：恢复主体，任务以已记账的交易 completed，不再调用钱包。
// 拒绝或放弃一律 failed。与任务无关的升级项（如重试耗尽通知）被忽略。
func (s *Scheduler) HandleResolution(ctx context.Context, item *hitl.Item) error {
	if item == nil || item.Resolution == nil {
		return nil
	}

	s.mu.Lock()
	id, ok := s.byEscalation[item.ID]
	if !ok {
		// 路由器或预算模块刚创建升级项，任务尚未挂起
		if t, exists := s.tasks[item.TaskID]; exists && t.busy && !t.State.IsTerminal() {
			s.early[item.ID] = item
		}
		s.mu.Unlock()
		return nil
	}
	if t := s.tasks[id]; t != nil && t.busy {
		s.early[item.ID] = item
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	res := item.Resolution
	approved := res.Outcome == hitl.OutcomeApprove
	verdict := fmt.Sprintf("%s by %s", res.Outcome, res.ResolvedBy)
	if res.Comment != "" {
		verdict += ": " + res.Comment
	}

	var resumeActor string
	_, err := s.update(ctx, id, func(t *Task) error {
		if t.EscalationID != item.ID || t.busy {
			return nil
		}
		delete(s.byEscalation, item.ID)

		switch t.Review {
		case ReviewContent:
			if !approved {
				return s.move(t, StateFailed, "review "+verdict)
			}
			if needsSettlement(t) {
				t.ApprovedBy = res.ResolvedBy
				t.SettlePending = true
				t.Reason = "review " + verdict + ", settling payment"
				return nil
			}
			return s.move(t, StateCompleted, "review "+verdict)

		case ReviewBudget:
			if !approved {
				return s.move(t, StateFailed, "budget override "+verdict)
			}
			t.ApprovedBy = res.ResolvedBy
			t.SettlePending = true
			t.Reason = "budget override " + verdict
			return nil

		case ReviewSuspension:
			if !approved {
				return s.move(t, StateFailed, "suspension "+verdict)
			}
			resumeActor = t.Spec.ActorID
			t.Error = nil
			return s.move(t, StatePending, "resumed, "+verdict)

		case ReviewSettlement:
			if !approved {
				return s.move(t, StateFailed, "settlement "+verdict)
			}
			resumeActor = t.Spec.ActorID
			t.ApprovedBy = res.ResolvedBy
			t.Review = ReviewNone
			return s.move(t, StateCompleted, fmt.Sprintf("settlement confirmed, %s (tx %s)", verdict, t.TransactionID))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if resumeActor != "" && s.governor != nil {
		if err := s.governor.ResumeActor(ctx, resumeActor); err != nil {
			s.logger.Error("actor resume failed", zap.String("actor_id", resumeActor), zap.Error(err))
		}
	}
	s.notify()
	return nil
}
