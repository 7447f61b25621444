package scheduler

import (
	"slices"
	"time"
)

// readyLess 就绪顺序：有效优先级高者优先，同级按创建时间，再按提交序号
func readyLess(a, b *Task) bool {
	if a.EffectivePriority != b.EffectivePriority {
		return a.EffectivePriority > b.EffectivePriority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// depState 依赖检查结果
type depState int

const (
	depsMet depState = iota
	depsWaiting
	depsFailed
)

// checkDeps 返回依赖状态以及失败的依赖 ID。调用方持有 s.mu。
func (s *Scheduler) checkDeps(t *Task) (depState, string) {
	state := depsMet
	for _, id := range t.Spec.DependsOn {
		dep, ok := s.tasks[id]
		if !ok {
			return depsFailed, id
		}
		switch dep.State {
		case StateCompleted:
		case StateFailed, StateCancelled:
			return depsFailed, id
		default:
			state = depsWaiting
		}
	}
	return state, ""
}

// promoteStarving 把等待超过上限的任务提升一级，返回被提升的任务 ID。调用方持有 s.mu。
func (s *Scheduler) promoteStarving(now time.Time) []string {
	ceiling := s.cfg.StarvationCeiling
	if ceiling <= 0 {
		return nil
	}
	var promoted []string
	for _, t := range s.tasks {
		if t.State != StatePending || t.busy {
			continue
		}
		if now.Sub(t.PendingSince) < ceiling {
			continue
		}
		next := t.EffectivePriority.Promote()
		if next == t.EffectivePriority {
			continue
		}
		t.EffectivePriority = next
		t.PendingSince = now
		t.UpdatedAt = now
		promoted = append(promoted, t.ID)
	}
	return promoted
}

// readyTasks 返回可分配的 pending 任务（依赖均已完成），按就绪顺序排列。调用方持有 s.mu。
func (s *Scheduler) readyTasks() []*Task {
	var ready []*Task
	for _, t := range s.tasks {
		if t.State != StatePending || t.busy {
			continue
		}
		if st, _ := s.checkDeps(t); st != depsMet {
			continue
		}
		ready = append(ready, t)
	}
	slices.SortFunc(ready, func(a, b *Task) int {
		switch {
		case readyLess(a, b):
			return -1
		case readyLess(b, a):
			return 1
		}
		return 0
	})
	return ready
}

// blockedByFailure 返回依赖已失败的 pending 任务及对应依赖 ID。调用方持有 s.mu。
func (s *Scheduler) blockedByFailure() map[string]string {
	out := make(map[string]string)
	for _, t := range s.tasks {
		if t.State != StatePending || t.busy {
			continue
		}
		if st, dep := s.checkDeps(t); st == depsFailed {
			out[t.ID] = dep
		}
	}
	return out
}
