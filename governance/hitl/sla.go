package hitl

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chimera/types"
)

// SLA 各级别的目标响应时间，只用于告警
type SLA map[types.Severity]time.Duration

// DefaultSLA 返回默认响应时限
func DefaultSLA() SLA {
	return SLA{
		types.SeverityCritical: 5 * time.Minute,
		types.SeverityHigh:     30 * time.Minute,
		types.SeverityMedium:   4 * time.Hour,
		types.SeverityLow:      24 * time.Hour,
	}
}

// Overdue 返回超过响应时限的待处理升级项，按级别分组
func (q *Queue) Overdue(ctx context.Context) (map[types.Severity][]*Item, error) {
	pending, err := q.ListPending(ctx, nil)
	if err != nil {
		return nil, err
	}
	now := q.now()
	out := make(map[types.Severity][]*Item)
	for _, it := range pending {
		target, ok := q.sla[it.Severity]
		if !ok || target <= 0 {
			continue
		}
		if now.Sub(it.CreatedAt) > target {
			out[it.Severity] = append(out[it.Severity], it)
		}
	}
	return out, nil
}

// MonitorSLA 周期性报告超时升级项，直到 ctx 结束
func (q *Queue) MonitorSLA(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.reportOverdue(ctx)
		}
	}
}

func (q *Queue) reportOverdue(ctx context.Context) {
	overdue, err := q.Overdue(ctx)
	if err != nil {
		q.logger.Warn("sla check failed", zap.Error(err))
		return
	}
	for _, sev := range types.Severities {
		items := overdue[sev]
		if q.observer != nil {
			q.observer.EscalationsOverdue(sev, len(items))
		}
		if len(items) == 0 {
			continue
		}
		q.logger.Warn("escalations past response target",
			zap.String("severity", sev.String()),
			zap.Int("count", len(items)),
			zap.String("oldest_escalation_id", items[0].ID),
			zap.Duration("target", q.sla[sev]),
		)
	}
}
