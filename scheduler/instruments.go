package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/BaSui01/chimera/types"
)

// instruments 能力调用的 OTel 指标，经 telemetry 的 MeterProvider 推送到 collector。
// Prometheus 侧的任务计数由 Observer 负责。
type instruments struct {
	calls      metric.Int64Counter
	duration   metric.Float64Histogram
	confidence metric.Float64Histogram
}

func newInstruments(mp metric.MeterProvider, logger *zap.Logger) instruments {
	meter := mp.Meter(instrumentationName)
	var (
		inst instruments
		err  error
	)
	if inst.calls, err = meter.Int64Counter("chimera.capability.calls",
		metric.WithDescription("Capability invocations by outcome"),
		metric.WithUnit("{call}")); err != nil {
		return noopInstruments(logger, err)
	}
	if inst.duration, err = meter.Float64Histogram("chimera.capability.duration",
		metric.WithDescription("Capability invocation latency including retries"),
		metric.WithUnit("s")); err != nil {
		return noopInstruments(logger, err)
	}
	if inst.confidence, err = meter.Float64Histogram("chimera.result.confidence",
		metric.WithDescription("Confidence of schema-valid capability results"),
		metric.WithUnit("1")); err != nil {
		return noopInstruments(logger, err)
	}
	return inst
}

func noopInstruments(logger *zap.Logger, err error) instruments {
	logger.Warn("otel instruments unavailable, capability metrics disabled", zap.Error(err))
	return newInstruments(noop.NewMeterProvider(), logger)
}

// recordCall outcome 为 success 或错误分类
func (i instruments) recordCall(ctx context.Context, spec Spec, started time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(types.KindOf(err))
	}
	attrs := metric.WithAttributes(
		attribute.String("capability", spec.Capability),
		attribute.String("kind", string(spec.Kind)),
		attribute.String("outcome", outcome),
	)
	i.calls.Add(ctx, 1, attrs)
	i.duration.Record(ctx, time.Since(started).Seconds(), attrs)
}

func (i instruments) recordConfidence(ctx context.Context, spec Spec, confidence float64) {
	i.confidence.Record(ctx, confidence, metric.WithAttributes(
		attribute.String("capability", spec.Capability),
		attribute.String("kind", string(spec.Kind)),
	))
}
