package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

func TestProperty_OpensAfterExactlyThresholdFailures(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("threshold-1 failures stay closed, threshold failures open", prop.ForAll(
		func(threshold int) bool {
			ctx := context.Background()
			clock := newFakeClock()
			cb := newBreaker("dep", &Config{Threshold: threshold, ResetTimeout: time.Minute}, NewMemoryStateStore(), clock.Now, zap.NewNop())

			for i := 0; i < threshold-1; i++ {
				_ = cb.Call(ctx, failing)
			}
			if snap, _ := cb.Snapshot(ctx); snap.State != StateClosed {
				return false
			}
			_ = cb.Call(ctx, failing)
			snap, _ := cb.Snapshot(ctx)
			return snap.State == StateOpen && snap.Failures == threshold
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func TestProperty_OpenBlocksUntilResetTimeout(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("calls before reset timeout never invoke the operation", prop.ForAll(
		func(resetSeconds int, waitSeconds int) bool {
			ctx := context.Background()
			clock := newFakeClock()
			reset := time.Duration(resetSeconds) * time.Second
			cb := newBreaker("dep", &Config{Threshold: 1, ResetTimeout: reset}, NewMemoryStateStore(), clock.Now, zap.NewNop())

			_ = cb.Call(ctx, failing)
			clock.Advance(time.Duration(waitSeconds) * time.Second)

			invoked := false
			err := cb.Call(ctx, func(context.Context) error {
				invoked = true
				return nil
			})

			if waitSeconds < resetSeconds {
				return err != nil && !invoked
			}
			snap, _ := cb.Snapshot(ctx)
			return err == nil && invoked && snap.State == StateClosed && snap.Failures == 0
		},
		gen.IntRange(1, 600),
		gen.IntRange(0, 900),
	))

	properties.TestingRun(t)
}
