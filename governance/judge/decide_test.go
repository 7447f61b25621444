package judge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestDecide(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name       string
		confidence float64
		flags      []string
		want       Decision
	}{
		{"high confidence", 0.95, nil, DecisionAutoApproved},
		{"exact auto threshold", 0.90, nil, DecisionAutoApproved},
		{"review band", 0.80, nil, DecisionHumanReview},
		{"exact review threshold", 0.70, nil, DecisionHumanReview},
		{"low confidence", 0.50, nil, DecisionRejected},
		{"mandatory flag overrides confidence", 0.99, []string{FlagSensitiveTopic}, DecisionHumanReview},
		{"mandatory flag rescues low confidence", 0.10, []string{FlagFinancial}, DecisionHumanReview},
		{"unknown flag ignored", 0.95, []string{"typo"}, DecisionAutoApproved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.confidence, tt.flags, th))
		})
	}
}

func TestDecide_CustomThresholds(t *testing.T) {
	th := Thresholds{AutoApprove: 0.5, Review: 0.2}
	assert.Equal(t, DecisionAutoApproved, Decide(0.6, []string{FlagSecurity}, th))
	assert.Equal(t, DecisionHumanReview, Decide(0.3, nil, th))
	assert.Equal(t, DecisionRejected, Decide(0.1, nil, th))
}

// 决策表性质：强制标记恒为人工审核；否则决策随置信度单调
func TestDecide_Properties(t *testing.T) {
	th := DefaultThresholds()
	allFlags := append([]string{"benign", "typo"}, th.MandatoryFlags...)

	rapid.Check(t, func(t *rapid.T) {
		c := rapid.Float64Range(0, 1).Draw(t, "confidence")
		flags := rapid.SliceOfN(rapid.SampledFrom(allFlags), 0, 3).Draw(t, "flags")

		got := Decide(c, flags, th)
		if HasMandatoryFlag(flags, th) {
			if got != DecisionHumanReview {
				t.Fatalf("mandatory flags %v gave %s", flags, got)
			}
			return
		}

		var want Decision
		switch {
		case c >= th.AutoApprove:
			want = DecisionAutoApproved
		case c >= th.Review:
			want = DecisionHumanReview
		default:
			want = DecisionRejected
		}
		if got != want {
			t.Fatalf("confidence %.4f: got %s want %s", c, got, want)
		}

		higher := rapid.Float64Range(c, 1).Draw(t, "higher")
		if rank(Decide(higher, flags, th)) < rank(got) {
			t.Fatalf("decision regressed from %s at %.4f to lower at %.4f", got, c, higher)
		}
	})
}

func rank(d Decision) int {
	switch d {
	case DecisionAutoApproved:
		return 2
	case DecisionHumanReview:
		return 1
	default:
		return 0
	}
}
