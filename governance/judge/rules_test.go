package judge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"syntax error", Rule{Name: "bad", Expression: "confidence >", Flag: "x"}},
		{"non bool", Rule{Name: "num", Expression: "confidence + 1.0", Flag: "x"}},
		{"unknown variable", Rule{Name: "var", Expression: "budget > 1", Flag: "x"}},
		{"missing flag", Rule{Name: "noflag", Expression: "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileRules([]Rule{tt.rule})
			assert.Error(t, err)
		})
	}
}

func TestRuleSet_Evaluate(t *testing.T) {
	rs, err := CompileRules([]Rule{
		{Name: "dm-to-new-account", Expression: `kind == "engagement" && payload.recipient_age_days < 7`, Flag: FlagUnverifiedRecipient},
		{Name: "tiktok-late-retry", Expression: `platform == "tiktok" && attempt >= 3`, Flag: FlagBrandSafety},
		{Name: "keyword", Expression: `"crypto" in flags`, Flag: FlagFinancial},
	})
	require.NoError(t, err)
	require.Equal(t, 3, rs.Len())

	hits, errs := rs.Evaluate(RuleInput{
		Kind:     "engagement",
		Platform: "tiktok",
		Attempt:  3,
		Flags:    []string{"crypto"},
		Payload:  map[string]any{"recipient_age_days": 2},
	})
	assert.Empty(t, errs)
	assert.ElementsMatch(t, []string{FlagUnverifiedRecipient, FlagBrandSafety, FlagFinancial}, hits)

	hits, errs = rs.Evaluate(RuleInput{Kind: "content_generation", Platform: "twitter", Attempt: 1})
	assert.Empty(t, errs)
	assert.Empty(t, hits)
}

func TestRuleSet_EvaluationErrorCountsAsHit(t *testing.T) {
	rs, err := CompileRules([]Rule{
		{Name: "needs-field", Expression: `payload.score > 0.5`, Flag: FlagSecurity},
	})
	require.NoError(t, err)

	hits, errs := rs.Evaluate(RuleInput{})
	assert.Equal(t, []string{FlagSecurity}, hits)
	assert.Len(t, errs, 1)
}

func TestRuleSet_NilSafe(t *testing.T) {
	var rs *RuleSet
	assert.Equal(t, 0, rs.Len())
	hits, errs := rs.Evaluate(RuleInput{})
	assert.Nil(t, hits)
	assert.Nil(t, errs)
}
