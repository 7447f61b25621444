package judge

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	celtypes "github.com/google/cel-go/common/types"
)

// Rule 是一条可配置的 CEL 升级规则，表达式为真时附加 Flag
type Rule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	Flag       string `yaml:"flag" json:"flag"`
}

// RuleInput 规则可见的变量
type RuleInput struct {
	Confidence float64
	Flags      []string
	Kind       string
	Platform   string
	Priority   string
	Attempt    int
	Payload    map[string]any
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// RuleSet 已编译的规则集合
type RuleSet struct {
	rules []compiledRule
}

func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("confidence", celtypes.DoubleType),
			decls.NewVariable("flags", celtypes.NewListType(celtypes.StringType)),
			decls.NewVariable("kind", celtypes.StringType),
			decls.NewVariable("platform", celtypes.StringType),
			decls.NewVariable("priority", celtypes.StringType),
			decls.NewVariable("attempt", celtypes.IntType),
			decls.NewVariable("payload", celtypes.NewMapType(celtypes.StringType, celtypes.DynType)),
		),
	)
}

// CompileRules 编译规则，任一规则非法即返回错误
func CompileRules(rules []Rule) (*RuleSet, error) {
	env, err := newRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	rs := &RuleSet{}
	for _, r := range rules {
		if r.Flag == "" {
			return nil, fmt.Errorf("rule %q: flag is required", r.Name)
		}
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q compilation failed: %w", r.Name, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %q must evaluate to bool, got %s", r.Name, out)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %q program construction failed: %w", r.Name, err)
		}
		rs.rules = append(rs.rules, compiledRule{rule: r, program: prg})
	}
	return rs, nil
}

// Len 规则数量
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Evaluate 返回命中规则附加的标记。求值出错的规则视为命中。
func (rs *RuleSet) Evaluate(in RuleInput) ([]string, []error) {
	if rs == nil {
		return nil, nil
	}

	flags := in.Flags
	if flags == nil {
		flags = []string{}
	}
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	vars := map[string]any{
		"confidence": in.Confidence,
		"flags":      flags,
		"kind":       in.Kind,
		"platform":   in.Platform,
		"priority":   in.Priority,
		"attempt":    int64(in.Attempt),
		"payload":    payload,
	}

	var hits []string
	var errs []error
	for _, cr := range rs.rules {
		out, _, err := cr.program.Eval(vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", cr.rule.Name, err))
			hits = append(hits, cr.rule.Flag)
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched {
			hits = append(hits, cr.rule.Flag)
		}
	}
	return hits, errs
}
