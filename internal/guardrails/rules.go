package guardrails

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/agentoven/scriptrun/pkg/models"
)

// Rule is a named boolean expression. It flags content when it evaluates to
// true. Expressions see: text, source, length.
//
//	source == "tool_output" && text contains "BEGIN PRIVATE KEY"
//	length > 200000
//	lower(text) matches "(?s)api[_-]?key\\s*[:=]"
type Rule struct {
	Name   string
	Expr   string
	Reason string
}

type compiledRule struct {
	Rule
	program *vm.Program
}

// RuleClassifier evaluates expr-lang rules.
type RuleClassifier struct {
	rules []compiledRule
}

type ruleEnv struct {
	Text   string `expr:"text"`
	Source string `expr:"source"`
	Length int    `expr:"length"`
}

// NewRuleClassifier compiles rules. Any compile error is returned.
func NewRuleClassifier(rules []Rule) (*RuleClassifier, error) {
	rc := &RuleClassifier{}
	for _, r := range rules {
		program, err := expr.Compile(r.Expr, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("guard rule %q: %w", r.Name, err)
		}
		if r.Reason == "" {
			r.Reason = "matched rule " + r.Name
		}
		rc.rules = append(rc.rules, compiledRule{Rule: r, program: program})
	}
	return rc, nil
}

func (rc *RuleClassifier) Name() string { return "rules" }

func (rc *RuleClassifier) Classify(_ context.Context, source models.ContentSource, text string) (models.SafetyVerdict, error) {
	env := ruleEnv{Text: text, Source: string(source), Length: len(text)}
	for _, r := range rc.rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			return models.SafetyVerdict{}, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if hit, _ := out.(bool); hit {
			return attack(r.Reason, "rule:"+r.Name), nil
		}
	}
	return models.SafetyVerdict{}, nil
}
