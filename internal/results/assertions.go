package results

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/agentoven/scriptrun/pkg/models"
)

// Evaluate checks assertions against a finished run. Malformed assertions
// (bad regex, bad expression) fail with an explanatory message.
func Evaluate(assertions []models.Assertion, res *models.RunResult) []models.AssertionResult {
	if len(assertions) == 0 {
		return nil
	}
	out := make([]models.AssertionResult, 0, len(assertions))
	for _, a := range assertions {
		passed, msg := evaluateOne(a, res)
		out = append(out, models.AssertionResult{Assertion: a, Passed: passed, Message: msg})
	}
	return out
}

func evaluateOne(a models.Assertion, res *models.RunResult) (bool, string) {
	switch a.Kind {
	case models.AssertContains:
		if strings.Contains(res.Text, a.Value) {
			return true, ""
		}
		return false, fmt.Sprintf("output does not contain %q", a.Value)

	case models.AssertNotContains:
		if !strings.Contains(res.Text, a.Value) {
			return true, ""
		}
		return false, fmt.Sprintf("output contains %q", a.Value)

	case models.AssertRegex:
		re, err := regexp.Compile(a.Value)
		if err != nil {
			return false, fmt.Sprintf("invalid regex: %v", err)
		}
		if re.MatchString(res.Text) {
			return true, ""
		}
		return false, fmt.Sprintf("output does not match /%s/", a.Value)

	case models.AssertToolCalled:
		for _, e := range res.ToolTrace {
			if e.Call.Name == a.Value {
				return true, ""
			}
		}
		return false, fmt.Sprintf("tool %q was never called", a.Value)

	case models.AssertExpr:
		return evalExpr(a.Value, res)
	}
	return false, fmt.Sprintf("unknown assertion kind %q", a.Kind)
}

// exprEnv is what expr assertions see:
//
//	state == "TERMINATED" && turns <= 3
//	"get_weather" in tools && usage.total < 2000
//	len(errors) == 0
func exprEnv(res *models.RunResult) map[string]interface{} {
	tools := make([]string, 0, len(res.ToolTrace))
	var toolErrors []string
	for _, e := range res.ToolTrace {
		tools = append(tools, e.Call.Name)
		if e.Result.Error != nil {
			toolErrors = append(toolErrors, e.Result.Error.Error())
		}
	}
	errKind := ""
	if res.Error != nil {
		errKind = string(res.Error.Kind)
	}
	return map[string]interface{}{
		"text":       res.Text,
		"state":      string(res.State),
		"error":      errKind,
		"turns":      res.Turns,
		"cache_hits": res.CacheHits,
		"tools":      tools,
		"errors":     toolErrors,
		"usage": map[string]interface{}{
			"prompt":     res.Usage.PromptTokens,
			"completion": res.Usage.CompletionTokens,
			"total":      res.Usage.TotalTokens,
		},
	}
}

func evalExpr(code string, res *models.RunResult) (bool, string) {
	env := exprEnv(res)
	program, err := expr.Compile(code, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Sprintf("invalid expression: %v", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Sprintf("expression failed: %v", err)
	}
	if ok, _ := out.(bool); ok {
		return true, ""
	}
	return false, fmt.Sprintf("expression %q is false", code)
}
