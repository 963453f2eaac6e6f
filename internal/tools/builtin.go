package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/expr-lang/expr"

	"github.com/agentoven/scriptrun/pkg/models"
)

// FinishToolName is the name of the explicit termination tool.
const FinishToolName = "finish"

// FinishTool lets the model end the run with a final answer.
func FinishTool() Tool {
	return Local(models.ToolSpec{
		Name:        FinishToolName,
		Description: "Call when the task is complete. The answer becomes the final output and no further turns run.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"answer": map[string]interface{}{"type": "string", "description": "Final answer"},
			},
			"required":             []interface{}{"answer"},
			"additionalProperties": false,
		},
	}, func(_ context.Context, args json.RawMessage) (interface{}, error) {
		var in struct {
			Answer string `json:"answer"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return Finish(in.Answer), nil
	})
}

// RegisterBuiltins adds the built-in tools to a catalog.
func RegisterBuiltins(c *Catalog) error {
	for _, t := range []Tool{currentTimeTool(), calculateTool()} {
		if err := c.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func currentTimeTool() Tool {
	return Local(models.ToolSpec{
		Name:        "current_time",
		Description: "Current date and time, optionally in an IANA time zone.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"timezone": map[string]interface{}{"type": "string"},
			},
		},
	}, func(_ context.Context, args json.RawMessage) (interface{}, error) {
		var in struct {
			Timezone string `json:"timezone"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		loc := time.UTC
		if in.Timezone != "" {
			l, err := time.LoadLocation(in.Timezone)
			if err != nil {
				return nil, fmt.Errorf("unknown time zone %q", in.Timezone)
			}
			loc = l
		}
		return time.Now().In(loc).Format(time.RFC3339), nil
	})
}

func calculateTool() Tool {
	return Local(models.ToolSpec{
		Name:        "calculate",
		Description: "Evaluate an arithmetic expression, e.g. \"(2 + 3) * 4 / 5\".",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"expression": map[string]interface{}{"type": "string", "minLength": 1},
			},
			"required": []interface{}{"expression"},
		},
		ResultContract: map[string]interface{}{"type": "number"},
	}, func(_ context.Context, args json.RawMessage) (interface{}, error) {
		var in struct {
			Expression string `json:"expression"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		program, err := expr.Compile(in.Expression, expr.Env(map[string]interface{}{}))
		if err != nil {
			return nil, fmt.Errorf("invalid expression: %w", err)
		}
		out, err := expr.Run(program, map[string]interface{}{})
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}
