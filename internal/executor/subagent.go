package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentoven/scriptrun/internal/tools"
	"github.com/agentoven/scriptrun/pkg/models"
)

var subAgentParams = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"task": map[string]interface{}{"type": "string", "description": "What the sub-agent should do"},
	},
	"required":             []interface{}{"task"},
	"additionalProperties": false,
}

// subAgentTool exposes a nested script as a local tool. Each call starts a
// fresh child run with its own cancel scope, registry and MCP servers. The
// child inherits the parent's model when it names none. A child that fails
// with a safety violation fails the parent; any other child failure is
// returned to the model as a tool error.
func (r *run) subAgentTool(sa models.SubAgentDefinition) tools.Tool {
	desc := sa.Description
	if desc == "" {
		desc = fmt.Sprintf("Delegate a task to the %s sub-agent.", sa.Name)
	}
	spec := models.ToolSpec{Name: sa.Name, Description: desc, Parameters: subAgentParams}

	return tools.Local(spec, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var in struct {
			Task string `json:"task"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}

		child := sa.Script
		if child.Prompt == "" {
			child.Prompt = in.Task
		} else {
			child.Prompt = child.Prompt + "\n\n" + in.Task
		}
		if child.Model == "" {
			child.Model = r.def.Model
		}
		if child.ID == "" {
			child.ID = sa.Name
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		res, err := r.e.run(ctx, &child, r.depth+1, r.id)

		r.childMu.Lock()
		r.childUsage.Add(res.Usage)
		r.childMu.Unlock()

		if err != nil {
			if re, ok := models.AsRunError(err); ok && re.Kind == models.ErrSafetyViolation {
				r.recordViolation(models.NewSafetyViolation(fmt.Sprintf("sub-agent %s: %s", sa.Name, re.Message)))
			}
			return nil, fmt.Errorf("sub-agent %s: %w", sa.Name, err)
		}
		return res.Text, nil
	})
}

// recordViolation keeps the first safety violation reported by a child run.
// The parent fails with it once the sub-agent call returns.
func (r *run) recordViolation(err *models.RunError) {
	r.childMu.Lock()
	defer r.childMu.Unlock()
	if r.childViolation == nil {
		r.childViolation = err
	}
}

func (r *run) subAgentViolation() error {
	r.childMu.Lock()
	defer r.childMu.Unlock()
	if r.childViolation == nil {
		return nil
	}
	return r.childViolation
}
