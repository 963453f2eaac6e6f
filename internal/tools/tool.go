// Package tools holds the callable tools of a run.
//
// Every tool is a models.ToolSpec plus one of three implementation variants
// (local Go function, MCP server tool, third-party adapter). All variants are
// dispatched through the same Invoke path: unknown names and argument schema
// failures are reported back as tool errors without executing anything, and
// implementation failures never escape as run errors.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentoven/scriptrun/internal/mcp"
	"github.com/agentoven/scriptrun/pkg/contracts"
	"github.com/agentoven/scriptrun/pkg/models"
)

// Func is a local tool implementation. It returns a string, any
// JSON-encodable value, or the value produced by Finish.
type Func func(ctx context.Context, args json.RawMessage) (interface{}, error)

// invoker is the uniform dispatch contract shared by all tool variants.
type invoker interface {
	invoke(ctx context.Context, args json.RawMessage) (interface{}, error)
}

// Tool binds a spec to its implementation.
type Tool struct {
	Spec models.ToolSpec
	impl invoker
}

// Local wraps a Go function.
func Local(spec models.ToolSpec, fn Func) Tool {
	spec.Kind = models.ToolLocal
	return Tool{Spec: spec, impl: localInvoker(fn)}
}

// Adapter wraps a third-party tool contract.
func Adapter(a contracts.AdapterTool) Tool {
	spec := a.Spec()
	spec.Kind = models.ToolAdapter
	return Tool{Spec: spec, impl: adapterInvoker{a}}
}

// MCP wraps one tool offered by an MCP server.
func MCP(client *mcp.Client, info models.MCPToolInfo) Tool {
	return Tool{
		Spec: models.ToolSpec{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.InputSchema,
			Kind:        models.ToolMCP,
			Server:      client.ID(),
		},
		impl: mcpInvoker{client: client, name: info.Name},
	}
}

type localInvoker Func

func (f localInvoker) invoke(ctx context.Context, args json.RawMessage) (interface{}, error) {
	return f(ctx, args)
}

type adapterInvoker struct{ a contracts.AdapterTool }

func (a adapterInvoker) invoke(ctx context.Context, args json.RawMessage) (interface{}, error) {
	return a.a.Invoke(ctx, args)
}

type mcpInvoker struct {
	client *mcp.Client
	name   string
}

func (m mcpInvoker) invoke(ctx context.Context, args json.RawMessage) (interface{}, error) {
	res, err := m.client.CallTool(ctx, m.name, args)
	if err != nil {
		var rpcErr *models.MCPError
		if errors.As(err, &rpcErr) {
			return nil, fmt.Errorf("mcp error %d: %s", rpcErr.Code, rpcErr.Message)
		}
		return nil, err
	}
	if res.IsError {
		msg := res.Text()
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, errors.New(msg)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	return res.Text(), nil
}

// ── Termination sentinel ────────────────────────────────────

type finished struct{ value interface{} }

// Finish marks a tool output as the final answer of the run. The
// orchestrator stops after the current tool round.
func Finish(output interface{}) interface{} {
	return finished{value: output}
}

// render turns a tool output into conversation text.
func render(v interface{}) (string, error) {
	switch o := v.(type) {
	case nil:
		return "", nil
	case string:
		return o, nil
	case []byte:
		return string(o), nil
	case json.RawMessage:
		return string(o), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode tool output: %w", err)
	}
	return string(b), nil
}
