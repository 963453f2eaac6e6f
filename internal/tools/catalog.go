package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/agentoven/scriptrun/internal/mcp"
	"github.com/agentoven/scriptrun/pkg/models"
)

// Catalog is the process-wide set of named tools scripts can declare:
// built-ins, tools registered by embedders and adapter tools from
// runtime.yaml. Runs copy the tools they declare into their own Registry.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]*entry)}
}

// Register adds a tool. Duplicate names are a configuration error.
func (c *Catalog) Register(t Tool) error {
	if t.Spec.Kind == models.ToolMCP {
		return models.NewConfigurationError("tool %q: MCP tools are declared per script", t.Spec.Name)
	}
	e, err := newEntry(t)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[t.Spec.Name]; ok {
		return models.NewConfigurationError("duplicate tool name %q", t.Spec.Name)
	}
	c.entries[t.Spec.Name] = e
	return nil
}

// Lookup returns a catalog tool by name.
func (c *Catalog) Lookup(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// List returns all catalog tool specs sorted by name.
func (c *Catalog) List() []models.ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ToolSpec, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.tool.Spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ── MCP gateway ─────────────────────────────────────────────

// Tools implements mcp.Handler.
func (c *Catalog) Tools(context.Context) ([]models.MCPToolInfo, error) {
	specs := c.List()
	out := make([]models.MCPToolInfo, len(specs))
	for i, s := range specs {
		out[i] = models.MCPToolInfo{Name: s.Name, Description: s.Description, InputSchema: s.Parameters}
	}
	return out, nil
}

// Call implements mcp.Handler. Validation and execution failures come back
// as error results, as they would inside a run.
func (c *Catalog) Call(ctx context.Context, name string, args json.RawMessage) (*models.MCPToolResult, error) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return nil, mcp.ErrToolNotFound
	}

	res := e.invoke(ctx, models.ToolCall{ID: "gateway", Name: name, Arguments: args})
	return &models.MCPToolResult{
		Content: []models.MCPContent{{Type: "text", Text: res.Content()}},
		IsError: res.Error != nil,
	}, nil
}
