package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentoven/scriptrun/internal/mcp"
	"github.com/agentoven/scriptrun/pkg/models"
)

type entry struct {
	tool   Tool
	params *jsonschema.Schema
	result *jsonschema.Schema
}

func newEntry(t Tool) (*entry, error) {
	if t.Spec.Name == "" {
		return nil, models.NewConfigurationError("tool has no name")
	}
	if t.impl == nil {
		return nil, models.NewConfigurationError("tool %q has no implementation", t.Spec.Name)
	}
	params, err := compileSchema(t.Spec.Name, "parameters", t.Spec.Parameters)
	if err != nil {
		return nil, models.NewConfigurationError("tool %q: %v", t.Spec.Name, err)
	}
	result, err := compileSchema(t.Spec.Name, "result", t.Spec.ResultContract)
	if err != nil {
		return nil, models.NewConfigurationError("tool %q: %v", t.Spec.Name, err)
	}
	return &entry{tool: t, params: params, result: result}, nil
}

// Registry is the tool set of a single run: registered local and adapter
// tools plus the tools discovered on the run's MCP servers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	servers   []*mcp.Client
	serverIDs map[string]bool
	discover  sync.Once
	discErr   error
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[string]*entry),
		serverIDs: make(map[string]bool),
	}
}

// Register adds a tool. Duplicate names are a configuration error.
func (r *Registry) Register(t Tool) error {
	e, err := newEntry(t)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(e)
}

func (r *Registry) addLocked(e *entry) error {
	name := e.tool.Spec.Name
	if existing, ok := r.entries[name]; ok {
		return models.NewConfigurationError("duplicate tool name %q (%s and %s)",
			name, describe(existing.tool.Spec), describe(e.tool.Spec))
	}
	r.entries[name] = e
	r.order = append(r.order, name)
	return nil
}

func describe(s models.ToolSpec) string {
	if s.Server != "" {
		return string(s.Kind) + ":" + s.Server
	}
	return string(s.Kind)
}

// AddServer attaches an MCP server. Its tools are discovered on the first
// ListTools call.
func (r *Registry) AddServer(c *mcp.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.serverIDs[c.ID()] {
		return models.NewConfigurationError("duplicate MCP server id %q", c.ID())
	}
	r.serverIDs[c.ID()] = true
	r.servers = append(r.servers, c)
	return nil
}

// ListTools returns every available tool in registration order, MCP tools
// after local ones. MCP servers are queried once; tools they have dropped
// since are omitted.
func (r *Registry) ListTools(ctx context.Context) ([]models.ToolSpec, error) {
	r.discover.Do(func() { r.discErr = r.discoverServers(ctx) })
	if r.discErr != nil {
		return nil, r.discErr
	}

	available := make(map[string]map[string]bool, len(r.servers))
	for _, c := range r.servers {
		tools, err := c.ListTools(ctx)
		if err != nil {
			log.Warn().Str("server", c.ID()).Err(err).Msg("MCP server unavailable")
			continue
		}
		set := make(map[string]bool, len(tools))
		for _, t := range tools {
			set[t.Name] = true
		}
		available[c.ID()] = set
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		spec := r.entries[name].tool.Spec
		if spec.Kind == models.ToolMCP && !available[spec.Server][name] {
			continue
		}
		out = append(out, spec)
	}
	return out, nil
}

func (r *Registry) discoverServers(ctx context.Context) error {
	for _, c := range r.servers {
		infos, err := c.ListTools(ctx)
		if err != nil {
			return models.NewConfigurationError("mcp server %q: %v", c.ID(), err)
		}
		for _, info := range infos {
			e, err := newEntry(MCP(c, info))
			if err != nil {
				return err
			}
			r.mu.Lock()
			err = r.addLocked(e)
			r.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Kind reports the implementation variant of a registered tool.
func (r *Registry) Kind(name string) models.ToolKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.tool.Spec.Kind
	}
	return ""
}

// Invoke runs one tool call and always returns a result bound to call.ID.
func (r *Registry) Invoke(ctx context.Context, call models.ToolCall) models.ToolResult {
	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return errorResult(call, models.ToolErrUnknown, fmt.Sprintf("no tool named %q", call.Name))
	}
	return e.invoke(ctx, call)
}

// Close stops every MCP server attached to the registry.
func (r *Registry) Close() error {
	r.mu.RLock()
	servers := append([]*mcp.Client(nil), r.servers...)
	r.mu.RUnlock()
	for _, c := range servers {
		_ = c.Close()
	}
	return nil
}

func (e *entry) invoke(ctx context.Context, call models.ToolCall) models.ToolResult {
	args, err := decodeArguments(call.Arguments)
	if err == nil {
		err = validate(e.params, args)
	}
	if err != nil {
		return errorResult(call, models.ToolErrValidation, err.Error())
	}

	raw := call.Arguments
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	out, err := safeInvoke(ctx, e.tool.impl, raw)
	if err != nil {
		return errorResult(call, models.ToolErrExecution, err.Error())
	}

	res := models.ToolResult{CallID: call.ID, Name: call.Name}
	if f, ok := out.(finished); ok {
		out = f.value
		res.Terminate = true
	}

	if e.result != nil {
		v, err := normalizeValue(out)
		if err == nil {
			err = validate(e.result, v)
		}
		if err != nil {
			return errorResult(call, models.ToolErrExecution, "result contract violated: "+err.Error())
		}
	}

	text, err := render(out)
	if err != nil {
		return errorResult(call, models.ToolErrExecution, err.Error())
	}
	res.Output = text
	return res
}

// safeInvoke converts implementation panics into errors.
func safeInvoke(ctx context.Context, impl invoker, args json.RawMessage) (out interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	return impl.invoke(ctx, args)
}

func errorResult(call models.ToolCall, kind models.ToolErrorKind, msg string) models.ToolResult {
	return models.ToolResult{
		CallID: call.ID,
		Name:   call.Name,
		Error:  &models.ToolError{Kind: kind, Message: msg},
	}
}
