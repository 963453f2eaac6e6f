// Package models holds the data types shared by every component of the
// script runtime: script definitions, conversation messages, tool contracts,
// MCP wire frames, cache entries, safety verdicts and run results.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ── Script Definition ───────────────────────────────────────

// ScriptDefinition is the immutable description of one run. It is created
// once per invocation and never mutated by the engine.
type ScriptDefinition struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`

	// System is inline system text; SystemPrompts are ids resolved through
	// the engine's prompt source. Both end up as system messages, ids first.
	System        string   `json:"system,omitempty" yaml:"system,omitempty"`
	SystemPrompts []string `json:"system_prompts,omitempty" yaml:"system_prompts,omitempty"`

	// Prompt is the user input for the first turn.
	Prompt string   `json:"prompt" yaml:"prompt"`
	Files  []string `json:"files,omitempty" yaml:"files,omitempty"`

	// Tools lists catalog tool names exposed to the model.
	Tools      []string             `json:"tools,omitempty" yaml:"tools,omitempty"`
	SubAgents  []SubAgentDefinition `json:"sub_agents,omitempty" yaml:"sub_agents,omitempty"`
	MCPServers []MCPServerConfig    `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`
	FinishTool bool                 `json:"finish_tool,omitempty" yaml:"finish_tool,omitempty"`

	Model          string         `json:"model,omitempty" yaml:"model,omitempty"`
	FallbackModels []string       `json:"fallback_models,omitempty" yaml:"fallback_models,omitempty"`
	Sampling       SamplingParams `json:"sampling,omitempty" yaml:"sampling,omitempty"`

	Cache  CachePolicy  `json:"cache,omitempty" yaml:"cache,omitempty"`
	Safety SafetyPolicy `json:"safety,omitempty" yaml:"safety,omitempty"`

	MaxTurns        int      `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	ToolConcurrency int      `json:"tool_concurrency,omitempty" yaml:"tool_concurrency,omitempty"`
	ToolTimeout     Duration `json:"tool_timeout,omitempty" yaml:"tool_timeout,omitempty"`

	Assertions []Assertion `json:"assertions,omitempty" yaml:"assertions,omitempty"`
}

// SubAgentDefinition exposes a nested script to the model as a tool.
type SubAgentDefinition struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Script      ScriptDefinition `json:"script" yaml:"script"`
}

// SamplingParams are forwarded to the provider and take part in the cache
// fingerprint. Nil fields mean "provider default".
type SamplingParams struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Seed        *int     `json:"seed,omitempty" yaml:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// CacheScope selects which cache tiers a run may use.
type CacheScope string

const (
	CacheOff        CacheScope = ""
	CacheEphemeral  CacheScope = "ephemeral"
	CachePersistent CacheScope = "persistent"
)

// CachePolicy controls response caching for a run.
type CachePolicy struct {
	Scope     CacheScope `json:"scope,omitempty" yaml:"scope,omitempty"`
	Namespace string     `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// Enabled reports whether any cache tier is active.
func (p CachePolicy) Enabled() bool { return p.Scope != CacheOff }

// SafetyPolicy selects which content passes through the safety guard.
type SafetyPolicy struct {
	Inputs        bool `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Files         bool `json:"files,omitempty" yaml:"files,omitempty"`
	ToolArguments bool `json:"tool_arguments,omitempty" yaml:"tool_arguments,omitempty"`
	ToolOutputs   bool `json:"tool_outputs,omitempty" yaml:"tool_outputs,omitempty"`
}

// Any reports whether at least one check is enabled.
func (p SafetyPolicy) Any() bool {
	return p.Inputs || p.Files || p.ToolArguments || p.ToolOutputs
}

// ── Models ──────────────────────────────────────────────────

// Reserved model aliases.
const (
	AliasSmall = "small"
	AliasLarge = "large"
	AliasNone  = "none"
	AliasEcho  = "echo"
)

// ModelSpec identifies a concrete provider model.
type ModelSpec struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Tag      string `json:"tag,omitempty"`
	Alias    string `json:"alias,omitempty"`
}

// ModelID returns the provider-facing model id (model[:tag]).
func (m ModelSpec) ModelID() string {
	if m.Tag == "" {
		return m.Model
	}
	return m.Model + ":" + m.Tag
}

func (m ModelSpec) String() string {
	if m.Model == "" {
		return m.Provider
	}
	return m.Provider + ":" + m.ModelID()
}

// Credentials carries what a driver needs to reach a provider.
type Credentials struct {
	APIKey   string `json:"-"`
	Endpoint string `json:"endpoint,omitempty"`
}

// ResolvedModel is a ModelSpec plus its driver kind and credentials.
type ResolvedModel struct {
	Spec        ModelSpec   `json:"spec"`
	Kind        string      `json:"kind"`
	Credentials Credentials `json:"credentials"`
}

// ── Conversation ────────────────────────────────────────────

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is one entry of the conversation state.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool messages
	Name       string     `json:"name,omitempty"`         // tool name for tool messages
}

// ── Tools ───────────────────────────────────────────────────

// ToolKind tags the implementation variant behind a tool.
type ToolKind string

const (
	ToolLocal   ToolKind = "local"
	ToolMCP     ToolKind = "mcp"
	ToolAdapter ToolKind = "adapter"
)

// ToolSpec is the contract a tool exposes to the model.
type ToolSpec struct {
	Name           string                 `json:"name" yaml:"name"`
	Description    string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters     map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	ResultContract map[string]interface{} `json:"result_contract,omitempty" yaml:"result_contract,omitempty"`
	Kind           ToolKind               `json:"kind" yaml:"kind"`
	Server         string                 `json:"server,omitempty" yaml:"server,omitempty"` // mcp server id
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolErrorKind classifies recoverable tool failures.
type ToolErrorKind string

const (
	ToolErrUnknown    ToolErrorKind = "unknown_tool"
	ToolErrValidation ToolErrorKind = "validation"
	ToolErrExecution  ToolErrorKind = "tool_execution"
)

// ToolError is the error frame fed back to the model.
type ToolError struct {
	Kind    ToolErrorKind `json:"kind"`
	Message string        `json:"message"`
}

func (e *ToolError) Error() string { return string(e.Kind) + ": " + e.Message }

// ToolResult binds an output or error to a ToolCall by CallID.
type ToolResult struct {
	CallID    string     `json:"call_id"`
	Name      string     `json:"name"`
	Output    string     `json:"output,omitempty"`
	Error     *ToolError `json:"error,omitempty"`
	Terminate bool       `json:"terminate,omitempty"`
}

// Content renders the result as conversation text.
func (r ToolResult) Content() string {
	if r.Error != nil {
		return "Error: " + r.Error.Error()
	}
	return r.Output
}

// ── MCP ─────────────────────────────────────────────────────

// MCPServerConfig describes an external tool server spawned per run.
type MCPServerConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Command     string            `json:"command" yaml:"command"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir         string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	CallTimeout Duration          `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`
}

type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

type MCPResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *MCPError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *MCPError) Error() string { return e.Message }

// JSON-RPC error codes used by the gateway.
const (
	MCPParseError     = -32700
	MCPInvalidRequest = -32600
	MCPMethodNotFound = -32601
	MCPInvalidParams  = -32602
	MCPInternalError  = -32603
	MCPToolNotFound   = -32001
)

type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

type MCPToolsList struct {
	Tools []MCPToolInfo `json:"tools"`
}

type MCPToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type MCPToolResult struct {
	Content           []MCPContent `json:"content"`
	StructuredContent interface{}  `json:"structuredContent,omitempty"`
	IsError           bool         `json:"isError,omitempty"`
}

// Text concatenates the text parts of the result.
func (r MCPToolResult) Text() string {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

type MCPContent struct {
	Type string `json:"type"` // text, image, resource
	Text string `json:"text,omitempty"`
}

// ── Model Routing ───────────────────────────────────────────

// RouteRequest is what a driver receives for one provider call.
type RouteRequest struct {
	Model    ModelSpec      `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Tools    []ToolSpec     `json:"tools,omitempty"`
	Sampling SamplingParams `json:"sampling,omitempty"`
}

// RouteResponse is one assistant turn returned by a provider or the cache.
type RouteResponse struct {
	ID           string     `json:"id"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        TokenUsage `json:"usage"`
	LatencyMs    int64      `json:"latency_ms"`
	FromCache    bool       `json:"from_cache"`
}

type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(o TokenUsage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	total := o.TotalTokens
	if total == 0 {
		total = o.PromptTokens + o.CompletionTokens
	}
	u.TotalTokens += total
}

// ── Cache ───────────────────────────────────────────────────

// CacheEntry is immutable once written.
type CacheEntry struct {
	Fingerprint string        `json:"fingerprint"`
	Response    RouteResponse `json:"response"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ── Safety ──────────────────────────────────────────────────

// ContentSource names where evaluated content came from.
type ContentSource string

const (
	SourceInput        ContentSource = "input"
	SourceFile         ContentSource = "file"
	SourceToolArgument ContentSource = "tool_argument"
	SourceToolOutput   ContentSource = "tool_output"
)

// SafetyVerdict is the classifier outcome for one piece of content.
type SafetyVerdict struct {
	AttackDetected bool     `json:"attackDetected"`
	Reason         string   `json:"reason,omitempty"`
	Categories     []string `json:"categories,omitempty"`
}

// ── Assertions ──────────────────────────────────────────────

type AssertionKind string

const (
	AssertContains    AssertionKind = "contains"
	AssertNotContains AssertionKind = "not_contains"
	AssertRegex       AssertionKind = "regex"
	AssertToolCalled  AssertionKind = "tool_called"
	AssertExpr        AssertionKind = "expr"
)

// Assertion is a pass/fail check evaluated against the finished run.
type Assertion struct {
	Kind  AssertionKind `json:"kind" yaml:"kind"`
	Value string        `json:"value" yaml:"value"`
}

type AssertionResult struct {
	Assertion Assertion `json:"assertion"`
	Passed    bool      `json:"passed"`
	Message   string    `json:"message,omitempty"`
}

// ── Run Result ──────────────────────────────────────────────

// RunState is a state of the turn orchestrator.
type RunState string

const (
	StateBuilding       RunState = "BUILDING"
	StateAwaitingModel  RunState = "AWAITING_MODEL"
	StateExecutingTools RunState = "EXECUTING_TOOLS"
	StateTerminated     RunState = "TERMINATED"
	StateFailed         RunState = "FAILED"
)

// ToolTraceEntry pairs a call with its result.
type ToolTraceEntry struct {
	Turn       int        `json:"turn"`
	Call       ToolCall   `json:"call"`
	Result     ToolResult `json:"result"`
	Kind       ToolKind   `json:"kind,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// RunResult is handed to the caller when a run completes.
type RunResult struct {
	RunID      string            `json:"run_id"`
	State      RunState          `json:"state"`
	Model      string            `json:"model,omitempty"`
	Text       string            `json:"text"`
	ToolTrace  []ToolTraceEntry  `json:"tool_trace"`
	Usage      TokenUsage        `json:"usage"`
	Turns      int               `json:"turns"`
	CacheHits  int               `json:"cache_hits"`
	Assertions []AssertionResult `json:"assertions,omitempty"`
	Passed     bool              `json:"passed"`
	Error      *RunError         `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

// ── Events ──────────────────────────────────────────────────

type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventTurnCompleted EventType = "turn.completed"
	EventToolCompleted EventType = "tool.completed"
	EventRunFinished   EventType = "run.finished"
)

// RunEvent is published to the configured event sink as a run progresses.
type RunEvent struct {
	Type      EventType              `json:"type"`
	RunID     string                 `json:"run_id"`
	Turn      int                    `json:"turn,omitempty"`
	State     RunState               `json:"state,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
