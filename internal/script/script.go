// Package script decodes and validates ScriptDefinitions and provides the
// file and prompt sources the orchestrator reads script references through.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentoven/scriptrun/pkg/models"
)

// Format selects the encoding of a script document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf guesses the format from a file name; anything that is not
// .json is treated as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Parse decodes one script document. Unknown fields are rejected.
func Parse(data []byte, format Format) (*models.ScriptDefinition, error) {
	def := &models.ScriptDefinition{}
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(def); err != nil {
			return nil, fmt.Errorf("parse script: %w", err)
		}
	case FormatYAML, "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(def); err != nil {
			return nil, fmt.Errorf("parse script: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown script format %q", format)
	}
	return def, nil
}

// LoadFile reads and validates a script from disk. The script id defaults
// to the file name without extension.
func LoadFile(path string) (*models.ScriptDefinition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	def, err := Parse(b, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := Validate(def); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// ── Validation ──────────────────────────────────────────────

// Issue is one problem found in a script.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every issue found in a script.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Message)
	}
	return "invalid script: " + strings.Join(parts, "; ")
}

var validAssertions = map[models.AssertionKind]struct{}{
	models.AssertContains:    {},
	models.AssertNotContains: {},
	models.AssertRegex:       {},
	models.AssertToolCalled:  {},
	models.AssertExpr:        {},
}

// Validate checks the structure of def. Names that only the engine can
// resolve (models, catalog tools) are checked when the run is built.
func Validate(def *models.ScriptDefinition) error {
	var issues []Issue
	validate(def, "", &issues)
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

func validate(def *models.ScriptDefinition, prefix string, issues *[]Issue) {
	add := func(field, format string, args ...interface{}) {
		*issues = append(*issues, Issue{Field: prefix + field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(def.Prompt) == "" && prefix == "" {
		add("prompt", "is required")
	}
	if def.MaxTurns < 0 {
		add("max_turns", "must be >= 0")
	}
	if def.ToolConcurrency < 0 {
		add("tool_concurrency", "must be >= 0")
	}
	if def.ToolTimeout < 0 {
		add("tool_timeout", "must be >= 0")
	}
	switch def.Cache.Scope {
	case models.CacheOff, models.CacheEphemeral, models.CachePersistent:
	default:
		add("cache.scope", "unsupported scope %q", def.Cache.Scope)
	}

	names := map[string]string{}
	claim := func(name, field string) {
		if prev, ok := names[name]; ok {
			add(field, "tool name %q already used by %s", name, prev)
			return
		}
		names[name] = field
	}
	for i, name := range def.Tools {
		if strings.TrimSpace(name) == "" {
			add(fmt.Sprintf("tools[%d]", i), "is empty")
			continue
		}
		claim(name, fmt.Sprintf("tools[%d]", i))
	}
	for i, sa := range def.SubAgents {
		field := fmt.Sprintf("sub_agents[%d]", i)
		if strings.TrimSpace(sa.Name) == "" {
			add(field+".name", "is required")
			continue
		}
		claim(sa.Name, field)
		validate(&sa.Script, field+".script.", issues)
	}
	if def.FinishTool {
		claim("finish", "finish_tool")
	}

	servers := map[string]bool{}
	for i, s := range def.MCPServers {
		field := fmt.Sprintf("mcp_servers[%d]", i)
		if s.ID == "" {
			add(field+".id", "is required")
		} else if servers[s.ID] {
			add(field+".id", "duplicate server id %q", s.ID)
		}
		servers[s.ID] = true
		if strings.TrimSpace(s.Command) == "" {
			add(field+".command", "is required")
		}
	}

	for i, a := range def.Assertions {
		if _, ok := validAssertions[a.Kind]; !ok {
			add(fmt.Sprintf("assertions[%d].kind", i), "unsupported kind %q", a.Kind)
		}
	}
}

// ── Admission ───────────────────────────────────────────────

// Policy limits what a script received from an untrusted caller may
// reference.
type Policy struct {
	// MCPServers are the operator-configured servers, by id. Scripts name
	// them by id only; inline commands are refused.
	MCPServers map[string]models.MCPServerConfig

	// AllowFiles permits files: references.
	AllowFiles bool
}

// Admit applies p to def and its sub-agents. MCP server references are
// replaced in place by the configured entries. Any refusal is returned as a
// *ValidationError.
func Admit(def *models.ScriptDefinition, p Policy) error {
	var issues []Issue
	admit(def, p, "", &issues)
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

func admit(def *models.ScriptDefinition, p Policy, prefix string, issues *[]Issue) {
	add := func(field, msg string) {
		*issues = append(*issues, Issue{Field: prefix + field, Message: msg})
	}

	if len(def.Files) > 0 && !p.AllowFiles {
		add("files", "file references are disabled on this server")
	}
	for i, s := range def.MCPServers {
		field := fmt.Sprintf("mcp_servers[%d]", i)
		if s.Command != "" || len(s.Args) > 0 || len(s.Env) > 0 || s.Dir != "" {
			add(field, "inline server commands are not accepted; reference a configured server by id")
			continue
		}
		cfg, ok := p.MCPServers[s.ID]
		if !ok {
			add(field+".id", fmt.Sprintf("unknown mcp server %q", s.ID))
			continue
		}
		if s.CallTimeout > 0 {
			cfg.CallTimeout = s.CallTimeout
		}
		def.MCPServers[i] = cfg
	}
	for i := range def.SubAgents {
		admit(&def.SubAgents[i].Script, p, fmt.Sprintf("%ssub_agents[%d].script.", prefix, i), issues)
	}
}

// ── File and prompt sources ─────────────────────────────────

// ErrOutsideRoot is returned for file references that escape the root.
var ErrOutsideRoot = errors.New("path escapes the script directory")

// DirFiles reads script file references relative to a root directory.
type DirFiles struct {
	Root     string
	MaxBytes int64 // 0 = 1 MiB
}

func (d DirFiles) ReadFile(_ context.Context, path string) (string, error) {
	root, err := filepath.Abs(d.Root)
	if err != nil {
		return "", err
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, path)
	}
	full = filepath.Clean(full)
	if rel, err := filepath.Rel(root, full); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}

	max := d.MaxBytes
	if max <= 0 {
		max = 1 << 20
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > max {
		return "", fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), max)
	}
	b, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}

// PromptMap resolves system prompt ids from a fixed table (runtime.yaml
// "prompts").
type PromptMap map[string]string

func (p PromptMap) Prompt(_ context.Context, id string) (string, error) {
	if s, ok := p[id]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown system prompt %q", id)
}
