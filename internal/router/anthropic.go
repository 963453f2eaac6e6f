package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agentoven/scriptrun/pkg/models"
)

// ── Anthropic Provider ──────────────────────────────────────

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

type anthropicDriver struct {
	client *http.Client
}

func newAnthropicDriver(client *http.Client) *anthropicDriver {
	return &anthropicDriver{client: client}
}

func (d *anthropicDriver) Kind() string { return "anthropic" }

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (d *anthropicDriver) Call(ctx context.Context, m *models.ResolvedModel, req *models.RouteRequest) (*models.RouteResponse, error) {
	endpoint := strings.TrimRight(m.Credentials.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://api.anthropic.com/v1"
	}
	if m.Credentials.APIKey == "" {
		return nil, models.NewConfigurationError("anthropic: api key not configured for provider %s", m.Spec.Provider)
	}

	body, err := json.Marshal(buildAnthropicRequest(req))
	if err != nil {
		return nil, models.NewProviderError(0, false, fmt.Errorf("anthropic: encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, models.NewProviderError(0, false, fmt.Errorf("anthropic: create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", m.Credentials.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		// 529 is Anthropic's "overloaded".
		return nil, statusError("anthropic", httpResp.StatusCode, respBody)
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, models.NewProviderError(httpResp.StatusCode, false, fmt.Errorf("anthropic: decode response: %w", err))
	}

	resp := &models.RouteResponse{
		ID:           anthResp.ID,
		Provider:     m.Spec.Provider,
		Model:        m.Spec.ModelID(),
		FinishReason: anthResp.StopReason,
		Usage: models.TokenUsage{
			PromptTokens:     anthResp.Usage.InputTokens,
			CompletionTokens: anthResp.Usage.OutputTokens,
			TotalTokens:      anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, c := range anthResp.Content {
		switch c.Type {
		case "text":
			text.WriteString(c.Text)
		case "tool_use":
			args := c.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{ID: c.ID, Name: c.Name, Arguments: args})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

// buildAnthropicRequest moves system messages to the top-level field and
// folds consecutive tool results into one user message.
func buildAnthropicRequest(req *models.RouteRequest) anthropicRequest {
	out := anthropicRequest{
		Model:         req.Model.ModelID(),
		MaxTokens:     anthropicMaxTokens,
		Temperature:   req.Sampling.Temperature,
		TopP:          req.Sampling.TopP,
		StopSequences: req.Sampling.Stop,
	}
	if req.Sampling.MaxTokens != nil {
		out.MaxTokens = *req.Sampling.MaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, msg.Content)

		case models.RoleTool:
			block := anthropicBlock{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content}
			if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == "user" && isToolResults(out.Messages[n-1]) {
				out.Messages[n-1].Content = append(out.Messages[n-1].Content, block)
				continue
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: []anthropicBlock{block}})

		case models.RoleAssistant:
			am := anthropicMessage{Role: "assistant"}
			if msg.Content != "" {
				am.Content = append(am.Content, anthropicBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 || !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				am.Content = append(am.Content, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			out.Messages = append(out.Messages, am)

		default:
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: msg.Content}},
			})
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}

func isToolResults(m anthropicMessage) bool {
	for _, b := range m.Content {
		if b.Type != "tool_result" {
			return false
		}
	}
	return len(m.Content) > 0
}
