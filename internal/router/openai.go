package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/agentoven/scriptrun/pkg/models"
)

// ── OpenAI-compatible Provider ──────────────────────────────
//
// Serves "openai" and "ollama" (through Ollama's /v1 compatibility API).

type openAIDriver struct {
	kind            string
	defaultEndpoint string
	requireKey      bool
	client          *http.Client
}

func newOpenAIDriver(kind, defaultEndpoint string, requireKey bool, client *http.Client) *openAIDriver {
	return &openAIDriver{kind: kind, defaultEndpoint: defaultEndpoint, requireKey: requireKey, client: client}
}

func (d *openAIDriver) Kind() string { return d.kind }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Seed        *int            `json:"seed,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	} `json:"function"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content   *string          `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (d *openAIDriver) Call(ctx context.Context, m *models.ResolvedModel, req *models.RouteRequest) (*models.RouteResponse, error) {
	endpoint := strings.TrimRight(m.Credentials.Endpoint, "/")
	if endpoint == "" {
		endpoint = d.defaultEndpoint
	}
	if d.requireKey && m.Credentials.APIKey == "" {
		return nil, models.NewConfigurationError("%s: api key not configured for provider %s", d.kind, m.Spec.Provider)
	}

	body, err := json.Marshal(buildOpenAIRequest(req))
	if err != nil {
		return nil, models.NewProviderError(0, false, fmt.Errorf("%s: encode request: %w", d.kind, err))
	}

	url := endpoint + "/chat/completions"
	if d.kind == "ollama" {
		url = endpoint + "/v1/chat/completions"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, models.NewProviderError(0, false, fmt.Errorf("%s: create request: %w", d.kind, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if m.Credentials.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.Credentials.APIKey)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", d.kind, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, statusError(d.kind, httpResp.StatusCode, respBody)
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, models.NewProviderError(httpResp.StatusCode, false, fmt.Errorf("%s: decode response: %w", d.kind, err))
	}
	if len(oaiResp.Choices) == 0 {
		return nil, models.NewProviderError(httpResp.StatusCode, false, fmt.Errorf("%s: response has no choices", d.kind))
	}

	choice := oaiResp.Choices[0]
	resp := &models.RouteResponse{
		ID:           oaiResp.ID,
		Provider:     m.Spec.Provider,
		Model:        m.Spec.ModelID(),
		FinishReason: choice.FinishReason,
		Usage: models.TokenUsage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
	}
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	if choice.Message.Content != nil {
		resp.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: argumentsJSON(tc.Function.Arguments),
		})
	}
	return resp, nil
}

func buildOpenAIRequest(req *models.RouteRequest) openAIRequest {
	out := openAIRequest{
		Model:       req.Model.ModelID(),
		Temperature: req.Sampling.Temperature,
		TopP:        req.Sampling.TopP,
		MaxTokens:   req.Sampling.MaxTokens,
		Seed:        req.Sampling.Seed,
		Stop:        req.Sampling.Stop,
	}
	for _, msg := range req.Messages {
		om := openAIMessage{Role: string(msg.Role), ToolCallID: msg.ToolCallID}
		content := msg.Content
		if content != "" || len(msg.ToolCalls) == 0 {
			om.Content = &content
		}
		for _, tc := range msg.ToolCalls {
			otc := openAIToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(tc.Arguments)
			if otc.Function.Arguments == "" {
				otc.Function.Arguments = "{}"
			}
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out.Messages = append(out.Messages, om)
	}
	for _, t := range req.Tools {
		ot := openAITool{Type: "function"}
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, ot)
	}
	return out
}

// argumentsJSON keeps provider-supplied arguments as raw JSON. Arguments that
// are not valid JSON are kept as a JSON string so schema validation reports
// them instead of the decoder.
func argumentsJSON(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
