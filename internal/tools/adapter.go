package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentoven/scriptrun/pkg/models"
)

// ── HTTP adapter ────────────────────────────────────────────

// InvokeRequest is the payload POSTed to an HTTP tool endpoint.
type InvokeRequest struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

// InvokeResponse is the expected reply. Endpoints that return anything else
// have their raw body used as output.
type InvokeResponse struct {
	Output   json.RawMessage        `json:"output"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// HTTPAdapter exposes a remote HTTP tool (LangChain-style tool calling
// endpoints and the like) through the AdapterTool contract.
type HTTPAdapter struct {
	spec     models.ToolSpec
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewHTTPAdapter creates an adapter for endpoint.
func NewHTTPAdapter(spec models.ToolSpec, endpoint string, headers map[string]string) *HTTPAdapter {
	if spec.Parameters == nil {
		spec.Parameters = map[string]interface{}{"type": "object"}
	}
	return &HTTPAdapter{
		spec:     spec,
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

// Spec implements contracts.AdapterTool.
func (a *HTTPAdapter) Spec() models.ToolSpec { return a.spec }

// Invoke implements contracts.AdapterTool.
func (a *HTTPAdapter) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	body, err := json.Marshal(InvokeRequest{ToolName: a.spec.Name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%s: request failed: %w", a.spec.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("%s: read response: %w", a.spec.Name, err)
	}

	var ir InvokeResponse
	decodeErr := json.Unmarshal(respBody, &ir)
	if decodeErr == nil && ir.Error != "" {
		return "", errors.New(ir.Error)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s: status %d: %s", a.spec.Name, resp.StatusCode, truncate(string(respBody), 512))
	}
	if decodeErr == nil && len(ir.Output) > 0 {
		var s string
		if json.Unmarshal(ir.Output, &s) == nil {
			return s, nil
		}
		return string(ir.Output), nil
	}
	return string(respBody), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
