package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/agentoven/scriptrun/pkg/models"
)

// ── Google Gemini Provider ──────────────────────────────────

// googleDriver keeps one genai client per API key and endpoint.
type googleDriver struct {
	mu      sync.Mutex
	clients map[string]*genai.Client
}

func newGoogleDriver() *googleDriver {
	return &googleDriver{clients: make(map[string]*genai.Client)}
}

func (d *googleDriver) Kind() string { return "google" }

func (d *googleDriver) client(ctx context.Context, creds models.Credentials) (*genai.Client, error) {
	key := creds.APIKey + "|" + creds.Endpoint

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[key]; ok {
		return c, nil
	}

	opts := []option.ClientOption{option.WithAPIKey(creds.APIKey)}
	if creds.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(creds.Endpoint))
	}
	// The client outlives the call that created it.
	c, err := genai.NewClient(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	d.clients[key] = c
	return c, nil
}

// Close releases all cached clients.
func (d *googleDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, c := range d.clients {
		c.Close()
		delete(d.clients, k)
	}
	return nil
}

func (d *googleDriver) Call(ctx context.Context, m *models.ResolvedModel, req *models.RouteRequest) (*models.RouteResponse, error) {
	if m.Credentials.APIKey == "" {
		return nil, models.NewConfigurationError("google: api key not configured for provider %s", m.Spec.Provider)
	}
	client, err := d.client(ctx, m.Credentials)
	if err != nil {
		return nil, models.NewProviderError(0, false, fmt.Errorf("google: %w", err))
	}

	gm := client.GenerativeModel(m.Spec.ModelID())
	applySampling(gm, req.Sampling)
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenaiSchema(t.Parameters),
			})
		}
		gm.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	system, history := toGenaiContents(req.Messages)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(history) == 0 {
		return nil, models.NewProviderError(0, false, errors.New("google: conversation has no user content"))
	}

	cs := gm.StartChat()
	cs.History = history[:len(history)-1]
	gresp, err := cs.SendMessage(ctx, history[len(history)-1].Parts...)
	if err != nil {
		return nil, googleError(err)
	}

	resp := &models.RouteResponse{
		ID:       uuid.New().String(),
		Provider: m.Spec.Provider,
		Model:    m.Spec.ModelID(),
	}
	if gresp.UsageMetadata != nil {
		resp.Usage = models.TokenUsage{
			PromptTokens:     int64(gresp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int64(gresp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int64(gresp.UsageMetadata.TotalTokenCount),
		}
	}

	var text strings.Builder
	if len(gresp.Candidates) > 0 {
		cand := gresp.Candidates[0]
		resp.FinishReason = cand.FinishReason.String()
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				switch p := part.(type) {
				case genai.Text:
					text.WriteString(string(p))
				case genai.FunctionCall:
					args := []byte("{}")
					if p.Args != nil {
						args, _ = json.Marshal(p.Args)
					}
					resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
						ID:        "call-" + uuid.New().String(),
						Name:      p.Name,
						Arguments: args,
					})
				}
			}
		}
	}
	resp.Content = text.String()
	return resp, nil
}

func applySampling(gm *genai.GenerativeModel, s models.SamplingParams) {
	if s.Temperature != nil {
		gm.SetTemperature(float32(*s.Temperature))
	}
	if s.TopP != nil {
		gm.SetTopP(float32(*s.TopP))
	}
	if s.MaxTokens != nil {
		gm.SetMaxOutputTokens(int32(*s.MaxTokens))
	}
	if len(s.Stop) > 0 {
		gm.StopSequences = s.Stop
	}
}

// toGenaiContents splits off system text and converts the rest. Tool results
// are sent as function responses in a user turn; consecutive ones share a turn.
func toGenaiContents(msgs []models.ChatMessage) (string, []*genai.Content) {
	var system []string
	var out []*genai.Content
	lastToolTurn := false

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, msg.Content)
			continue

		case models.RoleTool:
			part := genai.FunctionResponse{
				Name:     msg.Name,
				Response: map[string]any{"result": msg.Content},
			}
			if lastToolTurn {
				out[len(out)-1].Parts = append(out[len(out)-1].Parts, part)
			} else {
				out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{part}})
			}
			lastToolTurn = true
			continue

		case models.RoleAssistant:
			c := &genai.Content{Role: "model"}
			if msg.Content != "" {
				c.Parts = append(c.Parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Arguments, &args)
				c.Parts = append(c.Parts, genai.FunctionCall{Name: tc.Name, Args: args})
			}
			if len(c.Parts) > 0 {
				out = append(out, c)
			}

		default:
			out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		}
		lastToolTurn = false
	}
	return strings.Join(system, "\n\n"), out
}

var genaiTypes = map[string]genai.Type{
	"string":  genai.TypeString,
	"number":  genai.TypeNumber,
	"integer": genai.TypeInteger,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
	"object":  genai.TypeObject,
}

// toGenaiSchema converts the JSON Schema subset Gemini understands.
func toGenaiSchema(m map[string]interface{}) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = genaiTypes[t]
	}
	if s.Type == genai.TypeUnspecified {
		s.Type = genai.TypeObject
	}
	s.Description, _ = m["description"].(string)
	s.Format, _ = m["format"].(string)
	s.Nullable, _ = m["nullable"].(bool)
	s.Enum = stringList(m["enum"])
	s.Required = stringList(m["required"])

	if items, ok := m["items"].(map[string]interface{}); ok {
		s.Items = toGenaiSchema(items)
	}
	if props, ok := m["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]interface{}); ok {
				s.Properties[name] = toGenaiSchema(pm)
			}
		}
	}
	return s
}

func stringList(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, x := range vv {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func googleError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return models.NewProviderError(gerr.Code, transientStatus(gerr.Code), fmt.Errorf("google: %w", err))
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return models.NewProviderError(0, false, fmt.Errorf("google: %w", err))
	}
	return fmt.Errorf("google: %w", err)
}
