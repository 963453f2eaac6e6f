package router

import (
	"context"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/agentoven/scriptrun/pkg/models"
)

// ── Offline Drivers ─────────────────────────────────────────

// EchoDriver answers with the content of the last user or tool message and
// never requests tools. Usage counts whitespace-separated words.
type EchoDriver struct{}

func (EchoDriver) Kind() string { return models.AliasEcho }

func (EchoDriver) Call(_ context.Context, m *models.ResolvedModel, req *models.RouteRequest) (*models.RouteResponse, error) {
	var reply string
	var prompt int64
	for _, msg := range req.Messages {
		prompt += int64(len(strings.Fields(msg.Content)))
		if msg.Role == models.RoleUser || msg.Role == models.RoleTool {
			reply = msg.Content
		}
	}
	completion := int64(len(strings.Fields(reply)))
	return &models.RouteResponse{
		ID:           uuid.New().String(),
		Provider:     m.Spec.Provider,
		Model:        m.Spec.ModelID(),
		Content:      reply,
		FinishReason: "stop",
		Usage: models.TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

// NoneDriver answers every turn with empty text.
type NoneDriver struct{}

func (NoneDriver) Kind() string { return models.AliasNone }

func (NoneDriver) Call(_ context.Context, m *models.ResolvedModel, _ *models.RouteRequest) (*models.RouteResponse, error) {
	return &models.RouteResponse{
		ID:           uuid.New().String(),
		Provider:     m.Spec.Provider,
		Model:        m.Spec.ModelID(),
		FinishReason: "stop",
	}, nil
}

// Close releases driver resources (cached SDK clients).
func (mr *ModelRouter) Close() error {
	mr.driversMu.RLock()
	defer mr.driversMu.RUnlock()
	for _, d := range mr.drivers {
		if c, ok := d.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return nil
}
