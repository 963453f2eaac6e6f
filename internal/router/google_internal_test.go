package router

import (
	"encoding/json"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/scriptrun/pkg/models"
)

func TestToGenaiSchema(t *testing.T) {
	var params map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "object",
		"properties": {
			"city": {"type": "string", "description": "City name"},
			"days": {"type": "integer"},
			"units": {"type": "string", "enum": ["metric", "imperial"]},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["city"]
	}`), &params))

	s := toGenaiSchema(params)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"city"}, s.Required)
	assert.Equal(t, genai.TypeString, s.Properties["city"].Type)
	assert.Equal(t, "City name", s.Properties["city"].Description)
	assert.Equal(t, genai.TypeInteger, s.Properties["days"].Type)
	assert.Equal(t, []string{"metric", "imperial"}, s.Properties["units"].Enum)
	assert.Equal(t, genai.TypeString, s.Properties["tags"].Items.Type)
	assert.Nil(t, toGenaiSchema(nil))
}

func TestToGenaiContents(t *testing.T) {
	system, contents := toGenaiContents([]models.ChatMessage{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "weather?"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "a", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Paris"}`)},
			{ID: "b", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Rome"}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "a", Name: "get_weather", Content: "sunny"},
		{Role: models.RoleTool, ToolCallID: "b", Name: "get_weather", Content: "rain"},
	})

	assert.Equal(t, "be brief", system)
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].Role)
	fc, ok := contents[1].Parts[0].(genai.FunctionCall)
	require.True(t, ok)
	assert.Equal(t, "Paris", fc.Args["city"])
	assert.Equal(t, "user", contents[2].Role)
	assert.Len(t, contents[2].Parts, 2)
}
