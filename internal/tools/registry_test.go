package tools_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/scriptrun/internal/mcp"
	"github.com/agentoven/scriptrun/internal/mcp/mcptest"
	"github.com/agentoven/scriptrun/internal/tools"
	"github.com/agentoven/scriptrun/pkg/models"
)

func TestMain(m *testing.M) {
	mcptest.Main()
	os.Exit(m.Run())
}

var searchSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"query": map[string]interface{}{"type": "string", "minLength": 1},
		"limit": map[string]interface{}{"type": "integer", "minimum": 1},
	},
	"required":             []interface{}{"query"},
	"additionalProperties": false,
}

func countingTool(name string, calls *int32) tools.Tool {
	return tools.Local(models.ToolSpec{Name: name, Parameters: searchSchema},
		func(_ context.Context, args json.RawMessage) (interface{}, error) {
			atomic.AddInt32(calls, 1)
			return "results for " + string(args), nil
		})
}

func TestRegisterDuplicateName(t *testing.T) {
	var n int32
	r := tools.NewRegistry()
	require.NoError(t, r.Register(countingTool("search", &n)))

	err := r.Register(countingTool("search", &n))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrConfiguration), "Register() error = %v", err)
}

func TestRegisterInvalidSchema(t *testing.T) {
	r := tools.NewRegistry()
	err := r.Register(tools.Local(models.ToolSpec{
		Name:       "bad",
		Parameters: map[string]interface{}{"type": 12},
	}, func(context.Context, json.RawMessage) (interface{}, error) { return nil, nil }))
	assert.True(t, models.IsKind(err, models.ErrConfiguration), "Register() error = %v", err)
}

func TestInvokeValidationNeverExecutes(t *testing.T) {
	var n int32
	r := tools.NewRegistry()
	require.NoError(t, r.Register(countingTool("search", &n)))

	bad := []string{
		`{}`,
		`{"query": ""}`,
		`{"query": "go", "limit": 0}`,
		`{"query": "go", "limit": 1.5}`,
		`{"query": "go", "extra": true}`,
		`{"query": `,
		`[1,2]`,
	}
	for i, args := range bad {
		res := r.Invoke(context.Background(), models.ToolCall{ID: "c" + string(rune('0'+i)), Name: "search", Arguments: json.RawMessage(args)})
		require.NotNil(t, res.Error, "args %s", args)
		assert.Equal(t, models.ToolErrValidation, res.Error.Kind, "args %s", args)
		assert.Equal(t, "c"+string(rune('0'+i)), res.CallID)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&n), "tool must never run on invalid arguments")

	res := r.Invoke(context.Background(), models.ToolCall{ID: "ok", Name: "search", Arguments: json.RawMessage(`{"query":"go","limit":3}`)})
	require.Nil(t, res.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&n))
}

func TestInvokeUnknownTool(t *testing.T) {
	r := tools.NewRegistry()
	res := r.Invoke(context.Background(), models.ToolCall{ID: "1", Name: "nope"})
	require.NotNil(t, res.Error)
	assert.Equal(t, models.ToolErrUnknown, res.Error.Kind)
}

func TestInvokeRecoversPanicsAndErrors(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Local(models.ToolSpec{Name: "panics"},
		func(context.Context, json.RawMessage) (interface{}, error) { panic("boom") })))
	require.NoError(t, r.Register(tools.Local(models.ToolSpec{Name: "fails"},
		func(context.Context, json.RawMessage) (interface{}, error) { return nil, assert.AnError })))

	res := r.Invoke(context.Background(), models.ToolCall{ID: "1", Name: "panics"})
	require.NotNil(t, res.Error)
	assert.Equal(t, models.ToolErrExecution, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "boom")

	res = r.Invoke(context.Background(), models.ToolCall{ID: "2", Name: "fails"})
	require.NotNil(t, res.Error)
	assert.Equal(t, models.ToolErrExecution, res.Error.Kind)
}

func TestInvokeStructuredOutputAndContract(t *testing.T) {
	contract := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"temp"},
		"properties": map[string]interface{}{
			"temp": map[string]interface{}{"type": "number"},
		},
	}
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Local(models.ToolSpec{Name: "good", ResultContract: contract},
		func(context.Context, json.RawMessage) (interface{}, error) {
			return map[string]interface{}{"temp": 21.5}, nil
		})))
	require.NoError(t, r.Register(tools.Local(models.ToolSpec{Name: "bad", ResultContract: contract},
		func(context.Context, json.RawMessage) (interface{}, error) {
			return map[string]interface{}{"temp": "warm"}, nil
		})))

	res := r.Invoke(context.Background(), models.ToolCall{ID: "1", Name: "good"})
	require.Nil(t, res.Error)
	assert.JSONEq(t, `{"temp":21.5}`, res.Output)

	res = r.Invoke(context.Background(), models.ToolCall{ID: "2", Name: "bad"})
	require.NotNil(t, res.Error)
	assert.Equal(t, models.ToolErrExecution, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "result contract")
}

func TestFinishTool(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.FinishTool()))

	res := r.Invoke(context.Background(), models.ToolCall{ID: "f", Name: tools.FinishToolName, Arguments: json.RawMessage(`{"answer":"42"}`)})
	require.Nil(t, res.Error)
	assert.True(t, res.Terminate)
	assert.Equal(t, "42", res.Output)
}

func TestRegistryMCPTools(t *testing.T) {
	r := tools.NewRegistry()
	defer r.Close()
	require.NoError(t, r.Register(tools.FinishTool()))
	client := mcp.NewClient(mcptest.Server(t, "fx"), "test")
	require.NoError(t, r.AddServer(client))
	assert.Error(t, r.AddServer(client), "duplicate server id")

	specs, err := r.ListTools(context.Background())
	require.NoError(t, err)
	names := map[string]models.ToolKind{}
	for _, s := range specs {
		names[s.Name] = s.Kind
	}
	assert.Equal(t, models.ToolLocal, names["finish"])
	assert.Equal(t, models.ToolMCP, names["echo"])
	assert.Equal(t, models.ToolMCP, r.Kind("crash"))

	res := r.Invoke(context.Background(), models.ToolCall{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"text":"ping"}`)})
	require.Nil(t, res.Error)
	assert.Equal(t, "ping", res.Output)

	// schema validated before the server is contacted
	res = r.Invoke(context.Background(), models.ToolCall{ID: "2", Name: "echo", Arguments: json.RawMessage(`{}`)})
	require.NotNil(t, res.Error)
	assert.Equal(t, models.ToolErrValidation, res.Error.Kind)

	res = r.Invoke(context.Background(), models.ToolCall{ID: "3", Name: "crash"})
	require.NotNil(t, res.Error)
	assert.Equal(t, models.ToolErrExecution, res.Error.Kind)
	assert.Equal(t, 2, client.Spawns())

	specs, err = r.ListTools(context.Background())
	require.NoError(t, err)
	for _, s := range specs {
		assert.NotEqual(t, "crash", s.Name, "crashed tool must be dropped")
	}
}

func TestRegistryMCPNameCollision(t *testing.T) {
	var n int32
	r := tools.NewRegistry()
	defer r.Close()
	require.NoError(t, r.Register(countingTool("echo", &n)))
	require.NoError(t, r.AddServer(mcp.NewClient(mcptest.Server(t, "fx"), "test")))

	_, err := r.ListTools(context.Background())
	assert.True(t, models.IsKind(err, models.ErrConfiguration), "ListTools() error = %v", err)
}

func TestHTTPAdapter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tools.InvokeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "weather", req.ToolName)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		if string(req.Arguments) == `{"city":"nowhere"}` {
			_ = json.NewEncoder(w).Encode(tools.InvokeResponse{Error: "unknown city"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"output": "sunny"})
	}))
	defer ts.Close()

	a := tools.NewHTTPAdapter(models.ToolSpec{Name: "weather"}, ts.URL, map[string]string{"X-Api-Key": "secret"})
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Adapter(a)))
	assert.Equal(t, models.ToolAdapter, r.Kind("weather"))

	res := r.Invoke(context.Background(), models.ToolCall{ID: "1", Name: "weather", Arguments: json.RawMessage(`{"city":"Oslo"}`)})
	require.Nil(t, res.Error)
	assert.Equal(t, "sunny", res.Output)

	res = r.Invoke(context.Background(), models.ToolCall{ID: "2", Name: "weather", Arguments: json.RawMessage(`{"city":"nowhere"}`)})
	require.NotNil(t, res.Error)
	assert.Equal(t, "unknown city", res.Error.Message)
}

func TestCatalogBuiltinsAndGateway(t *testing.T) {
	c := tools.NewCatalog()
	require.NoError(t, tools.RegisterBuiltins(c))
	assert.True(t, models.IsKind(tools.RegisterBuiltins(c), models.ErrConfiguration))

	_, ok := c.Lookup("calculate")
	require.True(t, ok)

	res, err := c.Call(context.Background(), "calculate", json.RawMessage(`{"expression":"(2 + 3) * 4"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "20", res.Text())

	res, err = c.Call(context.Background(), "calculate", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	_, err = c.Call(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, mcp.ErrToolNotFound)

	infos, err := c.Tools(context.Background())
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}
