// Package mcptest runs the current test binary as a small MCP server so
// packages can exercise real child processes without external fixtures.
//
// Use it from TestMain:
//
//	func TestMain(m *testing.M) {
//		mcptest.Main()
//		os.Exit(m.Run())
//	}
//
// and obtain a server config with Server(t, "id").
package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/agentoven/scriptrun/internal/mcp"
	"github.com/agentoven/scriptrun/pkg/models"
)

const (
	envServe  = "SCRIPTRUN_MCPTEST_SERVE"
	envMarker = "SCRIPTRUN_MCPTEST_MARKER"
)

// Tool names served by the fixture.
const (
	ToolEcho  = "echo"  // {"text": string} -> text
	ToolCrash = "crash" // exits the process on every call
	ToolFlaky = "flaky" // exits on the first call of the test, succeeds afterwards
	ToolSleep = "sleep" // {"ms": int} sleeps then answers "slept"
	ToolFail  = "fail"  // returns an isError result
)

// Main serves MCP on stdio and exits when the binary was started by Server.
// It returns immediately otherwise.
func Main() {
	if os.Getenv(envServe) != "1" {
		return
	}
	srv := mcp.NewServer("mcptest", "1.0.0", fixture{marker: os.Getenv(envMarker)})
	if err := srv.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "mcptest:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Server returns a config that starts this test binary as the fixture.
func Server(t testing.TB, id string) models.MCPServerConfig {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() error = %v", err)
	}
	return models.MCPServerConfig{
		ID:      id,
		Command: exe,
		Env: map[string]string{
			envServe:  "1",
			envMarker: filepath.Join(t.TempDir(), "flaky.marker"),
		},
		CallTimeout: models.Duration(10 * time.Second),
	}
}

type fixture struct {
	marker string
}

func (fixture) Tools(context.Context) ([]models.MCPToolInfo, error) {
	obj := func(props map[string]interface{}, required ...string) map[string]interface{} {
		s := map[string]interface{}{"type": "object", "properties": props}
		if len(required) > 0 {
			s["required"] = required
		}
		return s
	}
	return []models.MCPToolInfo{
		{Name: ToolEcho, Description: "Echo text back", InputSchema: obj(map[string]interface{}{
			"text": map[string]interface{}{"type": "string"},
		}, "text")},
		{Name: ToolCrash, Description: "Exit the server process", InputSchema: obj(map[string]interface{}{})},
		{Name: ToolFlaky, Description: "Crash once, then succeed", InputSchema: obj(map[string]interface{}{})},
		{Name: ToolSleep, Description: "Sleep for ms milliseconds", InputSchema: obj(map[string]interface{}{
			"ms": map[string]interface{}{"type": "integer", "minimum": 0},
		}, "ms")},
		{Name: ToolFail, Description: "Always report an error", InputSchema: obj(map[string]interface{}{})},
	}, nil
}

func (f fixture) Call(ctx context.Context, name string, args json.RawMessage) (*models.MCPToolResult, error) {
	switch name {
	case ToolEcho:
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return text(in.Text), nil

	case ToolCrash:
		os.Exit(3)

	case ToolFlaky:
		if _, err := os.Stat(f.marker); errors.Is(err, os.ErrNotExist) {
			_ = os.WriteFile(f.marker, []byte("crashed"), 0o644)
			os.Exit(4)
		}
		return text("recovered"), nil

	case ToolSleep:
		var in struct {
			MS int `json:"ms"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(in.MS) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return text("slept " + strconv.Itoa(in.MS)), nil

	case ToolFail:
		return &models.MCPToolResult{Content: []models.MCPContent{{Type: "text", Text: "fixture failure"}}, IsError: true}, nil
	}
	return nil, mcp.ErrToolNotFound
}

func text(s string) *models.MCPToolResult {
	return &models.MCPToolResult{Content: []models.MCPContent{{Type: "text", Text: s}}}
}
