// Package mcp implements the Model Context Protocol adapter.
//
// A Client owns one external tool server process for the lifetime of a run.
// It speaks newline-delimited JSON-RPC 2.0 over the child's stdin/stdout:
//
//	initialize → notifications/initialized → tools/list   (handshake)
//	tools/call                                             (per invocation)
//
// The server is started lazily on first use. When the process exits while a
// call is pending, the client respawns it once and retries that call; a
// second failure marks the tool unavailable for the rest of the run. If the
// server cannot be started again at all, every tool it offered is dropped.
//
// Server exposes a tool catalog over the same protocol, on stdio or HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/scriptrun/internal/process"
	"github.com/agentoven/scriptrun/pkg/models"
)

const (
	// ProtocolVersion is the MCP revision spoken by client and server.
	ProtocolVersion = "2024-11-05"

	defaultCallTimeout = 60 * time.Second
	handshakeTimeout   = 30 * time.Second
)

// ErrUnavailable is returned for tools or servers dropped after failures.
var ErrUnavailable = errors.New("mcp tool unavailable")

// Client manages one MCP server connection for a single run.
type Client struct {
	cfg     models.MCPServerConfig
	version string

	mu          sync.Mutex
	conn        *conn
	tools       []models.MCPToolInfo
	listed      bool
	unavailable map[string]bool
	dead        bool
	spawns      int
	closed      bool
}

// NewClient creates a client. Nothing is spawned until first use.
func NewClient(cfg models.MCPServerConfig, clientVersion string) *Client {
	if clientVersion == "" {
		clientVersion = "dev"
	}
	return &Client{
		cfg:         cfg,
		version:     clientVersion,
		unavailable: make(map[string]bool),
	}
}

// ID returns the configured server id.
func (c *Client) ID() string { return c.cfg.ID }

// Spawns returns how many times the server process has been started.
func (c *Client) Spawns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spawns
}

// ListTools returns the server's tools, minus those marked unavailable. The
// server is queried once; later calls use the cached list.
func (c *Client) ListTools(ctx context.Context) ([]models.MCPToolInfo, error) {
	c.mu.Lock()
	listed := c.listed
	c.mu.Unlock()
	if !listed {
		if _, err := c.current(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return nil, nil
	}
	out := make([]models.MCPToolInfo, 0, len(c.tools))
	for _, t := range c.tools {
		if !c.unavailable[t.Name] {
			out = append(out, t)
		}
	}
	return out, nil
}

// CallTool invokes a tool. MCP error frames and isError results come back as
// errors; the caller folds them into the conversation.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*models.MCPToolResult, error) {
	c.mu.Lock()
	if c.dead || c.unavailable[name] {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrUnavailable, c.cfg.ID, name)
	}
	c.mu.Unlock()

	cn, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.callOnce(ctx, cn, name, args)
	if !errors.Is(err, errExited) {
		return res, err
	}

	log.Warn().Str("server", c.cfg.ID).Str("tool", name).Msg("MCP server exited mid-call, respawning once")
	cn, err = c.respawn(ctx, cn)
	if err != nil {
		return nil, err
	}

	res, err = c.callOnce(ctx, cn, name, args)
	if err == nil {
		return res, nil
	}
	var rpcErr *models.MCPError
	if errors.As(err, &rpcErr) || errors.Is(err, context.Canceled) {
		return nil, err
	}

	c.mu.Lock()
	c.unavailable[name] = true
	c.mu.Unlock()
	log.Warn().Str("server", c.cfg.ID).Str("tool", name).Err(err).Msg("MCP tool failed after respawn, marking unavailable")
	return nil, fmt.Errorf("tool %s failed twice on server %s: %w%s", name, c.cfg.ID, err, c.stderrTail(cn))
}

// Close stops the server process.
func (c *Client) Close() error {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()

	if cn != nil {
		cn.child.Stop(process.DefaultStopGrace)
	}
	return nil
}

func (c *Client) callOnce(ctx context.Context, cn *conn, name string, args json.RawMessage) (*models.MCPToolResult, error) {
	timeout := c.cfg.CallTimeout.Std()
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	raw, err := cn.call(callCtx, "tools/call", models.MCPToolCallParams{Name: name, Arguments: args})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("tool %s on server %s timed out after %s", name, c.cfg.ID, timeout)
		}
		return nil, err
	}

	var res models.MCPToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return &res, nil
}

// current returns a live connection, starting the server if needed.
func (c *Client) current(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("mcp server %s: client closed", c.cfg.ID)
	}
	if c.dead {
		return nil, fmt.Errorf("%w: server %s", ErrUnavailable, c.cfg.ID)
	}
	if c.conn != nil && c.conn.alive() {
		return c.conn, nil
	}
	return c.startLocked(ctx)
}

// respawn replaces old with a fresh process unless another caller already
// did so.
func (c *Client) respawn(ctx context.Context, old *conn) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("mcp server %s: client closed", c.cfg.ID)
	}
	if c.conn != nil && c.conn != old && c.conn.alive() {
		return c.conn, nil
	}
	cn, err := c.startLocked(ctx)
	if err != nil {
		c.dead = true
		log.Error().Str("server", c.cfg.ID).Err(err).Msg("MCP server could not be respawned, dropping its tools")
		return nil, fmt.Errorf("%w: respawn server %s: %v", ErrUnavailable, c.cfg.ID, err)
	}
	return cn, nil
}

func (c *Client) startLocked(ctx context.Context) (*conn, error) {
	if c.conn != nil {
		c.conn.child.Stop(time.Second)
		c.conn = nil
	}

	child, err := process.Spawn(context.Background(), process.Spec{
		Name:    "mcp:" + c.cfg.ID,
		Command: c.cfg.Command,
		Args:    c.cfg.Args,
		Env:     c.cfg.Env,
		Dir:     c.cfg.Dir,
	})
	if err != nil {
		return nil, err
	}
	c.spawns++
	cn := newConn(c.cfg.ID, child)

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	tools, err := c.handshake(hctx, cn)
	if err != nil {
		child.Stop(time.Second)
		return nil, fmt.Errorf("mcp server %s handshake: %w%s", c.cfg.ID, err, c.stderrTail(cn))
	}
	if !c.listed {
		c.tools = tools
		c.listed = true
	}
	c.conn = cn

	log.Info().
		Str("server", c.cfg.ID).
		Int("pid", child.PID()).
		Int("tools", len(tools)).
		Int("spawn", c.spawns).
		Msg("MCP server ready")
	return cn, nil
}

func (c *Client) handshake(ctx context.Context, cn *conn) ([]models.MCPToolInfo, error) {
	_, err := cn.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]string{"name": "scriptrun", "version": c.version},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := cn.notify("notifications/initialized", nil); err != nil {
		return nil, err
	}

	raw, err := cn.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var list models.MCPToolsList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	return list.Tools, nil
}

func (c *Client) stderrTail(cn *conn) string {
	if cn == nil {
		return ""
	}
	if tail := cn.child.Logs().Tail(5); tail != "" {
		return "\nstderr:\n" + tail
	}
	return ""
}
