package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/scriptrun/internal/process"
	"github.com/agentoven/scriptrun/pkg/models"
)

// maxFrameSize bounds a single newline-delimited JSON-RPC frame.
const maxFrameSize = 16 << 20

// errExited reports that the server process went away before answering.
var errExited = errors.New("mcp server process exited")

// frame is any message read from the server.
type frame struct {
	Jsonrpc string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *models.MCPError `json:"error,omitempty"`
}

// conn is one live server process plus its request/response correlation
// table. A conn never outlives its process; respawning creates a new conn.
type conn struct {
	server string
	child  *process.Child

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan frame

	closed chan struct{}
}

func newConn(server string, child *process.Child) *conn {
	c := &conn{
		server:  server,
		child:   child,
		pending: make(map[int64]chan frame),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// readLoop dispatches responses to waiting callers until stdout closes, then
// fails every call still pending.
func (c *conn) readLoop() {
	sc := bufio.NewScanner(c.child.Stdout())
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			log.Debug().Str("server", c.server).Err(err).Msg("Ignoring non-JSON line from MCP server")
			continue
		}
		if f.Method != "" {
			// server-initiated request or notification; nothing to answer
			log.Debug().Str("server", c.server).Str("method", f.Method).Msg("MCP server notification")
			continue
		}
		id, err := strconv.ParseInt(string(f.ID), 10, 64)
		if err != nil {
			log.Debug().Str("server", c.server).RawJSON("id", f.ID).Msg("MCP response with unknown id")
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if ok {
			ch <- f
		}
	}

	c.pendingMu.Lock()
	close(c.closed)
	c.pending = make(map[int64]chan frame)
	c.pendingMu.Unlock()
}

// alive reports whether the read loop is still running.
func (c *conn) alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *conn) write(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.child.Stdin().Write(b); err != nil {
		return errExited
	}
	return nil
}

// notify sends a notification (no id, no response).
func (c *conn) notify(method string, params interface{}) error {
	req := map[string]interface{}{"jsonrpc": "2.0", "method": method}
	if params != nil {
		req["params"] = params
	}
	return c.write(req)
}

// call sends a request and waits for the matching response.
func (c *conn) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan frame, 1)

	c.pendingMu.Lock()
	if !c.alive() {
		c.pendingMu.Unlock()
		return nil, errExited
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			c.forget(id)
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		raw = b
	}
	if err := c.write(models.MCPRequest{Jsonrpc: "2.0", Method: method, Params: raw, ID: id}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case f := <-ch:
		return f.result()
	case <-c.closed:
		// a response may have raced the close
		select {
		case f := <-ch:
			return f.result()
		default:
			return nil, errExited
		}
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *conn) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (f frame) result() (json.RawMessage, error) {
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Result, nil
}
