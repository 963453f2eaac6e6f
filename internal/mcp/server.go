package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/scriptrun/pkg/models"
)

// ErrToolNotFound is returned by a Handler for names it does not serve.
var ErrToolNotFound = errors.New("tool not found")

// Handler supplies the tools a Server exposes.
type Handler interface {
	Tools(ctx context.Context) ([]models.MCPToolInfo, error)
	Call(ctx context.Context, name string, arguments json.RawMessage) (*models.MCPToolResult, error)
}

// Server answers MCP JSON-RPC requests from a Handler.
type Server struct {
	name    string
	version string
	handler Handler
}

// NewServer creates a server that reports itself as name/version.
func NewServer(name, version string, h Handler) *Server {
	return &Server{name: name, version: version, handler: h}
}

// HandleJSONRPC processes one request. Notifications return nil.
func (s *Server) HandleJSONRPC(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	switch req.Method {

	// ── Discovery ────────────────────────────────────
	case "initialize":
		return s.handleInitialize(req)

	case "tools/list":
		return s.handleToolsList(ctx, req)

	// ── Tool Invocation ──────────────────────────────
	case "tools/call":
		return s.handleToolsCall(ctx, req)

	// ── Notifications (no response) ──────────────────
	case "notifications/initialized":
		log.Debug().Str("server", s.name).Msg("MCP client initialized")
		return nil

	case "ping":
		return result(req.ID, map[string]string{})

	default:
		if req.ID == nil {
			return nil
		}
		return rpcError(req.ID, models.MCPMethodNotFound, "Method not found",
			fmt.Sprintf("Method '%s' is not supported", req.Method))
	}
}

func (s *Server) handleInitialize(req *models.MCPRequest) *models.MCPResponse {
	return result(req.ID, map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools": map[string]bool{"listChanged": false},
		},
		"serverInfo": map[string]string{
			"name":    s.name,
			"version": s.version,
		},
	})
}

func (s *Server) handleToolsList(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	tools, err := s.handler.Tools(ctx)
	if err != nil {
		return rpcError(req.ID, models.MCPInternalError, "Internal error", err.Error())
	}
	if tools == nil {
		tools = []models.MCPToolInfo{}
	}
	return result(req.ID, models.MCPToolsList{Tools: tools})
}

func (s *Server) handleToolsCall(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	var params models.MCPToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		msg := "missing tool name"
		if err != nil {
			msg = err.Error()
		}
		return rpcError(req.ID, models.MCPInvalidParams, "Invalid params", msg)
	}

	res, err := s.handler.Call(ctx, params.Name, params.Arguments)
	if errors.Is(err, ErrToolNotFound) {
		return rpcError(req.ID, models.MCPToolNotFound, "Tool not found",
			fmt.Sprintf("Tool '%s' is not registered", params.Name))
	}
	if err != nil {
		return result(req.ID, models.MCPToolResult{
			Content: []models.MCPContent{{Type: "text", Text: fmt.Sprintf("Tool execution error: %s", err.Error())}},
			IsError: true,
		})
	}
	return result(req.ID, res)
}

// Serve reads newline-delimited requests from r and writes responses to w
// until r is exhausted or ctx is done. Requests are handled concurrently.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	enc := json.NewEncoder(w)
	send := func(resp *models.MCPResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(resp); err != nil {
			log.Debug().Err(err).Msg("MCP write failed")
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := append([]byte(nil), sc.Bytes()...)
		if len(line) == 0 {
			continue
		}
		var req models.MCPRequest
		if err := json.Unmarshal(line, &req); err != nil {
			send(rpcError(nil, models.MCPParseError, "Parse error", err.Error()))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := s.HandleJSONRPC(ctx, &req); resp != nil {
				send(resp)
			}
		}()
	}
	wg.Wait()
	return sc.Err()
}

// ServeHTTP handles a single JSON-RPC request per POST.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.MCPRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFrameSize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcError(nil, models.MCPParseError, "Parse error", err.Error()))
		return
	}
	if req.Jsonrpc != "2.0" {
		writeJSON(w, http.StatusOK, rpcError(req.ID, models.MCPInvalidRequest, "Invalid Request", "jsonrpc must be \"2.0\""))
		return
	}

	resp := s.HandleJSONRPC(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func result(id interface{}, v interface{}) *models.MCPResponse {
	b, err := json.Marshal(v)
	if err != nil {
		return rpcError(id, models.MCPInternalError, "Internal error", err.Error())
	}
	return &models.MCPResponse{Jsonrpc: "2.0", Result: b, ID: id}
}

func rpcError(id interface{}, code int, msg string, data interface{}) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Error:   &models.MCPError{Code: code, Message: msg, Data: data},
		ID:      id,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
