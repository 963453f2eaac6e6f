// Package handlers implements the HTTP handlers of the script runtime:
// synchronous script runs, model resolution, the tool catalog and the MCP
// endpoint that exposes catalog tools to external clients.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/scriptrun/internal/executor"
	"github.com/agentoven/scriptrun/internal/history"
	"github.com/agentoven/scriptrun/internal/resolver"
	"github.com/agentoven/scriptrun/internal/router"
	"github.com/agentoven/scriptrun/internal/script"
	"github.com/agentoven/scriptrun/internal/tools"
	"github.com/agentoven/scriptrun/pkg/models"
)

// maxScriptBytes caps a script request body.
const maxScriptBytes = 4 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Executor *executor.Executor
	Resolver *resolver.Resolver
	Router   *router.ModelRouter
	Catalog  *tools.Catalog
	MCP      http.Handler
	History  *history.Store // nil disables run lookup

	// Policy bounds what request scripts may reference: MCP servers come
	// from the operator's allowlist and files need a configured root.
	Policy script.Policy

	// RunTimeout bounds one synchronous run; 0 disables the bound.
	RunTimeout time.Duration
}

// ══════════════════════════════════════════════════════════════
// ── Run Handlers ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// RunScript executes the script in the request body and returns its
// RunResult. The body is YAML when the content type says so, JSON
// otherwise.
func (h *Handlers) RunScript(w http.ResponseWriter, r *http.Request) {
	def, ok := h.decodeScript(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if h.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.RunTimeout)
		defer cancel()
	}

	res, err := h.Executor.Run(ctx, def)
	if res == nil {
		respondError(w, http.StatusInternalServerError, errString(err))
		return
	}
	if h.History != nil {
		h.History.Record(def, res)
	}
	log.Info().
		Str("run_id", res.RunID).
		Str("script", def.ID).
		Str("state", string(res.State)).
		Int("turns", res.Turns).
		Msg("Script run served")
	respondJSON(w, statusFor(res.Error), res)
}

// GetRun returns a finished run from the history.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		respondError(w, http.StatusNotFound, "Run history disabled")
		return
	}
	rec, err := h.History.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ListRuns lists recent runs, newest first (?limit=N, default 50).
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		respondJSON(w, http.StatusOK, []history.Summary{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, h.History.List(r.Context(), limit))
}

// ValidateScript checks a script without running it.
func (h *Handlers) ValidateScript(w http.ResponseWriter, r *http.Request) {
	def, ok := h.decodeScript(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"valid": true,
		"id":    def.ID,
		"tools": len(def.Tools) + len(def.SubAgents),
	})
}

// decodeScript parses, admits and validates the request script. Nothing in
// the script is acted on before it returns true.
func (h *Handlers) decodeScript(w http.ResponseWriter, r *http.Request) (*models.ScriptDefinition, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxScriptBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if len(body) > maxScriptBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "Script too large")
		return nil, false
	}

	def, err := script.Parse(body, formatOf(r))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if err := script.Admit(def, h.Policy); err != nil {
		respondInvalid(w, err)
		return nil, false
	}
	if err := script.Validate(def); err != nil {
		respondInvalid(w, err)
		return nil, false
	}
	return def, true
}

func respondInvalid(w http.ResponseWriter, err error) {
	var ve *script.ValidationError
	if errors.As(err, &ve) {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  err.Error(),
			"issues": ve.Issues,
		})
		return
	}
	respondError(w, http.StatusBadRequest, err.Error())
}

func formatOf(r *http.Request) script.Format {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return script.FormatYAML
	}
	return script.FormatJSON
}

// statusFor maps a run's terminal error to the HTTP status of the response.
// The body always carries the full RunResult.
func statusFor(err *models.RunError) int {
	if err == nil {
		return http.StatusOK
	}
	switch err.Kind {
	case models.ErrConfiguration, models.ErrValidation, models.ErrUnknownTool:
		return http.StatusBadRequest
	case models.ErrSafetyViolation, models.ErrTurnLimitExceeded, models.ErrToolExecution:
		return http.StatusUnprocessableEntity
	case models.ErrProvider:
		return http.StatusBadGateway
	case models.ErrCancelled:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// ══════════════════════════════════════════════════════════════
// ── Model Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type resolveRequest struct {
	Model          string   `json:"model"`
	FallbackModels []string `json:"fallback_models,omitempty"`
}

// ResolveModel resolves a model string plus fallbacks into the chain a run
// would use. Credentials are never returned.
func (h *Handlers) ResolveModel(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Model == "" {
		respondError(w, http.StatusBadRequest, "model is required")
		return
	}

	chain, err := h.Resolver.ResolveChain(req.Model, req.FallbackModels)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := make([]map[string]interface{}, 0, len(chain))
	for _, m := range chain {
		out = append(out, map[string]interface{}{
			"spec":           m.Spec,
			"kind":           m.Kind,
			"endpoint":       m.Credentials.Endpoint,
			"has_credential": m.Credentials.APIKey != "",
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"chain": out})
}

// ListProviders returns the provider registry and the registered drivers.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.Resolver.Providers(),
		"drivers":   h.Router.ListDrivers(),
	})
}

// ListAliases returns the alias table.
func (h *Handlers) ListAliases(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Resolver.Aliases())
}

// ══════════════════════════════════════════════════════════════
// ── Tool Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListTools returns the catalog tools scripts can reference by name.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	specs := h.Catalog.List()
	if specs == nil {
		specs = []models.ToolSpec{}
	}
	respondJSON(w, http.StatusOK, specs)
}

// MCPEndpoint serves the catalog over MCP JSON-RPC.
func (h *Handlers) MCPEndpoint(w http.ResponseWriter, r *http.Request) {
	if h.MCP == nil {
		respondError(w, http.StatusNotFound, "MCP endpoint disabled")
		return
	}
	h.MCP.ServeHTTP(w, r)
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func errString(err error) string {
	if err == nil {
		return "run produced no result"
	}
	return err.Error()
}
