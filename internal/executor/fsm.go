package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/agentoven/scriptrun/internal/cache"
	"github.com/agentoven/scriptrun/internal/mcp"
	"github.com/agentoven/scriptrun/internal/metrics"
	"github.com/agentoven/scriptrun/internal/results"
	"github.com/agentoven/scriptrun/internal/tools"
	"github.com/agentoven/scriptrun/pkg/models"
)

// transitions lists the legal successors of every non-terminal state.
var transitions = map[models.RunState][]models.RunState{
	models.StateBuilding:       {models.StateAwaitingModel, models.StateFailed},
	models.StateAwaitingModel:  {models.StateExecutingTools, models.StateTerminated, models.StateFailed},
	models.StateExecutingTools: {models.StateAwaitingModel, models.StateTerminated, models.StateFailed},
}

// CanTransition reports whether from → to is a legal orchestrator move.
func CanTransition(from, to models.RunState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// run is the explicit per-run context threaded through every step.
type run struct {
	e     *Executor
	id    string
	def   *models.ScriptDefinition
	depth int
	state models.RunState

	chain    []*models.ResolvedModel
	registry *tools.Registry
	cache    *cache.Session
	agg      *results.Aggregator

	messages []models.ChatMessage
	specs    []models.ToolSpec
	pending  []models.ToolCall

	maxTurns    int
	concurrency int
	toolTimeout time.Duration
	rounds      int

	// usage and safety violations reported by sub-agents while tools run
	// concurrently
	childMu        sync.Mutex
	childUsage     models.TokenUsage
	childViolation *models.RunError
}

func newRun(e *Executor, id string, def *models.ScriptDefinition, depth int) *run {
	r := &run{
		e:           e,
		id:          id,
		def:         def,
		depth:       depth,
		state:       models.StateBuilding,
		registry:    tools.NewRegistry(),
		cache:       e.deps.Cache.Session(def.Cache),
		agg:         results.NewAggregator(id),
		maxTurns:    def.MaxTurns,
		concurrency: def.ToolConcurrency,
		toolTimeout: def.ToolTimeout.Std(),
	}
	if r.maxTurns <= 0 {
		r.maxTurns = e.opts.MaxTurns
	}
	if r.concurrency <= 0 {
		r.concurrency = e.opts.ToolConcurrency
	}
	if r.toolTimeout <= 0 {
		r.toolTimeout = e.opts.ToolTimeout
	}
	return r
}

func (r *run) transition(to models.RunState) {
	if !CanTransition(r.state, to) {
		// Only reachable through a bug in the step functions.
		panic(fmt.Sprintf("illegal run transition %s -> %s", r.state, to))
	}
	log.Debug().Str("run_id", r.id).Str("from", string(r.state)).Str("to", string(to)).Msg("Run transition")
	r.state = to
}

// execute drives the state machine until a terminal state is reached.
func (r *run) execute(ctx context.Context) error {
	next, err := r.build(ctx)
	for {
		if err != nil {
			if ctx.Err() != nil && !models.IsKind(err, models.ErrSafetyViolation) {
				err = models.NewCancelled(ctx.Err())
			}
			r.transition(models.StateFailed)
			return err
		}
		r.transition(next)

		switch r.state {
		case models.StateAwaitingModel:
			next, err = r.awaitModel(ctx)
		case models.StateExecutingTools:
			next, err = r.executeTools(ctx)
		case models.StateTerminated:
			return nil
		}
	}
}

// ── BUILDING ────────────────────────────────────────────────

func (r *run) build(ctx context.Context) (models.RunState, error) {
	def := r.def
	if r.depth > r.e.opts.MaxSubAgentDepth {
		return "", models.NewConfigurationError("sub-agent nesting exceeds depth %d", r.e.opts.MaxSubAgentDepth)
	}
	if strings.TrimSpace(def.Prompt) == "" {
		return "", models.NewConfigurationError("script %q has no prompt", def.ID)
	}

	model := def.Model
	if model == "" {
		model = r.e.opts.DefaultModel
	}
	chain, err := r.e.deps.Resolver.ResolveChain(model, def.FallbackModels)
	if err != nil {
		return "", err
	}
	r.chain = chain
	r.agg.SetModel(chain[0].Spec.String())

	if err := r.buildRegistry(); err != nil {
		return "", err
	}

	guard := r.e.deps.Guard
	if def.Safety.Inputs {
		if err := guard.Check(ctx, models.SourceInput, "prompt", def.Prompt); err != nil {
			return "", err
		}
	}

	files, err := r.loadFiles(ctx)
	if err != nil {
		return "", err
	}

	if err := r.buildMessages(ctx, files); err != nil {
		return "", err
	}

	specs, err := r.registry.ListTools(ctx)
	if err != nil {
		return "", err
	}
	r.specs = specs

	log.Debug().Str("run_id", r.id).
		Str("model", chain[0].Spec.String()).
		Int("fallbacks", len(chain)-1).
		Int("tools", len(specs)).
		Msg("Run built")
	return models.StateAwaitingModel, nil
}

func (r *run) buildRegistry() error {
	def := r.def
	catalog := r.e.deps.Catalog
	for _, name := range def.Tools {
		var (
			t  tools.Tool
			ok bool
		)
		if catalog != nil {
			t, ok = catalog.Lookup(name)
		}
		if !ok {
			return models.NewConfigurationError("script declares unknown tool %q", name)
		}
		if err := r.registry.Register(t); err != nil {
			return err
		}
	}
	for _, sa := range def.SubAgents {
		if err := r.registry.Register(r.subAgentTool(sa)); err != nil {
			return err
		}
	}
	if def.FinishTool {
		if err := r.registry.Register(tools.FinishTool()); err != nil {
			return err
		}
	}
	for _, cfg := range def.MCPServers {
		if cfg.ID == "" {
			return models.NewConfigurationError("mcp server with command %q has no id", cfg.Command)
		}
		if err := r.registry.AddServer(mcp.NewClient(cfg, r.e.opts.Version)); err != nil {
			return err
		}
	}
	return nil
}

type loadedFile struct {
	path    string
	content string
}

func (r *run) loadFiles(ctx context.Context) ([]loadedFile, error) {
	if len(r.def.Files) == 0 {
		return nil, nil
	}
	src := r.e.deps.Files
	if src == nil {
		return nil, models.NewConfigurationError("script references files but no file source is configured")
	}
	out := make([]loadedFile, 0, len(r.def.Files))
	for _, path := range r.def.Files {
		content, err := src.ReadFile(ctx, path)
		if err != nil {
			return nil, models.NewConfigurationError("file %s: %v", path, err)
		}
		if r.def.Safety.Files {
			if err := r.e.deps.Guard.Check(ctx, models.SourceFile, path, content); err != nil {
				return nil, err
			}
		}
		out = append(out, loadedFile{path: path, content: content})
	}
	return out, nil
}

func (r *run) buildMessages(ctx context.Context, files []loadedFile) error {
	def := r.def
	for _, id := range def.SystemPrompts {
		if r.e.deps.Prompts == nil {
			return models.NewConfigurationError("script references system prompt %q but no prompt source is configured", id)
		}
		text, err := r.e.deps.Prompts.Prompt(ctx, id)
		if err != nil {
			return models.NewConfigurationError("system prompt %q: %v", id, err)
		}
		r.messages = append(r.messages, models.ChatMessage{Role: models.RoleSystem, Content: text})
	}
	if def.System != "" {
		r.messages = append(r.messages, models.ChatMessage{Role: models.RoleSystem, Content: def.System})
	}

	var b strings.Builder
	b.WriteString(def.Prompt)
	for _, f := range files {
		fmt.Fprintf(&b, "\n\n--- file: %s ---\n%s", f.path, f.content)
	}
	r.messages = append(r.messages, models.ChatMessage{Role: models.RoleUser, Content: b.String()})
	return nil
}

// ── AWAITING_MODEL ──────────────────────────────────────────

func (r *run) awaitModel(ctx context.Context) (models.RunState, error) {
	if err := ctx.Err(); err != nil {
		return "", models.NewCancelled(err)
	}
	turn := r.agg.Turns() + 1
	ctx, span := tracer.Start(ctx, "model.turn")
	defer span.End()
	span.SetAttributes(attribute.Int("turn", turn))

	// MCP tools that failed twice are dropped from the listing.
	if r.rounds > 0 && len(r.def.MCPServers) > 0 {
		specs, err := r.registry.ListTools(ctx)
		if err != nil {
			return "", err
		}
		r.specs = specs
	}

	primary := r.chain[0]
	req := &models.RouteRequest{
		Model:    primary.Spec,
		Messages: append([]models.ChatMessage(nil), r.messages...),
		Tools:    r.specs,
		Sampling: r.def.Sampling,
	}

	var (
		resp *models.RouteResponse
		fp   string
		hit  bool
	)
	if r.cache.Enabled() {
		var err error
		fp, err = r.cache.Key(cache.FingerprintInput{
			Model:    primary.Spec,
			Messages: req.Messages,
			Sampling: req.Sampling,
			Tools:    req.Tools,
		})
		if err != nil {
			log.Warn().Str("run_id", r.id).Err(err).Msg("Cannot fingerprint request, skipping cache")
		} else {
			resp, hit = r.cache.Get(ctx, fp)
		}
	}

	if !hit {
		var err error
		resp, err = r.e.deps.Router.Route(ctx, r.chain, req)
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		assignCallIDs(resp, turn)
		if fp != "" {
			r.cache.Put(ctx, fp, resp)
		}
	}
	span.SetAttributes(
		attribute.Bool("from_cache", resp.FromCache),
		attribute.Int("tool_calls", len(resp.ToolCalls)),
	)

	r.agg.RecordTurn(resp)
	r.messages = append(r.messages, models.ChatMessage{
		Role:      models.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
	r.publish(ctx, models.EventTurnCompleted, map[string]interface{}{
		"provider":   resp.Provider,
		"model":      resp.Model,
		"from_cache": resp.FromCache,
		"tool_calls": len(resp.ToolCalls),
		"usage":      resp.Usage,
	})

	log.Debug().Str("run_id", r.id).
		Int("turn", turn).
		Bool("from_cache", resp.FromCache).
		Int("tool_calls", len(resp.ToolCalls)).
		Msg("Model turn completed")

	if len(resp.ToolCalls) == 0 {
		return models.StateTerminated, nil
	}
	if r.rounds >= r.maxTurns {
		return "", models.NewTurnLimitExceeded(r.maxTurns)
	}
	r.pending = resp.ToolCalls
	return models.StateExecutingTools, nil
}

// assignCallIDs gives every call a stable id when the provider omitted one,
// so results can always be bound back to their call.
func assignCallIDs(resp *models.RouteResponse, turn int) {
	seen := make(map[string]bool, len(resp.ToolCalls))
	for i := range resp.ToolCalls {
		id := resp.ToolCalls[i].ID
		if id == "" || seen[id] {
			id = fmt.Sprintf("call_%d_%d", turn, i)
			resp.ToolCalls[i].ID = id
		}
		seen[id] = true
	}
}

// ── EXECUTING_TOOLS ─────────────────────────────────────────

type toolOutcome struct {
	result   models.ToolResult
	kind     models.ToolKind
	duration time.Duration
}

func (r *run) executeTools(ctx context.Context) (models.RunState, error) {
	calls := r.pending
	r.pending = nil
	r.rounds++
	turn := r.agg.Turns()

	outcomes := make([]toolOutcome, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			out, err := r.invokeTool(gctx, call)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	err := g.Wait()

	// Sub-agent usage counts even when the round fails.
	r.childMu.Lock()
	r.agg.AddUsage(r.childUsage)
	r.childUsage = models.TokenUsage{}
	r.childMu.Unlock()

	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", models.NewCancelled(err)
	}

	var final *models.ToolResult
	for i, call := range calls {
		out := outcomes[i]
		r.messages = append(r.messages, models.ChatMessage{
			Role:       models.RoleTool,
			Content:    out.result.Content(),
			ToolCallID: call.ID,
			Name:       call.Name,
		})
		r.agg.RecordTool(models.ToolTraceEntry{
			Turn:       turn,
			Call:       call,
			Result:     out.result,
			Kind:       out.kind,
			DurationMs: out.duration.Milliseconds(),
		})
		r.publish(ctx, models.EventToolCompleted, map[string]interface{}{
			"tool":        call.Name,
			"call_id":     call.ID,
			"kind":        out.kind,
			"error":       out.result.Error,
			"duration_ms": out.duration.Milliseconds(),
		})
		if out.result.Terminate && final == nil {
			res := out.result
			final = &res
		}
	}

	if final != nil {
		r.agg.SetText(final.Output)
		log.Debug().Str("run_id", r.id).Str("tool", final.Name).Msg("Run terminated by tool")
		return models.StateTerminated, nil
	}
	return models.StateAwaitingModel, nil
}

// invokeTool runs one call with its safety checks and timeout. Only safety
// violations (including those of sub-agent runs) and cancellation are
// returned as errors; everything else is folded into the result.
func (r *run) invokeTool(ctx context.Context, call models.ToolCall) (toolOutcome, error) {
	ctx, span := tracer.Start(ctx, "tool.call")
	defer span.End()
	span.SetAttributes(attribute.String("tool", call.Name), attribute.String("call_id", call.ID))

	guard := r.e.deps.Guard
	if r.def.Safety.ToolArguments {
		if err := guard.Check(ctx, models.SourceToolArgument, call.Name, string(call.Arguments)); err != nil {
			return toolOutcome{}, err
		}
	}

	kind := r.registry.Kind(call.Name)
	tctx, cancel := context.WithTimeout(ctx, r.toolTimeout)
	start := time.Now()
	res := r.registry.Invoke(tctx, call)
	elapsed := time.Since(start)
	timedOut := tctx.Err() == context.DeadlineExceeded
	cancel()

	if err := r.subAgentViolation(); err != nil {
		return toolOutcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return toolOutcome{}, models.NewCancelled(err)
	}
	if res.Error != nil && timedOut {
		res.Error = &models.ToolError{
			Kind:    models.ToolErrExecution,
			Message: fmt.Sprintf("timed out after %s", r.toolTimeout),
		}
	}

	label := "ok"
	if res.Error != nil {
		label = string(res.Error.Kind)
		span.SetAttributes(attribute.String("error", res.Error.Error()))
		log.Debug().Str("run_id", r.id).Str("tool", call.Name).Str("error", res.Error.Error()).Msg("Tool call failed")
	}
	metricKind := string(kind)
	if metricKind == "" {
		metricKind = "unknown"
	}
	metrics.ToolCalls.WithLabelValues(metricKind, label).Inc()
	metrics.ToolLatency.WithLabelValues(metricKind).Observe(elapsed.Seconds())

	// Error text reaches the conversation too, so it is checked the same way.
	if r.def.Safety.ToolOutputs {
		if err := guard.Check(ctx, models.SourceToolOutput, call.Name, res.Content()); err != nil {
			return toolOutcome{}, err
		}
	}
	return toolOutcome{result: res, kind: kind, duration: elapsed}, nil
}

// ── helpers ─────────────────────────────────────────────────

func (r *run) closeRegistry() {
	if err := r.registry.Close(); err != nil {
		log.Warn().Str("run_id", r.id).Err(err).Msg("Closing run tools failed")
	}
}

func (r *run) publish(ctx context.Context, typ models.EventType, data map[string]interface{}) {
	sink := r.e.deps.Events
	if sink == nil {
		return
	}
	ev := models.RunEvent{
		Type:      typ,
		RunID:     r.id,
		Turn:      r.agg.Turns(),
		State:     r.state,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if err := sink.Publish(ctx, ev); err != nil {
		log.Warn().Str("run_id", r.id).Str("event", string(typ)).Err(err).Msg("Event publish failed")
	}
}

func runAttributes(res *models.RunResult) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("run_id", res.RunID),
		attribute.String("state", string(res.State)),
		attribute.String("model", res.Model),
		attribute.Int("turns", res.Turns),
		attribute.Int("cache_hits", res.CacheHits),
		attribute.Int64("tokens.prompt", res.Usage.PromptTokens),
		attribute.Int64("tokens.completion", res.Usage.CompletionTokens),
	}
	if res.Error != nil {
		attrs = append(attrs, attribute.String("error.kind", string(res.Error.Kind)))
	}
	return attrs
}
