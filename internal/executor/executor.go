// Package executor implements the Turn Orchestrator.
//
// Every run is an explicit state machine:
//
//	BUILDING → AWAITING_MODEL ⇄ EXECUTING_TOOLS → TERMINATED | FAILED
//
// BUILDING resolves the model chain, builds the run's own tool registry
// (catalog tools, sub-agents, finish tool, MCP servers), applies the input
// and file safety checks and assembles the first messages. AWAITING_MODEL
// consults the cache and then the Model Router. EXECUTING_TOOLS dispatches
// the requested calls through a bounded worker pool and appends the results
// in the order the model issued them.
//
// Runs share nothing mutable except the process-wide router, cache backend
// and guard memo. Each run owns its conversation, registry and MCP children.
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/agentoven/scriptrun/internal/cache"
	"github.com/agentoven/scriptrun/internal/guardrails"
	"github.com/agentoven/scriptrun/internal/metrics"
	"github.com/agentoven/scriptrun/internal/resolver"
	"github.com/agentoven/scriptrun/internal/router"
	"github.com/agentoven/scriptrun/internal/tools"
	"github.com/agentoven/scriptrun/pkg/contracts"
	"github.com/agentoven/scriptrun/pkg/models"
)

var tracer = otel.Tracer("scriptrun/executor")

// Defaults applied when neither the script nor Options set a value.
const (
	DefaultMaxTurns         = 10
	DefaultToolConcurrency  = 4
	DefaultToolTimeout      = 60 * time.Second
	DefaultMaxSubAgentDepth = 3
)

// Options are the engine-wide defaults for runs.
type Options struct {
	DefaultModel     string
	MaxTurns         int
	ToolConcurrency  int
	ToolTimeout      time.Duration
	MaxSubAgentDepth int
	Version          string // reported to MCP servers as the client version
}

// Deps are the collaborators of the orchestrator. Resolver, Router and
// Catalog are required; the rest may be nil.
type Deps struct {
	Resolver *resolver.Resolver
	Router   *router.ModelRouter
	Catalog  *tools.Catalog
	Cache    *cache.Layer
	Guard    *guardrails.Guard
	Events   contracts.EventSink
	Prompts  contracts.PromptSource
	Files    contracts.FileSource
}

// Executor runs scripts. It is safe for concurrent use; every call to Run
// starts an independent run.
type Executor struct {
	deps Deps
	opts Options
}

// NewExecutor creates a Turn Orchestrator.
func NewExecutor(deps Deps, opts Options) *Executor {
	if opts.DefaultModel == "" {
		opts.DefaultModel = models.AliasLarge
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.ToolConcurrency <= 0 {
		opts.ToolConcurrency = DefaultToolConcurrency
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}
	if opts.MaxSubAgentDepth <= 0 {
		opts.MaxSubAgentDepth = DefaultMaxSubAgentDepth
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewLayer(nil)
	}
	if deps.Guard == nil {
		deps.Guard = guardrails.NewGuard()
	}
	return &Executor{deps: deps, opts: opts}
}

// Run executes def to completion. The returned result is always non-nil;
// the error is its Error field when the run FAILED.
func (e *Executor) Run(ctx context.Context, def *models.ScriptDefinition) (*models.RunResult, error) {
	return e.run(ctx, def, 0, "")
}

func (e *Executor) run(ctx context.Context, def *models.ScriptDefinition, depth int, parent string) (*models.RunResult, error) {
	id := uuid.New().String()
	ctx, span := tracer.Start(ctx, "script.run")
	defer span.End()

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	r := newRun(e, id, def, depth)
	logger := log.Info().Str("run_id", id).Int("depth", depth)
	if parent != "" {
		logger = logger.Str("parent_run", parent)
	}
	logger.Str("script", def.ID).Msg("Run started")
	r.publish(ctx, models.EventRunStarted, nil)

	err := r.execute(ctx)
	r.closeRegistry()

	res := r.agg.Finish(r.state, err, def.Assertions)
	span.SetAttributes(runAttributes(res)...)
	if res.Error != nil {
		span.RecordError(res.Error)
	}

	errKind := ""
	if res.Error != nil {
		errKind = string(res.Error.Kind)
	}
	metrics.Runs.WithLabelValues(string(res.State), errKind).Inc()

	ev := log.Info()
	if res.Error != nil {
		ev = log.Warn().Err(res.Error)
	}
	ev.Str("run_id", id).
		Str("state", string(res.State)).
		Int("turns", res.Turns).
		Int("tool_calls", len(res.ToolTrace)).
		Int64("total_tokens", res.Usage.TotalTokens).
		Int64("duration_ms", res.DurationMs).
		Msg("Run finished")

	r.publish(context.WithoutCancel(ctx), models.EventRunFinished, map[string]interface{}{
		"passed": res.Passed,
		"error":  errKind,
		"usage":  res.Usage,
	})

	if res.Error != nil {
		return res, res.Error
	}
	return res, nil
}
