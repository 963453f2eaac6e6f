// Package server provides the public entry point for initializing the
// script runtime server.
//
// This package lives in pkg/ (not internal/) so embedders can compose the
// server with their own provider drivers, event sinks or cache backends.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//
// Usage (embedded, custom driver):
//
//	srv, err := server.New(ctx, server.WithDriver(myDriver))
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/scriptrun/internal/api"
	"github.com/agentoven/scriptrun/internal/api/handlers"
	"github.com/agentoven/scriptrun/internal/api/middleware"
	"github.com/agentoven/scriptrun/internal/cache"
	"github.com/agentoven/scriptrun/internal/config"
	"github.com/agentoven/scriptrun/internal/events"
	"github.com/agentoven/scriptrun/internal/executor"
	"github.com/agentoven/scriptrun/internal/guardrails"
	"github.com/agentoven/scriptrun/internal/history"
	"github.com/agentoven/scriptrun/internal/logging"
	"github.com/agentoven/scriptrun/internal/mcp"
	"github.com/agentoven/scriptrun/internal/resolver"
	modelrouter "github.com/agentoven/scriptrun/internal/router"
	"github.com/agentoven/scriptrun/internal/script"
	"github.com/agentoven/scriptrun/internal/telemetry"
	"github.com/agentoven/scriptrun/internal/tools"
	"github.com/agentoven/scriptrun/pkg/contracts"
	"github.com/agentoven/scriptrun/pkg/models"
)

// Server holds the initialized script runtime.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Executor runs scripts in-process; exposed for embedders that do not
	// go through HTTP.
	Executor *executor.Executor

	// Port is the port the server should listen on.
	Port int

	// Version is the reported build version.
	Version string

	auth   *middleware.APIKeyAuth
	apiCfg config.APIConfig

	// ShutdownFunc releases the cache backend, event sinks, log file and
	// flushes telemetry. Call it once on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// Option customises the components New builds.
type Option func(*options)

type options struct {
	port     int
	drivers  []contracts.ProviderDriver
	adapters []contracts.AdapterTool
	sink     contracts.EventSink
	store    contracts.CacheStore
}

// WithPort overrides SCRIPTRUN_PORT.
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// WithDriver registers an additional provider driver.
func WithDriver(d contracts.ProviderDriver) Option {
	return func(o *options) { o.drivers = append(o.drivers, d) }
}

// WithAdapterTool adds a third-party tool to the catalog.
func WithAdapterTool(a contracts.AdapterTool) Option {
	return func(o *options) { o.adapters = append(o.adapters, a) }
}

// WithEventSink replaces the configured event sinks.
func WithEventSink(s contracts.EventSink) Option {
	return func(o *options) { o.sink = s }
}

// WithCacheStore replaces the configured persistent cache backend.
func WithCacheStore(s contracts.CacheStore) Option {
	return func(o *options) { o.store = s }
}

// New loads configuration from the environment and initializes all
// components.
func New(ctx context.Context, opts ...Option) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg, opts...)
}

// NewWithConfig initializes the runtime with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.port > 0 {
		cfg.Port = o.port
	}
	if cfg.Runtime == nil {
		cfg.Runtime = &config.RuntimeFile{}
	}
	keys, err := cfg.API.AllKeys()
	if err != nil {
		return nil, err
	}

	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	closers := []io.Closer{logCloser}
	fail := func(err error) (*Server, error) {
		closeAll(closers)
		return nil, err
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return fail(fmt.Errorf("init telemetry: %w", err))
	}

	// Cache
	store := o.store
	if store == nil {
		store, err = cache.Open(ctx, cache.Options{
			Backend: cfg.Cache.Backend,
			DSN:     cfg.Cache.DSN,
			Path:    cfg.Cache.Path,
			Table:   cfg.Cache.Table,
			Limits:  cache.Limits{MaxEntries: cfg.Cache.MaxEntries, TTL: cfg.Cache.TTL},
		})
		if err != nil {
			return fail(fmt.Errorf("open cache: %w", err))
		}
	}
	layer := cache.NewLayer(store)
	closers = append(closers, layer)
	log.Info().Str("backend", cfg.Cache.Backend).Msg("Response cache initialized")

	// Models
	res := resolver.NewResolver(cfg.Runtime.Aliases, providersFrom(cfg.Runtime.Providers))
	mr := modelrouter.NewModelRouter(modelrouter.Options{
		Timeout:     cfg.Engine.ProviderTimeout,
		MaxAttempts: cfg.Engine.ProviderMaxAttempts,
		RPS:         cfg.Engine.ProviderRPS,
		Burst:       cfg.Engine.ProviderBurst,
	})
	for _, d := range o.drivers {
		mr.RegisterDriver(d)
	}
	closers = append(closers, mr)
	log.Info().Strs("drivers", mr.ListDrivers()).Msg("Model router initialized")

	// Tools
	catalog, err := buildCatalog(cfg.Runtime.Adapters, o.adapters)
	if err != nil {
		return fail(err)
	}

	// Safety
	guard, err := guardrails.FromConfig(cfg.Safety, cfg.Runtime.Guard)
	if err != nil {
		return fail(fmt.Errorf("init safety guard: %w", err))
	}

	// Events
	sink := o.sink
	if sink == nil {
		sink, err = events.FromConfig(ctx, cfg.Events)
		if err != nil {
			return fail(fmt.Errorf("init event sinks: %w", err))
		}
	}
	if sink != nil {
		closers = append(closers, sink)
	}

	// Files stay disabled unless the operator names a root.
	var files contracts.FileSource
	if cfg.Engine.FilesRoot != "" {
		files = script.DirFiles{Root: cfg.Engine.FilesRoot}
	}

	exec := executor.NewExecutor(executor.Deps{
		Resolver: res,
		Router:   mr,
		Catalog:  catalog,
		Cache:    layer,
		Guard:    guard,
		Events:   sink,
		Prompts:  script.PromptMap(cfg.Runtime.Prompts),
		Files:    files,
	}, executor.Options{
		DefaultModel:     cfg.Engine.DefaultModel,
		MaxTurns:         cfg.Engine.MaxTurns,
		ToolConcurrency:  cfg.Engine.ToolConcurrency,
		ToolTimeout:      cfg.Engine.ToolTimeout,
		MaxSubAgentDepth: cfg.Engine.MaxSubAgentDepth,
		Version:          cfg.Version,
	})

	runs := history.NewStore(history.Options{
		Retention: cfg.API.HistoryRetention,
		MaxRuns:   cfg.API.HistoryMaxRuns,
	})
	janitorCtx, stopJanitor := context.WithCancel(context.WithoutCancel(ctx))
	go runs.Start(janitorCtx, history.DefaultInterval)

	h := &handlers.Handlers{
		Executor:   exec,
		Resolver:   res,
		Router:     mr,
		Catalog:    catalog,
		MCP:        mcp.NewServer("scriptrun", cfg.Version, catalog),
		History:    runs,
		RunTimeout: cfg.API.RunTimeout,
		Policy: script.Policy{
			MCPServers: cfg.Runtime.MCPServerMap(),
			AllowFiles: files != nil,
		},
	}

	auth := middleware.NewAPIKeyAuth(keys)
	log.Info().Bool("enabled", auth.Enabled()).Msg("API key authentication initialized")

	return &Server{
		Handler:  api.NewRouter(cfg, h, auth),
		Executor: exec,
		auth:     auth,
		apiCfg:   cfg.API,
		Port:     cfg.Port,
		Version:  cfg.Version,
		ShutdownFunc: func(ctx context.Context) error {
			stopJanitor()
			err := shutdownTelemetry(ctx)
			// The log file closes last so shutdown errors still reach it.
			return errors.Join(err, closeAll(closers))
		},
	}, nil
}

// ReloadKeys re-reads SCRIPTRUN_API_KEYS_FILE and swaps the accepted API
// keys without a restart. On error the current keys stay in force.
func (s *Server) ReloadKeys() error {
	keys, err := s.apiCfg.AllKeys()
	if err != nil {
		return err
	}
	s.auth.SetKeys(keys)
	log.Info().Bool("enabled", s.auth.Enabled()).Int("keys", len(keys)).Msg("API keys reloaded")
	return nil
}

func providersFrom(entries []config.ProviderEntry) []resolver.Provider {
	out := make([]resolver.Provider, 0, len(entries))
	for _, p := range entries {
		out = append(out, resolver.Provider{
			Name:      p.Name,
			Kind:      p.Kind,
			Endpoint:  p.Endpoint,
			APIKeyEnv: p.APIKeyEnv,
			APIKey:    p.APIKey,
		})
	}
	return out
}

func buildCatalog(entries []config.AdapterEntry, extra []contracts.AdapterTool) (*tools.Catalog, error) {
	catalog := tools.NewCatalog()
	if err := tools.RegisterBuiltins(catalog); err != nil {
		return nil, err
	}
	for _, a := range entries {
		adapter := tools.NewHTTPAdapter(models.ToolSpec{
			Name:        a.Name,
			Description: a.Description,
			Parameters:  a.Parameters,
		}, a.Endpoint, a.Headers)
		if err := catalog.Register(tools.Adapter(adapter)); err != nil {
			return nil, fmt.Errorf("register adapter tool %s: %w", a.Name, err)
		}
	}
	for _, a := range extra {
		if err := catalog.Register(tools.Adapter(a)); err != nil {
			return nil, fmt.Errorf("register adapter tool %s: %w", a.Spec().Name, err)
		}
	}
	log.Info().Int("tools", len(catalog.List())).Msg("Tool catalog initialized")
	return catalog, nil
}

// closeAll closes in reverse order of acquisition.
func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
