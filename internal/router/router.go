// Package router implements the Model Router.
//
// The router sends one chat turn to a provider through a registered
// ProviderDriver. Each attempt passes a process-wide rate limiter and runs
// under a per-call timeout. Transient failures (network, 408, 429, 5xx) are
// retried with exponential backoff up to a fixed attempt count; everything
// else is permanent. When a model is exhausted the router moves on to the
// next model of the fallback chain.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/agentoven/scriptrun/internal/metrics"
	"github.com/agentoven/scriptrun/pkg/contracts"
	"github.com/agentoven/scriptrun/pkg/models"
)

var tracer = otel.Tracer("scriptrun/router")

// Options tune retries, timeouts and rate limiting.
type Options struct {
	Timeout        time.Duration // per attempt; 0 means 120s
	MaxAttempts    int           // per model; 0 means 4
	InitialBackoff time.Duration // 0 means 500ms
	MaxBackoff     time.Duration // 0 means 10s
	RPS            float64       // <= 0 disables the limiter
	Burst          int
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 120 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
}

// ModelRouter routes chat turns to provider drivers.
type ModelRouter struct {
	opts    Options
	limiter *rate.Limiter
	client  *http.Client

	driversMu sync.RWMutex
	drivers   map[string]contracts.ProviderDriver
}

// NewModelRouter creates a router with the built-in drivers registered.
func NewModelRouter(opts Options) *ModelRouter {
	opts.defaults()

	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}

	mr := &ModelRouter{
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.Burst),
		client:  &http.Client{},
		drivers: make(map[string]contracts.ProviderDriver),
	}

	mr.RegisterDriver(newOpenAIDriver("openai", "https://api.openai.com/v1", true, mr.client))
	mr.RegisterDriver(newOpenAIDriver("ollama", "http://localhost:11434", false, mr.client))
	mr.RegisterDriver(newAnthropicDriver(mr.client))
	mr.RegisterDriver(newGoogleDriver())
	mr.RegisterDriver(EchoDriver{})
	mr.RegisterDriver(NoneDriver{})
	return mr
}

// ── Driver Registry ─────────────────────────────────────────

// RegisterDriver adds or replaces the driver for its kind.
func (mr *ModelRouter) RegisterDriver(d contracts.ProviderDriver) {
	mr.driversMu.Lock()
	defer mr.driversMu.Unlock()
	mr.drivers[d.Kind()] = d
}

// GetDriver returns the driver for kind, or nil.
func (mr *ModelRouter) GetDriver(kind string) contracts.ProviderDriver {
	mr.driversMu.RLock()
	defer mr.driversMu.RUnlock()
	return mr.drivers[kind]
}

// ListDrivers returns the registered driver kinds, sorted.
func (mr *ModelRouter) ListDrivers() []string {
	mr.driversMu.RLock()
	defer mr.driversMu.RUnlock()
	kinds := make([]string, 0, len(mr.drivers))
	for k := range mr.drivers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ── Routing ─────────────────────────────────────────────────

// Route sends req to the first model of chain, falling back to the next
// model when one fails. Cancellation of ctx stops immediately with a
// Cancelled error. The returned error is the last model's error.
func (mr *ModelRouter) Route(ctx context.Context, chain []*models.ResolvedModel, req *models.RouteRequest) (*models.RouteResponse, error) {
	if len(chain) == 0 {
		return nil, models.NewConfigurationError("no model configured")
	}

	var lastErr error
	for i, m := range chain {
		resp, err := mr.callWithRetry(ctx, m, req)
		if err == nil {
			return resp, nil
		}
		if models.IsKind(err, models.ErrCancelled) || models.IsKind(err, models.ErrConfiguration) {
			return nil, err
		}
		lastErr = err
		if i < len(chain)-1 {
			log.Warn().
				Str("provider", m.Spec.Provider).
				Str("model", m.Spec.ModelID()).
				Str("next", chain[i+1].Spec.String()).
				Err(err).
				Msg("Provider failed, trying fallback model")
		}
	}
	return nil, lastErr
}

// callWithRetry calls one model, retrying transient errors.
func (mr *ModelRouter) callWithRetry(ctx context.Context, m *models.ResolvedModel, req *models.RouteRequest) (*models.RouteResponse, error) {
	driver := mr.GetDriver(m.Kind)
	if driver == nil {
		return nil, models.NewConfigurationError("no driver registered for provider kind %q", m.Kind)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = mr.opts.InitialBackoff
	eb.MaxInterval = mr.opts.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(mr.opts.MaxAttempts-1)), ctx)

	attempt := 0
	op := func() (*models.RouteResponse, error) {
		attempt++
		resp, err := mr.callOnce(ctx, driver, m, req, attempt)
		if err != nil && !models.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().
			Str("provider", m.Spec.Provider).
			Str("model", m.Spec.ModelID()).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Err(err).
			Msg("Transient provider error, retrying")
	}

	resp, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewCancelled(ctx.Err())
		}
		return nil, err
	}
	return resp, nil
}

// callOnce performs one rate-limited, time-bounded attempt.
func (mr *ModelRouter) callOnce(ctx context.Context, driver contracts.ProviderDriver, m *models.ResolvedModel, req *models.RouteRequest, attempt int) (*models.RouteResponse, error) {
	if err := mr.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, models.NewCancelled(ctx.Err())
		}
		return nil, models.NewProviderError(0, true, fmt.Errorf("rate limiter: %w", err))
	}

	ctx, span := tracer.Start(ctx, "provider.call")
	span.SetAttributes(
		attribute.String("scriptrun.provider", m.Spec.Provider),
		attribute.String("scriptrun.model", m.Spec.ModelID()),
		attribute.Int("scriptrun.attempt", attempt),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, mr.opts.Timeout)
	defer cancel()

	r := *req
	r.Model = m.Spec

	start := time.Now()
	resp, err := driver.Call(callCtx, m, &r)
	elapsed := time.Since(start)

	if err != nil {
		err = mr.classify(ctx, callCtx, m, err)
		outcome := "error"
		if models.IsTransient(err) {
			outcome = "transient_error"
		}
		metrics.ProviderCalls.WithLabelValues(m.Spec.Provider, m.Spec.ModelID(), outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp.LatencyMs = elapsed.Milliseconds()
	resp.FromCache = false
	if resp.Provider == "" {
		resp.Provider = m.Spec.Provider
	}
	if resp.Model == "" {
		resp.Model = m.Spec.ModelID()
	}

	metrics.ProviderCalls.WithLabelValues(m.Spec.Provider, m.Spec.ModelID(), "ok").Inc()
	metrics.ProviderLatency.WithLabelValues(m.Spec.Provider).Observe(elapsed.Seconds())
	metrics.Tokens.WithLabelValues(m.Spec.Provider, "prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.Tokens.WithLabelValues(m.Spec.Provider, "completion").Add(float64(resp.Usage.CompletionTokens))
	span.SetAttributes(
		attribute.Int64("scriptrun.tokens.prompt", resp.Usage.PromptTokens),
		attribute.Int64("scriptrun.tokens.completion", resp.Usage.CompletionTokens),
		attribute.Int("scriptrun.tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}

// classify maps a driver error onto the RunError taxonomy.
func (mr *ModelRouter) classify(parent, callCtx context.Context, m *models.ResolvedModel, err error) error {
	if parent.Err() != nil {
		return models.NewCancelled(parent.Err())
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return models.NewProviderError(0, true, fmt.Errorf("%s: timed out after %s", m.Spec, mr.opts.Timeout))
	}
	if _, ok := models.AsRunError(err); ok {
		return err
	}
	// Anything a driver did not classify is a transport failure.
	return models.NewProviderError(0, true, fmt.Errorf("%s: %w", m.Spec, err))
}

// ── Status Helpers ──────────────────────────────────────────

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
}

// statusError builds a provider error from a non-200 response.
func statusError(provider string, status int, body []byte) error {
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return models.NewProviderError(status, transientStatus(status), fmt.Errorf("%s: status %d: %s", provider, status, string(body)))
}
