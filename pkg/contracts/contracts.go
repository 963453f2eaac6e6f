// Package contracts defines the service interfaces of the script runtime.
//
// The engine depends only on these interfaces for its pluggable edges:
// provider drivers, cache backends, safety classifiers, event sinks,
// third-party tool adapters and the prompt/file collaborators supplied by
// the scripting surface. The OSS build ships concrete implementations under
// internal/; embedders can swap any of them in pkg/server.
package contracts

import (
	"context"
	"encoding/json"

	"github.com/agentoven/scriptrun/pkg/models"
)

// ── Provider Driver ─────────────────────────────────────────

// ProviderDriver is the interface for model provider integrations.
// Ships: openai, anthropic, ollama, google, echo, none.
//
// Drivers are registered in the Model Router via RegisterDriver().
type ProviderDriver interface {
	// Kind returns the provider identifier (e.g., "openai", "google").
	Kind() string

	// Call sends one chat completion request to the provider. Errors should be
	// *models.RunError of kind provider so the router can decide on retries.
	Call(ctx context.Context, model *models.ResolvedModel, req *models.RouteRequest) (*models.RouteResponse, error)
}

// ── Cache Store ─────────────────────────────────────────────

// CacheStore persists model responses by fingerprint. Get returns (nil, nil)
// on a miss. Put never overwrites an existing entry.
type CacheStore interface {
	Get(ctx context.Context, fingerprint string) (*models.CacheEntry, error)
	Put(ctx context.Context, entry *models.CacheEntry) error
	Close() error
}

// ── Safety Classifier ───────────────────────────────────────

// Classifier flags prompt injection or harmful content.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, source models.ContentSource, text string) (models.SafetyVerdict, error)
}

// ── Event Sink ──────────────────────────────────────────────

// EventSink receives run lifecycle events. Publish failures are logged by
// the engine and never fail a run.
type EventSink interface {
	Publish(ctx context.Context, event models.RunEvent) error
	Close() error
}

// ── Adapter Tool ────────────────────────────────────────────

// AdapterTool wraps a third-party tool contract so the registry can
// dispatch to it like any other tool.
type AdapterTool interface {
	Spec() models.ToolSpec
	Invoke(ctx context.Context, arguments json.RawMessage) (string, error)
}

// ── Scripting Surface Collaborators ─────────────────────────

// PromptSource resolves system prompt ids declared by a script.
type PromptSource interface {
	Prompt(ctx context.Context, id string) (string, error)
}

// FileSource loads files referenced by a script.
type FileSource interface {
	ReadFile(ctx context.Context, path string) (string, error)
}
