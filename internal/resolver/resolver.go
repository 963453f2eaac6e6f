// Package resolver maps model strings to concrete provider models.
//
// A model string is either an alias ("small", "large", "echo", "none" or a
// user alias from runtime.yaml) or an explicit "provider:model[:tag]". The
// Resolver follows alias chains, looks the provider up in the process-wide
// provider registry and attaches credentials. Resolution is a pure lookup:
// the same string against the same registry and environment always yields
// the same result, and every failure is a ConfigurationError.
package resolver

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/agentoven/scriptrun/pkg/models"
)

// maxAliasDepth bounds alias-to-alias indirection.
const maxAliasDepth = 8

// Provider is one entry of the provider registry.
type Provider struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Endpoint  string `json:"endpoint,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
	APIKey    string `json:"-"`
}

// DefaultProviders returns the built-in provider registry.
func DefaultProviders() []Provider {
	return []Provider{
		{Name: "openai", Kind: "openai", Endpoint: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY"},
		{Name: "anthropic", Kind: "anthropic", Endpoint: "https://api.anthropic.com/v1", APIKeyEnv: "ANTHROPIC_API_KEY"},
		{Name: "ollama", Kind: "ollama", Endpoint: "http://localhost:11434"},
		{Name: "google", Kind: "google", APIKeyEnv: "GEMINI_API_KEY"},
		{Name: models.AliasEcho, Kind: models.AliasEcho},
		{Name: models.AliasNone, Kind: models.AliasNone},
	}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookupEnv replaces os.LookupEnv for credential lookups.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(r *Resolver) { r.lookupEnv = fn }
}

// Resolver resolves model strings against aliases and the provider registry.
type Resolver struct {
	aliases   map[string]string
	providers map[string]Provider
	lookupEnv func(string) (string, bool)
}

// NewResolver creates a resolver. Entries in providers override the built-in
// defaults with the same name.
func NewResolver(aliases map[string]string, providers []Provider, opts ...Option) *Resolver {
	r := &Resolver{
		aliases:   make(map[string]string, len(aliases)),
		providers: make(map[string]Provider),
		lookupEnv: os.LookupEnv,
	}
	for k, v := range aliases {
		r.aliases[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	for _, p := range DefaultProviders() {
		r.providers[p.Name] = p
	}
	for _, p := range providers {
		if p.Kind == "" {
			p.Kind = p.Name
		}
		if base, ok := r.providers[p.Name]; ok {
			if p.Endpoint == "" {
				p.Endpoint = base.Endpoint
			}
			if p.APIKeyEnv == "" && p.APIKey == "" {
				p.APIKeyEnv = base.APIKeyEnv
			}
		}
		r.providers[p.Name] = p
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Parse splits an explicit "provider:model[:tag]" string. Bare aliases are
// returned with only Alias set.
func Parse(s string) (models.ModelSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.ModelSpec{}, models.NewConfigurationError("empty model spec")
	}
	if !strings.Contains(s, ":") {
		return models.ModelSpec{Alias: s}, nil
	}
	parts := strings.SplitN(s, ":", 3)
	spec := models.ModelSpec{Provider: parts[0], Model: parts[1]}
	if len(parts) == 3 {
		spec.Tag = parts[2]
	}
	if spec.Provider == "" {
		return models.ModelSpec{}, models.NewConfigurationError("model spec %q has no provider", s)
	}
	if spec.Model == "" && spec.Provider != models.AliasEcho && spec.Provider != models.AliasNone {
		return models.ModelSpec{}, models.NewConfigurationError("model spec %q has no model", s)
	}
	if len(parts) == 3 && spec.Tag == "" {
		return models.ModelSpec{}, models.NewConfigurationError("model spec %q has an empty tag", s)
	}
	return spec, nil
}

// Resolve turns a model string into a provider model with credentials.
func (r *Resolver) Resolve(s string) (*models.ResolvedModel, error) {
	spec, err := r.expand(s)
	if err != nil {
		return nil, err
	}

	p, ok := r.providers[spec.Provider]
	if !ok {
		return nil, models.NewConfigurationError("unknown provider %q in model %q", spec.Provider, s)
	}

	creds := models.Credentials{Endpoint: p.Endpoint, APIKey: p.APIKey}
	if creds.APIKey == "" && p.APIKeyEnv != "" {
		v, _ := r.lookupEnv(p.APIKeyEnv)
		creds.APIKey = strings.TrimSpace(v)
		if creds.APIKey == "" {
			return nil, models.NewConfigurationError("missing credentials for provider %q (set %s)", p.Name, p.APIKeyEnv)
		}
	}

	return &models.ResolvedModel{Spec: spec, Kind: p.Kind, Credentials: creds}, nil
}

// ResolveChain resolves a primary model and its fallbacks in order. Duplicate
// entries are dropped. Any unresolvable entry fails the whole chain.
func (r *Resolver) ResolveChain(primary string, fallbacks []string) ([]*models.ResolvedModel, error) {
	var chain []*models.ResolvedModel
	seen := make(map[string]bool)
	for _, s := range append([]string{primary}, fallbacks...) {
		rm, err := r.Resolve(s)
		if err != nil {
			return nil, err
		}
		key := rm.Spec.Provider + ":" + rm.Spec.ModelID()
		if seen[key] {
			continue
		}
		seen[key] = true
		chain = append(chain, rm)
	}
	return chain, nil
}

// Providers lists the registry sorted by name.
func (r *Resolver) Providers() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Aliases returns a copy of the alias table.
func (r *Resolver) Aliases() map[string]string {
	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

// expand follows aliases until an explicit provider spec is reached.
func (r *Resolver) expand(s string) (models.ModelSpec, error) {
	original := strings.TrimSpace(s)
	cur := original
	seen := make(map[string]bool)
	alias := ""

	for depth := 0; ; depth++ {
		spec, err := Parse(cur)
		if err != nil {
			return models.ModelSpec{}, err
		}
		if spec.Alias == "" {
			spec.Alias = alias
			return spec, nil
		}
		if depth >= maxAliasDepth || seen[spec.Alias] {
			return models.ModelSpec{}, models.NewConfigurationError("alias cycle resolving %q", original)
		}
		seen[spec.Alias] = true
		if alias == "" {
			alias = spec.Alias
		}

		if target, ok := r.aliases[spec.Alias]; ok && target != "" {
			cur = target
			continue
		}
		switch spec.Alias {
		case models.AliasEcho, models.AliasNone:
			return models.ModelSpec{Provider: spec.Alias, Alias: alias}, nil
		case models.AliasSmall, models.AliasLarge:
			return models.ModelSpec{}, models.NewConfigurationError(
				"alias %q is not configured (set SCRIPTRUN_%s_MODEL or aliases.%s in runtime.yaml)",
				spec.Alias, strings.ToUpper(spec.Alias), spec.Alias)
		}
		return models.ModelSpec{}, models.NewConfigurationError("unknown model alias %q", spec.Alias)
	}
}

// String renders a provider for logs.
func (p Provider) String() string {
	return fmt.Sprintf("%s(%s)", p.Name, p.Kind)
}
