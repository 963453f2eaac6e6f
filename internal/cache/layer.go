package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/scriptrun/internal/metrics"
	"github.com/agentoven/scriptrun/pkg/contracts"
	"github.com/agentoven/scriptrun/pkg/models"
)

// Tier names used in logs and metrics.
const (
	TierEphemeral  = "ephemeral"
	TierPersistent = "persistent"
)

// Layer fronts the persistent backend. It is shared by all runs.
type Layer struct {
	persistent contracts.CacheStore
}

// NewLayer wraps a persistent backend. A nil backend disables the
// persistent tier.
func NewLayer(persistent contracts.CacheStore) *Layer {
	return &Layer{persistent: persistent}
}

// Close closes the persistent backend.
func (l *Layer) Close() error {
	if l.persistent == nil {
		return nil
	}
	return l.persistent.Close()
}

// Session is one run's view of the cache: its own ephemeral tier plus the
// shared persistent tier when the policy asks for it.
type Session struct {
	layer     *Layer
	policy    models.CachePolicy
	ephemeral *MemoryStore
}

// Session creates the per-run view for policy.
func (l *Layer) Session(policy models.CachePolicy) *Session {
	return &Session{layer: l, policy: policy, ephemeral: NewMemoryStore()}
}

// Enabled reports whether the run caches at all.
func (s *Session) Enabled() bool { return s.policy.Enabled() }

// Key fingerprints a request under the session's namespace.
func (s *Session) Key(in FingerprintInput) (string, error) {
	in.Namespace = s.policy.Namespace
	return Fingerprint(in)
}

// Get looks up fp in the ephemeral tier, then the persistent tier. Backend
// failures are logged and treated as misses. The returned response has
// FromCache set.
func (s *Session) Get(ctx context.Context, fp string) (*models.RouteResponse, bool) {
	if !s.Enabled() {
		return nil, false
	}

	if e, _ := s.ephemeral.Get(ctx, fp); e != nil {
		metrics.CacheLookups.WithLabelValues(TierEphemeral, "hit").Inc()
		return hit(e), true
	}
	metrics.CacheLookups.WithLabelValues(TierEphemeral, "miss").Inc()

	if !s.persistent() {
		return nil, false
	}
	e, err := s.layer.persistent.Get(ctx, fp)
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fp).Msg("Persistent cache lookup failed")
		metrics.CacheLookups.WithLabelValues(TierPersistent, "error").Inc()
		return nil, false
	}
	if e == nil {
		metrics.CacheLookups.WithLabelValues(TierPersistent, "miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues(TierPersistent, "hit").Inc()
	s.ephemeral.put(e)
	return hit(e), true
}

// Put records a live response in every active tier. Existing entries are
// kept as they are.
func (s *Session) Put(ctx context.Context, fp string, resp *models.RouteResponse) {
	if !s.Enabled() || resp == nil {
		return
	}
	e := &models.CacheEntry{Fingerprint: fp, Response: *resp, CreatedAt: time.Now().UTC()}
	e.Response.FromCache = false
	s.ephemeral.put(e)

	if s.persistent() {
		if err := s.layer.persistent.Put(ctx, e); err != nil {
			log.Warn().Err(err).Str("fingerprint", fp).Msg("Persistent cache write failed")
		}
	}
}

func (s *Session) persistent() bool {
	return s.policy.Scope == models.CachePersistent && s.layer != nil && s.layer.persistent != nil
}

func hit(e *models.CacheEntry) *models.RouteResponse {
	r := e.Response
	r.FromCache = true
	r.LatencyMs = 0
	return &r
}

// ── Backend selection ───────────────────────────────────────

// Options selects and configures the persistent backend.
type Options struct {
	Backend string // memory | file | redis | mysql | postgres
	DSN     string
	Path    string
	Table   string

	// Limits bound the memory and file backends.
	Limits Limits
}

// Open creates the persistent backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (contracts.CacheStore, error) {
	switch opts.Backend {
	case "", "memory":
		return NewBoundedMemoryStore(opts.Limits), nil
	case "file":
		return NewFileStore(opts.Path, opts.Limits)
	case "redis":
		return NewRedisStore(ctx, RedisConfig{Address: opts.DSN})
	case "mysql":
		return NewSQLStore(ctx, DialectMySQL, opts.DSN, opts.Table)
	case "postgres":
		return NewSQLStore(ctx, DialectPostgres, opts.DSN, opts.Table)
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
}
