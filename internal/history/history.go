// Package history keeps recently finished runs in memory so clients can
// fetch a RunResult by id after the POST that produced it returned.
//
// A janitor goroutine drops records older than the retention window and
// caps the store at a maximum number of records, oldest first.
package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/scriptrun/pkg/models"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultRetention = 24 * time.Hour
	DefaultMaxRuns   = 1000
	DefaultInterval  = time.Minute
)

// Record is one finished run.
type Record struct {
	RunID      string            `json:"run_id"`
	ScriptID   string            `json:"script_id,omitempty"`
	Title      string            `json:"title,omitempty"`
	FinishedAt time.Time         `json:"finished_at"`
	Result     *models.RunResult `json:"result"`
}

// Summary is the list view of a Record.
type Summary struct {
	RunID      string          `json:"run_id"`
	ScriptID   string          `json:"script_id,omitempty"`
	State      models.RunState `json:"state"`
	Passed     bool            `json:"passed"`
	Turns      int             `json:"turns"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Options bound the store.
type Options struct {
	Retention time.Duration
	MaxRuns   int
}

// Store is a thread-safe in-memory run history.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	opts    Options
	now     func() time.Time
}

// NewStore creates an empty history.
func NewStore(opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = DefaultMaxRuns
	}
	return &Store{
		records: make(map[string]*Record),
		opts:    opts,
		now:     time.Now,
	}
}

// Record stores the result of a finished run.
func (s *Store) Record(def *models.ScriptDefinition, res *models.RunResult) {
	rec := &Record{
		RunID:      res.RunID,
		FinishedAt: s.now().UTC(),
		Result:     res,
	}
	if def != nil {
		rec.ScriptID = def.ID
		rec.Title = def.Title
	}

	s.mu.Lock()
	s.records[rec.RunID] = rec
	over := len(s.records) > s.opts.MaxRuns
	s.mu.Unlock()

	if over {
		s.Prune()
	}
}

// Get retrieves a run by id.
func (s *Store) Get(_ context.Context, runID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[runID]
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return rec, nil
}

// List returns up to limit summaries, newest first. limit <= 0 lists all.
func (s *Store) List(_ context.Context, limit int) []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, Summary{
			RunID:      rec.RunID,
			ScriptID:   rec.ScriptID,
			State:      rec.Result.State,
			Passed:     rec.Result.Passed,
			Turns:      rec.Result.Turns,
			FinishedAt: rec.FinishedAt,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Len returns the number of stored runs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ── Janitor ─────────────────────────────────────────────────

// Prune drops expired records, then the oldest ones above MaxRuns. It
// returns how many records were removed.
func (s *Store) Prune() int {
	cutoff := s.now().UTC().Add(-s.opts.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if rec.FinishedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}

	if extra := len(s.records) - s.opts.MaxRuns; extra > 0 {
		recs := make([]*Record, 0, len(s.records))
		for _, rec := range s.records {
			recs = append(recs, rec)
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].FinishedAt.Before(recs[j].FinishedAt) })
		for _, rec := range recs[:extra] {
			delete(s.records, rec.RunID)
			removed++
		}
	}
	return removed
}

// Start prunes on every interval tick. It blocks until ctx is canceled.
func (s *Store) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	log.Info().
		Dur("interval", interval).
		Dur("retention", s.opts.Retention).
		Int("max_runs", s.opts.MaxRuns).
		Msg("Run history janitor started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Run history janitor stopped")
			return
		case <-ticker.C:
			if n := s.Prune(); n > 0 {
				log.Debug().Int("removed", n).Msg("Run history pruned")
			}
		}
	}
}
