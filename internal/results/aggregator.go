// Package results implements the Result Aggregator: it accumulates what a
// run produced (text, tool trace, usage, cache hits) turn by turn and turns
// it into the RunResult handed back to the caller, including assertion
// outcomes.
package results

import (
	"time"

	"github.com/agentoven/scriptrun/pkg/models"
)

// Aggregator collects the observable output of one run. It is owned by the
// run's orchestrator and is not safe for concurrent use.
type Aggregator struct {
	runID     string
	model     string
	started   time.Time
	text      string
	trace     []models.ToolTraceEntry
	usage     models.TokenUsage
	turns     int
	cacheHits int
}

// NewAggregator starts aggregating for runID.
func NewAggregator(runID string) *Aggregator {
	return &Aggregator{runID: runID, started: time.Now(), trace: []models.ToolTraceEntry{}}
}

// SetModel records the primary model string.
func (a *Aggregator) SetModel(model string) { a.model = model }

// RecordTurn adds one assistant turn. Cached turns count as turns and cache
// hits but add no usage.
func (a *Aggregator) RecordTurn(resp *models.RouteResponse) {
	a.turns++
	if resp.FromCache {
		a.cacheHits++
	} else {
		a.usage.Add(resp.Usage)
	}
	a.text = resp.Content
}

// RecordTool appends a call/result pair to the trace.
func (a *Aggregator) RecordTool(entry models.ToolTraceEntry) {
	a.trace = append(a.trace, entry)
}

// AddUsage folds in usage spent outside the run's own turns (sub-agents).
func (a *Aggregator) AddUsage(u models.TokenUsage) {
	if u == (models.TokenUsage{}) {
		return
	}
	a.usage.Add(u)
}

// SetText overrides the final text (finish tool output).
func (a *Aggregator) SetText(text string) { a.text = text }

// Usage returns the usage accumulated so far.
func (a *Aggregator) Usage() models.TokenUsage { return a.usage }

// Turns returns the number of assistant turns recorded.
func (a *Aggregator) Turns() int { return a.turns }

// Trace returns a copy of the tool trace, never nil.
func (a *Aggregator) Trace() []models.ToolTraceEntry {
	out := make([]models.ToolTraceEntry, len(a.trace))
	copy(out, a.trace)
	return out
}

// Finish builds the RunResult for the final state and evaluates assertions.
// A run passes when it terminated normally and every assertion held.
func (a *Aggregator) Finish(state models.RunState, err error, assertions []models.Assertion) *models.RunResult {
	res := &models.RunResult{
		RunID:      a.runID,
		State:      state,
		Model:      a.model,
		Text:       a.text,
		ToolTrace:  a.Trace(),
		Usage:      a.usage,
		Turns:      a.turns,
		CacheHits:  a.cacheHits,
		DurationMs: time.Since(a.started).Milliseconds(),
	}
	if err != nil {
		re, ok := models.AsRunError(err)
		if !ok {
			re = &models.RunError{Kind: models.ErrConfiguration, Err: err}
		}
		res.Error = re
	}

	res.Assertions = Evaluate(assertions, res)
	res.Passed = state == models.StateTerminated
	for _, ar := range res.Assertions {
		if !ar.Passed {
			res.Passed = false
		}
	}
	return res
}
