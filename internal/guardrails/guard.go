// Package guardrails implements the Safety Guard.
//
// The Guard runs content through a chain of classifiers before it is allowed
// into a conversation: script inputs and files before the first turn, tool
// arguments before dispatch and tool outputs before they are appended. The
// first classifier to flag the content decides the verdict. Verdicts are
// memoised by source and content hash, so the same content always gets the
// same answer within a process.
//
// Shipped classifiers:
//   - heuristic: prompt injection patterns, blocked words, PII
//   - rules: expr-lang boolean expressions over the content
//   - command: external process speaking JSON over stdin/stdout
//   - http: external HTTP endpoint
package guardrails

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/scriptrun/internal/metrics"
	"github.com/agentoven/scriptrun/pkg/contracts"
	"github.com/agentoven/scriptrun/pkg/models"
)

// maxMemo bounds the verdict memo; it is cleared when full.
const maxMemo = 10000

// Guard evaluates content against a chain of classifiers.
type Guard struct {
	classifiers []contracts.Classifier

	mu   sync.Mutex
	memo map[string]models.SafetyVerdict
}

// NewGuard creates a guard. With no classifiers every verdict is clean.
func NewGuard(classifiers ...contracts.Classifier) *Guard {
	return &Guard{classifiers: classifiers, memo: make(map[string]models.SafetyVerdict)}
}

// Classifiers returns the names of the configured classifiers.
func (g *Guard) Classifiers() []string {
	names := make([]string, len(g.classifiers))
	for i, c := range g.classifiers {
		names[i] = c.Name()
	}
	return names
}

// Evaluate classifies text. A classifier error is returned as is and the
// verdict is not memoised; callers must treat it as a detection.
func (g *Guard) Evaluate(ctx context.Context, source models.ContentSource, text string) (models.SafetyVerdict, error) {
	key := memoKey(source, text)

	g.mu.Lock()
	v, ok := g.memo[key]
	g.mu.Unlock()
	if ok {
		return v, nil
	}

	verdict := models.SafetyVerdict{}
	for _, c := range g.classifiers {
		cv, err := c.Classify(ctx, source, text)
		if err != nil {
			metrics.SafetyVerdicts.WithLabelValues(string(source), "error").Inc()
			return models.SafetyVerdict{}, fmt.Errorf("classifier %s: %w", c.Name(), err)
		}
		if cv.AttackDetected {
			if cv.Reason == "" {
				cv.Reason = "flagged by " + c.Name()
			}
			verdict = cv
			break
		}
	}

	label := "clean"
	if verdict.AttackDetected {
		label = "attack"
	}
	metrics.SafetyVerdicts.WithLabelValues(string(source), label).Inc()

	g.mu.Lock()
	if len(g.memo) >= maxMemo {
		g.memo = make(map[string]models.SafetyVerdict)
	}
	g.memo[key] = verdict
	g.mu.Unlock()
	return verdict, nil
}

// Check evaluates text and converts a detection or a classifier failure
// into a SafetyViolation.
func (g *Guard) Check(ctx context.Context, source models.ContentSource, label, text string) error {
	v, err := g.Evaluate(ctx, source, text)
	if err != nil {
		log.Warn().Str("source", string(source)).Str("content", label).Err(err).Msg("Safety classifier failed, blocking content")
		re := models.NewSafetyViolation(fmt.Sprintf("%s %s could not be classified: %v", source, label, err))
		re.Err = err
		return re
	}
	if v.AttackDetected {
		log.Warn().
			Str("source", string(source)).
			Str("content", label).
			Str("reason", v.Reason).
			Strs("categories", v.Categories).
			Msg("Safety guard flagged content")
		return models.NewSafetyViolation(fmt.Sprintf("%s %s: %s", source, label, v.Reason))
	}
	return nil
}

func memoKey(source models.ContentSource, text string) string {
	sum := sha256.Sum256([]byte(text))
	return string(source) + ":" + hex.EncodeToString(sum[:])
}
