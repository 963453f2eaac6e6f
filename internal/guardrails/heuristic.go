package guardrails

import (
	"context"
	"regexp"
	"strings"

	"github.com/agentoven/scriptrun/pkg/models"
)

// HeuristicConfig configures the built-in classifier.
type HeuristicConfig struct {
	Sensitivity  string   // low | medium | high
	BlockedWords []string // case-insensitive substrings
	DetectPII    bool
}

// HeuristicClassifier flags prompt injection phrasing, blocked words and,
// optionally, PII.
type HeuristicClassifier struct {
	cfg     HeuristicConfig
	blocked []string
}

// NewHeuristicClassifier creates the built-in classifier.
func NewHeuristicClassifier(cfg HeuristicConfig) *HeuristicClassifier {
	if cfg.Sensitivity == "" {
		cfg.Sensitivity = "medium"
	}
	blocked := make([]string, 0, len(cfg.BlockedWords))
	for _, w := range cfg.BlockedWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			blocked = append(blocked, w)
		}
	}
	return &HeuristicClassifier{cfg: cfg, blocked: blocked}
}

func (h *HeuristicClassifier) Name() string { return "heuristic" }

func (h *HeuristicClassifier) Classify(_ context.Context, _ models.ContentSource, text string) (models.SafetyVerdict, error) {
	if re := matchAny(injectionPatterns, text); re != nil {
		return attack("prompt injection pattern detected", "prompt_injection"), nil
	}
	if h.cfg.Sensitivity == "high" {
		if re := matchAny(highSensitivityPatterns, text); re != nil {
			return attack("prompt injection pattern detected (high sensitivity)", "prompt_injection"), nil
		}
	}
	if h.cfg.Sensitivity != "low" {
		if re := matchAny(exfiltrationPatterns, text); re != nil {
			return attack("data exfiltration instruction detected", "exfiltration"), nil
		}
	}

	lower := strings.ToLower(text)
	for _, w := range h.blocked {
		if strings.Contains(lower, w) {
			return attack("blocked content: contains prohibited word or phrase", "content_filter"), nil
		}
	}

	if h.cfg.DetectPII {
		for _, name := range piiOrder {
			if piiPatterns[name].MatchString(text) {
				return attack("PII detected: "+name, "pii"), nil
			}
		}
	}
	return models.SafetyVerdict{}, nil
}

func attack(reason string, categories ...string) models.SafetyVerdict {
	return models.SafetyVerdict{AttackDetected: true, Reason: reason, Categories: categories}
}

func matchAny(patterns []*regexp.Regexp, text string) *regexp.Regexp {
	for _, re := range patterns {
		if re.MatchString(text) {
			return re
		}
	}
	return nil
}

// ── Patterns ────────────────────────────────────────────────

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
	regexp.MustCompile(`(?i)<\|?(im_start|system|endoftext)\|?>`),
}

var highSensitivityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)override\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)bypass\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)repeat\s+(your|the)\s+(system\s+)?(prompt|instructions?)\s+verbatim`),
}

// Tool outputs that try to make the model ship data elsewhere.
var exfiltrationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(send|post|upload|forward)\s+(all\s+)?(the\s+)?(conversation|secrets?|credentials|api\s*keys?|passwords?)\s+to\b`),
	regexp.MustCompile(`(?i)!\[[^\]]*\]\(https?://[^)]*\?[^)]*=\{`),
}

var piiOrder = []string{"email", "ssn", "credit_card", "phone"}

var piiPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"phone":       regexp.MustCompile(`(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`),
}
