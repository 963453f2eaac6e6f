package guardrails

import (
	"github.com/rs/zerolog/log"

	"github.com/agentoven/scriptrun/internal/config"
	"github.com/agentoven/scriptrun/pkg/contracts"
)

// FromConfig assembles the classifier chain from environment settings and
// the runtime file's guard section. Order: heuristic, rules, command, http.
func FromConfig(sc config.SafetyConfig, ge config.GuardEntry) (*Guard, error) {
	var chain []contracts.Classifier

	if sc.Heuristics || sc.PII || len(ge.BlockedWords) > 0 {
		chain = append(chain, NewHeuristicClassifier(HeuristicConfig{
			Sensitivity:  sc.Sensitivity,
			BlockedWords: ge.BlockedWords,
			DetectPII:    sc.PII,
		}))
	}

	if len(ge.Rules) > 0 {
		rules := make([]Rule, len(ge.Rules))
		for i, r := range ge.Rules {
			rules[i] = Rule{Name: r.Name, Expr: r.Expr, Reason: r.Reason}
		}
		rc, err := NewRuleClassifier(rules)
		if err != nil {
			return nil, err
		}
		chain = append(chain, rc)
	}

	if sc.ClassifierCommand != "" {
		cc, err := NewCommandClassifier(sc.ClassifierCommand, sc.ClassifierTimeout)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cc)
	}

	if sc.ClassifierURL != "" {
		chain = append(chain, NewHTTPClassifier(sc.ClassifierURL, sc.ClassifierTimeout))
	}

	g := NewGuard(chain...)
	log.Info().Strs("classifiers", g.Classifiers()).Msg("Safety guard configured")
	return g, nil
}
