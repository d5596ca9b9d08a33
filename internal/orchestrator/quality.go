package orchestrator

import (
	"math"

	"github.com/forgeworks/forged/internal/planner"
	"github.com/forgeworks/forged/internal/verify"
)

// qualityScore folds the arbitration reports into a 0-100 score. The base is
// the mean confidence of passing verdicts; abstentions and findings pull it
// down. Only accepted artifacts are scored, so fail verdicts appear here only
// when the arbiter overruled them.
func qualityScore(decision verify.Decision) float64 {
	var passSum float64
	var passes int
	penalty := 0.0

	for _, r := range decision.Reports {
		switch r.Verdict {
		case verify.VerdictPass:
			passes++
			passSum += r.Confidence
		case verify.VerdictAbstain:
			penalty += 10
		case verify.VerdictFail:
			penalty += 15
		}
		for _, f := range r.Findings {
			switch f.Severity {
			case verify.SeverityCritical:
				penalty += 15
			case verify.SeverityWarning:
				penalty += 5
			}
		}
	}

	base := 50.0
	if passes > 0 {
		base = 100 * passSum / float64(passes)
	}
	score := base - penalty
	if decision.Verdict == verify.DecisionAcceptWithWarnings && score > 85 {
		score = 85
	}
	return math.Round(math.Max(0, math.Min(100, score))*10) / 10
}

// qualityReport is the structured breakdown attached to a success response.
func qualityReport(decision verify.Decision, plan planner.Plan, gateRan bool) map[string]any {
	verifiers := make([]map[string]any, 0, len(decision.Reports))
	for _, r := range decision.Reports {
		entry := map[string]any{
			"verifier":   r.Verifier,
			"verdict":    string(r.Verdict),
			"confidence": r.Confidence,
		}
		if len(r.Findings) > 0 {
			findings := make([]map[string]string, 0, len(r.Findings))
			for _, f := range r.Findings {
				findings = append(findings, map[string]string{
					"severity": string(f.Severity),
					"message":  f.Message,
				})
			}
			entry["findings"] = findings
		}
		verifiers = append(verifiers, entry)
	}

	return map[string]any{
		"decision":  string(decision.Verdict),
		"verifiers": verifiers,
		"tests_run": gateRan,
		"attempts":  plan.Attempt + 1,
	}
}
