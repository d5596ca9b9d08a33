package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forgeworks/forged/internal/build"
)

// Arbiter resolves verifier disagreement into one terminal decision. It is
// the final authority: on any mixed verdict it performs its own independent
// check and that verdict overrides the pool, never a vote.
type Arbiter struct {
	// checker is the arbiter's own distinguished verifier, outside the pool.
	checker Verifier

	// failThreshold gates the confident-fail shortcut: a fail at or above
	// this confidence rejects outright when no verifier disagrees.
	failThreshold float64
}

// NewArbiter creates an Arbiter with its own independent checker.
// failThreshold outside (0,1] falls back to 0.8.
func NewArbiter(checker Verifier, failThreshold float64) *Arbiter {
	if failThreshold <= 0 || failThreshold > 1 {
		failThreshold = 0.8
	}
	return &Arbiter{checker: checker, failThreshold: failThreshold}
}

// Arbitrate turns the pool's reports into a final decision:
//   - all abstain → reject (degraded verification is never accepted)
//   - unanimous pass → accept, or accept-with-warnings if findings exist
//   - fails without any pass disagreement → reject when confident or unanimous
//   - mixed pass/fail/abstain → the arbiter's own check is authoritative
func (a *Arbiter) Arbitrate(ctx context.Context, artifact *build.Artifact, reports []Report) Decision {
	var passes, fails, abstains int
	maxFailConfidence := 0.0
	for _, r := range reports {
		switch r.Verdict {
		case VerdictPass:
			passes++
		case VerdictFail:
			fails++
			if r.Confidence > maxFailConfidence {
				maxFailConfidence = r.Confidence
			}
		default:
			abstains++
		}
	}

	switch {
	case len(reports) == 0 || abstains == len(reports):
		return Decision{
			Verdict:   DecisionReject,
			Reports:   reports,
			Rationale: "verification degraded: no verifier rendered a verdict",
		}

	case fails == 0 && abstains == 0:
		verdict := DecisionAccept
		rationale := "unanimous pass from all verifiers"
		if anyFindings(reports) {
			verdict = DecisionAcceptWithWarnings
			rationale = "unanimous pass with recorded findings"
		}
		return Decision{Verdict: verdict, Reports: reports, Rationale: rationale}

	case passes == 0:
		// Fails and/or abstains only; no disagreement to resolve.
		if maxFailConfidence >= a.failThreshold {
			return Decision{
				Verdict:   DecisionReject,
				Reports:   reports,
				Rationale: fmt.Sprintf("confident fail (confidence %.2f) with no dissenting pass", maxFailConfidence),
			}
		}
		return Decision{
			Verdict:   DecisionReject,
			Reports:   reports,
			Rationale: "no verifier passed the artifact",
		}

	default:
		return a.overrule(ctx, artifact, reports)
	}
}

// overrule is the disagreement path: the arbiter's own check decides.
func (a *Arbiter) overrule(ctx context.Context, artifact *build.Artifact, reports []Report) Decision {
	own, err := a.checker.Check(ctx, artifact.Clone())
	if err != nil {
		slog.Warn("arbiter: independent check failed, rejecting", "error", err)
		return Decision{
			Verdict:   DecisionReject,
			Reports:   reports,
			Rationale: "verifiers disagreed and the arbiter's independent check could not run",
		}
	}
	own.Verifier = "arbiter"
	all := append(append([]Report(nil), reports...), own)

	switch own.Verdict {
	case VerdictPass:
		verdict := DecisionAccept
		if anyFindings(all) {
			verdict = DecisionAcceptWithWarnings
		}
		return Decision{
			Verdict:   verdict,
			Reports:   all,
			Rationale: "verifiers disagreed; arbiter's independent check passed and is authoritative: " + summarize(own),
		}
	case VerdictFail:
		return Decision{
			Verdict:   DecisionReject,
			Reports:   all,
			Rationale: "verifiers disagreed; arbiter's independent check failed and is authoritative: " + summarize(own),
		}
	default:
		return Decision{
			Verdict:   DecisionReject,
			Reports:   all,
			Rationale: "verifiers disagreed and the arbiter abstained; rejecting under degraded verification",
		}
	}
}

func anyFindings(reports []Report) bool {
	for _, r := range reports {
		if len(r.Findings) > 0 {
			return true
		}
	}
	return false
}

func summarize(r Report) string {
	if len(r.Findings) == 0 {
		return fmt.Sprintf("%s (confidence %.2f)", r.Verdict, r.Confidence)
	}
	msgs := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		msgs = append(msgs, f.Message)
	}
	return fmt.Sprintf("%s (confidence %.2f): %s", r.Verdict, r.Confidence, strings.Join(msgs, "; "))
}
