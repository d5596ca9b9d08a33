// Package verify runs independent checks against a candidate artifact and
// arbitrates their verdicts into one final decision.
package verify

import (
	"context"

	"github.com/forgeworks/forged/internal/build"
)

// Verdict is one verifier's judgment of an artifact.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"

	// VerdictAbstain records that a verifier could not judge (timeout,
	// error, panic). It is never treated as a pass.
	VerdictAbstain Verdict = "abstain"
)

// Severity grades a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one observation a verifier made about the artifact.
type Finding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Location string   `json:"location,omitempty"`
}

// Report is one verifier's complete result.
type Report struct {
	Verifier   string    `json:"verifier"`
	Verdict    Verdict   `json:"verdict"`
	Findings   []Finding `json:"findings,omitempty"`
	Confidence float64   `json:"confidence"`
}

// Verifier renders an independent verdict on an artifact snapshot. The
// snapshot is a clone; implementations may read it freely but mutations
// never reach the original.
type Verifier interface {
	Name() string
	Check(ctx context.Context, artifact *build.Artifact) (Report, error)
}

// DecisionVerdict is the arbiter's final call.
type DecisionVerdict string

const (
	DecisionAccept             DecisionVerdict = "accept"
	DecisionReject             DecisionVerdict = "reject"
	DecisionAcceptWithWarnings DecisionVerdict = "accept-with-warnings"
)

// Decision is the arbitration result. Terminal and immutable once recorded.
type Decision struct {
	Verdict   DecisionVerdict `json:"verdict"`
	Reports   []Report        `json:"reports"`
	Rationale string          `json:"rationale"`
}

// Accepted reports whether the artifact may proceed to the test gate.
func (d Decision) Accepted() bool {
	return d.Verdict == DecisionAccept || d.Verdict == DecisionAcceptWithWarnings
}
