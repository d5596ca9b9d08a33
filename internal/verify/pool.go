package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgeworks/forged/internal/build"
)

const defaultVerifierTimeout = 30 * time.Second

// Pool fans out all configured verifiers concurrently against the same
// artifact snapshot and fans back in with a wait-all join. There is no
// early short-circuit on a single fail: the arbiter needs every available
// signal.
type Pool struct {
	verifiers []Verifier
	timeout   time.Duration
}

// NewPool creates a pool. timeout is the independent per-verifier budget;
// <= 0 uses the 30s default.
func NewPool(verifiers []Verifier, timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = defaultVerifierTimeout
	}
	return &Pool{verifiers: verifiers, timeout: timeout}
}

// Size returns the number of configured verifiers.
func (p *Pool) Size() int {
	return len(p.verifiers)
}

// Verify runs every verifier concurrently and returns one report per
// verifier in registration order. Timeouts, errors, and panics all convert
// to abstain with the cause recorded as a finding, never silently to pass.
func (p *Pool) Verify(ctx context.Context, artifact *build.Artifact) []Report {
	reports := make([]Report, len(p.verifiers))

	var g errgroup.Group
	for i, v := range p.verifiers {
		g.Go(func() error {
			reports[i] = p.runOne(ctx, v, artifact.Clone())
			return nil
		})
	}
	g.Wait()

	return reports
}

// runOne executes a single verifier under its own timeout. The check runs
// in an inner goroutine so a verifier that ignores its context cannot block
// the pool past the deadline.
func (p *Pool) runOne(ctx context.Context, v Verifier, snapshot *build.Artifact) Report {
	vctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		report Report
		err    error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("verifier panicked: %v", r)}
			}
		}()
		report, err := v.Check(vctx, snapshot)
		done <- result{report: report, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			slog.Warn("verifier errored, recording abstain", "verifier", v.Name(), "error", res.err)
			return abstainReport(v.Name(), res.err.Error())
		}
		res.report.Verifier = v.Name()
		return res.report
	case <-vctx.Done():
		slog.Warn("verifier timed out, recording abstain", "verifier", v.Name(), "timeout", p.timeout)
		return abstainReport(v.Name(), "verifier timed out after "+p.timeout.String())
	}
}

func abstainReport(name, cause string) Report {
	return Report{
		Verifier:   name,
		Verdict:    VerdictAbstain,
		Confidence: 0,
		Findings:   []Finding{{Severity: SeverityWarning, Message: cause}},
	}
}
